package soft

import (
	"log/slog"

	"github.com/jmylchreest/codecmux/internal/codec"
	"github.com/jmylchreest/codecmux/internal/omx"
)

// Factory opens software components by name.
type Factory struct {
	Options Options
	// Configure adjusts the options of a single component before it opens.
	Configure func(name string, opts *Options)
	Logger    *slog.Logger
}

// NewFactory returns a factory using opts for every component.
func NewFactory(opts Options) *Factory {
	return &Factory{Options: opts}
}

// Open implements omx.Factory.
func (f *Factory) Open(name string, observer omx.Observer) (omx.Component, error) {
	if !codec.IsSoftwareComponent(name) {
		return nil, omx.NewError("open "+name, omx.ErrorComponentNotFound)
	}
	opts := f.Options
	if opts.Logger == nil {
		opts.Logger = f.Logger
	}
	if f.Configure != nil {
		f.Configure(name, &opts)
	}
	return New(name, observer, opts), nil
}
