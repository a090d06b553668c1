// Package omxcodec drives an omx.Component through its lifecycle and moves
// buffers between a media.Source, the component ports and the client.
//
// All mutable state sits behind one mutex. Component callbacks are queued by
// the observer and applied by a dispatcher goroutine under that mutex, so a
// component may call back from inside any component call. Blocking client
// calls wait on a broadcast channel that is replaced on every change.
package omxcodec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/codecmux/internal/codec"
	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/observability"
	"github.com/jmylchreest/codecmux/internal/omx"
)

// Default timeouts.
const (
	DefaultStateTimeout = 3 * time.Second
	DefaultReadTimeout  = 3 * time.Second

	// NoTimeout disables a timeout.
	NoTimeout time.Duration = -1
)

// Options configures Create.
type Options struct {
	Factory omx.Factory
	// Format is the format of the samples read from Source.
	Format *media.Format
	// Encoder selects an encoder for Format.MIME instead of a decoder.
	Encoder bool
	Source  media.Source

	// ComponentName skips the registry and opens this component only.
	ComponentName string
	// Quirks overrides the registry lookup for the opened component.
	Quirks *codec.Quirks
	// NativeWindow renders decoded video; output buffers are then window buffers.
	NativeWindow NativeWindow

	// StateTimeout bounds every state transition. Zero uses DefaultStateTimeout.
	StateTimeout time.Duration
	// ReadTimeout bounds one Read. Zero uses DefaultReadTimeout, NoTimeout waits forever.
	ReadTimeout time.Duration

	Logger *slog.Logger
}

// Codec is the port state machine around one component.
type Codec struct {
	id           ulid.ULID
	name         string
	mime         string
	encoder      bool
	quirks       codec.Quirks
	comp         omx.Component
	source       media.Source
	window       NativeWindow
	logger       *slog.Logger
	stateTimeout time.Duration
	readTimeout  time.Duration

	queue        messageQueue
	stopDispatch chan struct{}
	dispatchDone chan struct{}

	srcMu     sync.Mutex
	srcCtx    context.Context
	srcCancel context.CancelFunc

	mu      sync.Mutex
	changed chan struct{}
	state   State
	ports   [2]*Port

	inputFormat  *media.Format
	outputFormat *media.Format

	csd                 [][]byte
	csdIndex            int
	initialBufferSubmit bool
	signalledEOS        bool
	pendingSourceErr    error
	leftOver            *media.Buffer
	sourceStarted       bool
	paused              bool

	noMoreOutputData          bool
	finalStatus               error
	failure                   error
	outputPortSettingsChanged bool
	pendingPortSettingsChange bool
	filled                    []*BufferInfo
	orphans                   []*media.Buffer

	seeking      bool
	seekTimeUs   int64
	seekMode     media.SeekMode
	targetTimeUs int64
	flushing     [2]bool

	stats Stats
}

// Create opens the first component able to handle opts.Format and configures
// its ports. The codec is returned in StateLoaded.
func Create(ctx context.Context, opts Options) (*Codec, error) {
	if opts.Factory == nil || opts.Format == nil || opts.Source == nil {
		return nil, fmt.Errorf("omxcodec: factory, format and source are required: %w", media.ErrInvalidOperation)
	}

	candidates := codec.MatchingComponents(opts.Format.MIME, opts.Encoder)
	if opts.ComponentName != "" {
		candidates = []string{opts.ComponentName}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("omxcodec: no component for %s: %w", opts.Format.MIME, media.ErrUnsupportedFormat)
	}

	var errs []error
	for _, name := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := newCodec(name, opts)
		comp, err := opts.Factory.Open(name, omx.ObserverFunc(c.queue.push))
		if err != nil {
			c.logger.Debug("component unavailable", slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		c.comp = comp
		if err := c.configure(); err != nil {
			c.logger.Warn("component rejected configuration", slog.String("error", err.Error()))
			_ = comp.Close()
			errs = append(errs, err)
			continue
		}

		go c.dispatch()
		c.mu.Lock()
		c.setStateLocked(StateLoaded)
		c.mu.Unlock()
		c.logger.Info("codec created",
			slog.String("format", opts.Format.String()),
			slog.Bool("encoder", opts.Encoder))
		return c, nil
	}

	return nil, fmt.Errorf("omxcodec: no usable component for %s: %w: %w",
		opts.Format.MIME, media.ErrUnsupportedFormat, errors.Join(errs...))
}

func newCodec(name string, opts Options) *Codec {
	id := ulid.Make()
	quirks := codec.QuirksFor(name)
	if opts.Quirks != nil {
		quirks = *opts.Quirks
	}
	stateTimeout := opts.StateTimeout
	if stateTimeout == 0 {
		stateTimeout = DefaultStateTimeout
	}
	readTimeout := opts.ReadTimeout
	if readTimeout == 0 {
		readTimeout = DefaultReadTimeout
	}
	mime := opts.Format.MIME
	if resolved, ok := codec.MIMEType(mime); ok {
		mime = resolved
	}

	return &Codec{
		id:           id,
		name:         name,
		mime:         mime,
		encoder:      opts.Encoder,
		quirks:       quirks,
		source:       opts.Source,
		window:       opts.NativeWindow,
		stateTimeout: stateTimeout,
		readTimeout:  readTimeout,
		logger: observability.WithComponent(opts.Logger, "omxcodec").With(
			slog.String("codec_id", id.String()),
			slog.String("omx_component", name)),
		queue:        messageQueue{ready: make(chan struct{}, 1)},
		stopDispatch: make(chan struct{}),
		dispatchDone: make(chan struct{}),
		changed:      make(chan struct{}),
		state:        StateDead,
		ports: [2]*Port{
			{Index: omx.PortInput},
			{Index: omx.PortOutput},
		},
		inputFormat:  opts.Format.Clone(),
		targetTimeUs: -1,
	}
}

// configure writes the port definitions derived from the input format.
func (c *Codec) configure() error {
	f := c.inputFormat
	compressed, raw := c.mime, media.MIMEVideoRaw
	if f.IsAudio() {
		raw = media.MIMEAudioRaw
	}

	in, err := c.comp.GetParameter(omx.PortInput)
	if err != nil {
		return fmt.Errorf("get input port: %w", err)
	}
	out, err := c.comp.GetParameter(omx.PortOutput)
	if err != nil {
		return fmt.Errorf("get output port: %w", err)
	}

	if c.encoder {
		in.MIME, out.MIME = raw, compressed
	} else {
		in.MIME, out.MIME = compressed, raw
	}
	if f.MaxInputSize > in.BufferSize {
		in.BufferSize = f.MaxInputSize
	}
	for _, def := range []*omx.PortDefinition{&in, &out} {
		if f.IsVideo() {
			def.Video = omx.VideoPortFormat{
				Width:     f.Width,
				Height:    f.Height,
				Stride:    f.Width,
				FrameRate: f.FrameRate,
				BitRate:   f.BitRate,
			}
		} else {
			def.Audio = omx.AudioPortFormat{
				SampleRate: f.SampleRate,
				Channels:   f.Channels,
				BitRate:    f.BitRate,
			}
		}
	}

	if err := c.comp.SetParameter(in); err != nil {
		return fmt.Errorf("set input port: %w", err)
	}
	if err := c.comp.SetParameter(out); err != nil {
		return fmt.Errorf("set output port: %w", err)
	}

	if !c.encoder {
		c.csd = f.CSD
	}

	out, err = c.comp.GetParameter(omx.PortOutput)
	if err != nil {
		return fmt.Errorf("get output port: %w", err)
	}
	c.initOutputFormatLocked(out)
	return nil
}

// initOutputFormatLocked derives the output format from the output port.
func (c *Codec) initOutputFormatLocked(def omx.PortDefinition) {
	in := c.inputFormat
	f := &media.Format{
		MIME:       def.MIME,
		DurationUs: in.DurationUs,
		BitRate:    in.BitRate,
	}
	if c.encoder {
		f.MIME = c.mime
	}
	if c.outputFormat != nil && c.encoder {
		f.CSD = c.outputFormat.CSD
	}

	if in.IsVideo() {
		f.Width, f.Height, f.FrameRate = def.Video.Width, def.Video.Height, def.Video.FrameRate
		if f.Width == 0 || f.Height == 0 {
			f.Width, f.Height = in.Width, in.Height
		}
		if f.FrameRate == 0 {
			f.FrameRate = in.FrameRate
		}
	} else {
		f.SampleRate, f.Channels = def.Audio.SampleRate, def.Audio.Channels
		if f.SampleRate == 0 {
			f.SampleRate = in.SampleRate
		}
		if f.Channels == 0 || c.quirks.DecoderLiesAboutNumberOfChannels {
			f.Channels = in.Channels
		}
	}
	f.MaxInputSize = def.BufferSize
	c.outputFormat = f
}

// Name returns the component name.
func (c *Codec) Name() string { return c.name }

// ID returns the codec instance id.
func (c *Codec) ID() string { return c.id.String() }

// Quirks returns the quirks resolved for the component.
func (c *Codec) Quirks() codec.Quirks { return c.quirks }

// State returns the current state.
func (c *Codec) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Format returns a copy of the current output format.
func (c *Codec) Format() *media.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputFormat.Clone()
}

// PortStatus returns the status of a port. Indices other than the input and
// output port report PortDisabled.
func (c *Codec) PortStatus(index omx.PortIndex) PortStatus {
	if index != omx.PortInput && index != omx.PortOutput {
		return PortDisabled
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ports[index].Status
}

// BufferStates returns the owner of every buffer currently allocated.
func (c *Codec) BufferStates() []BufferSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Codec) snapshotLocked() []BufferSnapshot {
	var out []BufferSnapshot
	for _, p := range c.ports {
		for _, info := range p.Buffers {
			out = append(out, BufferSnapshot{Port: p.Index, ID: info.ID, Status: info.Status})
		}
	}
	return out
}

// Stats returns the buffer accounting counters.
func (c *Codec) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Teardown = append([]BufferSnapshot(nil), c.stats.Teardown...)
	return s
}

func (c *Codec) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("state changed",
		slog.String("from", c.state.String()),
		slog.String("to", s.String()))
	c.state = s
	observability.IncCodecState(c.name, s.String())
	c.broadcastLocked()
}

// broadcastLocked wakes every waiter.
func (c *Codec) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// waitLocked releases the lock until the next broadcast, the end of ctx or
// the timer firing. A nil timer never fires.
func (c *Codec) waitLocked(ctx context.Context, timer <-chan time.Time) error {
	ch := c.changed
	c.mu.Unlock()
	defer c.mu.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return media.ErrTimedOut
	}
}

// newTimer returns a timer channel for d; a negative d never fires.
func newTimer(d time.Duration) (<-chan time.Time, func()) {
	if d < 0 {
		return nil, func() {}
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

func (c *Codec) failLocked(err error) {
	if c.state == StateError || c.state == StateDead {
		return
	}
	c.logger.Error("codec failed",
		slog.String("state", c.state.String()),
		slog.String("error", err.Error()))
	c.failure = err
	c.setStateLocked(StateError)
}

// failureLocked returns the error reported by calls made in StateError.
func (c *Codec) failureLocked(op string) error {
	if c.failure == nil {
		return fmt.Errorf("%s in state %s: %w", op, c.state, media.ErrInvalidState)
	}
	return fmt.Errorf("%s in state %s: %w: %w", op, c.state, media.ErrInvalidState, c.failure)
}

func (c *Codec) newSourceContext() {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()
	if c.srcCancel != nil {
		c.srcCancel()
	}
	c.srcCtx, c.srcCancel = context.WithCancel(context.Background())
}

// cancelSourceReads unblocks a source read in progress.
func (c *Codec) cancelSourceReads() {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()
	if c.srcCancel != nil {
		c.srcCancel()
	}
}

func (c *Codec) sourceContext() context.Context {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()
	if c.srcCtx == nil {
		return context.Background()
	}
	return c.srcCtx
}
