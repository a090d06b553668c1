// Package recorder connects media sources, optional codecs and the MPEG-4
// writer into one recording session.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/codecmux/internal/codec"
	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/mpeg4"
	"github.com/jmylchreest/codecmux/internal/observability"
	"github.com/jmylchreest/codecmux/internal/omx"
	"github.com/jmylchreest/codecmux/internal/omxcodec"
)

// Input is one track of a recording.
type Input struct {
	Source media.Source
	// Target encodes Source into this format before muxing. A compressed
	// source is decoded first. Nil muxes Source unchanged.
	Target *media.Format
}

// Options configures a Recorder.
type Options struct {
	// Output is the path of the finished file. It only appears once the
	// recording was finalized.
	Output string
	Inputs []Input
	Writer mpeg4.Options

	// Factory opens codec components. Required when an input has a Target.
	Factory       omx.Factory
	ComponentName string
	StateTimeout  time.Duration
	ReadTimeout   time.Duration

	Logger *slog.Logger
}

// Result describes a finished recording.
type Result struct {
	SessionID string
	Output    string
	Bytes     int64
	Duration  time.Duration
	// StopReason is ErrMaxFileSizeReached or ErrMaxDurationReached when a
	// limit ended the recording.
	StopReason error
	// Interrupted is set when the context ended the recording.
	Interrupted bool
}

// Session states reported by Status.
const (
	StateIdle       = "idle"
	StatePreparing  = "preparing"
	StateRecording  = "recording"
	StatePaused     = "paused"
	StateFinalizing = "finalizing"
	StateFinished   = "finished"
	StateFailed     = "failed"
)

// Status is a snapshot of a running session.
type Status struct {
	SessionID string
	Output    string
	State     string
	Started   time.Time
	Bytes     int64
}

// Recorder runs one recording session.
type Recorder struct {
	id     uuid.UUID
	opts   Options
	logger *slog.Logger
	events chan mpeg4.Event

	codecs []*omxcodec.Codec

	mu      sync.Mutex
	state   string
	started time.Time
	writer  *mpeg4.Writer
	bytes   int64
}

// New validates opts and returns a recorder with a fresh session id.
func New(opts Options) (*Recorder, error) {
	if opts.Output == "" {
		return nil, fmt.Errorf("recorder: output path required: %w", media.ErrInvalidOperation)
	}
	if len(opts.Inputs) == 0 {
		return nil, fmt.Errorf("recorder: no inputs: %w", media.ErrInvalidOperation)
	}
	for i, in := range opts.Inputs {
		if in.Source == nil {
			return nil, fmt.Errorf("recorder: input %d has no source: %w", i, media.ErrInvalidOperation)
		}
		if in.Target != nil && opts.Factory == nil {
			return nil, fmt.Errorf("recorder: input %d needs a codec factory: %w", i, media.ErrInvalidOperation)
		}
	}

	id := uuid.New()
	return &Recorder{
		id:   id,
		opts: opts,
		logger: observability.WithComponent(opts.Logger, "recorder").With(
			slog.String("session_id", id.String())),
		events: make(chan mpeg4.Event, 2*len(opts.Inputs)+2),
		state:  StateIdle,
	}, nil
}

// Status returns the current state of the session. It is safe to call from
// any goroutine.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		SessionID: r.SessionID(),
		Output:    r.opts.Output,
		State:     r.state,
		Started:   r.started,
		Bytes:     r.bytes,
	}
	if r.writer != nil {
		st.Bytes = r.writer.BytesWritten()
	}
	return st
}

// Pause holds the writer. Timestamps are shifted on Resume so the paused
// interval leaves no gap in the file.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return fmt.Errorf("recorder: pause while %s: %w", r.state, media.ErrInvalidState)
	}
	if err := r.writer.Pause(); err != nil {
		return err
	}
	r.state = StatePaused
	r.logger.Info("recording paused")
	return nil
}

// Resume continues a paused recording.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return fmt.Errorf("recorder: resume while %s: %w", r.state, media.ErrInvalidState)
	}
	if err := r.writer.Resume(); err != nil {
		return err
	}
	r.state = StateRecording
	r.logger.Info("recording resumed")
	return nil
}

func (r *Recorder) setState(state string, w *mpeg4.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer != nil && w == nil {
		r.bytes = r.writer.BytesWritten()
	}
	r.state = state
	r.writer = w
	if state == StateRecording {
		r.started = time.Now()
	}
}

// SessionID returns the id attached to every log line of the session.
func (r *Recorder) SessionID() string {
	return r.id.String()
}

// Run records until every track ended, a writer limit was reached, the writer
// failed or ctx was cancelled. The output file is only replaced when the
// recording was finalized; an I/O failure leaves no file behind.
func (r *Recorder) Run(ctx context.Context) (res *Result, err error) {
	ctx = observability.ContextWithSessionID(ctx, r.SessionID())
	ctx = observability.ContextWithLogger(ctx, r.logger)
	res = &Result{SessionID: r.SessionID(), Output: r.opts.Output}
	r.setState(StatePreparing, nil)
	defer func() {
		if err != nil {
			r.setState(StateFailed, nil)
		} else {
			r.setState(StateFinished, nil)
		}
	}()

	// Pending files stay next to the output so a crashed session leaves its
	// leftovers where startup.CleanupPendingOutputs looks for them.
	pending, err := renameio.NewPendingFile(r.opts.Output, renameio.WithTempDir(filepath.Dir(r.opts.Output)))
	if err != nil {
		return res, fmt.Errorf("recorder: creating %s: %w: %w", r.opts.Output, media.ErrIO, err)
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			r.logger.Debug("cleanup pending file", slog.String("error", cerr.Error()))
		}
	}()

	sources, err := r.buildPipeline(ctx)
	defer r.closeCodecs(context.WithoutCancel(ctx))
	if err != nil {
		return res, err
	}

	wopts := r.opts.Writer
	wopts.Logger = r.logger
	forward := wopts.Listener
	wopts.Listener = func(ev mpeg4.Event) {
		if forward != nil {
			forward(ev)
		}
		select {
		case r.events <- ev:
		default:
			r.logger.Debug("dropping writer event", slog.String("event", ev.Kind.String()))
		}
	}

	w := mpeg4.New(pending, wopts)
	for _, src := range sources {
		if err := w.AddSource(src); err != nil {
			return res, err
		}
	}
	if err := w.Start(ctx); err != nil {
		return res, err
	}
	r.setState(StateRecording, w)
	r.logger.Info("recording started", slog.String("output", r.opts.Output), slog.Int("tracks", len(sources)))

	res.Interrupted = r.wait(ctx, len(sources))
	r.setState(StateFinalizing, w)

	stopErr := w.Stop(context.WithoutCancel(ctx))
	res.Bytes = w.BytesWritten()
	res.StopReason = w.StopReason()
	if errors.Is(stopErr, media.ErrIO) {
		return res, stopErr
	}

	if layout, perr := mpeg4.Probe(pending); perr == nil {
		res.Duration = layout.Duration
	} else {
		r.logger.Warn("probing output failed", slog.String("error", perr.Error()))
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return res, fmt.Errorf("recorder: replacing %s: %w: %w", r.opts.Output, media.ErrIO, err)
	}

	attrs := []any{
		slog.Int64("bytes", res.Bytes),
		slog.Duration("duration", res.Duration),
		slog.Bool("interrupted", res.Interrupted),
	}
	if res.StopReason != nil {
		attrs = append(attrs, slog.String("reason", res.StopReason.Error()))
	}
	r.logger.Info("recording finished", attrs...)
	return res, stopErr
}

// wait blocks until the recording should stop. It reports whether ctx ended it.
func (r *Recorder) wait(ctx context.Context, tracks int) bool {
	complete := 0
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("recording interrupted", slog.String("reason", context.Cause(ctx).Error()))
			return true
		case ev := <-r.events:
			switch ev.Kind {
			case mpeg4.EventTrackComplete:
				complete++
				if complete < tracks {
					continue
				}
				r.logger.Debug("all tracks complete")
			case mpeg4.EventMaxFileSizeReached, mpeg4.EventMaxDurationReached:
				r.logger.Info("writer limit reached", slog.String("event", ev.Kind.String()))
			case mpeg4.EventError:
				observability.WithError(r.logger, ev.Err).Warn("writer reported an error", slog.Int("track", ev.Track))
			default:
				continue
			}
			return false
		}
	}
}

// buildPipeline creates the codec chains of every input concurrently.
func (r *Recorder) buildPipeline(ctx context.Context) ([]media.Source, error) {
	sources := make([]media.Source, len(r.opts.Inputs))
	chains := make([][]*omxcodec.Codec, len(r.opts.Inputs))

	g, gctx := errgroup.WithContext(ctx)
	for i, in := range r.opts.Inputs {
		g.Go(func() error {
			src, chain, err := r.buildChain(gctx, in)
			sources[i], chains[i] = src, chain
			return err
		})
	}
	err := g.Wait()
	for _, chain := range chains {
		r.codecs = append(r.codecs, chain...)
	}
	if err != nil {
		return nil, err
	}
	return sources, nil
}

// buildChain returns the source the writer reads for in, plus the codecs it created.
func (r *Recorder) buildChain(ctx context.Context, in Input) (media.Source, []*omxcodec.Codec, error) {
	src := in.Source
	if in.Target == nil {
		return src, nil, nil
	}
	f := src.Format()
	if f == nil {
		return nil, nil, fmt.Errorf("recorder: source without format: %w", media.ErrUnsupportedFormat)
	}
	if codec.Match(f.MIME, in.Target.MIME) {
		r.logger.Debug("source already in target format", slog.String("mime", f.MIME))
		return src, nil, nil
	}
	if !codec.IsMuxable(in.Target.MIME) {
		return nil, nil, fmt.Errorf("recorder: cannot mux %s: %w", in.Target.MIME, media.ErrUnsupportedFormat)
	}

	var chain []*omxcodec.Codec
	if !isRaw(f.MIME) {
		dec, err := r.createCodec(ctx, f, false, src)
		if err != nil {
			return nil, chain, fmt.Errorf("recorder: decoder for %s: %w", f.MIME, err)
		}
		chain = append(chain, dec)
		src = dec
	}

	target := encoderFormat(formatOf(src, f), in.Target)
	enc, err := r.createCodec(ctx, target, true, src)
	if err != nil {
		return nil, chain, fmt.Errorf("recorder: encoder for %s: %w", target.MIME, err)
	}
	chain = append(chain, enc)
	return enc, chain, nil
}

func (r *Recorder) createCodec(ctx context.Context, f *media.Format, encoder bool, src media.Source) (*omxcodec.Codec, error) {
	return omxcodec.Create(ctx, omxcodec.Options{
		Factory:       r.opts.Factory,
		Format:        f,
		Encoder:       encoder,
		Source:        src,
		ComponentName: r.componentName(encoder),
		StateTimeout:  r.opts.StateTimeout,
		ReadTimeout:   r.opts.ReadTimeout,
		Logger:        r.logger,
	})
}

// componentName applies the configured override to encoders only, since a
// forced name never matches both halves of a transcode.
func (r *Recorder) componentName(encoder bool) string {
	if !encoder {
		return ""
	}
	return r.opts.ComponentName
}

func (r *Recorder) closeCodecs(ctx context.Context) {
	// Encoders first: each one reads from the codec before it.
	for i := len(r.codecs) - 1; i >= 0; i-- {
		if err := r.codecs[i].Close(ctx); err != nil {
			r.logger.Debug("closing codec", slog.String("codec_id", r.codecs[i].ID()), slog.String("error", err.Error()))
		}
	}
	r.codecs = nil
}

// formatOf returns the format an encoder reading src will see.
func formatOf(src media.Source, fallback *media.Format) *media.Format {
	if f := src.Format(); f != nil {
		return f
	}
	return fallback
}

// encoderFormat fills the geometry of target from the raw input format.
func encoderFormat(raw, target *media.Format) *media.Format {
	f := target.Clone()
	if f.IsVideo() {
		if f.Width == 0 || f.Height == 0 {
			f.Width, f.Height = raw.Width, raw.Height
		}
		if f.FrameRate == 0 {
			f.FrameRate = raw.FrameRate
		}
	} else {
		if f.SampleRate == 0 {
			f.SampleRate = raw.SampleRate
		}
		if f.Channels == 0 {
			f.Channels = raw.Channels
		}
		if codec.RequiresMono(f.MIME) {
			f.Channels = 1
		}
	}
	if f.DurationUs == 0 {
		f.DurationUs = raw.DurationUs
	}
	return f
}

func isRaw(mime string) bool {
	return mime == media.MIMEVideoRaw || mime == media.MIMEAudioRaw
}
