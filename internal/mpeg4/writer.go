// Package mpeg4 writes interleaved MPEG-4 files from media sources.
//
// Every track is drained by its own reader goroutine which groups samples into
// chunks. A single writer goroutine commits queued chunks to the media data box
// in timestamp order. The movie box is built when the writer stops and lands
// either in the space reserved ahead of the media data or after it.
package mpeg4

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/observability"
)

// Defaults applied by DefaultOptions and for zero option values.
const (
	DefaultInterleaveDuration = time.Second
	DefaultMaxPendingBytes    = 32 << 20
	DefaultSilentTrackTimeout = 2 * time.Second

	defaultMoovReserve = 3 << 10
	moovTrackEstimate  = 1 << 10
	moovSampleEstimate = 16
	moovChunkEstimate  = 20
)

// Options configures a Writer.
type Options struct {
	// InterleaveDuration closes a chunk once it spans more than this.
	// Zero writes one sample per chunk.
	InterleaveDuration time.Duration
	// MaxFileSize stops the recording before the file would grow past it.
	MaxFileSize int64
	// MaxDuration stops the recording once a sample starts this long after the first.
	MaxDuration time.Duration
	// MoovReserve is the placeholder kept for the movie box when Streamable is
	// set. Zero derives it from the tracks and MaxDuration.
	MoovReserve int64
	// Streamable reserves room for the movie box ahead of the media data.
	Streamable bool
	// Use64BitOffsets writes co64 chunk offsets even for small files.
	Use64BitOffsets bool
	// MaxPendingBytes lets the writer stop waiting for a silent track once this
	// much sample data is queued. Zero uses DefaultMaxPendingBytes.
	MaxPendingBytes int64
	// SilentTrackTimeout lets the writer stop waiting for tracks that produced
	// no sample this long after Start. Zero uses DefaultSilentTrackTimeout; a
	// negative value waits until MaxPendingBytes is exceeded.
	SilentTrackTimeout time.Duration
	// Listener receives notifications on the writer goroutines. It must not
	// call Stop.
	Listener func(Event)
	Logger   *slog.Logger
}

// DefaultOptions returns the options used by the CLI when nothing is configured.
func DefaultOptions() Options {
	return Options{
		InterleaveDuration: DefaultInterleaveDuration,
		MaxPendingBytes:    DefaultMaxPendingBytes,
		SilentTrackTimeout: DefaultSilentTrackTimeout,
		Streamable:         true,
	}
}

// EventKind classifies a writer notification.
type EventKind int

const (
	EventMaxFileSizeReached EventKind = iota + 1
	EventMaxDurationReached
	EventTrackComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMaxFileSizeReached:
		return "max_file_size_reached"
	case EventMaxDurationReached:
		return "max_duration_reached"
	case EventTrackComplete:
		return "track_complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a writer notification. Track is the zero based registration index,
// or -1 for events that concern the whole file.
type Event struct {
	Kind  EventKind
	Track int
	Err   error
}

// Writer muxes the samples of its sources into one MPEG-4 file.
type Writer struct {
	opts       Options
	logger     *slog.Logger
	ws         io.WriteSeeker
	closer     io.Closer
	maxPending int64

	g           *errgroup.Group
	cancel      context.CancelFunc
	silentTimer *time.Timer

	mu            sync.Mutex
	cond          *sync.Cond
	tracks        []*track
	started       bool
	stopping      bool
	paused        bool
	limited       bool
	stopReason    error
	failure       error
	writing       *chunk
	pending       int64
	written       int64
	movieStartUs  int64
	hasMovieStart bool
	silentExpired bool

	freeOffset  int64
	moovReserve int64
	mdatOffset  int64

	stopOnce sync.Once
	stopErr  error
}

// New returns a writer producing its file on ws. The caller keeps ownership of ws.
func New(ws io.WriteSeeker, opts Options) *Writer {
	w := &Writer{
		opts:       opts,
		logger:     observability.WithComponent(observability.OrDefault(opts.Logger), "mpeg4"),
		ws:         ws,
		maxPending: opts.MaxPendingBytes,
	}
	if w.maxPending <= 0 {
		w.maxPending = DefaultMaxPendingBytes
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Create returns a writer producing the file at path. The writer closes the
// file when it stops.
func Create(path string, opts Options) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("mpeg4: creating %s: %w: %w", path, media.ErrIO, err)
	}
	w := New(f, opts)
	w.closer = f
	return w, nil
}

// AddSource registers a track. At most one video and one audio track are accepted.
func (w *Writer) AddSource(src media.Source) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("mpeg4: add source after start: %w", media.ErrInvalidState)
	}
	t, err := newTrack(len(w.tracks), src, w.logger)
	if err != nil {
		return err
	}
	for _, other := range w.tracks {
		if other.kind == t.kind {
			return fmt.Errorf("mpeg4: second %s track: %w", t.kind, media.ErrTooManyTracks)
		}
	}
	w.tracks = append(w.tracks, t)
	t.logger.Debug("track added", slog.String("format", t.format.String()))
	return nil
}

// Start writes the file header, starts every source and launches the reader
// and writer goroutines.
func (w *Writer) Start(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "mpeg4.Start", attribute.Int("tracks", len(w.tracks)))
	defer func() { endSpan(span, err) }()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("mpeg4: start twice: %w", media.ErrInvalidState)
	}
	if len(w.tracks) == 0 {
		return fmt.Errorf("mpeg4: no tracks: %w", media.ErrInvalidOperation)
	}

	for i, t := range w.tracks {
		if err := t.src.Start(ctx); err != nil {
			for _, started := range w.tracks[:i] {
				_ = started.src.Stop(ctx)
			}
			return fmt.Errorf("mpeg4: starting %s source: %w", t.kind, err)
		}
	}
	if err := w.writeHeaderLocked(); err != nil {
		for _, t := range w.tracks {
			_ = t.src.Stop(ctx)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	for _, t := range w.tracks {
		g.Go(func() error { return w.readLoop(gctx, t) })
	}
	g.Go(w.writeLoop)
	w.startSilentTimerLocked()

	w.g = g
	w.cancel = cancel
	w.started = true
	w.logger.Info("writer started",
		slog.Int("tracks", len(w.tracks)),
		slog.Duration("interleave", w.opts.InterleaveDuration),
		slog.Bool("streamable", w.opts.Streamable))
	return nil
}

// Stop ends the recording, flushes every queued chunk and writes the movie box.
// A limit stop is not an error; StopReason reports it. Later calls return the
// first result.
func (w *Writer) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { w.stopErr = w.stop(ctx) })
	return w.stopErr
}

func (w *Writer) stop(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "mpeg4.Stop")
	defer func() { endSpan(span, err) }()

	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		if cerr := w.closeOwned(); cerr != nil {
			w.logger.Warn("closing output failed", slog.String("error", cerr.Error()))
		}
		return fmt.Errorf("mpeg4: stop before start: %w", media.ErrInvalidState)
	}
	w.stopping = true
	w.paused = false
	w.cond.Broadcast()
	w.mu.Unlock()

	w.cancel()
	if w.silentTimer != nil {
		w.silentTimer.Stop()
	}
	for _, t := range w.tracks {
		if serr := t.src.Stop(ctx); serr != nil {
			t.logger.Warn("stopping source failed", slog.String("error", serr.Error()))
		}
	}
	runErr := w.g.Wait()

	w.mu.Lock()
	failure := w.failure
	reason := w.stopReason
	w.mu.Unlock()

	if failure != nil {
		if cerr := w.closeOwned(); cerr != nil {
			w.logger.Warn("closing output failed", slog.String("error", cerr.Error()))
		}
		w.logger.Error("writer failed", slog.String("error", failure.Error()))
		return failure
	}

	if ferr := w.finalize(); ferr != nil {
		_ = w.closeOwned()
		w.logger.Error("finalizing file failed", slog.String("error", ferr.Error()))
		return ferr
	}
	if cerr := w.closeOwned(); cerr != nil {
		return fmt.Errorf("mpeg4: closing output: %w: %w", media.ErrIO, cerr)
	}

	attrs := []any{
		slog.Int64("bytes", w.written),
		slog.Duration("duration", time.Duration(w.movieDurationUs())*time.Microsecond),
	}
	if reason != nil {
		attrs = append(attrs, slog.String("reason", reason.Error()))
	}
	w.logger.Info("writer stopped", attrs...)
	return runErr
}

// Pause holds the reader loops. The file stays open.
func (w *Writer) Pause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.stopping {
		return fmt.Errorf("mpeg4: pause: %w", media.ErrInvalidState)
	}
	w.paused = true
	return nil
}

// Resume releases paused reader loops. Timestamps read afterwards are shifted
// so the paused interval leaves no gap.
func (w *Writer) Resume() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.stopping {
		return fmt.Errorf("mpeg4: resume: %w", media.ErrInvalidState)
	}
	w.paused = false
	w.cond.Broadcast()
	return nil
}

// ReachedEOS reports whether every source ended and every chunk was written.
func (w *Writer) ReachedEOS() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return false
	}
	for _, t := range w.tracks {
		if !t.eos || t.open != nil || len(t.queue) > 0 {
			return false
		}
	}
	return w.writing == nil
}

// StopReason returns ErrMaxFileSizeReached or ErrMaxDurationReached when a
// limit ended the recording, nil otherwise.
func (w *Writer) StopReason() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopReason
}

// BytesWritten returns the current end of the written data.
func (w *Writer) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Writer) notify(ev Event) {
	if w.opts.Listener != nil {
		w.opts.Listener(ev)
	}
}

func (w *Writer) haltedLocked() bool {
	return w.stopping || w.limited || w.failure != nil
}

func (w *Writer) closeOwned() error {
	if w.closer == nil {
		return nil
	}
	c := w.closer
	w.closer = nil
	return c.Close()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// startSilentTimerLocked arms the timeout after which tracks that never
// produced a sample no longer hold back the others.
func (w *Writer) startSilentTimerLocked() {
	timeout := w.opts.SilentTrackTimeout
	if timeout == 0 {
		timeout = DefaultSilentTrackTimeout
	}
	if timeout < 0 {
		return
	}
	w.silentTimer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.silentExpired = true
		for _, t := range w.tracks {
			if _, ok := t.boundLocked(); !ok && !t.done {
				t.logger.Warn("track silent, interleaving without it", slog.Duration("timeout", timeout))
			}
		}
		w.cond.Broadcast()
	})
}
