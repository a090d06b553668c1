package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/observability"
)

const (
	tsClockRate     = 90000
	tsTrackBacklog  = 64
	opusFrameTicks  = 960 * tsClockRate / 48000
	aacFrameSamples = 1024
)

// TSOptions configures a TS demuxer.
type TSOptions struct {
	Logger *slog.Logger
}

// TS demultiplexes an MPEG-TS stream into one video and one audio source.
//
// Demuxing starts once every source handed out by Video and Audio was
// started, so no track misses the beginning of the stream. Tracks nobody asked
// for are discarded.
type TS struct {
	r      io.Reader
	reader *mpegts.Reader
	logger *slog.Logger

	video *tsTrack
	audio *tsTrack

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	quit     chan struct{}
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// OpenTS reads the program tables of r and prepares the supported tracks:
// H.264 video, MPEG-4 audio and Opus. r is closed by Close when it is an io.Closer.
func OpenTS(r io.Reader, opts TSOptions) (*TS, error) {
	d := &TS{
		r:      r,
		reader: &mpegts.Reader{R: r},
		logger: observability.WithComponent(observability.OrDefault(opts.Logger), "source").With(slog.String("source", "mpegts")),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := d.reader.Initialize(); err != nil {
		return nil, fmt.Errorf("source: initializing mpegts reader: %w: %w", media.ErrUnsupportedFormat, err)
	}
	for _, track := range d.reader.Tracks() {
		d.setupTrack(track)
	}
	if d.video == nil && d.audio == nil {
		return nil, fmt.Errorf("source: no supported track in stream: %w", media.ErrUnsupportedFormat)
	}
	d.reader.OnDecodeError(func(err error) {
		d.logger.Debug("mpegts decode error", slog.String("error", err.Error()))
	})
	return d, nil
}

func (d *TS) setupTrack(track *mpegts.Track) {
	switch c := track.Codec.(type) {
	case *mpegts.CodecH264:
		if d.video != nil {
			return
		}
		t := d.newTrack(track, &media.Format{MIME: media.MIMEVideoAVC})
		d.video = t
		d.reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			return d.onH264(t, pts, dts, au)
		})

	case *mpegts.CodecMPEG4Audio:
		if d.audio != nil {
			return
		}
		f := &media.Format{MIME: media.MIMEAudioAAC, SampleRate: c.Config.SampleRate, Channels: c.Config.ChannelCount}
		if asc, err := c.Config.Marshal(); err == nil {
			f.CSD = [][]byte{asc}
		}
		t := d.newTrack(track, f)
		d.audio = t
		frameTicks := int64(aacFrameSamples * tsClockRate / max(c.Config.SampleRate, 1))
		d.reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			return d.onAudio(t, pts, frameTicks, aus)
		})

	case *mpegts.CodecOpus:
		if d.audio != nil {
			return
		}
		t := d.newTrack(track, &media.Format{MIME: media.MIMEAudioOpus, SampleRate: 48000, Channels: c.ChannelCount})
		d.audio = t
		d.reader.OnDataOpus(track, func(pts int64, packets [][]byte) error {
			return d.onAudio(t, pts, opusFrameTicks, packets)
		})

	default:
		d.logger.Debug("skipping unsupported track",
			slog.Uint64("pid", uint64(track.PID)),
			slog.String("type", fmt.Sprintf("%T", track.Codec)))
	}
}

func (d *TS) newTrack(track *mpegts.Track, f *media.Format) *tsTrack {
	t := &tsTrack{
		demux:   d,
		format:  f,
		samples: make(chan *media.Buffer, tsTrackBacklog),
		stopped: make(chan struct{}),
	}
	d.logger.Debug("found track", slog.Uint64("pid", uint64(track.PID)), slog.String("format", f.String()))
	return t
}

// Video returns the video source, or nil when the stream has none.
func (d *TS) Video() media.Source {
	if d.video == nil {
		return nil
	}
	d.mu.Lock()
	d.video.wanted = true
	d.mu.Unlock()
	return d.video
}

// Audio returns the audio source, or nil when the stream has none.
func (d *TS) Audio() media.Source {
	if d.audio == nil {
		return nil
	}
	d.mu.Lock()
	d.audio.wanted = true
	d.mu.Unlock()
	return d.audio
}

// Close stops demuxing and closes the input.
func (d *TS) Close() error {
	d.shutdown()
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if running {
		<-d.done
	}
	return nil
}

func (d *TS) shutdown() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
		if c, ok := d.r.(io.Closer); ok {
			if err := c.Close(); err != nil {
				d.logger.Debug("closing input", slog.String("error", err.Error()))
			}
		}
	})
}

// maybeRunLocked starts the demux goroutine once every wanted track was started.
func (d *TS) maybeRunLocked() {
	if d.running {
		return
	}
	for _, t := range []*tsTrack{d.video, d.audio} {
		if t != nil && t.wanted && !t.started {
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	go d.run(ctx)
}

// trackStoppedLocked reports whether every wanted track was stopped.
func (d *TS) trackStoppedLocked() bool {
	for _, t := range []*tsTrack{d.video, d.audio} {
		if t != nil && t.wanted && !t.isStopped() {
			return false
		}
	}
	return true
}

func (d *TS) run(ctx context.Context) {
	defer close(d.done)
	var err error
	for ctx.Err() == nil {
		if err = d.reader.Read(); err != nil {
			break
		}
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		err = nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		d.logger.Debug("stream ended", slog.String("reason", err.Error()))
		err = media.ErrEndOfStream
	default:
		d.logger.Info("mpegts read failed", slog.String("error", err.Error()))
		err = fmt.Errorf("source: reading mpegts: %w", err)
	}

	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
	for _, t := range []*tsTrack{d.video, d.audio} {
		if t != nil {
			close(t.samples)
		}
	}
}

func (d *TS) onH264(t *tsTrack, pts, dts int64, au [][]byte) error {
	if len(au) == 0 {
		return nil
	}
	data, err := h264.AnnexB(au).Marshal()
	if err != nil || len(data) == 0 {
		return nil
	}
	b := media.NewBuffer(data)
	b.TimeUs = ticksToUs(pts)
	b.DecodeTimeUs = ticksToUs(dts)
	if h264.IsRandomAccess(au) {
		b.Flags |= media.FlagSync
	}
	return t.push(b)
}

func (d *TS) onAudio(t *tsTrack, pts, frameTicks int64, frames [][]byte) error {
	for _, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		b := media.NewBuffer(append([]byte(nil), frame...))
		b.TimeUs = ticksToUs(pts)
		b.DecodeTimeUs = b.TimeUs
		b.Flags |= media.FlagSync
		if err := t.push(b); err != nil {
			return err
		}
		pts += frameTicks
	}
	return nil
}

func ticksToUs(ticks int64) int64 {
	return ticks * 1_000_000 / tsClockRate
}

// tsTrack is one elementary stream of a TS demuxer.
type tsTrack struct {
	demux   *TS
	format  *media.Format
	samples chan *media.Buffer
	stopped chan struct{}
	stopOne sync.Once

	// Guarded by demux.mu.
	wanted  bool
	started bool
}

func (t *tsTrack) Start(context.Context) error {
	d := t.demux
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.started {
		return fmt.Errorf("source: mpegts track already started: %w", media.ErrInvalidState)
	}
	t.wanted = true
	t.started = true
	d.maybeRunLocked()
	return nil
}

func (t *tsTrack) Stop(context.Context) error {
	t.stopOne.Do(func() { close(t.stopped) })

	d := t.demux
	d.mu.Lock()
	last := d.trackStoppedLocked()
	d.mu.Unlock()
	if last {
		d.shutdown()
	}
	return nil
}

func (t *tsTrack) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

func (t *tsTrack) Format() *media.Format {
	return t.format
}

func (t *tsTrack) Read(ctx context.Context, opts *media.ReadOptions) (*media.Buffer, error) {
	if _, _, ok := opts.Seek(); ok {
		return nil, fmt.Errorf("source: seeking a live mpegts stream: %w", media.ErrUnsupported)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.stopped:
		return nil, fmt.Errorf("source: mpegts read: %w", media.ErrStopped)
	case b, ok := <-t.samples:
		if !ok {
			t.demux.mu.Lock()
			err := t.demux.err
			t.demux.mu.Unlock()
			if err == nil {
				err = media.ErrEndOfStream
			}
			return nil, err
		}
		return b, nil
	}
}

// push hands b to the reader of t, dropping it when nobody reads the track.
func (t *tsTrack) push(b *media.Buffer) error {
	d := t.demux
	d.mu.Lock()
	wanted := t.wanted
	d.mu.Unlock()
	if !wanted || t.isStopped() {
		b.Release()
		return nil
	}
	select {
	case t.samples <- b:
		return nil
	case <-t.stopped:
		b.Release()
		return nil
	case <-d.quit:
		b.Release()
		return context.Canceled
	}
}

var _ media.Source = (*tsTrack)(nil)
