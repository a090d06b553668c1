// Package source provides media sources: a deterministic pattern generator
// and an MPEG-TS demuxer.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/jmylchreest/codecmux/internal/codec"
	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/observability"
)

// Pattern defaults.
const (
	DefaultGOP         = 30
	DefaultPayloadSize = 256
)

// Parameter sets used for AVC patterns whose format carries none.
var (
	patternSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0xa0, 0x47, 0xfe, 0xc8}
	patternPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// PatternOptions configures a Pattern source.
type PatternOptions struct {
	Format *media.Format
	// Samples is the number of samples before end of stream. Zero never ends.
	Samples int
	// GOP is the distance between sync samples of a video pattern.
	GOP int
	// PayloadSize is the size of every sample payload.
	PayloadSize int
	// Realtime paces reads so samples arrive at their timestamps.
	Realtime bool
	// CodecConfig emits the codec specific data as the first buffer.
	CodecConfig bool
	Logger      *slog.Logger
}

// Pattern produces numbered samples with deterministic payloads. It is
// seekable and restartable.
type Pattern struct {
	format     *media.Format
	samples    int
	gop        int
	size       int
	realtime   bool
	config     bool
	durationUs int64
	logger     *slog.Logger

	mu         sync.Mutex
	started    bool
	stopped    chan struct{}
	pos        int
	configSent bool
	epoch      time.Time
	epochUs    int64
}

// NewPattern returns a pattern source for opts.Format.
func NewPattern(opts PatternOptions) (*Pattern, error) {
	if opts.Format == nil || opts.Format.MIME == "" {
		return nil, fmt.Errorf("source: pattern without format: %w", media.ErrInvalidOperation)
	}
	if opts.Samples < 0 {
		return nil, fmt.Errorf("source: negative sample count %d: %w", opts.Samples, media.ErrInvalidOperation)
	}
	p := &Pattern{
		format:   opts.Format.Clone(),
		samples:  opts.Samples,
		gop:      opts.GOP,
		size:     opts.PayloadSize,
		realtime: opts.Realtime,
		config:   opts.CodecConfig,
		stopped:  make(chan struct{}),
	}
	if p.gop <= 0 {
		p.gop = DefaultGOP
	}
	if p.size <= 0 {
		p.size = DefaultPayloadSize
	}
	p.durationUs = SampleDurationUs(p.format)
	if p.format.MIME == media.MIMEVideoAVC && len(p.format.CSD) == 0 {
		p.format.CSD = [][]byte{patternSPS, patternPPS}
	}
	if p.samples > 0 {
		p.format.DurationUs = int64(p.samples) * p.durationUs
	}
	p.logger = observability.WithComponent(observability.OrDefault(opts.Logger), "source").With(
		slog.String("source", "pattern"),
		slog.String("mime", p.format.MIME))
	return p, nil
}

// SampleDurationUs returns the nominal duration of one sample of f.
func SampleDurationUs(f *media.Format) int64 {
	if f.IsVideo() {
		rate := f.FrameRate
		if rate <= 0 {
			rate = 30
		}
		return 1_000_000 / int64(rate)
	}
	a, _ := codec.ParseAudio(f.MIME)
	switch a {
	case codec.AudioAAC:
		if f.SampleRate > 0 {
			return 1024 * 1_000_000 / int64(f.SampleRate)
		}
		return 21_333
	case codec.AudioMP3:
		return 24_000
	default:
		return 20_000
	}
}

// Start rewinds the pattern.
func (p *Pattern) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("source: pattern already started: %w", media.ErrInvalidState)
	}
	p.started = true
	p.stopped = make(chan struct{})
	p.pos = 0
	p.configSent = false
	p.epoch = time.Now()
	p.epochUs = 0
	p.logger.Debug("pattern started", slog.Int("samples", p.samples))
	return nil
}

// Stop ends the pattern and wakes a paced read.
func (p *Pattern) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false
	close(p.stopped)
	return nil
}

// Format returns the pattern format.
func (p *Pattern) Format() *media.Format {
	return p.format
}

// Read returns the next sample, honouring a seek request first.
func (p *Pattern) Read(ctx context.Context, opts *media.ReadOptions) (*media.Buffer, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil, fmt.Errorf("source: pattern read: %w", media.ErrStopped)
	}
	if ts, mode, ok := opts.Seek(); ok {
		p.pos = p.seekIndex(ts, mode)
		p.epoch = time.Now()
		p.epochUs = int64(p.pos) * p.durationUs
	}
	if p.config && !p.configSent && len(p.format.CSD) > 0 {
		p.configSent = true
		p.mu.Unlock()
		return p.configBuffer(), nil
	}
	if p.samples > 0 && p.pos >= p.samples {
		p.mu.Unlock()
		return nil, media.ErrEndOfStream
	}
	i := p.pos
	p.pos++
	stopped := p.stopped
	due := p.epoch.Add(time.Duration(int64(i)*p.durationUs-p.epochUs) * time.Microsecond)
	p.mu.Unlock()

	if p.realtime {
		if err := waitUntil(ctx, stopped, due); err != nil {
			return nil, err
		}
	}
	return p.sample(i), nil
}

func waitUntil(ctx context.Context, stopped <-chan struct{}, due time.Time) error {
	d := time.Until(due)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return fmt.Errorf("source: pattern read: %w", media.ErrStopped)
	case <-timer.C:
		return nil
	}
}

func (p *Pattern) isSync(i int) bool {
	if !p.format.IsVideo() {
		return true
	}
	return i%p.gop == 0
}

// seekIndex resolves a seek target to a sample index.
func (p *Pattern) seekIndex(ts int64, mode media.SeekMode) int {
	i := int(max(ts, 0) / p.durationUs)
	if p.samples > 0 && i >= p.samples {
		i = p.samples - 1
	}
	prev := i
	for prev > 0 && !p.isSync(prev) {
		prev--
	}
	next := i
	for !p.isSync(next) {
		next++
	}
	if p.samples > 0 && next >= p.samples {
		next = prev
	}

	switch mode {
	case media.SeekNextSync:
		if i == prev {
			return prev
		}
		return next
	case media.SeekClosestSync:
		if ts-int64(prev)*p.durationUs <= int64(next)*p.durationUs-ts {
			return prev
		}
		return next
	default:
		return prev
	}
}

func (p *Pattern) configBuffer() *media.Buffer {
	var data []byte
	if p.format.MIME == media.MIMEVideoAVC {
		b, err := h264.AnnexB(p.format.CSD).Marshal()
		if err != nil {
			p.logger.Warn("marshalling parameter sets", slog.String("error", err.Error()))
		}
		data = b
	} else {
		data = append([]byte(nil), p.format.CSD[0]...)
	}
	b := media.NewBuffer(data)
	b.Flags = media.FlagCodecConfig
	return b
}

// sample builds sample i. AVC samples are Annex-B access units whose sync
// samples carry the parameter sets in band.
func (p *Pattern) sample(i int) *media.Buffer {
	payload := Payload(i, p.size)
	sync := p.isSync(i)
	if p.format.MIME == media.MIMEVideoAVC {
		nalus := make([][]byte, 0, 3)
		header := byte(0x41)
		if sync {
			nalus = append(nalus, p.format.CSD...)
			header = 0x65
		}
		nalus = append(nalus, append([]byte{header}, payload...))
		au, err := h264.AnnexB(nalus).Marshal()
		if err != nil {
			p.logger.Warn("marshalling access unit", slog.String("error", err.Error()))
		} else {
			payload = au
		}
	}

	b := media.NewBuffer(payload)
	b.TimeUs = int64(i) * p.durationUs
	b.DecodeTimeUs = b.TimeUs
	if sync {
		b.Flags |= media.FlagSync
	}
	return b
}

// Payload returns the deterministic payload of sample i. It never contains a
// zero byte so it cannot be mistaken for a start code.
func Payload(i, size int) []byte {
	b := make([]byte, size)
	for j := range b {
		b[j] = byte(1 + (i*31+j*7)%255)
	}
	return b
}

var _ media.Source = (*Pattern)(nil)
