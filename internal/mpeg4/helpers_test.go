package mpeg4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jmylchreest/codecmux/internal/media"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSample struct {
	timeUs int64
	data   []byte
	sync   bool
	config bool
}

// fakeSource serves a fixed list of samples. A live source blocks after the
// last sample until it is stopped instead of reporting end of stream.
type fakeSource struct {
	format *media.Format
	live   bool

	mu       sync.Mutex
	samples  []fakeSample
	pos      int
	started  int
	stopped  int
	failAt   int
	failErr  error
	changeAt int
	startErr error
	stopCh   chan struct{}
	added    chan struct{}
}

func newFakeSource(format *media.Format, samples []fakeSample) *fakeSource {
	return &fakeSource{
		format:   format,
		samples:  samples,
		failAt:   -1,
		changeAt: -1,
		stopCh:   make(chan struct{}),
		added:    make(chan struct{}),
	}
}

// push appends samples and wakes a blocked live read.
func (s *fakeSource) push(samples ...fakeSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
	close(s.added)
	s.added = make(chan struct{})
}

func (s *fakeSource) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started++
	return nil
}

func (s *fakeSource) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped == 0 {
		close(s.stopCh)
	}
	s.stopped++
	return nil
}

func (s *fakeSource) Format() *media.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *fakeSource) Read(ctx context.Context, _ *media.ReadOptions) (*media.Buffer, error) {
	s.mu.Lock()
	for s.pos >= len(s.samples) {
		live, added := s.live, s.added
		s.mu.Unlock()
		if !live {
			return nil, media.ErrEndOfStream
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.stopCh:
			return nil, media.ErrStopped
		case <-added:
		}
		s.mu.Lock()
	}
	if s.failAt >= 0 && s.pos >= s.failAt {
		err := s.failErr
		s.mu.Unlock()
		if err == nil {
			err = errors.New("sensor unplugged")
		}
		return nil, err
	}
	if s.changeAt >= 0 && s.pos == s.changeAt {
		s.changeAt = -1
		s.format = s.format.Clone()
		s.format.Width, s.format.Height = 640, 480
		s.mu.Unlock()
		return nil, media.ErrFormatChanged
	}
	smp := s.samples[s.pos]
	s.pos++
	s.mu.Unlock()

	b := media.NewBuffer(bytes.Clone(smp.data))
	b.TimeUs = smp.timeUs
	b.DecodeTimeUs = smp.timeUs
	if smp.sync {
		b.Flags |= media.FlagSync
	}
	if smp.config {
		b.Flags |= media.FlagCodecConfig
	}
	return b, nil
}

func (s *fakeSource) position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func videoFormat() *media.Format {
	return &media.Format{MIME: media.MIMEVideoAVC, Width: 320, Height: 240, FrameRate: 30}
}

func aacFormat() *media.Format {
	return &media.Format{MIME: media.MIMEAudioAAC, SampleRate: 48000, Channels: 2}
}

// samplesAt builds one sample per timestamp, in milliseconds. Payload sizes
// differ per sample so size tables are not uniform.
func samplesAt(tag string, gop int, ms ...int64) []fakeSample {
	out := make([]fakeSample, 0, len(ms))
	for i, t := range ms {
		out = append(out, fakeSample{
			timeUs: t * 1000,
			data:   []byte(fmt.Sprintf("%s-%04d-%s", tag, i, bytes.Repeat([]byte{'x'}, i%7))),
			sync:   gop > 0 && i%gop == 0,
		})
	}
	return out
}

// evenly returns n timestamps in milliseconds starting at start.
func evenly(start, step int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start + int64(i)*step
	}
	return out
}

func waitEOS(t *testing.T, w *Writer) {
	t.Helper()
	require.Eventually(t, w.ReachedEOS, 5*time.Second, time.Millisecond)
}

// record runs a writer over sources until every source ended and returns the
// finished file.
func record(t *testing.T, opts Options, sources ...media.Source) []byte {
	t.Helper()
	var buf seekablebuffer.Buffer
	w := New(&buf, opts)
	for _, src := range sources {
		require.NoError(t, w.AddSource(src))
	}
	require.NoError(t, w.Start(context.Background()))
	waitEOS(t, w)
	require.NoError(t, w.Stop(context.Background()))
	return buf.Bytes()
}

func probe(t *testing.T, file []byte) *Layout {
	t.Helper()
	l, err := Probe(bytes.NewReader(file))
	require.NoError(t, err)
	return l
}

// failingSink fails every write once limit bytes were written.
type failingSink struct {
	buf     seekablebuffer.Buffer
	limit   int
	written int
}

func (f *failingSink) Write(p []byte) (int, error) {
	if f.written+len(p) > f.limit {
		return 0, errors.New("no space left on device")
	}
	f.written += len(p)
	return f.buf.Write(p)
}

func (f *failingSink) Seek(offset int64, whence int) (int64, error) {
	return f.buf.Seek(offset, whence)
}

var _ io.WriteSeeker = (*failingSink)(nil)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) listen(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
