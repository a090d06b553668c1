package omxcodec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jmylchreest/codecmux/internal/codec"
	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/omx"
	"github.com/jmylchreest/codecmux/internal/omx/soft"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const frameDurationUs = 33_333

type testFrame struct {
	data   []byte
	timeUs int64
	sync   bool
}

// testSource serves numbered frames and supports every seek mode.
type testSource struct {
	format *media.Format

	mu         sync.Mutex
	frames     []testFrame
	pos        int
	started    int
	stopped    int
	seeks      []int64
	blockAfter int
	blocked    chan struct{}
	blockOnce  sync.Once
	failAfter  int
	changeAt   int
}

func newTestSource(n, gop int) *testSource {
	s := &testSource{
		format:     &media.Format{MIME: media.MIMEVideoAVC, Width: 640, Height: 480, FrameRate: 30},
		blockAfter: -1,
		failAfter:  -1,
		changeAt:   -1,
		blocked:    make(chan struct{}),
	}
	for i := range n {
		s.frames = append(s.frames, testFrame{
			data:   []byte(fmt.Sprintf("frame-%03d", i)),
			timeUs: int64(i) * frameDurationUs,
			sync:   i%gop == 0,
		})
	}
	return s
}

func (s *testSource) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	s.pos = 0
	return nil
}

func (s *testSource) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *testSource) Format() *media.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *testSource) Read(ctx context.Context, opts *media.ReadOptions) (*media.Buffer, error) {
	s.mu.Lock()
	if ts, mode, ok := opts.Seek(); ok {
		s.seeks = append(s.seeks, ts)
		s.pos = s.seekIndex(ts, mode)
	}
	if s.blockAfter >= 0 && s.pos >= s.blockAfter {
		s.mu.Unlock()
		s.blockOnce.Do(func() { close(s.blocked) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.failAfter >= 0 && s.pos >= s.failAfter {
		s.mu.Unlock()
		return nil, errors.New("disk on fire")
	}
	if s.pos == s.changeAt {
		s.changeAt = -1
		s.format = s.format.Clone()
		s.format.Width, s.format.Height = 320, 240
		s.mu.Unlock()
		return nil, media.ErrFormatChanged
	}
	if s.pos >= len(s.frames) {
		s.mu.Unlock()
		return nil, media.ErrEndOfStream
	}
	f := s.frames[s.pos]
	s.pos++
	s.mu.Unlock()

	b := media.NewBuffer(append([]byte(nil), f.data...))
	b.TimeUs = f.timeUs
	b.DecodeTimeUs = f.timeUs
	if f.sync {
		b.Flags |= media.FlagSync
	}
	return b, nil
}

func (s *testSource) seekIndex(ts int64, mode media.SeekMode) int {
	idx := 0
	for i, f := range s.frames {
		if f.timeUs <= ts {
			idx = i
		}
	}
	prev := idx
	for prev > 0 && !s.frames[prev].sync {
		prev--
	}
	next := idx
	for next < len(s.frames) && !s.frames[next].sync {
		next++
	}
	switch mode {
	case media.SeekNextSync:
		return next
	case media.SeekClosestSync:
		if next < len(s.frames) && s.frames[next].timeUs-ts < ts-s.frames[prev].timeUs {
			return next
		}
		return prev
	default:
		return prev
	}
}

func (s *testSource) counts() (started, stopped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.stopped
}

// harness opens soft components and can filter or inject callbacks.
type harness struct {
	opts        soft.Options
	allowVendor bool
	wrap        func(omx.Component) omx.Component

	mu       sync.Mutex
	drop     func(omx.Message) bool
	observer omx.Observer
	opened   []string
}

func (h *harness) Open(name string, observer omx.Observer) (omx.Component, error) {
	if !h.allowVendor && !codec.IsSoftwareComponent(name) {
		return nil, omx.NewError("open "+name, omx.ErrorComponentNotFound)
	}
	filtered := omx.ObserverFunc(func(msg omx.Message) {
		h.mu.Lock()
		drop := h.drop
		h.mu.Unlock()
		if drop != nil && drop(msg) {
			return
		}
		observer.OnMessage(msg)
	})
	h.mu.Lock()
	h.observer = observer
	h.opened = append(h.opened, name)
	h.mu.Unlock()

	var comp omx.Component = soft.New(name, filtered, h.opts)
	if h.wrap != nil {
		comp = h.wrap(comp)
	}
	return comp, nil
}

func (h *harness) setDrop(fn func(omx.Message) bool) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

func (h *harness) inject(msg omx.Message) {
	h.mu.Lock()
	obs := h.observer
	h.mu.Unlock()
	obs.OnMessage(msg)
}

func newTestCodec(t *testing.T, h *harness, src *testSource, mutate func(*Options)) *Codec {
	t.Helper()
	opts := Options{
		Factory:      h,
		Format:       src.format,
		Source:       src,
		StateTimeout: 2 * time.Second,
		ReadTimeout:  2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := Create(t.Context(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

type readResult struct {
	frames        []*media.Buffer
	formatChanges int
	err           error
}

// readAll reads until an error other than a format change, releasing every buffer.
func readAll(t *testing.T, c *Codec) readResult {
	t.Helper()
	var res readResult
	for {
		mb, err := c.Read(t.Context(), nil)
		if errors.Is(err, media.ErrFormatChanged) {
			res.formatChanges++
			continue
		}
		if err != nil {
			res.err = err
			return res
		}
		res.frames = append(res.frames, mb.Clone())
		mb.Release()
	}
}

func payloads(frames []*media.Buffer) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, string(f.Bytes()))
	}
	return out
}

func expectedPayloads(from, to int) []string {
	var out []string
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("frame-%03d", i))
	}
	return out
}

func statusesOf(snap []BufferSnapshot, port omx.PortIndex) []BufferStatus {
	var out []BufferStatus
	for _, s := range snap {
		if s.Port == port {
			out = append(out, s.Status)
		}
	}
	return out
}

// failingComponent fails UseBuffer on one port.
type failingComponent struct {
	omx.Component
	port omx.PortIndex
}

func (f *failingComponent) UseBuffer(port omx.PortIndex, data []byte) (omx.BufferID, error) {
	if port == f.port {
		return 0, omx.NewError("use_buffer", omx.ErrorInsufficientResources)
	}
	return f.Component.UseBuffer(port, data)
}
