package mpeg4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/codecmux/internal/media"
)

type chunkAt struct {
	Track  int
	TimeMs int64
}

func chunkOrder(l *Layout) []chunkAt {
	var out []chunkAt
	for _, c := range l.Chunks() {
		out = append(out, chunkAt{Track: c.Track, TimeMs: c.TimeUs / 1000})
	}
	return out
}

func TestInterleave_ChunkOrder(t *testing.T) {
	want := []chunkAt{{0, 0}, {1, 100}, {0, 300}, {1, 400}, {0, 600}}

	tests := []struct {
		name       string
		interleave time.Duration
		video      []int64
		audio      []int64
	}{
		{
			name:  "one sample per chunk",
			video: []int64{0, 300, 600},
			audio: []int64{100, 400},
		},
		{
			name:       "chunks close after the interleave window",
			interleave: 250 * time.Millisecond,
			video:      evenly(0, 100, 9),
			audio:      evenly(100, 100, 5),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			video := newFakeSource(videoFormat(), samplesAt("v", 1, tt.video...))
			audio := newFakeSource(aacFormat(), samplesAt("a", 0, tt.audio...))

			file := record(t, Options{InterleaveDuration: tt.interleave}, video, audio)

			l := probe(t, file)
			if diff := cmp.Diff(want, chunkOrder(l)); diff != "" {
				t.Errorf("chunk order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInterleave_GlobalChunkOrder(t *testing.T) {
	video := newFakeSource(videoFormat(), samplesAt("v", 30, evenly(0, 33, 90)...))
	audio := newFakeSource(aacFormat(), samplesAt("a", 0, evenly(7, 21, 140)...))

	opts := DefaultOptions()
	opts.InterleaveDuration = 100 * time.Millisecond
	l := probe(t, record(t, opts, video, audio))

	chunks := l.Chunks()
	require.NotEmpty(t, chunks)
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i-1].TimeUs, chunks[i].TimeUs, "chunk %d starts before chunk %d", i, i-1)
		assert.Greater(t, chunks[i].Offset, chunks[i-1].Offset)
	}
	for _, tr := range l.Tracks {
		for i := 1; i < len(tr.SampleTimesUs); i++ {
			assert.Less(t, tr.SampleTimesUs[i-1], tr.SampleTimesUs[i])
		}
	}
}

func TestProbe_RoundTrip(t *testing.T) {
	videoSamples := samplesAt("v", 10, evenly(0, 40, 50)...)
	audioSamples := samplesAt("a", 0, evenly(20, 20, 100)...)
	video := newFakeSource(videoFormat(), videoSamples)
	audio := newFakeSource(aacFormat(), audioSamples)

	opts := DefaultOptions()
	opts.InterleaveDuration = 200 * time.Millisecond
	l := probe(t, record(t, opts, video, audio))

	require.Len(t, l.Tracks, 2)
	assert.Equal(t, "isom", l.MajorBrand)
	// Audio starts 20ms in and ends 20ms after the last video sample.
	assert.Equal(t, 2020*time.Millisecond, l.Duration)

	expect := func(samples []fakeSample) ([]int64, []uint32) {
		var times []int64
		var sizes []uint32
		for _, s := range samples {
			times = append(times, s.timeUs)
			sizes = append(sizes, uint32(len(s.data)))
		}
		return times, sizes
	}

	vt := l.Tracks[0]
	times, sizes := expect(videoSamples)
	assert.Empty(t, cmp.Diff(times, vt.SampleTimesUs))
	assert.Empty(t, cmp.Diff(sizes, vt.SampleSizes))
	assert.Equal(t, []uint32{1, 11, 21, 31, 41}, vt.SyncSamples)
	assert.Equal(t, "vide", vt.Handler)
	assert.Equal(t, uint32(1), vt.ID)
	assert.Equal(t, time.Duration(0), vt.EditDelay)

	at := l.Tracks[1]
	times, sizes = expect(audioSamples)
	assert.Empty(t, cmp.Diff(times, at.SampleTimesUs))
	assert.Empty(t, cmp.Diff(sizes, at.SampleSizes))
	assert.Nil(t, at.SyncSamples)
	assert.Equal(t, "soun", at.Handler)
	assert.Equal(t, 20*time.Millisecond, at.EditDelay)
	assert.Equal(t, uint32(48000), at.Timescale)

	var samples int
	for _, c := range l.Chunks() {
		samples += c.Samples
		assert.GreaterOrEqual(t, c.Offset, l.MdatOffset+16)
		assert.Less(t, c.Offset, l.MdatOffset+l.MdatSize)
	}
	assert.Equal(t, 150, samples)
}

func TestLayout_LongDurations(t *testing.T) {
	tests := []struct {
		name     string
		step     time.Duration
		duration time.Duration
		version  uint8
	}{
		{name: "short", step: 40 * time.Millisecond, duration: 120 * time.Millisecond, version: 0},
		{name: "past 32 bit ticks", step: 7 * time.Hour, duration: 21 * time.Hour, version: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := tt.step.Microseconds()
			samples := []fakeSample{
				{timeUs: 0, data: []byte("idr"), sync: true},
				{timeUs: step, data: []byte("p1")},
				{timeUs: 2 * step, data: []byte("p2")},
			}
			file := record(t, DefaultOptions(), newFakeSource(videoFormat(), samples))

			l := probe(t, file)
			require.Len(t, l.Tracks, 1)
			assert.Equal(t, tt.duration, l.Tracks[0].Duration)
			assert.Equal(t, tt.duration, l.Duration)
			assert.Equal(t, []int64{0, step, 2 * step}, l.Tracks[0].SampleTimesUs)

			mdhd, err := mp4.ExtractBoxWithPayload(bytes.NewReader(file), nil,
				mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMdhd()})
			require.NoError(t, err)
			require.Len(t, mdhd, 1)
			assert.Equal(t, tt.version, mdhd[0].Payload.(*mp4.Mdhd).GetVersion())
		})
	}
}

func TestLimits_MaxFileSize(t *testing.T) {
	samples := make([]fakeSample, 300)
	for i := range samples {
		samples[i] = fakeSample{timeUs: int64(i) * 33_000, data: bytes.Repeat([]byte{byte(i)}, 1000), sync: i%30 == 0}
	}
	var events eventLog
	opts := DefaultOptions()
	opts.MaxFileSize = 64 << 10
	opts.Listener = events.listen

	var buf seekablebuffer.Buffer
	w := New(&buf, opts)
	require.NoError(t, w.AddSource(newFakeSource(videoFormat(), samples)))
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return events.count(EventMaxFileSizeReached) == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))
	require.ErrorIs(t, w.StopReason(), media.ErrMaxFileSizeReached)
	assert.False(t, w.ReachedEOS())

	file := buf.Bytes()
	assert.LessOrEqual(t, len(file), 64<<10)

	l := probe(t, file)
	n := len(l.Tracks[0].SampleSizes)
	assert.Greater(t, n, 10)
	assert.Less(t, n, 300)
	assert.EqualValues(t, 16+n*1000, l.MdatSize)
	assert.Equal(t, time.Duration(n)*33*time.Millisecond, l.Duration)
	assert.Equal(t, 1, events.count(EventMaxFileSizeReached))
	assert.Zero(t, events.count(EventTrackComplete))
}

func TestLimits_MaxDuration(t *testing.T) {
	var events eventLog
	opts := DefaultOptions()
	opts.MaxDuration = time.Second
	opts.Listener = events.listen

	var buf seekablebuffer.Buffer
	w := New(&buf, opts)
	require.NoError(t, w.AddSource(newFakeSource(videoFormat(), samplesAt("v", 10, evenly(0, 40, 100)...))))
	require.NoError(t, w.AddSource(newFakeSource(aacFormat(), samplesAt("a", 0, evenly(0, 20, 200)...))))
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return events.count(EventMaxDurationReached) == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))
	require.ErrorIs(t, w.StopReason(), media.ErrMaxDurationReached)

	l := probe(t, buf.Bytes())
	assert.LessOrEqual(t, l.Duration, time.Second)
	for _, tr := range l.Tracks {
		if len(tr.SampleTimesUs) == 0 {
			continue
		}
		assert.Less(t, tr.SampleTimesUs[len(tr.SampleTimesUs)-1], int64(time.Second/time.Microsecond))
	}
	assert.Equal(t, 1, events.count(EventMaxDurationReached))
}

func TestStop_WriteFailure(t *testing.T) {
	samples := make([]fakeSample, 50)
	for i := range samples {
		samples[i] = fakeSample{timeUs: int64(i) * 40_000, data: bytes.Repeat([]byte{'s'}, 1000)}
	}
	var events eventLog
	sink := &failingSink{limit: 56 + 5500}
	w := New(sink, Options{Listener: events.listen})
	require.NoError(t, w.AddSource(newFakeSource(videoFormat(), samples)))
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return events.count(EventError) == 1 }, 5*time.Second, time.Millisecond)
	err := w.Stop(context.Background())
	require.ErrorIs(t, err, media.ErrIO)
	assert.ErrorContains(t, err, "no space left on device")
	assert.Equal(t, err, w.Stop(context.Background()))
	assert.Nil(t, w.StopReason())
	assert.False(t, w.ReachedEOS())
}

func TestStop_SourceFailureStillFinalizes(t *testing.T) {
	src := newFakeSource(videoFormat(), samplesAt("v", 1, evenly(0, 40, 20)...))
	src.failAt = 5
	var events eventLog

	var buf seekablebuffer.Buffer
	w := New(&buf, Options{Listener: events.listen})
	require.NoError(t, w.AddSource(src))
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return events.count(EventError) == 1 }, 5*time.Second, time.Millisecond)
	err := w.Stop(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "sensor unplugged")
	assert.NotErrorIs(t, err, media.ErrIO)

	l := probe(t, buf.Bytes())
	assert.Len(t, l.Tracks[0].SampleSizes, 5)
}

func TestReadLoop_FormatChange(t *testing.T) {
	t.Run("signal is followed", func(t *testing.T) {
		src := newFakeSource(videoFormat(), samplesAt("v", 5, evenly(0, 40, 10)...))
		src.changeAt = 4
		l := probe(t, record(t, DefaultOptions(), src))
		assert.Len(t, l.Tracks[0].SampleSizes, 10)
	})

	t.Run("wrapped change ends the track", func(t *testing.T) {
		src := newFakeSource(videoFormat(), samplesAt("v", 1, evenly(0, 40, 10)...))
		src.failAt = 3
		src.failErr = fmt.Errorf("reading source: %w", media.ErrFormatChanged)
		var events eventLog

		var buf seekablebuffer.Buffer
		w := New(&buf, Options{Listener: events.listen})
		require.NoError(t, w.AddSource(src))
		require.NoError(t, w.Start(context.Background()))

		require.Eventually(t, func() bool { return events.count(EventError) == 1 }, 5*time.Second, time.Millisecond)
		err := w.Stop(context.Background())
		require.ErrorIs(t, err, media.ErrFormatChanged)
		assert.Len(t, probe(t, buf.Bytes()).Tracks[0].SampleSizes, 3)
	})
}

func TestStop_Idempotent(t *testing.T) {
	src := newFakeSource(videoFormat(), samplesAt("v", 1, evenly(0, 40, 10)...))
	var buf seekablebuffer.Buffer
	w := New(&buf, Options{})
	require.NoError(t, w.AddSource(src))
	require.NoError(t, w.Start(context.Background()))
	waitEOS(t, w)

	require.NoError(t, w.Stop(context.Background()))
	size := buf.Len()
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, size, buf.Len())
	assert.True(t, w.ReachedEOS())
	assert.Equal(t, 1, src.stopped)
}

func TestStop_BeforeStart(t *testing.T) {
	var buf seekablebuffer.Buffer
	w := New(&buf, Options{})
	require.ErrorIs(t, w.Stop(context.Background()), media.ErrInvalidState)
	assert.Zero(t, buf.Len())
}

func TestStop_LiveSource(t *testing.T) {
	src := newFakeSource(videoFormat(), samplesAt("v", 1, evenly(0, 40, 10)...))
	src.live = true
	var buf seekablebuffer.Buffer
	w := New(&buf, DefaultOptions())
	require.NoError(t, w.AddSource(src))
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool { return src.position() == 10 }, 5*time.Second, time.Millisecond)
	assert.False(t, w.ReachedEOS())
	require.NoError(t, w.Stop(context.Background()))
	assert.False(t, w.ReachedEOS())
	assert.Nil(t, w.StopReason())

	l := probe(t, buf.Bytes())
	assert.Len(t, l.Tracks[0].SampleSizes, 10)
}

func TestAddSource_Errors(t *testing.T) {
	tests := []struct {
		name    string
		formats []*media.Format
		wantErr error
	}{
		{
			name:    "second video track",
			formats: []*media.Format{videoFormat(), {MIME: media.MIMEVideoMPEG4, Width: 176, Height: 144}},
			wantErr: media.ErrTooManyTracks,
		},
		{
			name:    "second audio track",
			formats: []*media.Format{aacFormat(), {MIME: media.MIMEAudioOpus, Channels: 2}},
			wantErr: media.ErrTooManyTracks,
		},
		{
			name:    "stereo amr",
			formats: []*media.Format{{MIME: media.MIMEAudioAMRNB, Channels: 2}},
			wantErr: media.ErrUnsupportedFormat,
		},
		{
			name:    "raw video",
			formats: []*media.Format{{MIME: media.MIMEVideoRaw, Width: 16, Height: 16}},
			wantErr: media.ErrUnsupportedFormat,
		},
		{
			name:    "hevc",
			formats: []*media.Format{{MIME: media.MIMEVideoHEVC}},
			wantErr: media.ErrUnsupportedFormat,
		},
		{
			name:    "aac without sample rate",
			formats: []*media.Format{{MIME: media.MIMEAudioAAC, Channels: 2}},
			wantErr: media.ErrUnsupportedFormat,
		},
		{
			name:    "no format",
			formats: []*media.Format{nil},
			wantErr: media.ErrUnsupportedFormat,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(&seekablebuffer.Buffer{}, Options{})
			var err error
			for _, f := range tt.formats {
				if err = w.AddSource(newFakeSource(f, nil)); err != nil {
					break
				}
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("after start", func(t *testing.T) {
		w := New(&seekablebuffer.Buffer{}, Options{})
		require.NoError(t, w.AddSource(newFakeSource(videoFormat(), nil)))
		require.NoError(t, w.Start(context.Background()))
		err := w.AddSource(newFakeSource(aacFormat(), nil))
		require.ErrorIs(t, err, media.ErrInvalidState)
		require.NoError(t, w.Stop(context.Background()))
	})
}

func TestStart_Errors(t *testing.T) {
	t.Run("no tracks", func(t *testing.T) {
		w := New(&seekablebuffer.Buffer{}, Options{})
		require.ErrorIs(t, w.Start(context.Background()), media.ErrInvalidOperation)
	})

	t.Run("twice", func(t *testing.T) {
		w := New(&seekablebuffer.Buffer{}, Options{})
		require.NoError(t, w.AddSource(newFakeSource(videoFormat(), nil)))
		require.NoError(t, w.Start(context.Background()))
		require.ErrorIs(t, w.Start(context.Background()), media.ErrInvalidState)
		require.NoError(t, w.Stop(context.Background()))
	})

	t.Run("source fails to start", func(t *testing.T) {
		video := newFakeSource(videoFormat(), nil)
		audio := newFakeSource(aacFormat(), nil)
		audio.startErr = errors.New("mic busy")
		w := New(&seekablebuffer.Buffer{}, Options{})
		require.NoError(t, w.AddSource(video))
		require.NoError(t, w.AddSource(audio))

		err := w.Start(context.Background())
		require.ErrorContains(t, err, "mic busy")
		assert.Equal(t, 1, video.started)
		assert.Equal(t, 1, video.stopped)
		require.ErrorIs(t, w.Stop(context.Background()), media.ErrInvalidState)
	})

	t.Run("header write fails", func(t *testing.T) {
		src := newFakeSource(videoFormat(), nil)
		w := New(&failingSink{limit: 4}, Options{})
		require.NoError(t, w.AddSource(src))
		require.ErrorIs(t, w.Start(context.Background()), media.ErrIO)
		assert.Equal(t, 1, src.stopped)
	})
}

func TestPauseResume(t *testing.T) {
	src := newFakeSource(videoFormat(), samplesAt("v", 10, evenly(0, 40, 10)...))
	src.live = true
	var buf seekablebuffer.Buffer
	w := New(&buf, DefaultOptions())
	require.ErrorIs(t, w.Pause(), media.ErrInvalidState)
	require.NoError(t, w.AddSource(src))
	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return src.position() == 10 }, 5*time.Second, time.Millisecond)

	require.NoError(t, w.Pause())
	more := append(samplesAt("v", 0, 400), samplesAt("v", 10, evenly(5000, 40, 9)...)...)
	src.push(more...)

	// The read already in flight completes; nothing is read after it.
	require.Eventually(t, func() bool { return src.position() == 11 }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 11, src.position())

	require.NoError(t, w.Resume())
	require.Eventually(t, func() bool { return src.position() == 20 }, 5*time.Second, time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))
	require.ErrorIs(t, w.Resume(), media.ErrInvalidState)

	l := probe(t, buf.Bytes())
	assert.Equal(t, evenly(0, 40_000, 20), l.Tracks[0].SampleTimesUs)
}

func TestAdjust_ResumeRemovesGap(t *testing.T) {
	tr := &track{kind: kindVideo, format: videoFormat()}
	assert.Equal(t, int64(0), tr.adjustLocked(0))
	assert.Equal(t, int64(40_000), tr.adjustLocked(40_000))
	assert.Equal(t, int64(80_000), tr.adjustLocked(80_000))

	tr.resumed = true
	assert.Equal(t, int64(120_000), tr.adjustLocked(5_000_000))
	assert.Equal(t, int64(160_000), tr.adjustLocked(5_040_000))

	// Decode times never run backwards.
	assert.Equal(t, int64(160_000), tr.adjustLocked(5_000_000))
}

func TestWriter_WaitsForSilentTrack(t *testing.T) {
	tests := []struct {
		name       string
		maxPending int64
		timeout    time.Duration
		flowing    bool
	}{
		{name: "default budget waits", timeout: -1, flowing: false},
		{name: "default timeout waits", flowing: false},
		{name: "small budget proceeds", maxPending: 100, timeout: -1, flowing: true},
		{name: "silent track times out", timeout: 50 * time.Millisecond, flowing: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			video := newFakeSource(videoFormat(), samplesAt("v", 10, evenly(0, 40, 50)...))
			audio := newFakeSource(aacFormat(), nil)
			audio.live = true

			var buf seekablebuffer.Buffer
			w := New(&buf, Options{MaxPendingBytes: tt.maxPending, SilentTrackTimeout: tt.timeout})
			require.NoError(t, w.AddSource(video))
			require.NoError(t, w.AddSource(audio))
			require.NoError(t, w.Start(context.Background()))
			header := w.BytesWritten()

			require.Eventually(t, func() bool { return video.position() == 50 }, 5*time.Second, time.Millisecond)
			if tt.flowing {
				require.Eventually(t, func() bool { return w.BytesWritten() > header }, 5*time.Second, time.Millisecond)
			} else {
				time.Sleep(20 * time.Millisecond)
				assert.Equal(t, header, w.BytesWritten())
			}

			require.NoError(t, w.Stop(context.Background()))
			l := probe(t, buf.Bytes())
			assert.Len(t, l.Tracks[0].SampleSizes, 50)
			assert.Empty(t, l.Tracks[1].SampleSizes)
		})
	}
}

func TestLayout_MoovPlacement(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		moovInFront bool
		freeBoxes   int
	}{
		{name: "streamable", opts: Options{Streamable: true}, moovInFront: true, freeBoxes: 1},
		{name: "placeholder too small", opts: Options{Streamable: true, MoovReserve: 64}, freeBoxes: 1},
		{name: "not streamable", opts: Options{}, freeBoxes: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource(videoFormat(), samplesAt("v", 10, evenly(0, 40, 30)...))
			file := record(t, tt.opts, src)
			l := probe(t, file)

			if tt.moovInFront {
				assert.Less(t, l.MoovOffset, l.MdatOffset)
			} else {
				assert.Equal(t, l.MdatOffset+l.MdatSize, l.MoovOffset)
				assert.Equal(t, int64(len(file)), l.MoovOffset+l.MoovSize)
			}
			free, err := mp4.ExtractBox(bytes.NewReader(file), nil, mp4.BoxPath{mp4.BoxTypeFree()})
			require.NoError(t, err)
			assert.Len(t, free, tt.freeBoxes)
			assert.Len(t, l.Tracks[0].SampleSizes, 30)
		})
	}
}

func TestLayout_ChunkOffsets64(t *testing.T) {
	samples := samplesAt("v", 10, evenly(0, 40, 30)...)
	opts := DefaultOptions()
	opts.InterleaveDuration = 200 * time.Millisecond

	small := record(t, opts, newFakeSource(videoFormat(), samples))
	opts.Use64BitOffsets = true
	large := record(t, opts, newFakeSource(videoFormat(), samples))

	stbl := mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl()}
	count := func(file []byte, typ mp4.BoxType) int {
		boxes, err := mp4.ExtractBox(bytes.NewReader(file), nil, append(stbl, typ))
		require.NoError(t, err)
		return len(boxes)
	}
	assert.Equal(t, 1, count(small, mp4.BoxTypeStco()))
	assert.Zero(t, count(small, mp4.BoxTypeCo64()))
	assert.Zero(t, count(large, mp4.BoxTypeStco()))
	assert.Equal(t, 1, count(large, mp4.BoxTypeCo64()))

	assert.Empty(t, cmp.Diff(probe(t, small).Chunks(), probe(t, large).Chunks()))
}

func TestCreate_OwnsFile(t *testing.T) {
	path := t.TempDir() + "/out.mp4"
	w, err := Create(path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.AddSource(newFakeSource(aacFormat(), samplesAt("a", 0, evenly(0, 20, 50)...))))
	require.NoError(t, w.Start(context.Background()))
	waitEOS(t, w)
	require.NoError(t, w.Stop(context.Background()))

	_, err = Create(t.TempDir()+"/missing/out.mp4", Options{})
	require.ErrorIs(t, err, media.ErrIO)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "max_file_size_reached", EventMaxFileSizeReached.String())
	assert.Equal(t, "track_complete", EventTrackComplete.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}
