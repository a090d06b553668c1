package mpeg4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/jmylchreest/codecmux/internal/codec"
	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/observability"
)

const (
	videoTimescale = 90000
	kindVideo      = "video"
	kindAudio      = "audio"
)

// track is the writer side of one registered source.
type track struct {
	index     int
	src       media.Source
	mime      string
	kind      string
	timescale uint32
	logger    *slog.Logger

	// Guarded by Writer.mu.
	format      *media.Format
	csd         [][]byte
	open        *chunk
	queue       []*chunk
	done        bool
	eos         bool
	hasLast     bool
	lastTimeUs  int64
	lastDeltaUs int64
	shiftUs     int64
	resumed     bool
	table       sampleTable
}

func newTrack(index int, src media.Source, logger *slog.Logger) (*track, error) {
	if src == nil {
		return nil, fmt.Errorf("mpeg4: nil source: %w", media.ErrInvalidOperation)
	}
	f := src.Format()
	if f == nil {
		return nil, fmt.Errorf("mpeg4: source without format: %w", media.ErrUnsupportedFormat)
	}
	if !codec.IsMuxable(f.MIME) {
		return nil, fmt.Errorf("mpeg4: %s: %w", f.MIME, media.ErrUnsupportedFormat)
	}
	if codec.RequiresMono(f.MIME) && f.Channels > 1 {
		return nil, fmt.Errorf("mpeg4: %s with %d channels: %w", f.MIME, f.Channels, media.ErrUnsupportedFormat)
	}

	t := &track{
		index:  index,
		src:    src,
		mime:   f.MIME,
		format: f.Clone(),
	}
	if _, ok := codec.ParseVideo(f.MIME); ok {
		t.kind = kindVideo
		t.timescale = videoTimescale
	} else {
		t.kind = kindAudio
		rate, err := audioTimescale(f)
		if err != nil {
			return nil, err
		}
		t.timescale = rate
	}
	t.csd = append(t.csd, t.format.CSD...)
	t.logger = logger.With(slog.Int("track", index), slog.String("mime", f.MIME))
	return t, nil
}

func audioTimescale(f *media.Format) (uint32, error) {
	a, _ := codec.ParseAudio(f.MIME)
	switch a {
	case codec.AudioAMRNB:
		return 8000, nil
	case codec.AudioAMRWB:
		return 16000, nil
	case codec.AudioOpus:
		return 48000, nil
	}
	if f.SampleRate <= 0 {
		return 0, fmt.Errorf("mpeg4: %s without sample rate: %w", f.MIME, media.ErrUnsupportedFormat)
	}
	return uint32(f.SampleRate), nil
}

// defaultDurationUs is used for the last sample of a track and across a resume.
func (t *track) defaultDurationUs() int64 {
	if t.kind == kindVideo {
		rate := t.format.FrameRate
		if rate <= 0 {
			rate = 30
		}
		return int64(time.Second/time.Microsecond) / int64(rate)
	}
	a, _ := codec.ParseAudio(t.mime)
	switch a {
	case codec.AudioAAC:
		return 1024 * 1_000_000 / int64(t.timescale)
	default:
		return 20_000
	}
}

// samplesPerSecond estimates the sample rate used to size the movie box.
func (t *track) samplesPerSecond() int64 {
	return 1_000_000 / max(t.defaultDurationUs(), 1)
}

// boundLocked returns the lowest timestamp a future chunk of t can start at.
func (t *track) boundLocked() (int64, bool) {
	if t.open != nil {
		return t.open.timeUs, true
	}
	if t.hasLast {
		return t.lastTimeUs, true
	}
	return 0, false
}

// adjustLocked applies the resume shift and keeps decode times non-decreasing.
func (t *track) adjustLocked(ts int64) int64 {
	if t.resumed {
		t.resumed = false
		if t.hasLast {
			delta := t.lastDeltaUs
			if delta <= 0 {
				delta = t.defaultDurationUs()
			}
			t.shiftUs = t.lastTimeUs + delta - ts
		}
	}
	ts += t.shiftUs
	if t.hasLast {
		if ts < t.lastTimeUs {
			ts = t.lastTimeUs
		}
		t.lastDeltaUs = ts - t.lastTimeUs
	}
	t.lastTimeUs = ts
	t.hasLast = true
	return ts
}

func (t *track) csdSizeLocked() int64 {
	var n int64
	for _, c := range t.csd {
		n += int64(len(c))
	}
	return n
}

// extract copies the payload of buf and releases it. Codec config buffers are
// folded into the track's codec specific data and yield no sample.
func (t *track) extractLocked(buf *media.Buffer) (sample, bool) {
	defer buf.Release()

	data := bytes.Clone(buf.Bytes())
	if buf.IsCodecConfig() {
		t.addCSDLocked(data)
		return sample{}, false
	}
	s := sample{data: data, timeUs: buf.DecodeTimeUs, sync: buf.IsSync()}
	if s.timeUs == 0 && buf.TimeUs != 0 {
		s.timeUs = buf.TimeUs
	}

	switch {
	case t.mime == media.MIMEVideoAVC:
		s = t.convertAVCLocked(s)
	case t.kind == kindAudio:
		s.sync = true
	}
	if len(s.data) == 0 {
		return sample{}, false
	}
	return s, true
}

// adoptLateCSD picks up codec specific data an encoder only published after it
// started.
func (t *track) adoptLateCSD() {
	if len(t.csd) > 0 {
		return
	}
	f := t.src.Format()
	if f == nil || len(f.CSD) == 0 {
		return
	}
	for _, c := range f.CSD {
		t.addCSDLocked(bytes.Clone(c))
	}
}

func (t *track) addCSDLocked(data []byte) {
	if t.mime != media.MIMEVideoAVC || !isAnnexB(data) {
		t.csd = append(t.csd, data)
		return
	}
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		t.csd = append(t.csd, data)
		return
	}
	t.csd = append(t.csd, au...)
}

// convertAVCLocked turns Annex-B access units into length prefixed NAL units
// and moves in-band parameter sets into the codec specific data.
func (t *track) convertAVCLocked(s sample) sample {
	if !isAnnexB(s.data) {
		return s
	}
	var au h264.AnnexB
	if err := au.Unmarshal(s.data); err != nil {
		t.logger.Warn("malformed access unit", slog.String("error", err.Error()))
		return s
	}

	hasSPS := false
	for _, c := range t.csd {
		if len(c) > 0 && h264.NALUType(c[0]&0x1F) == h264.NALUTypeSPS {
			hasSPS = true
		}
	}
	nalus := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			if !hasSPS {
				t.csd = append(t.csd, nalu)
			}
			continue
		case h264.NALUTypeAccessUnitDelimiter:
			continue
		}
		nalus = append(nalus, nalu)
	}
	if h264.IsRandomAccess(au) {
		s.sync = true
	}
	if len(nalus) == 0 {
		s.data = nil
		return s
	}
	avcc, err := h264.AVCC(nalus).Marshal()
	if err != nil {
		t.logger.Warn("converting access unit", slog.String("error", err.Error()))
		return s
	}
	s.data = avcc
	return s
}

func isAnnexB(b []byte) bool {
	return bytes.HasPrefix(b, []byte{0, 0, 1}) || bytes.HasPrefix(b, []byte{0, 0, 0, 1})
}

// readLoop drains one source until it ends, the writer halts or reading fails.
func (w *Writer) readLoop(ctx context.Context, t *track) error {
	eos := false
	defer func() { w.finishTrack(t, eos) }()

	for {
		if !w.waitReadable(t) {
			return nil
		}
		buf, err := t.src.Read(ctx, nil)
		if err != nil {
			switch {
			case errors.Is(err, media.ErrEndOfStream):
				eos = true
				t.logger.Debug("source reached end of stream")
				return nil
			case err == media.ErrFormatChanged: //nolint:errorlint // only the bare signal; a wrapped one is terminal
				w.refreshFormat(t)
				continue
			case ctx.Err() != nil, errors.Is(err, media.ErrStopped), w.halted():
				return nil
			}
			err = fmt.Errorf("mpeg4: reading %s track: %w", t.kind, err)
			t.logger.Error("source read failed", slog.String("error", err.Error()))
			w.notify(Event{Kind: EventError, Track: t.index, Err: err})
			return err
		}
		if !w.appendBuffer(t, buf) {
			return nil
		}
	}
}

func (w *Writer) waitReadable(t *track) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.paused && !w.haltedLocked() {
		t.resumed = true
		w.cond.Wait()
	}
	return !w.haltedLocked()
}

func (w *Writer) halted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.haltedLocked()
}

func (w *Writer) refreshFormat(t *track) {
	f := t.src.Format()
	if f == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	t.format = f.Clone()
	if len(t.format.CSD) > 0 {
		t.csd = t.format.CSD
	}
	t.logger.Info("source format changed", slog.String("format", f.String()))
}

// appendBuffer adds one buffer to the open chunk of t. It returns false once
// the track must stop reading.
func (w *Writer) appendBuffer(t *track, buf *media.Buffer) bool {
	w.mu.Lock()
	if w.haltedLocked() {
		w.mu.Unlock()
		buf.Release()
		return false
	}
	s, ok := t.extractLocked(buf)
	if !ok {
		w.mu.Unlock()
		return true
	}

	s.timeUs = t.adjustLocked(s.timeUs)
	if reason := w.checkLimitsLocked(s); reason != nil {
		w.limited = true
		w.stopReason = reason
		w.cond.Broadcast()
		w.mu.Unlock()

		kind := EventMaxFileSizeReached
		if errors.Is(reason, media.ErrMaxDurationReached) {
			kind = EventMaxDurationReached
		}
		observability.IncWriterLimitStop(kind.String())
		t.logger.Info("recording limit reached", slog.String("reason", reason.Error()))
		w.notify(Event{Kind: kind, Track: -1, Err: reason})
		return false
	}

	if !w.hasMovieStart || s.timeUs < w.movieStartUs {
		w.movieStartUs = s.timeUs
		w.hasMovieStart = true
	}

	if t.open != nil && t.open.span(s.timeUs) > w.opts.InterleaveDuration.Microseconds() {
		w.queueLocked(t)
	}
	if t.open == nil {
		t.open = newChunk(t, s)
	} else {
		t.open.add(s)
	}
	w.pending += int64(len(s.data))
	if w.opts.InterleaveDuration <= 0 {
		w.queueLocked(t)
	}
	w.cond.Broadcast()
	w.mu.Unlock()
	return true
}

// checkLimitsLocked returns the limit s would cross, if any.
func (w *Writer) checkLimitsLocked(s sample) error {
	if w.opts.MaxFileSize > 0 {
		size := w.written + w.pending + w.moovEstimateLocked(1) + int64(len(s.data))
		if size > w.opts.MaxFileSize {
			return media.ErrMaxFileSizeReached
		}
	}
	if w.opts.MaxDuration > 0 && w.hasMovieStart {
		if s.timeUs-w.movieStartUs >= w.opts.MaxDuration.Microseconds() {
			return media.ErrMaxDurationReached
		}
	}
	return nil
}

// moovEstimateLocked bounds the size the movie box will add to the file with
// extra more samples. Zero means it fits the reserved placeholder.
func (w *Writer) moovEstimateLocked(extra int) int64 {
	size := int64(defaultMoovReserve)
	for _, t := range w.tracks {
		samples := int64(t.table.count() + extra)
		chunks := int64(len(t.table.chunks) + len(t.queue) + 1)
		for _, c := range t.queue {
			samples += int64(len(c.samples))
		}
		if t.open != nil {
			samples += int64(len(t.open.samples))
		}
		size += moovTrackEstimate + t.csdSizeLocked() + samples*moovSampleEstimate + chunks*moovChunkEstimate
	}
	if w.opts.Streamable && size <= w.moovReserve {
		return 0
	}
	return size
}

func (w *Writer) queueLocked(t *track) {
	if t.open == nil {
		return
	}
	t.queue = append(t.queue, t.open)
	t.open = nil
}

func (w *Writer) finishTrack(t *track, eos bool) {
	w.mu.Lock()
	w.queueLocked(t)
	t.done = true
	t.eos = eos
	w.cond.Broadcast()
	w.mu.Unlock()

	if eos {
		w.notify(Event{Kind: EventTrackComplete, Track: t.index})
	}
}
