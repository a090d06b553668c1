package mpeg4

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"

	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/version"
)

const movieTimescale = 1000

var identityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

// boxWriter nests boxes on an mp4.Writer and keeps the first error.
type boxWriter struct {
	w   *mp4.Writer
	err error
}

func (b *boxWriter) open(typ mp4.BoxType) {
	if b.err != nil {
		return
	}
	_, b.err = b.w.StartBox(&mp4.BoxInfo{Type: typ})
}

// openBox starts box and writes its payload, leaving it open for children.
func (b *boxWriter) openBox(box mp4.IImmutableBox) {
	b.open(box.GetType())
	if b.err != nil {
		return
	}
	_, b.err = mp4.Marshal(b.w, box, mp4.Context{})
}

func (b *boxWriter) close() {
	if b.err != nil {
		return
	}
	_, b.err = b.w.EndBox()
}

func (b *boxWriter) leaf(box mp4.IImmutableBox) {
	b.openBox(box)
	b.close()
}

// writeHeaderLocked writes ftyp, the movie box placeholder and the mdat header.
func (w *Writer) writeHeaderLocked() error {
	start, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("mpeg4: locating output: %w: %w", media.ErrIO, err)
	}

	bw := &boxWriter{w: mp4.NewWriter(w.ws)}
	bw.leaf(w.ftyp())
	if w.opts.Streamable {
		w.moovReserve = w.opts.MoovReserve
		if w.moovReserve <= 0 {
			w.moovReserve = w.estimateReserveLocked()
		}
		if w.freeOffset, err = w.ws.Seek(0, io.SeekCurrent); err != nil {
			return fmt.Errorf("mpeg4: locating placeholder: %w: %w", media.ErrIO, err)
		}
		bw.leaf(&mp4.Free{Data: make([]byte, w.moovReserve-mp4.SmallHeaderSize)})
	}
	if bw.err != nil {
		return fmt.Errorf("mpeg4: writing header: %w: %w", media.ErrIO, bw.err)
	}

	w.mdatOffset, err = w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("mpeg4: locating mdat: %w: %w", media.ErrIO, err)
	}
	if _, err := mp4.WriteBoxInfo(w.ws, mdatInfo(mp4.LargeHeaderSize)); err != nil {
		return fmt.Errorf("mpeg4: writing mdat header: %w: %w", media.ErrIO, err)
	}
	w.written = w.mdatOffset + mp4.LargeHeaderSize
	w.logger.Debug("header written",
		slog.Int64("start", start),
		slog.Int64("moov_reserve", w.moovReserve),
		slog.Int64("mdat_offset", w.mdatOffset))
	return nil
}

func mdatInfo(size uint64) *mp4.BoxInfo {
	return &mp4.BoxInfo{Type: mp4.BoxTypeMdat(), Size: size, HeaderSize: mp4.LargeHeaderSize}
}

func (w *Writer) ftyp() *mp4.Ftyp {
	brands := []string{"isom", "iso2", "avc1", "mp41"}
	major := "isom"
	amrOnly := true
	for _, t := range w.tracks {
		if t.mime != media.MIMEAudioAMRNB && t.mime != media.MIMEAudioAMRWB {
			amrOnly = false
		}
	}
	if amrOnly {
		major = "3gp4"
		brands = []string{"isom", "3gp4"}
	}
	ftyp := &mp4.Ftyp{MajorBrand: brandOf(major), MinorVersion: 0x200}
	for _, b := range brands {
		ftyp.CompatibleBrands = append(ftyp.CompatibleBrands, mp4.CompatibleBrandElem{CompatibleBrand: brandOf(b)})
	}
	return ftyp
}

func brandOf(s string) [4]byte {
	var b [4]byte
	copy(b[:], s)
	return b
}

func (w *Writer) estimateReserveLocked() int64 {
	size := int64(defaultMoovReserve)
	for _, t := range w.tracks {
		size += moovTrackEstimate
		if w.opts.MaxDuration > 0 {
			samples := int64(w.opts.MaxDuration.Seconds()*float64(t.samplesPerSecond())) + 1
			size += samples * moovSampleEstimate
		}
	}
	return size
}

// finalize patches the mdat size and writes the movie box. It runs after every
// goroutine has exited.
func (w *Writer) finalize() error {
	if _, err := w.ws.Seek(w.mdatOffset, io.SeekStart); err != nil {
		return fmt.Errorf("mpeg4: seeking to mdat: %w: %w", media.ErrIO, err)
	}
	if _, err := mp4.WriteBoxInfo(w.ws, mdatInfo(uint64(w.written-w.mdatOffset))); err != nil {
		return fmt.Errorf("mpeg4: patching mdat size: %w: %w", media.ErrIO, err)
	}

	for _, t := range w.tracks {
		t.adoptLateCSD()
	}
	moov, err := w.buildMoov()
	if err != nil {
		return fmt.Errorf("mpeg4: building moov: %w", err)
	}

	size := int64(len(moov))
	remainder := w.moovReserve - size
	if w.opts.Streamable && (remainder == 0 || remainder >= mp4.SmallHeaderSize) {
		if _, err := w.ws.Seek(w.freeOffset, io.SeekStart); err != nil {
			return fmt.Errorf("mpeg4: seeking to moov placeholder: %w: %w", media.ErrIO, err)
		}
		if _, err := w.ws.Write(moov); err != nil {
			return fmt.Errorf("mpeg4: writing moov: %w: %w", media.ErrIO, err)
		}
		if remainder > 0 {
			info := &mp4.BoxInfo{Type: mp4.BoxTypeFree(), Size: uint64(remainder), HeaderSize: mp4.SmallHeaderSize}
			if _, err := mp4.WriteBoxInfo(w.ws, info); err != nil {
				return fmt.Errorf("mpeg4: writing free box: %w: %w", media.ErrIO, err)
			}
		}
		w.logger.Debug("moov written into placeholder", slog.Int64("size", size), slog.Int64("free", remainder))
	} else {
		if _, err := w.ws.Seek(w.written, io.SeekStart); err != nil {
			return fmt.Errorf("mpeg4: seeking to end: %w: %w", media.ErrIO, err)
		}
		if _, err := w.ws.Write(moov); err != nil {
			return fmt.Errorf("mpeg4: writing moov: %w: %w", media.ErrIO, err)
		}
		w.logger.Debug("moov appended", slog.Int64("size", size), slog.Int64("reserve", w.moovReserve))
	}
	return nil
}

// trackTiming is the stts view of a track.
type trackTiming struct {
	deltas   []uint32
	duration uint64
	delayUs  int64
}

func (t *track) timing(movieStartUs int64) trackTiming {
	times := t.table.times
	if len(times) == 0 {
		return trackTiming{}
	}
	first := times[0]
	tm := trackTiming{delayUs: first - movieStartUs, deltas: make([]uint32, len(times))}
	prev := uint64(0)
	for i := 1; i < len(times); i++ {
		cur := usToTicks(times[i]-first, t.timescale)
		tm.deltas[i-1] = uint32(cur - prev)
		prev = cur
	}
	last := uint32(usToTicks(t.defaultDurationUs(), t.timescale))
	if len(times) > 1 {
		last = tm.deltas[len(times)-2]
	}
	tm.deltas[len(times)-1] = last
	tm.duration = prev + uint64(last)
	return tm
}

// needsV1 reports whether a duration only fits the 64 bit version of a box.
func needsV1(d uint64) bool {
	return d > math.MaxUint32
}

func usToTicks(us int64, timescale uint32) uint64 {
	if us <= 0 {
		return 0
	}
	return (uint64(us)*uint64(timescale) + 500_000) / 1_000_000
}

func ticksToUs(ticks uint64, timescale uint32) int64 {
	if timescale == 0 {
		return 0
	}
	return int64((ticks*1_000_000 + uint64(timescale)/2) / uint64(timescale))
}

func (w *Writer) movieDurationUs() int64 {
	var d int64
	for _, t := range w.tracks {
		tm := t.timing(w.movieStartUs)
		d = max(d, tm.delayUs+ticksToUs(tm.duration, t.timescale))
	}
	return d
}

func (w *Writer) buildMoov() ([]byte, error) {
	var buf seekablebuffer.Buffer
	bw := &boxWriter{w: mp4.NewWriter(&buf)}

	use64 := w.opts.Use64BitOffsets
	for _, t := range w.tracks {
		for _, c := range t.table.chunks {
			if c.offset > math.MaxUint32 {
				use64 = true
			}
		}
	}

	mvhd := &mp4.Mvhd{
		Timescale:   movieTimescale,
		Rate:        0x00010000,
		Volume:      0x0100,
		Matrix:      identityMatrix,
		NextTrackID: uint32(len(w.tracks) + 1),
	}
	if d := usToTicks(w.movieDurationUs(), movieTimescale); needsV1(d) {
		mvhd.Version, mvhd.DurationV1 = 1, d
	} else {
		mvhd.DurationV0 = uint32(d)
	}

	bw.open(mp4.BoxTypeMoov())
	bw.leaf(mvhd)
	for _, t := range w.tracks {
		w.writeTrak(bw, t, use64)
	}
	bw.close()
	if bw.err != nil {
		return nil, bw.err
	}
	return buf.Bytes(), nil
}

func (w *Writer) writeTrak(bw *boxWriter, t *track, use64 bool) {
	tm := t.timing(w.movieStartUs)
	delayMs := usToTicks(tm.delayUs, movieTimescale)
	mediaMs := usToTicks(ticksToUs(tm.duration, t.timescale), movieTimescale)

	tkhd := &mp4.Tkhd{
		FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 7}},
		TrackID: uint32(t.index + 1),
		Matrix:  identityMatrix,
	}
	if d := delayMs + mediaMs; needsV1(d) {
		tkhd.Version, tkhd.DurationV1 = 1, d
	} else {
		tkhd.DurationV0 = uint32(d)
	}
	if t.kind == kindVideo {
		width, height := t.dimensions()
		tkhd.Width = uint32(width) << 16
		tkhd.Height = uint32(height) << 16
	} else {
		tkhd.Volume = 0x0100
	}

	bw.open(mp4.BoxTypeTrak())
	bw.leaf(tkhd)
	if delayMs > 0 {
		bw.open(mp4.BoxTypeEdts())
		elst := &mp4.Elst{
			EntryCount: 2,
			Entries: []mp4.ElstEntry{
				{SegmentDurationV0: uint32(delayMs), MediaTimeV0: -1, MediaRateInteger: 1},
				{SegmentDurationV0: uint32(mediaMs), MediaTimeV0: 0, MediaRateInteger: 1},
			},
		}
		if needsV1(delayMs) || needsV1(mediaMs) {
			elst.Version = 1
			elst.Entries = []mp4.ElstEntry{
				{SegmentDurationV1: delayMs, MediaTimeV1: -1, MediaRateInteger: 1},
				{SegmentDurationV1: mediaMs, MediaTimeV1: 0, MediaRateInteger: 1},
			}
		}
		bw.leaf(elst)
		bw.close()
	}

	bw.open(mp4.BoxTypeMdia())
	mdhd := &mp4.Mdhd{
		Timescale: t.timescale,
		Language:  [3]byte{'u', 'n', 'd'},
	}
	if needsV1(tm.duration) {
		mdhd.Version, mdhd.DurationV1 = 1, tm.duration
	} else {
		mdhd.DurationV0 = uint32(tm.duration)
	}
	bw.leaf(mdhd)
	handler := &mp4.Hdlr{Name: version.HandlerName("Sound")}
	if t.kind == kindVideo {
		handler.HandlerType = brandOf("vide")
		handler.Name = version.HandlerName("Video")
	} else {
		handler.HandlerType = brandOf("soun")
	}
	bw.leaf(handler)

	bw.open(mp4.BoxTypeMinf())
	if t.kind == kindVideo {
		bw.leaf(&mp4.Vmhd{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}})
	} else {
		bw.leaf(&mp4.Smhd{})
	}
	bw.open(mp4.BoxTypeDinf())
	bw.openBox(&mp4.Dref{EntryCount: 1})
	bw.leaf(&mp4.Url{FullBox: mp4.FullBox{Flags: [3]byte{0, 0, 1}}})
	bw.close()
	bw.close()

	bw.open(mp4.BoxTypeStbl())
	bw.openBox(&mp4.Stsd{EntryCount: 1})
	t.writeSampleEntry(bw)
	bw.close()
	writeSampleTables(bw, t, tm, use64)
	bw.close()

	bw.close() // minf
	bw.close() // mdia
	bw.close() // trak
}

func writeSampleTables(bw *boxWriter, t *track, tm trackTiming, use64 bool) {
	stts := &mp4.Stts{}
	for _, d := range tm.deltas {
		if n := len(stts.Entries); n > 0 && stts.Entries[n-1].SampleDelta == d {
			stts.Entries[n-1].SampleCount++
			continue
		}
		stts.Entries = append(stts.Entries, mp4.SttsEntry{SampleCount: 1, SampleDelta: d})
	}
	stts.EntryCount = uint32(len(stts.Entries))
	bw.leaf(stts)

	if t.kind == kindVideo {
		bw.leaf(&mp4.Stss{EntryCount: uint32(len(t.table.syncs)), SampleNumber: t.table.syncs})
	}

	stsc := &mp4.Stsc{}
	for i, c := range t.table.chunks {
		if n := len(stsc.Entries); n > 0 && stsc.Entries[n-1].SamplesPerChunk == uint32(c.samples) {
			continue
		}
		stsc.Entries = append(stsc.Entries, mp4.StscEntry{
			FirstChunk:             uint32(i + 1),
			SamplesPerChunk:        uint32(c.samples),
			SampleDescriptionIndex: 1,
		})
	}
	stsc.EntryCount = uint32(len(stsc.Entries))
	bw.leaf(stsc)

	stsz := &mp4.Stsz{SampleCount: uint32(len(t.table.sizes))}
	if uniform, ok := uniformSize(t.table.sizes); ok {
		stsz.SampleSize = uniform
	} else {
		stsz.EntrySize = t.table.sizes
	}
	bw.leaf(stsz)

	if use64 {
		co64 := &mp4.Co64{EntryCount: uint32(len(t.table.chunks))}
		for _, c := range t.table.chunks {
			co64.ChunkOffset = append(co64.ChunkOffset, uint64(c.offset))
		}
		bw.leaf(co64)
		return
	}
	stco := &mp4.Stco{EntryCount: uint32(len(t.table.chunks))}
	for _, c := range t.table.chunks {
		stco.ChunkOffset = append(stco.ChunkOffset, uint32(c.offset))
	}
	bw.leaf(stco)
}

func uniformSize(sizes []uint32) (uint32, bool) {
	if len(sizes) == 0 {
		return 0, false
	}
	for _, s := range sizes[1:] {
		if s != sizes[0] {
			return 0, false
		}
	}
	return sizes[0], true
}
