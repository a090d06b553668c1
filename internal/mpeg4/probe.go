package mpeg4

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/abema/go-mp4"

	"github.com/jmylchreest/codecmux/internal/media"
)

// Layout is the structure of an MPEG-4 file as described by its movie box.
type Layout struct {
	MajorBrand string
	MdatOffset int64
	MdatSize   int64
	MoovOffset int64
	MoovSize   int64
	Duration   time.Duration
	Tracks     []TrackLayout
}

// TrackLayout describes one trak box.
type TrackLayout struct {
	ID          uint32
	Handler     string
	SampleEntry string
	Timescale   uint32
	Duration    time.Duration
	EditDelay   time.Duration
	Width       int
	Height      int
	Channels    int
	SampleRate  int

	// SampleTimesUs holds the decode time of every sample on the movie timeline.
	SampleTimesUs []int64
	SampleSizes   []uint32
	// SyncSamples holds one based sample numbers; nil when the track has no stss.
	SyncSamples []uint32
	Chunks      []Chunk
}

// Chunk is one chunk of a track as recorded in stsc and stco.
type Chunk struct {
	Track   int
	Offset  int64
	Samples int
	TimeUs  int64
}

// Chunks returns the chunks of every track in file order.
func (l *Layout) Chunks() []Chunk {
	var all []Chunk
	for _, t := range l.Tracks {
		all = append(all, t.Chunks...)
	}
	slices.SortStableFunc(all, func(a, b Chunk) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})
	return all
}

// Probe reads the layout of an MPEG-4 file.
func Probe(r io.ReadSeeker) (*Layout, error) {
	l := &Layout{}

	ftyp, err := mp4.ExtractBoxWithPayload(r, nil, mp4.BoxPath{mp4.BoxTypeFtyp()})
	if err != nil {
		return nil, fmt.Errorf("mpeg4: reading ftyp: %w", err)
	}
	if len(ftyp) == 0 {
		return nil, fmt.Errorf("mpeg4: no ftyp box: %w", media.ErrUnsupportedFormat)
	}
	if f, ok := ftyp[0].Payload.(*mp4.Ftyp); ok {
		l.MajorBrand = string(f.MajorBrand[:])
	}

	tops, err := mp4.ExtractBoxes(r, nil, []mp4.BoxPath{{mp4.BoxTypeMdat()}, {mp4.BoxTypeMoov()}})
	if err != nil {
		return nil, fmt.Errorf("mpeg4: reading top level boxes: %w", err)
	}
	for _, bi := range tops {
		switch bi.Type {
		case mp4.BoxTypeMdat():
			l.MdatOffset, l.MdatSize = int64(bi.Offset), int64(bi.Size)
		case mp4.BoxTypeMoov():
			l.MoovOffset, l.MoovSize = int64(bi.Offset), int64(bi.Size)
		}
	}
	if l.MoovSize == 0 {
		return nil, fmt.Errorf("mpeg4: no moov box: %w", media.ErrUnsupportedFormat)
	}

	mvhd, err := mp4.ExtractBoxWithPayload(r, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeMvhd()})
	if err != nil {
		return nil, fmt.Errorf("mpeg4: reading mvhd: %w", err)
	}
	if len(mvhd) > 0 {
		if m, ok := mvhd[0].Payload.(*mp4.Mvhd); ok && m.Timescale > 0 {
			l.Duration = time.Duration(ticksToUs(m.GetDuration(), m.Timescale)) * time.Microsecond
		}
	}

	traks, err := mp4.ExtractBox(r, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak()})
	if err != nil {
		return nil, fmt.Errorf("mpeg4: reading traks: %w", err)
	}
	for i, trak := range traks {
		tl, err := probeTrack(r, trak, i)
		if err != nil {
			return nil, err
		}
		l.Tracks = append(l.Tracks, tl)
	}
	return l, nil
}

func probeTrack(r io.ReadSeeker, trak *mp4.BoxInfo, index int) (TrackLayout, error) {
	stbl := mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl()}
	in := func(typ ...mp4.BoxType) mp4.BoxPath {
		return append(slices.Clone(stbl), typ...)
	}
	boxes, err := mp4.ExtractBoxesWithPayload(r, trak, []mp4.BoxPath{
		{mp4.BoxTypeTkhd()},
		{mp4.BoxTypeEdts(), mp4.BoxTypeElst()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMdhd()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeHdlr()},
		in(mp4.BoxTypeStsd(), mp4.BoxTypeAny()),
		in(mp4.BoxTypeStts()),
		in(mp4.BoxTypeStss()),
		in(mp4.BoxTypeStsc()),
		in(mp4.BoxTypeStsz()),
		in(mp4.BoxTypeStco()),
		in(mp4.BoxTypeCo64()),
	})
	if err != nil {
		return TrackLayout{}, fmt.Errorf("mpeg4: reading track %d: %w", index+1, err)
	}

	var (
		tl      TrackLayout
		stts    *mp4.Stts
		stsc    *mp4.Stsc
		stsz    *mp4.Stsz
		offsets []int64
		durTick uint64
	)
	for _, b := range boxes {
		switch p := b.Payload.(type) {
		case *mp4.Tkhd:
			tl.ID = p.TrackID
		case *mp4.Elst:
			if len(p.Entries) > 0 && p.GetMediaTime(0) == -1 {
				tl.EditDelay = time.Duration(p.GetSegmentDuration(0)) * time.Millisecond
			}
		case *mp4.Mdhd:
			tl.Timescale = p.Timescale
			durTick = p.GetDuration()
		case *mp4.Hdlr:
			tl.Handler = string(p.HandlerType[:])
		case *mp4.VisualSampleEntry:
			tl.SampleEntry = b.Info.Type.String()
			tl.Width, tl.Height = int(p.Width), int(p.Height)
		case *mp4.AudioSampleEntry:
			tl.SampleEntry = b.Info.Type.String()
			tl.Channels = int(p.ChannelCount)
			tl.SampleRate = int(p.SampleRate >> 16)
		case *mp4.Stts:
			stts = p
		case *mp4.Stss:
			tl.SyncSamples = slices.Clone(p.SampleNumber)
		case *mp4.Stsc:
			stsc = p
		case *mp4.Stsz:
			stsz = p
		case *mp4.Stco:
			for _, o := range p.ChunkOffset {
				offsets = append(offsets, int64(o))
			}
		case *mp4.Co64:
			for _, o := range p.ChunkOffset {
				offsets = append(offsets, int64(o))
			}
		}
	}
	tl.Duration = time.Duration(ticksToUs(durTick, tl.Timescale)) * time.Microsecond

	delayUs := tl.EditDelay.Microseconds()
	if stts != nil {
		var cum uint64
		for _, e := range stts.Entries {
			for range e.SampleCount {
				tl.SampleTimesUs = append(tl.SampleTimesUs, delayUs+ticksToUs(cum, tl.Timescale))
				cum += uint64(e.SampleDelta)
			}
		}
	}
	if stsz != nil {
		if stsz.SampleSize != 0 {
			for range stsz.SampleCount {
				tl.SampleSizes = append(tl.SampleSizes, stsz.SampleSize)
			}
		} else {
			tl.SampleSizes = slices.Clone(stsz.EntrySize)
		}
	}

	first := 0
	for i, off := range offsets {
		n := samplesInChunk(stsc, uint32(i+1))
		c := Chunk{Track: index, Offset: off, Samples: n}
		if first < len(tl.SampleTimesUs) {
			c.TimeUs = tl.SampleTimesUs[first]
		}
		tl.Chunks = append(tl.Chunks, c)
		first += n
	}
	return tl, nil
}

func samplesInChunk(stsc *mp4.Stsc, chunk uint32) int {
	if stsc == nil {
		return 0
	}
	n := 0
	for _, e := range stsc.Entries {
		if e.FirstChunk > chunk {
			break
		}
		n = int(e.SamplesPerChunk)
	}
	return n
}
