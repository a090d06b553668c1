package mpeg4

import (
	"bytes"
	"testing"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/codecmux/internal/media"
)

func TestSampleEntries(t *testing.T) {
	tests := []struct {
		name       string
		format     *media.Format
		entry      string
		handler    string
		timescale  uint32
		width      int
		height     int
		channels   int
		sampleRate int
		brand      string
	}{
		{
			name:      "avc",
			format:    videoFormat(),
			entry:     "avc1",
			handler:   "vide",
			timescale: 90000,
			width:     320,
			height:    240,
			brand:     "isom",
		},
		{
			name:      "mpeg4 visual",
			format:    &media.Format{MIME: media.MIMEVideoMPEG4, Width: 176, Height: 144, CSD: [][]byte{{0, 0, 1, 0xb0, 0x01}}},
			entry:     "mp4v",
			handler:   "vide",
			timescale: 90000,
			width:     176,
			height:    144,
			brand:     "isom",
		},
		{
			name:       "aac",
			format:     aacFormat(),
			entry:      "mp4a",
			handler:    "soun",
			timescale:  48000,
			channels:   2,
			sampleRate: 48000,
			brand:      "isom",
		},
		{
			name:       "amr narrowband",
			format:     &media.Format{MIME: media.MIMEAudioAMRNB, Channels: 1},
			entry:      "samr",
			handler:    "soun",
			timescale:  8000,
			channels:   1,
			sampleRate: 8000,
			brand:      "3gp4",
		},
		{
			name:       "amr wideband",
			format:     &media.Format{MIME: media.MIMEAudioAMRWB},
			entry:      "sawb",
			handler:    "soun",
			timescale:  16000,
			channels:   1,
			sampleRate: 16000,
			brand:      "3gp4",
		},
		{
			name:       "opus",
			format:     &media.Format{MIME: media.MIMEAudioOpus, Channels: 2, SampleRate: 48000},
			entry:      "Opus",
			handler:    "soun",
			timescale:  48000,
			channels:   2,
			sampleRate: 48000,
			brand:      "isom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource(tt.format, samplesAt("s", 1, evenly(0, 20, 10)...))
			l := probe(t, record(t, DefaultOptions(), src))

			assert.Equal(t, tt.brand, l.MajorBrand)
			require.Len(t, l.Tracks, 1)
			tr := l.Tracks[0]
			assert.Equal(t, tt.entry, tr.SampleEntry)
			assert.Equal(t, tt.handler, tr.Handler)
			assert.Equal(t, tt.timescale, tr.Timescale)
			assert.Equal(t, tt.width, tr.Width)
			assert.Equal(t, tt.height, tr.Height)
			assert.Equal(t, tt.channels, tr.Channels)
			assert.Equal(t, tt.sampleRate, tr.SampleRate)
			assert.Len(t, tr.SampleSizes, 10)
		})
	}
}

func TestSampleEntry_AACConfig(t *testing.T) {
	file := record(t, DefaultOptions(), newFakeSource(aacFormat(), samplesAt("a", 0, evenly(0, 21, 5)...)))

	boxes, err := mp4.ExtractBoxWithPayload(bytes.NewReader(file), nil, mp4.BoxPath{
		mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(),
		mp4.BoxTypeStsd(), mp4.BoxTypeMp4a(), mp4.BoxTypeEsds(),
	})
	require.NoError(t, err)
	require.Len(t, boxes, 1)

	esds := boxes[0].Payload.(*mp4.Esds)
	var dsi []byte
	for _, d := range esds.Descriptors {
		if d.Tag == mp4.DecoderConfigDescrTag {
			assert.Equal(t, uint8(objectTypeAudio), d.DecoderConfigDescriptor.ObjectTypeIndication)
		}
		if d.Tag == mp4.DecSpecificInfoTag {
			dsi = d.Data
		}
	}
	require.NotEmpty(t, dsi)

	var conf mpeg4audio.AudioSpecificConfig
	require.NoError(t, conf.Unmarshal(dsi))
	assert.Equal(t, 48000, conf.SampleRate)
	assert.Equal(t, 2, conf.ChannelCount)
}

func TestAVC_AnnexBConversion(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1e, 0xab, 0x40}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	aud := []byte{0x09, 0xf0}
	idr := []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0x10}
	slice := []byte{0x41, 0x9a, 0x02, 0x11}

	annexB := func(nalus ...[]byte) []byte {
		b, err := h264.AnnexB(nalus).Marshal()
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name    string
		samples []fakeSample
	}{
		{
			name: "codec config buffer",
			samples: []fakeSample{
				{config: true, data: annexB(sps, pps)},
				{timeUs: 0, data: annexB(aud, idr)},
				{timeUs: 33_000, data: annexB(aud, slice)},
			},
		},
		{
			name: "in-band parameter sets",
			samples: []fakeSample{
				{timeUs: 0, data: annexB(aud, sps, pps, idr)},
				{timeUs: 33_000, data: annexB(aud, slice)},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format := &media.Format{MIME: media.MIMEVideoAVC, Width: 640, Height: 360}
			file := record(t, DefaultOptions(), newFakeSource(format, tt.samples))

			l := probe(t, file)
			tr := l.Tracks[0]
			assert.Equal(t, []uint32{uint32(4 + len(idr)), uint32(4 + len(slice))}, tr.SampleSizes)
			assert.Equal(t, []uint32{1}, tr.SyncSamples)

			boxes, err := mp4.ExtractBoxWithPayload(bytes.NewReader(file), nil, mp4.BoxPath{
				mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(),
				mp4.BoxTypeStsd(), mp4.BoxTypeAvc1(), mp4.BoxTypeAvcC(),
			})
			require.NoError(t, err)
			require.Len(t, boxes, 1)
			avcC := boxes[0].Payload.(*mp4.AVCDecoderConfiguration)
			assert.Equal(t, uint8(0x42), avcC.Profile)
			assert.Equal(t, uint8(0x1e), avcC.Level)
			require.Len(t, avcC.SequenceParameterSets, 1)
			assert.Equal(t, sps, avcC.SequenceParameterSets[0].NALUnit)
			require.Len(t, avcC.PictureParameterSets, 1)
			assert.Equal(t, pps, avcC.PictureParameterSets[0].NALUnit)

			first := file[tr.Chunks[0].Offset : tr.Chunks[0].Offset+int64(tr.SampleSizes[0])]
			assert.Equal(t, append([]byte{0, 0, 0, byte(len(idr))}, idr...), first)
		})
	}
}
