package mpeg4

import (
	"encoding/binary"

	"github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/jmylchreest/codecmux/internal/media"
)

func boxTypeSamr() mp4.BoxType { return mp4.StrToBoxType("samr") }
func boxTypeSawb() mp4.BoxType { return mp4.StrToBoxType("sawb") }
func boxTypeDamr() mp4.BoxType { return mp4.StrToBoxType("damr") }

func init() {
	mp4.AddAnyTypeBoxDef(&mp4.AudioSampleEntry{}, boxTypeSamr())
	mp4.AddAnyTypeBoxDef(&mp4.AudioSampleEntry{}, boxTypeSawb())
	mp4.AddBoxDef(&amrSpecificBox{})
}

// amrSpecificBox is the 3GPP AMR decoder configuration (damr).
type amrSpecificBox struct {
	mp4.Box
	Vendor           [4]byte `mp4:"0,size=8,string"`
	DecoderVersion   uint8   `mp4:"1,size=8"`
	ModeSet          uint16  `mp4:"2,size=16"`
	ModeChangePeriod uint8   `mp4:"3,size=8"`
	FramesPerSample  uint8   `mp4:"4,size=8"`
}

func (*amrSpecificBox) GetType() mp4.BoxType {
	return boxTypeDamr()
}

// MPEG-4 systems object type indications and stream types.
const (
	objectTypeVisual = 0x20
	objectTypeAudio  = 0x40
	streamTypeVisual = 0x04
	streamTypeAudio  = 0x05
)

func (t *track) writeSampleEntry(bw *boxWriter) {
	switch t.mime {
	case media.MIMEVideoAVC:
		bw.openBox(t.visualEntry(mp4.BoxTypeAvc1()))
		bw.leaf(t.avcConfig())
		bw.close()
	case media.MIMEVideoMPEG4:
		bw.openBox(t.visualEntry(mp4.BoxTypeMp4v()))
		bw.leaf(esds(objectTypeVisual, streamTypeVisual, t.firstCSD(), t.format.BitRate))
		bw.close()
	case media.MIMEAudioAAC:
		bw.openBox(t.audioEntry(mp4.BoxTypeMp4a(), uint16(max(t.format.Channels, 1)), t.timescale))
		bw.leaf(esds(objectTypeAudio, streamTypeAudio, t.audioSpecificConfig(), t.format.BitRate))
		bw.close()
	case media.MIMEAudioAMRNB, media.MIMEAudioAMRWB:
		typ, modes := boxTypeSamr(), uint16(0x81ff)
		if t.mime == media.MIMEAudioAMRWB {
			typ, modes = boxTypeSawb(), 0x83ff
		}
		bw.openBox(t.audioEntry(typ, 1, t.timescale))
		bw.leaf(&amrSpecificBox{Vendor: brandOf("cmux"), ModeSet: modes, FramesPerSample: 1})
		bw.close()
	case media.MIMEAudioOpus:
		channels := uint8(max(t.format.Channels, 1))
		bw.openBox(t.audioEntry(mp4.BoxTypeOpus(), uint16(channels), 48000))
		bw.leaf(t.opusConfig(channels))
		bw.close()
	}
}

func (t *track) firstCSD() []byte {
	if len(t.csd) == 0 {
		return nil
	}
	return t.csd[0]
}

func (t *track) visualEntry(typ mp4.BoxType) *mp4.VisualSampleEntry {
	width, height := t.dimensions()
	return &mp4.VisualSampleEntry{
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox:         mp4.AnyTypeBox{Type: typ},
			DataReferenceIndex: 1,
		},
		Width:           uint16(width),
		Height:          uint16(height),
		Horizresolution: 0x00480000,
		Vertresolution:  0x00480000,
		FrameCount:      1,
		Depth:           0x0018,
		PreDefined3:     -1,
	}
}

func (t *track) audioEntry(typ mp4.BoxType, channels uint16, rate uint32) *mp4.AudioSampleEntry {
	return &mp4.AudioSampleEntry{
		SampleEntry: mp4.SampleEntry{
			AnyTypeBox:         mp4.AnyTypeBox{Type: typ},
			DataReferenceIndex: 1,
		},
		ChannelCount: channels,
		SampleSize:   16,
		SampleRate:   rate << 16,
	}
}

// dimensions returns the configured size, falling back to the SPS for AVC.
func (t *track) dimensions() (int, int) {
	if t.format.Width > 0 && t.format.Height > 0 {
		return t.format.Width, t.format.Height
	}
	if sps := t.parameterSets(h264.NALUTypeSPS); len(sps) > 0 {
		var parsed h264.SPS
		if err := parsed.Unmarshal(sps[0]); err == nil {
			return parsed.Width(), parsed.Height()
		}
	}
	return t.format.Width, t.format.Height
}

func (t *track) parameterSets(typ h264.NALUType) [][]byte {
	if t.mime != media.MIMEVideoAVC {
		return nil
	}
	var out [][]byte
	for _, c := range t.csd {
		if len(c) > 0 && h264.NALUType(c[0]&0x1F) == typ {
			out = append(out, c)
		}
	}
	return out
}

func (t *track) avcConfig() *mp4.AVCDecoderConfiguration {
	cfg := &mp4.AVCDecoderConfiguration{
		AnyTypeBox:           mp4.AnyTypeBox{Type: mp4.BoxTypeAvcC()},
		ConfigurationVersion: 1,
		LengthSizeMinusOne:   3,
	}
	sps := t.parameterSets(h264.NALUTypeSPS)
	if len(sps) > 0 && len(sps[0]) >= 4 {
		cfg.Profile = sps[0][1]
		cfg.ProfileCompatibility = sps[0][2]
		cfg.Level = sps[0][3]
	}
	for _, s := range sps {
		cfg.SequenceParameterSets = append(cfg.SequenceParameterSets, mp4.AVCParameterSet{Length: uint16(len(s)), NALUnit: s})
	}
	for _, p := range t.parameterSets(h264.NALUTypePPS) {
		cfg.PictureParameterSets = append(cfg.PictureParameterSets, mp4.AVCParameterSet{Length: uint16(len(p)), NALUnit: p})
	}
	cfg.NumOfSequenceParameterSets = uint8(len(cfg.SequenceParameterSets))
	cfg.NumOfPictureParameterSets = uint8(len(cfg.PictureParameterSets))
	return cfg
}

// audioSpecificConfig returns the AAC configuration from the codec specific
// data, or one derived from the format.
func (t *track) audioSpecificConfig() []byte {
	if csd := t.firstCSD(); len(csd) > 0 {
		var conf mpeg4audio.AudioSpecificConfig
		if err := conf.Unmarshal(csd); err == nil {
			return csd
		}
	}
	conf := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   int(t.timescale),
		ChannelCount: max(t.format.Channels, 1),
	}
	b, err := conf.Marshal()
	if err != nil {
		t.logger.Warn("cannot derive AAC configuration")
		return nil
	}
	return b
}

// opusConfig reads the pre-skip and input rate from an OpusHead when present.
func (t *track) opusConfig(channels uint8) *mp4.DOps {
	ops := &mp4.DOps{
		OutputChannelCount: channels,
		PreSkip:            312,
		InputSampleRate:    uint32(max(t.format.SampleRate, 0)),
	}
	if head := t.firstCSD(); len(head) >= 19 && string(head[:8]) == "OpusHead" {
		ops.PreSkip = binary.LittleEndian.Uint16(head[10:12])
		ops.InputSampleRate = binary.LittleEndian.Uint32(head[12:16])
	}
	if ops.InputSampleRate == 0 {
		ops.InputSampleRate = 48000
	}
	return ops
}

// esds builds an ES descriptor box with 4 byte descriptor sizes.
func esds(oti byte, streamType int8, dsi []byte, bitRate int) *mp4.Esds {
	const header = 5
	decoderConfigSize := 13
	if len(dsi) > 0 {
		decoderConfigSize += header + len(dsi)
	}
	descriptors := []mp4.Descriptor{
		{
			Tag:          mp4.ESDescrTag,
			Size:         uint32(3 + header + decoderConfigSize + header + 1),
			ESDescriptor: &mp4.ESDescriptor{},
		},
		{
			Tag:  mp4.DecoderConfigDescrTag,
			Size: uint32(decoderConfigSize),
			DecoderConfigDescriptor: &mp4.DecoderConfigDescriptor{
				ObjectTypeIndication: oti,
				StreamType:           streamType,
				Reserved:             true,
				MaxBitrate:           uint32(max(bitRate, 0)),
				AvgBitrate:           uint32(max(bitRate, 0)),
			},
		},
	}
	if len(dsi) > 0 {
		descriptors = append(descriptors, mp4.Descriptor{Tag: mp4.DecSpecificInfoTag, Size: uint32(len(dsi)), Data: dsi})
	}
	descriptors = append(descriptors, mp4.Descriptor{Tag: mp4.SLConfigDescrTag, Size: 1, Data: []byte{0x02}})
	return &mp4.Esds{Descriptors: descriptors}
}
