package codec

import (
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// mediacommonSupportedCodecs tracks which codec types the linked mediacommon
// MPEG-TS reader can decode.
var mediacommonSupportedCodecs = struct {
	H264  bool
	H265  bool
	MPEG4 bool
	AAC   bool
	AC3   bool
	MP3   bool
	Opus  bool
}{}

func init() {
	mediacommonSupportedCodecs.H264 = !isUnsupportedCodec(&mpegts.CodecH264{})
	mediacommonSupportedCodecs.H265 = !isUnsupportedCodec(&mpegts.CodecH265{})
	mediacommonSupportedCodecs.MPEG4 = !isUnsupportedCodec(&mpegts.CodecMPEG4Video{})
	mediacommonSupportedCodecs.AAC = !isUnsupportedCodec(&mpegts.CodecMPEG4Audio{})
	mediacommonSupportedCodecs.AC3 = !isUnsupportedCodec(&mpegts.CodecAC3{})
	mediacommonSupportedCodecs.MP3 = !isUnsupportedCodec(&mpegts.CodecMPEG1Audio{})
	mediacommonSupportedCodecs.Opus = !isUnsupportedCodec(&mpegts.CodecOpus{})

	updateRegistryWithDetectedSupport()
}

// isUnsupportedCodec checks if a codec is the CodecUnsupported sentinel type
func isUnsupportedCodec(c mpegts.Codec) bool {
	_, isUnsupported := c.(*mpegts.CodecUnsupported)
	return isUnsupported
}

func updateRegistryWithDetectedSupport() {
	videoRegistry[VideoH264].Demuxable = mediacommonSupportedCodecs.H264
	videoRegistry[VideoH265].Demuxable = mediacommonSupportedCodecs.H265
	videoRegistry[VideoMPEG4].Demuxable = mediacommonSupportedCodecs.MPEG4

	audioRegistry[AudioAAC].Demuxable = mediacommonSupportedCodecs.AAC
	audioRegistry[AudioAC3].Demuxable = mediacommonSupportedCodecs.AC3
	audioRegistry[AudioMP3].Demuxable = mediacommonSupportedCodecs.MP3
	audioRegistry[AudioOpus].Demuxable = mediacommonSupportedCodecs.Opus
}

// IsMediacommonCodecSupported returns whether mediacommon supports demuxing
// the specified codec.
func IsMediacommonCodecSupported(codecName string) bool {
	if video, ok := ParseVideo(codecName); ok {
		switch video {
		case VideoH264:
			return mediacommonSupportedCodecs.H264
		case VideoH265:
			return mediacommonSupportedCodecs.H265
		case VideoMPEG4:
			return mediacommonSupportedCodecs.MPEG4
		}
	}

	if audio, ok := ParseAudio(codecName); ok {
		switch audio {
		case AudioAAC:
			return mediacommonSupportedCodecs.AAC
		case AudioAC3:
			return mediacommonSupportedCodecs.AC3
		case AudioMP3:
			return mediacommonSupportedCodecs.MP3
		case AudioOpus:
			return mediacommonSupportedCodecs.Opus
		}
	}

	return false
}
