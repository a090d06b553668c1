// Package codec provides the codec registry used to map codec names to MIME
// types, pick codec components for a MIME type and resolve per-component quirks.
package codec

import (
	"strings"

	"github.com/jmylchreest/codecmux/internal/media"
)

// Video represents a video codec.
type Video string

// Video codec constants.
const (
	VideoH264  Video = "h264"  // H.264/AVC
	VideoH265  Video = "h265"  // H.265/HEVC
	VideoMPEG4 Video = "mpeg4" // MPEG-4 Part 2
	VideoRaw   Video = "raw"   // Decoded frames
)

// Audio represents an audio codec.
type Audio string

// Audio codec constants.
const (
	AudioAAC   Audio = "aac"    // AAC
	AudioAMRNB Audio = "amr-nb" // AMR narrowband
	AudioAMRWB Audio = "amr-wb" // AMR wideband
	AudioOpus  Audio = "opus"   // Opus
	AudioMP3   Audio = "mp3"    // MP3
	AudioAC3   Audio = "ac3"    // Dolby Digital (AC-3)
	AudioPCM   Audio = "pcm"    // PCM
)

// String returns the string representation of the video codec.
func (v Video) String() string {
	return string(v)
}

// String returns the string representation of the audio codec.
func (a Audio) String() string {
	return string(a)
}

// videoInfo contains metadata about a video codec.
type videoInfo struct {
	Name    Video
	Aliases []string
	MIME    string
	// Whether the MPEG-4 writer can store this codec
	Muxable bool
	// Whether this codec can be demuxed by mediacommon MPEG-TS demuxer
	Demuxable bool
	// MPEG-TS stream type identifier (0 if not supported)
	MPEGTSStreamType uint8
}

// audioInfo contains metadata about an audio codec.
type audioInfo struct {
	Name             Audio
	Aliases          []string
	MIME             string
	Muxable          bool
	Demuxable        bool
	MPEGTSStreamType uint8
	// Mono is set for codecs the writer only accepts with one channel
	Mono bool
}

// MPEG-TS stream type constants.
const (
	StreamTypeH264  uint8 = 0x1B
	StreamTypeH265  uint8 = 0x24
	StreamTypeMPEG4 uint8 = 0x10
	StreamTypeAAC   uint8 = 0x0F
	StreamTypeAC3   uint8 = 0x81
	StreamTypeMP3   uint8 = 0x03
)

var videoRegistry = map[Video]*videoInfo{
	VideoH264: {
		Name:             VideoH264,
		Aliases:          []string{"h264", "avc", "avc1", "h.264", media.MIMEVideoAVC},
		MIME:             media.MIMEVideoAVC,
		Muxable:          true,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeH264,
	},
	VideoH265: {
		Name:             VideoH265,
		Aliases:          []string{"h265", "hevc", "hev1", "hvc1", "h.265", media.MIMEVideoHEVC},
		MIME:             media.MIMEVideoHEVC,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeH265,
	},
	VideoMPEG4: {
		Name:             VideoMPEG4,
		Aliases:          []string{"mpeg4", "mp4v", "m4v", media.MIMEVideoMPEG4},
		MIME:             media.MIMEVideoMPEG4,
		Muxable:          true,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeMPEG4,
	},
	VideoRaw: {
		Name:    VideoRaw,
		Aliases: []string{"raw", "yuv", "rawvideo", media.MIMEVideoRaw},
		MIME:    media.MIMEVideoRaw,
	},
}

var audioRegistry = map[Audio]*audioInfo{
	AudioAAC: {
		Name:             AudioAAC,
		Aliases:          []string{"aac", "mp4a", "aac-lc", media.MIMEAudioAAC},
		MIME:             media.MIMEAudioAAC,
		Muxable:          true,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeAAC,
	},
	AudioAMRNB: {
		Name:    AudioAMRNB,
		Aliases: []string{"amr-nb", "amrnb", "amr", "samr", media.MIMEAudioAMRNB},
		MIME:    media.MIMEAudioAMRNB,
		Muxable: true,
		Mono:    true,
	},
	AudioAMRWB: {
		Name:    AudioAMRWB,
		Aliases: []string{"amr-wb", "amrwb", "sawb", media.MIMEAudioAMRWB},
		MIME:    media.MIMEAudioAMRWB,
		Muxable: true,
		Mono:    true,
	},
	AudioOpus: {
		Name:      AudioOpus,
		Aliases:   []string{"opus", "libopus", media.MIMEAudioOpus},
		MIME:      media.MIMEAudioOpus,
		Muxable:   true,
		Demuxable: true,
	},
	AudioMP3: {
		Name:             AudioMP3,
		Aliases:          []string{"mp3", "mpga", media.MIMEAudioMPEG},
		MIME:             media.MIMEAudioMPEG,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeMP3,
	},
	AudioAC3: {
		Name:             AudioAC3,
		Aliases:          []string{"ac3", "ac-3", "a52", media.MIMEAudioAC3},
		MIME:             media.MIMEAudioAC3,
		Demuxable:        true,
		MPEGTSStreamType: StreamTypeAC3,
	},
	AudioPCM: {
		Name:    AudioPCM,
		Aliases: []string{"pcm", "pcm_s16le", media.MIMEAudioRaw},
		MIME:    media.MIMEAudioRaw,
	},
}

// videoAliasIndex maps all aliases to their canonical codec.
var videoAliasIndex map[string]Video

// audioAliasIndex maps all aliases to their canonical codec.
var audioAliasIndex map[string]Audio

func init() {
	videoAliasIndex = make(map[string]Video)
	for codec, info := range videoRegistry {
		for _, alias := range info.Aliases {
			videoAliasIndex[strings.ToLower(alias)] = codec
		}
	}

	audioAliasIndex = make(map[string]Audio)
	for codec, info := range audioRegistry {
		for _, alias := range info.Aliases {
			audioAliasIndex[strings.ToLower(alias)] = codec
		}
	}
}

// ParseVideo parses a codec name, alias or MIME type to a Video codec.
func ParseVideo(s string) (Video, bool) {
	if s == "" {
		return "", false
	}
	codec, ok := videoAliasIndex[strings.ToLower(strings.TrimSpace(s))]
	return codec, ok
}

// ParseAudio parses a codec name, alias or MIME type to an Audio codec.
func ParseAudio(s string) (Audio, bool) {
	if s == "" {
		return "", false
	}
	codec, ok := audioAliasIndex[strings.ToLower(strings.TrimSpace(s))]
	return codec, ok
}

// MIMEType resolves any codec name or alias to its MIME type.
func MIMEType(name string) (string, bool) {
	if v, ok := ParseVideo(name); ok {
		return videoRegistry[v].MIME, true
	}
	if a, ok := ParseAudio(name); ok {
		return audioRegistry[a].MIME, true
	}
	return "", false
}

// MIME returns the MIME type of the video codec.
func (v Video) MIME() string {
	if info, ok := videoRegistry[v]; ok {
		return info.MIME
	}
	return ""
}

// MIME returns the MIME type of the audio codec.
func (a Audio) MIME() string {
	if info, ok := audioRegistry[a]; ok {
		return info.MIME
	}
	return ""
}

// IsDemuxable returns whether the codec can be demuxed from MPEG-TS.
func (v Video) IsDemuxable() bool {
	if info, ok := videoRegistry[v]; ok {
		return info.Demuxable
	}
	return false
}

// IsDemuxable returns whether the codec can be demuxed from MPEG-TS.
func (a Audio) IsDemuxable() bool {
	if info, ok := audioRegistry[a]; ok {
		return info.Demuxable
	}
	return false
}

// MPEGTSStreamType returns the MPEG-TS stream type, or 0 if unsupported.
func (v Video) MPEGTSStreamType() uint8 {
	if info, ok := videoRegistry[v]; ok {
		return info.MPEGTSStreamType
	}
	return 0
}

// MPEGTSStreamType returns the MPEG-TS stream type, or 0 if unsupported.
func (a Audio) MPEGTSStreamType() uint8 {
	if info, ok := audioRegistry[a]; ok {
		return info.MPEGTSStreamType
	}
	return 0
}

// IsMuxable reports whether the MPEG-4 writer accepts the MIME type.
func IsMuxable(mime string) bool {
	if v, ok := ParseVideo(mime); ok {
		return videoRegistry[v].Muxable
	}
	if a, ok := ParseAudio(mime); ok {
		return audioRegistry[a].Muxable
	}
	return false
}

// RequiresMono reports whether the writer only accepts single channel audio for the MIME type.
func RequiresMono(mime string) bool {
	if a, ok := ParseAudio(mime); ok {
		return audioRegistry[a].Mono
	}
	return false
}

// Match returns true if two codec strings refer to the same codec.
func Match(a, b string) bool {
	if va, ok := ParseVideo(a); ok {
		vb, ok := ParseVideo(b)
		return ok && va == vb
	}
	if aa, ok := ParseAudio(a); ok {
		ab, ok := ParseAudio(b)
		return ok && aa == ab
	}
	return strings.EqualFold(a, b)
}
