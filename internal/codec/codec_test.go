package codec

import (
	"testing"

	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/stretchr/testify/assert"
)

func TestParseVideo(t *testing.T) {
	tests := []struct {
		input    string
		expected Video
		ok       bool
	}{
		{"h264", VideoH264, true},
		{"avc", VideoH264, true},
		{"avc1", VideoH264, true},
		{"video/avc", VideoH264, true},
		{"hevc", VideoH265, true},
		{"mp4v", VideoMPEG4, true},
		{"video/mp4v-es", VideoMPEG4, true},
		{"H264", VideoH264, true},
		{"  AVC ", VideoH264, true},
		{"", "", false},
		{"invalid", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseVideo(tt.input)
			if ok != tt.ok {
				t.Errorf("ParseVideo(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if got != tt.expected {
				t.Errorf("ParseVideo(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseAudio(t *testing.T) {
	tests := []struct {
		input    string
		expected Audio
		ok       bool
	}{
		{"aac", AudioAAC, true},
		{"mp4a", AudioAAC, true},
		{"audio/mp4a-latm", AudioAAC, true},
		{"amr", AudioAMRNB, true},
		{"audio/3gpp", AudioAMRNB, true},
		{"sawb", AudioAMRWB, true},
		{"libopus", AudioOpus, true},
		{"a52", AudioAC3, true},
		{"", "", false},
		{"h264", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseAudio(tt.input)
			if ok != tt.ok {
				t.Errorf("ParseAudio(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if got != tt.expected {
				t.Errorf("ParseAudio(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestMIMEType(t *testing.T) {
	mime, ok := MIMEType("h264")
	assert.True(t, ok)
	assert.Equal(t, media.MIMEVideoAVC, mime)

	mime, ok = MIMEType("opus")
	assert.True(t, ok)
	assert.Equal(t, media.MIMEAudioOpus, mime)

	_, ok = MIMEType("nope")
	assert.False(t, ok)

	assert.Equal(t, media.MIMEAudioAMRWB, AudioAMRWB.MIME())
	assert.Equal(t, "", Video("bogus").MIME())
}

func TestIsMuxable(t *testing.T) {
	assert.True(t, IsMuxable(media.MIMEVideoAVC))
	assert.True(t, IsMuxable(media.MIMEVideoMPEG4))
	assert.True(t, IsMuxable(media.MIMEAudioAAC))
	assert.True(t, IsMuxable(media.MIMEAudioAMRNB))
	assert.True(t, IsMuxable(media.MIMEAudioOpus))
	assert.False(t, IsMuxable(media.MIMEVideoHEVC))
	assert.False(t, IsMuxable(media.MIMEAudioAC3))
	assert.False(t, IsMuxable("application/octet-stream"))

	assert.True(t, RequiresMono(media.MIMEAudioAMRNB))
	assert.True(t, RequiresMono("amr-wb"))
	assert.False(t, RequiresMono(media.MIMEAudioAAC))
}

func TestMatch(t *testing.T) {
	assert.True(t, Match("avc", "video/avc"))
	assert.True(t, Match("mp4a", "AAC"))
	assert.False(t, Match("avc", "aac"))
	assert.True(t, Match("Unknown", "unknown"))
}

func TestMatchingComponents(t *testing.T) {
	decoders := MatchingComponents("h264", false)
	assert.Equal(t, []string{
		"OMX.TI.Video.Decoder",
		"OMX.qcom.video.decoder.avc",
		"OMX.codecmux.avc.decoder",
	}, decoders)

	encoders := MatchingComponents(media.MIMEAudioAAC, true)
	assert.Equal(t, []string{"OMX.codecmux.aac.encoder"}, encoders)

	assert.Empty(t, MatchingComponents("video/vp9", false))
}

func TestQuirksFor(t *testing.T) {
	q := QuirksFor("OMX.TI.AAC.decode")
	assert.True(t, q.NeedsFlushBeforeDisable)
	assert.True(t, q.RequiresFlushCompleteEmulation)
	assert.True(t, q.SupportsMultipleFramesPerInputBuffer)

	assert.Equal(t, Quirks{RequiresFlushBeforeShutdown: true}, QuirksFor("OMX.SEC.avc.dec"))
	assert.Equal(t, Quirks{}, QuirksFor("OMX.codecmux.avc.decoder"))
	assert.Equal(t, Quirks{}, QuirksFor("unknown"))

	assert.True(t, IsSoftwareComponent("OMX.codecmux.aac.decoder"))
	assert.False(t, IsSoftwareComponent("OMX.TI.AAC.decode"))
}
