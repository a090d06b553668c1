package media

import (
	"fmt"
	"strings"
)

// MIME types understood by the codec registry and the writer.
const (
	MIMEVideoAVC   = "video/avc"
	MIMEVideoHEVC  = "video/hevc"
	MIMEVideoMPEG4 = "video/mp4v-es"
	MIMEVideoRaw   = "video/raw"
	MIMEAudioAAC   = "audio/mp4a-latm"
	MIMEAudioAMRNB = "audio/3gpp"
	MIMEAudioAMRWB = "audio/amr-wb"
	MIMEAudioOpus  = "audio/opus"
	MIMEAudioMPEG  = "audio/mpeg"
	MIMEAudioAC3   = "audio/ac3"
	MIMEAudioRaw   = "audio/raw"
)

// Format describes an elementary stream.
type Format struct {
	MIME string

	// Video
	Width     int
	Height    int
	FrameRate int

	// Audio
	SampleRate int
	Channels   int

	BitRate      int
	DurationUs   int64
	MaxInputSize int

	// CSD holds codec specific data in submission order: SPS then PPS for AVC,
	// the AudioSpecificConfig for AAC, the identification header for Opus.
	CSD [][]byte
}

// IsVideo reports whether the format carries video.
func (f *Format) IsVideo() bool {
	return f != nil && strings.HasPrefix(f.MIME, "video/")
}

// IsAudio reports whether the format carries audio.
func (f *Format) IsAudio() bool {
	return f != nil && strings.HasPrefix(f.MIME, "audio/")
}

// Clone returns a deep copy of f.
func (f *Format) Clone() *Format {
	if f == nil {
		return nil
	}
	c := *f
	if f.CSD != nil {
		c.CSD = make([][]byte, len(f.CSD))
		for i, csd := range f.CSD {
			c.CSD[i] = append([]byte(nil), csd...)
		}
	}
	return &c
}

func (f *Format) String() string {
	if f == nil {
		return "<nil>"
	}
	switch {
	case f.IsVideo():
		return fmt.Sprintf("%s %dx%d", f.MIME, f.Width, f.Height)
	case f.IsAudio():
		return fmt.Sprintf("%s %dHz/%dch", f.MIME, f.SampleRate, f.Channels)
	default:
		return f.MIME
	}
}
