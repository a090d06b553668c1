package codec

import (
	"strings"

	"github.com/jmylchreest/codecmux/internal/media"
)

// Quirks lists the deviations of a codec component from the nominal protocol.
// They are resolved once per component and never change afterwards.
type Quirks struct {
	// Input buffers must come from AllocateBuffer instead of UseBuffer.
	RequiresAllocateBufferOnInputPorts bool
	// Output buffers must come from AllocateBuffer instead of UseBuffer.
	RequiresAllocateBufferOnOutputPorts bool
	// The output port must be flushed before it can be disabled.
	NeedsFlushBeforeDisable bool
	// The component never reports flush completion for ports it holds no buffers on.
	RequiresFlushCompleteEmulation bool
	// Both ports must be flushed before the executing to idle transition.
	RequiresFlushBeforeShutdown bool
	// Several encoded frames may be packed into one input buffer.
	SupportsMultipleFramesPerInputBuffer bool
	// The decoder reports the wrong channel count; trust the input format.
	DecoderLiesAboutNumberOfChannels bool
}

type componentInfo struct {
	Name    string
	MIME    string
	Encoder bool
	Quirks  Quirks
}

// componentTable lists components in preference order. Vendor entries come
// first; the software components of this module close every list.
var componentTable = []componentInfo{
	{Name: "OMX.TI.Video.Decoder", MIME: media.MIMEVideoAVC,
		Quirks: Quirks{NeedsFlushBeforeDisable: true, RequiresFlushCompleteEmulation: true, RequiresAllocateBufferOnOutputPorts: true}},
	{Name: "OMX.qcom.video.decoder.avc", MIME: media.MIMEVideoAVC,
		Quirks: Quirks{RequiresAllocateBufferOnOutputPorts: true}},
	{Name: "OMX.codecmux.avc.decoder", MIME: media.MIMEVideoAVC},
	{Name: "OMX.qcom.video.decoder.mpeg4", MIME: media.MIMEVideoMPEG4,
		Quirks: Quirks{RequiresAllocateBufferOnOutputPorts: true}},
	{Name: "OMX.codecmux.mpeg4.decoder", MIME: media.MIMEVideoMPEG4},
	{Name: "OMX.TI.AAC.decode", MIME: media.MIMEAudioAAC,
		Quirks: Quirks{NeedsFlushBeforeDisable: true, RequiresFlushCompleteEmulation: true, SupportsMultipleFramesPerInputBuffer: true}},
	{Name: "OMX.codecmux.aac.decoder", MIME: media.MIMEAudioAAC},
	{Name: "OMX.TI.MP3.decode", MIME: media.MIMEAudioMPEG,
		Quirks: Quirks{NeedsFlushBeforeDisable: true, DecoderLiesAboutNumberOfChannels: true}},
	{Name: "OMX.codecmux.mp3.decoder", MIME: media.MIMEAudioMPEG},
	{Name: "OMX.codecmux.amrnb.decoder", MIME: media.MIMEAudioAMRNB},
	{Name: "OMX.codecmux.amrwb.decoder", MIME: media.MIMEAudioAMRWB},
	{Name: "OMX.codecmux.opus.decoder", MIME: media.MIMEAudioOpus},

	{Name: "OMX.qcom.video.encoder.avc", MIME: media.MIMEVideoAVC, Encoder: true,
		Quirks: Quirks{RequiresAllocateBufferOnInputPorts: true, RequiresAllocateBufferOnOutputPorts: true}},
	{Name: "OMX.TI.Video.encoder", MIME: media.MIMEVideoAVC, Encoder: true,
		Quirks: Quirks{RequiresAllocateBufferOnInputPorts: true, RequiresAllocateBufferOnOutputPorts: true, RequiresFlushBeforeShutdown: true}},
	{Name: "OMX.codecmux.avc.encoder", MIME: media.MIMEVideoAVC, Encoder: true},
	{Name: "OMX.codecmux.mpeg4.encoder", MIME: media.MIMEVideoMPEG4, Encoder: true},
	{Name: "OMX.codecmux.aac.encoder", MIME: media.MIMEAudioAAC, Encoder: true},
	{Name: "OMX.codecmux.amrnb.encoder", MIME: media.MIMEAudioAMRNB, Encoder: true},
	{Name: "OMX.codecmux.amrwb.encoder", MIME: media.MIMEAudioAMRWB, Encoder: true},
	{Name: "OMX.codecmux.opus.encoder", MIME: media.MIMEAudioOpus, Encoder: true},
}

// quirkFamilies apply to every component whose name starts with the prefix
// and has no exact table entry.
var quirkFamilies = []struct {
	Prefix string
	Quirks Quirks
}{
	{Prefix: "OMX.SEC.", Quirks: Quirks{RequiresFlushBeforeShutdown: true}},
	{Prefix: "OMX.TI.", Quirks: Quirks{RequiresAllocateBufferOnOutputPorts: true}},
	{Prefix: "OMX.qcom.", Quirks: Quirks{RequiresAllocateBufferOnOutputPorts: true}},
}

// MatchingComponents returns the component names able to handle mime, in
// preference order. mime may be any alias known to the registry.
func MatchingComponents(mime string, encoder bool) []string {
	if resolved, ok := MIMEType(mime); ok {
		mime = resolved
	}
	var names []string
	for _, c := range componentTable {
		if c.Encoder == encoder && c.MIME == mime {
			names = append(names, c.Name)
		}
	}
	return names
}

// QuirksFor resolves the quirks of a component by name.
func QuirksFor(name string) Quirks {
	for _, c := range componentTable {
		if c.Name == name {
			return c.Quirks
		}
	}
	for _, f := range quirkFamilies {
		if strings.HasPrefix(name, f.Prefix) {
			return f.Quirks
		}
	}
	return Quirks{}
}

// IsSoftwareComponent reports whether name belongs to this module's software components.
func IsSoftwareComponent(name string) bool {
	return strings.HasPrefix(name, SoftwareComponentPrefix)
}

// SoftwareComponentPrefix prefixes the names of the built-in software components.
const SoftwareComponentPrefix = "OMX.codecmux."
