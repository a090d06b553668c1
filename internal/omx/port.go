package omx

// Direction of a port.
type Direction int

const (
	DirInput Direction = iota
	DirOutput
)

// VideoPortFormat is the video part of a port definition.
type VideoPortFormat struct {
	Width       int
	Height      int
	Stride      int
	SliceHeight int
	FrameRate   int
	BitRate     int
}

// AudioPortFormat is the audio part of a port definition.
type AudioPortFormat struct {
	SampleRate int
	Channels   int
	BitRate    int
}

// PortDefinition mirrors the component's view of a port.
type PortDefinition struct {
	Index             PortIndex
	Direction         Direction
	BufferCountMin    int
	BufferCountActual int
	BufferSize        int
	Enabled           bool
	Populated         bool
	MIME              string
	Video             VideoPortFormat
	Audio             AudioPortFormat
}
