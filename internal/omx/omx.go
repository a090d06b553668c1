// Package omx defines the asynchronous codec component contract driven by the
// codec state machine. Components are black boxes: commands and buffers go in
// through Component, completions come back through Observer on the component's
// own goroutine.
package omx

import "fmt"

// State is the component's own lifecycle state.
type State int

const (
	StateInvalid State = iota
	StateLoaded
	StateIdle
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	default:
		return "invalid"
	}
}

// Command is sent with Component.SendCommand.
type Command int

const (
	CommandStateSet Command = iota
	CommandFlush
	CommandPortDisable
	CommandPortEnable
)

func (c Command) String() string {
	switch c {
	case CommandStateSet:
		return "state_set"
	case CommandFlush:
		return "flush"
	case CommandPortDisable:
		return "port_disable"
	case CommandPortEnable:
		return "port_enable"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// PortIndex selects a port.
type PortIndex uint32

const (
	PortInput  PortIndex = 0
	PortOutput PortIndex = 1
	PortAll    PortIndex = 0xFFFFFFFF
)

func (p PortIndex) String() string {
	switch p {
	case PortInput:
		return "input"
	case PortOutput:
		return "output"
	case PortAll:
		return "all"
	default:
		return fmt.Sprintf("port(%d)", uint32(p))
	}
}

// EventType classifies MessageEvent messages.
type EventType int

const (
	// EventCmdComplete: Data1 is the Command, Data2 the state or port it applied to.
	EventCmdComplete EventType = iota
	// EventError: Data1 is the ErrorCode.
	EventError
	// EventPortSettingsChanged: Data1 is the port whose definition changed.
	EventPortSettingsChanged
	// EventBufferFlag: Data1 is the port, Data2 the flags.
	EventBufferFlag
)

func (e EventType) String() string {
	switch e {
	case EventCmdComplete:
		return "cmd_complete"
	case EventError:
		return "error"
	case EventPortSettingsChanged:
		return "port_settings_changed"
	case EventBufferFlag:
		return "buffer_flag"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// BufferFlags travel with EmptyBuffer and FillBufferDone.
type BufferFlags uint32

const (
	FlagEOS BufferFlags = 1 << iota
	FlagSyncFrame
	FlagCodecConfig
	FlagEndOfFrame
)

// MessageType classifies callbacks.
type MessageType int

const (
	MessageEvent MessageType = iota
	MessageEmptyBufferDone
	MessageFillBufferDone
)

func (m MessageType) String() string {
	switch m {
	case MessageEvent:
		return "event"
	case MessageEmptyBufferDone:
		return "empty_buffer_done"
	case MessageFillBufferDone:
		return "fill_buffer_done"
	default:
		return fmt.Sprintf("message(%d)", int(m))
	}
}

// Message is a single callback from a component.
type Message struct {
	Type MessageType

	Event EventType
	Data1 uint32
	Data2 uint32

	Buffer      BufferID
	RangeOffset int
	RangeLength int
	Flags       BufferFlags
	TimestampUs int64
}

// EventMessage builds a MessageEvent.
func EventMessage(event EventType, data1, data2 uint32) Message {
	return Message{Type: MessageEvent, Event: event, Data1: data1, Data2: data2}
}

// Observer receives component callbacks. Implementations must not block.
type Observer interface {
	OnMessage(msg Message)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Message)

// OnMessage calls f.
func (f ObserverFunc) OnMessage(msg Message) { f(msg) }

// GraphicBuffer is a display buffer owned by a native window.
type GraphicBuffer struct {
	Handle uint64
	Data   []byte
}

// Component is an OMX-like codec component.
type Component interface {
	Name() string
	SendCommand(cmd Command, param uint32) error
	GetParameter(port PortIndex) (PortDefinition, error)
	SetParameter(def PortDefinition) error
	UseBuffer(port PortIndex, data []byte) (BufferID, error)
	UseGraphicBuffer(port PortIndex, gb *GraphicBuffer) (BufferID, error)
	AllocateBuffer(port PortIndex, size int) (BufferID, []byte, error)
	FreeBuffer(port PortIndex, id BufferID) error
	EmptyBuffer(id BufferID, offset, length int, flags BufferFlags, timestampUs int64) error
	FillBuffer(id BufferID) error
	Close() error
}

// Factory instantiates components by name.
type Factory interface {
	Open(name string, observer Observer) (Component, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(name string, observer Observer) (Component, error)

// Open calls f.
func (f FactoryFunc) Open(name string, observer Observer) (Component, error) {
	return f(name, observer)
}
