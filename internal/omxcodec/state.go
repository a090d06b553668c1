package omxcodec

import (
	"fmt"

	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/omx"
)

// State is the client visible state of a Codec.
type State int

const (
	StateDead State = iota
	StateLoaded
	StateLoadedToIdle
	StateIdleToExecuting
	StateExecuting
	StateExecutingToIdle
	StateIdleToLoaded
	StateReconfiguring
	StateError
)

func (s State) String() string {
	switch s {
	case StateDead:
		return "DEAD"
	case StateLoaded:
		return "LOADED"
	case StateLoadedToIdle:
		return "LOADED_TO_IDLE"
	case StateIdleToExecuting:
		return "IDLE_TO_EXECUTING"
	case StateExecuting:
		return "EXECUTING"
	case StateExecutingToIdle:
		return "EXECUTING_TO_IDLE"
	case StateIdleToLoaded:
		return "IDLE_TO_LOADED"
	case StateReconfiguring:
		return "RECONFIGURING"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PortStatus is the status of one port as seen by the codec.
type PortStatus int

const (
	PortEnabled PortStatus = iota
	PortDisabling
	PortDisabled
	PortEnabling
	PortShuttingDown
)

func (s PortStatus) String() string {
	switch s {
	case PortEnabled:
		return "ENABLED"
	case PortDisabling:
		return "DISABLING"
	case PortDisabled:
		return "DISABLED"
	case PortEnabling:
		return "ENABLING"
	case PortShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return fmt.Sprintf("PortStatus(%d)", int(s))
	}
}

// BufferStatus names the current owner of a buffer.
type BufferStatus int

const (
	OwnedByUs BufferStatus = iota
	OwnedByComponent
	OwnedByNativeWindow
	OwnedByClient
)

func (s BufferStatus) String() string {
	switch s {
	case OwnedByUs:
		return "OWNED_BY_US"
	case OwnedByComponent:
		return "OWNED_BY_COMPONENT"
	case OwnedByNativeWindow:
		return "OWNED_BY_NATIVE_WINDOW"
	case OwnedByClient:
		return "OWNED_BY_CLIENT"
	default:
		return fmt.Sprintf("BufferStatus(%d)", int(s))
	}
}

// BufferInfo is the bookkeeping record of one port buffer.
type BufferInfo struct {
	ID     omx.BufferID
	Status BufferStatus
	Data   []byte
	Size   int

	graphic *omx.GraphicBuffer
	client  *media.Buffer

	// filled marks an output buffer waiting in the delivery queue.
	filled      bool
	rangeOffset int
	rangeLength int
	flags       omx.BufferFlags
	timeUs      int64
}

// Port is one side of the component.
type Port struct {
	Index   omx.PortIndex
	Status  PortStatus
	Buffers []*BufferInfo
}

func (p *Port) find(id omx.BufferID) *BufferInfo {
	for _, info := range p.Buffers {
		if info.ID == id {
			return info
		}
	}
	return nil
}

func (p *Port) count(status BufferStatus) int {
	n := 0
	for _, info := range p.Buffers {
		if info.Status == status {
			n++
		}
	}
	return n
}

func (p *Port) remove(info *BufferInfo) {
	for i, b := range p.Buffers {
		if b == info {
			p.Buffers = append(p.Buffers[:i], p.Buffers[i+1:]...)
			return
		}
	}
}

// BufferSnapshot is a point in time view of one buffer.
type BufferSnapshot struct {
	Port   omx.PortIndex
	ID     omx.BufferID
	Status BufferStatus
}

// Stats summarises the buffer accounting of a codec.
type Stats struct {
	// Reclaimed counts buffers taken back from the component or the client
	// during teardown instead of being returned normally.
	Reclaimed int
	// Unexpected counts ignored component callbacks.
	Unexpected int
	// Teardown is the buffer view taken right before the last teardown freed
	// the port buffers.
	Teardown []BufferSnapshot
}
