package soft

import (
	"log/slog"

	"github.com/jmylchreest/codecmux/internal/omx"
)

func emptyDone(id omx.BufferID) omx.Message {
	return omx.Message{Type: omx.MessageEmptyBufferDone, Buffer: id}
}

func fillDone(id omx.BufferID, length int, flags omx.BufferFlags, ts int64) omx.Message {
	return omx.Message{
		Type:        omx.MessageFillBufferDone,
		Buffer:      id,
		RangeLength: length,
		Flags:       flags,
		TimestampUs: ts,
	}
}

func cmdComplete(cmd omx.Command, data uint32) omx.Message {
	return omx.EventMessage(omx.EventCmdComplete, uint32(cmd), data)
}

// step advances pending commands and moves data, returning the callbacks to
// deliver once the lock is released.
func (c *Component) step() []omx.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	var out []omx.Message
	for i := range c.ports {
		out = c.stepPort(omx.PortIndex(i), out)
	}
	out = c.stepTransition(out)
	out = c.process(out)
	return out
}

// returnQueued hands back every buffer the port holds.
func (c *Component) returnQueued(index omx.PortIndex, out []omx.Message) []omx.Message {
	p := c.ports[index]
	for len(p.queue) > 0 {
		id, _ := p.pop()
		if index == omx.PortInput {
			out = append(out, emptyDone(id))
		} else {
			out = append(out, fillDone(id, 0, 0, 0))
		}
	}
	return out
}

func (c *Component) stepPort(index omx.PortIndex, out []omx.Message) []omx.Message {
	p := c.ports[index]
	if p.flushPending {
		out = c.returnQueued(index, out)
		p.flushPending = false
		out = append(out, cmdComplete(omx.CommandFlush, uint32(index)))
	}
	if p.disablePending {
		if !p.disableReturned {
			out = c.returnQueued(index, out)
			p.disableReturned = true
		}
		if p.buffers.Len() == 0 {
			p.def.Enabled = false
			p.disablePending = false
			out = append(out, cmdComplete(omx.CommandPortDisable, uint32(index)))
		}
	}
	if p.enablePending && p.buffers.Len() >= p.def.BufferCountActual {
		p.def.Enabled = true
		p.enablePending = false
		if index == omx.PortOutput {
			c.awaitingReconfig = false
		}
		out = append(out, cmdComplete(omx.CommandPortEnable, uint32(index)))
	}
	return out
}

func (c *Component) populated() bool {
	for _, p := range c.ports {
		if p.def.Enabled && p.buffers.Len() < p.def.BufferCountActual {
			return false
		}
	}
	return true
}

func (c *Component) stepTransition(out []omx.Message) []omx.Message {
	if !c.transitioning {
		return out
	}
	switch {
	case c.state == omx.StateLoaded && c.target == omx.StateIdle:
		if !c.populated() {
			return out
		}
	case c.state == omx.StateExecuting && c.target == omx.StateIdle:
		out = c.returnQueued(omx.PortInput, out)
		out = c.returnQueued(omx.PortOutput, out)
	case c.state == omx.StateIdle && c.target == omx.StateLoaded:
		for _, p := range c.ports {
			if p.buffers.Len() > 0 {
				return out
			}
		}
	}
	c.logger.Debug("state transition complete",
		slog.String("from", c.state.String()),
		slog.String("to", c.target.String()))
	c.state = c.target
	c.transitioning = false
	if c.state != omx.StateExecuting {
		c.configSent = false
	}
	return append(out, cmdComplete(omx.CommandStateSet, uint32(c.state)))
}

func (c *Component) blocked() bool {
	if c.state != omx.StateExecuting || c.transitioning || c.awaitingReconfig {
		return true
	}
	for _, p := range c.ports {
		if !p.def.Enabled || p.flushPending || p.disablePending || p.enablePending {
			return true
		}
	}
	return false
}

func (c *Component) process(out []omx.Message) []omx.Message {
	in, op := c.ports[omx.PortInput], c.ports[omx.PortOutput]
	for !c.blocked() {
		if c.encoder && len(c.opts.CodecConfig) > 0 && !c.configSent {
			if len(op.queue) == 0 {
				return out
			}
			id, ob := op.pop()
			n := copy(ob.data, c.opts.CodecConfig)
			c.configSent = true
			out = append(out, fillDone(id, n, omx.FlagCodecConfig|omx.FlagEndOfFrame, 0))
			continue
		}
		if len(in.queue) == 0 {
			return out
		}

		ib, _ := in.buffers.Get(in.queue[0])
		if ib.flags&omx.FlagCodecConfig != 0 && ib.flags&omx.FlagEOS == 0 {
			id, _ := in.pop()
			c.csd = append(c.csd, append([]byte(nil), ib.data[ib.offset:ib.offset+ib.length]...))
			out = append(out, emptyDone(id))
			continue
		}

		if c.opts.ReconfigureAfter > 0 && !c.reconfigured && c.framesOut >= c.opts.ReconfigureAfter {
			c.reconfigured = true
			c.awaitingReconfig = true
			if c.opts.ReconfiguredBufferSize > 0 {
				op.def.BufferSize = c.opts.ReconfiguredBufferSize
			}
			if c.opts.ReconfiguredWidth > 0 {
				op.def.Video.Width = c.opts.ReconfiguredWidth
				op.def.Video.Height = c.opts.ReconfiguredHeight
			}
			c.logger.Debug("output port settings changed",
				slog.Int("buffer_size", op.def.BufferSize),
				slog.Int("width", op.def.Video.Width),
				slog.Int("height", op.def.Video.Height))
			return append(out, omx.EventMessage(omx.EventPortSettingsChanged, uint32(omx.PortOutput), 0))
		}

		if len(op.queue) == 0 {
			return out
		}
		inID, ib := in.pop()
		outID, ob := op.pop()

		payload := ib.data[ib.offset : ib.offset+ib.length]
		if len(payload) > len(ob.data) {
			c.logger.Warn("output buffer too small",
				slog.Int("frame_size", len(payload)),
				slog.Int("buffer_size", len(ob.data)))
			out = append(out,
				emptyDone(inID),
				fillDone(outID, 0, 0, ib.ts),
				omx.EventMessage(omx.EventError, uint32(omx.ErrorInsufficientResources), 0))
			continue
		}
		n := copy(ob.data, payload)
		flags := ib.flags&(omx.FlagSyncFrame|omx.FlagEOS) | omx.FlagEndOfFrame
		out = append(out, emptyDone(inID), fillDone(outID, n, flags, ib.ts))
		if flags&omx.FlagEOS != 0 {
			out = append(out, omx.EventMessage(omx.EventBufferFlag, uint32(omx.PortOutput), uint32(omx.FlagEOS)))
		}
		if n > 0 {
			c.framesOut++
		}
	}
	return out
}
