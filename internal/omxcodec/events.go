package omxcodec

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/observability"
	"github.com/jmylchreest/codecmux/internal/omx"
)

// messageQueue is an unbounded single consumer queue of component callbacks.
type messageQueue struct {
	mu    sync.Mutex
	msgs  []omx.Message
	ready chan struct{}
}

func (q *messageQueue) push(msg omx.Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *messageQueue) drain() []omx.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.msgs
	q.msgs = nil
	return msgs
}

func (c *Codec) dispatch() {
	defer close(c.dispatchDone)
	for {
		select {
		case <-c.stopDispatch:
			return
		case <-c.queue.ready:
		}

		msgs := c.queue.drain()
		c.mu.Lock()
		for _, msg := range msgs {
			c.onMessageLocked(msg)
		}
		c.mu.Unlock()
	}
}

func (c *Codec) unexpectedLocked(kind, reason string, attrs ...any) {
	c.stats.Unexpected++
	observability.IncCodecUnexpectedCallback(c.name, kind)
	attrs = append(attrs,
		slog.String("callback", kind),
		slog.String("state", c.state.String()))
	c.logger.Warn(reason, attrs...)
}

func (c *Codec) onMessageLocked(msg omx.Message) {
	if c.state == StateDead {
		return
	}
	switch msg.Type {
	case omx.MessageEvent:
		c.onEventLocked(msg.Event, msg.Data1, msg.Data2)
	case omx.MessageEmptyBufferDone:
		c.onEmptyBufferDoneLocked(msg.Buffer)
	case omx.MessageFillBufferDone:
		c.onFillBufferDoneLocked(msg)
	default:
		c.unexpectedLocked(msg.Type.String(), "unknown message type")
	}
}

func (c *Codec) onEventLocked(event omx.EventType, data1, data2 uint32) {
	switch event {
	case omx.EventCmdComplete:
		c.onCmdCompleteLocked(omx.Command(data1), data2)
	case omx.EventError:
		code := omx.ErrorCode(data1)
		c.failLocked(omx.NewError("event", code))
	case omx.EventPortSettingsChanged:
		c.onPortSettingsChangedLocked(omx.PortIndex(data1))
	case omx.EventBufferFlag:
		c.logger.Debug("buffer flag", slog.String("port", omx.PortIndex(data1).String()), slog.Uint64("flags", uint64(data2)))
	default:
		c.unexpectedLocked(event.String(), "unknown event")
	}
}

func (c *Codec) onCmdCompleteLocked(cmd omx.Command, data uint32) {
	switch cmd {
	case omx.CommandStateSet:
		c.onStateChangeLocked(omx.State(data))
	case omx.CommandFlush:
		c.onFlushCompleteLocked(omx.PortIndex(data))
	case omx.CommandPortDisable:
		c.onPortDisableCompleteLocked(omx.PortIndex(data))
	case omx.CommandPortEnable:
		c.onPortEnableCompleteLocked(omx.PortIndex(data))
	default:
		c.unexpectedLocked(cmd.String(), "unknown command completed")
	}
}

func (c *Codec) onStateChangeLocked(s omx.State) {
	switch {
	case s == omx.StateIdle && c.state == StateLoadedToIdle:
		c.setStateLocked(StateIdleToExecuting)
		if err := c.comp.SendCommand(omx.CommandStateSet, uint32(omx.StateExecuting)); err != nil {
			c.failLocked(fmt.Errorf("request executing: %w", err))
		}

	case s == omx.StateIdle && c.state == StateExecutingToIdle:
		c.setStateLocked(StateIdleToLoaded)
		if err := c.comp.SendCommand(omx.CommandStateSet, uint32(omx.StateLoaded)); err != nil {
			c.failLocked(fmt.Errorf("request loaded: %w", err))
			return
		}
		c.freeAllBuffersLocked()

	case s == omx.StateExecuting && c.state == StateIdleToExecuting:
		c.setStateLocked(StateExecuting)
		if c.pendingPortSettingsChange {
			c.pendingPortSettingsChange = false
			c.onPortSettingsChangedLocked(omx.PortOutput)
		}

	case s == omx.StateLoaded && c.state == StateIdleToLoaded:
		for _, p := range c.ports {
			p.Status = PortEnabled
		}
		c.setStateLocked(StateLoaded)

	default:
		c.unexpectedLocked("state_set", "unexpected state change", slog.String("component_state", s.String()))
	}
}

func (c *Codec) onFlushCompleteLocked(index omx.PortIndex) {
	if index != omx.PortInput && index != omx.PortOutput {
		c.unexpectedLocked("flush", "flush completed on unknown port", slog.String("port", index.String()))
		return
	}
	if !c.flushing[index] {
		c.unexpectedLocked("flush", "flush completed without a request", slog.String("port", index.String()))
		return
	}
	c.flushing[index] = false
	c.logger.Debug("port flushed", slog.String("port", index.String()))
	if n := c.ports[index].count(OwnedByComponent); n > 0 {
		c.logger.Warn("component kept buffers across a flush",
			slog.String("port", index.String()), slog.Int("buffers", n))
	}

	switch c.state {
	case StateReconfiguring:
		c.disablePortLocked(index)

	case StateExecutingToIdle:
		if !c.flushing[omx.PortInput] && !c.flushing[omx.PortOutput] {
			if err := c.comp.SendCommand(omx.CommandStateSet, uint32(omx.StateIdle)); err != nil {
				c.failLocked(fmt.Errorf("request idle: %w", err))
			}
		}

	case StateExecuting:
		c.ports[index].Status = PortEnabled
		if c.flushing[omx.PortInput] || c.flushing[omx.PortOutput] {
			return
		}
		c.drainInputBuffersLocked()
		c.fillOutputBuffersLocked()
		c.broadcastLocked()
		if c.pendingPortSettingsChange {
			c.pendingPortSettingsChange = false
			c.onPortSettingsChangedLocked(omx.PortOutput)
		}

	default:
		c.broadcastLocked()
	}
}

func (c *Codec) onPortSettingsChangedLocked(index omx.PortIndex) {
	if index != omx.PortOutput {
		c.unexpectedLocked("port_settings_changed", "settings change on non-output port", slog.String("port", index.String()))
		return
	}
	if c.state != StateExecuting || c.flushing[omx.PortInput] || c.flushing[omx.PortOutput] {
		c.logger.Debug("deferring output reconfiguration", slog.String("state", c.state.String()))
		c.pendingPortSettingsChange = true
		return
	}

	c.logger.Info("output port settings changed")
	c.setStateLocked(StateReconfiguring)
	if c.quirks.NeedsFlushBeforeDisable {
		if !c.flushPortLocked(index) {
			c.onFlushCompleteLocked(index)
		}
		return
	}
	c.disablePortLocked(index)
}

// disablePortLocked starts disabling a port and frees every buffer that is not
// held by the component. The rest are freed as they come back.
func (c *Codec) disablePortLocked(index omx.PortIndex) {
	p := c.ports[index]
	p.Status = PortDisabling
	if err := c.comp.SendCommand(omx.CommandPortDisable, uint32(index)); err != nil {
		c.failLocked(fmt.Errorf("disable %s port: %w", index, err))
		return
	}

	if index == omx.PortOutput {
		c.orphanFilledLocked()
	}
	for _, info := range append([]*BufferInfo(nil), p.Buffers...) {
		if info.Status == OwnedByComponent {
			continue
		}
		if err := c.freeBufferLocked(p, info); err != nil {
			c.failLocked(err)
			return
		}
	}
}

// orphanFilledLocked copies decoded but undelivered output so it survives the
// port buffers being freed.
func (c *Codec) orphanFilledLocked() {
	for _, info := range c.filled {
		info.filled = false
		mb := media.NewBuffer(append([]byte(nil), info.Data[info.rangeOffset:info.rangeOffset+info.rangeLength]...))
		mb.TimeUs = info.timeUs
		mb.DecodeTimeUs = info.timeUs
		mb.Flags = mediaFlags(info.flags)
		c.orphans = append(c.orphans, mb)
	}
	c.filled = nil
}

func (c *Codec) onPortDisableCompleteLocked(index omx.PortIndex) {
	if index != omx.PortInput && index != omx.PortOutput {
		c.unexpectedLocked("port_disable", "disable completed on unknown port")
		return
	}
	p := c.ports[index]
	if p.Status != PortDisabling {
		c.unexpectedLocked("port_disable", "disable completed without a request", slog.String("port", index.String()))
		return
	}
	if len(p.Buffers) != 0 {
		c.failLocked(fmt.Errorf("%s port disabled with %d buffers allocated: %w", index, len(p.Buffers), media.ErrInvalidState))
		return
	}
	p.Status = PortDisabled
	c.logger.Debug("port disabled", slog.String("port", index.String()))

	if c.state != StateReconfiguring {
		return
	}

	def, err := c.comp.GetParameter(index)
	if err != nil {
		c.failLocked(fmt.Errorf("get %s port: %w", index, err))
		return
	}
	if index == omx.PortOutput {
		c.initOutputFormatLocked(def)
	}

	p.Status = PortEnabling
	if err := c.comp.SendCommand(omx.CommandPortEnable, uint32(index)); err != nil {
		c.failLocked(fmt.Errorf("enable %s port: %w", index, err))
		return
	}
	if err := c.allocateBuffersLocked(index); err != nil {
		c.failLocked(err)
	}
}

func (c *Codec) onPortEnableCompleteLocked(index omx.PortIndex) {
	if index != omx.PortInput && index != omx.PortOutput {
		c.unexpectedLocked("port_enable", "enable completed on unknown port")
		return
	}
	p := c.ports[index]
	if p.Status != PortEnabling {
		c.unexpectedLocked("port_enable", "enable completed without a request", slog.String("port", index.String()))
		return
	}
	p.Status = PortEnabled
	c.logger.Debug("port enabled", slog.String("port", index.String()), slog.Int("buffers", len(p.Buffers)))

	if c.state != StateReconfiguring {
		return
	}
	c.setStateLocked(StateExecuting)
	if index == omx.PortOutput {
		c.outputPortSettingsChanged = true
		c.fillOutputBuffersLocked()
	}
	c.broadcastLocked()
}

func (c *Codec) onEmptyBufferDoneLocked(id omx.BufferID) {
	p := c.ports[omx.PortInput]
	info := p.find(id)
	if info == nil {
		c.unexpectedLocked("empty_buffer_done", "callback for unknown buffer", slog.String("buffer", id.String()))
		return
	}
	if info.Status != OwnedByComponent {
		c.unexpectedLocked("empty_buffer_done", "callback for buffer not held by the component",
			slog.String("buffer", id.String()), slog.String("owner", info.Status.String()))
		return
	}
	info.Status = OwnedByUs

	switch {
	case p.Status == PortDisabling:
		if err := c.freeBufferLocked(p, info); err != nil {
			c.failLocked(err)
		}
	case p.Status == PortEnabled && (c.state == StateExecuting || c.state == StateReconfiguring):
		c.drainInputBufferLocked(info)
	}
	c.broadcastLocked()
}

func (c *Codec) onFillBufferDoneLocked(msg omx.Message) {
	p := c.ports[omx.PortOutput]
	info := p.find(msg.Buffer)
	if info == nil {
		c.unexpectedLocked("fill_buffer_done", "callback for unknown buffer", slog.String("buffer", msg.Buffer.String()))
		return
	}
	if info.Status != OwnedByComponent {
		c.unexpectedLocked("fill_buffer_done", "callback for buffer not held by the component",
			slog.String("buffer", msg.Buffer.String()), slog.String("owner", info.Status.String()))
		return
	}
	info.Status = OwnedByUs
	defer c.broadcastLocked()

	if p.Status == PortDisabling {
		if err := c.freeBufferLocked(p, info); err != nil {
			c.failLocked(err)
		}
		return
	}
	if p.Status != PortEnabled || (c.state != StateExecuting && c.state != StateReconfiguring) {
		return
	}
	if msg.RangeOffset < 0 || msg.RangeLength < 0 || msg.RangeOffset+msg.RangeLength > len(info.Data) {
		c.unexpectedLocked("fill_buffer_done", "range outside buffer",
			slog.Int("offset", msg.RangeOffset), slog.Int("length", msg.RangeLength))
		c.refillLocked(info)
		return
	}

	eos := msg.Flags&omx.FlagEOS != 0
	if eos {
		c.logger.Debug("output reached end of stream")
		c.noMoreOutputData = true
		if c.finalStatus == nil {
			c.finalStatus = media.ErrEndOfStream
		}
	}

	if c.encoder && msg.Flags&omx.FlagCodecConfig != 0 && msg.RangeLength > 0 {
		csd := append([]byte(nil), info.Data[msg.RangeOffset:msg.RangeOffset+msg.RangeLength]...)
		c.outputFormat.CSD = append(c.outputFormat.CSD, csd)
		c.logger.Debug("captured codec config", slog.Int("size", len(csd)))
		c.refillLocked(info)
		return
	}

	if msg.RangeLength == 0 {
		c.refillLocked(info)
		return
	}
	if c.targetTimeUs >= 0 {
		if msg.TimestampUs < c.targetTimeUs && !eos {
			c.refillLocked(info)
			return
		}
		c.targetTimeUs = -1
	}

	info.filled = true
	info.rangeOffset = msg.RangeOffset
	info.rangeLength = msg.RangeLength
	info.flags = msg.Flags
	info.timeUs = msg.TimestampUs
	c.filled = append(c.filled, info)
}

func (c *Codec) refillLocked(info *BufferInfo) {
	if c.noMoreOutputData {
		return
	}
	if err := c.fillOutputBufferLocked(info); err != nil {
		c.logger.Debug("output buffer not refilled", slog.String("error", err.Error()))
	}
}

func mediaFlags(flags omx.BufferFlags) media.BufferFlags {
	var out media.BufferFlags
	if flags&omx.FlagSyncFrame != 0 {
		out |= media.FlagSync
	}
	if flags&omx.FlagCodecConfig != 0 {
		out |= media.FlagCodecConfig
	}
	return out
}
