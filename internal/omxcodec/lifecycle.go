package omxcodec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/observability"
	"github.com/jmylchreest/codecmux/internal/omx"
)

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Start allocates the port buffers and moves the component to executing. It
// blocks until the component confirmed every transition.
func (c *Codec) Start(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "omxcodec.Start", attribute.String("component", c.name))
	defer func() { endSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateLoaded {
		return fmt.Errorf("start in state %s: %w", c.state, media.ErrInvalidState)
	}

	c.newSourceContext()
	if !c.sourceStarted {
		if err := c.source.Start(ctx); err != nil {
			return fmt.Errorf("starting source: %w", err)
		}
		c.sourceStarted = true
	}

	c.resetStreamLocked()
	for _, p := range c.ports {
		p.Status = PortEnabled
	}

	c.setStateLocked(StateLoadedToIdle)
	if err := c.comp.SendCommand(omx.CommandStateSet, uint32(omx.StateIdle)); err != nil {
		err = fmt.Errorf("request idle: %w", err)
		c.failLocked(err)
		return err
	}
	for _, index := range []omx.PortIndex{omx.PortInput, omx.PortOutput} {
		if err := c.allocateBuffersLocked(index); err != nil {
			c.failLocked(err)
			return err
		}
	}

	if err := c.waitForStateLocked(ctx, StateExecuting); err != nil {
		err = fmt.Errorf("starting %s: %w", c.name, err)
		c.failLocked(err)
		return err
	}
	c.logger.Info("codec started")
	return nil
}

func (c *Codec) resetStreamLocked() {
	c.csdIndex = 0
	c.initialBufferSubmit = true
	c.signalledEOS = false
	c.pendingSourceErr = nil
	c.noMoreOutputData = false
	c.finalStatus = nil
	c.outputPortSettingsChanged = false
	c.pendingPortSettingsChange = false
	c.filled = nil
	c.orphans = nil
	c.paused = false
	c.seeking = false
	c.targetTimeUs = -1
	c.flushing = [2]bool{}
}

// waitForStateLocked waits until the codec reaches target. Reaching
// StateError ends the wait with the failure.
func (c *Codec) waitForStateLocked(ctx context.Context, target State) error {
	timer, stop := newTimer(c.stateTimeout)
	defer stop()

	for c.state != target {
		if c.state == StateError {
			return c.failureLocked("waiting for " + target.String())
		}
		if err := c.waitLocked(ctx, timer); err != nil {
			return fmt.Errorf("waiting for %s in %s: %w", target, c.state, err)
		}
	}
	return nil
}

// Stop returns the component to loaded and releases every port buffer. It is
// safe to call in any state and more than once. Reads blocked in another
// goroutine return media.ErrStopped.
func (c *Codec) Stop(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "omxcodec.Stop", attribute.String("component", c.name))
	defer func() { endSpan(span, err) }()

	c.cancelSourceReads()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Codec) stopLocked(ctx context.Context) error {
	timer, stopTimer := newTimer(c.stateTimeout)
	defer stopTimer()

	var stopErr error

	// Let a start, a reconfiguration or a seek settle first.
	for c.state == StateLoadedToIdle || c.state == StateIdleToExecuting || c.state == StateReconfiguring ||
		(c.state == StateExecuting && (c.flushing[omx.PortInput] || c.flushing[omx.PortOutput])) {
		if c.state == StateReconfiguring {
			c.reclaimClientBuffersLocked(omx.PortOutput)
		}
		if err := c.waitLocked(ctx, timer); err != nil {
			stopErr = fmt.Errorf("settling %s before stop: %w", c.state, err)
			c.failLocked(stopErr)
		}
	}

	switch c.state {
	case StateDead:
		return nil
	case StateLoaded:
		c.releaseSourceLocked(ctx)
		return nil
	case StateExecuting:
		c.initiateShutdownLocked()
	}

	for c.state != StateLoaded && c.state != StateError && c.state != StateDead {
		if err := c.waitLocked(ctx, timer); err != nil {
			stopErr = fmt.Errorf("stopping %s: %w", c.name, err)
			c.failLocked(stopErr)
		}
	}

	if c.state == StateError {
		c.freeAllBuffersLocked()
	}
	c.releaseSourceLocked(ctx)
	if stopErr == nil {
		c.logger.Info("codec stopped", slog.String("state", c.state.String()))
	}
	return stopErr
}

func (c *Codec) initiateShutdownLocked() {
	c.setStateLocked(StateExecutingToIdle)
	c.reclaimClientBuffersLocked(omx.PortOutput)
	for _, info := range c.filled {
		info.filled = false
	}
	c.filled = nil
	c.orphans = nil

	if c.quirks.RequiresFlushBeforeShutdown {
		emulated := [2]bool{!c.flushPortLocked(omx.PortInput), !c.flushPortLocked(omx.PortOutput)}
		for i, e := range emulated {
			if e {
				c.onFlushCompleteLocked(omx.PortIndex(i))
			}
		}
		return
	}

	for _, p := range c.ports {
		p.Status = PortShuttingDown
	}
	if err := c.comp.SendCommand(omx.CommandStateSet, uint32(omx.StateIdle)); err != nil {
		c.failLocked(fmt.Errorf("request idle: %w", err))
	}
}

// reclaimClientBuffersLocked takes back output buffers the client still holds.
// Their Release becomes a no-op.
func (c *Codec) reclaimClientBuffersLocked(index omx.PortIndex) {
	p := c.ports[index]
	n := 0
	for _, info := range p.Buffers {
		if info.Status != OwnedByClient {
			continue
		}
		info.client.Detach()
		info.client = nil
		info.Status = OwnedByUs
		n++
		if p.Status == PortDisabling {
			if err := c.freeBufferLocked(p, info); err != nil {
				c.failLocked(err)
			}
		}
	}
	if n > 0 {
		c.logger.Warn("reclaimed buffers held by the client", slog.Int("buffers", n))
		c.stats.Reclaimed += n
		observability.AddCodecBuffersReclaimed(c.name, n)
	}
}

func (c *Codec) releaseSourceLocked(ctx context.Context) {
	if c.leftOver != nil {
		c.leftOver.Release()
		c.leftOver = nil
	}
	if !c.sourceStarted {
		return
	}
	c.sourceStarted = false
	if err := c.source.Stop(ctx); err != nil {
		c.logger.Warn("stopping source failed", slog.String("error", err.Error()))
	}
}

// Pause suspends reading from the source. The component state is unchanged;
// a Read issued while paused fails with media.ErrInvalidOperation.
func (c *Codec) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateExecuting && c.state != StateReconfiguring {
		return fmt.Errorf("pause in state %s: %w", c.state, media.ErrInvalidState)
	}
	c.paused = true
	c.broadcastLocked()
	return nil
}

// Resume undoes Pause.
func (c *Codec) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateExecuting && c.state != StateReconfiguring {
		return fmt.Errorf("resume in state %s: %w", c.state, media.ErrInvalidState)
	}
	if !c.paused {
		return nil
	}
	c.paused = false
	if !c.initialBufferSubmit {
		c.drainInputBuffersLocked()
		c.fillOutputBuffersLocked()
	}
	c.broadcastLocked()
	return nil
}

// Close stops the codec, closes the component and moves to StateDead.
func (c *Codec) Close(ctx context.Context) error {
	stopErr := c.Stop(ctx)

	c.mu.Lock()
	if c.state == StateDead {
		c.mu.Unlock()
		return stopErr
	}
	c.setStateLocked(StateDead)
	c.mu.Unlock()

	c.cancelSourceReads()
	closeErr := c.comp.Close()
	close(c.stopDispatch)
	<-c.dispatchDone

	c.logger.Debug("codec closed")
	return errors.Join(stopErr, closeErr)
}

// allocateBuffersLocked registers the buffers of a port with the component.
func (c *Codec) allocateBuffersLocked(index omx.PortIndex) error {
	if index == omx.PortOutput && c.window != nil && !c.encoder {
		return c.allocateNativeWindowBuffersLocked()
	}

	def, err := c.comp.GetParameter(index)
	if err != nil {
		return fmt.Errorf("get %s port: %w: %w", index, media.ErrAllocation, err)
	}

	allocate := c.quirks.RequiresAllocateBufferOnInputPorts
	if index == omx.PortOutput {
		allocate = c.quirks.RequiresAllocateBufferOnOutputPorts
	}

	p := c.ports[index]
	for i := 0; i < def.BufferCountActual; i++ {
		var (
			id   omx.BufferID
			data []byte
		)
		if allocate {
			id, data, err = c.comp.AllocateBuffer(index, def.BufferSize)
		} else {
			data = make([]byte, def.BufferSize)
			id, err = c.comp.UseBuffer(index, data)
		}
		if err != nil {
			return fmt.Errorf("%s buffer %d of %d: %w: %w", index, i+1, def.BufferCountActual, media.ErrAllocation, err)
		}
		p.Buffers = append(p.Buffers, &BufferInfo{ID: id, Status: OwnedByUs, Data: data, Size: len(data)})
	}

	c.logger.Debug("allocated port buffers",
		slog.String("port", index.String()),
		slog.Int("count", def.BufferCountActual),
		slog.Int("size", def.BufferSize),
		slog.Bool("component_allocated", allocate))
	return nil
}

// freeBufferLocked unregisters one buffer and forgets it.
func (c *Codec) freeBufferLocked(p *Port, info *BufferInfo) error {
	switch info.Status {
	case OwnedByClient:
		info.client.Detach()
		info.client = nil
	case OwnedByUs:
		if info.graphic != nil {
			if err := c.window.CancelBuffer(info.graphic); err != nil {
				c.logger.Warn("cancel to native window failed", slog.String("error", err.Error()))
			}
		}
	}

	p.remove(info)
	if err := c.comp.FreeBuffer(p.Index, info.ID); err != nil {
		return fmt.Errorf("free %s buffer %s: %w", p.Index, info.ID, err)
	}
	return nil
}

// freeAllBuffersLocked frees every buffer on both ports, reclaiming the ones
// still held by the component or the client.
func (c *Codec) freeAllBuffersLocked() {
	if snap := c.snapshotLocked(); len(snap) > 0 {
		c.stats.Teardown = snap
	}

	n := 0
	for _, p := range c.ports {
		for _, info := range append([]*BufferInfo(nil), p.Buffers...) {
			if info.Status == OwnedByComponent || info.Status == OwnedByClient {
				n++
			}
			if err := c.freeBufferLocked(p, info); err != nil {
				c.logger.Warn("freeing buffer failed", slog.String("error", err.Error()))
			}
		}
	}
	for _, info := range c.filled {
		info.filled = false
	}
	c.filled = nil

	if n > 0 {
		c.logger.Warn("reclaimed buffers during teardown", slog.Int("buffers", n))
		c.stats.Reclaimed += n
		observability.AddCodecBuffersReclaimed(c.name, n)
	}
}

// flushPortLocked asks the component to flush a port. It returns false when
// the flush completion has to be emulated by the caller.
func (c *Codec) flushPortLocked(index omx.PortIndex) bool {
	c.ports[index].Status = PortShuttingDown
	c.flushing[index] = true

	if c.quirks.RequiresFlushCompleteEmulation && c.ports[index].count(OwnedByComponent) == 0 {
		c.logger.Debug("emulating flush completion", slog.String("port", index.String()))
		return false
	}
	if err := c.comp.SendCommand(omx.CommandFlush, uint32(index)); err != nil {
		c.failLocked(fmt.Errorf("flush %s port: %w", index, err))
	}
	return true
}
