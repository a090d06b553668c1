package omxcodec

import (
	"fmt"
	"log/slog"

	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/omx"
)

// NativeWindow is a display surface that owns the decoder output buffers.
type NativeWindow interface {
	// SetBufferCount sizes the window's buffer pool to count buffers of at
	// least size bytes.
	SetBufferCount(count, size int) error
	// MinUndequeuedBuffers is the number of buffers the window keeps for display.
	MinUndequeuedBuffers() int
	DequeueBuffer() (*omx.GraphicBuffer, error)
	// QueueBuffer hands a rendered buffer to the display.
	QueueBuffer(gb *omx.GraphicBuffer) error
	// CancelBuffer returns a buffer to the window without displaying it.
	CancelBuffer(gb *omx.GraphicBuffer) error
}

// allocateNativeWindowBuffersLocked registers window buffers with the output
// port. The last MinUndequeuedBuffers of them go straight back to the window.
func (c *Codec) allocateNativeWindowBuffersLocked() error {
	def, err := c.comp.GetParameter(omx.PortOutput)
	if err != nil {
		return fmt.Errorf("get output port: %w: %w", media.ErrAllocation, err)
	}

	minUndequeued := c.window.MinUndequeuedBuffers()
	def.BufferCountActual = def.BufferCountMin + minUndequeued
	if err := c.comp.SetParameter(def); err != nil {
		return fmt.Errorf("set output buffer count %d: %w: %w", def.BufferCountActual, media.ErrAllocation, err)
	}
	if err := c.window.SetBufferCount(def.BufferCountActual, def.BufferSize); err != nil {
		return fmt.Errorf("native window buffer count %d: %w: %w", def.BufferCountActual, media.ErrAllocation, err)
	}

	p := c.ports[omx.PortOutput]
	for i := 0; i < def.BufferCountActual; i++ {
		gb, err := c.window.DequeueBuffer()
		if err != nil {
			return fmt.Errorf("dequeue native window buffer: %w: %w", media.ErrAllocation, err)
		}
		id, err := c.comp.UseGraphicBuffer(omx.PortOutput, gb)
		if err != nil {
			_ = c.window.CancelBuffer(gb)
			return fmt.Errorf("register native window buffer: %w: %w", media.ErrAllocation, err)
		}
		p.Buffers = append(p.Buffers, &BufferInfo{
			ID:      id,
			Status:  OwnedByUs,
			Data:    gb.Data,
			Size:    len(gb.Data),
			graphic: gb,
		})
	}

	for _, info := range p.Buffers[len(p.Buffers)-minUndequeued:] {
		if err := c.window.CancelBuffer(info.graphic); err != nil {
			return fmt.Errorf("cancel native window buffer: %w: %w", media.ErrAllocation, err)
		}
		info.Status = OwnedByNativeWindow
	}

	c.logger.Debug("allocated native window buffers",
		slog.Int("count", def.BufferCountActual),
		slog.Int("min_undequeued", minUndequeued))
	return nil
}

// returnToNativeWindowLocked queues or cancels a returned buffer, then
// dequeues a replacement for the component.
func (c *Codec) returnToNativeWindowLocked(info *BufferInfo, rendered bool) {
	p := c.ports[omx.PortOutput]
	defer c.broadcastLocked()

	if p.Status == PortDisabling {
		if err := c.freeBufferLocked(p, info); err != nil {
			c.failLocked(err)
		}
		return
	}

	var err error
	if rendered {
		err = c.window.QueueBuffer(info.graphic)
	} else {
		err = c.window.CancelBuffer(info.graphic)
	}
	if err != nil {
		c.logger.Warn("returning buffer to native window failed",
			slog.Bool("rendered", rendered), slog.String("error", err.Error()))
		c.refillLocked(info)
		return
	}
	info.Status = OwnedByNativeWindow

	if p.Status != PortEnabled || (c.state != StateExecuting && c.state != StateReconfiguring) || c.noMoreOutputData {
		return
	}
	next, err := c.dequeueBufferLocked()
	if err != nil {
		c.logger.Warn("dequeue from native window failed", slog.String("error", err.Error()))
		return
	}
	c.refillLocked(next)
}

// dequeueBufferLocked takes a buffer back from the window.
func (c *Codec) dequeueBufferLocked() (*BufferInfo, error) {
	gb, err := c.window.DequeueBuffer()
	if err != nil {
		return nil, err
	}
	for _, info := range c.ports[omx.PortOutput].Buffers {
		if info.graphic == nil || info.graphic.Handle != gb.Handle {
			continue
		}
		if info.Status != OwnedByNativeWindow {
			return nil, fmt.Errorf("dequeued buffer %d owned by %s: %w", gb.Handle, info.Status, media.ErrInvalidOperation)
		}
		info.Status = OwnedByUs
		return info, nil
	}
	_ = c.window.CancelBuffer(gb)
	return nil, fmt.Errorf("dequeued unknown buffer %d: %w", gb.Handle, media.ErrInvalidOperation)
}
