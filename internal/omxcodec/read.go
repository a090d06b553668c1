package omxcodec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/observability"
	"github.com/jmylchreest/codecmux/internal/omx"
)

// Read returns the next output buffer. The first call submits the initial
// input and output buffers. A seek in opts flushes both ports and restarts
// decoding at the requested position.
//
// Read returns media.ErrFormatChanged once after the output port was
// reconfigured, media.ErrEndOfStream after the last output buffer, and
// media.ErrStopped when a concurrent Stop ends the wait. The returned buffer
// must be released; its memory goes back to the component afterwards.
func (c *Codec) Read(ctx context.Context, opts *media.ReadOptions) (*media.Buffer, error) {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateExecuting, StateReconfiguring:
	case StateError:
		return nil, c.failureLocked("read")
	default:
		return nil, fmt.Errorf("read in state %s: %w", c.state, media.ErrInvalidState)
	}
	if c.paused {
		return nil, fmt.Errorf("read while paused: %w", media.ErrInvalidOperation)
	}

	seekTimeUs, seekMode, seeking := opts.Seek()
	if c.initialBufferSubmit {
		c.initialBufferSubmit = false
		if seeking {
			c.requestSeekLocked(seekTimeUs, seekMode)
		}
		c.drainInputBuffersLocked()
		if c.state == StateExecuting {
			c.fillOutputBuffersLocked()
		}
	} else if seeking {
		if err := c.seekLocked(ctx, seekTimeUs, seekMode); err != nil {
			return nil, err
		}
	}

	timer, stop := newTimer(c.readTimeout)
	defer stop()

	for {
		switch c.state {
		case StateExecuting, StateReconfiguring:
		case StateError:
			return nil, c.failureLocked("read")
		default:
			return nil, fmt.Errorf("read interrupted in state %s: %w", c.state, media.ErrStopped)
		}

		if !c.paused {
			if len(c.orphans) > 0 {
				mb := c.orphans[0]
				c.orphans = c.orphans[1:]
				return mb, nil
			}
			if c.outputPortSettingsChanged {
				c.outputPortSettingsChanged = false
				return nil, media.ErrFormatChanged
			}
			if len(c.filled) > 0 {
				break
			}
			if c.noMoreOutputData {
				return nil, c.finalStatus
			}
		}

		if err := c.waitLocked(ctx, timer); err != nil {
			if errors.Is(err, media.ErrTimedOut) {
				return nil, fmt.Errorf("waiting for output of %s: %w", c.name, err)
			}
			return nil, err
		}
	}

	info := c.filled[0]
	c.filled = c.filled[1:]
	info.filled = false
	info.Status = OwnedByClient

	mb := media.NewBufferWithReturn(info.Data, c.returnHook(info))
	if err := mb.SetRange(info.rangeOffset, info.rangeLength); err != nil {
		return nil, err
	}
	mb.TimeUs = info.timeUs
	mb.DecodeTimeUs = info.timeUs
	mb.Flags = mediaFlags(info.flags)
	info.client = mb

	observability.ObserveCodecRead(c.name, time.Since(start))
	return mb, nil
}

func (c *Codec) requestSeekLocked(timeUs int64, mode media.SeekMode) {
	c.seeking = true
	c.seekTimeUs = timeUs
	c.seekMode = mode
	c.targetTimeUs = -1
	if mode == media.SeekClosest {
		c.targetTimeUs = timeUs
	}
}

// seekLocked flushes both ports and waits until the source was repositioned.
func (c *Codec) seekLocked(ctx context.Context, timeUs int64, mode media.SeekMode) (err error) {
	ctx, span := observability.StartSpan(ctx, "omxcodec.seek",
		attribute.Int64("time_us", timeUs),
		attribute.String("mode", mode.String()))
	defer func() { endSpan(span, err) }()

	timer, stop := newTimer(c.stateTimeout)
	defer stop()

	for c.state == StateReconfiguring {
		if err := c.waitLocked(ctx, timer); err != nil {
			return fmt.Errorf("waiting for reconfiguration before seek: %w", err)
		}
	}
	if c.state != StateExecuting {
		return fmt.Errorf("seek in state %s: %w", c.state, media.ErrStopped)
	}

	c.logger.Debug("seeking", slog.Int64("time_us", timeUs), slog.String("mode", mode.String()))
	c.signalledEOS = false
	c.pendingSourceErr = nil
	c.noMoreOutputData = false
	c.finalStatus = nil
	if c.leftOver != nil {
		c.leftOver.Release()
		c.leftOver = nil
	}
	for _, info := range c.filled {
		info.filled = false
	}
	c.filled = nil
	c.orphans = nil
	c.requestSeekLocked(timeUs, mode)

	emulated := [2]bool{!c.flushPortLocked(omx.PortInput), !c.flushPortLocked(omx.PortOutput)}
	for i, e := range emulated {
		if e {
			c.onFlushCompleteLocked(omx.PortIndex(i))
		}
	}

	for c.seeking || c.flushing[omx.PortInput] || c.flushing[omx.PortOutput] {
		switch c.state {
		case StateExecuting, StateReconfiguring:
		case StateError:
			return c.failureLocked("seek")
		default:
			return fmt.Errorf("seek interrupted in state %s: %w", c.state, media.ErrStopped)
		}
		if err := c.waitLocked(ctx, timer); err != nil {
			return fmt.Errorf("seeking to %dus: %w", timeUs, err)
		}
	}
	return nil
}

func (c *Codec) drainInputBuffersLocked() {
	for _, info := range c.ports[omx.PortInput].Buffers {
		if info.Status != OwnedByUs {
			continue
		}
		if !c.drainInputBufferLocked(info) {
			return
		}
	}
}

// drainInputBufferLocked fills one input buffer from the codec specific data
// or the source and submits it. It returns false once no further input
// should be submitted for now.
func (c *Codec) drainInputBufferLocked(info *BufferInfo) bool {
	if c.signalledEOS || c.paused {
		return false
	}

	if c.csdIndex < len(c.csd) {
		csd := c.csd[c.csdIndex]
		if len(csd) > len(info.Data) {
			c.failLocked(fmt.Errorf("codec config of %d bytes exceeds input buffer of %d: %w", len(csd), len(info.Data), media.ErrAllocation))
			return false
		}
		n := copy(info.Data, csd)
		c.csdIndex++
		return c.submitInputLocked(info, n, omx.FlagCodecConfig|omx.FlagEndOfFrame, 0) == nil
	}

	if c.pendingSourceErr != nil {
		err := c.pendingSourceErr
		c.pendingSourceErr = nil
		return c.signalEOSLocked(info, err)
	}

	var (
		offset int
		timeUs int64
		flags  omx.BufferFlags
		srcErr error
	)
	for {
		var mb *media.Buffer
		if c.leftOver != nil {
			mb, c.leftOver = c.leftOver, nil
		} else {
			var opts *media.ReadOptions
			if c.seeking {
				opts = media.SeekTo(c.seekTimeUs, c.seekMode)
				c.seeking = false
				c.broadcastLocked()
			}
			mb, srcErr = c.source.Read(c.sourceContext(), opts)
			if errors.Is(srcErr, media.ErrFormatChanged) {
				c.refreshInputFormatLocked()
				srcErr = nil
				continue
			}
			if srcErr != nil {
				break
			}
		}

		if mb.Len() > len(info.Data)-offset {
			if offset == 0 {
				size := mb.Len()
				mb.Release()
				c.failLocked(fmt.Errorf("frame of %d bytes exceeds input buffer of %d: %w", size, len(info.Data), media.ErrAllocation))
				return false
			}
			c.leftOver = mb
			break
		}

		copy(info.Data[offset:], mb.Bytes())
		if offset == 0 {
			timeUs = mb.TimeUs
			if mb.IsSync() {
				flags |= omx.FlagSyncFrame
			}
			if mb.IsCodecConfig() {
				flags |= omx.FlagCodecConfig
			}
		}
		offset += mb.Len()
		mb.Release()

		if !c.quirks.SupportsMultipleFramesPerInputBuffer || flags&omx.FlagCodecConfig != 0 {
			break
		}
	}

	if srcErr != nil {
		if errors.Is(srcErr, context.Canceled) && c.sourceContext().Err() != nil {
			// Stop cancelled the read; the buffer stays with us.
			return false
		}
		if offset == 0 {
			return c.signalEOSLocked(info, srcErr)
		}
		c.pendingSourceErr = srcErr
	}

	return c.submitInputLocked(info, offset, flags|omx.FlagEndOfFrame, timeUs) == nil
}

// refreshInputFormatLocked adopts the source format after the source
// reported a format change. Buffers keep flowing on the configured ports.
func (c *Codec) refreshInputFormatLocked() {
	f := c.source.Format()
	if f == nil {
		return
	}
	c.inputFormat = f.Clone()
	c.logger.Info("source format changed", slog.String("format", f.String()))
}

// signalEOSLocked submits an empty end of stream buffer. err is what Read
// reports once the remaining output drained.
func (c *Codec) signalEOSLocked(info *BufferInfo, err error) bool {
	if errors.Is(err, media.ErrEndOfStream) {
		c.finalStatus = media.ErrEndOfStream
		c.logger.Debug("source reached end of stream")
	} else {
		c.finalStatus = fmt.Errorf("reading source: %w", err)
		c.logger.Warn("source read failed", slog.String("error", err.Error()))
	}
	c.signalledEOS = true
	_ = c.submitInputLocked(info, 0, omx.FlagEOS, 0)
	return false
}

// submitInputLocked hands an input buffer holding n bytes to the component.
func (c *Codec) submitInputLocked(info *BufferInfo, n int, flags omx.BufferFlags, timeUs int64) error {
	if info.Status != OwnedByUs {
		return fmt.Errorf("submit input %s owned by %s: %w", info.ID, info.Status, media.ErrInvalidOperation)
	}
	if p := c.ports[omx.PortInput]; p.Status != PortEnabled {
		return fmt.Errorf("submit input to %s port: %w", p.Status, media.ErrInvalidOperation)
	}
	if err := c.comp.EmptyBuffer(info.ID, 0, n, flags, timeUs); err != nil {
		err = fmt.Errorf("empty buffer %s: %w", info.ID, err)
		c.failLocked(err)
		return err
	}
	info.Status = OwnedByComponent
	return nil
}

func (c *Codec) fillOutputBuffersLocked() {
	for _, info := range c.ports[omx.PortOutput].Buffers {
		if info.Status != OwnedByUs || info.filled {
			continue
		}
		if err := c.fillOutputBufferLocked(info); err != nil {
			return
		}
	}
}

// fillOutputBufferLocked hands an empty output buffer to the component.
func (c *Codec) fillOutputBufferLocked(info *BufferInfo) error {
	if c.noMoreOutputData {
		return nil
	}
	if info.Status != OwnedByUs || info.filled {
		return fmt.Errorf("fill output %s owned by %s: %w", info.ID, info.Status, media.ErrInvalidOperation)
	}
	if p := c.ports[omx.PortOutput]; p.Status != PortEnabled {
		return fmt.Errorf("fill output on %s port: %w", p.Status, media.ErrInvalidOperation)
	}
	if err := c.comp.FillBuffer(info.ID); err != nil {
		err = fmt.Errorf("fill buffer %s: %w", info.ID, err)
		c.failLocked(err)
		return err
	}
	info.Status = OwnedByComponent
	return nil
}

func (c *Codec) returnHook(info *BufferInfo) func(*media.Buffer) {
	return func(mb *media.Buffer) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.onBufferReturnedLocked(info, mb)
	}
}

// onBufferReturnedLocked takes an output buffer back from the client.
func (c *Codec) onBufferReturnedLocked(info *BufferInfo, mb *media.Buffer) {
	if info.Status != OwnedByClient || info.client != mb {
		c.unexpectedLocked("buffer_returned", "client returned a buffer it does not hold",
			slog.String("buffer", info.ID.String()), slog.String("owner", info.Status.String()))
		return
	}
	info.client = nil
	info.Status = OwnedByUs
	p := c.ports[omx.PortOutput]

	if info.graphic != nil {
		c.returnToNativeWindowLocked(info, mb.Rendered())
		return
	}

	switch {
	case p.Status == PortDisabling:
		if err := c.freeBufferLocked(p, info); err != nil {
			c.failLocked(err)
		}
	case p.Status == PortEnabled && (c.state == StateExecuting || c.state == StateReconfiguring):
		c.refillLocked(info)
	}
	c.broadcastLocked()
}
