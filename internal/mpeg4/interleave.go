package mpeg4

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/observability"
)

// writeLoop is the only goroutine writing to the output while the recording runs.
func (w *Writer) writeLoop() error {
	for {
		w.mu.Lock()
		c := w.nextChunkLocked()
		for c == nil {
			if w.drainedLocked() {
				w.mu.Unlock()
				return nil
			}
			w.cond.Wait()
			c = w.nextChunkLocked()
		}
		c.track.queue = c.track.queue[1:]
		w.writing = c
		offset := w.written
		w.mu.Unlock()

		err := w.writeChunk(c)

		w.mu.Lock()
		w.writing = nil
		if err != nil {
			w.failure = fmt.Errorf("mpeg4: writing %s chunk at offset %d: %w: %w", c.track.kind, offset, media.ErrIO, err)
			failure := w.failure
			w.cond.Broadcast()
			w.mu.Unlock()

			w.logger.Error("chunk write failed", slog.String("error", failure.Error()))
			w.notify(Event{Kind: EventError, Track: c.track.index, Err: failure})
			return failure
		}
		c.track.table.record(offset, c)
		w.written += c.size
		w.pending -= c.size
		w.cond.Broadcast()
		w.mu.Unlock()

		observability.ObserveChunkWritten(c.track.kind, c.size)
	}
}

// nextChunkLocked picks the queued chunk with the smallest leading timestamp,
// ties going to the earlier track. It returns nil while an active track without
// queued chunks could still produce an earlier chunk, unless too much data is
// pending to keep waiting. Tracks still silent after the silent track timeout
// are ignored.
func (w *Writer) nextChunkLocked() *chunk {
	var best *chunk
	for _, t := range w.tracks {
		if len(t.queue) == 0 {
			continue
		}
		if best == nil || t.queue[0].timeUs < best.timeUs {
			best = t.queue[0]
		}
	}
	if best == nil || w.pending > w.maxPending {
		return best
	}
	for _, t := range w.tracks {
		if t == best.track || t.done || len(t.queue) > 0 {
			continue
		}
		bound, ok := t.boundLocked()
		if !ok {
			if w.silentExpired {
				continue
			}
			return nil
		}
		if bound < best.timeUs || (bound == best.timeUs && t.index < best.track.index) {
			return nil
		}
	}
	return best
}

func (w *Writer) drainedLocked() bool {
	for _, t := range w.tracks {
		if !t.done || len(t.queue) > 0 {
			return false
		}
	}
	return true
}

func (w *Writer) writeChunk(c *chunk) error {
	for _, s := range c.samples {
		n, err := w.ws.Write(s.data)
		if err != nil {
			return err
		}
		if n != len(s.data) {
			return io.ErrShortWrite
		}
	}
	return nil
}
