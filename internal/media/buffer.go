package media

import (
	"fmt"
	"sync"
)

// BufferFlags annotate a sample.
type BufferFlags uint32

const (
	// FlagSync marks a sample that can be decoded without earlier samples.
	FlagSync BufferFlags = 1 << iota
	// FlagCodecConfig marks a buffer that carries codec specific data, not a sample.
	FlagCodecConfig
)

// Buffer is a reference counted sample. When the last reference is released the
// optional return hook runs, handing the memory back to its producer.
type Buffer struct {
	data   []byte
	offset int
	length int

	// TimeUs is the presentation timestamp in microseconds.
	TimeUs int64
	// DecodeTimeUs is the decode timestamp; equal to TimeUs without reordering.
	DecodeTimeUs int64
	Flags        BufferFlags

	mu       sync.Mutex
	refs     int
	rendered bool
	onReturn func(*Buffer)
}

// NewBuffer wraps data in a buffer holding one reference.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data, length: len(data), refs: 1}
}

// NewBufferWithReturn wraps data and calls onReturn when the last reference is released.
func NewBufferWithReturn(data []byte, onReturn func(*Buffer)) *Buffer {
	b := NewBuffer(data)
	b.onReturn = onReturn
	return b
}

// Bytes returns the valid range of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[b.offset : b.offset+b.length]
}

// Len returns the length of the valid range.
func (b *Buffer) Len() int {
	return b.length
}

// Capacity returns the size of the backing memory.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// Offset returns the start of the valid range within the backing memory.
func (b *Buffer) Offset() int {
	return b.offset
}

// SetRange narrows the valid range.
func (b *Buffer) SetRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > len(b.data) {
		return fmt.Errorf("range %d+%d outside buffer of %d bytes: %w", offset, length, len(b.data), ErrInvalidOperation)
	}
	b.offset = offset
	b.length = length
	return nil
}

// IsSync reports whether the sample is a sync sample.
func (b *Buffer) IsSync() bool {
	return b.Flags&FlagSync != 0
}

// IsCodecConfig reports whether the buffer carries codec specific data.
func (b *Buffer) IsCodecConfig() bool {
	return b.Flags&FlagCodecConfig != 0
}

// SetRendered marks a video buffer as displayed by the consumer.
func (b *Buffer) SetRendered(rendered bool) {
	b.mu.Lock()
	b.rendered = rendered
	b.mu.Unlock()
}

// Rendered reports the value set by SetRendered.
func (b *Buffer) Rendered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rendered
}

// AddRef takes another reference.
func (b *Buffer) AddRef() {
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
}

// RefCount returns the number of outstanding references.
func (b *Buffer) RefCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs
}

// Release drops a reference. Releasing an already returned buffer is a no-op.
func (b *Buffer) Release() {
	b.mu.Lock()
	if b.refs == 0 {
		b.mu.Unlock()
		return
	}
	b.refs--
	var hook func(*Buffer)
	if b.refs == 0 {
		hook = b.onReturn
		b.onReturn = nil
	}
	b.mu.Unlock()

	if hook != nil {
		hook(b)
	}
}

// Detach removes the return hook so the producer no longer hears about the buffer.
func (b *Buffer) Detach() {
	b.mu.Lock()
	b.onReturn = nil
	b.mu.Unlock()
}

// Clone copies the valid range and metadata into an unobserved buffer.
func (b *Buffer) Clone() *Buffer {
	c := NewBuffer(append([]byte(nil), b.Bytes()...))
	c.TimeUs = b.TimeUs
	c.DecodeTimeUs = b.DecodeTimeUs
	c.Flags = b.Flags
	return c
}
