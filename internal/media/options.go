package media

// SeekMode selects which sample a seek lands on.
type SeekMode int

const (
	// SeekPreviousSync lands on the closest sync sample at or before the target.
	SeekPreviousSync SeekMode = iota
	// SeekNextSync lands on the closest sync sample at or after the target.
	SeekNextSync
	// SeekClosestSync lands on the sync sample nearest to the target.
	SeekClosestSync
	// SeekClosest decodes from the previous sync sample and drops output before the target.
	SeekClosest
)

func (m SeekMode) String() string {
	switch m {
	case SeekPreviousSync:
		return "previous_sync"
	case SeekNextSync:
		return "next_sync"
	case SeekClosestSync:
		return "closest_sync"
	case SeekClosest:
		return "closest"
	default:
		return "unknown"
	}
}

// ReadOptions carries optional per-read requests. A nil *ReadOptions is a plain read.
type ReadOptions struct {
	seeking    bool
	seekTimeUs int64
	seekMode   SeekMode
}

// SeekTo returns options requesting a seek.
func SeekTo(timeUs int64, mode SeekMode) *ReadOptions {
	o := &ReadOptions{}
	o.SetSeekTo(timeUs, mode)
	return o
}

// SetSeekTo requests a seek to timeUs.
func (o *ReadOptions) SetSeekTo(timeUs int64, mode SeekMode) {
	o.seeking = true
	o.seekTimeUs = timeUs
	o.seekMode = mode
}

// ClearSeekTo drops a pending seek request.
func (o *ReadOptions) ClearSeekTo() {
	o.seeking = false
	o.seekTimeUs = 0
	o.seekMode = SeekPreviousSync
}

// Seek reports the requested seek, if any. Safe on a nil receiver.
func (o *ReadOptions) Seek() (timeUs int64, mode SeekMode, ok bool) {
	if o == nil || !o.seeking {
		return 0, SeekPreviousSync, false
	}
	return o.seekTimeUs, o.seekMode, true
}
