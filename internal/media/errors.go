package media

import "errors"

// Error taxonomy shared by codecs, sources and the writer. Callers classify
// failures with errors.Is.
var (
	// ErrInvalidState is returned when a call is not permitted in the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrAllocation is returned when a port buffer or memory allocation fails.
	ErrAllocation = errors.New("buffer allocation failed")
	// ErrInvalidOperation is returned for protocol violations such as a double submit.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrTimedOut is returned when a blocking wait exceeded its deadline.
	ErrTimedOut = errors.New("timed out")
	// ErrEndOfStream is the normal terminal signal of a source.
	ErrEndOfStream = errors.New("end of stream")
	// ErrIO wraps failures of the underlying sink or source.
	ErrIO = errors.New("i/o error")
	// ErrMaxFileSizeReached reports that the writer stopped at its size limit.
	ErrMaxFileSizeReached = errors.New("max file size reached")
	// ErrMaxDurationReached reports that the writer stopped at its duration limit.
	ErrMaxDurationReached = errors.New("max duration reached")
	// ErrTooManyTracks is returned when a writer refuses another track of a kind.
	ErrTooManyTracks = errors.New("too many tracks")
	// ErrUnsupportedFormat is returned for formats a component cannot handle.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrStopped is returned to callers woken by a concurrent stop.
	ErrStopped = errors.New("stopped")
	// ErrFormatChanged is returned once by a codec read after the output format changed.
	ErrFormatChanged = errors.New("output format changed")
	// ErrUnsupported is returned by sources for optional operations they do not implement.
	ErrUnsupported = errors.New("operation not supported")
)

// IsStoppingCondition reports whether err is a recognized limit rather than a failure.
func IsStoppingCondition(err error) bool {
	return errors.Is(err, ErrMaxFileSizeReached) || errors.Is(err, ErrMaxDurationReached)
}
