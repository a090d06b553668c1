// Package media defines the sample, format and source contracts shared by the
// codec state machine, the sources and the MPEG-4 writer.
package media

import "context"

// Source produces encoded or raw samples.
//
// Read blocks until a sample is available and returns ErrEndOfStream once the
// stream is exhausted. The caller owns the returned buffer and must Release it.
type Source interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Format() *Format
	Read(ctx context.Context, opts *ReadOptions) (*Buffer, error)
}
