package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CodecStateTransitions counts codec state machine transitions by target state.
	CodecStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codecmux_codec_state_transitions_total",
		Help: "Codec state transitions by component and target state",
	}, []string{"component", "state"})

	// CodecUnexpectedCallbacks counts component callbacks that were ignored.
	CodecUnexpectedCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codecmux_codec_unexpected_callbacks_total",
		Help: "Component callbacks for unknown buffers or in unexpected ownership",
	}, []string{"component", "kind"})

	// CodecBuffersReclaimed counts buffers forcibly taken back during shutdown.
	CodecBuffersReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codecmux_codec_buffers_reclaimed_total",
		Help: "Buffers reclaimed from the component or client during teardown",
	}, []string{"component"})

	// CodecReadDuration tracks how long a read waits for an output buffer.
	CodecReadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codecmux_codec_read_duration_seconds",
		Help:    "Time spent waiting for codec output",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3},
	}, []string{"component"})

	// WriterChunksWritten counts chunks committed to mdat.
	WriterChunksWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codecmux_writer_chunks_written_total",
		Help: "Chunks written to the media data box by track kind",
	}, []string{"kind"})

	// WriterBytesWritten counts sample bytes written to mdat.
	WriterBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codecmux_writer_bytes_written_total",
		Help: "Sample bytes written to the media data box",
	})

	// WriterLimitStops counts recordings ended by a file limit.
	WriterLimitStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codecmux_writer_limit_stops_total",
		Help: "Recordings stopped by a size or duration limit",
	}, []string{"reason"})
)

// IncCodecState records a transition into state.
func IncCodecState(component, state string) {
	CodecStateTransitions.WithLabelValues(component, state).Inc()
}

// IncCodecUnexpectedCallback records an ignored component callback.
func IncCodecUnexpectedCallback(component, kind string) {
	CodecUnexpectedCallbacks.WithLabelValues(component, kind).Inc()
}

// AddCodecBuffersReclaimed records n reclaimed buffers.
func AddCodecBuffersReclaimed(component string, n int) {
	if n <= 0 {
		return
	}
	CodecBuffersReclaimed.WithLabelValues(component).Add(float64(n))
}

// ObserveCodecRead records the wait of one read.
func ObserveCodecRead(component string, d time.Duration) {
	CodecReadDuration.WithLabelValues(component).Observe(d.Seconds())
}

// ObserveChunkWritten records one chunk of size bytes.
func ObserveChunkWritten(kind string, size int64) {
	WriterChunksWritten.WithLabelValues(kind).Inc()
	WriterBytesWritten.Add(float64(size))
}

// IncWriterLimitStop records a recording stopped by reason.
func IncWriterLimitStop(reason string) {
	WriterLimitStops.WithLabelValues(reason).Inc()
}
