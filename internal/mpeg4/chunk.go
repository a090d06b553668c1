package mpeg4

// sample is one access unit waiting to be written.
type sample struct {
	data   []byte
	timeUs int64
	sync   bool
}

// chunk is a run of consecutive samples of one track written contiguously.
type chunk struct {
	track   *track
	timeUs  int64
	samples []sample
	size    int64
}

func newChunk(t *track, first sample) *chunk {
	c := &chunk{track: t, timeUs: first.timeUs}
	c.add(first)
	return c
}

func (c *chunk) add(s sample) {
	c.samples = append(c.samples, s)
	c.size += int64(len(s.data))
}

// span is the distance between the first sample and ts.
func (c *chunk) span(ts int64) int64 {
	return ts - c.timeUs
}

// chunkInfo records where a written chunk landed in the file.
type chunkInfo struct {
	offset  int64
	samples int
	timeUs  int64
}

// sampleTable accumulates what the moov needs to describe a track's written samples.
type sampleTable struct {
	times  []int64
	sizes  []uint32
	syncs  []uint32
	chunks []chunkInfo
}

func (st *sampleTable) record(offset int64, c *chunk) {
	st.chunks = append(st.chunks, chunkInfo{offset: offset, samples: len(c.samples), timeUs: c.timeUs})
	for _, s := range c.samples {
		st.times = append(st.times, s.timeUs)
		st.sizes = append(st.sizes, uint32(len(s.data)))
		if s.sync {
			st.syncs = append(st.syncs, uint32(len(st.times)))
		}
	}
}

func (st *sampleTable) count() int {
	return len(st.times)
}
