// Package chunk splits training data into request-sized chunks
// bounded jointly by item count and byte estimate (§4.9), and assigns
// the dense, monotonically increasing sequence IDs each chunk is
// dispatched under.
package chunk

import (
	"sync/atomic"

	"github.com/tinkerlabs/tinker-go-core/pkg/byteestimate"
)

// MaxItemsPerChunk and MaxBytesPerChunk are the fixed bounds of §4.9.
const (
	MaxItemsPerChunk = 1024
	MaxBytesPerChunk = 5_000_000
)

// Chunks splits data greedily, left to right: a new chunk opens
// whenever the next datum would violate either bound. A datum that
// alone exceeds MaxBytesPerChunk is placed alone in its own chunk
// (property 9 of §8); an empty input produces no chunks.
func Chunks(data []byteestimate.Datum) [][]byteestimate.Datum {
	if len(data) == 0 {
		return nil
	}

	var chunks [][]byteestimate.Datum
	var current []byteestimate.Datum
	var currentBytes int

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentBytes = 0
		}
	}

	for _, d := range data {
		est := byteestimate.EstimateDatum(d)

		wouldExceedItems := len(current)+1 > MaxItemsPerChunk
		wouldExceedBytes := currentBytes+est > MaxBytesPerChunk && len(current) > 0

		if wouldExceedItems || wouldExceedBytes {
			flush()
		}

		current = append(current, d)
		currentBytes += est
	}
	flush()

	return chunks
}

// Counter is a per-coordinator, dense, monotonically increasing
// request-ID allocator. Atomic so the sampling coordinator's hot path
// can allocate IDs without serializing through an owning actor (§9).
type Counter struct {
	next int64
}

// NewCounter creates a counter starting at start.
func NewCounter(start int64) *Counter {
	return &Counter{next: start}
}

// ReserveBlock atomically reserves n consecutive IDs and returns the
// first one; the block occupies [first, first+n).
func (c *Counter) ReserveBlock(n int) int64 {
	if n <= 0 {
		return atomic.LoadInt64(&c.next)
	}
	return atomic.AddInt64(&c.next, int64(n)) - int64(n)
}

// Peek returns the next ID that would be allocated, without
// reserving it.
func (c *Counter) Peek() int64 {
	return atomic.LoadInt64(&c.next)
}
