package serial

import (
	"errors"
	"fmt"
	"sync"
)

// Default ring dimensions.
const (
	DefaultRingSize   = 2048
	DefaultChunkSlots = 16
)

var (
	// ErrRingFull is returned by Push when no descriptor or no contiguous
	// space is free. The chunk is dropped.
	ErrRingFull = errors.New("chunk ring full")

	// ErrChunkTooLarge is returned by Push for a chunk bigger than the ring.
	ErrChunkTooLarge = errors.New("chunk larger than ring")
)

type span struct {
	start, end int
}

// ChunkRing stores received bursts as discrete chunks. Each chunk occupies a
// contiguous range of a fixed data buffer and one entry of a fixed
// descriptor array; both wrap around. Chunks are popped in arrival order.
// It is safe for one producer and one consumer.
type ChunkRing struct {
	mu      sync.Mutex
	data    []byte
	spans   []span
	head    int
	count   int
	wr      int
	dropped int
}

// NewChunkRing returns a ring with size data bytes and slots descriptors.
func NewChunkRing(size, slots int) (*ChunkRing, error) {
	if size <= 0 || slots <= 0 {
		return nil, fmt.Errorf("chunk ring size %d and slots %d must be positive", size, slots)
	}
	return &ChunkRing{
		data:  make([]byte, size),
		spans: make([]span, slots),
	}, nil
}

// Push copies p into the ring as one chunk. Empty chunks are ignored.
func (r *ChunkRing) Push(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) > len(r.data) {
		r.dropped++
		return ErrChunkTooLarge
	}
	if r.count == len(r.spans) {
		r.dropped++
		return ErrRingFull
	}

	start := r.wr
	if start+len(p) > len(r.data) {
		start = 0
	}
	s := span{start: start, end: start + len(p)}
	if r.overlapsLive(s) {
		r.dropped++
		return ErrRingFull
	}

	copy(r.data[s.start:s.end], p)
	r.spans[(r.head+r.count)%len(r.spans)] = s
	r.count++
	r.wr = s.end % len(r.data)
	return nil
}

func (r *ChunkRing) overlapsLive(s span) bool {
	for i := 0; i < r.count; i++ {
		live := r.spans[(r.head+i)%len(r.spans)]
		if s.start < live.end && live.start < s.end {
			return true
		}
	}
	return false
}

// Pop removes the oldest chunk and returns a copy of it.
func (r *ChunkRing) Pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil, false
	}
	s := r.spans[r.head]
	chunk := make([]byte, s.end-s.start)
	copy(chunk, r.data[s.start:s.end])

	r.head = (r.head + 1) % len(r.spans)
	r.count--
	return chunk, true
}

// Len returns the number of queued chunks.
func (r *ChunkRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Dropped returns how many chunks were discarded by Push.
func (r *ChunkRing) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
