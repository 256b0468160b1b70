package gossip

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/blake3"
)

// DefaultSeenCacheCapacity is sized to cover expected message rate ×
// network diameter × a safety factor, per spec's Design Notes.
const DefaultSeenCacheCapacity = 16 * 1024

// SeenCache is a bounded, FIFO-evicted set of 64-bit signature digests
// used to suppress redundant re-processing of the same envelope.
type SeenCache struct {
	mu       sync.Mutex
	capacity int
	set      map[uint64]struct{}
	order    []uint64
	head     int
}

// NewSeenCache creates a SeenCache with the given capacity.
func NewSeenCache(capacity int) *SeenCache {
	if capacity <= 0 {
		capacity = DefaultSeenCacheCapacity
	}
	return &SeenCache{
		capacity: capacity,
		set:      make(map[uint64]struct{}, capacity),
		order:    make([]uint64, capacity),
	}
}

// digest reduces a signature to a 64-bit key via blake3, a fast
// non-cryptographic-context hash (the dedup cache only needs a very low
// false-positive rate, not collision resistance against an adversary who
// already controls a valid signature).
func digest(signature []byte) uint64 {
	sum := blake3.Sum256(signature)
	return binary.BigEndian.Uint64(sum[:8])
}

// CheckAndInsert reports whether signature was already present, inserting
// it if not. A true result means the caller should drop the envelope
// silently without further processing.
func (c *SeenCache) CheckAndInsert(signature []byte) bool {
	key := digest(signature)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.set[key]; ok {
		return true
	}

	if len(c.set) >= c.capacity {
		evict := c.order[c.head]
		delete(c.set, evict)
	}
	c.order[c.head] = key
	c.head = (c.head + 1) % c.capacity
	c.set[key] = struct{}{}
	return false
}

// Len returns the number of entries currently cached.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.set)
}
