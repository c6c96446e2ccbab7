// Package ring implements the Packet Ring (§4.E): a fixed-capacity
// FIFO of recent packet records for detail views and payload search.
package ring

import (
	"sync"

	"github.com/packetgraph/observatory/types"
)

// bulkDiscardFraction is the ~10% amortized discard used when the
// pipeline overruns the ring faster than single-slot eviction can keep up.
const bulkDiscardFraction = 0.10

// Ring is a dedicated-mutex bounded FIFO (§5).
type Ring struct {
	mu       sync.Mutex
	buf      []*types.PacketRecord
	capacity int
}

// New constructs a Ring with the given capacity (default N=10000 per §3).
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Ring{buf: make([]*types.PacketRecord, 0, capacity), capacity: capacity}
}

// Append adds one record, discarding the oldest if the ring is full.
func (r *Ring) Append(p *types.PacketRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) >= r.capacity {
		r.buf = r.buf[1:]
	}
	r.buf = append(r.buf, p)
}

// AppendBulk adds many records at once; if the current contents plus
// the batch would overflow capacity, performs a single bulk discard of
// ~10% of the oldest entries first to amortize the cost, per §4.E.
func (r *Ring) AppendBulk(ps []*types.PacketRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf)+len(ps) > r.capacity {
		drop := int(float64(r.capacity) * bulkDiscardFraction)
		if drop < 1 {
			drop = 1
		}
		if drop > len(r.buf) {
			drop = len(r.buf)
		}
		r.buf = r.buf[drop:]
	}

	for _, p := range ps {
		if len(r.buf) >= r.capacity {
			r.buf = r.buf[1:]
		}
		r.buf = append(r.buf, p)
	}
}

// Recent returns up to n most-recent records, newest last, as value
// copies so callers never share memory with the ring (§4.E).
func (r *Ring) Recent(n int) []*types.PacketRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.buf) {
		n = len(r.buf)
	}
	start := len(r.buf) - n

	out := make([]*types.PacketRecord, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[start+i].Clone()
	}
	return out
}

// Search returns recent records whose payload contains substr, newest
// last, scanning at most the current ring contents (§1: payload search).
func (r *Ring) Search(substr []byte) []*types.PacketRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.PacketRecord
	for _, p := range r.buf {
		if containsBytes(p.Payload, substr) {
			out = append(out, p.Clone())
		}
	}
	return out
}

func containsBytes(haystack, needle []byte) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return len(needle) == 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Len returns the current number of retained records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Clear empties the ring, used on save_and_restart_capture (§4.J).
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
}

// Capacity returns N.
func (r *Ring) Capacity() int { return r.capacity }
