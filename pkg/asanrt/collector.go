package asanrt

import (
	"sync"

	"github.com/gofrida/asanrt/pkg/asanerrors"
)

// Collector is the process-wide, append-only error collector (spec.md §5
// "append-only under a mutex"). It additionally dedupes repeat reports from
// the same (kind, pc, fault_address) — the original runtime's
// suppressed_addresses behavior, supplemented in SPEC_FULL.md §3 — so a hot
// faulting loop produces one deduplicated record with an occurrence count
// rather than flooding the collector.
type Collector struct {
	mu sync.Mutex

	ordered []*asanerrors.AsanError // first occurrence of each distinct record, in report order
	counts  map[[3]uint64]int       // occurrence count per DedupKey
	index   map[[3]uint64]int       // DedupKey -> index into ordered
}

// NewCollector constructs an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		counts: make(map[[3]uint64]int),
		index:  make(map[[3]uint64]int),
	}
}

// Append records err, deduplicating against prior reports sharing the same
// DedupKey. Leak and Unknown errors (no stable dedup key) are always
// appended individually.
func (c *Collector) Append(err *asanerrors.AsanError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, dedupable := err.DedupKey()
	if !dedupable {
		c.ordered = append(c.ordered, err)
		return
	}
	if _, seen := c.index[key]; seen {
		c.counts[key]++
		return
	}
	c.index[key] = len(c.ordered)
	c.counts[key] = 1
	c.ordered = append(c.ordered, err)
}

// Errors returns the deduplicated list of distinct error records, in first-
// report order.
func (c *Collector) Errors() []*asanerrors.AsanError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*asanerrors.AsanError, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Count returns how many times a distinct record (identified by its own
// DedupKey) has been reported, including the first occurrence. Returns 0
// for a record never reported, or for one with no stable dedup key.
func (c *Collector) Count(err *asanerrors.AsanError) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, dedupable := err.DedupKey()
	if !dedupable {
		return 0
	}
	return c.counts[key]
}

// Len reports the number of distinct (deduplicated) records collected.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ordered)
}

// Reset clears every collected record (used alongside Allocator.Reset
// between fuzz iterations).
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ordered = nil
	c.counts = make(map[[3]uint64]int)
	c.index = make(map[[3]uint64]int)
}
