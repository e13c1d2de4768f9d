// Package alloc implements the quarantined, red-zoned allocator (spec.md
// §4.B): chunks are front- and rear-guarded by poisoned red zones, freed
// chunks are held in a FIFO quarantine before their storage is reused, and
// a live-chunk interval index supports both exact user_ptr lookups and
// nearest-chunk-to-a-fault-address queries.
//
// Grounded on the teacher's internal/wasm/allocator.go (CustomAllocator,
// strategy dispatch, coalescing free list) for the allocator shape, and
// internal/wasm/safety.go's RedZoneManager/QuarantineManager for the
// red-zone and quarantine semantics; the sorted-slice interval index is
// grounded on internal/wasm/bounds.go's MemoryRegionManager
// (insertSorted/removeSorted/binary-search FindRegion).
package alloc

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gofrida/asanrt/internal/shadow"
)

// RedzoneMin is the minimum red-zone size on each side of a user
// allocation (spec.md §4.B design: 16).
const RedzoneMin = 16

// pageSize matches internal/shadow's assumption.
const pageSize = 4096

// state is a chunk's membership, spec.md §3 Chunk: "exactly one of
// {live, quarantine, retired}". Retired chunks are those on the free list;
// they are told apart by list membership and keep stateQuarantine.
type state int

const (
	stateLive state = iota
	stateQuarantine
)

// Chunk is a single tracked heap allocation (spec.md §3 Chunk).
type Chunk struct {
	UserPtr   uintptr
	UserSize  uint64
	Alignment uint64
	TotalSize uint64 // includes both red zones, page-aligned

	base uintptr // start of the OS-backed mapping (front red zone start)

	Freed bool

	AllocBacktrace []uintptr
	FreeBacktrace  []uintptr

	st state
}

// end returns the exclusive end of the chunk's full (red-zoned) region.
func (c *Chunk) end() uintptr { return c.base + uintptr(c.TotalSize) }

// Allocator is the mutex-guarded allocator described in spec.md §4.B and
// §9 ("mutex-guarded mutable half"). The zero value is not usable;
// construct with New.
type Allocator struct {
	mu sync.Mutex

	shadow *shadow.Map

	quarantineMaxBytes uint64

	// chunks is kept sorted by UserPtr for O(log N) interval lookups,
	// mirroring the teacher's sortedRegions/FindRegion.
	chunks []*Chunk

	quarantine      []*Chunk // FIFO, oldest first; withheld from reuse
	quarantineBytes uint64

	freeList []*Chunk // evicted from quarantine, available for reuse
}

// New constructs an Allocator backed by shadowMap, evicting quarantined
// chunks once quarantineMaxBytes is exceeded.
func New(shadowMap *shadow.Map, quarantineMaxBytes uint64) *Allocator {
	return &Allocator{shadow: shadowMap, quarantineMaxBytes: quarantineMaxBytes}
}

func captureBacktrace() []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		align = 1
	}
	return (v + align - 1) &^ (align - 1)
}

// Alloc returns a pointer such that it is align-aligned, preceded and
// followed by a poisoned red zone of at least RedzoneMin bytes, and
// [ptr, ptr+size) is unpoisoned (spec.md §4.B).
//
// A chunk already evicted from the quarantine into the free list is reused
// if one has sufficient backing capacity; otherwise a fresh OS mapping is
// requested.
func (a *Allocator) Alloc(size, align uint64) (uintptr, error) {
	if size == 0 {
		size = 1
	}
	if align == 0 {
		align = 8
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if c := a.reuseFromFreeListLocked(size, align); c != nil {
		return a.activateLocked(c), nil
	}

	userPtr, base, total, err := a.mapFreshLocked(size, align)
	if err != nil {
		return 0, err
	}
	c := &Chunk{
		UserPtr:        userPtr,
		UserSize:       size,
		Alignment:      align,
		TotalSize:      total,
		base:           base,
		st:             stateLive,
		AllocBacktrace: captureBacktrace(),
	}
	a.insertSortedLocked(c)
	return a.activateLocked(c), nil
}

func (a *Allocator) activateLocked(c *Chunk) uintptr {
	c.Freed = false
	c.FreeBacktrace = nil
	c.st = stateLive
	if err := a.shadow.MapForRegion(c.base, c.end(), false); err == nil {
		a.shadow.Unpoison(c.UserPtr, c.UserPtr+uintptr(c.UserSize))
	}
	return c.UserPtr
}

// mapFreshLocked requests alignUp(RedzoneMin, align)+size+RedzoneMin
// (rounded to pages) bytes from
// the OS and returns the user-visible pointer, the mapping base, and the
// total mapped size.
func (a *Allocator) mapFreshLocked(size, align uint64) (userPtr, base uintptr, total uint64, err error) {
	frontPad := alignUp(RedzoneMin, align)
	raw := frontPad + size + RedzoneMin
	total = uint64(alignUp(raw, pageSize))

	data, merr := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if merr != nil {
		return 0, 0, 0, fmt.Errorf("alloc: mmap %d bytes: %w", total, merr)
	}
	base = uintptr(unsafePointer(data))
	userPtr = base + uintptr(frontPad)
	return userPtr, base, total, nil
}

// Free implements spec.md §4.B free(ptr): UnallocatedFree / DoubleFree /
// normal free, reported via the returned error's sentinel kind.
var (
	ErrUnallocatedFree = fmt.Errorf("alloc: free of non-chunk pointer")
	ErrDoubleFree      = fmt.Errorf("alloc: double free")
)

// Free returns nil for a no-op free(nil), ErrUnallocatedFree, ErrDoubleFree,
// or nil on success.
func (a *Allocator) Free(ptr uintptr) error {
	if ptr == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.findExactLocked(ptr)
	if c == nil {
		return ErrUnallocatedFree
	}
	if c.Freed {
		return ErrDoubleFree
	}
	c.Freed = true
	c.FreeBacktrace = captureBacktrace()
	c.st = stateQuarantine
	a.shadow.Poison(c.base, c.end())

	a.quarantine = append(a.quarantine, c)
	a.quarantineBytes += c.TotalSize
	a.evictLocked()
	return nil
}

// evictLocked moves chunks from the front of the quarantine FIFO into the
// free list while total quarantined bytes exceed quarantineMaxBytes
// (spec.md §4.B "retire oldest (unmap or recycle into free-list)"). This
// implementation always recycles rather than unmapping — see DESIGN.md's
// Open Question decision — so an evicted chunk's storage stays addressable
// (and so still discoverable by FindMetadata as a freed chunk) until a new
// allocation actually reuses it.
func (a *Allocator) evictLocked() {
	for a.quarantineBytes > a.quarantineMaxBytes && len(a.quarantine) > 0 {
		oldest := a.quarantine[0]
		a.quarantine = a.quarantine[1:]
		a.quarantineBytes -= oldest.TotalSize
		a.freeList = append(a.freeList, oldest)
	}
}

// reuseFromFreeListLocked pops the first free-list chunk whose capacity
// and alignment satisfy the request, or returns nil. Chunks still sitting
// in quarantine are never reused directly (spec.md §4.B: "not returned by
// allocation requests until the quarantine reaches its eviction
// threshold").
func (a *Allocator) reuseFromFreeListLocked(size, align uint64) *Chunk {
	for i, c := range a.freeList {
		frontPad := alignUp(RedzoneMin, align)
		need := frontPad + size + RedzoneMin
		if c.TotalSize >= need && c.base%align == 0 {
			a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
			// UserPtr may shift if the new request's alignment differs from
			// the old one, which would desort a.chunks in place; reposition
			// explicitly rather than relying on in-place mutation.
			a.removeFromIndexLocked(c)
			c.UserPtr = c.base + uintptr(frontPad)
			c.UserSize = size
			c.Alignment = align
			c.AllocBacktrace = captureBacktrace()
			a.insertSortedLocked(c)
			return c
		}
	}
	return nil
}

// Realloc implements spec.md §4.B realloc: alloc(new_size) + memcpy +
// free(old).
func (a *Allocator) Realloc(ptr uintptr, newSize uint64) (uintptr, error) {
	if ptr == 0 {
		return a.Alloc(newSize, 8)
	}
	a.mu.Lock()
	c := a.findExactLocked(ptr)
	a.mu.Unlock()
	if c == nil {
		return 0, ErrUnallocatedFree
	}
	oldSize := c.UserSize
	align := c.Alignment

	newPtr, err := a.Alloc(newSize, align)
	if err != nil {
		return 0, err
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	src := unsafeBytes(ptr, n)
	dst := unsafeBytes(newPtr, n)
	copy(dst, src)

	if err := a.Free(ptr); err != nil {
		return 0, err
	}
	return newPtr, nil
}

// UsableSize returns (user_size, true) for a live chunk, or (0, false)
// otherwise (spec.md §4.B: "undefined otherwise" — Go surfaces this as ok=false
// rather than undefined behavior).
func (a *Allocator) UsableSize(ptr uintptr) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.findExactLocked(ptr)
	if c == nil || c.Freed {
		return 0, false
	}
	return c.UserSize, true
}

// FindMetadata returns the chunk closest to faultAddr, per spec.md §4.B:
// tie-break on a chunk whose UserPtr equals baseRegValue, else the chunk
// with the smallest address-distance to [UserPtr, UserPtr+TotalSize).
func (a *Allocator) FindMetadata(faultAddr, baseRegValue uintptr) *Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c := a.findExactLocked(baseRegValue); c != nil {
		return c
	}

	var best *Chunk
	var bestDist uintptr = ^uintptr(0)
	for _, c := range a.chunks {
		lo, hi := c.UserPtr, c.UserPtr+uintptr(c.TotalSize)
		var dist uintptr
		switch {
		case faultAddr < lo:
			dist = lo - faultAddr
		case faultAddr >= hi:
			dist = faultAddr - hi + 1
		default:
			dist = 0
		}
		if dist < bestDist {
			bestDist = dist
			best = c
		}
	}
	return best
}

// CheckForLeaks returns every currently-live chunk as a leak (spec.md
// §4.B check_for_leaks).
func (a *Allocator) CheckForLeaks() []*Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()
	var leaks []*Chunk
	for _, c := range a.chunks {
		if c.st == stateLive && !c.Freed {
			leaks = append(leaks, c)
		}
	}
	return leaks
}

// Reset returns all live and quarantined chunks to a clean state,
// preserving the OS reservation where possible (spec.md §4.B reset()).
func (a *Allocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		_ = unix.Munmap(unsafeBytes(c.base, c.TotalSize))
	}
	a.chunks = nil
	a.quarantine = nil
	a.quarantineBytes = 0
	a.freeList = nil
}

// --- sorted interval index, grounded on the teacher's sortedRegions ---

func (a *Allocator) insertSortedLocked(c *Chunk) {
	i := sort.Search(len(a.chunks), func(i int) bool { return a.chunks[i].UserPtr >= c.UserPtr })
	a.chunks = append(a.chunks, nil)
	copy(a.chunks[i+1:], a.chunks[i:])
	a.chunks[i] = c
}

// removeFromIndexLocked removes target from the sorted index by its
// current (pre-mutation) UserPtr.
func (a *Allocator) removeFromIndexLocked(target *Chunk) {
	i := sort.Search(len(a.chunks), func(i int) bool { return a.chunks[i].UserPtr >= target.UserPtr })
	if i < len(a.chunks) && a.chunks[i] == target {
		a.chunks = append(a.chunks[:i], a.chunks[i+1:]...)
	}
}

func (a *Allocator) findExactLocked(userPtr uintptr) *Chunk {
	i := sort.Search(len(a.chunks), func(i int) bool { return a.chunks[i].UserPtr >= userPtr })
	if i < len(a.chunks) && a.chunks[i].UserPtr == userPtr {
		return a.chunks[i]
	}
	return nil
}
