// Package shadow implements the bit-per-byte validity map (spec.md §4.A):
// reserving a guarded virtual region, materializing shadow pages for live
// memory, and answering the same validity question the generated check
// blobs (internal/codegen) answer in machine code. Check reads the shadow
// bits directly rather than through the blobs' reversed 16-bit window; the
// Go-side bitReverse16 and Check let the bit-reversal invariant (spec.md §8
// Invariant 5) and the disabled experimental truth table (spec.md §9) be
// tested directly, without decoding emitted machine code.
//
// Grounded on the teacher's internal/wasm/safety.go ShadowMemory /
// ShadowMetadata (byte-granular validity map keyed by address) and
// internal/wasm/bounds.go's sorted-region bookkeeping style.
package shadow

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pageSize is assumed rather than queried; every target this runtime
// supports (linux/amd64, linux/arm64) uses a 4 KiB base page.
const pageSize = 4096

// Map is the shadow memory map for one reserved shadow_bit. The zero value
// is not usable; construct with Reserve.
type Map struct {
	mu sync.Mutex

	shadowBit uint
	bytes     []byte // backing store for the full 2^(shadowBit+1)-byte reservation
	committed []bool // per-page commit flag, len == len(bytes)/pageSize
}

// Reserve reserves 2^(shadowBit+1) bytes of address space for the shadow
// region (spec.md §4.A). The lower half of the reservation is left
// PROT_NONE as a guard; only the upper half (indices with bit `shadowBit`
// set, per the addressing formula below) is ever committed and written.
//
// Reserve fails if the mapping cannot be made, mirroring "fails if no hole
// is large enough" in spec.md.
func Reserve(shadowBit uint) (*Map, error) {
	if shadowBit == 0 || shadowBit >= 48 {
		return nil, fmt.Errorf("shadow: shadow_bit %d out of range", shadowBit)
	}
	size := uintptr(1) << (shadowBit + 1)
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("shadow: reserve %d bytes: %w", size, err)
	}
	return &Map{
		shadowBit: shadowBit,
		bytes:     data,
		committed: make([]bool, (len(data)+pageSize-1)/pageSize),
	}, nil
}

// Close releases the shadow region's address space.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bytes == nil {
		return nil
	}
	err := unix.Munmap(m.bytes)
	m.bytes = nil
	return err
}

// ShadowBit reports the shadow_bit this map was reserved with.
func (m *Map) ShadowBit() uint { return m.shadowBit }

// BaseAddr returns the address the shadow reservation itself starts at
// (internal/codegen.AMD64.ShadowBase / ARM64.ShadowBase): the check blobs
// add this to the computed shadow byte offset to get an absolute address,
// since this implementation backs the addressing formula's index space
// directly rather than modeling a separate process base address (see the
// DESIGN.md note on internal/shadow).
func (m *Map) BaseAddr() uintptr {
	if len(m.bytes) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.bytes[0]))
}

// offset implements shadow(u) = (u>>3) & ((1<<(k+1))-1) | (1<<k) from
// spec.md §4, restated as an index into m.bytes rather than an absolute
// process address: in this implementation the reservation itself backs the
// index space, so there is no separate base address to add.
func (m *Map) offset(u uintptr) uintptr {
	k := m.shadowBit
	mask := (uintptr(1) << (k + 1)) - 1
	return ((u >> 3) & mask) | (uintptr(1) << k)
}

// commitPages ensures the pages backing byte offsets [lo,hi) are
// PROT_READ|PROT_WRITE, committing any that are still guarded.
func (m *Map) commitPages(lo, hi uintptr) error {
	pageLo := lo / pageSize
	pageHi := (hi + pageSize - 1) / pageSize
	for p := pageLo; p < pageHi; p++ {
		if m.committed[p] {
			continue
		}
		start := p * pageSize
		end := start + pageSize
		if end > uintptr(len(m.bytes)) {
			end = uintptr(len(m.bytes))
		}
		if err := unix.Mprotect(m.bytes[start:end], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return fmt.Errorf("shadow: commit page %d: %w", p, err)
		}
		m.committed[p] = true
	}
	return nil
}

// committedLocked reports whether the page backing byte offset off has been
// committed. Callers must hold m.mu.
func (m *Map) committedLocked(off uintptr) bool {
	page := off / pageSize
	if int(page) >= len(m.committed) {
		return false
	}
	return m.committed[page]
}

// MapForRegion materializes the shadow pages covering [lo,hi), setting every
// corresponding bit to 1 if unpoison is true, else leaving/clearing it to 0
// (spec.md §4.A).
func (m *Map) MapForRegion(lo, hi uintptr, unpoison bool) error {
	if hi <= lo {
		return fmt.Errorf("shadow: empty or inverted region [0x%x,0x%x)", lo, hi)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	offLo := m.offset(lo)
	offHi := m.offset(hi-1) + 1
	if offLo > offHi {
		offLo, offHi = offHi, offLo
	}
	if err := m.commitPages(offLo, offHi); err != nil {
		return err
	}
	if unpoison {
		m.setRangeLocked(lo, hi, true)
	} else {
		m.setRangeLocked(lo, hi, false)
	}
	return nil
}

// Poison marks [lo,hi) invalid. The region's shadow pages must already be
// mapped (via MapForRegion); otherwise the write lands in PROT_NONE guard
// pages and faults — callers own that ordering, matching the allocator's use
// (chunks are always MapForRegion'd before Poison/Unpoison toggles them).
func (m *Map) Poison(lo, hi uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRangeLocked(lo, hi, false)
}

// Unpoison marks [lo,hi) valid.
func (m *Map) Unpoison(lo, hi uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRangeLocked(lo, hi, true)
}

func (m *Map) setRangeLocked(lo, hi uintptr, valid bool) {
	for u := lo; u < hi; u++ {
		off := m.offset(u)
		byteIdx := off
		bit := uint(u & 7)
		if valid {
			m.bytes[byteIdx] |= 1 << bit
		} else {
			m.bytes[byteIdx] &^= 1 << bit
		}
	}
}

// bitReverse16 reverses the bit order of a 16-bit window. It is its own
// inverse (spec.md §8 Invariant 5) and mirrors the reduction the generated
// check blobs perform in machine code (internal/codegen's
// bitReverse16InPlace) to undo the byte-swap a 16-bit load does when the
// shadow window is read as a single little-endian value — a machine-code
// concern this Go-side Check does not share, since it reads each shadow
// byte directly rather than through a 16-bit load (see Check below).
func bitReverse16(v uint16) uint16 {
	var out uint16
	for i := 0; i < 16; i++ {
		if v&(1<<uint(i)) != 0 {
			out |= 1 << uint(15-i)
		}
	}
	return out
}

// exactWidths lists the non-power-of-two access widths spec.md §4.A names
// (3, 6, 12, 24, 32, 48, 64 bytes), kept for parity with
// internal/codegen.ExactMaskWidths and exercised by TestExactMaskWidths;
// Check itself tests every width the same way and does not need a
// precomputed mask.
var exactWidths = []uint8{3, 6, 12, 24, 32, 48, 64}

// Check reports whether the n-byte access starting at user address u is
// entirely valid (spec.md §4.A, §4.C step 1). Each shadow byte encodes
// eight validity bits in direct order: bit i of the byte covering user
// byte B*8 is the validity of user byte B*8+i (spec.md §3 "LSB = lowest
// user byte", matching setRangeLocked above) — so bit 0 of the lowest
// shadow byte already corresponds to the lowest user byte in range with no
// reversal needed; Check walks the bits directly rather than packing a
// reversed window, which also lets it handle widths wider than 16 bytes
// (the 24/32/48/64-byte exact-mask widths) without overflowing a fixed-size
// window. The addressing formula always folds into the reservation, so
// "out of shadow" in practice means "never committed by MapForRegion"
// (guard pages, or an address from outside any registered region); those
// queries are invalid and return false, resolving the open question in
// spec.md §9.
func (m *Map) Check(u uintptr, n uint8) bool {
	if n == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := u
	remaining := n
	for remaining > 0 {
		off := m.offset(addr)
		if !m.committedLocked(off) {
			return false
		}
		byteVal := m.bytes[off]
		bit := uint(addr & 7)
		for bit < 8 && remaining > 0 {
			if byteVal&(1<<bit) == 0 {
				return false
			}
			bit++
			addr++
			remaining--
		}
	}
	return true
}
