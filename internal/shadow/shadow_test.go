package shadow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitReverse16SelfInverse(t *testing.T) {
	cases := []uint16{0x0000, 0xffff, 0x0001, 0x8000, 0xac12, 0x00ac, 0x1234, 0xdead}
	for _, v := range cases {
		got := bitReverse16(bitReverse16(v))
		assert.Equalf(t, v, got, "bitReverse16(bitReverse16(0x%04x)) should be self-inverse", v)
	}
}

func TestReserveAndMapForRegion(t *testing.T) {
	m, err := Reserve(20)
	require.NoError(t, err)
	defer m.Close()

	const base = uintptr(0x1000_0000)
	const size = uintptr(4096)

	require.NoError(t, m.MapForRegion(base, base+size, false))
	for _, n := range []uint8{1, 2, 4, 8} {
		assert.False(t, m.Check(base, n), "freshly mapped-but-poisoned region must read invalid")
	}

	m.Unpoison(base, base+size)
	for _, n := range []uint8{1, 2, 4, 8} {
		assert.True(t, m.Check(base, n), "unpoisoned region must read valid")
	}

	m.Poison(base+8, base+16)
	assert.True(t, m.Check(base, 8))
	assert.False(t, m.Check(base+8, 1))
	assert.False(t, m.Check(base+4, 8), "access spanning into a poisoned byte must fail")
}

func TestCheckOutOfShadowIsInvalid(t *testing.T) {
	m, err := Reserve(12)
	require.NoError(t, err)
	defer m.Close()

	// Nothing has been registered via MapForRegion, so every address's
	// shadow byte is still an uncommitted guard page: reading it must
	// report invalid rather than touching PROT_NONE memory.
	huge := uintptr(1) << 40
	assert.False(t, m.Check(huge, 1), "a query with no committed shadow page must be invalid")
	assert.False(t, m.Check(0, 8), "a query with no committed shadow page must be invalid")
}

// TestShadowCheckFuncTruthTable exercises the offsets named in the source
// runtime's disabled experimental test block (0xac, +2, -1, ...), resolving
// the ambiguity it left open: every out-of-shadow or negative-relative
// query reads as invalid rather than panicking or wrapping around.
func TestShadowCheckFuncTruthTable(t *testing.T) {
	m, err := Reserve(16)
	require.NoError(t, err)
	defer m.Close()

	const base = uintptr(0xac0)
	const size = uintptr(0x100)
	require.NoError(t, m.MapForRegion(base, base+size, true))

	tests := []struct {
		name   string
		addr   uintptr
		width  uint8
		expect bool
	}{
		{"start of region", base, 1, true},
		{"start of region +2", base + 2, 2, true},
		{"one byte before region (poisoned)", base - 1, 1, false},
		{"last byte of region", base + size - 1, 1, true},
		{"one byte past region (poisoned)", base + size, 1, false},
		{"spans into unmapped tail", base + size - 1, 2, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, m.Check(tc.addr, tc.width))
		})
	}
}

func TestExactMaskWidths(t *testing.T) {
	m, err := Reserve(16)
	require.NoError(t, err)
	defer m.Close()

	const base = uintptr(0x2000)
	require.NoError(t, m.MapForRegion(base, base+128, true))

	for _, width := range exactWidths {
		assert.True(t, m.Check(base, width), "width %d should read valid in a fully unpoisoned region", width)
	}
}

// TestExactMaskWidthsBoundary exercises the one-byte off-by-one edges spec.md
// §8 requires for every width, including the non-power-of-two widths whose
// bit count exceeds a single 16-bit window (24, 32, 48, 64 bytes).
func TestExactMaskWidthsBoundary(t *testing.T) {
	m, err := Reserve(16)
	require.NoError(t, err)
	defer m.Close()

	const base = uintptr(0x3000)
	require.NoError(t, m.MapForRegion(base, base+256, true))

	for _, width := range exactWidths {
		assert.True(t, m.Check(base, width), "width %d: fully unpoisoned range must read valid", width)
		m.Poison(base+uintptr(width)-1, base+uintptr(width))
		assert.False(t, m.Check(base, width), "width %d: poisoning the last byte must be detected", width)
		m.Unpoison(base+uintptr(width)-1, base+uintptr(width))

		m.Poison(base, base+1)
		assert.False(t, m.Check(base, width), "width %d: poisoning the first byte must be detected", width)
		m.Unpoison(base, base+1)
	}
}
