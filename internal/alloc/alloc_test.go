package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofrida/asanrt/internal/shadow"
)

func newTestAllocator(t *testing.T, quarantineMax uint64) (*Allocator, *shadow.Map) {
	t.Helper()
	sm, err := shadow.Reserve(24)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sm.Close() })
	return New(sm, quarantineMax), sm
}

func TestAllocRedZonesPoisoned(t *testing.T) {
	a, sm := newTestAllocator(t, 1<<16)

	ptr, err := a.Alloc(173, 8)
	require.NoError(t, err)
	require.NotZero(t, ptr)

	assert.True(t, sm.Check(ptr, 1), "start of user region must be unpoisoned")
	assert.True(t, sm.Check(ptr+172, 1), "last user byte must be unpoisoned")
	assert.False(t, sm.Check(ptr+173, 1), "one byte past user_size must be poisoned (front of rear red zone)")
	assert.False(t, sm.Check(ptr-1, 1), "one byte before user_ptr must be poisoned (rear of front red zone)")
}

func TestFreeUnallocatedAndDouble(t *testing.T) {
	a, _ := newTestAllocator(t, 1<<16)

	assert.NoError(t, a.Free(0), "free(nil) is a no-op")
	assert.ErrorIs(t, a.Free(0xdeadbeef), ErrUnallocatedFree)

	ptr, err := a.Alloc(16, 8)
	require.NoError(t, err)
	require.NoError(t, a.Free(ptr))
	assert.ErrorIs(t, a.Free(ptr), ErrDoubleFree)
}

func TestFreePoisonsWholeChunkAndSetsBacktrace(t *testing.T) {
	a, sm := newTestAllocator(t, 1<<16)

	ptr, err := a.Alloc(16, 8)
	require.NoError(t, err)
	require.NoError(t, a.Free(ptr))

	assert.False(t, sm.Check(ptr, 1))
	c := a.findExactLocked(ptr)
	require.NotNil(t, c)
	assert.True(t, c.Freed)
	assert.NotEmpty(t, c.FreeBacktrace)
}

func TestQuarantineWithholdsReuse(t *testing.T) {
	a, _ := newTestAllocator(t, 1<<20) // large enough that eviction doesn't fire

	p, err := a.Alloc(16, 8)
	require.NoError(t, err)
	require.NoError(t, a.Free(p))

	q, err := a.Alloc(16, 8)
	require.NoError(t, err)
	assert.NotEqual(t, p, q, "a quarantined chunk must not be handed back before eviction")
}

func TestCheckForLeaksAndReset(t *testing.T) {
	a, _ := newTestAllocator(t, 1<<16)

	_, err := a.Alloc(32, 8)
	require.NoError(t, err)
	p2, err := a.Alloc(64, 8)
	require.NoError(t, err)
	require.NoError(t, a.Free(p2))

	leaks := a.CheckForLeaks()
	require.Len(t, leaks, 1)
	assert.EqualValues(t, 32, leaks[0].UserSize)

	a.Reset()
	assert.Empty(t, a.CheckForLeaks())
}

func TestFindMetadataTieBreakAndNearest(t *testing.T) {
	a, _ := newTestAllocator(t, 1<<16)

	p, err := a.Alloc(16, 8)
	require.NoError(t, err)

	byBase := a.FindMetadata(p+1000, p)
	require.NotNil(t, byBase)
	assert.Equal(t, p, byBase.UserPtr)

	byDistance := a.FindMetadata(p+16, 0)
	require.NotNil(t, byDistance)
	assert.Equal(t, p, byDistance.UserPtr)
}

func TestReallocCopiesAndFreesOld(t *testing.T) {
	a, _ := newTestAllocator(t, 1<<16)

	p, err := a.Alloc(8, 8)
	require.NoError(t, err)
	src := unsafeBytes(p, 8)
	copy(src, []byte("ASANTEST"))

	q, err := a.Realloc(p, 32)
	require.NoError(t, err)
	assert.NotEqual(t, p, q)

	dst := unsafeBytes(q, 8)
	assert.Equal(t, []byte("ASANTEST"), dst)

	assert.ErrorIs(t, a.Free(p), ErrDoubleFree, "old pointer must already be freed by realloc")
}
