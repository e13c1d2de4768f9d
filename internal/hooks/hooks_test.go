package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofrida/asanrt/internal/alloc"
	"github.com/gofrida/asanrt/internal/shadow"
	"github.com/gofrida/asanrt/pkg/asanerrors"
)

func newTestTable(t *testing.T) *HookTable {
	t.Helper()
	sm, err := shadow.Reserve(20)
	require.NoError(t, err)
	t.Cleanup(func() { sm.Close() })
	a := alloc.New(sm, 1<<20)
	h := New(a, sm)
	h.Enable()
	return h
}

func TestMallocFreeRoundTrip(t *testing.T) {
	h := newTestTable(t)
	ptr := h.Malloc(64)
	require.NotZero(t, ptr)
	assert.Equal(t, uint64(64), h.MallocUsableSize(ptr))
	h.Free(ptr)
	assert.Equal(t, uint64(0), h.MallocUsableSize(ptr))
}

func TestFreeReportsDoubleFree(t *testing.T) {
	h := newTestTable(t)
	var reported *asanerrors.AsanError
	h.Report = func(e *asanerrors.AsanError) { reported = e }

	ptr := h.Malloc(32)
	h.Free(ptr)
	h.Free(ptr)
	require.NotNil(t, reported)
	assert.Equal(t, asanerrors.KindDoubleFree, reported.Kind)
}

func TestFreeReportsUnallocatedFree(t *testing.T) {
	h := newTestTable(t)
	var reported *asanerrors.AsanError
	h.Report = func(e *asanerrors.AsanError) { reported = e }

	h.Free(0xdeadbeef)
	require.NotNil(t, reported)
	assert.Equal(t, asanerrors.KindUnallocatedFree, reported.Kind)
}

func TestMemcpyReportsBadFuncArgOnInvalidSource(t *testing.T) {
	h := newTestTable(t)
	var reported *asanerrors.AsanError
	h.Report = func(e *asanerrors.AsanError) { reported = e }
	h.ShortCircuitBadArg = true

	dst := h.Malloc(16)
	h.Memcpy(dst, 0xdeadbeef, 16)
	require.NotNil(t, reported)
	assert.Equal(t, asanerrors.KindBadFuncArg, reported.Kind)
	assert.Equal(t, "memcpy", reported.FuncName)
}

func TestMemcpyValidRangesSucceed(t *testing.T) {
	h := newTestTable(t)
	src := h.Malloc(16)
	dst := h.Malloc(16)
	b := unsafeBytes(src, 16)
	for i := range b {
		b[i] = byte(i)
	}
	h.Memcpy(dst, src, 16)
	assert.Equal(t, b, unsafeBytes(dst, 16))
}

func TestCallocZeroesMemory(t *testing.T) {
	h := newTestTable(t)
	ptr := h.Calloc(4, 4)
	for _, b := range unsafeBytes(ptr, 16) {
		assert.Equal(t, byte(0), b)
	}
}

func TestDisabledHooksBypassAllocator(t *testing.T) {
	h := newTestTable(t)
	h.Disable()
	ptr := h.Malloc(8)
	require.NotZero(t, ptr)
	// bypassed the quarantined allocator entirely: not a known chunk
	_, ok := h.Allocator.UsableSize(ptr)
	assert.False(t, ok)
}
