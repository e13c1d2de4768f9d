package fault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofrida/asanrt/internal/abi"
	"github.com/gofrida/asanrt/internal/alloc"
	"github.com/gofrida/asanrt/internal/shadow"
	"github.com/gofrida/asanrt/pkg/asanerrors"
)

func TestStalkedMapLookupMissReturnsInput(t *testing.T) {
	m := NewStalkedMap()
	assert.Equal(t, uintptr(0x1234), m.Lookup(0x1234))
	m.Record(0x1234, 0x9999)
	assert.Equal(t, uintptr(0x9999), m.Lookup(0x1234))
}

func TestThreadRegistryContains(t *testing.T) {
	reg := NewThreadRegistry()
	reg.Register(abi.ThreadRange{Lo: 0x7000, Hi: 0x8000})
	assert.True(t, reg.Contains(0x7500))
	assert.False(t, reg.Contains(0x9000))
	reg.Reset()
	assert.False(t, reg.Contains(0x7500))
}

func TestHandleClassifiesStackOob(t *testing.T) {
	reg := NewThreadRegistry()
	reg.Register(abi.ThreadRange{Lo: 0x7000, Hi: 0x8000})
	h := New(abi.ArchAMD64, nil, NewStalkedMap(), reg, nil)

	var reported *asanerrors.AsanError
	h.Report = func(e *asanerrors.AsanError) { reported = e }
	h.ContinueOnError = true

	e := h.Handle(make([]uint64, 16), 0x1000, 0x7500, true)
	require.NotNil(t, e)
	assert.Equal(t, asanerrors.KindStackOobWrite, e.Kind)
	assert.Same(t, e, reported)
}

func TestHandleClassifiesUseAfterFree(t *testing.T) {
	sm, err := shadow.Reserve(20)
	require.NoError(t, err)
	defer sm.Close()

	a := alloc.New(sm, 1<<20)
	ptr, err := a.Alloc(32, 8)
	require.NoError(t, err)
	require.NoError(t, a.Free(ptr))

	h := New(abi.ArchAMD64, a, NewStalkedMap(), NewThreadRegistry(), nil)
	h.ContinueOnError = true

	e := h.Handle(make([]uint64, 16), 0, ptr, false)
	require.NotNil(t, e)
	assert.Equal(t, asanerrors.KindReadAfterFree, e.Kind)
	require.NotNil(t, e.Chunk)
	assert.True(t, e.Chunk.Freed)
}

func TestHandleClassifiesHeapOob(t *testing.T) {
	sm, err := shadow.Reserve(20)
	require.NoError(t, err)
	defer sm.Close()

	a := alloc.New(sm, 1<<20)
	ptr, err := a.Alloc(16, 8)
	require.NoError(t, err)

	h := New(abi.ArchAMD64, a, NewStalkedMap(), NewThreadRegistry(), nil)
	h.ContinueOnError = true

	// one byte past the end of the 16-byte user range, inside the rear red zone
	e := h.Handle(make([]uint64, 16), 0, ptr+16, true)
	require.NotNil(t, e)
	assert.Equal(t, asanerrors.KindOobWrite, e.Kind)
}

func TestHandleUnknownWhenNothingMatches(t *testing.T) {
	h := New(abi.ArchAMD64, nil, NewStalkedMap(), NewThreadRegistry(), nil)
	h.ContinueOnError = true
	e := h.Handle(make([]uint64, 16), 0, 0xdeadbeef, false)
	require.NotNil(t, e)
	assert.Equal(t, asanerrors.KindUnknown, e.Kind)
}

func TestHandleAbortsWhenContinueOnErrorFalse(t *testing.T) {
	h := New(abi.ArchAMD64, nil, NewStalkedMap(), NewThreadRegistry(), nil)
	aborted := false
	h.Abort = func(*asanerrors.AsanError) { aborted = true }
	h.Handle(make([]uint64, 16), 0, 0xdeadbeef, false)
	assert.True(t, aborted)
}
