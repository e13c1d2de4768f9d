package asanrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofrida/asanrt/internal/abi"
	"github.com/gofrida/asanrt/pkg/asanerrors"
)

type noModules struct{}

func (noModules) Modules() []ModuleRegion { return nil }

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	opts := DefaultOptions()
	opts.ContinueOnError = true
	r := New(abi.ArchAMD64, opts)
	require.NoError(t, r.Init(20, noModules{}))
	t.Cleanup(func() { r.Close() })
	return r
}

func TestInitWiresEverySubsystem(t *testing.T) {
	r := newTestRuntime(t)
	assert.NotNil(t, r.Shadow)
	assert.NotNil(t, r.Allocator)
	assert.NotNil(t, r.Collector)
	assert.NotNil(t, r.Blobs)
	assert.NotNil(t, r.Hooks)
	assert.NotNil(t, r.Fault)
	assert.True(t, r.HooksEnabled())
}

func TestMallocFreeReportsThroughRuntimeCollector(t *testing.T) {
	r := newTestRuntime(t)
	ptr := r.Hooks.Malloc(32)
	require.NotZero(t, ptr)
	r.Hooks.Free(ptr)
	r.Hooks.Free(ptr) // double free
	require.Equal(t, 1, r.Collector.Len())
	assert.Equal(t, asanerrors.KindDoubleFree, r.Errors()[0].Kind)
}

func TestPostExecDetectsLeaks(t *testing.T) {
	r := newTestRuntime(t)
	_ = r.Hooks.Malloc(16) // never freed

	leaks := r.PostExec(nil)
	require.Len(t, leaks, 1)
	assert.Equal(t, asanerrors.KindLeak, leaks[0].Kind)
}

func TestPostExecResetsAllocatorState(t *testing.T) {
	r := newTestRuntime(t)
	ptr := r.Hooks.Malloc(16)
	r.PostExec(nil)
	_, ok := r.Allocator.UsableSize(ptr)
	assert.False(t, ok)
}

func TestEnableDisableHooksGatesReentrance(t *testing.T) {
	r := newTestRuntime(t)
	r.DisableHooks()
	assert.False(t, r.HooksEnabled())
	assert.False(t, r.Hooks.Enabled())
	r.EnableHooks()
	assert.True(t, r.HooksEnabled())
}

func TestPreExecUnpoisonsInputRange(t *testing.T) {
	r := newTestRuntime(t)
	input := make([]byte, 64)
	r.PreExec(input)
	assert.True(t, r.Shadow.Check(sliceAddr(input), 8))
	r.PostExec(input)
	assert.False(t, r.Shadow.Check(sliceAddr(input), 8))
}
