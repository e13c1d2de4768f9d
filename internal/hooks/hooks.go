// Package hooks implements the allocator-function hook table (spec.md
// §4.F): intercepted heap and memory-touching calls are dispatched here so
// that shadow-map and allocator bookkeeping stays consistent, and so that
// free-to-free / free-after-use / bad-argument conditions become
// observable rather than silently corrupting memory.
//
// The installation mechanism itself — trapping a call to `malloc` and
// redirecting it to HookTable.Malloc — is the external stalker/hooking
// framework's job (spec.md §1 "we consume" the rewriter, not specify it);
// this package only implements what each hook does once invoked.
//
// Grounded on internal/wasm/safety.go's MemorySafetyManager
// (ValidateAllocation/ValidateDeallocation/ValidateAccess dispatch against
// a shared mutable safety state) for the dispatch-and-record shape.
package hooks

import (
	"sync/atomic"

	"github.com/gofrida/asanrt/internal/alloc"
	"github.com/gofrida/asanrt/internal/shadow"
	"github.com/gofrida/asanrt/pkg/asanerrors"
)

// Symbol names the hook surface spec.md §6 enumerates, grouped by kind so
// a table of all of them can be carried even though only a subset has a
// concrete Go-callable replacement in this runtime (platform allocators
// like RtlAllocateHeap and Windows-only symbols are listed for
// completeness but have no dispatch target on this platform).
type Symbol struct {
	Name string
	Kind SymbolKind
}

type SymbolKind int

const (
	KindAlloc SymbolKind = iota
	KindMemTouch
	KindCXXNewDelete
	KindPlatformAlloc
)

// Symbols is the non-exhaustive hook target surface from spec.md §6.
var Symbols = []Symbol{
	{"malloc", KindAlloc}, {"calloc", KindAlloc}, {"realloc", KindAlloc},
	{"free", KindAlloc}, {"memalign", KindAlloc}, {"posix_memalign", KindAlloc},
	{"malloc_usable_size", KindAlloc},
	{"mmap", KindAlloc}, {"munmap", KindAlloc},
	{"memcpy", KindMemTouch}, {"memmove", KindMemTouch}, {"memset", KindMemTouch},
	{"memchr", KindMemTouch}, {"memmem", KindMemTouch}, {"mempcpy", KindMemTouch},
	{"bzero", KindMemTouch}, {"explicit_bzero", KindMemTouch},
	{"memset_pattern4", KindMemTouch}, {"memset_pattern8", KindMemTouch}, {"memset_pattern16", KindMemTouch},
	{"strchr", KindMemTouch}, {"strrchr", KindMemTouch}, {"strcpy", KindMemTouch},
	{"strncpy", KindMemTouch}, {"stpcpy", KindMemTouch}, {"strcat", KindMemTouch},
	{"strcmp", KindMemTouch}, {"strncmp", KindMemTouch}, {"strcasecmp", KindMemTouch},
	{"strncasecmp", KindMemTouch}, {"strdup", KindMemTouch}, {"strlen", KindMemTouch},
	{"strnlen", KindMemTouch}, {"strstr", KindMemTouch}, {"strcasestr", KindMemTouch},
	{"atoi", KindMemTouch}, {"atol", KindMemTouch}, {"atoll", KindMemTouch},
	{"wcslen", KindMemTouch}, {"wcscpy", KindMemTouch}, {"wcscmp", KindMemTouch},
	{"read", KindMemTouch}, {"write", KindMemTouch}, {"fgets", KindMemTouch},
	{"RtlAllocateHeap", KindPlatformAlloc}, {"HeapReAlloc", KindPlatformAlloc},
	{"RtlFreeHeap", KindPlatformAlloc}, {"RtlSizeHeap", KindPlatformAlloc},
	{"RtlValidateHeap", KindPlatformAlloc},
	{"_Znwm", KindCXXNewDelete}, {"_ZnwmSt11align_val_t", KindCXXNewDelete},
	{"_Znam", KindCXXNewDelete}, {"_ZnamSt11align_val_t", KindCXXNewDelete},
	{"_ZdlPv", KindCXXNewDelete}, {"_ZdlPvm", KindCXXNewDelete},
	{"_ZdaPv", KindCXXNewDelete}, {"_ZdaPvm", KindCXXNewDelete},
}

// HookTable dispatches the hook surface to the allocator and shadow map,
// gated by Enabled (spec.md §4.F "Re-entrance: hooks are gated by
// hooks_enabled").
type HookTable struct {
	enabled atomic.Bool

	Allocator *alloc.Allocator
	Shadow    *shadow.Map

	// ShortCircuitBadArg controls whether a pre-validation failure skips
	// the real call (true) or proceeds to it anyway after reporting
	// (false), per spec.md §4.F "either short-circuit or proceed to the
	// real call, per configuration".
	ShortCircuitBadArg bool

	// Report receives every BadFuncArg error this table detects.
	Report func(*asanerrors.AsanError)
}

// New constructs a HookTable wired to allocator and shadowMap, starting
// disabled until Enable is called (pkg/asanrt calls it from both Init and
// PreExec).
func New(allocator *alloc.Allocator, shadowMap *shadow.Map) *HookTable {
	return &HookTable{Allocator: allocator, Shadow: shadowMap}
}

func (h *HookTable) Enable()  { h.enabled.Store(true) }
func (h *HookTable) Disable() { h.enabled.Store(false) }
func (h *HookTable) Enabled() bool { return h.enabled.Load() }

// --- allocator entry points (spec.md §4.F, §6) ---

// Malloc implements the malloc hook: while disabled, it bypasses the
// quarantined allocator entirely (spec.md §5 "any memory-touching hook
// that fires during handling must see hooks_enabled == false and pass
// through untouched" — for allocation hooks specifically, that means no
// shadow/quarantine bookkeeping happens either, since the call did not
// originate from instrumented user code).
func (h *HookTable) Malloc(size uint64) uintptr {
	if !h.Enabled() {
		return rawAlloc(size)
	}
	ptr, err := h.Allocator.Alloc(size, 8)
	if err != nil {
		return 0
	}
	return ptr
}

// Calloc implements the calloc hook: alloc(n*size) then zero-fill.
func (h *HookTable) Calloc(n, size uint64) uintptr {
	total := n * size
	ptr := h.Malloc(total)
	if ptr != 0 && h.Enabled() {
		zero(ptr, total)
	}
	return ptr
}

// Realloc implements the realloc hook.
func (h *HookTable) Realloc(ptr uintptr, size uint64) uintptr {
	if !h.Enabled() {
		return rawAlloc(size)
	}
	newPtr, err := h.Allocator.Realloc(ptr, size)
	if err != nil {
		return 0
	}
	return newPtr
}

// Free implements the free hook. The allocator's own Free already
// implements UnallocatedFree/DoubleFree detection (spec.md §4.B); this
// hook's job is solely to report that outcome through the error pipeline.
func (h *HookTable) Free(ptr uintptr) {
	if !h.Enabled() {
		return
	}
	if err := h.Allocator.Free(ptr); err != nil && h.Report != nil {
		access := asanerrors.AccessDescriptor{FaultAddress: ptr}
		switch err {
		case alloc.ErrUnallocatedFree:
			h.Report(asanerrors.NewUnallocatedFree(0, access, captureBacktrace()))
		case alloc.ErrDoubleFree:
			h.Report(asanerrors.NewDoubleFree(0, nil, access, captureBacktrace(), nil))
		}
	}
}

// PosixMemalign implements posix_memalign: size and align come from the
// caller's already-validated arguments (the ABI-specific argument read is
// external per spec.md §4.F "Read arguments from the captured CPU
// context").
func (h *HookTable) PosixMemalign(size, align uint64) uintptr {
	if !h.Enabled() {
		return rawAlloc(size)
	}
	ptr, err := h.Allocator.Alloc(size, align)
	if err != nil {
		return 0
	}
	return ptr
}

// MallocUsableSize implements malloc_usable_size.
func (h *HookTable) MallocUsableSize(ptr uintptr) uint64 {
	n, ok := h.Allocator.UsableSize(ptr)
	if !ok {
		return 0
	}
	return n
}

// --- C++ new/delete (spec.md §6 mangled symbol list) ---

// New implements every _Znwm/_Znam overload shape: operator new and
// operator new[] both reduce to "allocate size bytes", optionally aligned;
// nothrow variants differ only in what the (external) C++ ABI shim does on
// failure, not in what this hook does.
func (h *HookTable) New(size uint64, align uint64) uintptr {
	if align == 0 {
		align = 8
	}
	return h.PosixMemalign(size, align)
}

// Delete implements every _ZdlPv/_ZdaPv overload shape: operator delete and
// operator delete[] both reduce to "free this pointer".
func (h *HookTable) Delete(ptr uintptr) { h.Free(ptr) }

// --- memory-touching helpers (spec.md §4.F, §6) ---

// ValidateRange pre-validates one argument range with shadow_check
// (spec.md §4.F "pre-validate argument ranges with shadow_check"),
// reporting BadFuncArg on failure. Returns true if the range is valid (or
// validation is disabled/short-circuit is off and the caller should
// proceed anyway).
func (h *HookTable) ValidateRange(funcName string, ptr uintptr, n uint64) bool {
	if !h.Enabled() || h.Shadow == nil || n == 0 {
		return true
	}
	const maxInlineWidth = 64
	remaining := n
	addr := ptr
	for remaining > 0 {
		chunk := remaining
		if chunk > maxInlineWidth {
			chunk = maxInlineWidth
		}
		if !h.Shadow.Check(addr, uint8(chunk)) {
			if h.Report != nil {
				access := asanerrors.AccessDescriptor{FaultAddress: addr}
				h.Report(asanerrors.NewBadFuncArg(funcName, access, captureBacktrace()))
			}
			return !h.ShortCircuitBadArg
		}
		addr += uintptr(chunk)
		remaining -= chunk
	}
	return true
}

// Memcpy implements the memcpy/memmove/mempcpy hook family: pre-validate
// both ranges, then perform the copy (spec.md §8 scenario 6: "detected by
// the pre-call range check rather than the emitted per-instruction
// check").
func (h *HookTable) Memcpy(dst, src uintptr, n uint64) uintptr {
	okDst := h.ValidateRange("memcpy", dst, n)
	okSrc := h.ValidateRange("memcpy", src, n)
	if !okDst || !okSrc {
		return dst
	}
	copy(unsafeBytes(dst, n), unsafeBytes(src, n))
	return dst
}

// Memset implements the memset/bzero/memset_pattern* hook family.
func (h *HookTable) Memset(dst uintptr, value byte, n uint64) uintptr {
	if !h.ValidateRange("memset", dst, n) {
		return dst
	}
	b := unsafeBytes(dst, n)
	for i := range b {
		b[i] = value
	}
	return dst
}

// Strlen implements the strlen hook: validated byte-at-a-time so the scan
// stops exactly at the first invalid byte rather than reading past a
// redzone looking for a NUL.
func (h *HookTable) Strlen(ptr uintptr) uint64 {
	if !h.Enabled() || h.Shadow == nil {
		return rawStrlen(ptr)
	}
	var n uint64
	for {
		if !h.Shadow.Check(ptr+uintptr(n), 1) {
			if h.Report != nil {
				access := asanerrors.AccessDescriptor{FaultAddress: ptr + uintptr(n)}
				h.Report(asanerrors.NewBadFuncArg("strlen", access, captureBacktrace()))
			}
			return n
		}
		if *(*byte)(ptrAt(ptr + uintptr(n))) == 0 {
			return n
		}
		n++
	}
}

// Strcpy implements the strcpy hook: validates the source length via
// Strlen's byte-at-a-time scan (which includes the trailing NUL), then
// validates and performs the destination copy.
func (h *HookTable) Strcpy(dst, src uintptr) uintptr {
	n := h.Strlen(src) + 1
	return h.Memcpy(dst, src, n)
}

func zero(ptr uintptr, n uint64) {
	b := unsafeBytes(ptr, n)
	for i := range b {
		b[i] = 0
	}
}

func captureBacktrace() []uintptr {
	pcs := make([]uintptr, 32)
	n := goRuntimeCallers(3, pcs)
	return pcs[:n]
}
