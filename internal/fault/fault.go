// Package fault implements the fault-handling pipeline (spec.md §4.E): on
// a failed shadow check, locate the true guest PC behind a stalked address,
// decode the faulting instruction, classify the access against thread
// stack ranges and allocator metadata, and build a structured AsanError.
//
// Per spec.md §5, this package is explicitly NOT reentrant: Handler.Handle
// assumes the caller has already set hooksEnabled=false (internal/hooks)
// before invoking it, and the caller restores it afterward.
//
// Grounded on internal/wasm/safety.go's MemorySafetyManager.ValidateAccess
// (decode an access, classify against known ranges, record a typed
// violation) and internal/wasm/bounds.go's region-lookup style for thread
// range containment.
package fault

import (
	"runtime"
	"sync"

	"github.com/gofrida/asanrt/internal/abi"
	"github.com/gofrida/asanrt/internal/alloc"
	"github.com/gofrida/asanrt/internal/inline"
	"github.com/gofrida/asanrt/pkg/asanerrors"
)

// StalkedMap maps a rewritten (stalked) PC back to the original guest PC,
// populated by the stalker as it emits blocks and read by Handler.Handle
// (spec.md §3 "Stalked-address map"; §5 "guarded by a mutex; writes by the
// stalker, reads by the fault handler").
type StalkedMap struct {
	mu sync.Mutex
	m  map[uintptr]uintptr
}

func NewStalkedMap() *StalkedMap { return &StalkedMap{m: make(map[uintptr]uintptr)} }

// Record associates a stalked PC with the original guest PC it was
// rewritten from.
func (s *StalkedMap) Record(stalkedPC, guestPC uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[stalkedPC] = guestPC
}

// Lookup resolves a stalked PC to its guest PC. If stalkedPC was never
// recorded (e.g. the caller already passed a guest PC), it is returned
// unchanged — a stalked-address map miss is not itself an error.
func (s *StalkedMap) Lookup(stalkedPC uintptr) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.m[stalkedPC]; ok {
		return pc
	}
	return stalkedPC
}

// ThreadRegistry tracks registered threads' stack/TLS ranges (spec.md §3
// Thread record), guarded by a mutex per spec.md §5.
type ThreadRegistry struct {
	mu     sync.Mutex
	ranges []abi.ThreadRange
}

func NewThreadRegistry() *ThreadRegistry { return &ThreadRegistry{} }

// Register records stack (and, where meaningful, TLS) ranges for a newly
// registered thread (spec.md §4.G register_thread).
func (t *ThreadRegistry) Register(ranges ...abi.ThreadRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges = append(t.ranges, ranges...)
}

// Contains reports whether addr falls within any registered range.
func (t *ThreadRegistry) Contains(addr uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.ranges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// Reset clears every registered range (used alongside internal/alloc.Reset
// between fuzz iterations if the caller chooses to re-register threads).
func (t *ThreadRegistry) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges = nil
}

// Handler is the fault-handling pipeline (spec.md §4.E). Construct with
// New; Report and Abort are supplied by the owning runtime (pkg/asanrt) so
// this package never depends on the collector's concrete type.
type Handler struct {
	Arch            abi.Arch
	Allocator       *alloc.Allocator
	Stalked         *StalkedMap
	Threads         *ThreadRegistry
	Decoder         inline.Decoder
	ContinueOnError bool

	// Report is called with every built error, before Abort. It is always
	// set by the owning runtime to the process-wide collector's Append.
	Report func(*asanerrors.AsanError)
	// Abort is called after Report when ContinueOnError is false. The
	// owning runtime wires this to its configured abort action
	// (spec.md §7: "the handler calls a configured abort after reporting").
	Abort func(*asanerrors.AsanError)
}

// New constructs a Handler. decoder must match arch (internal/inline's
// AMD64Decoder or ARM64Decoder).
func New(arch abi.Arch, allocator *alloc.Allocator, stalked *StalkedMap, threads *ThreadRegistry, decoder inline.Decoder) *Handler {
	return &Handler{
		Arch:      arch,
		Allocator: allocator,
		Stalked:   stalked,
		Threads:   threads,
		Decoder:   decoder,
	}
}

// readCode returns up to n bytes starting at pc, read directly from this
// process's address space. This only makes sense when the faulting
// instruction lives in memory the runtime itself can read (true for an
// in-process stalker target); an external out-of-process harness would
// substitute its own memory reader here.
func readCode(pc uintptr, n int) []byte {
	if pc == 0 {
		return nil
	}
	return unsafeRead(pc, n)
}

// Handle implements spec.md §4.E steps 1-5: locate the true PC, decode the
// faulting instruction, classify the access, attach context, and report.
// regs is the raw GPR slice in the owning codegen.ISA's save-register order
// (abi.AMD64SaveRegisterNames / abi.ARM64SaveRegisterNames); naming and any
// synthetic/derived values are resolved internally via abi.NameRegisters.
func (h *Handler) Handle(regs []uint64, stalkedPC, faultAddr uintptr, isWrite bool) *asanerrors.AsanError {
	truePC := h.Stalked.Lookup(stalkedPC)

	var baseVal uintptr
	var haveBase bool
	named := abi.NameRegisters(h.Arch, regs)
	if h.Decoder != nil {
		if op, _, ok := h.Decoder.Decode(readCode(truePC, 16), truePC); ok {
			if v, found := abi.GPRValue(h.Arch, named, op.BaseReg); found {
				baseVal = uintptr(v)
				haveBase = true
			}
			isWrite = op.IsStore
		}
	}
	if !haveBase {
		baseVal = faultAddr
	}

	access := asanerrors.AccessDescriptor{FaultAddress: faultAddr}
	bt := captureBacktrace()

	var e *asanerrors.AsanError
	switch {
	case h.Threads != nil && h.Threads.Contains(faultAddr):
		e = asanerrors.NewStackOob(isWrite, truePC, named, access, bt)
	default:
		chunk := h.classifyHeap(faultAddr, baseVal, isWrite, truePC, named, access, bt)
		e = chunk
	}
	if e == nil {
		e = asanerrors.NewUnknown(truePC, named, access, bt)
	}

	if h.Report != nil {
		h.Report(e)
	}
	if !h.ContinueOnError && h.Abort != nil {
		h.Abort(e)
	}
	return e
}

func (h *Handler) classifyHeap(faultAddr, baseVal uintptr, isWrite bool, pc uintptr, regs []abi.NamedRegister, access asanerrors.AccessDescriptor, bt []uintptr) *asanerrors.AsanError {
	if h.Allocator == nil {
		return nil
	}
	c := h.Allocator.FindMetadata(faultAddr, baseVal)
	if c == nil {
		return nil
	}
	meta := &asanerrors.ChunkMetadata{
		UserPtr:        c.UserPtr,
		UserSize:       c.UserSize,
		Freed:          c.Freed,
		AllocBacktrace: c.AllocBacktrace,
		FreeBacktrace:  c.FreeBacktrace,
	}
	if c.Freed {
		return asanerrors.NewUseAfterFree(isWrite, pc, regs, access, bt, meta)
	}
	return asanerrors.NewOob(isWrite, pc, regs, access, bt, meta)
}

func captureBacktrace() []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}
