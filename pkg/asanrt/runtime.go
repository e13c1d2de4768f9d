// Package asanrt is the runtime lifecycle and public facade (spec.md
// §4.G): Init, RegisterThread, PreExec, PostExec, EnableHooks/DisableHooks,
// wiring together internal/shadow, internal/alloc, internal/codegen,
// internal/inline, internal/fault, and internal/hooks.
//
// Per spec.md §9's cyclic-borrowing resolution, Runtime is process-global
// state with two halves: an immutable code-tables half (Blobs,
// ReportBlobAddr, Hooks) built once at Init, and a mutex-guarded mutable
// half (Allocator, Collector, Stalked) that internal/fault.Handler acquires
// on demand rather than holding a live reference into.
//
// Grounded on the teacher's pkg/spacetimedb/client.go (a facade type
// assembling sub-components behind a small lifecycle API) and
// internal/runtime's cleanup-registration pattern, generalized from a
// single in-process memory buffer to the full shadow/allocator/hook
// assembly this spec requires.
package asanrt

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gofrida/asanrt/internal/abi"
	"github.com/gofrida/asanrt/internal/alloc"
	"github.com/gofrida/asanrt/internal/codegen"
	"github.com/gofrida/asanrt/internal/fault"
	"github.com/gofrida/asanrt/internal/hooks"
	"github.com/gofrida/asanrt/internal/inline"
	"github.com/gofrida/asanrt/internal/shadow"
	"github.com/gofrida/asanrt/pkg/asanerrors"
)

// ModuleRegion describes one currently-mapped region of the target
// process, as the external ModuleMap enumerator (spec.md §1) reports it.
type ModuleRegion struct {
	Name     string
	Lo, Hi   uintptr
	Writable bool
}

// ModuleMap is the external module/memory-region enumerator spec.md §1
// names as a collaborator we only consume: "a ModuleMap enumerator".
type ModuleMap interface {
	Modules() []ModuleRegion
}

// FrameRegistrar is the external __register_frame FFI contract
// (SPEC_FULL.md §3): given the AArch64 report blob's address/length and
// its built eh_frame bytes, it registers the unwind info with the
// process's unwinder. Named, not implemented, per spec.md §1.
type FrameRegistrar interface {
	RegisterFrame(frame codegen.EHFrame, blobAddr uintptr, blobLen uint32) error
}

// Runtime is the top-level facade spec.md §4.G describes.
type Runtime struct {
	Options Options
	Logger  zerolog.Logger

	Arch abi.Arch

	// Immutable code-tables half, built once at Init.
	Shadow         *shadow.Map
	Blobs          *codegen.BlobTable
	ReportBlobAddr uintptr
	Hooks          *hooks.HookTable
	Inliner        *inline.Inliner

	// Mutex-guarded mutable half.
	mu        sync.Mutex
	Allocator *alloc.Allocator
	Collector *Collector
	Stalked   *fault.StalkedMap
	Threads   *fault.ThreadRegistry
	Fault     *fault.Handler

	hooksEnabled bool
}

// New constructs a Runtime for arch with opts. Call Init before using it.
func New(arch abi.Arch, opts Options) *Runtime {
	if opts.Abort == nil {
		opts.Abort = func(err error) { panic(err) }
	}
	return &Runtime{Options: opts, Logger: opts.Logger, Arch: arch}
}

// Init implements spec.md §4.G init(module_map): reserve shadow; initialize
// the allocator; generate all blobs; unpoison every currently mapped RW
// region; install hooks; register the main thread.
func (r *Runtime) Init(shadowBit uint, modules ModuleMap) error {
	sm, err := shadow.Reserve(shadowBit)
	if err != nil {
		return fmt.Errorf("asanrt: init: %w", err)
	}
	r.Shadow = sm
	r.Logger.Info().Uint("shadow_bit", shadowBit).Msg("shadow region reserved")

	r.Allocator = alloc.New(sm, r.Options.QuarantineMaxBytes)
	r.Collector = NewCollector()
	r.Stalked = fault.NewStalkedMap()
	r.Threads = fault.NewThreadRegistry()

	isa, decoder := r.isaAndDecoder(sm.BaseAddr())
	r.Blobs = codegen.BuildBlobTable(isa)
	// The report blob's real address is wherever the external stalker's
	// rewrite buffer actually placed the generated bytes; this runtime
	// only needs a stable placeholder to wire the rest of Init together
	// (spec.md §9: "current_report_impl" names exactly this address).
	r.ReportBlobAddr = sm.BaseAddr() + (uintptr(1) << (shadowBit + 1))

	r.Inliner = inline.New(decoder, r.Blobs, r.ReportBlobAddr)
	r.Inliner.SkipRanges = r.Options.DontInstrument

	r.Hooks = hooks.New(r.Allocator, sm)
	r.Hooks.ShortCircuitBadArg = r.Options.ShortCircuitBadArg
	r.Hooks.Report = r.report

	r.Fault = fault.New(r.Arch, r.Allocator, r.Stalked, r.Threads, decoder)
	r.Fault.ContinueOnError = r.Options.ContinueOnError
	r.Fault.Report = r.report
	r.Fault.Abort = func(e *asanerrors.AsanError) { r.Options.Abort(e) }

	if modules != nil {
		for _, mr := range modules.Modules() {
			if !mr.Writable {
				continue
			}
			if err := sm.MapForRegion(mr.Lo, mr.Hi, true); err != nil {
				r.Logger.Warn().Str("module", mr.Name).Err(err).Msg("failed to unpoison module region")
			}
		}
	}

	r.EnableHooks()
	r.RegisterCurrentThread()
	return nil
}

func (r *Runtime) isaAndDecoder(shadowBase uintptr) (codegen.ISA, inline.Decoder) {
	switch r.Arch {
	case abi.ArchARM64:
		return codegen.ARM64{ShadowBit: r.Shadow.ShadowBit(), ShadowBase: shadowBase}, inline.ARM64Decoder{}
	default:
		return codegen.AMD64{ShadowBit: r.Shadow.ShadowBit(), ShadowBase: shadowBase}, inline.AMD64Decoder{}
	}
}

func (r *Runtime) report(e *asanerrors.AsanError) {
	r.Logger.Error().Str("kind", e.Kind.String()).Msg("asan error reported")
	r.Collector.Append(e)
}

// RegisterThread implements spec.md §4.G register_thread(): unpoison the
// given stack and TLS ranges. Locating them is the caller's job here
// (spec.md describes "scanning a memory-area enumerator ... and via a TLS
// pointer helper" — both platform-specific external lookups); a zero-value
// ThreadRange is skipped.
func (r *Runtime) RegisterThread(stack, tls abi.ThreadRange) {
	var ranges []abi.ThreadRange
	if stack.Hi > stack.Lo {
		r.Shadow.MapForRegion(stack.Lo, stack.Hi, true)
		ranges = append(ranges, stack)
	}
	if tls.Hi > tls.Lo {
		r.Shadow.MapForRegion(tls.Lo, tls.Hi, true)
		ranges = append(ranges, tls)
	}
	if len(ranges) > 0 {
		r.Threads.Register(ranges...)
	}
}

// PreExec implements spec.md §4.G pre_exec(input_bytes): unpoison the
// input bytes' memory range; enable hooks.
func (r *Runtime) PreExec(input []byte) {
	if len(input) > 0 {
		lo := sliceAddr(input)
		hi := lo + uintptr(len(input))
		r.Shadow.MapForRegion(lo, hi, true)
	}
	r.EnableHooks()
}

// PostExec implements spec.md §4.G post_exec(input_bytes): disable hooks;
// optionally run leak detection; poison the input range; reset the
// allocator's per-iteration state.
func (r *Runtime) PostExec(input []byte) []*asanerrors.AsanError {
	r.DisableHooks()

	var leaks []*asanerrors.AsanError
	if r.Options.DetectLeaks {
		for _, c := range r.Allocator.CheckForLeaks() {
			e := asanerrors.NewLeak(asanerrors.ChunkMetadata{
				UserPtr:        c.UserPtr,
				UserSize:       c.UserSize,
				Freed:          c.Freed,
				AllocBacktrace: c.AllocBacktrace,
			})
			r.report(e)
			leaks = append(leaks, e)
		}
	}

	if len(input) > 0 {
		lo := sliceAddr(input)
		hi := lo + uintptr(len(input))
		r.Shadow.Poison(lo, hi)
	}
	r.Allocator.Reset()
	return leaks
}

// EnableHooks / DisableHooks implement spec.md §4.G and the §5 re-entrance
// gate: PostExec disables hooks before doing its own memory-touching work,
// so a hook firing then passes through untouched. Runtime.Fault.Handle
// does not change the gate; it runs with whatever state the caller left.
func (r *Runtime) EnableHooks() {
	r.mu.Lock()
	r.hooksEnabled = true
	r.mu.Unlock()
	r.Hooks.Enable()
}

func (r *Runtime) DisableHooks() {
	r.mu.Lock()
	r.hooksEnabled = false
	r.mu.Unlock()
	r.Hooks.Disable()
}

// HooksEnabled reports the current re-entrance gate state.
func (r *Runtime) HooksEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hooksEnabled
}

// Errors returns the deduplicated error records collected so far.
func (r *Runtime) Errors() []*asanerrors.AsanError { return r.Collector.Errors() }

// Close releases the shadow reservation.
func (r *Runtime) Close() error {
	if r.Shadow == nil {
		return nil
	}
	return r.Shadow.Close()
}
