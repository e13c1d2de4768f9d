// Package inline implements the shadow-check inliner (spec.md §4.D): for
// each memory-accessing instruction the external stalker is about to
// re-emit, it decides whether the instruction is "interesting", extracts a
// decoded abi.Operand, and emits a spill/materialize/embed/restore sequence
// around the original instruction that calls into the matching
// internal/codegen check blob.
//
// The stalker and its code-rewriting buffer are named-but-external
// collaborators (spec.md §1): this package only defines the narrow
// CodeWriter contract it needs from one (raw byte/branch emission) and
// never assumes anything about how the buffer is executed.
//
// Grounded on internal/wasm/bounds.go's MemoryRegionManager for the
// "is this address range one we care about" gating style, generalized here
// to "is this instruction one we must instrument" per spec.md §4.D.
package inline

import (
	"fmt"

	"github.com/gofrida/asanrt/internal/abi"
	"github.com/gofrida/asanrt/internal/codegen"
)

// CodeWriter is the narrow byte-emission contract the inliner needs from
// the external stalker's rewrite buffer (spec.md §1: "we consume a
// CodeWriter capable of emitting raw bytes and branches").
type CodeWriter interface {
	// Emit appends raw bytes at the current write position.
	Emit(b []byte) error
	// Pos reports the address the next Emit call will write to, so the
	// inliner can compute branch-patch offsets.
	Pos() uintptr
}

// Decoder identifies "interesting" instructions (spec.md §4.D) and extracts
// their memory operand. One Decoder exists per architecture; see amd64.go
// and arm64.go.
type Decoder interface {
	Arch() abi.Arch
	// Decode inspects the instruction at code[0:] (guest bytes, as they
	// appear in the original, un-rewritten module) and reports whether it
	// is interesting, its decoded operand, and its length in bytes so the
	// caller can advance past it. Not-interesting or undecodable
	// instructions return ok=false; the caller re-emits them unmodified.
	Decode(code []byte, guestPC uintptr) (op abi.Operand, length int, ok bool)
}

// Inliner embeds a check-blob call around every interesting instruction a
// stalker-driven caller identifies, per spec.md §4.D steps 1-4.
type Inliner struct {
	Decoder        Decoder
	Blobs          *codegen.BlobTable
	ReportBlobAddr uintptr
	SkipRanges     []abi.SkipRange
}

// New constructs an Inliner for one architecture's decoder and blob table.
// reportBlobAddr is the address the runtime has already placed the shared
// report blob at (spec.md §9: "the handler is entered with no live
// references"; this is the one address the inliner needs to know that the
// blob generator itself does not).
func New(decoder Decoder, blobs *codegen.BlobTable, reportBlobAddr uintptr) *Inliner {
	return &Inliner{Decoder: decoder, Blobs: blobs, ReportBlobAddr: reportBlobAddr}
}

// ShouldSkip reports whether offset (relative to moduleBase) falls inside a
// configured dont_instrument range for the access direction isWrite
// (spec.md §6 Configuration: dont_instrument).
func (in *Inliner) ShouldSkip(module string, offset uint64, isWrite bool) bool {
	for _, r := range in.SkipRanges {
		if r.Module == module && r.Covers(offset, isWrite) {
			return true
		}
	}
	return false
}

// Embed performs spec.md §4.D steps 1-4 for one interesting instruction:
// spill the scratch registers, materialize the effective address, embed the
// matching check blob with its trailing branch patched to ReportBlobAddr,
// then restore. The *original* instruction must still be re-emitted by the
// caller after Embed returns — this package only emits
// the surrounding instrumentation, never the instruction itself, so the
// stalker keeps full control over how (and whether) it relocates the
// original bytes.
func (in *Inliner) Embed(w CodeWriter, op abi.Operand, guestPC uintptr) error {
	if !op.IsLoad && !op.IsStore {
		return fmt.Errorf("inline: operand has neither IsLoad nor IsStore set")
	}
	blob := in.Blobs.For(op.Width)
	if blob == nil {
		return fmt.Errorf("inline: no check blob for width %d on %s", op.Width, in.Decoder.Arch())
	}

	if err := in.emitSpill(w); err != nil {
		return err
	}
	if err := in.emitMaterialize(w, op, guestPC); err != nil {
		return err
	}
	siteAddr := w.Pos()
	patched := PatchBranch(in.Decoder.Arch(), blob, siteAddr, in.ReportBlobAddr)
	if err := w.Emit(patched); err != nil {
		return err
	}
	return in.emitRestore(w)
}

// emitSpill pushes the scratch registers and flags the check blob will
// clobber, below the platform's red zone (spec.md §4.D step 1). The actual
// instruction sequence is architecture-specific; see amd64.go/arm64.go.
func (in *Inliner) emitSpill(w CodeWriter) error {
	switch in.Decoder.Arch() {
	case abi.ArchAMD64:
		return w.Emit(amd64SpillSequence)
	case abi.ArchARM64:
		return w.Emit(arm64SpillSequence)
	default:
		return fmt.Errorf("inline: unsupported arch %s", in.Decoder.Arch())
	}
}

func (in *Inliner) emitRestore(w CodeWriter) error {
	switch in.Decoder.Arch() {
	case abi.ArchAMD64:
		return w.Emit(amd64RestoreSequence)
	case abi.ArchARM64:
		return w.Emit(arm64RestoreSequence)
	default:
		return fmt.Errorf("inline: unsupported arch %s", in.Decoder.Arch())
	}
}

// emitMaterialize computes base + (index << scale) + disp into the ISA's
// fixed scratch register (spec.md §4.D step 2), substituting the original
// guest PC for a PC-relative base/index (never the stalker-relocated
// address — spec.md §9 "PC-relative addressing"). A stack-pointer base or
// index is not adjusted for the spill just performed; neither ISA's
// sequence special-cases it.
func (in *Inliner) emitMaterialize(w CodeWriter, op abi.Operand, guestPC uintptr) error {
	switch in.Decoder.Arch() {
	case abi.ArchAMD64:
		return emitMaterializeAMD64(w, op, guestPC)
	case abi.ArchARM64:
		return emitMaterializeARM64(w, op, guestPC)
	default:
		return fmt.Errorf("inline: unsupported arch %s", in.Decoder.Arch())
	}
}

// IsSkippableOpcode reports the architecture-independent part of spec.md
// §4.D's "not interesting" rule: rep-prefixed string ops and atomic
// exclusive load/store pairs are never instrumented, because their side
// effects can't be faithfully duplicated by a separate check (spec.md §4.D
// "Tie-breaks and edge cases").
func IsSkippableOpcode(hasRepPrefix, isAtomicExclusive bool) bool {
	return hasRepPrefix || isAtomicExclusive
}
