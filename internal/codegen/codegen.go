// Package codegen emits the position-independent check and report
// trampolines ("blobs") described in spec.md §4.C, once per architecture,
// at runtime init. Every blob is opaque, relocatable machine code from the
// caller's point of view: internal/inline copies the bytes verbatim and
// rewrites only the trailing branch-to-report-blob slot at the embedding
// site.
//
// Grounded on other_examples' tinyrange-rtg std-compiler-backend files
// (CodeGen with emitByte/emitBytes/emitU32 helpers, byte-exact opcode
// sequences with inline comments) for the emission style — the teacher
// itself never emits machine code, so this package leans entirely on that
// reference material plus spec.md's own description of each blob's
// contract.
package codegen

import "github.com/gofrida/asanrt/internal/abi"

// PowerOfTwoWidths and ExactMaskWidths together are the access widths
// spec.md §4.C requires check blobs for: power-of-two widths on every
// architecture, plus the exact-mask widths on AArch64.
var PowerOfTwoWidths = []uint8{1, 2, 4, 8, 16}
var ExactMaskWidths = []uint8{3, 6, 12, 24, 32, 48, 64}

// Emitter is a tiny byte-buffer builder, grounded on the teacher-adjacent
// CodeGen type in the retrieval pack's compiler-backend examples.
type Emitter struct {
	buf []byte
}

func (e *Emitter) Bytes() []byte { return e.buf }
func (e *Emitter) Len() int      { return len(e.buf) }

func (e *Emitter) Byte(b byte) *Emitter {
	e.buf = append(e.buf, b)
	return e
}

func (e *Emitter) Raw(bs ...byte) *Emitter {
	e.buf = append(e.buf, bs...)
	return e
}

// U32 appends a little-endian 32-bit immediate.
func (e *Emitter) U32(v uint32) *Emitter {
	e.buf = append(e.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	return e
}

// U64 appends a little-endian 64-bit immediate.
func (e *Emitter) U64(v uint64) *Emitter {
	for i := 0; i < 8; i++ {
		e.buf = append(e.buf, byte(v>>(8*i)))
	}
	return e
}

// ISA is the per-architecture blob emitter (spec.md §4.C).
type ISA interface {
	Arch() abi.Arch
	// CheckBlob emits the check blob for the given access width. The final
	// bytes are a placeholder branch slot the inliner rewrites at embed
	// time (spec.md §4.C "Design rule").
	CheckBlob(width uint8) []byte
	// ReportBlob emits the single shared report trampoline.
	ReportBlob() []byte
	// SupportedWidths lists the widths this ISA generates check blobs for.
	SupportedWidths() []uint8
}

// BlobTable holds the once-per-runtime generated blobs, indexed by width
// (spec.md §9: "Fold per-width variants into a table indexed by width").
type BlobTable struct {
	isa        ISA
	byWidth    map[uint8][]byte
	reportBlob []byte
}

// BuildBlobTable generates every check blob and the report blob for isa.
func BuildBlobTable(isa ISA) *BlobTable {
	t := &BlobTable{isa: isa, byWidth: make(map[uint8][]byte)}
	for _, w := range isa.SupportedWidths() {
		t.byWidth[w] = isa.CheckBlob(w)
	}
	t.reportBlob = isa.ReportBlob()
	return t
}

// For returns the generated check-blob bytes for width, or nil if width
// isn't supported on this ISA.
func (t *BlobTable) For(width uint8) []byte { return t.byWidth[width] }

// ReportBlob returns the shared report-blob bytes.
func (t *BlobTable) ReportBlob() []byte { return t.reportBlob }

// Arch reports which architecture this table was built for.
func (t *BlobTable) Arch() abi.Arch { return t.isa.Arch() }

// ReportBlobBranchPlaceholderLen is the length in bytes of the placeholder
// branch AMD64.CheckBlob leaves at the end of every blob (jne rel32), for
// the inliner to locate and rewrite (spec.md §4.C "a few NOPs / a single
// unused instruction word"). ARM64.CheckBlob's placeholder is one 4-byte
// instruction word.
const ReportBlobBranchPlaceholderLen = 6
