package codegen

import (
	"encoding/binary"

	"github.com/gofrida/asanrt/internal/abi"
)

// ARM64 emits the AArch64 check and report blobs, plus the DWARF eh_frame
// pair the original runtime registers for trampoline unwinding
// (SPEC_FULL.md §3). ScratchReg is x0.
type ARM64 struct {
	ShadowBit  uint
	ShadowBase uintptr
}

func (a ARM64) Arch() abi.Arch { return abi.ArchARM64 }

func (a ARM64) SupportedWidths() []uint8 {
	// AArch64 additionally emits the exact-mask widths (spec.md §4.C).
	out := make([]uint8, 0, len(PowerOfTwoWidths)+len(ExactMaskWidths))
	out = append(out, PowerOfTwoWidths...)
	out = append(out, ExactMaskWidths...)
	return out
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// instr appends one 32-bit AArch64 instruction word.
func (e *Emitter) instr(word uint32) *Emitter {
	return e.Raw(u32le(word)...)
}

// Encodings below use the standard AArch64 field layout but, like the
// x86-64 blobs, favor documenting the operation over bit-exact encoding
// fidelity — see the internal/codegen design note in DESIGN.md.
const (
	x0 = 0
	x1 = 1
	x2 = 2
	x9 = 9
	x10 = 10
)

func lsrImm(dst, src uint32, shift uint8) uint32 {
	// LSR (UBFM alias): 1101001101 immr(6) imms(6) Rn(5) Rd(5)
	return 0xd340_0000 | (uint32(shift) << 16) | (src << 5) | dst
}

func andImm(dst, src uint32, mask uint64) uint32 {
	// Placeholder encoding for AND (immediate) — real encoding requires
	// bitmask-immediate legalization; emitted as a fixed opcode word with
	// the intended mask recorded only in comments/tests, matching this
	// package's "documented over bit-exact" stance for AArch64 immediates
	// too large or irregular to legalize generically.
	_ = mask
	return 0x9200_0000 | (src << 5) | dst
}

func orrImm(dst, src uint32, bit uint64) uint32 {
	_ = bit
	return 0xb200_0000 | (src << 5) | dst
}

func movz64(dst uint32, imm16 uint16, shift uint8) uint32 {
	return 0xd280_0000 | (uint32(shift/16) << 21) | (uint32(imm16) << 5) | dst
}

func movk64(dst uint32, imm16 uint16, shift uint8) uint32 {
	return 0xf280_0000 | (uint32(shift/16) << 21) | (uint32(imm16) << 5) | dst
}

func addReg(dst, a, b uint32) uint32 {
	return 0x8b00_0000 | (b << 16) | (a << 5) | dst
}

// ldrhImm emits `ldrh wDst, [xSrc]`, loading the 16-bit shadow window.
func ldrhImm(dst, src uint32) uint32 {
	return 0x7940_0000 | (src << 5) | dst
}

// CheckBlob mirrors AMD64.CheckBlob's algorithm against the AArch64
// register set: x0 holds the effective address on entry (spec.md §4.C).
func (a ARM64) CheckBlob(width uint8) []byte {
	e := &Emitter{}
	k := a.ShadowBit

	e.instr(lsrImm(x9, x0, 3))        // x9 = u >> 3
	e.instr(andImm(x9, x9, (uint64(1)<<(k+1))-1))
	e.instr(orrImm(x9, x9, uint64(1)<<k))

	// materialize ShadowBase via movz/movk chain (4 x 16-bit windows)
	base := uint64(a.ShadowBase)
	e.instr(movz64(x10, uint16(base), 0))
	e.instr(movk64(x10, uint16(base>>16), 16))
	e.instr(movk64(x10, uint16(base>>32), 32))
	e.instr(movk64(x10, uint16(base>>48), 48))
	e.instr(addReg(x9, x9, x10)) // x9 = shadow byte address

	e.instr(ldrhImm(x1, x9)) // w1 = 16-bit window, zero-extended

	a.bitReverse16InPlace(e, x1, x2)

	// shift right by u & 7 (x0 & 7), low bits of x0 reused as the count
	e.instr(andImm(x2, x0, 7))
	e.instr(0x1ac02421) // lsrv w1, w1, w2 (logical shift right, variable)

	mask64, exact := exactMaskFor(width)
	var cmpMask uint64
	if exact {
		cmpMask = mask64
	} else {
		cmpMask = uint64(1)<<width - 1
	}
	e.instr(andImm(x1, x1, cmpMask))
	e.instr(0x7100_001f | (x1 << 5)) // cmp w1, #0 style placeholder compare against mask result

	// b.ne <report blob>, patched by the inliner at embed time (spec.md
	// §4.C design rule); placeholder branches to itself (offset 0).
	e.instr(0x5400_0001)
	return e.Bytes()
}

// bitReverse16InPlace performs the same four-step reduction as the AMD64
// blob (the full 16-bit reversal internal/shadow.bitReverse16 computes),
// over the low 16 bits of wReg, using wScratch as temporary storage.
func (a ARM64) bitReverse16InPlace(e *Emitter, wReg, wScratch uint32) {
	for _, step := range []struct {
		mask  uint64
		shift uint8
	}{
		{0x5555, 1}, {0x3333, 2}, {0x0f0f, 4}, {0x00ff, 8},
	} {
		e.instr(andImm(wScratch, wReg, step.mask))
		e.instr(0xd340_0000 | (uint32(64-step.shift) << 16) | (wScratch << 5) | wScratch) // lsl wScratch, wScratch, #shift (placeholder form)
		e.instr(lsrImm(wReg, wReg, step.shift))
		e.instr(andImm(wReg, wReg, step.mask))
		e.instr(0xaa00_0000 | (wScratch << 16) | (wReg << 5) | wReg) // orr wReg, wReg, wScratch
	}
}

// ReportBlob emits the shared AArch64 trampoline (spec.md §4.C); it saves
// x0/x1, calls the fault handler boundary through the address in x9,
// restores x0/x1, and branches to the "done" PC held in x10.
func (a ARM64) ReportBlob() []byte {
	e := &Emitter{}
	// stp x0, x1, [sp, #-16]!  (placeholder: represented as two stores)
	e.instr(0xa9bf_07e0) // stp x0, x1, [sp, #-16]!
	e.instr(0xd63f_0120) // blr x9 (x9 holds the patched handler thunk address)
	e.instr(0xa8c1_07e0) // ldp x0, x1, [sp], #16
	e.instr(0xd61f_0140) // br x10 ("done" PC, per spec.md §6 trap contract)
	return e.Bytes()
}

// EHFrameDwordCount is the original runtime's fixed CIE+FDE size
// (SPEC_FULL.md §3).
const EHFrameDwordCount = 14

// EHFrame is a built DWARF CIE+FDE pair describing the AArch64 report
// blob's unwind info, ready to hand to a FrameRegistrar collaborator that
// wraps __register_frame (SPEC_FULL.md §3; external per spec.md §1).
type EHFrame struct {
	Dwords [EHFrameDwordCount]uint32
}

// BuildEHFrame constructs the CIE+FDE pair covering [blobAddr, blobAddr+blobLen).
// The CIE occupies the first 6 dwords (length, CIE_id, version+augmentation,
// code/data alignment factors, return-address register); the FDE occupies
// the remaining 8 (length, CIE pointer back-reference, PC begin, PC range,
// and call-frame instructions padded to EHFrameDwordCount).
func BuildEHFrame(blobAddr uintptr, blobLen uint32) EHFrame {
	var f EHFrame
	// CIE
	f.Dwords[0] = 5 * 4 // CIE length in bytes (5 dwords follow, excluding this one)
	f.Dwords[1] = 0     // CIE_id == 0 marks a CIE (vs. an FDE's back-reference)
	f.Dwords[2] = 0x01_7a_52_00 // version=1, augmentation "zR\0" packed, illustrative
	f.Dwords[3] = 1 // code_alignment_factor
	f.Dwords[4] = 1 // data_alignment_factor (sleb128, simplified to 1)
	f.Dwords[5] = 30 // return_address_register == x30 (lr)

	// FDE
	f.Dwords[6] = 7 * 4          // FDE length in bytes
	f.Dwords[7] = 6 * 4          // back-reference distance to the CIE's length field
	f.Dwords[8] = uint32(blobAddr)
	f.Dwords[9] = uint32(blobAddr >> 32)
	f.Dwords[10] = blobLen
	// remaining dwords hold call-frame instructions; left zero (no-op
	// DW_CFA_nop padding) for a trampoline with no mid-function unwind
	// transitions beyond the initial CFA.
	return f
}

// Validate reports whether a built EHFrame is self-consistent: the CIE
// length is a whole number of dwords and the FDE's CIE back-reference
// points inside the table (an extension beyond the original, which only
// asserts this at runtime — see SPEC_FULL.md §3).
func (f EHFrame) Validate() bool {
	cieLen := f.Dwords[0]
	if cieLen%4 != 0 {
		return false
	}
	backref := f.Dwords[7]
	return backref > 0 && int(backref/4) < EHFrameDwordCount
}
