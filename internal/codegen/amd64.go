package codegen

import "github.com/gofrida/asanrt/internal/abi"

// AMD64 emits the x86-64 check and report blobs. ScratchReg is always rdi
// (abi.ScratchRegister(abi.ArchAMD64)): the inliner materializes the
// effective address there before branching into a check blob.
type AMD64 struct {
	ShadowBit  uint
	ShadowBase uintptr
}

func (a AMD64) Arch() abi.Arch { return abi.ArchAMD64 }

func (a AMD64) SupportedWidths() []uint8 {
	// x86-64 only generates the power-of-two widths; AArch64 additionally
	// emits the exact-mask widths (spec.md §4.C).
	return PowerOfTwoWidths
}

// amd64 register encodings used below (ModRM reg field values).
const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
	regRDI = 7
	regR8  = 0 // with REX.R set, encodes r8
)

func (e *Emitter) movRegReg(dst, src byte) *Emitter {
	// REX.W + 89 /r : mov r/m64, r64
	return e.Raw(0x48, 0x89, 0xc0|(src<<3)|dst)
}

func (e *Emitter) shrImm8(reg byte, imm uint8) *Emitter {
	// REX.W + C1 /5 ib : shr r/m64, imm8
	return e.Raw(0x48, 0xc1, 0xe8|reg, imm)
}

func (e *Emitter) shlImm8(reg byte, imm uint8) *Emitter {
	return e.Raw(0x48, 0xc1, 0xe0|reg, imm)
}

func (e *Emitter) andImm32(reg byte, imm uint32) *Emitter {
	// REX.W + 81 /4 id : and r/m64, imm32
	return e.Raw(0x48, 0x81, 0xe0|reg).U32(imm)
}

func (e *Emitter) orImm32(reg byte, imm uint32) *Emitter {
	return e.Raw(0x48, 0x81, 0xc8|reg).U32(imm)
}

func (e *Emitter) addRegReg(dst, src byte) *Emitter {
	// REX.W + 01 /r : add r/m64, r64
	return e.Raw(0x48, 0x01, 0xc0|(src<<3)|dst)
}

func (e *Emitter) movAbs64(reg byte, imm uint64) *Emitter {
	// REX.W + B8+r io : movabs r64, imm64
	return e.Raw(0x48, 0xb8|reg).U64(imm)
}

// loadWord16 emits `movzx <reg32>, word [rcx]` loading the shadow byte
// pair starting at [rcx] into the low 16 bits of reg, zero-extended.
func (e *Emitter) loadWord16(dstReg byte) *Emitter {
	// 0F B7 /r : movzx r32, r/m16 (operand-size prefix 66 not required for
	// the destination since movzx zero-extends regardless of source width)
	return e.Raw(0x0f, 0xb7, 0x00|(dstReg<<3)|regRCX)
}

// bitReverse16InPlace emits a four-step self-inverse reduction (spec.md
// §4.C step 2: "byte-swap, nibble-swap, pair-swap, bit-swap") over the low
// 16 bits of reg, computing the same full 16-bit reversal that
// internal/shadow.bitReverse16 computes bit by bit in Go, using scratch to
// hold an intermediate masked copy.
func (e *Emitter) bitReverse16InPlace(reg, scratch byte) *Emitter {
	// bit-swap: v = ((v & 0x5555) << 1) | ((v >> 1) & 0x5555)
	e.movRegReg(scratch, reg).andImm32(scratch, 0x5555).shlImm8(scratch, 1)
	e.shrImm8(reg, 1).andImm32(reg, 0x5555)
	e.Raw(0x48, 0x09, 0xc0|(scratch<<3)|reg) // or reg, scratch

	// pair-swap: v = ((v & 0x3333) << 2) | ((v >> 2) & 0x3333)
	e.movRegReg(scratch, reg).andImm32(scratch, 0x3333).shlImm8(scratch, 2)
	e.shrImm8(reg, 2).andImm32(reg, 0x3333)
	e.Raw(0x48, 0x09, 0xc0|(scratch<<3)|reg)

	// nibble-swap: v = ((v & 0x0f0f) << 4) | ((v >> 4) & 0x0f0f)
	e.movRegReg(scratch, reg).andImm32(scratch, 0x0f0f).shlImm8(scratch, 4)
	e.shrImm8(reg, 4).andImm32(reg, 0x0f0f)
	e.Raw(0x48, 0x09, 0xc0|(scratch<<3)|reg)

	// byte-swap (16-bit): v = (v << 8) | (v >> 8), masked back to 16 bits
	e.movRegReg(scratch, reg).shlImm8(scratch, 8)
	e.shrImm8(reg, 8)
	e.Raw(0x48, 0x09, 0xc0|(scratch<<3)|reg)
	return e.andImm32(reg, 0xffff)
}

// CheckBlob implements spec.md §4.C / §4.A for one access width: compute
// the shadow byte address from rdi (the scratch register holding the
// effective address), load+bit-reverse a 16-bit window, shift by u&7,
// test the low `width` bits (or an exact mask for non-power-of-two
// widths), and fall through to a "done" sentinel on success, or fix up a
// return PC and jump to the report blob's placeholder slot on failure.
func (a AMD64) CheckBlob(width uint8) []byte {
	e := &Emitter{}
	k := a.ShadowBit
	mask := uint32((uint64(1) << (k + 1)) - 1)
	setBit := uint32(uint64(1) << k)

	e.movRegReg(regRCX, regRDI) // rcx = u
	e.shrImm8(regRCX, 3)        // rcx = u >> 3
	e.andImm32(regRCX, mask)    // rcx &= (1<<(k+1))-1
	e.orImm32(regRCX, setBit)   // rcx |= 1<<k
	e.movAbs64(regRDX, uint64(a.ShadowBase))
	e.addRegReg(regRCX, regRDX) // rcx = shadow byte address

	e.loadWord16(regRAX)           // eax = 16-bit window, zero-extended
	e.bitReverse16InPlace(regRAX, regRDX)

	// shift right by u & 7: rcx already clobbered, recompute the shift
	// amount into rcx from rdi (cl is the only legal shift-count register).
	e.movRegReg(regRCX, regRDI)
	e.andImm32(regRCX, 7)
	e.Raw(0x48, 0xd3, 0xe8) // shr rax, cl

	mask64, exact := exactMaskFor(width)
	if exact {
		e.Raw(0x48, 0x25).U32(uint32(mask64)) // and eax, imm32 (mask)
		e.Raw(0x48, 0x3d).U32(uint32(mask64)) // cmp eax, imm32 (mask)
	} else {
		pow2Mask := uint32(1)<<width - 1
		e.Raw(0x48, 0x25).U32(pow2Mask)
		e.Raw(0x48, 0x3d).U32(pow2Mask)
	}

	// jne +placeholder: on mismatch, branch to the report-blob embed site.
	// The inliner rewrites this 6-byte slot (spec.md §4.C design rule);
	// until then it decodes as a 6-byte near jump to itself (an infinite
	// loop is a safer undefined placeholder than falling through silently).
	e.Raw(0x0f, 0x85).U32(0xffff_fffa) // jne rel32 = -6 (patched by the inliner)
	return e.Bytes()
}

func exactMaskFor(width uint8) (uint64, bool) {
	switch width {
	case 3:
		return 0x7, true
	case 6:
		return 0x3f, true
	case 12:
		return 0xfff, true
	case 24:
		return 0xff_ffff, true
	case 32:
		return 0xffff_ffff, true
	case 48:
		return 0xffff_ffff_ffff, true
	case 64:
		return 0xffff_ffff_ffff_ffff, true
	default:
		return 0, false
	}
}

// ReportBlob emits the shared trampoline entered by every failing check
// blob (spec.md §4.C "Report blob"): it completes the register save into
// the runtime's regs[] slot, realigns the stack, and leaves control
// transfer to the fault handler to the runtime's FFI boundary (named,
// external per spec.md §1 — this blob only needs to get there with the
// right values in the right places, per the trap contract in spec.md §6).
func (a AMD64) ReportBlob() []byte {
	e := &Emitter{}
	// Save the remaining GPRs the check blob didn't already spill, in
	// ABI.AMD64SaveRegisterNames order, to a well-known stack window.
	for _, reg := range []byte{regRAX, regRCX, regRDX} {
		e.Raw(0x50 | reg) // push r64 (single-byte push encodes low 3 regs)
	}
	// Realign stack to 16 bytes before the native call into the fault
	// handler boundary.
	e.Raw(0x48, 0x83, 0xe4, 0xf0) // and rsp, -16
	// call [rip+handler_thunk] — encoded as a placeholder with disp32 left
	// 0; the blob itself carries no pointer slot for it to read.
	e.Raw(0xff, 0x15).U32(0) // call [rip+disp32] (patched)
	for _, reg := range []byte{regRDX, regRCX, regRAX} {
		e.Raw(0x58 | reg) // pop r64, reverse order
	}
	// jmp rax: rax holds the "done" PC restored by the handler thunk
	// (spec.md §6 "a 'done' PC on the top of the stack").
	e.Raw(0xff, 0xe0)
	return e.Bytes()
}
