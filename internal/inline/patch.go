package inline

import "github.com/gofrida/asanrt/internal/abi"

// PatchBranch rewrites the trailing placeholder branch slot a check blob
// leaves at its end (spec.md §4.C "Design rule") to target reportBlobAddr,
// given that the patched blob will be written starting at siteAddr. The
// blob bytes themselves are never mutated in place; PatchBranch returns a
// copy, keeping codegen's generated tables reusable across every embedding
// site (spec.md §4.C: "the blob is relocatable and data-only").
func PatchBranch(arch abi.Arch, blob []byte, siteAddr, reportBlobAddr uintptr) []byte {
	out := make([]byte, len(blob))
	copy(out, blob)

	switch arch {
	case abi.ArchAMD64:
		patchAMD64Branch(out, siteAddr, reportBlobAddr)
	case abi.ArchARM64:
		patchARM64Branch(out, siteAddr, reportBlobAddr)
	}
	return out
}

// patchAMD64Branch rewrites the trailing 6-byte "jne rel32" slot
// (0f 85 imm32) internal/codegen.AMD64.CheckBlob leaves at the end of each
// blob. rel32 is relative to the address immediately after the branch
// instruction.
func patchAMD64Branch(blob []byte, siteAddr, target uintptr) {
	n := len(blob)
	if n < 6 || blob[n-6] != 0x0f || blob[n-5] != 0x85 {
		return // not the expected placeholder shape; leave untouched
	}
	nextInstrAddr := siteAddr + uintptr(n)
	rel := int32(int64(target) - int64(nextInstrAddr))
	blob[n-4] = byte(rel)
	blob[n-3] = byte(rel >> 8)
	blob[n-2] = byte(rel >> 16)
	blob[n-1] = byte(rel >> 24)
}

// patchARM64Branch rewrites the trailing 4-byte "b.ne #0" placeholder
// (0x54000001) internal/codegen.ARM64.CheckBlob leaves at the end of each
// blob, filling in the imm19 field (bits [23:5]) with the word-granular
// displacement to reportBlobAddr.
func patchARM64Branch(blob []byte, siteAddr, target uintptr) {
	n := len(blob)
	if n < 4 {
		return
	}
	word := uint32(blob[n-4]) | uint32(blob[n-3])<<8 | uint32(blob[n-2])<<16 | uint32(blob[n-1])<<24
	if word&0xff00001f != 0x54000001 {
		return // not the expected placeholder shape
	}
	instrAddr := siteAddr + uintptr(n) - 4
	rel := int64(target) - int64(instrAddr)
	imm19 := uint32((rel/4)&0x7ffff) << 5
	patched := (word &^ (0x7ffff << 5)) | imm19
	blob[n-4] = byte(patched)
	blob[n-3] = byte(patched >> 8)
	blob[n-2] = byte(patched >> 16)
	blob[n-1] = byte(patched >> 24)
}
