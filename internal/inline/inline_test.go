package inline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofrida/asanrt/internal/abi"
	"github.com/gofrida/asanrt/internal/codegen"
)

type fakeWriter struct {
	pos uintptr
	buf []byte
}

func (w *fakeWriter) Emit(b []byte) error {
	w.buf = append(w.buf, b...)
	w.pos += uintptr(len(b))
	return nil
}

func (w *fakeWriter) Pos() uintptr { return w.pos }

func TestAMD64DecodeMovRegMem(t *testing.T) {
	// 48 8b 47 10 : mov rax, [rdi+0x10] (REX.W, ModRM mod=01 reg=rax rm=rdi, disp8)
	code := []byte{0x48, 0x8b, 0x47, 0x10}
	op, n, ok := AMD64Decoder{}.Decode(code, 0x1000)
	require.True(t, ok)
	assert.Equal(t, 4, n)
	assert.Equal(t, uint8(8), op.Width)
	assert.True(t, op.IsLoad)
	assert.Equal(t, int64(0x10), op.Disp)
}

func TestAMD64DecodeSkipsLockPrefix(t *testing.T) {
	_, _, ok := AMD64Decoder{}.Decode([]byte{0xf0, 0x48, 0x89, 0x07}, 0x1000)
	assert.False(t, ok)
}

func TestAMD64DecodeSkipsRegisterDirect(t *testing.T) {
	// ModRM mod=11 is register-direct, never a memory operand.
	_, _, ok := AMD64Decoder{}.Decode([]byte{0x48, 0x8b, 0xc0}, 0x1000)
	assert.False(t, ok)
}

func TestARM64DecodeLdrUnsignedImmediate(t *testing.T) {
	// ldr x1, [x0, #16]: size=11 111001 01 imm12=0x2 rn=x0 rt=x1
	// size(2)=11 -> width 8; imm12 scaled by 8 => disp 16 means imm12=2.
	word := uint32(0xf9400000) | (2 << 10) | (0 << 5) | 1
	code := []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}
	op, n, ok := ARM64Decoder{}.Decode(code, 0x2000)
	require.True(t, ok)
	assert.Equal(t, 4, n)
	assert.Equal(t, uint8(8), op.Width)
	assert.True(t, op.IsLoad)
	assert.Equal(t, int64(16), op.Disp)
	assert.Equal(t, 0, op.BaseReg)
}

func TestEmbedPatchesBranchToReportBlob(t *testing.T) {
	isa := codegen.AMD64{ShadowBit: 30, ShadowBase: 0x7f0000000000}
	blobs := codegen.BuildBlobTable(isa)
	in := New(AMD64Decoder{}, blobs, 0xdead0000)

	w := &fakeWriter{pos: 0x1000}
	op := abi.Operand{BaseReg: -1, IndexReg: -1, Width: 8, IsLoad: true}
	err := in.Embed(w, op, 0x1000)
	require.NoError(t, err)
	assert.NotEmpty(t, w.buf)

	// The embedded blob ends just before the restore sequence; its trailing
	// rel32 must target the report blob from the site it was written at.
	blob := blobs.For(8)
	blobEnd := len(w.buf) - len(amd64RestoreSequence)
	siteAddr := 0x1000 + blobEnd - len(blob)
	b := w.buf[blobEnd-4 : blobEnd]
	rel := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
	assert.Equal(t, int32(int64(0xdead0000)-int64(siteAddr+len(blob))), rel)
}

func TestPatchBranchAMD64RelativeDisplacement(t *testing.T) {
	isa := codegen.AMD64{ShadowBit: 30, ShadowBase: 0x7f0000000000}
	blob := isa.CheckBlob(8)
	patched := PatchBranch(abi.ArchAMD64, blob, 0x1000, 0x2000)
	require.Equal(t, len(blob), len(patched))
	// The last 4 bytes are rel32 = target - (site + len(blob)).
	n := len(patched)
	rel := int32(patched[n-4]) | int32(patched[n-3])<<8 | int32(patched[n-2])<<16 | int32(patched[n-1])<<24
	assert.Equal(t, int32(0x2000-(0x1000+len(blob))), rel)
}
