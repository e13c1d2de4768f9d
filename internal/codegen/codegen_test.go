package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAMD64BlobTableCoversPowerOfTwoWidths(t *testing.T) {
	isa := AMD64{ShadowBit: 30, ShadowBase: 0x7f0000000000}
	table := BuildBlobTable(isa)

	for _, w := range PowerOfTwoWidths {
		blob := table.For(w)
		assert.NotEmptyf(t, blob, "width %d must produce a non-empty check blob", w)
	}
	assert.Nil(t, table.For(3), "AMD64 does not generate exact-mask widths")
	assert.NotEmpty(t, table.ReportBlob())
	assert.Equal(t, isa.Arch(), table.Arch())
}

func TestARM64BlobTableCoversAllWidths(t *testing.T) {
	isa := ARM64{ShadowBit: 28, ShadowBase: 0x0000_7000_0000_0000}
	table := BuildBlobTable(isa)

	for _, w := range append(append([]uint8{}, PowerOfTwoWidths...), ExactMaskWidths...) {
		blob := table.For(w)
		assert.NotEmptyf(t, blob, "width %d must produce a non-empty check blob", w)
	}
	assert.NotEmpty(t, table.ReportBlob())
}

func TestBuildEHFrameValidates(t *testing.T) {
	frame := BuildEHFrame(0x1000, 64)
	require.True(t, frame.Validate())
	assert.Len(t, frame.Dwords, EHFrameDwordCount)
}

func TestBuildEHFrameRejectsCorruptBackref(t *testing.T) {
	frame := BuildEHFrame(0x1000, 64)
	frame.Dwords[7] = 0 // zero back-reference is never valid for an FDE
	assert.False(t, frame.Validate())
}

func TestCheckBlobsDifferPerWidth(t *testing.T) {
	isa := AMD64{ShadowBit: 30, ShadowBase: 0x7f0000000000}
	seen := map[string]bool{}
	for _, w := range PowerOfTwoWidths {
		b := string(isa.CheckBlob(w))
		assert.False(t, seen[b], "width %d produced a byte-identical blob to a previous width", w)
		seen[b] = true
	}
}
