package ftl

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRLPGInitializesEmptyLBAs(t *testing.T) {
	r := NewRLPG(4)
	assert.Equal(t, RLPGOpen, r.Status)
	require.Len(t, r.LBAs, 4)
	for _, lba := range r.LBAs {
		assert.Equal(t, AddrEmpty, lba)
	}
	assert.Equal(t, 0, r.SectorBitmap.PopCount())
}

func TestRLPGCloneIsDeep(t *testing.T) {
	r := NewRLPG(4)
	r.LBAs[0] = 99
	r.SectorBitmap.Set(0)

	clone := r.clone()
	clone.LBAs[0] = 7
	clone.SectorBitmap.Set(1)

	assert.EqualValues(t, 99, r.LBAs[0])
	assert.False(t, r.SectorBitmap.Test(1))
}

// TestRLPGCloneMatchesIndependentlyBuiltRLPG uses go-cmp for a full
// structural comparison (including the bitmaps' unexported word slices)
// between a mutated-then-cloned RLPG and one built from scratch with the
// same mutations, rather than asserting field-by-field.
func TestRLPGCloneMatchesIndependentlyBuiltRLPG(t *testing.T) {
	r := NewRLPG(4)
	r.LBAs[0] = 99
	r.LBAs[2] = 7
	r.NrLBAs = 2
	r.SectorBitmap.Set(0)
	r.SectorBitmap.Set(2)
	clone := r.clone()

	want := NewRLPG(4)
	want.LBAs[0] = 99
	want.LBAs[2] = 7
	want.NrLBAs = 2
	want.SectorBitmap.Set(0)
	want.SectorBitmap.Set(2)

	if diff := cmp.Diff(want, clone, cmp.AllowUnexported(Bitmap{})); diff != "" {
		t.Errorf("clone mismatch (-want +got):\n%s", diff)
	}
}

func TestRLPGSerializeRoundTripsHeaderAndLBAs(t *testing.T) {
	r := NewRLPG(2)
	r.Status = RLPGClosed
	r.NrLBAs = 2
	r.LBAs[0] = 10
	r.LBAs[1] = 20
	r.SectorBitmap.Set(0)
	r.SectorBitmap.Set(1)

	buf := r.Serialize()
	require.Len(t, buf, r.SerializedSize())

	assert.Equal(t, uint32(RLPGClosed), binary.LittleEndian.Uint32(buf[0:4]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf[8:12]))
	assert.Equal(t, uint64(10), binary.LittleEndian.Uint64(buf[rlpgHeaderSize:rlpgHeaderSize+8]))
	assert.Equal(t, uint64(20), binary.LittleEndian.Uint64(buf[rlpgHeaderSize+8:rlpgHeaderSize+16]))
	assert.NotZero(t, binary.LittleEndian.Uint32(buf[4:8]), "CRC field should be populated")
	assert.True(t, VerifyCRC(buf), "serialized RLPG must carry a self-consistent CRC")

	corrupt := make([]byte, len(buf))
	copy(corrupt, buf)
	corrupt[rlpgHeaderSize] ^= 0xFF
	assert.False(t, VerifyCRC(corrupt), "a corrupted LBA byte must invalidate the CRC")
}
