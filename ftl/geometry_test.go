package ftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeometry() Geometry {
	return Geometry{
		Channels:       1,
		LUNsPerChannel: 2,
		PlanesPerLUN:   1,
		BlocksPerPlane: 4,
		PagesPerBlock:  3,
		SectorsPerPage: 2,
		SectorSize:     512,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinWritePgs = 2
	cfg.MaxWritePgs = 4
	cfg.WriteInflightCap = 64
	cfg.BlockPoolQD = 1
	cfg.GCEmergencyThreshold = 0
	return cfg
}

func TestGeometryDerivedFields(t *testing.T) {
	g := testGeometry()
	assert.Equal(t, 2, g.NrLUNs())
	assert.Equal(t, 4, g.NrBlkDSecs()) // (3-1)*2
	assert.Equal(t, 4, g.blocksPerLUN())
	assert.Equal(t, 512*2, g.BlkMetaSize())

	wantTotal := int64(g.NrLUNs()) * int64(g.blocksPerLUN()) * int64(g.PagesPerBlock) * int64(g.SectorsPerPage) * int64(g.SectorSize)
	assert.Equal(t, wantTotal, g.TotalBytes())

	wantData := int64(g.NrLUNs()) * int64(g.blocksPerLUN()) * int64(g.NrBlkDSecs()) * int64(g.SectorSize)
	assert.Equal(t, wantData, g.TotalDataBytes())
}

func TestGeometryValidateRejectsZeroFields(t *testing.T) {
	g := testGeometry()
	g.Channels = 0
	require.Error(t, g.Validate())

	g = testGeometry()
	g.PagesPerBlock = 1
	require.ErrorIs(t, g.Validate(), ErrGeometryMismatch)
}

func TestConfigValidateRequiresDivisibility(t *testing.T) {
	g := testGeometry()
	cfg := testConfig()
	require.NoError(t, cfg.Validate(g))

	cfg.MinWritePgs = 3 // NrBlkDSecs() == 4, not divisible by 3
	require.ErrorIs(t, cfg.Validate(g), ErrGeometryMismatch)
}

func TestConfigValidateRejectsBadWriteBounds(t *testing.T) {
	g := testGeometry()
	cfg := testConfig()
	cfg.MaxWritePgs = 1
	cfg.MinWritePgs = 2
	require.Error(t, cfg.Validate(g))
}

func TestBlockOffsetAndSectorByteOffsetAreMonotonic(t *testing.T) {
	g := testGeometry()
	a := Geo{Ch: 0, Lun: 0, Pl: 0, Blk: 0}
	b := Geo{Ch: 0, Lun: 0, Pl: 0, Blk: 1}
	assert.Less(t, g.BlockOffset(a), g.BlockOffset(b))

	aa := a
	aa.Pg, aa.Sec = 0, 1
	assert.Equal(t, g.SectorByteOffset(a)+int64(g.SectorSize), g.SectorByteOffset(aa))
}
