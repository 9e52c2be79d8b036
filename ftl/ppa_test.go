package ftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPPAKinds(t *testing.T) {
	empty := EmptyPPA()
	assert.True(t, empty.IsEmpty())
	assert.False(t, empty.InCache())

	cache := CachePPA(7)
	assert.True(t, cache.InCache())
	idx, ok := cache.CacheIndex()
	require.True(t, ok)
	assert.Equal(t, uint32(7), idx)

	geo := Geo{Ch: 1, Lun: 0, Pl: 0, Blk: 3, Pg: 2, Sec: 1}
	dev := DevicePPA(geo)
	gotGeo, ok := dev.DeviceGeo()
	require.True(t, ok)
	assert.Equal(t, geo, gotGeo)

	_, ok = dev.CacheIndex()
	assert.False(t, ok)
	_, ok = cache.DeviceGeo()
	assert.False(t, ok)
}

func TestCmpBlkIgnoresPageAndSector(t *testing.T) {
	a := DevicePPA(Geo{Ch: 0, Lun: 0, Pl: 0, Blk: 2, Pg: 0, Sec: 0})
	b := DevicePPA(Geo{Ch: 0, Lun: 0, Pl: 0, Blk: 2, Pg: 5, Sec: 1})
	c := DevicePPA(Geo{Ch: 0, Lun: 0, Pl: 0, Blk: 3, Pg: 0, Sec: 0})

	assert.True(t, CmpBlk(a, b))
	assert.False(t, CmpBlk(a, c))
	assert.False(t, CmpBlk(a, EmptyPPA()))
}

func TestPPAToGaddrFoldsSectorOffset(t *testing.T) {
	g := testGeometry() // SectorsPerPage: 2
	block := DevicePPA(Geo{Ch: 0, Lun: 1, Pl: 0, Blk: 2})

	got, err := PPAToGaddr(&g, block, 3)
	require.NoError(t, err)
	geo, ok := got.DeviceGeo()
	require.True(t, ok)
	assert.Equal(t, 1, geo.Pg)
	assert.Equal(t, 1, geo.Sec)
	assert.Equal(t, 2, geo.Blk)
	assert.Equal(t, 1, geo.Lun)

	_, err = PPAToGaddr(&g, CachePPA(0), 0)
	assert.Error(t, err)
}
