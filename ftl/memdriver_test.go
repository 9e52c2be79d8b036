package ftl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDriverGetPutBlkCycle(t *testing.T) {
	geom := testGeometry()
	d := NewMemDriver(geom)

	n, err := d.FreeBlockCount(0)
	require.NoError(t, err)
	assert.Equal(t, geom.blocksPerLUN(), n)

	geo, err := d.GetBlk(0, FlagNone)
	require.NoError(t, err)

	n, err = d.FreeBlockCount(0)
	require.NoError(t, err)
	assert.Equal(t, geom.blocksPerLUN()-1, n)

	require.NoError(t, d.PutBlk(geo))
	n, err = d.FreeBlockCount(0)
	require.NoError(t, err)
	assert.Equal(t, geom.blocksPerLUN(), n)
}

func TestMemDriverMarkBlkExcludesFromGetBlk(t *testing.T) {
	geom := testGeometry()
	geom.BlocksPerPlane = 1 // force a single block so MarkBlk exhausts the LUN
	d := NewMemDriver(geom)

	geo, err := d.GetBlk(0, FlagNone)
	require.NoError(t, err)
	require.NoError(t, d.PutBlk(geo))
	require.NoError(t, d.MarkBlk(geo, true))

	_, err = d.GetBlk(0, FlagNone)
	assert.Error(t, err)
}

func TestMemDriverSubmitIOWriteThenRead(t *testing.T) {
	geom := testGeometry()
	d := NewMemDriver(geom)
	geo, err := d.GetBlk(0, FlagNone)
	require.NoError(t, err)
	require.NoError(t, d.EraseBlk(geo))

	ppa := DevicePPA(Geo{Ch: geo.Ch, Lun: geo.Lun, Pl: geo.Pl, Blk: geo.Blk, Pg: 0, Sec: 0})
	payload := make([]byte, geom.SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeRqd := &Rqd{Op: OpWrite, PPAs: []PPA{ppa}, Data: [][]byte{payload}}
	var writeErr error
	require.NoError(t, d.SubmitIO(context.Background(), writeRqd, func(_ *Rqd, err error) { writeErr = err }))
	require.NoError(t, writeErr)

	readBuf := make([]byte, geom.SectorSize)
	readRqd := &Rqd{Op: OpRead, PPAs: []PPA{ppa}, Data: [][]byte{readBuf}}
	var readErr error
	require.NoError(t, d.SubmitIO(context.Background(), readRqd, func(rqd *Rqd, err error) { readErr = err }))
	require.NoError(t, readErr)
	assert.Equal(t, payload, readRqd.Data[0])
}

func TestMemDriverFailNextWriteMarksEveryPPAFailed(t *testing.T) {
	geom := testGeometry()
	d := NewMemDriver(geom)
	geo, err := d.GetBlk(0, FlagNone)
	require.NoError(t, err)
	require.NoError(t, d.EraseBlk(geo))

	d.FailNextWrite(1)

	ppa := DevicePPA(Geo{Ch: geo.Ch, Lun: geo.Lun, Pl: geo.Pl, Blk: geo.Blk, Pg: 0, Sec: 0})
	rqd := &Rqd{Op: OpWrite, PPAs: []PPA{ppa}, Data: [][]byte{make([]byte, geom.SectorSize)}}

	var cbErr error
	require.NoError(t, d.SubmitIO(context.Background(), rqd, func(r *Rqd, err error) { cbErr = err }))
	assert.ErrorIs(t, cbErr, ErrDeviceFailWrite)
	require.NotNil(t, rqd.PPAStatus)
	assert.True(t, rqd.PPAStatus.Test(0))

	// The hook is one-shot: the next write should succeed.
	var cbErr2 error
	rqd2 := &Rqd{Op: OpWrite, PPAs: []PPA{ppa}, Data: [][]byte{make([]byte, geom.SectorSize)}}
	require.NoError(t, d.SubmitIO(context.Background(), rqd2, func(r *Rqd, err error) { cbErr2 = err }))
	assert.NoError(t, cbErr2)
}
