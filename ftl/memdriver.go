package ftl

import (
	"context"
	"fmt"
	"sync"

	"github.com/pblk-project/pblk-go/backend"
)

// MemDriver is a Driver simulating an Open-Channel SSD over an in-process
// flat memory image, built on the same sharded-locking backend.Memory the
// rest of this module uses for byte-range backends (§6: "a driver backed by
// an in-memory image is sufficient; no real hardware or kernel interface is
// required"). Block lifecycle (free/erased/bad) is tracked per-LUN
// independently of the byte image.
type MemDriver struct {
	geom Geometry
	mem  *backend.Memory

	mu       sync.Mutex
	freeBlks [][]int // per LUN, block indices not yet handed out
	badBlks  []map[int]bool

	failNextWrite     failCounter // test hook: fail the next SubmitIO write wholesale
	failNextMetaWrite failCounter // test hook: fail the next close-block (last-page) write
}

type failCounter struct {
	mu sync.Mutex
	n  int
}

func (a *failCounter) set(n int) {
	a.mu.Lock()
	a.n = n
	a.mu.Unlock()
}

func (a *failCounter) takeOne() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.n <= 0 {
		return false
	}
	a.n--
	return true
}

// NewMemDriver allocates a simulated device of the given geometry, backed
// by a zeroed in-memory image sized by Geometry.TotalBytes.
func NewMemDriver(geom Geometry) *MemDriver {
	nrLUNs := geom.NrLUNs()
	d := &MemDriver{
		geom:     geom,
		mem:      backend.NewMemory(geom.TotalBytes()),
		freeBlks: make([][]int, nrLUNs),
		badBlks:  make([]map[int]bool, nrLUNs),
	}
	blocksPerLUN := geom.blocksPerLUN()
	for lun := 0; lun < nrLUNs; lun++ {
		d.badBlks[lun] = make(map[int]bool)
		blks := make([]int, blocksPerLUN)
		for i := range blks {
			blks[i] = i
		}
		d.freeBlks[lun] = blks
	}
	return d
}

// FailNextWrite makes the next n SubmitIO write calls report every PPA in
// the batch as failed, for exercising the §4.J recovery path from tests.
func (d *MemDriver) FailNextWrite(n int) { d.failNextWrite.set(n) }

// FailNextMetaWrite makes the next n SubmitIO write calls that target a
// block's reserved last page (a close-block RLPG write) fail, leaving
// ordinary data-sector writes untouched. This lets a test trigger the
// close-block recovery path (§4.J point 1) specifically, without also
// failing the data batch that completes the block.
func (d *MemDriver) FailNextMetaWrite(n int) { d.failNextMetaWrite.set(n) }

func (d *MemDriver) isMetaWrite(rqd *Rqd) bool {
	if len(rqd.PPAs) != 1 {
		return false
	}
	g, ok := rqd.PPAs[0].DeviceGeo()
	if !ok {
		return false
	}
	return g.Pg == d.geom.PagesPerBlock-1
}

// Geometry returns the driver's fixed geometry.
func (d *MemDriver) Geometry() Geometry { return d.geom }

func geoToBlockIdx(g Geometry, geo Geo) int { return geo.Pl*g.BlocksPerPlane + geo.Blk }

func blockIdxToGeo(g Geometry, lun, blockIdx int) Geo {
	return Geo{
		Ch:  lun / g.LUNsPerChannel,
		Lun: lun % g.LUNsPerChannel,
		Pl:  blockIdx / g.BlocksPerPlane,
		Blk: blockIdx % g.BlocksPerPlane,
	}
}

// GetBlk hands out the next free, non-bad block for lun.
func (d *MemDriver) GetBlk(lun int, flags uint32) (Geo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.freeBlks[lun]
	for len(q) > 0 {
		idx := q[0]
		q = q[1:]
		d.freeBlks[lun] = q
		if d.badBlks[lun][idx] {
			continue
		}
		return blockIdxToGeo(d.geom, lun, idx), nil
	}
	return Geo{}, fmt.Errorf("%w: lun %d has no free blocks", ErrResourceExhausted, lun)
}

// PutBlk returns a block to the free pool for reuse (used by GC once a
// block's valid data has been evacuated).
func (d *MemDriver) PutBlk(g Geo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	lun := d.geom.GlobalLUN(g)
	d.freeBlks[lun] = append(d.freeBlks[lun], geoToBlockIdx(d.geom, g))
	return nil
}

// MarkBlk flips g's bad-block flag; a bad block is never handed out again.
func (d *MemDriver) MarkBlk(g Geo, bad bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	lun := d.geom.GlobalLUN(g)
	idx := geoToBlockIdx(d.geom, g)
	if bad {
		d.badBlks[lun][idx] = true
	} else {
		delete(d.badBlks[lun], idx)
	}
	return nil
}

// FreeBlockCount reports how many blocks remain in lun's free pool.
func (d *MemDriver) FreeBlockCount(lun int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.freeBlks[lun]), nil
}

// BadBlockCount reports how many of lun's blocks are currently marked bad,
// for tests asserting that a failure path retired exactly the block it
// should have.
func (d *MemDriver) BadBlockCount(lun int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.badBlks[lun])
}

// EraseBlk zeroes g's whole block in the backing image, its metadata page
// included.
func (d *MemDriver) EraseBlk(g Geo) error {
	off := d.geom.BlockOffset(g)
	size := d.geom.blockByteSize()
	zero := make([]byte, d.geom.SectorSize)
	for w := int64(0); w < size; w += int64(len(zero)) {
		if _, err := d.mem.WriteAt(zero, off+w); err != nil {
			return fmt.Errorf("ftl: memdriver erase: %w", err)
		}
	}
	return nil
}

// SubmitIO services a read or write batch synchronously against the backing
// image, then invokes cb inline — a real driver would do this
// asynchronously, but §6 only requires the Driver contract be honored, not
// that completions be reordered relative to submission.
func (d *MemDriver) SubmitIO(ctx context.Context, rqd *Rqd, cb CompletionFunc) error {
	switch rqd.Op {
	case OpWrite:
		if d.isMetaWrite(rqd) && d.failNextMetaWrite.takeOne() {
			status := NewBitmap(len(rqd.PPAs))
			for i := range rqd.PPAs {
				status.Set(i)
			}
			rqd.PPAStatus = status
			cb(rqd, ErrDeviceFailWrite)
			return nil
		}
		if d.failNextWrite.takeOne() {
			status := NewBitmap(len(rqd.PPAs))
			for i := range rqd.PPAs {
				status.Set(i)
			}
			rqd.PPAStatus = status
			cb(rqd, ErrDeviceFailWrite)
			return nil
		}
		var failed *Bitmap
		for i, ppa := range rqd.PPAs {
			g, ok := ppa.DeviceGeo()
			if !ok {
				return fmt.Errorf("ftl: memdriver: write PPA %d is not a device address", i)
			}
			off := d.geom.SectorByteOffset(g)
			if _, err := d.mem.WriteAt(rqd.Data[i], off); err != nil {
				if failed == nil {
					failed = NewBitmap(len(rqd.PPAs))
				}
				failed.Set(i)
			}
		}
		if failed != nil {
			rqd.PPAStatus = failed
			cb(rqd, ErrDeviceFailWrite)
			return nil
		}
		cb(rqd, nil)
		return nil
	case OpRead:
		var failed *Bitmap
		for i, ppa := range rqd.PPAs {
			g, ok := ppa.DeviceGeo()
			if !ok {
				return fmt.Errorf("ftl: memdriver: read PPA %d is not a device address", i)
			}
			off := d.geom.SectorByteOffset(g)
			if len(rqd.Data[i]) != d.geom.SectorSize {
				rqd.Data[i] = make([]byte, d.geom.SectorSize)
			}
			if _, err := d.mem.ReadAt(rqd.Data[i], off); err != nil {
				if failed == nil {
					failed = NewBitmap(len(rqd.PPAs))
				}
				failed.Set(i)
			}
		}
		if failed != nil {
			rqd.PPAStatus = failed
			cb(rqd, ErrDeviceFailRead)
			return nil
		}
		cb(rqd, nil)
		return nil
	default:
		return fmt.Errorf("ftl: memdriver: unknown op %v", rqd.Op)
	}
}
