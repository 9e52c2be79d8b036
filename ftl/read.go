package ftl

import (
	"context"
	"fmt"
)

type devReadReq struct {
	idx int
	ppa PPA
}

// SubmitRead services a contiguous-range read bio: every sector still in
// the ring is copied out directly (no device round trip), every
// device-resident sector is batched into one read submission, and any
// never-written sector is zero-filled (§4.I).
func (f *FTL) SubmitRead(ctx context.Context, bio *Bio) error {
	return f.submitReadGeneric(ctx, bio, func(i int) uint64 { return bio.LBA + uint64(i) })
}

// SubmitReadList services a GC-style read addressed by an explicit LBA
// list, where AddrEmpty entries are holes the caller already knows to
// skip; it is otherwise identical to SubmitRead (§4.I).
func (f *FTL) SubmitReadList(ctx context.Context, bio *Bio) error {
	return f.submitReadGeneric(ctx, bio, func(i int) uint64 { return bio.LBAList[i] })
}

func (f *FTL) submitReadGeneric(ctx context.Context, bio *Bio, lbaAt func(int) uint64) error {
	var devReqs []devReadReq
	var pins []ReadPin

	for i := 0; i < bio.NumSectors; i++ {
		lba := lbaAt(i)
		if lba == AddrEmpty {
			continue
		}
		pin, ppa, cached := f.l2p.PinForRead(lba)
		pins = append(pins, pin)
		if cached {
			idx, _ := ppa.CacheIndex()
			copy(bio.sectorBuf(i, f.geom.SectorSize), f.ring.PayloadAt(uint64(idx)))
			continue
		}
		if ppa.IsEmpty() {
			hole := bio.sectorBuf(i, f.geom.SectorSize)
			for j := range hole {
				hole[j] = 0
			}
			continue
		}
		devReqs = append(devReqs, devReadReq{idx: i, ppa: ppa})
	}
	defer func() {
		for _, p := range pins {
			p.Release()
		}
	}()

	if len(devReqs) == 0 {
		f.metrics.reads.Add(uint64(bio.NumSectors))
		return nil
	}
	return f.deviceReadAll(ctx, bio, devReqs)
}

// deviceReadAll batches devReqs into a single read Rqd and splices every
// sector the driver serviced back into bio. When the driver reports a
// failure, the serviced sectors are still spliced in, the failed sectors'
// bytes in bio are left as they were, and ErrDeviceFailRead is returned.
func (f *FTL) deviceReadAll(ctx context.Context, bio *Bio, devReqs []devReadReq) error {
	rqd := allocRqd()
	defer freeRqd(rqd)
	rqd.Op = OpRead
	for _, r := range devReqs {
		rqd.PPAs = append(rqd.PPAs, r.ppa)
		rqd.Data = append(rqd.Data, make([]byte, f.geom.SectorSize))
	}

	err := f.syncSubmit(ctx, rqd)
	f.partialHoleRead(bio, devReqs, rqd)
	f.metrics.reads.Add(uint64(len(devReqs)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceFailRead, err)
	}
	return nil
}

// partialHoleRead copies every successfully serviced sector from rqd into
// bio; sectors the driver marked failed in rqd.PPAStatus are not copied, so
// bio keeps whatever those bytes held before the read.
func (f *FTL) partialHoleRead(bio *Bio, devReqs []devReadReq, rqd *Rqd) {
	for i, r := range devReqs {
		if rqd.PPAStatus != nil && rqd.PPAStatus.Test(i) {
			continue
		}
		copy(bio.sectorBuf(r.idx, f.geom.SectorSize), rqd.Data[i])
	}
}
