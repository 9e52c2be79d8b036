package ftl

import (
	"context"
	"time"
)

// FlushWriter blocks until the ring has no admitted-but-unretired sectors
// left, by planting a flush barrier and waiting on it like any other sync
// bio. Close calls this before padding open blocks, so teardown never races
// the media writer over in-flight data.
func (f *FTL) FlushWriter(ctx context.Context) error {
	bio := NewFlushBio()
	if err := f.bufferFlush(bio); err != nil {
		return err
	}
	f.write.Kick()
	done := make(chan error, 1)
	go func() { done <- bio.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown drains the ring and then pads and closes every LUN's open
// blocks, so every block the FTL ever opened ends its life with a
// consistent RLPG (§4.K). It is only ever invoked once, from Close.
func (f *FTL) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.FlushWriter(ctx); err != nil {
		f.logger.Printf("ftl: teardown: flush: %v", err)
	}
	for _, lun := range f.luns {
		f.teardownLUN(lun)
	}
	return nil
}

// teardownLUN pads every block still open on lun up to full and closes it.
func (f *FTL) teardownLUN(lun *LUN) {
	for _, blk := range lun.OpenList() {
		f.padBlock(blk)
	}
}

// padBlock fills blk's remaining free sectors with padding (AddrEmpty LBAs),
// submitted as successive synchronous batches of at most MaxWritePgs sectors
// each, then closes the block once every sector has synced. Config.Validate
// guarantees nr_blk_dsecs is a multiple of MinWritePgs, so a fully-allocated
// block's free-sector count always is too; a mismatch here means some other
// path allocated sectors outside MinWritePgs-sized chunks.
func (f *FTL) padBlock(blk *Block) {
	free := blk.FreeSecs()
	if free == 0 {
		if blk.IsClosed() {
			f.scheduleCloseBlock(blk.lun, blk)
		}
		return
	}
	if free%f.cfg.MinWritePgs != 0 {
		f.logger.Printf("ftl: padBlock: lun=%d blk=%d has %d free sectors, not a multiple of min_write_pgs %d",
			blk.lun.id, blk.geo.Blk, free, f.cfg.MinWritePgs)
		return
	}
	for free > 0 {
		n := free
		if n > f.cfg.MaxWritePgs {
			n = f.cfg.MaxWritePgs
		}
		start, ok := blk.Alloc(n)
		if !ok {
			return
		}
		f.padBatch(blk, start, n)
		free -= n
	}
}

// padBatch writes free zero-filled sectors starting at block-local offset
// start as a single synchronous submission and marks them synced.
func (f *FTL) padBatch(blk *Block, start, n int) {
	rqd := allocRqd()
	defer freeRqd(rqd)
	rqd.Op = OpWrite
	for i := 0; i < n; i++ {
		sec := start + i
		blk.SetLBA(sec, AddrEmpty)
		ppa, err := PPAToGaddr(&f.geom, DevicePPA(blk.Geo()), sec)
		if err != nil {
			f.logger.Printf("ftl: padBatch: %v", err)
			return
		}
		rqd.PPAs = append(rqd.PPAs, ppa)
		rqd.Data = append(rqd.Data, make([]byte, f.geom.SectorSize))
	}

	if err := f.syncSubmit(context.Background(), rqd); err != nil {
		f.logger.Printf("ftl: padBatch: write failed: %v", err)
		return
	}
	for i := 0; i < n; i++ {
		// Teardown padding carries no live data either (§4.I step 6): mark
		// it invalid as well as synced.
		blk.MarkInvalid(start + i)
		blk.MarkSync(start + i)
	}
	f.metrics.padded.Add(uint64(n))
	if blk.IsClosed() {
		f.scheduleCloseBlock(blk.lun, blk)
	}
}
