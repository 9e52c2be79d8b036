package ftl

import "context"

// onWriteComplete is the driver's completion callback for one drain
// cycle's Rqd: it retires everything that made it to device, and hands
// anything the driver reported as failed to write-failure recovery
// (§4.J). batch is the full drain-cycle batch (real ring entries, GC
// holes, and any forced-flush padding, in ring order); toMap is the
// subset actually submitted to the driver, aligned 1:1 with rqd.PPAs.
func (f *FTL) onWriteComplete(rqd *Rqd, batch []*batchSector, err error) {
	var toMap []*batchSector
	for _, bs := range batch {
		if !bs.gcHole {
			toMap = append(toMap, bs)
		}
	}

	var failed map[*batchSector]bool
	if err != nil {
		failed = make(map[*batchSector]bool)
		if rqd.PPAStatus != nil {
			for i, bs := range toMap {
				if rqd.PPAStatus.Test(i) {
					failed[bs] = true
				}
			}
		} else {
			// The driver failed the whole submission without identifying
			// individual PPAs: treat every mapped sector as failed.
			for _, bs := range toMap {
				failed[bs] = true
			}
		}
		f.metrics.writeFailures.Add(uint64(len(failed)))
	}

	f.retireGroup(batch, failed)
	freeRqd(rqd)

	if len(failed) > 0 {
		f.handleWriteFailure(failed)
	}
}

// retireGroup completes every succeeded, non-padding sector in batch
// (per-sector completion — marking its block's sector synced, dropping a
// GC buffer reference, waking its bio, releasing inflight capacity — does
// not depend on ring order, only on that specific write having succeeded)
// and then advances the ring's sync cursor for each maximal contiguous run
// of retired ring positions, completing any flush-barrier bios the
// advance crosses. A scattered failure in the middle of the batch simply
// splits the batch into more than one run; the failed positions are left
// for handleWriteFailure/remapFailedSectors to retire on their own later.
func (f *FTL) retireGroup(batch []*batchSector, failed map[*batchSector]bool) {
	var toRetire []*batchSector
	for _, bs := range batch {
		if failed[bs] {
			continue
		}
		f.completeSector(bs)
		if !bs.padding {
			toRetire = append(toRetire, bs)
		}
	}

	i := 0
	for i < len(toRetire) {
		j := i + 1
		for j < len(toRetire) && toRetire[j].ringPos == toRetire[j-1].ringPos+1 {
			j++
		}
		f.advanceSync(toRetire[i].ringPos, j-i)
		i = j
	}
}

// completeSector finishes the bookkeeping for one sector whose write has
// succeeded: converts its L2P entry from the ring cacheline it was
// admitted under to its now-durable device address (dropped silently if a
// newer write has already superseded it, §9), marks its block's sector
// synced (closing and scheduling the block if that was the last one),
// drops its GC buffer reference if any, completes its originating bio if
// any, and releases its inflight-gate reservation (GC holes never reserved
// one, since admission released theirs immediately; padding never
// reserved one at all).
func (f *FTL) completeSector(bs *batchSector) {
	if !bs.gcHole && !bs.padding {
		expected := CachePPA(uint32(bs.ringPos % f.ring.Capacity()))
		for {
			err := f.l2p.Update(bs.lba, &expected, bs.ppa, bs.blk)
			if err != ErrMapConflict {
				// nil: converted. errStaleUpdate: a newer write already
				// replaced this mapping; this sector's data is garbage
				// but already unreferenced, nothing further to do.
				break
			}
		}
	}
	if bs.blk != nil {
		if bs.padding {
			// A padding sector carries no live data: mark it invalid as
			// well as synced, so syncedValidLBAs (and any future recovery
			// pass) never mistakes it for data to preserve (§4.I step 6).
			bs.blk.MarkInvalid(bs.blkSector)
		}
		if closed := bs.blk.MarkSync(bs.blkSector); closed {
			f.scheduleCloseBlock(bs.blk.lun, bs.blk)
		}
	}
	if bs.gcRef != nil {
		bs.gcRef.Put()
	}
	if bs.bio != nil {
		bs.bio.Complete(nil)
	}
	if !bs.gcHole && !bs.padding {
		f.gate.Release(1)
	}
}

// advanceSync retires n contiguous ring positions starting at pos and
// completes any flush-barrier bio the advance crosses.
func (f *FTL) advanceSync(pos uint64, n int) {
	_, bios := f.ring.Retire(pos, n)
	for _, bio := range bios {
		bio.Complete(nil)
	}
}

// handleWriteFailure marks every failed sector's target block bad (the
// simulated driver reports a PPA failure as a block-level event, matching
// real OC-SSD write-failure semantics) and remaps each failed sector onto a
// freshly allocated block before resubmitting it, so it eventually retires
// through the normal path (§4.J).
func (f *FTL) handleWriteFailure(failed map[*batchSector]bool) {
	badBlocks := make(map[*Block]bool)
	for bs := range failed {
		if bs.blk != nil {
			badBlocks[bs.blk] = true
		}
	}
	for blk := range badBlocks {
		blk.MarkBad()
		_ = f.driver.MarkBlk(blk.Geo(), true)
	}

	toRemap := make([]*batchSector, 0, len(failed))
	for bs := range failed {
		toRemap = append(toRemap, bs)
	}
	f.remapFailedSectors(toRemap)
}

// remapFailedSectors allocates new device space for each failed sector and
// resubmits it as a single fresh Rqd; on success each sector completes and
// retires individually, since these sectors no longer share a contiguous
// ring run with the batch they started in.
func (f *FTL) remapFailedSectors(sectors []*batchSector) {
	f.mapGroup(sectors)

	rqd := allocRqd()
	rqd.Op = OpWrite
	for _, bs := range sectors {
		rqd.PPAs = append(rqd.PPAs, bs.ppa)
		rqd.Data = append(rqd.Data, f.ring.PayloadAt(bs.ringPos))
	}

	err := f.driver.SubmitIO(context.Background(), rqd, func(rqd *Rqd, err error) {
		defer freeRqd(rqd)
		if err != nil {
			// Recovery itself failed; log and leave the sectors pinned in
			// the ring rather than silently losing data. A production FTL
			// would escalate to device-offline here.
			f.logger.Printf("ftl: recovery resubmit failed for %d sectors: %v", len(sectors), err)
			return
		}
		for _, bs := range sectors {
			f.completeSector(bs)
			f.advanceSync(bs.ringPos, 1)
		}
		f.metrics.recoveredSectors.Add(uint64(len(sectors)))
	})
	if err != nil {
		f.logger.Printf("ftl: recovery submit rejected: %v", err)
		freeRqd(rqd)
	}
}

// scheduleCloseBlock runs a full block's close sequence synchronously on
// the caller's goroutine (the media writer, which already owns exclusive
// access to this LUN's mapping state): remove it from the open list, write
// its RLPG to the reserved metadata page, and kick the provisioner so a
// replacement gets pre-erased.
func (f *FTL) scheduleCloseBlock(lun *LUN, blk *Block) {
	lun.RemoveOpen(blk)
	f.closeBlock(blk)
	f.metrics.blocksClosed.Add(1)
	f.prov.Kick()
}

// closeBlock serializes blk's RLPG and writes it to the block's reserved
// metadata page as a standalone synchronous submission, decoupled from the
// data-sector batch pipeline (§1 Non-goals excludes cross-restart
// persistence, so this write exists only to mirror the original's
// pblk_close_blk bookkeeping step, not to make the RLPG recoverable).
func (f *FTL) closeBlock(blk *Block) {
	rlpg := blk.RLPGSnapshot()
	payload := rlpg.Serialize()
	meta := make([]byte, f.geom.BlkMetaSize())
	copy(meta, payload)

	g := blk.Geo()
	g.Pg = f.geom.PagesPerBlock - 1
	g.Sec = 0

	rqd := allocRqd()
	rqd.Op = OpWrite
	rqd.PPAs = append(rqd.PPAs, DevicePPA(g))
	rqd.Data = append(rqd.Data, meta)
	if err := f.syncSubmit(context.Background(), rqd); err != nil {
		freeRqd(rqd)
		f.logger.Printf("ftl: close block lun=%d pl=%d blk=%d: rlpg write failed: %v",
			g.Lun, g.Pl, g.Blk, err)
		f.recoverFailedCloseBlock(blk)
		return
	}
	freeRqd(rqd)
}

// recoverFailedCloseBlock handles a close-block (RLPG) write failure per
// §4.J point 1: the block is marked bad, its already-synced, still-valid
// data is read back and re-admitted onto a fresh block through the normal
// write path, and nothing else runs — no GC victim selection, just data
// preservation. The re-admitted sectors close out normally on whatever
// block the mapper gives them.
func (f *FTL) recoverFailedCloseBlock(blk *Block) {
	blk.MarkBad()
	if err := f.driver.MarkBlk(blk.Geo(), true); err != nil {
		f.logger.Printf("ftl: recoverFailedCloseBlock: MarkBlk: %v", err)
	}

	rlpg := blk.RLPGSnapshot()
	var lbaList []uint64
	var buf []byte
	for sec := 0; sec < len(rlpg.LBAs); sec++ {
		if !rlpg.SyncBitmap.Test(sec) || rlpg.InvalidBitmap.Test(sec) {
			continue
		}
		lba := rlpg.LBAs[sec]
		if lba == AddrEmpty {
			continue
		}
		ppa, err := PPAToGaddr(&f.geom, DevicePPA(blk.Geo()), sec)
		if err != nil {
			f.logger.Printf("ftl: recoverFailedCloseBlock: %v", err)
			continue
		}
		data := make([]byte, f.geom.SectorSize)
		rqd := allocRqd()
		rqd.Op = OpRead
		rqd.PPAs = append(rqd.PPAs, ppa)
		rqd.Data = append(rqd.Data, data)
		err = f.syncSubmit(context.Background(), rqd)
		freeRqd(rqd)
		if err != nil {
			f.logger.Printf("ftl: recoverFailedCloseBlock: read sector %d: %v", sec, err)
			continue
		}
		lbaList = append(lbaList, lba)
		buf = append(buf, data...)
	}
	if len(lbaList) == 0 {
		return
	}
	if err := f.WriteListToCache(context.Background(), lbaList, buf, nil); err != nil {
		f.logger.Printf("ftl: recoverFailedCloseBlock: re-admit of %d sectors failed: %v", len(lbaList), err)
	}
}
