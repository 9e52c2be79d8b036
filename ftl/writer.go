package ftl

import (
	"context"
	"sync"
	"time"
)

// batchSector is one sector's worth of bookkeeping carried through a single
// media-writer drain cycle, from ring entry to device mapping to
// retirement.
type batchSector struct {
	// gcHole marks a GC list-write's skipped entry: it occupies a ring
	// position (and must be retired) but carries no payload and is never
	// submitted to the device.
	gcHole bool
	// padding marks a synthetic filler sector added to round a forced
	// flush up to MinWritePgs; it occupies no ring position.
	padding bool

	ringPos   uint64
	lba       uint64
	bio       *Bio
	gcRef     *GCBuffer
	ppa       PPA
	blk       *Block
	blkSector int
}

// mediaWriter is the background worker that drains the ring in batches,
// mapping each batch's sectors onto device addresses and submitting them as
// a single Rqd (§4.G/§4.H).
type mediaWriter struct {
	f    *FTL
	stop chan struct{}
	kick chan struct{}
	wg   sync.WaitGroup
}

func newMediaWriter(f *FTL) *mediaWriter {
	return &mediaWriter{f: f, stop: make(chan struct{}), kick: make(chan struct{}, 1)}
}

// Start launches the media writer's drain loop.
func (w *mediaWriter) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop halts the drain loop and waits for it to exit. It does not itself
// drain the ring; callers that need every admitted sector flushed first
// should call FlushWriter before Stop.
func (w *mediaWriter) Stop() {
	close(w.stop)
	w.wg.Wait()
}

// Kick wakes the drain loop immediately instead of waiting for its next
// timer tick or idle backoff.
func (w *mediaWriter) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *mediaWriter) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.f.cfg.WriterTimer)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.kick:
		}
		for w.drainOnce() {
		}
	}
}

// computeSecsToSync decides how many real ring entries the next batch
// should cover: the largest multiple of minW that fits in avail, clipped to
// maxW; or, if that is zero but a sync-point barrier lies within avail, the
// forced short flush (avail alone, to be padded up to minW by the caller).
func computeSecsToSync(avail, pendingSync, minW, maxW int) (real int, forced bool) {
	if avail <= 0 {
		return 0, false
	}
	n := avail
	if n > maxW {
		n = maxW
	}
	rounded := (n / minW) * minW
	if rounded > 0 {
		return rounded, false
	}
	if pendingSync > 0 && pendingSync <= avail {
		return avail, true
	}
	return 0, false
}

// drainOnce runs one batch through the ring: commit, map, submit, and
// (for the synchronous failure path) retire. It returns whether it did any
// work, so run's inner loop can keep draining while there's a backlog.
func (w *mediaWriter) drainOnce() bool {
	f := w.f
	f.ring.ReadLock()
	defer f.ring.ReadUnlock()

	avail := f.ring.Avail()
	pendingSync := f.ring.SyncPointCount()
	realN, forced := computeSecsToSync(avail, pendingSync, f.cfg.MinWritePgs, f.cfg.MaxWritePgs)
	if realN == 0 {
		return false
	}

	startPos := f.ring.ReadCommit(realN)

	batch := make([]*batchSector, 0, f.cfg.MinWritePgs)
	for i := 0; i < realN; i++ {
		pos := startPos + uint64(i)
		wctx := f.ring.WCtxAt(pos)
		bs := &batchSector{ringPos: pos, lba: wctx.LBA, bio: wctx.Bio}
		if wctx.Flags&FlagGC != 0 && wctx.LBA == AddrEmpty {
			bs.gcHole = true
		}
		if wctx.Flags&FlagRef != 0 {
			if gb, ok := wctx.Priv.(*GCBuffer); ok {
				bs.gcRef = gb
			}
		}
		batch = append(batch, bs)
	}

	if forced && realN < f.cfg.MinWritePgs {
		for i := realN; i < f.cfg.MinWritePgs; i++ {
			batch = append(batch, &batchSector{padding: true, lba: AddrEmpty})
		}
	}

	// Real, non-hole sectors need a device mapping; holes and padding are
	// handled inline without ever reaching the driver.
	var toMap []*batchSector
	for _, bs := range batch {
		if !bs.gcHole {
			toMap = append(toMap, bs)
		}
	}
	f.mapGroup(toMap)

	rqd := allocRqd()
	rqd.Op = OpWrite
	for _, bs := range toMap {
		rqd.PPAs = append(rqd.PPAs, bs.ppa)
		if bs.padding {
			rqd.Data = append(rqd.Data, make([]byte, f.geom.SectorSize))
		} else {
			rqd.Data = append(rqd.Data, f.ring.PayloadAt(bs.ringPos))
		}
	}
	rqd.Meta = batch

	if len(rqd.PPAs) == 0 {
		// Every sector in this batch was a GC hole; nothing to submit, but
		// the ring positions still need retiring.
		freeRqd(rqd)
		f.retireGroup(batch, nil)
		return true
	}

	err := f.driver.SubmitIO(context.Background(), rqd, func(rqd *Rqd, err error) {
		f.onWriteComplete(rqd, batch, err)
	})
	if err != nil {
		// The driver rejected the submission outright: rewind so the next
		// drain retries these positions, and release what we reserved.
		f.ring.RewindReadCommit(startPos)
		freeRqd(rqd)
		f.logger.Printf("ftl: media writer: submit rejected: %v", err)
		return true
	}
	return true
}

// mapGroup assigns device addresses to every sector in toMap, carving
// MinWritePgs-sized chunks off the LUN pickLUNForMapping selects for each
// chunk. Config.Validate guarantees NrBlkDSecs is a multiple of
// MinWritePgs, so a chunk either fits entirely within the current block or
// exactly exhausts it — no partial-block waste.
func (f *FTL) mapGroup(toMap []*batchSector) {
	i := 0
	for i < len(toMap) {
		chunk := f.cfg.MinWritePgs
		if remaining := len(toMap) - i; chunk > remaining {
			chunk = remaining
		}
		lunID := f.pickLUNForMapping()
		lun := f.luns[lunID]
		blk, start := f.allocFromLUN(lun, chunk)

		for j := 0; j < chunk; j++ {
			bs := toMap[i+j]
			sectorOffset := start + j
			ppa, err := PPAToGaddr(&f.geom, DevicePPA(blk.Geo()), sectorOffset)
			if err != nil {
				f.logger.Printf("ftl: mapGroup: %v", err)
				continue
			}
			bs.ppa = ppa
			bs.blk = blk
			bs.blkSector = sectorOffset
			blk.SetLBA(sectorOffset, bs.lba)
		}
		i += chunk
	}
}
