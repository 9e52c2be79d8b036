package ftl

import "context"

// BufferWrite admits a regular (non-GC) write: it reserves inflight
// capacity, reserves ring space, copies the bio's payload into the ring
// sector by sector, publishes each sector's L2P mapping to its cacheline,
// and returns once every sector is durably in the ring (not yet on
// device — that is the media writer's job). It returns ErrRequeue rather
// than blocking when ring space is unavailable, or when the FTL is
// shutting down or a LUN is in emergency GC, per §4.F/§4.H step 2; the
// caller is the one that retries.
func (f *FTL) BufferWrite(ctx context.Context, bio *Bio) error {
	if f.closed.Load() {
		return ErrRequeue
	}
	if bio.Flush && bio.NumSectors == 0 {
		return f.bufferFlush(bio)
	}
	if f.gc.AnyEmergency() {
		f.metrics.requeues.Add(1)
		return ErrRequeue
	}

	nrSecs := bio.NumSectors
	f.gate.Reserve(nrSecs)

	pos, ok := f.ring.MayWrite(nrSecs)
	if !ok {
		f.gate.Release(nrSecs)
		f.write.Kick()
		f.metrics.requeues.Add(1)
		return ErrRequeue
	}

	for i := 0; i < nrSecs; i++ {
		lba := bio.LBA + uint64(i)
		sec := bio.sectorBuf(i, f.geom.SectorSize)
		cachePos := pos + uint64(i)
		wctx := WCtx{LBA: lba, Bio: bio}
		f.ring.WriteEntry(cachePos, sec, wctx)
		f.publishCacheline(lba, cachePos)
	}
	// A flush bio that also carries data becomes the sync-point owner only
	// once its own sectors are admitted, so the barrier waits for them too
	// instead of completing before they've even entered the ring (§4.H).
	if bio.Flush {
		f.ring.SyncPointSet(bio)
	}
	f.metrics.writes.Add(uint64(nrSecs))
	f.write.Kick()
	return nil
}

// WriteListToCache admits a GC rewrite: an explicit LBA list (AddrEmpty
// marking holes skipped by the caller) sharing one refcounted buffer, so
// the buffer is only released once every non-hole sector it carries has
// retired off the ring (§4.C/§4.I). Like BufferWrite, it returns ErrRequeue
// rather than blocking when ring space is unavailable (§4.H step 2).
func (f *FTL) WriteListToCache(ctx context.Context, lbaList []uint64, buf []byte, refBuf *GCBuffer) error {
	if f.closed.Load() {
		return ErrRequeue
	}
	if f.gc.AnyEmergency() {
		f.metrics.requeues.Add(1)
		return ErrRequeue
	}

	nrSecs := len(lbaList)
	f.gate.Reserve(nrSecs)

	pos, ok := f.ring.MayWrite(nrSecs)
	if !ok {
		f.gate.Release(nrSecs)
		f.write.Kick()
		f.metrics.requeues.Add(1)
		return ErrRequeue
	}

	for i, lba := range lbaList {
		cachePos := pos + uint64(i)
		if lba == AddrEmpty {
			f.ring.WriteEntry(cachePos, make([]byte, f.geom.SectorSize), WCtx{LBA: AddrEmpty, Flags: FlagGC})
			f.gate.Release(1)
			continue
		}
		sec := buf[i*f.geom.SectorSize : (i+1)*f.geom.SectorSize]
		if refBuf != nil {
			refBuf.Get()
		}
		wctx := WCtx{LBA: lba, Flags: FlagGC | FlagRef, Priv: refBuf}
		f.ring.WriteEntry(cachePos, sec, wctx)
		f.publishCacheline(lba, cachePos)
	}
	f.metrics.writes.Add(uint64(nrSecs))
	f.write.Kick()
	return nil
}

// publishCacheline installs lba's new cacheline mapping in the L2P,
// retrying the update on ErrMapConflict (a concurrent read-pin) until it
// succeeds; admission never gives up here since the cacheline it is
// publishing already exists and must be made visible.
func (f *FTL) publishCacheline(lba uint64, cachePos uint64) {
	newPPA := CachePPA(uint32(cachePos % f.ring.Capacity()))
	for {
		err := f.l2p.Update(lba, nil, newPPA, nil)
		if err == nil {
			return
		}
		if err == ErrMapConflict {
			continue
		}
		return
	}
}

// bufferFlush plants a sync-point barrier at the ring's current write
// position and wakes the media writer; the bio completes once every sector
// admitted before the barrier has retired (§4.D).
func (f *FTL) bufferFlush(bio *Bio) error {
	f.ring.SyncPointSet(bio)
	f.write.Kick()
	return nil
}
