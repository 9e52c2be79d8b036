package ftl

import (
	"fmt"
	"sync"
	"time"
)

const maxEraseRetries = 8

// Provisioner is the background worker that keeps every LUN's block pool
// filled to Config.BlockPoolQD, erasing fresh blocks ahead of demand and
// flipping a LUN into emergency GC when it can't keep up (§4.E/F).
type Provisioner struct {
	f    *FTL
	stop chan struct{}
	kick chan struct{}
	wg   sync.WaitGroup
}

func newProvisioner(f *FTL) *Provisioner {
	return &Provisioner{f: f, stop: make(chan struct{}), kick: make(chan struct{}, 1)}
}

// Start launches the provisioner's polling loop.
func (p *Provisioner) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop halts the polling loop and waits for it to exit.
func (p *Provisioner) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Kick wakes the provisioner immediately instead of waiting for its next
// timer tick; used after the mapper drains a LUN's pool.
func (p *Provisioner) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Provisioner) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.f.cfg.ProvTimer)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick()
		case <-p.kick:
			p.tick()
		}
	}
}

func (p *Provisioner) tick() {
	f := p.f
	for lunID := range f.luns {
		if f.pool.Ready(lunID) {
			f.gc.SetEmergency(lunID, false)
			continue
		}
		blk, err := f.acquireFreshBlock(lunID)
		if err != nil {
			f.logger.Printf("ftl: provisioner: lun %d: %v", lunID, err)
			if f.pool.Depth(lunID) < f.cfg.GCEmergencyThreshold {
				f.gc.SetEmergency(lunID, true)
				f.metrics.emergencyGCEvents.Add(1)
			}
			continue
		}
		f.pool.Push(lunID, blk)
		if f.pool.Depth(lunID) < f.cfg.GCEmergencyThreshold {
			f.gc.SetEmergency(lunID, true)
		} else {
			f.gc.SetEmergency(lunID, false)
		}
	}
}

// acquireFreshBlock gets a block from the driver and erases it, retrying on
// a fresh address if erase fails, up to a bounded number of attempts.
func (f *FTL) acquireFreshBlock(lunID int) (*Block, error) {
	for attempt := 0; attempt < maxEraseRetries; attempt++ {
		geo, err := f.driver.GetBlk(lunID, FlagNone)
		if err != nil {
			return nil, fmt.Errorf("ftl: get_blk lun=%d: %w", lunID, err)
		}
		if err := f.driver.EraseBlk(geo); err != nil {
			_ = f.driver.MarkBlk(geo, true)
			continue
		}
		blk := newBlock(geo, f.luns[lunID], f.geom.NrBlkDSecs())
		f.metrics.blocksProvisioned.Add(1)
		return blk, nil
	}
	return nil, fmt.Errorf("ftl: lun=%d: %w: exceeded erase retry budget", lunID, ErrResourceExhausted)
}

// pickLUNForMapping selects which LUN the mapper should carve the next
// group's sectors from: round-robin in steady state, or most-free-blocks
// while any LUN is in emergency GC so only GC-origin writes consume the
// remaining free blocks (§4.F; by construction, admission already requeues
// ordinary writes whenever AnyEmergency is true, so every write reaching
// the mapper under emergency is GC-origin).
func (f *FTL) pickLUNForMapping() int {
	if f.gc.AnyEmergency() {
		best, bestFree := 0, -1
		for i, lun := range f.luns {
			if free := lun.FreeBlocksEstimate(f.pool); free > bestFree {
				bestFree = free
				best = i
			}
		}
		return best
	}
	idx := f.rrCounter.Add(1) - 1
	return int(idx % uint64(len(f.luns)))
}

// allocFromLUN reserves n contiguous sectors from lun's current block,
// replacing it from the pool (and kicking the provisioner) as many times as
// needed when the current block is full, bad, or unset.
func (f *FTL) allocFromLUN(lun *LUN, n int) (*Block, int) {
	for {
		if blk := lun.Current(); blk != nil && !blk.IsBad() {
			if start, ok := blk.Alloc(n); ok {
				return blk, start
			}
		}
		f.replaceLUNCurrent(lun)
	}
}

// replaceLUNCurrent pops the next pre-erased block off lun's pool and makes
// it current, kicking the provisioner and backing off briefly if the pool
// is momentarily empty.
func (f *FTL) replaceLUNCurrent(lun *LUN) {
	for {
		if blk, ok := f.pool.Pop(lun.id); ok {
			lun.SetCurrent(blk)
			lun.AddOpen(blk)
			f.prov.Kick()
			return
		}
		f.prov.Kick()
		time.Sleep(time.Millisecond)
	}
}
