package ftl

import "sync"

// Block is a single erase-unit's in-memory state: its device address, the
// LUN it belongs to, its RLPG (LBA list + three bitmaps), its write pointer
// and bad-block flag. All mutation goes through its own mutex, matching
// pblk_set_lun_cur's per-block locking rather than relying on the LUN's
// coarser one.
type Block struct {
	mu sync.Mutex

	geo        Geo
	lun        *LUN
	rlpg       *RLPG
	curSec     int
	nrInvalid  int
	bad        bool
	nrBlkDSecs int
}

func newBlock(geo Geo, lun *LUN, nrBlkDSecs int) *Block {
	return &Block{geo: geo, lun: lun, rlpg: NewRLPG(nrBlkDSecs), nrBlkDSecs: nrBlkDSecs}
}

// Geo returns the block's device address (Pg/Sec are always zero on the
// returned value; a block has no single "current" page outside cur_sec
// bookkeeping).
func (b *Block) Geo() Geo { return b.geo }

// Alloc reserves n contiguous data sectors starting at the block's current
// write pointer, advancing it. It fails if the block does not have n
// sectors left.
func (b *Block) Alloc(n int) (start int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.curSec+n > b.nrBlkDSecs {
		return 0, false
	}
	start = b.curSec
	for i := start; i < start+n; i++ {
		b.rlpg.SectorBitmap.Set(i)
	}
	b.curSec += n
	return start, true
}

// MarkSync sets sec's sync_bitmap bit and reports whether the block is now
// fully synced (every data sector has completed its write).
func (b *Block) MarkSync(sec int) (closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rlpg.SyncBitmap.Set(sec)
	return b.rlpg.SyncBitmap.PopCount() == b.nrBlkDSecs
}

// MarkInvalid sets sec's invalid_bitmap bit, counting it once.
func (b *Block) MarkInvalid(sec int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.rlpg.InvalidBitmap.Test(sec) {
		b.rlpg.InvalidBitmap.Set(sec)
		b.nrInvalid++
	}
}

// SetLBA records the LBA (or AddrEmpty for padding) that owns sec.
func (b *Block) SetLBA(sec int, lba uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rlpg.LBAs[sec] = lba
	if lba != AddrEmpty {
		b.rlpg.NrLBAs++
	} else {
		b.rlpg.NrPadded++
	}
}

// FreeSecs returns the number of data sectors not yet allocated.
func (b *Block) FreeSecs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nrBlkDSecs - b.rlpg.SectorBitmap.PopCount()
}

// IsClosed reports whether every data sector has synced.
func (b *Block) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rlpg.SyncBitmap.PopCount() == b.nrBlkDSecs
}

// IsBad reports whether the block has been marked bad.
func (b *Block) IsBad() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bad
}

// MarkBad flags the block as bad; it will not be handed out again.
func (b *Block) MarkBad() {
	b.mu.Lock()
	b.bad = true
	b.mu.Unlock()
}

// RLPGSnapshot returns a deep copy of the block's current RLPG, safe to
// inspect without racing further writes.
func (b *Block) RLPGSnapshot() *RLPG {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rlpg.clone()
}

// syncedValidLBAs returns the LBAs of every data sector that has synced and
// was never invalidated, in block order — the set of data a recovery pass
// must preserve before the block can be retired from the pool.
func (b *Block) syncedValidLBAs() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []uint64
	for i := 0; i < b.nrBlkDSecs; i++ {
		if !b.rlpg.SyncBitmap.Test(i) || b.rlpg.InvalidBitmap.Test(i) {
			continue
		}
		if lba := b.rlpg.LBAs[i]; lba != AddrEmpty {
			out = append(out, lba)
		}
	}
	return out
}
