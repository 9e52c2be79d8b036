package ftl

import "sync"

// LUN is an independently-addressable flash unit: the parallelism domain the
// provisioner, mapper and media writer all key off of. Its current block and
// its open-block list are guarded by separate mutexes, since the mapper
// reads/replaces "current" far more often than the close path walks
// "open" (mirroring pblk_set_lun_cur's split between the cur pointer and the
// LUN's block lists).
type LUN struct {
	id int

	mu  sync.Mutex
	cur *Block

	listMu   sync.Mutex
	openList []*Block
}

func newLUN(id int) *LUN { return &LUN{id: id} }

// Current returns the block currently receiving new sector allocations, or
// nil if none has been assigned yet.
func (l *LUN) Current() *Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

// SetCurrent replaces the block receiving new sector allocations.
func (l *LUN) SetCurrent(b *Block) {
	l.mu.Lock()
	l.cur = b
	l.mu.Unlock()
}

// AddOpen records b as open (accepting writes, not yet fully synced).
func (l *LUN) AddOpen(b *Block) {
	l.listMu.Lock()
	l.openList = append(l.openList, b)
	l.listMu.Unlock()
}

// RemoveOpen drops b from the open list once it has fully synced.
func (l *LUN) RemoveOpen(b *Block) {
	l.listMu.Lock()
	defer l.listMu.Unlock()
	for i, x := range l.openList {
		if x == b {
			l.openList = append(l.openList[:i], l.openList[i+1:]...)
			return
		}
	}
}

// OpenList returns a snapshot of the LUN's open blocks.
func (l *LUN) OpenList() []*Block {
	l.listMu.Lock()
	defer l.listMu.Unlock()
	out := make([]*Block, len(l.openList))
	copy(out, l.openList)
	return out
}

// OpenCount returns the number of open blocks.
func (l *LUN) OpenCount() int {
	l.listMu.Lock()
	defer l.listMu.Unlock()
	return len(l.openList)
}

// FreeBlocksEstimate returns the number of pre-erased blocks queued for
// this LUN in pool, read without taking the LUN's own mutexes (the pool
// takes its own lock) — a heuristic for GC LUN selection, not an exact
// count (pblk_set_lun_cur's nr_blocks accounting makes the same
// trade-off).
func (l *LUN) FreeBlocksEstimate(pool *BlockPool) int {
	return pool.Depth(l.id)
}
