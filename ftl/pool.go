package ftl

import (
	"sync"
	"sync/atomic"
)

// BlockPool is a per-LUN FIFO of pre-erased blocks waiting to become a
// LUN's current block. The provisioner keeps each FIFO filled to
// Config.BlockPoolQD; the mapper drains it whenever a LUN's current block
// fills or fails.
type BlockPool struct {
	mu    sync.Mutex
	fifos [][]*Block
	qd    int
}

// NewBlockPool allocates an empty pool for nrLUNs LUNs, targeting qd
// pre-erased blocks per LUN.
func NewBlockPool(nrLUNs, qd int) *BlockPool {
	return &BlockPool{fifos: make([][]*Block, nrLUNs), qd: qd}
}

// Push enqueues a pre-erased block for lun.
func (p *BlockPool) Push(lun int, b *Block) {
	p.mu.Lock()
	p.fifos[lun] = append(p.fifos[lun], b)
	p.mu.Unlock()
}

// Pop dequeues the next pre-erased block for lun, if any.
func (p *BlockPool) Pop(lun int) (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.fifos[lun]
	if len(q) == 0 {
		return nil, false
	}
	b := q[0]
	p.fifos[lun] = q[1:]
	return b, true
}

// Depth returns how many pre-erased blocks are queued for lun.
func (p *BlockPool) Depth(lun int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fifos[lun])
}

// Ready reports whether lun's pool is at or above its target depth.
func (p *BlockPool) Ready(lun int) bool {
	return p.Depth(lun) >= p.qd
}

// gcState tracks per-LUN and any-LUN emergency-GC status. Per-LUN flags are
// atomics so the mapper's hot path (pickLUNForMapping) never blocks on a
// mutex; the "any" flag is recomputed under a short critical section each
// time a per-LUN flag changes, which happens far less often than it's read.
type gcState struct {
	mu      sync.Mutex
	perLUN  []atomic.Bool
	anyFlag atomic.Bool
}

func newGCState(n int) *gcState {
	return &gcState{perLUN: make([]atomic.Bool, n)}
}

// SetEmergency flips lun's emergency-GC flag and recomputes the any-LUN flag.
func (g *gcState) SetEmergency(lun int, v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perLUN[lun].Store(v)
	any := false
	for i := range g.perLUN {
		if g.perLUN[i].Load() {
			any = true
			break
		}
	}
	g.anyFlag.Store(any)
}

// Emergency reports whether lun is in emergency GC.
func (g *gcState) Emergency(lun int) bool { return g.perLUN[lun].Load() }

// AnyEmergency reports whether any LUN is in emergency GC; admission gates
// on this instead of a specific LUN because a bio's target LUN is not known
// until the mapper runs.
func (g *gcState) AnyEmergency() bool { return g.anyFlag.Load() }

// inflightGate bounds the number of sectors admitted but not yet retired,
// the write_inflight cap from §5. Reserve blocks the submitter when the cap
// would be exceeded; Release wakes any waiters once sectors retire.
type inflightGate struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int64
	cap  int64
}

func newInflightGate(cap int64) *inflightGate {
	g := &inflightGate{cap: cap}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Reserve blocks until n more sectors fit under the cap, then accounts for
// them.
func (g *inflightGate) Reserve(n int) {
	g.mu.Lock()
	for g.n+int64(n) > g.cap {
		g.cond.Wait()
	}
	g.n += int64(n)
	g.mu.Unlock()
}

// Release accounts for n retired sectors and wakes any blocked reservers.
func (g *inflightGate) Release(n int) {
	g.mu.Lock()
	g.n -= int64(n)
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Count returns the current inflight sector count.
func (g *inflightGate) Count() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
