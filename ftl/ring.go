package ftl

import "sync"

// WCtx is the per-slot write context the ring carries alongside its
// payload: the LBA it was admitted for, GC/ref flags, the owning bio for a
// flush-barrier slot, and the device PPA the mapper eventually assigns.
type WCtx struct {
	LBA   uint64
	Flags uint32
	Bio   *Bio
	Priv  interface{}
	PPA   PPA
}

// Write-context flags.
const (
	FlagNone uint32 = 0
	FlagGC   uint32 = 1 << 0
	FlagRef  uint32 = 1 << 1
)

type ringEntry struct {
	payload []byte
	ctx     WCtx
	valid   bool
}

type syncPointMarker struct {
	pos uint64
	bio *Bio
}

type complEntry struct {
	sentry uint64
	n      int
}

// Ring is the write-back cache every admitted sector passes through before
// it is mapped to a device address and submitted: a fixed-capacity circular
// buffer with three cursors (mem: admitted, subm: handed to the mapper,
// sync: retired) plus a set of pending flush barriers. §4.D's concurrency
// model is named mutexes, not lock-free CAS (see DESIGN.md on tef-crow's
// roundabout, which inspired the cursor/epoch bookkeeping idiom here but
// not its lock-free protocol).
type Ring struct {
	sectorSize int
	capacity   uint64

	memMu sync.Mutex
	mem   uint64

	readMu sync.Mutex
	subm   uint64

	syncMu     sync.Mutex
	sync       uint64
	syncPoints []syncPointMarker
	complList  []complEntry

	entries []ringEntry
}

// NewRing allocates a ring of the given sector capacity.
func NewRing(capacity uint64, sectorSize int) *Ring {
	return &Ring{capacity: capacity, sectorSize: sectorSize, entries: make([]ringEntry, capacity)}
}

// Capacity returns the ring's sector capacity.
func (r *Ring) Capacity() uint64 { return r.capacity }

// WrapPos folds an absolute logical position into a physical slot index.
func (r *Ring) WrapPos(pos uint64) int { return int(pos % r.capacity) }

// MayWrite reserves nrSecs contiguous slots starting at the current mem
// cursor, advancing it, iff doing so would not overrun sectors not yet
// retired (mem + nrSecs - sync <= capacity). It returns false (admission
// should requeue) otherwise.
func (r *Ring) MayWrite(nrSecs int) (pos uint64, ok bool) {
	r.memMu.Lock()
	defer r.memMu.Unlock()
	r.syncMu.Lock()
	syncPos := r.sync
	r.syncMu.Unlock()
	if r.mem+uint64(nrSecs)-syncPos > r.capacity {
		return 0, false
	}
	pos = r.mem
	r.mem += uint64(nrSecs)
	return pos, true
}

// WriteEntry installs data and ctx at logical position pos.
func (r *Ring) WriteEntry(pos uint64, data []byte, ctx WCtx) {
	e := &r.entries[r.WrapPos(pos)]
	if e.payload == nil {
		e.payload = make([]byte, r.sectorSize)
	}
	copy(e.payload, data)
	e.ctx = ctx
	e.valid = true
}

// WCtxAt returns a pointer to the write context at logical position pos,
// letting the mapper update its PPA in place once computed.
func (r *Ring) WCtxAt(pos uint64) *WCtx {
	return &r.entries[r.WrapPos(pos)].ctx
}

// PayloadAt returns the payload bytes at logical position pos.
func (r *Ring) PayloadAt(pos uint64) []byte {
	return r.entries[r.WrapPos(pos)].payload
}

// ReadLock serializes the media writer's drain cycles against each other
// (only one drain walks admitted-but-unsubmitted entries at a time).
func (r *Ring) ReadLock() { r.readMu.Lock() }

// ReadUnlock releases the media writer's drain lock.
func (r *Ring) ReadUnlock() { r.readMu.Unlock() }

// Avail returns the number of entries admitted but not yet handed to the
// mapper (mem - subm).
func (r *Ring) Avail() int {
	r.memMu.Lock()
	m := r.mem
	r.memMu.Unlock()
	return int(m - r.subm)
}

// ReadCommit advances the subm cursor by n, returning its prior value (the
// absolute logical position the caller's batch starts at).
func (r *Ring) ReadCommit(n int) uint64 {
	old := r.subm
	r.subm += uint64(n)
	return old
}

// RewindReadCommit undoes a ReadCommit when the writer could not actually
// submit the batch it just claimed, so a later drain picks it up again.
func (r *Ring) RewindReadCommit(pos uint64) {
	r.subm = pos
}

// SyncPointCount returns how many entries lie before the nearest pending
// sync-point, relative to the current subm cursor — the media writer uses
// this to force a pad-to-min batch even when avail alone wouldn't justify
// one.
func (r *Ring) SyncPointCount() int {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	if len(r.syncPoints) == 0 {
		return 0
	}
	nearest := r.syncPoints[0].pos
	for _, sp := range r.syncPoints[1:] {
		if sp.pos < nearest {
			nearest = sp.pos
		}
	}
	d := int(nearest - r.subm)
	if d < 0 {
		return 0
	}
	return d
}

// SyncPointSet plants a flush barrier at the ring's current mem cursor; bio
// is completed once the sync cursor reaches that position, or at once if it
// already has.
func (r *Ring) SyncPointSet(bio *Bio) {
	r.memMu.Lock()
	pos := r.mem
	r.memMu.Unlock()
	r.syncMu.Lock()
	if pos <= r.sync {
		r.syncMu.Unlock()
		if bio != nil {
			bio.Complete(nil)
		}
		return
	}
	r.syncPoints = append(r.syncPoints, syncPointMarker{pos: pos, bio: bio})
	r.syncMu.Unlock()
}

// Retire attempts in-order retirement of n entries starting at sentry. If
// sentry matches the current sync cursor, it advances immediately and then
// drains any previously out-of-order completions that now line up;
// otherwise the (sentry, n) pair is queued until its turn comes. It returns
// any sync-point bios whose barrier the sync cursor has now crossed.
func (r *Ring) Retire(sentry uint64, n int) (advanced int, bios []*Bio) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	if sentry != r.sync {
		r.complList = append(r.complList, complEntry{sentry: sentry, n: n})
		return 0, nil
	}

	r.sync += uint64(n)
	advanced = n
	for progressed := true; progressed; {
		progressed = false
		for i, ce := range r.complList {
			if ce.sentry == r.sync {
				r.sync += uint64(ce.n)
				advanced += ce.n
				r.complList = append(r.complList[:i], r.complList[i+1:]...)
				progressed = true
				break
			}
		}
	}

	kept := r.syncPoints[:0]
	for _, sp := range r.syncPoints {
		if sp.pos <= r.sync {
			if sp.bio != nil {
				bios = append(bios, sp.bio)
			}
		} else {
			kept = append(kept, sp)
		}
	}
	r.syncPoints = kept
	return advanced, bios
}

// SyncEnd returns the current sync cursor.
func (r *Ring) SyncEnd() uint64 {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	return r.sync
}

// SyncScanEntry locates the ring slot currently holding ppa as its write
// context's assigned PPA. Used only on write failure, to rebuild a recovery
// list from PPAs the driver reported as failing (§4.J).
func (r *Ring) SyncScanEntry(ppa PPA) (uint64, bool) {
	for i := uint64(0); i < r.capacity; i++ {
		e := &r.entries[i]
		if e.valid && ppaEqual(e.ctx.PPA, ppa) {
			return i, true
		}
	}
	return 0, false
}
