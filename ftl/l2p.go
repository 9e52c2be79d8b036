package ftl

import "sync"

type l2pEntry struct {
	ppa  PPA
	rblk *Block
	pin  uint32
}

// L2P is the flat logical-to-physical sector map: one entry per addressable
// LBA, each pointing either nowhere, into the ring (a cacheline) or at a
// device sector (with the Block that owns it, for invalidation bookkeeping).
// A single coarse mutex guards the whole table; per-entry contention is the
// expected shape (reads pin briefly, writers update briefly), matching the
// original's map-wide trans_lock rather than per-entry locks.
type L2P struct {
	mu      sync.Mutex
	entries []l2pEntry
	geom    *Geometry
}

// NewL2P allocates an all-empty map for nrSecs addressable LBAs.
func NewL2P(nrSecs int, geom *Geometry) *L2P {
	e := make([]l2pEntry, nrSecs)
	for i := range e {
		e[i].ppa = EmptyPPA()
	}
	return &L2P{entries: e, geom: geom}
}

// Lookup returns lba's current mapping and, if it is device-resident, the
// Block that owns it.
func (m *L2P) Lookup(lba uint64) (PPA, *Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &m.entries[lba]
	return e.ppa, e.rblk
}

// Update installs newPPA/newBlk for lba.
//
// If expected is non-nil, the existing entry must still equal *expected or
// the update is dropped as stale (errStaleUpdate) — used by the media
// writer to convert a cacheline into its device address without clobbering
// a newer write that has since overwritten the same LBA. Admission passes
// expected=nil ("don't care").
//
// If the existing entry is a pinned cacheline, ErrMapConflict is returned
// and the caller is expected to retry the whole update. ErrMapConflict and
// errStaleUpdate are the only errors Update returns.
func (m *L2P) Update(lba uint64, expected *PPA, newPPA PPA, newBlk *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &m.entries[lba]

	if e.ppa.InCache() && e.pin > 0 {
		return ErrMapConflict
	}
	if expected != nil && !ppaEqual(e.ppa, *expected) {
		return errStaleUpdate
	}

	if g, ok := e.ppa.DeviceGeo(); ok && e.rblk != nil {
		sec := m.geom.SectorIndex(g)
		e.rblk.MarkInvalid(sec)
	}
	e.ppa = newPPA
	e.rblk = newBlk
	return nil
}

// InvalidateRange clears nrSecs entries starting at slba, invalidating the
// sector of any device-resident entry it replaces. Used by discard.
func (m *L2P) InvalidateRange(slba uint64, nrSecs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for lba := slba; lba < slba+uint64(nrSecs); lba++ {
		e := &m.entries[lba]
		if g, ok := e.ppa.DeviceGeo(); ok && e.rblk != nil {
			e.rblk.MarkInvalid(m.geom.SectorIndex(g))
		}
		e.ppa = EmptyPPA()
		e.rblk = nil
	}
}

// ReadPin is a read-pin on one LBA's entry, as returned by PinForRead.
// Release is safe to call even when the pin was never actually taken
// (PinForRead's cached return was false): such a ReadPin does nothing on
// Release.
type ReadPin struct {
	m      *L2P
	lba    uint64
	pinned bool
}

// PinForRead returns the current mapping for lba. If it is a cacheline, a
// read-pin is taken that must be released with Release once the caller has
// copied the payload out — this is what makes a concurrent admission to the
// same LBA return ErrMapConflict and retry instead of racing the read.
func (m *L2P) PinForRead(lba uint64) (ReadPin, PPA, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &m.entries[lba]
	cached := e.ppa.InCache()
	if cached {
		e.pin++
	}
	return ReadPin{m: m, lba: lba, pinned: cached}, e.ppa, cached
}

// Release decrements the pin count of an entry this ReadPin pinned; it does
// not special-case "was I the last pin" (§9 open question), since
// correctness never depends on that distinction here.
func (p ReadPin) Release() {
	if p.m == nil || !p.pinned {
		return
	}
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	e := &p.m.entries[p.lba]
	if e.pin > 0 {
		e.pin--
	}
}
