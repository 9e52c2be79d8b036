package ftl

import "fmt"

// AddrEmpty marks a hole in a GC LBA list or an RLPG slot that was never
// written (padding).
const AddrEmpty = ^uint64(0)

type ppaKind uint8

const (
	kindEmpty ppaKind = iota
	kindCache
	kindDevice
)

// PPA is a tagged sum type over "nowhere" (empty), "ring cacheline" or
// "device address". §9 notes the original kernel's packed-bitfield PPA is an
// optimisation over a fixed word width, not a requirement; a Go struct with
// an explicit tag is the natural idiom here.
type PPA struct {
	kind  ppaKind
	cache uint32
	geo   Geo
}

// EmptyPPA returns the PPA meaning "not mapped".
func EmptyPPA() PPA { return PPA{kind: kindEmpty} }

// CachePPA returns a PPA addressing ring slot idx.
func CachePPA(idx uint32) PPA { return PPA{kind: kindCache, cache: idx} }

// DevicePPA returns a PPA addressing a device-resident sector.
func DevicePPA(g Geo) PPA { return PPA{kind: kindDevice, geo: g} }

// IsEmpty reports whether p means "not mapped".
func (p PPA) IsEmpty() bool { return p.kind == kindEmpty }

// InCache reports whether p addresses a ring slot.
func (p PPA) InCache() bool { return p.kind == kindCache }

// CacheIndex returns the ring slot p addresses, if any.
func (p PPA) CacheIndex() (uint32, bool) {
	if p.kind != kindCache {
		return 0, false
	}
	return p.cache, true
}

// DeviceGeo returns the device tuple p addresses, if any.
func (p PPA) DeviceGeo() (Geo, bool) {
	if p.kind != kindDevice {
		return Geo{}, false
	}
	return p.geo, true
}

func ppaEqual(a, b PPA) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case kindCache:
		return a.cache == b.cache
	case kindDevice:
		return a.geo == b.geo
	default:
		return true
	}
}

// CmpBlk reports whether two device PPAs address the same block (ignoring
// page/sector).
func CmpBlk(a, b PPA) bool {
	ag, aok := a.DeviceGeo()
	bg, bok := b.DeviceGeo()
	if !aok || !bok {
		return false
	}
	return ag.Ch == bg.Ch && ag.Lun == bg.Lun && ag.Pl == bg.Pl && ag.Blk == bg.Blk
}

// PPAToGaddr folds a block-local data-sector offset into a full device
// tuple rooted at blockPPA (whose Pg/Sec are ignored on input).
func PPAToGaddr(geom *Geometry, blockPPA PPA, sectorOffset int) (PPA, error) {
	g, ok := blockPPA.DeviceGeo()
	if !ok {
		return PPA{}, fmt.Errorf("ftl: PPAToGaddr: blockPPA is not a device address")
	}
	g.Pg = sectorOffset / geom.SectorsPerPage
	g.Sec = sectorOffset % geom.SectorsPerPage
	return DevicePPA(g), nil
}
