package ftl

import (
	"fmt"
	"time"
)

// Geo is a device-local address tuple: channel, LUN (local to its channel),
// plane, block, page and sector. The zero value addresses block (0,0,0,0) at
// page/sector 0 and is never a meaningful "empty" marker on its own — PPA's
// empty/cache/device tag carries that distinction instead.
type Geo struct {
	Ch, Lun, Pl, Blk, Pg, Sec int
}

// Geometry describes the fixed shape of the simulated Open-Channel SSD: how
// many channels, LUNs per channel, planes per LUN, blocks per plane, pages
// per block and sectors per page it exposes, plus the sector size in bytes.
// The last page of every block is reserved for its RLPG; it never holds
// data sectors.
type Geometry struct {
	Channels       int
	LUNsPerChannel int
	PlanesPerLUN   int
	BlocksPerPlane int
	PagesPerBlock  int
	SectorsPerPage int
	SectorSize     int
}

// NrLUNs returns the total number of LUNs across all channels.
func (g Geometry) NrLUNs() int { return g.Channels * g.LUNsPerChannel }

// NrBlkDSecs returns the number of data sectors per block: every page except
// the last (reserved for the RLPG) times sectors per page.
func (g Geometry) NrBlkDSecs() int { return (g.PagesPerBlock - 1) * g.SectorsPerPage }

// BlkMetaSize returns the byte capacity of a block's reserved metadata page.
func (g Geometry) BlkMetaSize() int { return g.SectorsPerPage * g.SectorSize }

// GlobalLUN flattens a Geo's channel+LUN pair into a single index in
// [0, NrLUNs()), the indexing space ftl's LUN pool and block pool use.
func (g Geometry) GlobalLUN(geo Geo) int { return geo.Ch*g.LUNsPerChannel + geo.Lun }

// SectorIndex returns a Geo's block-local data-sector offset (page*sectors_per_page + sector).
func (g Geometry) SectorIndex(geo Geo) int { return geo.Pg*g.SectorsPerPage + geo.Sec }

func (g Geometry) blocksPerLUN() int { return g.PlanesPerLUN * g.BlocksPerPlane }

func (g Geometry) blockByteSize() int64 {
	return int64(g.PagesPerBlock) * int64(g.SectorsPerPage) * int64(g.SectorSize)
}

// BlockOffset returns the byte offset of the start of geo's block within a
// single flat media image laid out LUN-major, then plane/block-major.
func (g Geometry) BlockOffset(geo Geo) int64 {
	lunIdx := geo.Ch*g.LUNsPerChannel + geo.Lun
	blockIdx := geo.Pl*g.BlocksPerPlane + geo.Blk
	return (int64(lunIdx)*int64(g.blocksPerLUN()) + int64(blockIdx)) * g.blockByteSize()
}

// SectorByteOffset returns the byte offset of geo's exact sector within the
// flat media image.
func (g Geometry) SectorByteOffset(geo Geo) int64 {
	return g.BlockOffset(geo) + int64(g.SectorIndex(geo))*int64(g.SectorSize)
}

// TotalBytes returns the raw media size, including every block's reserved
// metadata page.
func (g Geometry) TotalBytes() int64 {
	return int64(g.NrLUNs()) * int64(g.blocksPerLUN()) * g.blockByteSize()
}

// TotalDataBytes returns the logical (user-visible) capacity: data sectors
// only, excluding every block's reserved metadata page.
func (g Geometry) TotalDataBytes() int64 {
	return int64(g.NrLUNs()) * int64(g.blocksPerLUN()) * int64(g.NrBlkDSecs()) * int64(g.SectorSize)
}

// Validate checks that a Geometry can host at least one data sector per
// block plus its reserved metadata page.
func (g Geometry) Validate() error {
	if g.Channels <= 0 || g.LUNsPerChannel <= 0 || g.PlanesPerLUN <= 0 ||
		g.BlocksPerPlane <= 0 || g.SectorsPerPage <= 0 || g.SectorSize <= 0 {
		return fmt.Errorf("%w: all geometry fields must be positive", ErrGeometryMismatch)
	}
	if g.PagesPerBlock < 2 {
		return fmt.Errorf("%w: pages_per_block must be at least 2 (one reserved for the RLPG)", ErrGeometryMismatch)
	}
	return nil
}

// Config holds the tunables governing admission, batching and the
// background provisioner/media-writer cadence. Values are in sectors unless
// named otherwise.
type Config struct {
	// WriteInflightCap bounds the number of sectors that may be admitted
	// but not yet retired at any moment (§5 backpressure).
	WriteInflightCap int

	// GCEmergencyThreshold is the per-LUN level below which the provisioner
	// puts a LUN into emergency GC, switching mapping to most-free-blocks
	// selection and requeueing user writes (§4.F, §4.H). It is compared with
	// the number of pre-erased blocks queued for the LUN in the block pool
	// (BlockPool.Depth); the driver's count of unallocated blocks is not
	// consulted.
	GCEmergencyThreshold int

	// BlockPoolQD is the number of pre-erased blocks the provisioner keeps
	// ready per LUN.
	BlockPoolQD int

	// MinWritePgs is the flash-imposed minimum batch granularity for a
	// single media-writer submission, in sectors.
	MinWritePgs int

	// MaxWritePgs is the largest batch the media writer will submit at once,
	// in sectors.
	MaxWritePgs int

	// ProvTimer is the provisioner's polling interval.
	ProvTimer time.Duration

	// WriterTimer is the media writer's maximum idle interval before it
	// re-checks ring occupancy even without a kick.
	WriterTimer time.Duration

	// WriterIdle is how long the media writer backs off when there isn't
	// enough to flush and no flush is pending.
	WriterIdle time.Duration
}

// DefaultConfig returns tunables matching the defaults described in §6.
func DefaultConfig() Config {
	return Config{
		WriteInflightCap:     400000,
		GCEmergencyThreshold: 1,
		BlockPoolQD:          1,
		MinWritePgs:          4,
		MaxWritePgs:          64,
		ProvTimer:            10 * time.Millisecond,
		WriterTimer:          time.Second,
		WriterIdle:           2 * time.Millisecond,
	}
}

// Validate checks c against g: write granularities must be positive and
// ordered, every block's data region must divide evenly into MinWritePgs
// groups, and a serialized RLPG for this geometry must fit in one metadata
// page.
func (c Config) Validate(g Geometry) error {
	if c.MinWritePgs <= 0 || c.MaxWritePgs < c.MinWritePgs {
		return fmt.Errorf("%w: min_write_pgs/max_write_pgs misconfigured", ErrGeometryMismatch)
	}
	if g.NrBlkDSecs()%c.MinWritePgs != 0 {
		return fmt.Errorf("%w: nr_blk_dsecs (%d) must be a multiple of min_write_pgs (%d)",
			ErrGeometryMismatch, g.NrBlkDSecs(), c.MinWritePgs)
	}
	rlpg := NewRLPG(g.NrBlkDSecs())
	if rlpg.SerializedSize() > g.BlkMetaSize() {
		return fmt.Errorf("%w: RLPG size %d exceeds block metadata page capacity %d",
			ErrGeometryMismatch, rlpg.SerializedSize(), g.BlkMetaSize())
	}
	if c.WriteInflightCap <= 0 || c.BlockPoolQD <= 0 || c.GCEmergencyThreshold < 0 {
		return fmt.Errorf("%w: inflight cap and block pool depth must be positive, GC threshold non-negative", ErrGeometryMismatch)
	}
	return nil
}
