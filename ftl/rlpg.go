package ftl

import (
	"encoding/binary"
	"hash/crc32"
)

var rlpgCRCTable = crc32.MakeTable(crc32.Castagnoli)

// RLPGStatus is the lifecycle state a block's recovery-log page records.
type RLPGStatus uint8

const (
	RLPGOpen RLPGStatus = iota
	RLPGClosed
	RLPGBad
)

// RLPG is a block's recovery-log page: the per-block metadata that would, on
// real hardware, live in the block's reserved last page. Persistence and
// on-disk layout are out of scope (§1 Non-goals); this struct exists so the
// in-memory bookkeeping it backs (LBA list, sector/sync/invalid bitmaps) has
// a single home per block, matching pblk_alloc_blk_meta's grouping.
type RLPG struct {
	Status        RLPGStatus
	CRC           uint32
	NrLBAs        uint32
	NrPadded      uint32
	LBAs          []uint64
	SectorBitmap  *Bitmap
	SyncBitmap    *Bitmap
	InvalidBitmap *Bitmap
}

// NewRLPG allocates an open RLPG sized for nrBlkDSecs data sectors, every
// LBA slot initialized to AddrEmpty.
func NewRLPG(nrBlkDSecs int) *RLPG {
	lbas := make([]uint64, nrBlkDSecs)
	for i := range lbas {
		lbas[i] = AddrEmpty
	}
	return &RLPG{
		Status:        RLPGOpen,
		LBAs:          lbas,
		SectorBitmap:  NewBitmap(nrBlkDSecs),
		SyncBitmap:    NewBitmap(nrBlkDSecs),
		InvalidBitmap: NewBitmap(nrBlkDSecs),
	}
}

func (r *RLPG) clone() *RLPG {
	lbas := make([]uint64, len(r.LBAs))
	copy(lbas, r.LBAs)
	return &RLPG{
		Status:        r.Status,
		CRC:           r.CRC,
		NrLBAs:        r.NrLBAs,
		NrPadded:      r.NrPadded,
		LBAs:          lbas,
		SectorBitmap:  r.SectorBitmap.Clone(),
		SyncBitmap:    r.SyncBitmap.Clone(),
		InvalidBitmap: r.InvalidBitmap.Clone(),
	}
}

const rlpgHeaderSize = 4 /* status */ + 4 /* crc */ + 4 /* nr_lbas */ + 4 /* nr_padded */

// SerializedSize returns the encoded size of an RLPG with this many data
// sectors: a small header, one uint64 per LBA, and three bitmaps.
func (r *RLPG) SerializedSize() int {
	n := r.SectorBitmap.Len()
	bitmapWords := (n + 63) / 64
	return rlpgHeaderSize + n*8 + bitmapWords*8*3
}

// crcCoveredOffset is where checksum coverage begins: just past the status
// and CRC fields, so the checksum covers everything after the CRC field and
// not the status.
const crcCoveredOffset = 8 // status(4) + crc(4)

// Serialize encodes the RLPG into a flat byte slice, computing and storing
// a CRC32C over the header fields and body that follow the CRC field
// itself (nr_lbas, nr_padded, the LBA array, and the three bitmaps), so a
// reader can detect a torn or corrupted metadata page. The exact wire
// format is internal to this FTL (no cross-restart persistence is
// implemented); it only needs to be stable within one process lifetime for
// the close-block write to have a well-defined payload.
func (r *RLPG) Serialize() []byte {
	buf := make([]byte, r.SerializedSize())
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.Status))
	off += 4
	off += 4 // crc, patched in below once the rest is written
	binary.LittleEndian.PutUint32(buf[off:], r.NrLBAs)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.NrPadded)
	off += 4
	for _, lba := range r.LBAs {
		binary.LittleEndian.PutUint64(buf[off:], lba)
		off += 8
	}
	off = writeBitmap(buf, off, r.SectorBitmap)
	off = writeBitmap(buf, off, r.SyncBitmap)
	_ = writeBitmap(buf, off, r.InvalidBitmap)

	r.CRC = crc32.Checksum(buf[crcCoveredOffset:], rlpgCRCTable)
	binary.LittleEndian.PutUint32(buf[4:], r.CRC)
	return buf
}

// VerifyCRC reports whether buf (as produced by Serialize) carries a CRC
// matching its own header fields, LBA array, and bitmaps.
func VerifyCRC(buf []byte) bool {
	if len(buf) < crcCoveredOffset {
		return false
	}
	want := binary.LittleEndian.Uint32(buf[4:8])
	got := crc32.Checksum(buf[crcCoveredOffset:], rlpgCRCTable)
	return want == got
}

func writeBitmap(buf []byte, off int, bm *Bitmap) int {
	for _, w := range bm.words {
		binary.LittleEndian.PutUint64(buf[off:], w)
		off += 8
	}
	return off
}
