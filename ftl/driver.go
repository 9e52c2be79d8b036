package ftl

import (
	"context"
	"sync"
)

// IOOp identifies the kind of I/O a Rqd carries.
type IOOp int

const (
	OpRead IOOp = iota
	OpWrite
)

// Rqd flags mirroring the driver-facing request-descriptor shape.
const (
	RqdFlagNone uint32 = 0
)

// Rqd is a request descriptor: a batch of PPAs and their payloads submitted
// to the driver as one unit, pooled to avoid allocation on the I/O hot path
// (pblk_alloc_rqd/pblk_free_rqd).
type Rqd struct {
	Op    IOOp
	PPAs  []PPA
	Data  [][]byte
	Flags uint32

	// PPAStatus, when non-nil, has bit i set for every PPAs[i] the driver
	// could not service. Only meaningful on a write completion carrying
	// ErrDeviceFailWrite.
	PPAStatus *Bitmap

	// Meta is an opaque value the submitter attaches and receives back
	// unmodified in the completion callback; the driver must not interpret
	// it.
	Meta interface{}
}

// CompletionFunc is invoked exactly once per SubmitIO call, with the same
// *Rqd passed in and a non-nil err for anything short of full success.
type CompletionFunc func(rqd *Rqd, err error)

// Driver is the §6 driver-facing API: everything the FTL core needs from
// the underlying Open-Channel SSD (or, here, its simulation). Geometry is
// fixed for the driver's lifetime.
type Driver interface {
	SubmitIO(ctx context.Context, rqd *Rqd, cb CompletionFunc) error
	EraseBlk(g Geo) error
	GetBlk(lun int, flags uint32) (Geo, error)
	PutBlk(g Geo) error
	MarkBlk(g Geo, bad bool) error
	FreeBlockCount(lun int) (int, error)
	Geometry() Geometry
}

var rqdPool = sync.Pool{New: func() interface{} { return &Rqd{} }}

func allocRqd() *Rqd {
	rqd := rqdPool.Get().(*Rqd)
	rqd.PPAs = rqd.PPAs[:0]
	rqd.Data = rqd.Data[:0]
	rqd.Flags = RqdFlagNone
	rqd.PPAStatus = nil
	rqd.Meta = nil
	return rqd
}

func freeRqd(rqd *Rqd) {
	rqdPool.Put(rqd)
}
