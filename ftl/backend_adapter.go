package ftl

import (
	"context"
	"errors"
	"fmt"
	"time"

	pblk "github.com/pblk-project/pblk-go"
)

// writeRequeueRetryInterval is how long WriteAt waits between admission
// retries when BufferWrite reports ErrRequeue; writeRequeueTimeout bounds
// the whole retry loop the way waitLive bounds its device-readiness poll.
const (
	writeRequeueRetryInterval = time.Millisecond
	writeRequeueTimeout       = 30 * time.Second
)

var (
	_ pblk.Backend        = (*FTL)(nil)
	_ pblk.DiscardBackend = (*FTL)(nil)
)

// offsetToLBA converts a byte offset/length pair into a starting LBA and
// sector count; both must be sector-aligned, matching every other backend
// in this module (the block layer never issues misaligned I/O).
func (f *FTL) offsetToLBA(offset, length int64) (lba uint64, nrSecs int, err error) {
	ss := int64(f.geom.SectorSize)
	if offset%ss != 0 || length%ss != 0 {
		return 0, 0, fmt.Errorf("ftl: unaligned I/O: offset=%d length=%d sector_size=%d", offset, length, ss)
	}
	return uint64(offset / ss), int(length / ss), nil
}

// ReadAt implements interfaces.Backend: it reads len(p) bytes starting at
// byte offset off, splicing zeros for any sector never written.
func (f *FTL) ReadAt(p []byte, off int64) (int, error) {
	lba, nrSecs, err := f.offsetToLBA(off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	bio := NewBio(lba, nrSecs, f.geom.SectorSize)
	if err := f.SubmitRead(context.Background(), bio); err != nil {
		copy(p, bio.Buf)
		return len(p), err
	}
	copy(p, bio.Buf)
	return len(p), nil
}

// WriteAt implements interfaces.Backend: it admits len(p) bytes starting at
// byte offset off into the write-back ring and returns once admission
// succeeds, not once the data is durable on device (§4.B/§4.D). BufferWrite
// waits for inflight capacity but returns ErrRequeue instead of waiting when
// the ring is full or admission is gated (§4.H step 2); this is the
// blocking surface the Backend interface wants, so it retries ErrRequeue on
// the caller's behalf up to writeRequeueTimeout.
func (f *FTL) WriteAt(p []byte, off int64) (int, error) {
	lba, nrSecs, err := f.offsetToLBA(off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	bio := NewBio(lba, nrSecs, f.geom.SectorSize)
	copy(bio.Buf, p)

	deadline := time.Now().Add(writeRequeueTimeout)
	for {
		err := f.BufferWrite(context.Background(), bio)
		if err == nil {
			return len(p), nil
		}
		if !errors.Is(err, ErrRequeue) || !time.Now().Before(deadline) {
			return 0, err
		}
		time.Sleep(writeRequeueRetryInterval)
	}
}

// Size implements interfaces.Backend, returning the logical (data-only)
// capacity of the underlying geometry.
func (f *FTL) Size() int64 { return f.geom.TotalDataBytes() }

// Close implements interfaces.Backend. *FTL.Close (ftl.go) already tears
// down the FTL (§4.K); the Backend interface is satisfied directly by that
// method, nothing further is needed here.

// Flush implements interfaces.Backend by waiting for every admitted sector
// to retire.
func (f *FTL) Flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return f.FlushWriter(ctx)
}

// Discard implements interfaces.DiscardBackend by invalidating the L2P
// mapping for the given byte range; it does not erase anything on device
// (actual space reclamation is GC's job, out of scope per §1 Non-goals).
func (f *FTL) Discard(offset, length int64) error {
	lba, nrSecs, err := f.offsetToLBA(offset, length)
	if err != nil {
		return err
	}
	f.l2p.InvalidateRange(lba, nrSecs)
	return nil
}
