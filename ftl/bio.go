package ftl

import "sync"

// GCBuffer is a shared, refcounted buffer backing a GC list-write: every
// admitted sector holds one Get() and releases it with Put() once its ring
// entry retires, so the buffer (and whatever read it came from) is only
// released once every sector it carried has made it back onto the device.
type GCBuffer struct {
	mu      sync.Mutex
	refs    int
	release func()
}

// NewGCBuffer wraps an optional release callback invoked when the last
// reference is put back.
func NewGCBuffer(release func()) *GCBuffer {
	return &GCBuffer{release: release}
}

// Get takes a reference.
func (g *GCBuffer) Get() {
	g.mu.Lock()
	g.refs++
	g.mu.Unlock()
}

// Put releases a reference, invoking the release callback if it was the last one.
func (g *GCBuffer) Put() {
	g.mu.Lock()
	g.refs--
	done := g.refs <= 0
	g.mu.Unlock()
	if done && g.release != nil {
		g.release()
	}
}

// Bio is this package's minimal stand-in for a block-layer I/O request: an
// LBA range with a backing buffer, or a bare flush marker, or (for GC) an
// explicit LBA list with holes. It completes exactly once.
type Bio struct {
	LBA        uint64
	NumSectors int
	Buf        []byte

	Flush bool

	LBAList []uint64
	RefBuf  *GCBuffer

	Priv interface{}

	mu      sync.Mutex
	done    bool
	err     error
	waiters chan struct{}
}

// NewBio allocates a data bio for nrSecs sectors starting at lba.
func NewBio(lba uint64, nrSecs, sectorSize int) *Bio {
	return &Bio{LBA: lba, NumSectors: nrSecs, Buf: make([]byte, nrSecs*sectorSize), waiters: make(chan struct{})}
}

// NewFlushBio allocates a bare flush-barrier bio carrying no data.
func NewFlushBio() *Bio {
	return &Bio{Flush: true, waiters: make(chan struct{})}
}

// NewGCListBio allocates a bio addressed by an explicit LBA list (AddrEmpty
// marking holes) instead of a contiguous range, for GC read/rewrite.
func NewGCListBio(lbaList []uint64, sectorSize int, refBuf *GCBuffer) *Bio {
	n := len(lbaList)
	return &Bio{
		NumSectors: n,
		Buf:        make([]byte, n*sectorSize),
		LBAList:    lbaList,
		RefBuf:     refBuf,
		waiters:    make(chan struct{}),
	}
}

func (b *Bio) sectorBuf(i, sectorSize int) []byte {
	return b.Buf[i*sectorSize : (i+1)*sectorSize]
}

// Complete ends the bio exactly once; later calls are no-ops.
func (b *Bio) Complete(err error) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	b.err = err
	close(b.waiters)
	b.mu.Unlock()
}

// Wait blocks until the bio completes and returns its terminal error, if any.
func (b *Bio) Wait() error {
	<-b.waiters
	return b.err
}
