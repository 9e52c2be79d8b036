package pblk

import "github.com/pblk-project/pblk-go/internal/interfaces"

// Backend is the minimal interface every pblk backend implements: byte-range
// reads and writes, a fixed size, and lifecycle hooks. It is a type alias
// for internal/interfaces.Backend so the internal packages (which cannot
// import this one without a cycle) and callers of this package share
// exactly one definition.
type Backend = interfaces.Backend

// DiscardBackend is the optional TRIM/DISCARD extension to Backend.
type DiscardBackend = interfaces.DiscardBackend

// Logger is the optional logging interface a Device can be given.
type Logger = interfaces.Logger

// Observer (metrics-collection interface) is declared in metrics.go, the
// teacher's original home for it; internal/interfaces carries an
// equivalent shape for internal packages that cannot import this one.

// WriteZeroesBackend is an optional extension for backends that can zero a
// range more efficiently than writing zero bytes through WriteAt.
type WriteZeroesBackend interface {
	Backend
	WriteZeroes(offset, length int64) error
}

// SyncBackend is an optional extension for backends with an explicit sync
// point distinct from Flush (e.g. a range-scoped fsync).
type SyncBackend interface {
	Backend
	Sync() error
	SyncRange(offset, length int64) error
}

// StatBackend is an optional extension for backends that can report
// implementation-specific statistics.
type StatBackend interface {
	Backend
	Stats() map[string]interface{}
}

// ResizeBackend is an optional extension for backends that support online
// resize.
type ResizeBackend interface {
	Backend
	Resize(newSize int64) error
}
