package ftl

import "errors"

// Sentinel errors for the FTL's error-kind taxonomy. None of these cross the
// package boundary on the admission hot path except ErrRequeue;
// ErrMapConflict in particular never escapes package ftl.
var (
	// ErrMapConflict signals a concurrent read-pin held the L2P slot being
	// updated. The caller retries the update; it is never returned to a
	// block-layer caller.
	ErrMapConflict = errors.New("ftl: l2p update conflict, retry")

	// ErrRequeue signals admission could not proceed right now (ring full,
	// or a LUN is in emergency GC) and the block layer should resubmit the
	// bio later.
	ErrRequeue = errors.New("ftl: requeue, resource temporarily unavailable")

	// ErrResourceExhausted signals a pool (blocks, descriptors) could not
	// satisfy a request even after backoff.
	ErrResourceExhausted = errors.New("ftl: resource pool exhausted")

	// ErrGeometryMismatch signals a Geometry or Config value that cannot
	// host a valid RLPG layout or admission granularity.
	ErrGeometryMismatch = errors.New("ftl: geometry/config mismatch")

	// ErrDeviceFailWrite signals the underlying driver reported one or more
	// failing PPAs on a write submission (see Rqd.PPAStatus).
	ErrDeviceFailWrite = errors.New("ftl: device write failure")

	// ErrDeviceFailRead signals the underlying driver could not service a
	// read at the requested PPA(s).
	ErrDeviceFailRead = errors.New("ftl: device read failure")

	// ErrDeviceSubmit signals the driver rejected a submission outright
	// (queue full, device closed) before any completion could be observed.
	ErrDeviceSubmit = errors.New("ftl: device submission failure")

	// errStaleUpdate is returned internally by L2P.Update when the entry
	// being converted has already been superseded by a newer write. It is
	// not a failure; callers treat it as "nothing to do".
	errStaleUpdate = errors.New("ftl: l2p entry superseded")
)
