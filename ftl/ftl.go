// Package ftl implements a host-side Flash Translation Layer for a
// simulated Open-Channel SSD: write-back caching through a ring buffer,
// asynchronous media mapping/submission, a background block provisioner,
// and write-failure recovery, all addressed through a flat logical-to-
// physical sector map (§1-§5).
package ftl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pblk-project/pblk-go/internal/interfaces"
)

// Logger is the Printf/Debugf logging interface the FTL accepts for
// diagnostics (provisioner failures, submit rejections, recovery
// escalations), matching the logger every other component in this module
// already takes.
type Logger = interfaces.Logger

// Result is the outcome of a blocking FTL operation, distinguishing a
// caller-visible success/failure from the internal requeue/retry signals
// that never escape this package.
type Result int

const (
	ResultOK Result = iota
	ResultErr
)

// FTLMetrics holds the atomic counters exposed by Metrics/MetricsSnapshot.
type FTLMetrics struct {
	blocksProvisioned atomic.Uint64
	blocksClosed      atomic.Uint64
	emergencyGCEvents atomic.Uint64
	writeFailures     atomic.Uint64
	recoveredSectors  atomic.Uint64
	padded            atomic.Uint64
	reads             atomic.Uint64
	writes            atomic.Uint64
	requeues          atomic.Uint64
}

// FTLMetricsSnapshot is a point-in-time copy of FTLMetrics, safe to read
// without racing the counters it was taken from.
type FTLMetricsSnapshot struct {
	BlocksProvisioned uint64
	BlocksClosed      uint64
	EmergencyGCEvents uint64
	WriteFailures     uint64
	RecoveredSectors  uint64
	Padded            uint64
	Reads             uint64
	Writes            uint64
	Requeues          uint64
}

// FTL is the top-level flash translation layer: one ring, one L2P map, one
// block pool and one set of LUNs, served by a single provisioner goroutine
// and a single media writer goroutine. It implements interfaces.Backend (via backend_adapter.go)
// so it can be handed to a pblk.Device exactly like any other backend.
type FTL struct {
	geom   Geometry
	cfg    Config
	driver Driver
	logger Logger

	luns  []*LUN
	pool  *BlockPool
	gc    *gcState
	l2p   *L2P
	ring  *Ring
	gate  *inflightGate
	prov  *Provisioner
	write *mediaWriter

	rrCounter atomic.Uint64
	metrics   FTLMetrics

	closeOnce sync.Once
	closed    atomic.Bool
}

// New constructs an FTL over driver using geometry geom and tunables cfg,
// validating both before allocating any state.
func New(driver Driver, geom Geometry, cfg Config, logger Logger) (*FTL, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(geom); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = nopLogger{}
	}

	nrLUNs := geom.NrLUNs()
	luns := make([]*LUN, nrLUNs)
	for i := range luns {
		luns[i] = newLUN(i)
	}

	totalSecs := geom.NrLUNs() * geom.blocksPerLUN() * geom.NrBlkDSecs()

	f := &FTL{
		geom:   geom,
		cfg:    cfg,
		driver: driver,
		logger: logger,
		luns:   luns,
		pool:   NewBlockPool(nrLUNs, cfg.BlockPoolQD),
		gc:     newGCState(nrLUNs),
		l2p:    NewL2P(totalSecs, &geom),
		ring:   NewRing(uint64(cfg.WriteInflightCap), geom.SectorSize),
		gate:   newInflightGate(int64(cfg.WriteInflightCap)),
	}
	f.prov = newProvisioner(f)
	f.write = newMediaWriter(f)
	return f, nil
}

// Start launches the provisioner and media writer background goroutines.
// It must be called once before any I/O is submitted.
func (f *FTL) Start() {
	f.prov.Start()
	f.write.Start()
	f.prov.Kick()
}

// Close tears down the FTL: it pads and closes every open block (§4.K),
// stops the background workers, and marks the FTL unusable for further I/O.
// It is safe to call more than once; only the first call does work.
func (f *FTL) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		err = f.teardown()
		f.write.Stop()
		f.prov.Stop()
	})
	return err
}

// Metrics returns a point-in-time snapshot of the FTL's counters.
func (f *FTL) Metrics() FTLMetricsSnapshot {
	return FTLMetricsSnapshot{
		BlocksProvisioned: f.metrics.blocksProvisioned.Load(),
		BlocksClosed:      f.metrics.blocksClosed.Load(),
		EmergencyGCEvents: f.metrics.emergencyGCEvents.Load(),
		WriteFailures:     f.metrics.writeFailures.Load(),
		RecoveredSectors:  f.metrics.recoveredSectors.Load(),
		Padded:            f.metrics.padded.Load(),
		Reads:             f.metrics.reads.Load(),
		Writes:            f.metrics.writes.Load(),
		Requeues:          f.metrics.requeues.Load(),
	}
}

// Geometry returns the FTL's fixed device geometry.
func (f *FTL) Geometry() Geometry { return f.geom }

// syncSubmit issues a single-Rqd driver submission and blocks until its
// completion callback fires, for call sites (close-block RLPG writes,
// teardown padding) that need a synchronous result rather than the
// asynchronous ring/completion pipeline.
func (f *FTL) syncSubmit(ctx context.Context, rqd *Rqd) error {
	done := make(chan error, 1)
	err := f.driver.SubmitIO(ctx, rqd, func(rqd *Rqd, err error) {
		done <- err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceSubmit, err)
	}
	return <-done
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}
