package thinpool

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for a pool.
type Metrics struct {
	// Bio accounting
	BiosSubmitted atomic.Uint64 // Bios entering the request mapper
	BiosRemapped  atomic.Uint64 // Fast-path remaps
	BiosDeferred  atomic.Uint64 // Bios handed to the worker

	// I/O operation counters (completions on the data device)
	ReadOps    atomic.Uint64
	WriteOps   atomic.Uint64
	DiscardOps atomic.Uint64
	FlushOps   atomic.Uint64

	// Byte counters
	ReadBytes    atomic.Uint64
	WriteBytes   atomic.Uint64
	DiscardBytes atomic.Uint64

	// Error counters
	ReadErrors    atomic.Uint64
	WriteErrors   atomic.Uint64
	DiscardErrors atomic.Uint64
	FlushErrors   atomic.Uint64

	// Provisioning
	BlocksProvisioned atomic.Uint64 // alloc_data_block successes
	SharingBreaks     atomic.Uint64 // Copy-on-write block copies scheduled
	ZeroJobs          atomic.Uint64 // Zero-fill jobs scheduled
	MappingsInserted  atomic.Uint64
	MappingsRemoved   atomic.Uint64

	// Commit and degradation
	Commits       atomic.Uint64
	CommitErrors  atomic.Uint64
	LowWaterHits  atomic.Uint64
	NoSpaceEvents atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64 // Pool creation timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	BiosSubmitted uint64
	BiosRemapped  uint64
	BiosDeferred  uint64

	ReadOps    uint64
	WriteOps   uint64
	DiscardOps uint64
	FlushOps   uint64

	ReadBytes    uint64
	WriteBytes   uint64
	DiscardBytes uint64

	ReadErrors    uint64
	WriteErrors   uint64
	DiscardErrors uint64
	FlushErrors   uint64

	BlocksProvisioned uint64
	SharingBreaks     uint64
	ZeroJobs          uint64
	MappingsInserted  uint64
	MappingsRemoved   uint64

	Commits       uint64
	CommitErrors  uint64
	LowWaterHits  uint64
	NoSpaceEvents uint64

	TotalOps   uint64
	TotalBytes uint64
	UptimeNs   uint64
}

// Snapshot copies the counters and computes derived statistics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		BiosSubmitted: m.BiosSubmitted.Load(),
		BiosRemapped:  m.BiosRemapped.Load(),
		BiosDeferred:  m.BiosDeferred.Load(),

		ReadOps:    m.ReadOps.Load(),
		WriteOps:   m.WriteOps.Load(),
		DiscardOps: m.DiscardOps.Load(),
		FlushOps:   m.FlushOps.Load(),

		ReadBytes:    m.ReadBytes.Load(),
		WriteBytes:   m.WriteBytes.Load(),
		DiscardBytes: m.DiscardBytes.Load(),

		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		DiscardErrors: m.DiscardErrors.Load(),
		FlushErrors:   m.FlushErrors.Load(),

		BlocksProvisioned: m.BlocksProvisioned.Load(),
		SharingBreaks:     m.SharingBreaks.Load(),
		ZeroJobs:          m.ZeroJobs.Load(),
		MappingsInserted:  m.MappingsInserted.Load(),
		MappingsRemoved:   m.MappingsRemoved.Load(),

		Commits:       m.Commits.Load(),
		CommitErrors:  m.CommitErrors.Load(),
		LowWaterHits:  m.LowWaterHits.Load(),
		NoSpaceEvents: m.NoSpaceEvents.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.DiscardOps + snap.FlushOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes + snap.DiscardBytes
	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())

	return snap
}

func (m *Metrics) recordIO(op BioOp, bytes uint64, success bool) {
	switch op {
	case BioRead:
		m.ReadOps.Add(1)
		if success {
			m.ReadBytes.Add(bytes)
		} else {
			m.ReadErrors.Add(1)
		}
	case BioWrite:
		m.WriteOps.Add(1)
		if success {
			m.WriteBytes.Add(bytes)
		} else {
			m.WriteErrors.Add(1)
		}
	case BioDiscard:
		m.DiscardOps.Add(1)
		if success {
			m.DiscardBytes.Add(bytes)
		} else {
			m.DiscardErrors.Add(1)
		}
	case BioFlush:
		m.FlushOps.Add(1)
		if !success {
			m.FlushErrors.Add(1)
		}
	}
}

// Observer allows pluggable metrics collection.
type Observer interface {
	// ObserveIO is called for each bio the pool executes against the
	// data device or an external origin; zero-filled reads of
	// unprovisioned blocks are not observed.
	ObserveIO(op BioOp, bytes uint64, latencyNs uint64, success bool)

	// ObserveCommit is called for each metadata commit attempt.
	ObserveCommit(latencyNs uint64, success bool)

	// ObserveProvision is called when a data block is allocated.
	ObserveProvision()

	// ObserveBreakSharing is called when a copy-on-write copy is
	// scheduled.
	ObserveBreakSharing()

	// ObserveModeChange is called when the pool changes mode.
	ObserveModeChange(mode PoolMode)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveIO(BioOp, uint64, uint64, bool) {}
func (NoOpObserver) ObserveCommit(uint64, bool)            {}
func (NoOpObserver) ObserveProvision()                     {}
func (NoOpObserver) ObserveBreakSharing()                  {}
func (NoOpObserver) ObserveModeChange(PoolMode)            {}

// MetricsObserver records into the pool's built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer recording to m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveIO(op BioOp, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.recordIO(op, bytes, success)
}

func (o *MetricsObserver) ObserveCommit(latencyNs uint64, success bool) {
	o.metrics.Commits.Add(1)
	if !success {
		o.metrics.CommitErrors.Add(1)
	}
}

func (o *MetricsObserver) ObserveProvision() {
	o.metrics.BlocksProvisioned.Add(1)
}

func (o *MetricsObserver) ObserveBreakSharing() {
	o.metrics.SharingBreaks.Add(1)
}

func (o *MetricsObserver) ObserveModeChange(PoolMode) {}

// Compile-time interface checks
var (
	_ Observer = (*NoOpObserver)(nil)
	_ Observer = (*MetricsObserver)(nil)
)
