package constants

import "time"

// Pool geometry limits.
//
// The data block size is expressed in 512-byte sectors and must lie
// between 64KB and 1GB, in multiples of the minimum.
const (
	// SectorSize is the unit all bio offsets are expressed in.
	SectorSize = 512

	// SectorShift converts between bytes and sectors.
	SectorShift = 9

	// DataBlockSizeMinSectors is the smallest permitted data block (64KB).
	DataBlockSizeMinSectors = (64 * 1024) >> SectorShift

	// DataBlockSizeMaxSectors is the largest permitted data block (1GB).
	DataBlockSizeMaxSectors = (1024 * 1024 * 1024) >> SectorShift

	// MaxDeviceID is the largest thin device identifier (24 bits).
	MaxDeviceID = (1 << 24) - 1
)

// Sizing of the pool's bounded record pools.
const (
	// PrisonCells is the number of bio prison cells expected to be in
	// use concurrently. It sizes the prison's hash table and freelist.
	PrisonCells = 1024

	// MappingPoolSize bounds the number of in-flight mapping jobs.
	// The worker reserves a job from this pool before dispatching each
	// deferred bio; exhaustion causes the bio to be retried on the
	// next wake rather than dropped.
	MappingPoolSize = 1024

	// DeferredSetSize is the number of generation slots in a deferred
	// set. It only needs to exceed the number of simultaneously open
	// reference generations, which the prison keeps small.
	DeferredSetSize = 64
)

// Worker timing.
const (
	// CommitPeriod is both the waker tick and the maximum age of
	// uncommitted metadata. We want to commit periodically so that not
	// too much unwritten data builds up.
	CommitPeriod = time.Second
)

// Defaults for pool construction.
const (
	// DefaultBlockSizeSectors is the data block size used when the
	// caller does not specify one (128 sectors = 64KB).
	DefaultBlockSizeSectors = 128

	// DefaultCopierWorkers is the number of copy-engine workers.
	DefaultCopierWorkers = 4

	// DefaultIssuerWorkers is the number of goroutines submitting
	// remapped bios to the data device.
	DefaultIssuerWorkers = 4
)
