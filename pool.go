// Package thinpool implements a thin-provisioning block-I/O engine: a
// pool of data blocks shared by many thin devices, with on-demand
// allocation, copy-on-write snapshots and discard.
//
// A pool ties a data device to a transactional metadata store. Thin
// devices opened against the pool accept bios addressed by sector
// within the device; the engine remaps them onto pool data blocks,
// allocating, zeroing or copying blocks as needed while a
// single-threaded worker keeps the metadata consistent.
package thinpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/behrlich/go-thinpool/internal/blockdev"
	"github.com/behrlich/go-thinpool/internal/constants"
	"github.com/behrlich/go-thinpool/internal/copier"
	"github.com/behrlich/go-thinpool/internal/deferredset"
	"github.com/behrlich/go-thinpool/internal/logging"
	"github.com/behrlich/go-thinpool/internal/metadata"
	"github.com/behrlich/go-thinpool/internal/prison"
)

// DataDevice is the interface the pool's data and origin devices must
// implement. Offsets are in bytes.
type DataDevice = blockdev.Device

// MetadataStore is the transactional mapping store the pool commits
// through. The in-tree implementation lives in internal/metadata; the
// interface exists so tests can inject failures.
type MetadataStore interface {
	CreateThin(dev uint64) error
	CreateSnap(dev, origin uint64) error
	DeleteThin(dev uint64) error
	OpenThin(dev uint64) error
	CloseThin(dev uint64)

	FindBlock(dev, vblock uint64, canBlock bool) (metadata.LookupResult, error)
	InsertBlock(dev, vblock, dblock uint64) error
	RemoveBlock(dev, vblock uint64) error

	AllocDataBlock() (uint64, error)
	FreeBlockCount() (uint64, error)
	DataDevSize() (uint64, error)
	ResizeDataDev(nrBlocks uint64) error

	Commit() error
	Abort() error
	SetReadOnly()

	ChangedThisTransaction(dev uint64) bool
	AbortedChanges(dev uint64) bool

	TransactionID() (uint64, error)
	SetTransactionID(oldID, newID uint64) error
	ReserveMetadataSnap() error
	ReleaseMetadataSnap() error
	MetadataSnap() (uint64, error)

	MappedCount(dev uint64) (uint64, error)
	HighestMappedBlock(dev uint64) (uint64, bool, error)
	MetadataDevSize() (uint64, error)
	FreeMetadataBlockCount() (uint64, error)

	Close() error
}

var _ MetadataStore = (*metadata.Store)(nil)

// Event is an administrative event emitted by the pool.
type Event int

const (
	// EventLowWater fires once when the free data blocks drop to the
	// low-water mark.
	EventLowWater Event = iota
	// EventNoSpace fires once when an allocation finds the pool full.
	EventNoSpace
)

func (e Event) String() string {
	switch e {
	case EventLowWater:
		return "low_water"
	case EventNoSpace:
		return "no_space"
	default:
		return "unknown"
	}
}

// PoolParams configures a pool.
type PoolParams struct {
	// DataDev holds the pool's data blocks.
	DataDev DataDevice

	// MetadataPath is where the metadata store persists its roots.
	// Empty keeps metadata in memory.
	MetadataPath string

	// BlockSizeSectors is the data block size in 512-byte sectors,
	// between 128 (64KB) and 2097152 (1GB), a multiple of 128.
	BlockSizeSectors uint32

	// LowWaterBlocks triggers an administrative event when the free
	// block count drops to it.
	LowWaterBlocks uint64

	// Feature flags.
	SkipBlockZeroing  bool // do not zero newly provisioned blocks
	IgnoreDiscard     bool // reject discard bios outright
	NoDiscardPassdown bool // process discards but keep them off the data device
	ReadOnly          bool // start the pool in read-only mode

	// Worker sizing.
	CopierWorkers int
	IssuerWorkers int

	Logger   *logging.Logger
	Observer Observer
	// OnEvent receives administrative events (low-water, no-space).
	OnEvent func(Event)

	// store overrides the metadata store; tests use it to inject
	// failures.
	store MetadataStore
}

// DefaultParams returns pool parameters with sensible defaults for the
// given data device.
func DefaultParams(dataDev DataDevice) PoolParams {
	return PoolParams{
		DataDev:          dataDev,
		BlockSizeSectors: constants.DefaultBlockSizeSectors,
		CopierWorkers:    constants.DefaultCopierWorkers,
		IssuerWorkers:    constants.DefaultIssuerWorkers,
	}
}

type processBioFn func(tc *ThinDevice, bio *Bio)
type processMappingFn func(m *mapping)

type dsEntry = deferredset.Entry[*mapping]

// mapping describes an in-progress provisioning: a copy, zero or
// overwrite populating a data block before its mapping is installed.
type mapping struct {
	quiesced    bool
	prepared    bool
	passDiscard bool

	tc        *ThinDevice
	virtBlock uint64
	dataBlock uint64
	cell      *prison.Cell[*Bio]
	cell2     *prison.Cell[*Bio]
	err       error

	// If the bio covers the whole block we skip the copy/zero and
	// hook the bio itself. The bio stays the holder of the cell, so
	// care is taken not to issue it twice.
	bio        *Bio
	savedEndIO func(*Bio, error)
}

// Pool pairs a data device with a metadata store and drives all thin
// devices opened against it.
type Pool struct {
	params       PoolParams
	dataDev      DataDevice
	md           MetadataStore
	blockSectors uint32
	blockShift   int // -1 when the block size is not a power of two

	discardEnabled  bool
	discardPassdown bool
	zeroNewBlocks   bool

	mode atomic.Int32

	prison       *prison.Prison[*Bio]
	copier       *copier.Client
	sharedReadDS *deferredset.Set[*mapping]
	allIODS      *deferredset.Set[*mapping]

	// mu protects the queues and the process function slots.
	mu                       sync.Mutex
	deferredBios             []*Bio
	deferredFlushBios        []*Bio
	preparedMappings         []*mapping
	preparedDiscards         []*mapping
	retryOnResume            []*Bio
	lowWaterTriggered        bool
	noFreeSpace              bool
	processBioFn             processBioFn
	processDiscardFn         processBioFn
	processPreparedMappingFn processMappingFn
	processPreparedDiscardFn processMappingFn

	// nextMapping is the worker's reserved job; only the worker
	// touches it.
	nextMapping *mapping
	mappingPool chan *mapping

	lastCommit time.Time

	wake       chan struct{}
	drainCh    chan chan struct{}
	stopCh     chan struct{}
	workerDone chan struct{}
	closed     atomic.Bool

	issueCh     chan *Bio
	issuerGroup *errgroup.Group

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// NewPool creates a pool over params.DataDev.
func NewPool(params PoolParams) (*Pool, error) {
	if params.DataDev == nil {
		return nil, NewError("pool_create", ErrCodeInvalidParameters, "no data device")
	}
	bs := params.BlockSizeSectors
	if bs < constants.DataBlockSizeMinSectors ||
		bs > constants.DataBlockSizeMaxSectors ||
		bs%constants.DataBlockSizeMinSectors != 0 {
		return nil, NewError("pool_create", ErrCodeInvalidParameters,
			fmt.Sprintf("invalid block size %d sectors", bs))
	}

	logger := params.Logger
	if logger == nil {
		logger = logging.Default()
	}

	dataBlocks := uint64(params.DataDev.Size()>>constants.SectorShift) / uint64(bs)
	var md MetadataStore
	if params.store != nil {
		md = params.store
	} else {
		var err error
		md, err = metadata.Open(params.MetadataPath, dataBlocks)
		if err != nil {
			return nil, WrapError("pool_create", err)
		}
	}

	metrics := NewMetrics()
	observer := params.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	p := &Pool{
		params:       params,
		dataDev:      params.DataDev,
		md:           md,
		blockSectors: bs,
		blockShift:   blockShift(bs),

		discardEnabled:  !params.IgnoreDiscard,
		discardPassdown: !params.NoDiscardPassdown,
		zeroNewBlocks:   !params.SkipBlockZeroing,

		prison:       prison.New[*Bio](constants.PrisonCells),
		copier:       copier.NewClient(params.CopierWorkers),
		sharedReadDS: deferredset.New[*mapping](),
		allIODS:      deferredset.New[*mapping](),

		mappingPool: newMappingPool(constants.MappingPoolSize),
		lastCommit:  time.Now(),

		wake:       make(chan struct{}, 1),
		drainCh:    make(chan chan struct{}),
		stopCh:     make(chan struct{}),
		workerDone: make(chan struct{}),
		issueCh:    make(chan *Bio, 256),

		metrics:  metrics,
		observer: observer,
		logger:   logger,
	}

	// Discards can only be passed down to a device that supports
	// them; the mappings still get removed either way.
	if p.discardPassdown && !blockdev.SupportsDiscard(p.dataDev) {
		logger.Warn("data device does not support discard, disabling passdown")
		p.discardPassdown = false
	}

	if params.ReadOnly {
		p.setMode(ModeReadOnly)
	} else {
		p.setMode(ModeWrite)
	}

	issuers := params.IssuerWorkers
	if issuers <= 0 {
		issuers = constants.DefaultIssuerWorkers
	}
	p.issuerGroup = &errgroup.Group{}
	for i := 0; i < issuers; i++ {
		p.issuerGroup.Go(p.issuerLoop)
	}

	go p.worker()

	if p.Mode() == ModeWrite {
		if err := p.checkDataSize(); err != nil {
			p.Close()
			return nil, err
		}
	}

	return p, nil
}

func blockShift(sectors uint32) int {
	if sectors&(sectors-1) != 0 {
		return -1
	}
	shift := 0
	for sectors > 1 {
		sectors >>= 1
		shift++
	}
	return shift
}

func newMappingPool(size int) chan *mapping {
	pool := make(chan *mapping, size)
	for i := 0; i < size; i++ {
		pool <- &mapping{}
	}
	return pool
}

// BlockSizeSectors returns the pool's data block size in sectors.
func (p *Pool) BlockSizeSectors() uint32 { return p.blockSectors }

// Metrics returns the pool's built-in metrics.
func (p *Pool) Metrics() *Metrics { return p.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the metrics.
func (p *Pool) MetricsSnapshot() MetricsSnapshot { return p.metrics.Snapshot() }

// Close drains outstanding work, commits, and releases the pool's
// resources. The data device is closed as well.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.Suspend()

	close(p.stopCh)
	<-p.workerDone

	_ = p.issuerGroup.Wait()
	_ = p.copier.Close()

	// Anything still queued for issue is failed, not dropped.
	for {
		select {
		case bio := <-p.issueCh:
			p.completeBio(bio, NewError("submit", ErrCodeShutdown, ""))
			continue
		default:
		}
		break
	}

	err := p.md.Close()
	if derr := p.dataDev.Close(); err == nil {
		err = derr
	}
	return err
}

// Suspend drains the worker and commits outstanding metadata, the
// quiesce half of a suspend/resume cycle.
func (p *Pool) Suspend() {
	p.drainWorker()
	_ = p.commitOrFallback()
}

// Resume clears the space-pressure flags, requeues bios parked by an
// out-of-space condition and re-checks the data device size, which may
// have grown while suspended.
func (p *Pool) Resume() error {
	if err := p.checkDataSize(); err != nil {
		return err
	}

	p.mu.Lock()
	p.lowWaterTriggered = false
	p.noFreeSpace = false
	p.deferredBios = append(p.deferredBios, p.retryOnResume...)
	p.retryOnResume = nil
	p.mu.Unlock()

	p.wakeWorker()
	return nil
}

// checkDataSize grows the metadata's view of the data device if the
// device itself has grown.
func (p *Pool) checkDataSize() error {
	if p.Mode() != ModeWrite {
		return nil
	}

	dataBlocks := uint64(p.dataDev.Size()>>constants.SectorShift) / uint64(p.blockSectors)
	sbBlocks, err := p.md.DataDevSize()
	if err != nil {
		return WrapError("resize_data_dev", err)
	}

	switch {
	case dataBlocks < sbBlocks:
		return NewError("resize_data_dev", ErrCodeInvalidParameters,
			fmt.Sprintf("data device too small, is %d blocks (expected %d)",
				dataBlocks, sbBlocks))
	case dataBlocks > sbBlocks:
		if err := p.md.ResizeDataDev(dataBlocks); err != nil {
			p.logger.Error("failed to resize data device", "err", err)
			p.setMode(ModeReadOnly)
			return WrapError("resize_data_dev", err)
		}
		_ = p.commitOrFallback()
	}
	return nil
}

// drainWorker runs one full worker pass synchronously.
func (p *Pool) drainWorker() {
	done := make(chan struct{})
	select {
	case p.drainCh <- done:
		<-done
	case <-p.stopCh:
	}
}

func (p *Pool) wakeWorker() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// emitEvent delivers an administrative event to the configured sink.
func (p *Pool) emitEvent(ev Event) {
	p.logger.Warn("pool event", "event", ev)
	if p.params.OnEvent != nil {
		p.params.OnEvent(ev)
	}
}

/*
 * Mapping job pool. The worker reserves a job before dispatching each
 * deferred bio so a bio never gets halfway through provisioning and
 * then fails to find a job record.
 */

// ensureNextMapping reports whether the worker holds a reserved job.
func (p *Pool) ensureNextMapping() bool {
	if p.nextMapping != nil {
		return true
	}
	select {
	case m := <-p.mappingPool:
		p.nextMapping = m
		return true
	default:
		return false
	}
}

func (p *Pool) getNextMapping() *mapping {
	m := p.nextMapping
	if m == nil {
		panic("thinpool: no reserved mapping job")
	}
	p.nextMapping = nil
	*m = mapping{}
	return m
}

func (p *Pool) freeMapping(m *mapping) {
	*m = mapping{}
	select {
	case p.mappingPool <- m:
	default:
	}
}

// maybeAddMappingLocked queues the job for the worker once both its
// readiness flags are set. Caller holds p.mu.
func (p *Pool) maybeAddMappingLocked(m *mapping) {
	if m.quiesced && m.prepared {
		p.preparedMappings = append(p.preparedMappings, m)
		p.wakeWorker()
	}
}

/*
 * Cell helpers.
 */

func buildVirtualKey(tc *ThinDevice, block uint64) prison.Key {
	return prison.Key{Virtual: true, Dev: tc.id, Block: block}
}

func buildDataKey(tc *ThinDevice, block uint64) prison.Key {
	return prison.Key{Virtual: false, Dev: tc.id, Block: block}
}

// cellDefer sends the bios in the cell back to the deferred list.
func (p *Pool) cellDefer(tc *ThinDevice, cell *prison.Cell[*Bio]) {
	bios := p.prison.Release(cell)

	p.mu.Lock()
	p.deferredBios = append(p.deferredBios, bios...)
	p.mu.Unlock()

	p.wakeWorker()
}

// cellDeferNoHolder is cellDefer without the original holder of the
// cell.
func (p *Pool) cellDeferNoHolder(tc *ThinDevice, cell *prison.Cell[*Bio]) {
	bios := p.prison.ReleaseNoHolder(cell)

	p.mu.Lock()
	p.deferredBios = append(p.deferredBios, bios...)
	p.mu.Unlock()

	p.wakeWorker()
}

// cellError releases the cell and fails every bio in it.
func (p *Pool) cellError(cell *prison.Cell[*Bio]) {
	for _, bio := range p.prison.Release(cell) {
		p.completeBio(bio, errIO)
	}
}

// noSpace parks the cell's bios until the pool is resumed, presumably
// after having been reloaded with more space.
func (p *Pool) noSpace(cell *prison.Cell[*Bio]) {
	bios := p.prison.Release(cell)

	p.mu.Lock()
	p.retryOnResume = append(p.retryOnResume, bios...)
	p.mu.Unlock()
}

/*
 * Remap and issue.
 */

func (tc *ThinDevice) bioBlock(bio *Bio) uint64 {
	p := tc.pool
	if p.blockShift < 0 {
		return bio.Sector / uint64(p.blockSectors)
	}
	return bio.Sector >> p.blockShift
}

func (p *Pool) remap(tc *ThinDevice, bio *Bio, block uint64) {
	bio.toOrigin = false
	if p.blockShift < 0 {
		bio.mappedSector = block*uint64(p.blockSectors) +
			bio.Sector%uint64(p.blockSectors)
	} else {
		bio.mappedSector = block<<p.blockShift |
			bio.Sector&uint64(p.blockSectors-1)
	}
}

func (p *Pool) remapToOrigin(tc *ThinDevice, bio *Bio) {
	bio.toOrigin = true
	bio.mappedSector = bio.Sector
}

// bioTriggersCommit reports whether completing bio requires the
// current transaction to hit the disk first.
func (p *Pool) bioTriggersCommit(tc *ThinDevice, bio *Bio) bool {
	return (bio.Op == BioFlush || bio.FUA) &&
		p.md.ChangedThisTransaction(tc.id)
}

// incAllIO takes an all-io reference for a non-discard bio about to be
// issued. Discard jobs wait on these references before unmapping.
func (p *Pool) incAllIO(bio *Bio) {
	if bio.Op == BioDiscard {
		return
	}
	bio.allIOEntry = p.allIODS.Inc()
}

// issue sends a remapped bio to the data device, batching it behind
// the next commit when it would otherwise overtake uncommitted
// metadata it depends on.
func (p *Pool) issue(tc *ThinDevice, bio *Bio) {
	if !p.bioTriggersCommit(tc, bio) {
		p.submitBio(bio)
		return
	}

	// Complete the bio with an error if earlier I/O caused changes
	// to the metadata that can't be committed.
	if p.md.AbortedChanges(tc.id) {
		p.completeBio(bio, errIO)
		return
	}

	p.mu.Lock()
	p.deferredFlushBios = append(p.deferredFlushBios, bio)
	p.mu.Unlock()
	p.wakeWorker()
}

func (p *Pool) remapAndIssue(tc *ThinDevice, bio *Bio, block uint64) {
	p.remap(tc, bio, block)
	p.issue(tc, bio)
}

func (p *Pool) remapToOriginAndIssue(tc *ThinDevice, bio *Bio) {
	p.remapToOrigin(tc, bio)
	p.issue(tc, bio)
}

// submitBio hands the bio to the issuer goroutines.
func (p *Pool) submitBio(bio *Bio) {
	select {
	case p.issueCh <- bio:
	case <-p.stopCh:
		p.completeBio(bio, NewError("submit", ErrCodeShutdown, ""))
	}
}

func (p *Pool) issuerLoop() error {
	for {
		select {
		case <-p.stopCh:
			return nil
		case bio := <-p.issueCh:
			p.executeBio(bio)
		}
	}
}

// executeBio performs the data-device I/O for a remapped bio.
func (p *Pool) executeBio(bio *Bio) {
	dev := p.dataDev
	if bio.toOrigin {
		dev = bio.tc.origin
	}
	off := int64(bio.mappedSector) << constants.SectorShift

	start := time.Now()
	var err error

	switch bio.Op {
	case BioRead:
		_, err = dev.ReadAt(bio.Data, off)
	case BioWrite:
		_, err = dev.WriteAt(bio.Data, off)
		if err == nil && bio.FUA {
			err = dev.Flush()
		}
	case BioFlush:
		err = dev.Flush()
	case BioDiscard:
		if dd, ok := dev.(blockdev.DiscardDevice); ok {
			err = dd.Discard(off, int64(bio.NrSectors)<<constants.SectorShift)
		}
	}

	p.observer.ObserveIO(bio.Op, uint64(bio.sizeBytes()),
		uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		err = WrapError("data_dev", err)
	}
	p.completeBio(bio, err)
}

/*
 * Bio completion.
 */

// completeBio runs the per-bio end-of-I/O bookkeeping and then either
// the overwrite hook or the submitter's completion.
func (p *Pool) completeBio(bio *Bio, err error) {
	p.thinEndIO(bio)

	if fn := bio.endio; fn != nil {
		fn(bio, err)
		return
	}
	bio.finish(err)
}

// thinEndIO drops the bio's deferred-set references and releases any
// work that was waiting on them.
func (p *Pool) thinEndIO(bio *Bio) {
	if e := bio.sharedReadEntry; e != nil {
		bio.sharedReadEntry = nil
		work := p.sharedReadDS.Dec(e)
		if len(work) > 0 {
			p.mu.Lock()
			for _, m := range work {
				m.quiesced = true
				p.maybeAddMappingLocked(m)
			}
			p.mu.Unlock()
		}
	}

	if e := bio.allIOEntry; e != nil {
		bio.allIOEntry = nil
		work := p.allIODS.Dec(e)
		if len(work) > 0 {
			p.mu.Lock()
			p.preparedDiscards = append(p.preparedDiscards, work...)
			p.mu.Unlock()
			p.wakeWorker()
		}
	}
}

// overwriteEndIO is installed as the hooked bio's completion while the
// bio is populating a freshly allocated block.
func (p *Pool) overwriteEndIO(bio *Bio, err error) {
	m := bio.overwriteMapping

	p.mu.Lock()
	m.err = err
	m.prepared = true
	p.maybeAddMappingLocked(m)
	p.mu.Unlock()
}

/*
 * Allocation.
 */

// allocDataBlock allocates a data block, handling the low-water event
// and the out-of-space protocol.
func (p *Pool) allocDataBlock(tc *ThinDevice) (uint64, error) {
	free, err := p.md.FreeBlockCount()
	if err != nil {
		return 0, WrapError("alloc_data_block", err)
	}

	if free <= p.params.LowWaterBlocks {
		p.mu.Lock()
		triggered := p.lowWaterTriggered
		p.lowWaterTriggered = true
		p.mu.Unlock()

		if !triggered {
			p.logger.Warn("reached low water mark, sending event",
				"free", free, "low_water", p.params.LowWaterBlocks)
			p.metrics.LowWaterHits.Add(1)
			p.emitEvent(EventLowWater)
		}
	}

	if free == 0 {
		p.mu.Lock()
		noSpace := p.noFreeSpace
		p.mu.Unlock()

		if noSpace {
			return 0, NewDeviceError("alloc_data_block", tc.id, ErrCodeNoSpace, "")
		}

		// A commit may free blocks whose last reference went away
		// this transaction.
		_ = p.commitOrFallback()

		free, err = p.md.FreeBlockCount()
		if err != nil {
			return 0, WrapError("alloc_data_block", err)
		}
		if free == 0 {
			p.logger.Warn("no free data space available")
			p.mu.Lock()
			p.noFreeSpace = true
			p.mu.Unlock()
			p.metrics.NoSpaceEvents.Add(1)
			p.emitEvent(EventNoSpace)
			return 0, NewDeviceError("alloc_data_block", tc.id, ErrCodeNoSpace, "")
		}
	}

	b, err := p.md.AllocDataBlock()
	if err != nil {
		return 0, WrapError("alloc_data_block", err)
	}

	p.observer.ObserveProvision()
	return b, nil
}

/*
 * Commit.
 */

func (p *Pool) commit() error {
	start := time.Now()
	err := p.md.Commit()
	p.observer.ObserveCommit(uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		p.logger.Error("commit failed", "err", err)
	}
	return err
}

// commitOrFallback commits and degrades the pool to read-only on
// failure. A non-nil return indicates read-only or fail mode; many
// callers don't care.
func (p *Pool) commitOrFallback() error {
	if p.Mode() != ModeWrite {
		return NewError("commit", ErrCodeReadOnly, "")
	}

	err := p.commit()
	if err != nil {
		p.setMode(ModeReadOnly)
	}
	return err
}
