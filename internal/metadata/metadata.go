// Package metadata implements the pool's transactional metadata store:
// the virtual-to-data block mappings of every thin device, the data
// space map, and the transaction bookkeeping the engine commits
// through.
//
// Sharedness uses the timestamp rule: every mapping records the
// transaction time it was inserted at, and every device records the
// time it was last snapshotted. A mapping older than the device's
// snapshot time is reported shared. The rule is conservative - a block
// can be reported shared after the last other reference went away -
// but it never reports a shared block exclusive, which is the side
// that matters for copy-on-write.
package metadata

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// Errors returned by store operations.
var (
	ErrNotFound     = errors.New("metadata: mapping not found")
	ErrWouldBlock   = errors.New("metadata: lookup would block")
	ErrNoSpace      = errors.New("metadata: out of data space")
	ErrNoSuchDevice = errors.New("metadata: no such device")
	ErrDeviceExists = errors.New("metadata: device exists")
	ErrDeviceOpen   = errors.New("metadata: device is open")
	ErrReadOnly     = errors.New("metadata: store is read-only")
	ErrTransaction  = errors.New("metadata: transaction id mismatch")
	ErrNoSnap       = errors.New("metadata: no metadata snapshot held")
)

// LookupResult is the outcome of a successful FindBlock.
type LookupResult struct {
	Block  uint64
	Shared bool
}

// lookupCacheSize bounds the lookaside cache serving non-blocking
// lookups.
const lookupCacheSize = 4096

// mappingsPerMetadataBlock approximates how many mappings fit in one
// on-disk node, for the used/total accounting in the status line.
const mappingsPerMetadataBlock = 256

type mapEntry struct {
	block uint64
	time  uint32
}

type device struct {
	id       uint64
	mappings map[uint64]mapEntry
	snapTime uint32
}

type root struct {
	time         uint32
	transID      uint64
	nrDataBlocks uint64
	nextUnused   uint64
	freelist     []uint64
	refs         map[uint64]uint32
	devices      map[uint64]*device
}

func newRoot(nrDataBlocks uint64) *root {
	return &root{
		nrDataBlocks: nrDataBlocks,
		refs:         make(map[uint64]uint32),
		devices:      make(map[uint64]*device),
	}
}

func (r *root) clone() *root {
	c := &root{
		time:         r.time,
		transID:      r.transID,
		nrDataBlocks: r.nrDataBlocks,
		nextUnused:   r.nextUnused,
		freelist:     append([]uint64(nil), r.freelist...),
		refs:         make(map[uint64]uint32, len(r.refs)),
		devices:      make(map[uint64]*device, len(r.devices)),
	}
	for b, n := range r.refs {
		c.refs[b] = n
	}
	for id, d := range r.devices {
		nd := &device{
			id:       id,
			mappings: make(map[uint64]mapEntry, len(d.mappings)),
			snapTime: d.snapTime,
		}
		for v, e := range d.mappings {
			nd.mappings[v] = e
		}
		c.devices[id] = nd
	}
	return c
}

type cacheKey struct {
	dev   uint64
	block uint64
}

type cacheValue struct {
	found  bool
	result LookupResult
}

// Store is the transactional metadata store. All mutations apply to a
// working root; Commit publishes it (and persists it when the store is
// file-backed), Abort throws it away in favour of the last committed
// root.
type Store struct {
	mu   sync.Mutex
	path string

	working   *root
	committed *root

	// Blocks whose last reference went away this transaction. They
	// only become allocatable again after a commit, so a crash can
	// never hand out a block an old root still points to.
	pendingFree []uint64

	open     map[uint64]int
	changed  map[uint64]bool
	aborted  map[uint64]bool
	readOnly bool

	heldSnap     *root
	heldSnapRoot uint64
	nextSnapRoot uint64

	metadataBlocks uint64

	// cache serves the non-blocking lookup path. A miss means the
	// caller must retry from a context that may block.
	cache *lru.Cache
}

// Open creates or loads a store. An empty path keeps the store in
// memory only. nrDataBlocks is used when creating a fresh store; a
// loaded store keeps its persisted size.
func Open(path string, nrDataBlocks uint64) (*Store, error) {
	cache, err := lru.New(lookupCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:           path,
		open:           make(map[uint64]int),
		changed:        make(map[uint64]bool),
		aborted:        make(map[uint64]bool),
		nextSnapRoot:   2,
		metadataBlocks: 4096,
		cache:          cache,
	}

	if path != "" {
		loaded, err := loadRoot(path)
		if err == nil {
			s.committed = loaded
		} else if !errors.Is(err, errNoMetadataFile) {
			return nil, fmt.Errorf("load metadata: %w", err)
		}
	}
	if s.committed == nil {
		s.committed = newRoot(nrDataBlocks)
	}
	s.working = s.committed.clone()

	return s, nil
}

// Close persists nothing; the committed root is already durable.
func (s *Store) Close() error {
	return nil
}

// SetReadOnly stops all further mutation of the store.
func (s *Store) SetReadOnly() {
	s.mu.Lock()
	s.readOnly = true
	s.mu.Unlock()
}

func (s *Store) device(id uint64) (*device, error) {
	d, ok := s.working.devices[id]
	if !ok {
		return nil, ErrNoSuchDevice
	}
	return d, nil
}

// CreateThin creates an empty thin device.
func (s *Store) CreateThin(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return ErrReadOnly
	}
	if _, ok := s.working.devices[id]; ok {
		return ErrDeviceExists
	}
	s.working.devices[id] = &device{
		id:       id,
		mappings: make(map[uint64]mapEntry),
		snapTime: s.working.time,
	}
	return nil
}

// CreateSnap creates dev as a snapshot of origin. Both devices come
// out of this sharing every mapped block.
func (s *Store) CreateSnap(id, originID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return ErrReadOnly
	}
	if _, ok := s.working.devices[id]; ok {
		return ErrDeviceExists
	}
	origin, err := s.device(originID)
	if err != nil {
		return err
	}

	// Bump the transaction time so every existing mapping predates
	// both devices' snapshot time.
	s.working.time++

	snap := &device{
		id:       id,
		mappings: make(map[uint64]mapEntry, len(origin.mappings)),
		snapTime: s.working.time,
	}
	for v, e := range origin.mappings {
		snap.mappings[v] = e
		s.working.refs[e.block]++
	}
	origin.snapTime = s.working.time
	s.working.devices[id] = snap

	s.cache.Purge()
	return nil
}

// DeleteThin removes a device and drops its references.
func (s *Store) DeleteThin(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return ErrReadOnly
	}
	if s.open[id] > 0 {
		return ErrDeviceOpen
	}
	d, err := s.device(id)
	if err != nil {
		return err
	}

	for _, e := range d.mappings {
		s.decRefLocked(e.block)
	}
	delete(s.working.devices, id)
	delete(s.changed, id)

	s.cache.Purge()
	return nil
}

// OpenThin marks a device open. Open devices cannot be deleted.
func (s *Store) OpenThin(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.device(id); err != nil {
		return err
	}
	s.open[id]++
	return nil
}

// CloseThin drops an OpenThin reference.
func (s *Store) CloseThin(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open[id] > 0 {
		s.open[id]--
	}
}

// FindBlock looks up the mapping for (dev, vblock). With canBlock
// false only the lookaside cache is consulted; a miss returns
// ErrWouldBlock and the caller is expected to retry from the worker.
func (s *Store) FindBlock(dev, vblock uint64, canBlock bool) (LookupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cacheKey{dev: dev, block: vblock}

	if !canBlock {
		v, ok := s.cache.Get(key)
		if !ok {
			return LookupResult{}, ErrWouldBlock
		}
		cv := v.(cacheValue)
		if !cv.found {
			return LookupResult{}, ErrNotFound
		}
		return cv.result, nil
	}

	d, err := s.device(dev)
	if err != nil {
		return LookupResult{}, err
	}

	e, ok := d.mappings[vblock]
	if !ok {
		s.cache.Add(key, cacheValue{found: false})
		return LookupResult{}, ErrNotFound
	}

	result := LookupResult{
		Block:  e.block,
		Shared: e.time < d.snapTime,
	}
	s.cache.Add(key, cacheValue{found: true, result: result})
	return result, nil
}

// InsertBlock installs vblock -> dblock for dev, replacing any
// existing mapping.
func (s *Store) InsertBlock(dev, vblock, dblock uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return ErrReadOnly
	}
	d, err := s.device(dev)
	if err != nil {
		return err
	}

	if old, ok := d.mappings[vblock]; ok {
		s.decRefLocked(old.block)
	}
	d.mappings[vblock] = mapEntry{block: dblock, time: s.working.time}
	s.changed[dev] = true

	s.cache.Remove(cacheKey{dev: dev, block: vblock})
	return nil
}

// RemoveBlock drops the mapping for vblock.
func (s *Store) RemoveBlock(dev, vblock uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return ErrReadOnly
	}
	d, err := s.device(dev)
	if err != nil {
		return err
	}

	e, ok := d.mappings[vblock]
	if !ok {
		return ErrNotFound
	}
	delete(d.mappings, vblock)
	s.decRefLocked(e.block)
	s.changed[dev] = true

	s.cache.Remove(cacheKey{dev: dev, block: vblock})
	return nil
}

// decRefLocked drops one reference to a data block. A block whose last
// reference goes away stays unallocatable until the next commit.
func (s *Store) decRefLocked(block uint64) {
	if s.working.refs[block] <= 1 {
		delete(s.working.refs, block)
		s.pendingFree = append(s.pendingFree, block)
		return
	}
	s.working.refs[block]--
}

// AllocDataBlock allocates a fresh data block with one reference.
func (s *Store) AllocDataBlock() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return 0, ErrReadOnly
	}

	var b uint64
	switch {
	case len(s.working.freelist) > 0:
		last := len(s.working.freelist) - 1
		b = s.working.freelist[last]
		s.working.freelist = s.working.freelist[:last]
	case s.working.nextUnused < s.working.nrDataBlocks:
		b = s.working.nextUnused
		s.working.nextUnused++
	default:
		return 0, ErrNoSpace
	}

	s.working.refs[b] = 1
	return b, nil
}

// FreeBlockCount returns the number of allocatable data blocks. Blocks
// freed in the current transaction do not count until commit.
func (s *Store) FreeBlockCount() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return uint64(len(s.working.freelist)) +
		(s.working.nrDataBlocks - s.working.nextUnused), nil
}

// DataDevSize returns the data device size in blocks.
func (s *Store) DataDevSize() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working.nrDataBlocks, nil
}

// ResizeDataDev grows the data device. Shrinking is not supported.
func (s *Store) ResizeDataDev(nrBlocks uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return ErrReadOnly
	}
	if nrBlocks < s.working.nrDataBlocks {
		return fmt.Errorf("metadata: cannot shrink data device from %d to %d blocks",
			s.working.nrDataBlocks, nrBlocks)
	}
	s.working.nrDataBlocks = nrBlocks
	return nil
}

// Commit publishes the working root. When file-backed, the new root is
// written out crash-consistently before it replaces the committed one.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return ErrReadOnly
	}

	// Deferred frees become allocatable in the next transaction.
	s.working.freelist = append(s.working.freelist, s.pendingFree...)
	s.pendingFree = nil

	if s.path != "" {
		if err := writeRoot(s.path, s.working); err != nil {
			return err
		}
	}

	s.committed = s.working.clone()
	for id := range s.changed {
		delete(s.changed, id)
	}
	for id := range s.aborted {
		delete(s.aborted, id)
	}
	return nil
}

// Abort discards the working root. Devices with uncommitted changes
// are flagged so in-flight bios that depended on those changes can be
// failed.
func (s *Store) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, changed := range s.changed {
		if changed {
			s.aborted[id] = true
		}
		delete(s.changed, id)
	}
	s.working = s.committed.clone()
	s.pendingFree = nil

	s.cache.Purge()
	return nil
}

// ChangedThisTransaction reports whether dev has uncommitted changes.
func (s *Store) ChangedThisTransaction(dev uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed[dev]
}

// AbortedChanges reports whether dev lost changes to an abort.
func (s *Store) AbortedChanges(dev uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted[dev]
}

// TransactionID returns the userspace-owned transaction id.
func (s *Store) TransactionID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working.transID, nil
}

// SetTransactionID compares and swaps the transaction id.
func (s *Store) SetTransactionID(oldID, newID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return ErrReadOnly
	}
	if s.working.transID != oldID {
		return ErrTransaction
	}
	s.working.transID = newID
	return nil
}

// ReserveMetadataSnap pins a copy of the committed root for userspace
// tools to read while the pool keeps changing.
func (s *Store) ReserveMetadataSnap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heldSnap != nil {
		return fmt.Errorf("metadata: snapshot already held")
	}
	s.heldSnap = s.committed.clone()
	s.heldSnapRoot = s.nextSnapRoot
	s.nextSnapRoot++
	return nil
}

// ReleaseMetadataSnap releases the held snapshot.
func (s *Store) ReleaseMetadataSnap() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heldSnap == nil {
		return ErrNoSnap
	}
	s.heldSnap = nil
	s.heldSnapRoot = 0
	return nil
}

// MetadataSnap returns the held snapshot's root, or 0 if none is held.
func (s *Store) MetadataSnap() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heldSnapRoot, nil
}

// MappedCount returns the number of mapped blocks of dev.
func (s *Store) MappedCount(dev uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.device(dev)
	if err != nil {
		return 0, err
	}
	return uint64(len(d.mappings)), nil
}

// HighestMappedBlock returns the highest mapped virtual block of dev
// and whether any block is mapped at all.
func (s *Store) HighestMappedBlock(dev uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.device(dev)
	if err != nil {
		return 0, false, err
	}

	var highest uint64
	found := false
	for v := range d.mappings {
		if !found || v > highest {
			highest = v
		}
		found = true
	}
	return highest, found, nil
}

// MetadataDevSize returns the metadata device size in metadata blocks.
func (s *Store) MetadataDevSize() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadataBlocks, nil
}

// FreeMetadataBlockCount estimates the unused metadata blocks.
func (s *Store) FreeMetadataBlockCount() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := uint64(1) // superblock
	for _, d := range s.working.devices {
		used++
		used += (uint64(len(d.mappings)) + mappingsPerMetadataBlock - 1) /
			mappingsPerMetadataBlock
	}
	if used >= s.metadataBlocks {
		return 0, nil
	}
	return s.metadataBlocks - used, nil
}
