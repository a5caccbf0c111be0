package thinpool

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-thinpool/internal/blockdev"
	"github.com/behrlich/go-thinpool/internal/logging"
	"github.com/behrlich/go-thinpool/internal/metadata"
)

// Test pools use the minimum block size: 128 sectors = 64KB.
const testBlockBytes = 64 * 1024

func quietLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func newTestPool(t *testing.T, dataBlocks uint64, mutate func(*PoolParams)) *Pool {
	t.Helper()

	dev := blockdev.NewMemory(int64(dataBlocks) * testBlockBytes)
	params := DefaultParams(dev)
	params.Logger = quietLogger()
	if mutate != nil {
		mutate(&params)
	}

	p, err := NewPool(params)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func newTestThin(t *testing.T, p *Pool, id uint64) *ThinDevice {
	t.Helper()
	require.NoError(t, p.CreateThin(id))
	tc, err := p.OpenThin(id)
	require.NoError(t, err)
	t.Cleanup(func() { tc.Close() })
	return tc
}

func blockPayload(seed byte) []byte {
	buf := make([]byte, testBlockBytes)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

func submitAsync(tc *ThinDevice, bio *Bio) chan error {
	done := make(chan error, 1)
	bio.OnComplete = func(_ *Bio, err error) { done <- err }
	tc.Submit(bio)
	return done
}

func waitErr(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("bio did not complete")
		return nil
	}
}

func TestFirstTouchWrite(t *testing.T) {
	// A full-block write to an unprovisioned block allocates a data
	// block, installs the mapping and completes the bio.
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	payload := blockPayload(7)
	_, err := tc.WriteAt(payload, 0)
	require.NoError(t, err)

	result, err := p.md.FindBlock(1, 0, true)
	require.NoError(t, err)
	assert.False(t, result.Shared)

	got := make([]byte, testBlockBytes)
	_, err = tc.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, uint64(1), p.metrics.BlocksProvisioned.Load())
}

func TestReadUnprovisionedReturnsZeros(t *testing.T) {
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xff
	}
	_, err := tc.ReadAt(buf, 3*testBlockBytes)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), buf)
}

func TestPartialWriteZeroesRestOfBlock(t *testing.T) {
	// Provisioning via a partial write zero-fills the block before
	// the write lands, so the rest of the block reads as zeros.
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	payload := []byte("partial block write")
	buf := make([]byte, 512)
	copy(buf, payload)
	_, err := tc.WriteAt(buf, 0)
	require.NoError(t, err)

	got := make([]byte, testBlockBytes)
	_, err = tc.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, buf, got[:512])
	assert.Equal(t, make([]byte, testBlockBytes-512), got[512:])
}

func TestSkipBlockZeroing(t *testing.T) {
	p := newTestPool(t, 16, func(params *PoolParams) {
		params.SkipBlockZeroing = true
	})
	tc := newTestThin(t, p, 1)

	buf := make([]byte, 512)
	copy(buf, "no zeroing")
	_, err := tc.WriteAt(buf, 0)
	require.NoError(t, err)

	got := make([]byte, 512)
	_, err = tc.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, buf, got)
	assert.Zero(t, p.metrics.ZeroJobs.Load())
}

func TestWriteSpanningBlocks(t *testing.T) {
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	payload := make([]byte, 2*testBlockBytes+8192)
	for i := range payload {
		payload[i] = byte(i * 13)
	}
	_, err := tc.WriteAt(payload, testBlockBytes/2)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = tc.ReadAt(got, testBlockBytes/2)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSnapshotBreakOfSharing(t *testing.T) {
	// Scenario: a write through the origin of a snapshot pair gets a
	// fresh block; the snapshot keeps seeing the old one.
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	before := blockPayload(1)
	_, err := tc.WriteAt(before, 5*testBlockBytes)
	require.NoError(t, err)
	require.NoError(t, tc.Flush())

	require.NoError(t, p.CreateSnap(2, 1))

	oldResult, err := p.md.FindBlock(1, 5, true)
	require.NoError(t, err)
	assert.True(t, oldResult.Shared)

	after := blockPayload(2)
	_, err = tc.WriteAt(after, 5*testBlockBytes)
	require.NoError(t, err)

	newResult, err := p.md.FindBlock(1, 5, true)
	require.NoError(t, err)
	assert.NotEqual(t, oldResult.Block, newResult.Block)
	assert.False(t, newResult.Shared)

	snapResult, err := p.md.FindBlock(2, 5, true)
	require.NoError(t, err)
	assert.Equal(t, oldResult.Block, snapResult.Block)
	assert.True(t, snapResult.Shared)

	snap, err := p.OpenThin(2)
	require.NoError(t, err)
	defer snap.Close()

	got := make([]byte, testBlockBytes)
	_, err = snap.ReadAt(got, 5*testBlockBytes)
	require.NoError(t, err)
	assert.Equal(t, before, got, "snapshot must keep the pre-write image")

	_, err = tc.ReadAt(got, 5*testBlockBytes)
	require.NoError(t, err)
	assert.Equal(t, after, got)

	assert.Equal(t, uint64(1), p.metrics.SharingBreaks.Load())
}

// gatedDevice blocks sub-block reads of one byte range so tests can
// hold reads in flight. Full-block transfers (the copier's) pass.
type gatedDevice struct {
	*blockdev.Memory
	active  atomic.Bool
	from    int64
	to      int64
	gate    chan struct{}
	waiters atomic.Int32
}

func (d *gatedDevice) ReadAt(p []byte, off int64) (int, error) {
	if d.active.Load() && len(p) < testBlockBytes && off >= d.from && off < d.to {
		d.waiters.Add(1)
		<-d.gate
	}
	return d.Memory.ReadAt(p, off)
}

func TestReadsQuiesceBreakOfSharing(t *testing.T) {
	// Scenario: reads of a shared block enter before a write breaks
	// sharing. The new mapping must not be installed until the reads
	// have drained, and the reads see the old block's contents.
	dev := &gatedDevice{
		Memory: blockdev.NewMemory(16 * testBlockBytes),
		gate:   make(chan struct{}),
	}
	params := DefaultParams(dev)
	params.Logger = quietLogger()
	p, err := NewPool(params)
	require.NoError(t, err)
	defer p.Close()

	tc := newTestThin(t, p, 1)

	before := blockPayload(9)
	_, err = tc.WriteAt(before, 5*testBlockBytes)
	require.NoError(t, err)
	require.NoError(t, tc.Flush())
	require.NoError(t, p.CreateSnap(2, 1))

	oldResult, err := p.md.FindBlock(1, 5, true)
	require.NoError(t, err)

	dev.from = int64(oldResult.Block) * testBlockBytes
	dev.to = dev.from + testBlockBytes
	dev.active.Store(true)

	// Two reads enter and stall against the old data block.
	readBuf1 := make([]byte, 4096)
	readBuf2 := make([]byte, 4096)
	read1 := submitAsync(tc, NewReadBio(5*128, readBuf1, nil))
	read2 := submitAsync(tc, NewReadBio(5*128+8, readBuf2, nil))

	require.Eventually(t, func() bool { return dev.waiters.Load() == 2 },
		5*time.Second, time.Millisecond)

	// The full-block write lands on the new block at once, but the
	// job stays unquiesced while the reads are out.
	after := blockPayload(4)
	write := submitAsync(tc, NewWriteBio(5*128, after, nil))

	time.Sleep(200 * time.Millisecond)
	select {
	case <-write:
		t.Fatal("write completed while reads were still in flight")
	default:
	}

	stillOld, err := p.md.FindBlock(1, 5, true)
	require.NoError(t, err)
	assert.Equal(t, oldResult.Block, stillOld.Block,
		"mapping must not change before the shared readers drain")

	dev.active.Store(false)
	close(dev.gate)

	require.NoError(t, waitErr(t, read1))
	require.NoError(t, waitErr(t, read2))
	require.NoError(t, waitErr(t, write))

	assert.Equal(t, before[:4096], readBuf1)
	assert.Equal(t, before[8*512:8*512+4096], readBuf2)

	updated, err := p.md.FindBlock(1, 5, true)
	require.NoError(t, err)
	assert.NotEqual(t, oldResult.Block, updated.Block)
}

func TestOutOfSpaceParksUntilResume(t *testing.T) {
	var events []Event
	var eventsMu sync.Mutex

	p := newTestPool(t, 2, func(params *PoolParams) {
		params.OnEvent = func(ev Event) {
			eventsMu.Lock()
			events = append(events, ev)
			eventsMu.Unlock()
		}
	})
	tc := newTestThin(t, p, 1)

	_, err := tc.WriteAt(blockPayload(0), 0)
	require.NoError(t, err)
	_, err = tc.WriteAt(blockPayload(1), testBlockBytes)
	require.NoError(t, err)

	// The pool is full; the third write parks until resume.
	parked := submitAsync(tc, NewWriteBio(2*128, blockPayload(2), nil))

	time.Sleep(150 * time.Millisecond)
	select {
	case err := <-parked:
		t.Fatalf("write completed instead of parking: %v", err)
	default:
	}
	assert.Equal(t, uint64(1), p.metrics.NoSpaceEvents.Load())

	eventsMu.Lock()
	assert.Contains(t, events, EventNoSpace)
	eventsMu.Unlock()

	// Make room and resume: the parked write goes through.
	require.NoError(t, tc.Discard(0, testBlockBytes))
	require.NoError(t, tc.Flush())
	require.NoError(t, p.Resume())

	require.NoError(t, waitErr(t, parked))

	result, err := p.md.FindBlock(1, 2, true)
	require.NoError(t, err)
	assert.False(t, result.Shared)
}

func TestAllocCommitsToFreeDeferredBlocks(t *testing.T) {
	// Freed blocks only become allocatable after a commit; the
	// allocator commits on its own when it would otherwise report
	// no-space.
	p := newTestPool(t, 2, nil)
	tc := newTestThin(t, p, 1)

	_, err := tc.WriteAt(blockPayload(0), 0)
	require.NoError(t, err)
	_, err = tc.WriteAt(blockPayload(1), testBlockBytes)
	require.NoError(t, err)

	require.NoError(t, tc.Discard(0, testBlockBytes))

	_, err = tc.WriteAt(blockPayload(2), 2*testBlockBytes)
	require.NoError(t, err, "allocation should commit to reclaim the discarded block")
}

func TestDiscardPassdown(t *testing.T) {
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	_, err := tc.WriteAt(blockPayload(3), 9*testBlockBytes)
	require.NoError(t, err)
	require.NoError(t, tc.Flush())

	require.NoError(t, tc.Discard(9*testBlockBytes, testBlockBytes))

	_, err = p.md.FindBlock(1, 9, true)
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	got := make([]byte, 4096)
	_, err = tc.ReadAt(got, 9*testBlockBytes)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), got)

	assert.Equal(t, uint64(1), p.metrics.DiscardOps.Load(),
		"full-block exclusive discard should reach the data device")
}

func TestDiscardSharedBlockKeepsSnapshotData(t *testing.T) {
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	payload := blockPayload(5)
	_, err := tc.WriteAt(payload, 0)
	require.NoError(t, err)
	require.NoError(t, tc.Flush())
	require.NoError(t, p.CreateSnap(2, 1))

	// Discarding a shared block unmaps it but must not touch the
	// data device.
	require.NoError(t, tc.Discard(0, testBlockBytes))

	_, err = p.md.FindBlock(1, 0, true)
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	snap, err := p.OpenThin(2)
	require.NoError(t, err)
	defer snap.Close()

	got := make([]byte, testBlockBytes)
	_, err = snap.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Zero(t, p.metrics.DiscardOps.Load())
}

func TestPartialDiscardKeepsMapping(t *testing.T) {
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	payload := blockPayload(6)
	_, err := tc.WriteAt(payload, 0)
	require.NoError(t, err)

	// Half a block: passed down but the mapping survives.
	require.NoError(t, tc.Discard(0, testBlockBytes/2))

	result, err := p.md.FindBlock(1, 0, true)
	require.NoError(t, err)
	assert.False(t, result.Shared)

	got := make([]byte, testBlockBytes)
	_, err = tc.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testBlockBytes/2), got[:testBlockBytes/2])
	assert.Equal(t, payload[testBlockBytes/2:], got[testBlockBytes/2:])
}

func TestIgnoreDiscard(t *testing.T) {
	p := newTestPool(t, 16, func(params *PoolParams) {
		params.IgnoreDiscard = true
	})
	tc := newTestThin(t, p, 1)

	err := tc.Discard(0, testBlockBytes)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}

// failingStore injects metadata failures around a real store.
type failingStore struct {
	MetadataStore
	failInsert atomic.Bool
	failCommit atomic.Bool
	failAbort  atomic.Bool
}

var errInjected = errors.New("injected metadata failure")

func (s *failingStore) InsertBlock(dev, vblock, dblock uint64) error {
	if s.failInsert.Load() {
		return errInjected
	}
	return s.MetadataStore.InsertBlock(dev, vblock, dblock)
}

func (s *failingStore) Commit() error {
	if s.failCommit.Load() {
		return errInjected
	}
	return s.MetadataStore.Commit()
}

func (s *failingStore) Abort() error {
	if s.failAbort.Load() {
		return errInjected
	}
	return s.MetadataStore.Abort()
}

func newFailingPool(t *testing.T, dataBlocks uint64) (*Pool, *failingStore) {
	t.Helper()

	md, err := metadata.Open("", dataBlocks)
	require.NoError(t, err)
	fs := &failingStore{MetadataStore: md}

	dev := blockdev.NewMemory(int64(dataBlocks) * testBlockBytes)
	params := DefaultParams(dev)
	params.Logger = quietLogger()
	params.store = fs

	p, err := NewPool(params)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, fs
}

func TestInsertFailureErrorsCell(t *testing.T) {
	p, fs := newFailingPool(t, 16)
	tc := newTestThin(t, p, 1)

	fs.failInsert.Store(true)
	_, err := tc.WriteAt(blockPayload(1), 0)
	assert.True(t, IsCode(err, ErrCodeIOError), "got %v", err)

	// A failed insert alone does not degrade the pool.
	fs.failInsert.Store(false)
	_, err = tc.WriteAt(blockPayload(2), testBlockBytes)
	assert.NoError(t, err)
}

func TestCommitFailureDegradesToReadOnly(t *testing.T) {
	p, fs := newFailingPool(t, 16)
	tc := newTestThin(t, p, 1)

	_, err := tc.WriteAt(blockPayload(1), 0)
	require.NoError(t, err)

	fs.failCommit.Store(true)
	err = tc.Flush()
	assert.Error(t, err, "flush batched behind a failed commit must fail")

	assert.Equal(t, ModeReadOnly, p.Mode())

	// Unprovisioned writes now fail.
	werr := waitErr(t, submitAsync(tc, NewWriteBio(5*128, blockPayload(2), nil)))
	assert.Error(t, werr)

	// Reads of existing mappings still work... but the write above
	// never committed, so its data may or may not be visible; only
	// the mode matters here.
	fs.failCommit.Store(false)
	assert.Equal(t, ModeReadOnly, p.Mode(), "a degraded pool never upgrades")
}

func TestAbortFailureDegradesToFail(t *testing.T) {
	p, fs := newFailingPool(t, 16)
	tc := newTestThin(t, p, 1)

	_, err := tc.WriteAt(blockPayload(1), 0)
	require.NoError(t, err)

	fs.failCommit.Store(true)
	fs.failAbort.Store(true)
	_ = tc.Flush()

	assert.Equal(t, ModeFail, p.Mode())

	rerr := waitErr(t, submitAsync(tc, NewReadBio(0, make([]byte, 512), nil)))
	assert.True(t, IsCode(rerr, ErrCodePoolFailed), "got %v", rerr)

	_, err = p.OpenThin(1)
	assert.True(t, IsCode(err, ErrCodePoolFailed))
}

func TestRequeueOnDeviceClose(t *testing.T) {
	p := newTestPool(t, 1, nil)
	tc := newTestThin(t, p, 1)

	_, err := tc.WriteAt(blockPayload(0), 0)
	require.NoError(t, err)

	// Park a write with no space behind it, then close the device.
	parked := submitAsync(tc, NewWriteBio(128, blockPayload(1), nil))
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.retryOnResume) == 1
	}, 5*time.Second, time.Millisecond)

	tc.Close()

	err = waitErr(t, parked)
	assert.True(t, IsCode(err, ErrCodeRequeued), "got %v", err)
}

func TestFastPathRemap(t *testing.T) {
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	_, err := tc.WriteAt(blockPayload(0), 0)
	require.NoError(t, err)

	buf := make([]byte, 4096)
	_, err = tc.ReadAt(buf, 0) // warms the lookup cache via the worker
	require.NoError(t, err)
	_, err = tc.ReadAt(buf, 0) // takes the fast path
	require.NoError(t, err)

	assert.NotZero(t, p.metrics.BiosRemapped.Load())
}

func TestConcurrentWritersSameBlock(t *testing.T) {
	p := newTestPool(t, 16, nil)
	tc := newTestThin(t, p, 1)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tc.WriteAt(blockPayload(byte(i)), 0)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}

	// At most one provisioning happened despite the contention.
	assert.Equal(t, uint64(1), p.metrics.BlocksProvisioned.Load())
}

func TestExternalOrigin(t *testing.T) {
	originData := blockPayload(0x42)
	origin := blockdev.NewMemory(16 * testBlockBytes)
	_, err := origin.WriteAt(originData, 2*testBlockBytes)
	require.NoError(t, err)

	p := newTestPool(t, 16, nil)
	require.NoError(t, p.CreateThin(1))

	tc, err := p.OpenThinWithOrigin(1, origin)
	require.NoError(t, err)
	defer tc.Close()

	// Unprovisioned reads come from the origin.
	got := make([]byte, 4096)
	_, err = tc.ReadAt(got, 2*testBlockBytes)
	require.NoError(t, err)
	assert.Equal(t, originData[:4096], got)

	// A partial first write copies the origin block in, then lands.
	patch := make([]byte, 512)
	for i := range patch {
		patch[i] = 0xee
	}
	_, err = tc.WriteAt(patch, 2*testBlockBytes)
	require.NoError(t, err)

	whole := make([]byte, testBlockBytes)
	_, err = tc.ReadAt(whole, 2*testBlockBytes)
	require.NoError(t, err)
	assert.Equal(t, patch, whole[:512])
	assert.Equal(t, originData[512:], whole[512:])
}

func TestFlushDurability(t *testing.T) {
	// After a successful flush the mapping survives a crash: a fresh
	// store opened on the same metadata file sees it.
	metaPath := t.TempDir() + "/meta.bin"
	p := newTestPool(t, 16, func(params *PoolParams) {
		params.MetadataPath = metaPath
	})
	tc := newTestThin(t, p, 1)

	_, err := tc.WriteAt(blockPayload(1), 0)
	require.NoError(t, err)
	require.NoError(t, tc.Flush())

	result, err := p.md.FindBlock(1, 0, true)
	require.NoError(t, err)

	// Abandon the pool without closing it and reload the metadata.
	reloaded, err := metadata.Open(metaPath, 0)
	require.NoError(t, err)
	got, err := reloaded.FindBlock(1, 0, true)
	require.NoError(t, err)
	assert.Equal(t, result.Block, got.Block)
}

func TestPoolGrowsWithDataDevice(t *testing.T) {
	// A pool opened over a bigger data device than the metadata
	// remembers grows into it when the pool is created.
	metaPath := t.TempDir() + "/meta.bin"

	p := newTestPool(t, 2, func(params *PoolParams) {
		params.MetadataPath = metaPath
	})
	tc := newTestThin(t, p, 1)
	_, err := tc.WriteAt(blockPayload(0), 0)
	require.NoError(t, err)
	_, err = tc.WriteAt(blockPayload(1), testBlockBytes)
	require.NoError(t, err)
	require.NoError(t, tc.Flush())
	tc.Close()
	require.NoError(t, p.Close())

	dev := blockdev.NewMemory(8 * testBlockBytes)
	params := DefaultParams(dev)
	params.Logger = quietLogger()
	params.MetadataPath = metaPath
	p2, err := NewPool(params)
	require.NoError(t, err)
	defer p2.Close()

	size, err := p2.md.DataDevSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), size)

	tc2, err := p2.OpenThin(1)
	require.NoError(t, err)
	defer tc2.Close()

	_, err = tc2.WriteAt(blockPayload(2), 5*testBlockBytes)
	assert.NoError(t, err)
}
