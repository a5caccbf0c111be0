package thinpool

import (
	"errors"
	"sync"

	"github.com/behrlich/go-thinpool/internal/constants"
	"github.com/behrlich/go-thinpool/internal/metadata"
)

// ThinDevice is one thin-provisioned device of a pool.
type ThinDevice struct {
	pool   *Pool
	id     uint64
	origin DataDevice

	closeOnce sync.Once
}

// OpenThin opens an existing thin device.
func (p *Pool) OpenThin(id uint64) (*ThinDevice, error) {
	return p.openThin(id, nil)
}

// OpenThinWithOrigin opens a thin device backed by an external origin:
// reads of unprovisioned blocks are served from origin, and first
// writes copy the origin block into the pool.
func (p *Pool) OpenThinWithOrigin(id uint64, origin DataDevice) (*ThinDevice, error) {
	if origin == nil {
		return nil, NewDeviceError("open_thin", id, ErrCodeInvalidParameters, "nil origin")
	}
	return p.openThin(id, origin)
}

func (p *Pool) openThin(id uint64, origin DataDevice) (*ThinDevice, error) {
	if id > constants.MaxDeviceID {
		return nil, NewDeviceError("open_thin", id, ErrCodeInvalidParameters, "device id out of range")
	}
	if p.Mode() == ModeFail {
		return nil, NewDeviceError("open_thin", id, ErrCodePoolFailed, "")
	}
	if err := p.md.OpenThin(id); err != nil {
		return nil, WrapError("open_thin", err)
	}
	return &ThinDevice{pool: p, id: id, origin: origin}, nil
}

// ID returns the thin device's identifier.
func (tc *ThinDevice) ID() uint64 { return tc.id }

// Pool returns the pool the device belongs to.
func (tc *ThinDevice) Pool() *Pool { return tc.pool }

// Close requeues anything the device still has parked and releases
// the metadata handle.
func (tc *ThinDevice) Close() error {
	tc.closeOnce.Do(func() {
		tc.requeueIO()
		tc.pool.md.CloseThin(tc.id)
	})
	return nil
}

// requeueIO hands the device's deferred and parked bios back to their
// submitters with a requeue error.
func (tc *ThinDevice) requeueIO() {
	p := tc.pool
	var requeue []*Bio

	p.mu.Lock()
	p.deferredBios, requeue = splitBioList(tc, p.deferredBios, requeue)
	p.retryOnResume, requeue = splitBioList(tc, p.retryOnResume, requeue)
	p.mu.Unlock()

	for _, bio := range requeue {
		bio.finish(errRequeued)
	}
}

// splitBioList moves this device's bios from the list onto out.
// Caller holds the pool lock.
func splitBioList(tc *ThinDevice, bios, out []*Bio) ([]*Bio, []*Bio) {
	kept := bios[:0]
	for _, bio := range bios {
		if bio.tc == tc {
			out = append(out, bio)
		} else {
			kept = append(kept, bio)
		}
	}
	return kept, out
}

// Submit is the entry point for a bio. It never waits on metadata I/O:
// it either remaps the bio and issues it, or hands it to the pool's
// worker. Issuing a remapped bio waits while the issuer queue is full.
// The bio must not span a pool block boundary.
func (tc *ThinDevice) Submit(bio *Bio) {
	p := tc.pool
	bio.tc = tc
	p.metrics.BiosSubmitted.Add(1)

	if p.closed.Load() {
		bio.finish(NewError("submit", ErrCodeShutdown, ""))
		return
	}
	if p.Mode() == ModeFail {
		bio.finish(NewDeviceError("submit", tc.id, ErrCodePoolFailed, ""))
		return
	}

	if bio.Op == BioDiscard || bio.Op == BioFlush || bio.FUA {
		if bio.Op == BioDiscard && !p.discardEnabled {
			bio.finish(NewDeviceError("submit", tc.id, ErrCodeInvalidParameters,
				"discards are disabled on this pool"))
			return
		}
		p.deferBio(bio)
		return
	}

	block := tc.bioBlock(bio)
	result, err := p.md.FindBlock(tc.id, block, false)

	switch {
	case err == nil:
		if result.Shared {
			// The shared flag can go stale against a concurrent
			// snapshot; the worker re-checks under the cell.
			p.deferBio(bio)
			return
		}

		held, cell1 := p.prison.Detain(buildVirtualKey(tc, block), bio)
		if held {
			return
		}

		held, cell2 := p.prison.Detain(buildDataKey(tc, result.Block), bio)
		if held {
			p.cellDeferNoHolder(tc, cell1)
			return
		}

		p.incAllIO(bio)
		p.cellDeferNoHolder(tc, cell2)
		p.cellDeferNoHolder(tc, cell1)

		p.metrics.BiosRemapped.Add(1)
		p.remap(tc, bio, result.Block)
		p.issue(tc, bio)

	case errors.Is(err, metadata.ErrNotFound):
		if p.Mode() == ModeReadOnly {
			// The block isn't provisioned and we have no way of
			// doing so.
			bio.finish(NewDeviceError("submit", tc.id, ErrCodeReadOnly, ""))
			return
		}
		p.deferBio(bio)

	case errors.Is(err, metadata.ErrWouldBlock):
		p.deferBio(bio)

	default:
		bio.finish(WrapError("submit", err))
	}
}

// deferBio hands the bio to the worker.
func (p *Pool) deferBio(bio *Bio) {
	p.metrics.BiosDeferred.Add(1)

	p.mu.Lock()
	p.deferredBios = append(p.deferredBios, bio)
	p.mu.Unlock()

	p.wakeWorker()
}

/*
 * Synchronous convenience wrappers. They split requests on pool block
 * boundaries, submit one bio per fragment and wait for all of them.
 */

type waiter struct {
	wg  sync.WaitGroup
	mu  sync.Mutex
	err error
}

func (w *waiter) complete(_ *Bio, err error) {
	if err != nil {
		w.mu.Lock()
		if w.err == nil {
			w.err = err
		}
		w.mu.Unlock()
	}
	w.wg.Done()
}

// splitExtent yields block-bounded (sector, nrSectors) fragments.
func (tc *ThinDevice) splitExtent(sector uint64, nrSectors uint32,
	fn func(sector uint64, nrSectors uint32)) {

	blockSectors := uint64(tc.pool.blockSectors)
	for nrSectors > 0 {
		room := blockSectors - sector%blockSectors
		n := uint32(room)
		if nrSectors < n {
			n = nrSectors
		}
		fn(sector, n)
		sector += uint64(n)
		nrSectors -= n
	}
}

// ReadAt reads len(buf) bytes at byte offset off. Offset and length
// must be sector aligned.
func (tc *ThinDevice) ReadAt(buf []byte, off int64) (int, error) {
	if err := checkAlignment(len(buf), off); err != nil {
		return 0, err
	}

	w := &waiter{}
	base := uint64(off) >> constants.SectorShift
	tc.splitExtent(base, uint32(len(buf)>>constants.SectorShift),
		func(sector uint64, nrSectors uint32) {
			start := int(sector-base) << constants.SectorShift
			frag := buf[start : start+int(nrSectors)<<constants.SectorShift]
			w.wg.Add(1)
			tc.Submit(NewReadBio(sector, frag, w.complete))
		})
	w.wg.Wait()
	return len(buf), w.err
}

// WriteAt writes len(buf) bytes at byte offset off. Offset and length
// must be sector aligned.
func (tc *ThinDevice) WriteAt(buf []byte, off int64) (int, error) {
	if err := checkAlignment(len(buf), off); err != nil {
		return 0, err
	}

	w := &waiter{}
	base := uint64(off) >> constants.SectorShift
	tc.splitExtent(base, uint32(len(buf)>>constants.SectorShift),
		func(sector uint64, nrSectors uint32) {
			start := int(sector-base) << constants.SectorShift
			frag := buf[start : start+int(nrSectors)<<constants.SectorShift]
			w.wg.Add(1)
			tc.Submit(NewWriteBio(sector, frag, w.complete))
		})
	w.wg.Wait()
	return len(buf), w.err
}

// Discard discards length bytes at byte offset off, both sector
// aligned.
func (tc *ThinDevice) Discard(off, length int64) error {
	if err := checkAlignment(int(length), off); err != nil {
		return err
	}

	w := &waiter{}
	tc.splitExtent(uint64(off)>>constants.SectorShift,
		uint32(length>>constants.SectorShift),
		func(sector uint64, nrSectors uint32) {
			w.wg.Add(1)
			tc.Submit(NewDiscardBio(sector, nrSectors, w.complete))
		})
	w.wg.Wait()
	return w.err
}

// Flush submits a flush bio and waits for the commit backing it.
func (tc *ThinDevice) Flush() error {
	w := &waiter{}
	w.wg.Add(1)
	tc.Submit(NewFlushBio(w.complete))
	w.wg.Wait()
	return w.err
}

func checkAlignment(length int, off int64) error {
	if off%constants.SectorSize != 0 || length%constants.SectorSize != 0 {
		return NewError("io", ErrCodeInvalidParameters, "offset and length must be sector aligned")
	}
	return nil
}
