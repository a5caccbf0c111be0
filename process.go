package thinpool

import (
	"errors"

	"github.com/behrlich/go-thinpool/internal/copier"
	"github.com/behrlich/go-thinpool/internal/metadata"
	"github.com/behrlich/go-thinpool/internal/prison"
)

/*
 * Deferred bio processing, write mode.
 */

func (p *Pool) ioOverlapsBlock(bio *Bio) bool {
	return bio.sizeSectors() == p.blockSectors
}

func (p *Pool) ioOverwritesBlock(bio *Bio) bool {
	return bio.isWrite() && p.ioOverlapsBlock(bio)
}

func (p *Pool) processBio(tc *ThinDevice, bio *Bio) {
	block := tc.bioBlock(bio)

	// If the cell is already occupied the block is already being
	// provisioned, nothing further to do here.
	held, cell := p.prison.Detain(buildVirtualKey(tc, block), bio)
	if held {
		return
	}

	result, err := p.md.FindBlock(tc.id, block, true)
	switch {
	case err == nil && result.Shared:
		p.processSharedBio(tc, bio, block, result)
		p.cellDeferNoHolder(tc, cell)

	case err == nil:
		p.incAllIO(bio)
		p.cellDeferNoHolder(tc, cell)
		p.remapAndIssue(tc, bio, result.Block)

	case errors.Is(err, metadata.ErrNotFound):
		if bio.Op == BioRead && tc.origin != nil {
			p.incAllIO(bio)
			p.cellDeferNoHolder(tc, cell)
			p.remapToOriginAndIssue(tc, bio)
		} else {
			p.provisionBlock(tc, bio, block, cell)
		}

	default:
		p.logger.Error("find_block failed", "dev", tc.id, "block", block, "err", err)
		p.cellDeferNoHolder(tc, cell)
		p.completeBio(bio, errIO)
	}
}

// processSharedBio handles a bio against a block some other device
// also maps. Writes break sharing; reads take a shared-read reference
// so the break cannot be installed under them.
func (p *Pool) processSharedBio(tc *ThinDevice, bio *Bio, block uint64,
	result metadata.LookupResult) {

	// If the data cell is occupied, sharing is already being broken.
	held, cell := p.prison.Detain(buildDataKey(tc, result.Block), bio)
	if held {
		return
	}

	if bio.isWrite() && !bio.isEmpty() {
		p.breakSharing(tc, bio, block, result, cell)
	} else {
		bio.sharedReadEntry = p.sharedReadDS.Inc()
		p.incAllIO(bio)
		p.cellDeferNoHolder(tc, cell)

		p.remapAndIssue(tc, bio, result.Block)
	}
}

func (p *Pool) breakSharing(tc *ThinDevice, bio *Bio, block uint64,
	result metadata.LookupResult, cell *prison.Cell[*Bio]) {

	dataBlock, err := p.allocDataBlock(tc)
	switch {
	case err == nil:
		p.observer.ObserveBreakSharing()
		p.scheduleInternalCopy(tc, block, result.Block, dataBlock, cell, bio)

	case IsCode(err, ErrCodeNoSpace):
		p.noSpace(cell)

	default:
		p.logger.Error("alloc_data_block failed", "dev", tc.id, "err", err)
		p.cellError(cell)
	}
}

func (p *Pool) provisionBlock(tc *ThinDevice, bio *Bio, block uint64,
	cell *prison.Cell[*Bio]) {

	// Remap empty bios (flushes) immediately, without provisioning.
	if bio.isEmpty() {
		p.incAllIO(bio)
		p.cellDeferNoHolder(tc, cell)
		p.remapAndIssue(tc, bio, 0)
		return
	}

	// Fill read bios with zeros and complete them immediately.
	if bio.Op == BioRead {
		bio.zeroFill()
		p.cellDeferNoHolder(tc, cell)
		p.completeBio(bio, nil)
		return
	}

	dataBlock, err := p.allocDataBlock(tc)
	switch {
	case err == nil:
		if tc.origin != nil {
			p.scheduleExternalCopy(tc, block, dataBlock, cell, bio)
		} else {
			p.scheduleZero(tc, block, dataBlock, cell, bio)
		}

	case IsCode(err, ErrCodeNoSpace):
		p.noSpace(cell)

	default:
		p.logger.Error("alloc_data_block failed", "dev", tc.id, "err", err)
		p.setMode(ModeReadOnly)
		p.cellError(cell)
	}
}

/*
 * Copy and zero scheduling.
 */

// copyComplete re-enters from the copy engine's worker.
func (p *Pool) copyComplete(m *mapping, readErr, writeErr error) {
	p.mu.Lock()
	if readErr != nil {
		m.err = WrapError("copy", readErr)
	} else if writeErr != nil {
		m.err = WrapError("copy", writeErr)
	}
	m.prepared = true
	p.maybeAddMappingLocked(m)
	p.mu.Unlock()
}

// hookOverwrite turns bio into the job's population write: its
// completion flips the prepared flag instead of reaching the
// submitter, who hears about it from process_prepared_mapping.
func (p *Pool) hookOverwrite(m *mapping, bio *Bio) {
	bio.overwriteMapping = m
	m.bio = bio
	m.savedEndIO = bio.endio
	bio.endio = p.overwriteEndIO
}

func (p *Pool) scheduleCopy(tc *ThinDevice, virtBlock uint64, srcDev DataDevice,
	srcBlock, dataDest uint64, cell *prison.Cell[*Bio], bio *Bio) {

	m := p.getNextMapping()
	m.tc = tc
	m.virtBlock = virtBlock
	m.dataBlock = dataDest
	m.cell = cell

	if !p.sharedReadDS.AddWork(m) {
		m.quiesced = true
	}

	// If the whole block is being overwritten we can issue the bio
	// immediately, otherwise the copy engine clones the data first.
	if p.ioOverwritesBlock(bio) {
		p.hookOverwrite(m, bio)
		p.incAllIO(bio)
		p.remapAndIssue(tc, bio, dataDest)
		return
	}

	from := copier.Region{
		Dev:    srcDev,
		Sector: srcBlock * uint64(p.blockSectors),
		Count:  p.blockSectors,
	}
	to := copier.Region{
		Dev:    p.dataDev,
		Sector: dataDest * uint64(p.blockSectors),
		Count:  p.blockSectors,
	}

	err := p.copier.Copy(from, []copier.Region{to}, func(readErr, writeErr error) {
		p.copyComplete(m, readErr, writeErr)
	})
	if err != nil {
		p.logger.Error("copy dispatch failed", "err", err)
		p.freeMapping(m)
		p.cellError(cell)
	}
}

func (p *Pool) scheduleInternalCopy(tc *ThinDevice, virtBlock, dataOrigin,
	dataDest uint64, cell *prison.Cell[*Bio], bio *Bio) {
	p.scheduleCopy(tc, virtBlock, p.dataDev, dataOrigin, dataDest, cell, bio)
}

// scheduleExternalCopy populates the block from the thin device's
// external origin, which holds the same virtual geometry.
func (p *Pool) scheduleExternalCopy(tc *ThinDevice, virtBlock, dataDest uint64,
	cell *prison.Cell[*Bio], bio *Bio) {
	p.scheduleCopy(tc, virtBlock, tc.origin, virtBlock, dataDest, cell, bio)
}

func (p *Pool) scheduleZero(tc *ThinDevice, virtBlock, dataBlock uint64,
	cell *prison.Cell[*Bio], bio *Bio) {

	m := p.getNextMapping()
	m.quiesced = true
	m.tc = tc
	m.virtBlock = virtBlock
	m.dataBlock = dataBlock
	m.cell = cell

	switch {
	// If we aren't zeroing pre-existing data the mapping can be
	// installed right away.
	case !p.zeroNewBlocks:
		p.processPreparedMapping(m)

	case p.ioOverwritesBlock(bio):
		p.hookOverwrite(m, bio)
		p.incAllIO(bio)
		p.remapAndIssue(tc, bio, dataBlock)

	default:
		p.metrics.ZeroJobs.Add(1)
		to := copier.Region{
			Dev:    p.dataDev,
			Sector: dataBlock * uint64(p.blockSectors),
			Count:  p.blockSectors,
		}
		err := p.copier.Zero(to, func(readErr, writeErr error) {
			p.copyComplete(m, readErr, writeErr)
		})
		if err != nil {
			p.logger.Error("zero dispatch failed", "err", err)
			p.freeMapping(m)
			p.cellError(cell)
		}
	}
}

/*
 * Prepared mapping jobs.
 */

func (p *Pool) processPreparedMapping(m *mapping) {
	tc := m.tc
	bio := m.bio
	if bio != nil {
		bio.endio = m.savedEndIO
	}

	if m.err != nil {
		p.cellError(m.cell)
		p.freeMapping(m)
		return
	}

	// Commit the prepared block into the mapping tree. Any I/O for
	// this block arriving after this point gets remapped to it
	// directly.
	if err := p.md.InsertBlock(tc.id, m.virtBlock, m.dataBlock); err != nil {
		p.logger.Error("insert_block failed", "dev", tc.id,
			"block", m.virtBlock, "err", err)
		p.cellError(m.cell)
		p.freeMapping(m)
		return
	}
	p.metrics.MappingsInserted.Add(1)

	// Release any bios held while the block was being provisioned.
	// A hooked overwrite already carried the holder's data, so the
	// holder must not be issued a second time.
	if bio != nil {
		p.cellDeferNoHolder(tc, m.cell)
		bio.finish(nil)
	} else {
		p.cellDefer(tc, m.cell)
	}

	p.freeMapping(m)
}

// processPreparedMappingFail handles prepared jobs after the pool has
// degraded. A job only reaches the prepared list once its hooked bio
// (if any) has completed against the data device, so the whole cell,
// holder included, can be errored here without racing that I/O.
func (p *Pool) processPreparedMappingFail(m *mapping) {
	if m.bio != nil {
		m.bio.endio = m.savedEndIO
	}
	p.cellError(m.cell)
	p.freeMapping(m)
}

/*
 * Prepared discard jobs.
 */

func (p *Pool) processPreparedDiscard(m *mapping) {
	if err := p.md.RemoveBlock(m.tc.id, m.virtBlock); err != nil {
		p.logger.Error("remove_block failed", "dev", m.tc.id,
			"block", m.virtBlock, "err", err)
	} else {
		p.metrics.MappingsRemoved.Add(1)
	}

	p.processPreparedDiscardPassdown(m)
}

func (p *Pool) processPreparedDiscardPassdown(m *mapping) {
	tc := m.tc

	p.incAllIO(m.bio)
	p.cellDeferNoHolder(tc, m.cell)
	p.cellDeferNoHolder(tc, m.cell2)

	if m.passDiscard {
		p.remapAndIssue(tc, m.bio, m.dataBlock)
	} else {
		p.completeBio(m.bio, nil)
	}

	p.freeMapping(m)
}

func (p *Pool) processPreparedDiscardFail(m *mapping) {
	tc := m.tc

	bio := m.bio
	p.cellDeferNoHolder(tc, m.cell)
	p.cellDeferNoHolder(tc, m.cell2)
	p.completeBio(bio, errIO)
	p.freeMapping(m)
}

/*
 * Discards.
 */

func (p *Pool) processDiscard(tc *ThinDevice, bio *Bio) {
	block := tc.bioBlock(bio)

	held, cell := p.prison.Detain(buildVirtualKey(tc, block), bio)
	if held {
		return
	}

	result, err := p.md.FindBlock(tc.id, block, true)
	switch {
	case err == nil:
		// Check nobody is fiddling with this data block; that would
		// be a break-of-sharing in flight.
		held, cell2 := p.prison.Detain(buildDataKey(tc, result.Block), bio)
		if held {
			p.cellDeferNoHolder(tc, cell)
			return
		}

		if p.ioOverlapsBlock(bio) {
			// I/O may still be going to the data block. We must
			// quiesce before the mapping can be removed.
			m := p.getNextMapping()
			m.tc = tc
			m.passDiscard = !result.Shared && p.discardPassdown
			m.virtBlock = block
			m.dataBlock = result.Block
			m.cell = cell
			m.cell2 = cell2
			m.bio = bio

			if !p.allIODS.AddWork(m) {
				p.mu.Lock()
				p.preparedDiscards = append(p.preparedDiscards, m)
				p.mu.Unlock()
				p.wakeWorker()
			}
		} else {
			p.incAllIO(bio)
			p.cellDeferNoHolder(tc, cell)
			p.cellDeferNoHolder(tc, cell2)

			// The submitter must not let a discard span blocks, so
			// a partial-block discard can go straight down.
			if !result.Shared && p.discardPassdown {
				p.remapAndIssue(tc, bio, result.Block)
			} else {
				p.completeBio(bio, nil)
			}
		}

	case errors.Is(err, metadata.ErrNotFound):
		// It isn't provisioned, just forget it.
		p.cellDeferNoHolder(tc, cell)
		p.completeBio(bio, nil)

	default:
		p.logger.Error("find_block failed", "dev", tc.id, "block", block, "err", err)
		p.cellDeferNoHolder(tc, cell)
		p.completeBio(bio, errIO)
	}
}

/*
 * Degraded modes.
 */

func (p *Pool) processBioReadOnly(tc *ThinDevice, bio *Bio) {
	block := tc.bioBlock(bio)

	result, err := p.md.FindBlock(tc.id, block, true)
	switch {
	case err == nil:
		if result.Shared && bio.isWrite() && !bio.isEmpty() {
			p.completeBio(bio, errIO)
			return
		}
		p.incAllIO(bio)
		p.remapAndIssue(tc, bio, result.Block)

	case errors.Is(err, metadata.ErrNotFound):
		if bio.Op != BioRead {
			p.completeBio(bio, errIO)
			return
		}
		if tc.origin != nil {
			p.incAllIO(bio)
			p.remapToOriginAndIssue(tc, bio)
			return
		}
		bio.zeroFill()
		p.completeBio(bio, nil)

	default:
		p.logger.Error("find_block failed", "dev", tc.id, "block", block, "err", err)
		p.completeBio(bio, errIO)
	}
}

func (p *Pool) processBioFail(tc *ThinDevice, bio *Bio) {
	p.completeBio(bio, errIO)
}
