package thinpool

import (
	"github.com/behrlich/go-thinpool/internal/constants"
)

// BioOp is the direction of a bio.
type BioOp uint8

const (
	BioRead BioOp = iota
	BioWrite
	BioDiscard
	BioFlush
)

func (op BioOp) String() string {
	switch op {
	case BioRead:
		return "read"
	case BioWrite:
		return "write"
	case BioDiscard:
		return "discard"
	case BioFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Bio is one block I/O request against a thin device. Sector is the
// offset within the thin device in 512-byte sectors. A bio must not
// cross a pool block boundary; ThinDevice.ReadAt and friends split
// larger requests.
//
// OnComplete is invoked exactly once, possibly on an engine goroutine.
type Bio struct {
	Op     BioOp
	Sector uint64
	// Data carries the payload for reads and writes. Discard and
	// flush bios leave it nil.
	Data []byte
	// NrSectors is the extent of a discard. Reads and writes derive
	// their size from Data.
	NrSectors uint32
	// FUA forces the write through the data device's cache; like a
	// flush it completes only after a metadata commit when the
	// transaction has uncommitted changes for this device.
	FUA        bool
	OnComplete func(*Bio, error)

	// Engine-owned state, valid while the bio is in flight.
	tc               *ThinDevice
	sharedReadEntry  *dsEntry
	allIOEntry       *dsEntry
	overwriteMapping *mapping
	endio            func(*Bio, error)
	mappedSector     uint64
	toOrigin         bool
	done             bool
}

// NewReadBio builds a read of len(buf) bytes at the given sector.
func NewReadBio(sector uint64, buf []byte, onComplete func(*Bio, error)) *Bio {
	return &Bio{Op: BioRead, Sector: sector, Data: buf, OnComplete: onComplete}
}

// NewWriteBio builds a write of len(buf) bytes at the given sector.
func NewWriteBio(sector uint64, buf []byte, onComplete func(*Bio, error)) *Bio {
	return &Bio{Op: BioWrite, Sector: sector, Data: buf, OnComplete: onComplete}
}

// NewDiscardBio builds a discard of nrSectors at the given sector.
func NewDiscardBio(sector uint64, nrSectors uint32, onComplete func(*Bio, error)) *Bio {
	return &Bio{Op: BioDiscard, Sector: sector, NrSectors: nrSectors, OnComplete: onComplete}
}

// NewFlushBio builds an empty flush bio.
func NewFlushBio(onComplete func(*Bio, error)) *Bio {
	return &Bio{Op: BioFlush, OnComplete: onComplete}
}

// sizeBytes is the payload size of the bio.
func (b *Bio) sizeBytes() int {
	if b.Op == BioDiscard {
		return int(b.NrSectors) << constants.SectorShift
	}
	return len(b.Data)
}

// sizeSectors is the extent of the bio in sectors.
func (b *Bio) sizeSectors() uint32 {
	if b.Op == BioDiscard {
		return b.NrSectors
	}
	return uint32(len(b.Data) >> constants.SectorShift)
}

// isEmpty reports a zero-sized bio (flushes).
func (b *Bio) isEmpty() bool {
	return b.sizeBytes() == 0
}

func (b *Bio) isWrite() bool {
	return b.Op == BioWrite
}

// zeroFill fills a read's buffer with zeros.
func (b *Bio) zeroFill() {
	for i := range b.Data {
		b.Data[i] = 0
	}
}

// finish runs the submitter's completion. The engine must only call
// it through Pool.completeBio or after all hook bookkeeping is done.
func (b *Bio) finish(err error) {
	if b.done {
		return
	}
	b.done = true
	if b.OnComplete != nil {
		b.OnComplete(b, err)
	}
}
