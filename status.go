package thinpool

import (
	"fmt"
	"strings"
)

// PoolStatus is a snapshot of the pool's accounting.
type PoolStatus struct {
	Failed bool

	TransactionID       uint64
	UsedMetadataBlocks  uint64
	TotalMetadataBlocks uint64
	UsedDataBlocks      uint64
	TotalDataBlocks     uint64
	HeldMetadataRoot    uint64 // 0 when no metadata snapshot is held
	Mode                PoolMode
	DiscardPassdown     bool
	DiscardEnabled      bool
}

// String renders the status line:
//
//	<trans_id> <used_meta>/<total_meta> <used_data>/<total_data>
//	<held_root|-> <rw|ro> <ignore_discard|discard_passdown|no_discard_passdown>
func (s PoolStatus) String() string {
	if s.Failed {
		return "Fail"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %d/%d %d/%d ",
		s.TransactionID,
		s.UsedMetadataBlocks, s.TotalMetadataBlocks,
		s.UsedDataBlocks, s.TotalDataBlocks)

	if s.HeldMetadataRoot != 0 {
		fmt.Fprintf(&b, "%d ", s.HeldMetadataRoot)
	} else {
		b.WriteString("- ")
	}

	if s.Mode == ModeReadOnly {
		b.WriteString("ro ")
	} else {
		b.WriteString("rw ")
	}

	switch {
	case !s.DiscardEnabled:
		b.WriteString("ignore_discard")
	case s.DiscardPassdown:
		b.WriteString("discard_passdown")
	default:
		b.WriteString("no_discard_passdown")
	}

	return b.String()
}

// Status reports the pool's accounting. A writable pool commits first
// so the numbers aren't out of date.
func (p *Pool) Status() (PoolStatus, error) {
	if p.Mode() == ModeFail {
		return PoolStatus{Failed: true, Mode: ModeFail}, nil
	}

	_ = p.commitOrFallback()

	st := PoolStatus{
		Mode:            p.Mode(),
		DiscardEnabled:  p.discardEnabled,
		DiscardPassdown: p.discardPassdown,
	}

	var err error
	if st.TransactionID, err = p.md.TransactionID(); err != nil {
		return st, WrapError("status", err)
	}

	freeMeta, err := p.md.FreeMetadataBlockCount()
	if err != nil {
		return st, WrapError("status", err)
	}
	if st.TotalMetadataBlocks, err = p.md.MetadataDevSize(); err != nil {
		return st, WrapError("status", err)
	}
	st.UsedMetadataBlocks = st.TotalMetadataBlocks - freeMeta

	freeData, err := p.md.FreeBlockCount()
	if err != nil {
		return st, WrapError("status", err)
	}
	if st.TotalDataBlocks, err = p.md.DataDevSize(); err != nil {
		return st, WrapError("status", err)
	}
	st.UsedDataBlocks = st.TotalDataBlocks - freeData

	if st.HeldMetadataRoot, err = p.md.MetadataSnap(); err != nil {
		return st, WrapError("status", err)
	}

	return st, nil
}

// ThinStatus is a snapshot of one thin device's usage.
type ThinStatus struct {
	Failed bool

	MappedSectors uint64
	// HighestMappedSector is valid only when Mapped is true.
	HighestMappedSector uint64
	Mapped              bool
}

// String renders "<mapped sectors> <highest mapped sector|->".
func (s ThinStatus) String() string {
	if s.Failed {
		return "Fail"
	}
	if !s.Mapped {
		return fmt.Sprintf("%d -", s.MappedSectors)
	}
	return fmt.Sprintf("%d %d", s.MappedSectors, s.HighestMappedSector)
}

// Status reports the thin device's usage.
func (tc *ThinDevice) Status() (ThinStatus, error) {
	p := tc.pool
	if p.Mode() == ModeFail {
		return ThinStatus{Failed: true}, nil
	}

	mapped, err := p.md.MappedCount(tc.id)
	if err != nil {
		return ThinStatus{}, WrapError("thin_status", err)
	}

	highest, found, err := p.md.HighestMappedBlock(tc.id)
	if err != nil {
		return ThinStatus{}, WrapError("thin_status", err)
	}

	st := ThinStatus{
		MappedSectors: mapped * uint64(p.blockSectors),
		Mapped:        found,
	}
	if found {
		st.HighestMappedSector = (highest+1)*uint64(p.blockSectors) - 1
	}
	return st, nil
}
