package thinpool

// PoolMode is the operating mode of a pool. Modes are ordered by
// degradation; a pool never moves to a lower value during its
// lifetime.
type PoolMode int32

const (
	// ModeWrite allows metadata changes.
	ModeWrite PoolMode = iota
	// ModeReadOnly serves reads from existing mappings but blocks
	// new-mapping insertion.
	ModeReadOnly
	// ModeFail errors all I/O immediately.
	ModeFail
)

func (m PoolMode) String() string {
	switch m {
	case ModeWrite:
		return "rw"
	case ModeReadOnly:
		return "ro"
	case ModeFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Mode returns the pool's current mode.
func (p *Pool) Mode() PoolMode {
	return PoolMode(p.mode.Load())
}

// setMode installs the processing functions for mode. Degradations are
// sticky: asking for a better mode than the current one keeps the
// current one.
func (p *Pool) setMode(mode PoolMode) {
	if cur := p.Mode(); mode < cur {
		mode = cur
	}
	p.mode.Store(int32(mode))

	switch mode {
	case ModeFail:
		p.logger.Error("switching pool to failure mode")
		p.installProcessFns(
			p.processBioFail,
			p.processBioFail,
			p.processPreparedMappingFail,
			p.processPreparedDiscardFail,
		)

	case ModeReadOnly:
		p.logger.Error("switching pool to read-only mode")
		if err := p.md.Abort(); err != nil {
			p.logger.Error("aborting transaction failed", "err", err)
			p.setMode(ModeFail)
			return
		}
		p.md.SetReadOnly()
		p.installProcessFns(
			p.processBioReadOnly,
			p.processDiscard,
			p.processPreparedMappingFail,
			p.processPreparedDiscardPassdown,
		)

	case ModeWrite:
		p.installProcessFns(
			p.processBio,
			p.processDiscard,
			p.processPreparedMapping,
			p.processPreparedDiscard,
		)
	}

	p.observer.ObserveModeChange(mode)
}

func (p *Pool) installProcessFns(
	processBio, processDiscard processBioFn,
	processPreparedMapping, processPreparedDiscard processMappingFn,
) {
	p.mu.Lock()
	p.processBioFn = processBio
	p.processDiscardFn = processDiscard
	p.processPreparedMappingFn = processPreparedMapping
	p.processPreparedDiscardFn = processPreparedDiscard
	p.mu.Unlock()
}
