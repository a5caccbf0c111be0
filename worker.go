package thinpool

import (
	"time"

	"github.com/behrlich/go-thinpool/internal/constants"
)

// worker is the pool's single processing goroutine. All mapping
// decisions, and the metadata changes and commits of bio processing,
// happen here; the bio paths only queue work and wake it. Messages,
// Status, Suspend and Resume change or commit metadata from the
// caller's goroutine.
func (p *Pool) worker() {
	defer close(p.workerDone)

	// The waker reruns the worker every commit period, so uncommitted
	// metadata gets committed even with no flushes arriving.
	waker := time.NewTicker(constants.CommitPeriod)
	defer waker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.wake:
			p.doWork()
		case <-waker.C:
			p.doWork()
		case done := <-p.drainCh:
			p.doWork()
			close(done)
		}
	}
}

func (p *Pool) doWork() {
	p.processPreparedMappings()
	p.processPreparedDiscards()
	p.processDeferredBios()
}

func (p *Pool) processPreparedMappings() {
	p.mu.Lock()
	maps := p.preparedMappings
	p.preparedMappings = nil
	fn := p.processPreparedMappingFn
	p.mu.Unlock()

	for _, m := range maps {
		fn(m)
	}
}

func (p *Pool) processPreparedDiscards() {
	p.mu.Lock()
	maps := p.preparedDiscards
	p.preparedDiscards = nil
	fn := p.processPreparedDiscardFn
	p.mu.Unlock()

	for _, m := range maps {
		fn(m)
	}
}

func (p *Pool) processDeferredBios() {
	p.mu.Lock()
	bios := p.deferredBios
	p.deferredBios = nil
	p.mu.Unlock()

	for i, bio := range bios {
		// If we've got no free mapping jobs and processing this bio
		// might need one, pause until some jobs complete.
		if !p.ensureNextMapping() {
			p.mu.Lock()
			p.deferredBios = append(bios[i:], p.deferredBios...)
			p.mu.Unlock()
			break
		}

		p.mu.Lock()
		processBio := p.processBioFn
		processDiscard := p.processDiscardFn
		p.mu.Unlock()

		if bio.Op == BioDiscard {
			processDiscard(bio.tc, bio)
		} else {
			processBio(bio.tc, bio)
		}
	}

	// Flush bios are batched so one commit covers all of them.
	p.mu.Lock()
	flushes := p.deferredFlushBios
	p.deferredFlushBios = nil
	p.mu.Unlock()

	if len(flushes) == 0 && !p.needCommitDueToTime() {
		return
	}

	if p.commitOrFallback() != nil {
		for _, bio := range flushes {
			p.completeBio(bio, errIO)
		}
		return
	}
	p.lastCommit = time.Now()

	for _, bio := range flushes {
		p.submitBio(bio)
	}
}

// needCommitDueToTime uses the monotonic clock, so a long-lived pool
// cannot wrap into a deferred commit.
func (p *Pool) needCommitDueToTime() bool {
	return time.Since(p.lastCommit) >= constants.CommitPeriod
}
