// Package copier is the pool's asynchronous block copy/zero service.
//
// Provisioning and break-of-sharing hand copy and zero jobs to a small
// worker pool and continue; the completion callback re-enters the pool
// through its own locking. Callbacks never run with copier internals
// locked.
package copier

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/behrlich/go-thinpool/internal/blockdev"
	"github.com/behrlich/go-thinpool/internal/constants"
)

// Region describes a run of sectors on a device.
type Region struct {
	Dev    blockdev.Device
	Sector uint64
	Count  uint32
}

func (r Region) offset() int64 { return int64(r.Sector) << constants.SectorShift }
func (r Region) length() int   { return int(r.Count) << constants.SectorShift }

// CompleteFn is invoked on a worker goroutine when a job finishes.
// readErr and writeErr are nil on success.
type CompleteFn func(readErr, writeErr error)

type job struct {
	from   Region
	to     []Region
	zero   bool
	onDone CompleteFn
}

// Client runs copy and zero jobs on a bounded set of workers.
type Client struct {
	jobs   chan job
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a client with the given number of workers.
func NewClient(workers int) *Client {
	if workers <= 0 {
		workers = constants.DefaultCopierWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	c := &Client{
		jobs:   make(chan job, workers*4),
		group:  g,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		g.Go(c.worker)
	}
	return c
}

func (c *Client) worker() error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case j, ok := <-c.jobs:
			if !ok {
				return nil
			}
			c.run(j)
		}
	}
}

func (c *Client) run(j job) {
	length := j.to[0].length()

	var buf []byte
	var readErr error

	if j.zero {
		buf = getBuffer(length)
		for i := range buf {
			buf[i] = 0
		}
	} else {
		buf = getBuffer(j.from.length())
		var n int
		n, readErr = j.from.Dev.ReadAt(buf, j.from.offset())
		if readErr == nil && n < len(buf) {
			// A device tail shorter than the region reads as zeros.
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
		}
	}

	var writeErr error
	if readErr == nil {
		for _, dst := range j.to {
			n := dst.length()
			if n > len(buf) {
				n = len(buf)
			}
			if _, err := dst.Dev.WriteAt(buf[:n], dst.offset()); err != nil {
				writeErr = err
				break
			}
		}
	}

	putBuffer(buf)
	j.onDone(readErr, writeErr)
}

func (c *Client) enqueue(j job) error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("copier shut down")
	case c.jobs <- j:
		return nil
	}
}

// Copy reads from and writes the data to every region in to. Each
// destination receives at most its own length of the source data.
func (c *Client) Copy(from Region, to []Region, onDone CompleteFn) error {
	if len(to) == 0 {
		return fmt.Errorf("copy with no destination")
	}
	return c.enqueue(job{from: from, to: to, onDone: onDone})
}

// Zero fills the region with zeros.
func (c *Client) Zero(to Region, onDone CompleteFn) error {
	return c.enqueue(job{to: []Region{to}, zero: true, onDone: onDone})
}

// Close stops accepting jobs and waits for in-flight jobs to finish.
// Jobs still queued are failed through their callbacks rather than
// dropped.
func (c *Client) Close() error {
	c.cancel()
	err := c.group.Wait()

	for {
		select {
		case j := <-c.jobs:
			shutdownErr := fmt.Errorf("copier shut down")
			j.onDone(shutdownErr, shutdownErr)
		default:
			return err
		}
	}
}
