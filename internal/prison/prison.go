// Package prison serializes bios contending for the same block.
//
// Sometimes a bio cannot be dealt with straight away. Such bios are put
// in prison, where they can't cause any mischief. Bios are held in a
// cell identified by a key; multiple bios can be in the same cell. When
// the cell is subsequently released the bios become available again.
package prison

import (
	"sync"

	"github.com/behrlich/go-thinpool/internal/constants"
)

// Key identifies a cell. Virtual distinguishes the virtual-block
// keyspace of a thin device from the data-block keyspace of the pool.
type Key struct {
	Virtual bool
	Dev     uint64
	Block   uint64
}

// Cell holds the first bio to arrive for a key (the holder) and any
// bios that arrived while the key was occupied.
type Cell[B any] struct {
	key    Key
	holder B
	extra  []B
}

// Key returns the key the cell was detained under.
func (c *Cell[B]) Key() Key { return c.key }

// Holder returns the bio that created the cell.
func (c *Cell[B]) Holder() B { return c.holder }

// Prison is a fixed-bucket hash table of cells. At most one cell exists
// per key at any instant.
type Prison[B any] struct {
	mu      sync.Mutex
	mask    uint32
	buckets [][]*Cell[B]
	free    chan *Cell[B]
}

// calcBuckets sizes the table to the next power of two covering a
// quarter of the expected concurrent cells, clamped to [128, 8192].
func calcBuckets(nrCells uint32) uint32 {
	n := uint32(128)

	nrCells /= 4
	if nrCells > 8192 {
		nrCells = 8192
	}
	for n < nrCells {
		n <<= 1
	}
	return n
}

// New creates a prison. nrCells should be the number of cells expected
// to be in use concurrently, not the number of distinct keys.
func New[B any](nrCells uint32) *Prison[B] {
	if nrCells == 0 {
		nrCells = constants.PrisonCells
	}
	n := calcBuckets(nrCells)
	return &Prison[B]{
		mask:    n - 1,
		buckets: make([][]*Cell[B], n),
		free:    make(chan *Cell[B], nrCells),
	}
}

// bigPrime spreads block numbers across buckets. Scope and device id
// participate in equality only.
const bigPrime = 4294967291

func (p *Prison[B]) bucket(key Key) uint32 {
	return uint32(key.Block*bigPrime) & p.mask
}

func (p *Prison[B]) search(idx uint32, key Key) *Cell[B] {
	for _, c := range p.buckets[idx] {
		if c.key == key {
			return c
		}
	}
	return nil
}

func (p *Prison[B]) allocCell() *Cell[B] {
	select {
	case c := <-p.free:
		return c
	default:
		return &Cell[B]{}
	}
}

func (p *Prison[B]) freeCell(c *Cell[B]) {
	var zero B
	c.holder = zero
	c.extra = c.extra[:0]
	select {
	case p.free <- c:
	default:
	}
}

// Detain adds inmate to the cell for key, creating the cell with inmate
// as holder if none exists. It reports whether the cell was already
// held, and always returns the cell.
func (p *Prison[B]) Detain(key Key, inmate B) (held bool, cell *Cell[B]) {
	idx := p.bucket(key)

	p.mu.Lock()
	defer p.mu.Unlock()

	if c := p.search(idx, key); c != nil {
		c.extra = append(c.extra, inmate)
		return true, c
	}

	c := p.allocCell()
	c.key = key
	c.holder = inmate
	p.buckets[idx] = append(p.buckets[idx], c)
	return false, c
}

func (p *Prison[B]) remove(c *Cell[B]) {
	idx := p.bucket(c.key)
	bucket := p.buckets[idx]
	for i, other := range bucket {
		if other == c {
			bucket[i] = bucket[len(bucket)-1]
			p.buckets[idx] = bucket[:len(bucket)-1]
			return
		}
	}
}

// Release removes the cell and returns the holder followed by the
// additional inmates. The cell handle must not be used afterwards.
func (p *Prison[B]) Release(c *Cell[B]) []B {
	p.mu.Lock()
	p.remove(c)
	inmates := make([]B, 0, 1+len(c.extra))
	inmates = append(inmates, c.holder)
	inmates = append(inmates, c.extra...)
	p.freeCell(c)
	p.mu.Unlock()
	return inmates
}

// ReleaseNoHolder removes the cell and returns only the additional
// inmates. Used when the holder has been consumed elsewhere, e.g. it
// became an overwrite bio.
func (p *Prison[B]) ReleaseNoHolder(c *Cell[B]) []B {
	p.mu.Lock()
	p.remove(c)
	inmates := make([]B, len(c.extra))
	copy(inmates, c.extra)
	p.freeCell(c)
	p.mu.Unlock()
	return inmates
}
