package blockdev

import (
	"fmt"
	"sync"
)

// shardSize is the granularity of the memory device's locking (64KB).
// Sharded locks let the copier and the issuer touch disjoint blocks in
// parallel without serialising on one mutex.
const shardSize = 64 * 1024

// Memory is a RAM-backed device, used for tests and as the demo data
// device.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates a memory device of the given size in bytes.
func NewMemory(size int64) *Memory {
	numShards := (size + shardSize - 1) / shardSize
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// shardRange returns the shards covering [off, off+length).
func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	if len(p) == 0 {
		return 0, nil
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	if len(p) == 0 {
		return 0, nil
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

func (m *Memory) Size() int64 {
	return m.size
}

func (m *Memory) Flush() error {
	return nil
}

func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Discard zeroes the range, mirroring a device that reads discarded
// ranges back as zeros.
func (m *Memory) Discard(off, length int64) error {
	if off >= m.size {
		return nil
	}
	if off+length > m.size {
		length = m.size - off
	}

	start, end := m.shardRange(off, length)
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	zero := m.data[off : off+length]
	for i := range zero {
		zero[i] = 0
	}
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return nil
}

var _ DiscardDevice = (*Memory)(nil)
