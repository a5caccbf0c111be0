//go:build linux

package blockdev

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// uringQueueDepth is more than enough for the one-at-a-time submission
// discipline below; the headroom keeps GetSQE from ever failing.
const uringQueueDepth = 32

// URingFile is a file-backed device that performs reads, writes and
// fsync through io_uring instead of blocking syscalls. Operations are
// serialised on the ring; concurrency comes from the pool running
// several devices or falling back to File for the metadata side.
type URingFile struct {
	mu   sync.Mutex
	ring *giouring.Ring
	f    *os.File
	size int64
}

// OpenURingFile opens path as an io_uring backed device. If size is
// non-zero the file is truncated/extended to that size.
func OpenURingFile(path string, size int64) (*URingFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		size = st.Size()
	}

	ring, err := giouring.CreateRing(uringQueueDepth)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create io_uring: %w", err)
	}

	return &URingFile{ring: ring, f: f, size: size}, nil
}

// submit runs one prepared operation to completion and returns the CQE
// result. Caller holds d.mu.
func (d *URingFile) submit(prep func(*giouring.SubmissionQueueEntry)) (int32, error) {
	sqe := d.ring.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("io_uring submission queue full")
	}
	prep(sqe)

	if _, err := d.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("io_uring submit: %w", err)
	}

	cqe, err := d.ring.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("io_uring wait: %w", err)
	}
	res := cqe.Res
	d.ring.CQESeen(cqe)

	if res < 0 {
		return 0, syscall.Errno(-res)
	}
	return res, nil
}

func (d *URingFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= d.size {
		return 0, nil
	}
	if avail := d.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	if len(p) == 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for total < len(p) {
		buf := p[total:]
		res, err := d.submit(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareRead(int(d.f.Fd()),
				uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)),
				uint64(off+int64(total)))
		})
		if err != nil {
			return total, err
		}
		if res == 0 {
			// Sparse tail reads as zeros.
			for i := range buf {
				buf[i] = 0
			}
			total = len(p)
			break
		}
		total += int(res)
	}
	return total, nil
}

func (d *URingFile) WriteAt(p []byte, off int64) (int, error) {
	if off >= d.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	if avail := d.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for total < len(p) {
		buf := p[total:]
		res, err := d.submit(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareWrite(int(d.f.Fd()),
				uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)),
				uint64(off+int64(total)))
		})
		if err != nil {
			return total, err
		}
		if res == 0 {
			return total, fmt.Errorf("io_uring short write at %d", off+int64(total))
		}
		total += int(res)
	}
	return total, nil
}

func (d *URingFile) Size() int64 {
	return d.size
}

func (d *URingFile) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.submit(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFsync(int(d.f.Fd()), 0)
	})
	return err
}

func (d *URingFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ring.QueueExit()
	return d.f.Close()
}

// Discard punches a hole; the deallocation itself does not go through
// the ring.
func (d *URingFile) Discard(off, length int64) error {
	if off >= d.size {
		return nil
	}
	if off+length > d.size {
		length = d.size - off
	}
	err := unix.Fallocate(int(d.f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return nil
	}
	return err
}

var _ DiscardDevice = (*URingFile)(nil)
