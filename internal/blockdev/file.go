package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// File is a device backed by a regular file or block device node.
type File struct {
	f    *os.File
	size int64
}

// OpenFile opens path as a device. If size is non-zero the file is
// truncated/extended to that size, otherwise the current size is used.
func OpenFile(path string, size int64) (*File, error) {
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

	return &File{f: f, size: size}, nil
}

func (d *File) ReadAt(p []byte, off int64) (int, error) {
	if off >= d.size {
		return 0, nil
	}
	if avail := d.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	n, err := d.f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		// The tail beyond the file's physical end reads as zeros.
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return len(p), nil
	}
	return n, err
}

func (d *File) WriteAt(p []byte, off int64) (int, error) {
	if off >= d.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	if avail := d.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	return d.f.WriteAt(p, off)
}

func (d *File) Size() int64 {
	return d.size
}

func (d *File) Flush() error {
	return d.f.Sync()
}

func (d *File) Close() error {
	return d.f.Close()
}

// Discard releases the range back to the filesystem where supported,
// otherwise writes zeros.
func (d *File) Discard(off, length int64) error {
	if off >= d.size {
		return nil
	}
	if off+length > d.size {
		length = d.size - off
	}
	return d.punchHole(off, length)
}

func (d *File) zeroRange(off, length int64) error {
	buf := make([]byte, 64*1024)
	for length > 0 {
		n := int64(len(buf))
		if n > length {
			n = length
		}
		if _, err := d.f.WriteAt(buf[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

var _ DiscardDevice = (*File)(nil)
