//go:build linux

package blockdev

import (
	"golang.org/x/sys/unix"
)

// punchHole deallocates the range so it reads back as zeros. Falls
// back to writing zeros on filesystems without hole punching.
func (d *File) punchHole(off, length int64) error {
	err := unix.Fallocate(int(d.f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return d.zeroRange(off, length)
	}
	return err
}
