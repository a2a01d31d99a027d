//go:build unix

package region

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Allocate maps an anonymous private region of exactly size bytes. The
// mapping is zero-filled by the kernel.
func Allocate(size int) (*Region, error) {
	if size <= 0 {
		return nil, cerrors.Errorf("invalid region size: %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, cerrors.Wrapf(err, "mmap of %d bytes failed", size)
	}

	return &Region{data: data, mmapped: true}, nil
}

// Release unmaps the region. The Region must not be used afterwards.
func (r *Region) Release() error {
	if !r.mmapped || r.data == nil {
		r.data = nil
		return nil
	}

	data := r.data
	r.data = nil
	return unix.Munmap(data)
}
