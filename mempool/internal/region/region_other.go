//go:build !unix

package region

import (
	cerrors "github.com/cockroachdb/errors"
)

// Allocate reserves a zero-filled heap slice of exactly size bytes.
func Allocate(size int) (*Region, error) {
	if size <= 0 {
		return nil, cerrors.Errorf("invalid region size: %d", size)
	}

	return &Region{data: make([]byte, size)}, nil
}

// Release drops the reference so the region can be collected.
func (r *Region) Release() error {
	r.data = nil
	return nil
}
