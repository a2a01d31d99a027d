package mempool

import (
	"bytes"
	"math"
)

// The four 16-byte boundary markers. They are part of the on-memory format:
// every operation compares them bytewise and external dump consumers match
// them, so the byte values must never change.
var (
	poolStartSentinel = [Alignment]byte{
		0xDE, 0xCE, 0xCA, 0xDE, 0xF0, 0xCA, 0xAC, 0xDC,
		0xF0, 0x0D, 0xFA, 0xCE, 0xDE, 0xAD, 0xBE, 0xEF,
	}
	poolEndSentinel = [Alignment]byte{
		0xDE, 0xAD, 0xBE, 0xEF, 0xF0, 0x0D, 0xFA, 0xCE,
		0xAC, 0xDC, 0xDE, 0xCE, 0xCA, 0xDE, 0xF0, 0xCA,
	}
	blockStartSentinel = [Alignment]byte{
		0xF0, 0x0D, 0xFA, 0xCE, 0xDE, 0xAD, 0xBE, 0xEF,
		0xDE, 0xCE, 0xCA, 0xDE, 0xF0, 0xCA, 0xAC, 0xDC,
	}
	blockEndSentinel = [Alignment]byte{
		0xAC, 0xDC, 0xDE, 0xCE, 0xCA, 0xDE, 0xF0, 0xCA,
		0xDE, 0xAD, 0xBE, 0xEF, 0xF0, 0x0D, 0xFA, 0xCE,
	}
)

const (
	// InitByte fills free payload bytes and allocator-owned slack. A byte that
	// differs from it where the allocator expects it is evidence of an
	// out-of-bounds write.
	InitByte byte = 0xAC

	// NotSet marks the two counter words of a free block.
	NotSet uint64 = math.MaxUint64
)

func sentinelAt(data []byte, offset int, sentinel *[Alignment]byte) bool {
	return bytes.Equal(data[offset:offset+Alignment], sentinel[:])
}

func stampSentinel(data []byte, offset int, sentinel *[Alignment]byte) {
	copy(data[offset:offset+Alignment], sentinel[:])
}
