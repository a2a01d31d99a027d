package memutils

import "bytes"

// FillBuffer overwrites every byte of buffer with the fill value.
func FillBuffer(buffer []byte, fill byte) {
	for i := range buffer {
		buffer[i] = fill
	}
}

// CheckBuffer reports whether every byte of buffer equals the reference value.
// Empty buffers trivially pass.
func CheckBuffer(buffer []byte, reference byte) bool {
	if len(buffer) == 0 {
		return true
	}

	return buffer[0] == reference && bytes.Equal(buffer[:len(buffer)-1], buffer[1:])
}
