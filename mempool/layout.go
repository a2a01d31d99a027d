package mempool

import (
	"encoding/binary"

	"github.com/memwrapper/ballast/memutils"
)

const (
	// Alignment is the glibc-style allocation alignment of two machine words:
	// 16 bytes on 64-bit targets. Every section of the pool and every block
	// boundary sits on a multiple of it.
	Alignment = 16

	wordSize = 8

	// NumBlockClasses is the number of fixed payload-size classes.
	NumBlockClasses = 8

	// DumpFileNameSize is the fixed byte budget reserved for the dump-file
	// path inside the settings section.
	DumpFileNameSize = 128

	// errorMessageSize bounds the last-error message buffer.
	errorMessageSize = 512
)

// classPayloadSizes lists the usable payload bytes of each class in ascending
// order. Class 0 is the smallest.
var classPayloadSizes = [NumBlockClasses]int{32, 64, 128, 256, 512, 1024, 2048, 4096}

// Serialized footprint of the three control sections, before per-section
// alignment. The settings blob is the total size word, the eight class
// counts, one word reserved for the callback slot, three flag bytes and the
// dump-file name buffer. A category entry is four addresses and three sizes.
// The aux blob is the lock handle word, the lock-initialized flag, the
// last-error word and the message buffer.
const (
	settingsBlobSize      = wordSize + NumBlockClasses*wordSize + wordSize + 3 + DumpFileNameSize
	categoryEntryBlobSize = 7 * wordSize
	auxBlobSize           = wordSize + 1 + wordSize + errorMessageSize
)

var (
	settingsSectionSize = memutils.AlignUp(settingsBlobSize, Alignment)
	categorySectionSize = NumBlockClasses * memutils.AlignUp(categoryEntryBlobSize, Alignment)
	auxSectionSize      = memutils.AlignUp(auxBlobSize, Alignment)
)

// blockStride is the full footprint of one block of the class: start
// sentinel, two counter words, payload, end sentinel.
func blockStride(payloadSize int) int {
	return payloadSize + 3*Alignment
}

// firstBlockOffset is where the first arena begins: after the start sentinel
// and the three control sections.
func firstBlockOffset() int {
	return Alignment + settingsSectionSize + categorySectionSize + auxSectionSize
}

// requiredRegionSize is the exact backing-region footprint for the given
// per-class block counts.
func requiredRegionSize(counts [NumBlockClasses]int) int {
	size := firstBlockOffset() + Alignment
	for class, count := range counts {
		size += count * blockStride(classPayloadSizes[class])
	}
	return size
}

// Block header accessors. The two counter words live at offsets Alignment and
// Alignment+wordSize of the block, native-endian, as dump consumers expect.

func blockUsedCount(data []byte, blockOffset int) uint64 {
	return binary.NativeEndian.Uint64(data[blockOffset+Alignment:])
}

func setBlockUsedCount(data []byte, blockOffset int, value uint64) {
	binary.NativeEndian.PutUint64(data[blockOffset+Alignment:], value)
}

func blockDataSize(data []byte, blockOffset int) uint64 {
	return binary.NativeEndian.Uint64(data[blockOffset+Alignment+wordSize:])
}

func setBlockDataSize(data []byte, blockOffset int, value uint64) {
	binary.NativeEndian.PutUint64(data[blockOffset+Alignment+wordSize:], value)
}

// payloadOffset converts a block start offset to its user-visible payload
// offset and back.

func payloadOffset(blockOffset int) int {
	return blockOffset + 2*Alignment
}

func blockOffsetFromPayload(payload int) int {
	return payload - 2*Alignment
}

// blockEndSentinelOffset locates the end sentinel of a span rooted at
// blockOffset covering payloadSpan usable bytes.
func blockEndSentinelOffset(blockOffset, payloadSpan int) int {
	return blockOffset + 2*Alignment + payloadSpan
}

// payloadSpan is the contiguous user-addressable byte count of a run of
// usedBlocks blocks of one class: the interior control sections are merged
// into the payload.
func payloadSpan(payloadSize int, usedBlocks int) int {
	return payloadSize + (usedBlocks-1)*blockStride(payloadSize)
}
