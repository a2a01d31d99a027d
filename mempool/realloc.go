package mempool

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"

	"github.com/memwrapper/ballast/memutils"
)

// Realloc resizes the allocation behind ptr to size bytes.
//
// A nil ptr with a positive size behaves like Alloc. A non-nil ptr with a
// zero size behaves like Free and returns nil. Otherwise the allocation is
// shrunk or grown in place when possible, extended into the free blocks
// immediately following its run when the class has them, and migrated to a
// fresh allocation as a last resort. On migration failure the original
// allocation stays valid and nil is returned.
func (p *Pool) Realloc(ptr []byte, size int) ([]byte, error) {
	if !p.valid() {
		return nil, cerrors.New(msgNotAMempool)
	}

	p.logger.Debug("Pool::Realloc")
	p.clearError()
	memutils.DebugValidate(p)

	if ptr == nil && size <= 0 {
		return nil, nil
	}

	if p.settings.VerboseDump {
		p.appendDumpMessage(fmt.Sprintf("Trying to reallocate %d bytes from the 0x%x location", size, p.addressOfSlice(ptr)))
	}

	p.mutex.Lock()
	payload, span, err := p.realloc(ptr, size)
	p.mutex.Unlock()

	if err != nil || payload == nilOffset {
		if p.settings.VerboseDump {
			p.appendDumpMessage(fmt.Sprintf("Failed to reallocate %d bytes from the 0x%x location", size, p.addressOfSlice(ptr)))
		}
		return nil, err
	}

	if p.settings.VerboseDump {
		p.appendDumpRecord(fmt.Sprintf("Reallocated %d bytes to "+memoryLocationFormat,
			size, p.addressOf(payload), payload), payload)
	}

	return p.data[payload : payload+size : payload+span], nil
}

// realloc dispatches on the (ptr, size) shape. It returns nilOffset for the
// free-equivalent path, with an error only when the reclaim reported one.
func (p *Pool) realloc(ptr []byte, size int) (int, int, error) {
	if ptr == nil {
		payload, span, err := p.allocate(size)
		if err != nil {
			return nilOffset, 0, err
		}
		return payload, span, nil
	}

	payload, ok := p.payloadOffsetOf(ptr)
	if !ok {
		return nilOffset, 0, p.setError(PointerParamError, msgInvalidPointerParam, nilOffset)
	}

	blockOffset := blockOffsetFromPayload(payload)
	if !sentinelAt(p.data, blockOffset, &blockStartSentinel) {
		return nilOffset, 0, p.setError(PointerParamError, msgInvalidPointerParam, nilOffset)
	}

	if size <= 0 {
		c, err := p.categoryForBlock(blockOffset)
		if err != nil {
			return nilOffset, 0, err
		}
		return nilOffset, 0, p.freeBlock(c, payload)
	}

	c, err := p.categoryForBlock(blockOffset)
	if err != nil {
		return nilOffset, 0, err
	}

	return p.reallocBlock(c, payload, size)
}

// reallocBlock is the grow/shrink state machine for a validated allocation.
func (p *Pool) reallocBlock(c *blockCategory, payload, size int) (int, int, error) {
	blockOffset := blockOffsetFromPayload(payload)
	used := int(blockUsedCount(p.data, blockOffset))
	dataSize := int(blockDataSize(p.data, blockOffset))
	span := payloadSpan(c.blockSize, used)

	if dataSize > span {
		p.setError(Overflow, msgOverflow, blockOffset+Alignment+wordSize)
		setBlockDataSize(p.data, blockOffset, uint64(span))
		dataSize = span
	}

	if p.settings.FullOverflowChecks &&
		!memutils.CheckBuffer(p.data[payload+dataSize:payload+span], InitByte) {
		p.setError(Overflow, msgOverflow, payload+dataSize)
		memutils.FillBuffer(p.data[payload+dataSize:payload+span], InitByte)
	}

	switch {
	case size == dataSize:
		return payload, span, nil

	case size < dataSize:
		// Shrink never returns trailing blocks of a multi-block run to the
		// category; the capacity stays leased until the final free.
		memutils.FillBuffer(p.data[payload+size:payload+span], InitByte)
		setBlockDataSize(p.data, blockOffset, uint64(size))
		p.retrackAllocation(payload, size)
		return payload, span, nil

	case size <= span:
		if p.settings.InitAllocatedMemory {
			memutils.FillBuffer(p.data[payload+dataSize:payload+size], 0)
		}
		setBlockDataSize(p.data, blockOffset, uint64(size))
		p.retrackAllocation(payload, size)
		return payload, span, nil
	}

	return p.reallocGrow(c, payload, size, used, dataSize, span)
}

// reallocGrow first attempts a contiguous extension of the existing run and
// falls back to migrating the data into a fresh allocation.
func (p *Pool) reallocGrow(c *blockCategory, payload, size, used, dataSize, span int) (int, int, error) {
	blockOffset := blockOffsetFromPayload(payload)
	extra := (size - span + c.stride() - 1) / c.stride()

	if c.occupiedBlocks+extra <= c.totalBlocks {
		extStart := blockOffset + used*c.stride()
		extEnd := blockOffset + (used+extra-1)*c.stride()

		contiguous := extEnd <= c.lastOffset
		for offset := extStart; contiguous && offset <= extEnd; offset += c.stride() {
			if blockUsedCount(p.data, offset) != NotSet {
				contiguous = false
			}
		}

		if contiguous {
			oldEndOffset := blockEndSentinelOffset(blockOffset, span)

			p.mergeFreeBlocks(c, extStart, extra, false, true)
			memutils.FillBuffer(p.data[oldEndOffset:oldEndOffset+Alignment], InitByte)

			if p.settings.InitAllocatedMemory {
				memutils.FillBuffer(p.data[payload+dataSize:payload+size], 0)
			}

			setBlockUsedCount(p.data, blockOffset, uint64(used+extra))
			setBlockDataSize(p.data, blockOffset, uint64(size))
			c.occupiedBlocks += extra

			p.settleFreeWindow(c, extStart, extEnd)
			p.retrackAllocation(payload, size)

			return payload, payloadSpan(c.blockSize, used+extra), nil
		}
	}

	// Migrate: fresh allocation, copy, free the original. The original stays
	// allocated when the fresh allocation fails.
	newPayload, newSpan, err := p.allocate(size)
	if err != nil {
		return nilOffset, 0, err
	}

	copy(p.data[newPayload:newPayload+dataSize], p.data[payload:payload+dataSize])

	// An overflow spotted while reclaiming the old span is already published
	// through the error sinks; it does not invalidate the new allocation.
	_ = p.freeBlock(c, payload)

	return newPayload, newSpan, nil
}

// settleFreeWindow repairs the free pointers after a contiguous extension
// consumed blocks inside [extStart, extEnd]. The first-free pointer advances
// the way an allocation does; the last-free pointer is walked back to the
// nearest remaining free block only when the extension swallowed it.
func (p *Pool) settleFreeWindow(c *blockCategory, extStart, extEnd int) {
	if c.occupiedBlocks >= c.totalBlocks {
		c.exhaust()
		return
	}

	lastConsumed := c.lastFreeOffset >= extStart && c.lastFreeOffset <= extEnd
	if c.firstFreeOffset >= extStart && c.firstFreeOffset <= extEnd {
		p.advanceFirstFree(c, extEnd)
		return
	}

	if lastConsumed {
		for offset := extStart - c.stride(); offset >= c.firstFreeOffset; offset -= c.stride() {
			if blockUsedCount(p.data, offset) == NotSet {
				c.lastFreeOffset = offset
				return
			}
		}
		c.exhaust()
	}
}

// retrackAllocation updates the live-allocation registry for an in-place
// resize, keeping the original sequence number.
func (p *Pool) retrackAllocation(payload, size int) {
	if info, ok := p.allocations.Get(payload); ok {
		info.size = size
		p.allocations.Put(payload, info)
	}
}
