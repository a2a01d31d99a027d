package mempool

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"

	"github.com/memwrapper/ballast/memutils"
)

// Alloc serves a request of size bytes out of the pool and returns the
// payload. The returned slice has len == size; its capacity extends to the
// end of the payload span, so writes past len land in allocator-owned slack
// and are reported as Overflow by later operations when FullOverflowChecks
// is set.
//
// On failure Alloc returns nil with the last-error slot populated. A size of
// zero or less returns nil without recording an error.
func (p *Pool) Alloc(size int) ([]byte, error) {
	if !p.valid() {
		return nil, cerrors.New(msgNotAMempool)
	}

	p.logger.Debug("Pool::Alloc")
	p.clearError()
	memutils.DebugValidate(p)

	if size <= 0 {
		return nil, nil
	}

	if p.settings.VerboseDump {
		p.appendDumpMessage(fmt.Sprintf("Trying to allocate %d bytes", size))
	}

	p.mutex.Lock()
	payload, span, err := p.allocate(size)
	p.mutex.Unlock()

	if err != nil {
		if p.settings.VerboseDump {
			p.appendDumpMessage(fmt.Sprintf("Failed to allocate %d bytes", size))
		}
		return nil, err
	}

	if p.settings.VerboseDump {
		p.appendDumpRecord(fmt.Sprintf("Allocated %d bytes "+memoryLocationFormat,
			size, p.addressOf(payload), payload), payload)
	}

	return p.data[payload : payload+size : payload+span], nil
}

// allocate is the allocation planner. Class 0 wins outright when it fits.
// Otherwise the scan walks classes largest-first, committing immediately to
// the strict best-fit single-block class, and remembering both the smallest
// larger-than-request class with a free block and the largest smaller class
// holding a long enough contiguous free run. When both candidates exist the
// one leaving more residual free payload after the hypothetical allocation
// wins; ties go to the multi-block run.
func (p *Pool) allocate(size int) (int, int, error) {
	largeIdx := -1
	smallIdx := -1
	multiStart := nilOffset
	multiCount := 0

	if p.categories[0].canAllocSingle(size) {
		return p.allocOneBlock(&p.categories[0], size)
	}

	for i := NumBlockClasses - 1; i > 0; i-- {
		c := &p.categories[i]
		if c.occupiedBlocks >= c.totalBlocks {
			continue
		}

		if c.canAllocSingle(size) {
			if p.categories[i-1].blockSize < size {
				return p.allocOneBlock(c, size)
			}
			largeIdx = i
		} else if start, count, ok := p.canAllocMultiBlocks(c, size); ok {
			multiStart, multiCount = start, count
			smallIdx = i
			break
		}
	}

	if smallIdx == -1 && p.categories[0].occupiedBlocks < p.categories[0].totalBlocks {
		if start, count, ok := p.canAllocMultiBlocks(&p.categories[0], size); ok {
			multiStart, multiCount = start, count
			smallIdx = 0
		}
	}

	switch {
	case largeIdx != -1 && smallIdx != -1:
		large := &p.categories[largeIdx]
		small := &p.categories[smallIdx]
		if large.blockSize*(large.totalBlocks-large.occupiedBlocks-1) >
			small.blockSize*(small.totalBlocks-small.occupiedBlocks-multiCount) {
			return p.allocOneBlock(large, size)
		}
		return p.allocMultiBlocks(small, size, multiStart, multiCount)
	case largeIdx != -1:
		return p.allocOneBlock(&p.categories[largeIdx], size)
	case smallIdx != -1:
		return p.allocMultiBlocks(&p.categories[smallIdx], size, multiStart, multiCount)
	}

	return 0, 0, p.setError(NoMemory, msgNotEnoughMemory, nilOffset)
}

// allocOneBlock commits a single-block allocation at the category's first
// free block.
func (p *Pool) allocOneBlock(c *blockCategory, size int) (int, int, error) {
	if c.totalBlocks <= c.occupiedBlocks {
		return 0, 0, p.setError(InconsistentBlocks, msgBlockInconsistency, nilOffset)
	}

	if c.firstFreeOffset == nilOffset || c.lastFreeOffset == nilOffset {
		err := p.setError(InconsistentBlocks, msgBlockInconsistency, nilOffset)
		c.exhaust()
		return 0, 0, err
	}

	blockOffset := c.firstFreeOffset
	p.mergeFreeBlocks(c, blockOffset, 1, true, true)

	payload := payloadOffset(blockOffset)
	if p.settings.InitAllocatedMemory {
		memutils.FillBuffer(p.data[payload:payload+size], 0)
	}

	setBlockUsedCount(p.data, blockOffset, 1)
	setBlockDataSize(p.data, blockOffset, uint64(size))

	c.occupiedBlocks++
	p.advanceFirstFree(c, blockOffset)

	p.trackAllocation(payload, size)

	return payload, c.blockSize, nil
}

// canAllocMultiBlocks reports whether a contiguous run of free blocks of this
// class can hold size bytes, and where such a run starts. The sweep walks the
// free window one stride at a time, resetting the candidate on the first
// occupied block and bailing out early once the remaining window is shorter
// than the run.
func (p *Pool) canAllocMultiBlocks(c *blockCategory, size int) (int, int, bool) {
	if c.totalBlocks <= c.occupiedBlocks {
		p.setError(InconsistentBlocks, msgBlockInconsistency, nilOffset)
		return nilOffset, 0, false
	}

	if c.firstFreeOffset == nilOffset || c.lastFreeOffset == nilOffset {
		p.setError(InconsistentBlocks, msgBlockInconsistency, nilOffset)
		c.exhaust()
		return nilOffset, 0, false
	}

	count := (size + 3*Alignment + c.stride() - 1) / c.stride()

	if c.occupiedBlocks+count > c.totalBlocks {
		return nilOffset, 0, false
	}

	runStart := nilOffset
	found := 0
	for offset := c.firstFreeOffset; offset <= c.lastFreeOffset; offset += c.stride() {
		if blockUsedCount(p.data, offset) == NotSet {
			if runStart == nilOffset {
				runStart = offset
			}
			found++
			if found >= count {
				return runStart, count, true
			}
		} else {
			runStart = nilOffset
			found = 0
			if (c.lastFreeOffset-offset)/c.stride() < count {
				return nilOffset, 0, false
			}
		}
	}

	return nilOffset, 0, false
}

// allocMultiBlocks commits a contiguous run of count blocks rooted at
// startOffset. Only the head block keeps its counters and only the tail block
// keeps an end sentinel; everything in between is merged into the payload.
func (p *Pool) allocMultiBlocks(c *blockCategory, size int, startOffset, count int) (int, int, error) {
	if c.totalBlocks <= c.occupiedBlocks {
		return 0, 0, p.setError(InconsistentBlocks, msgBlockInconsistency, nilOffset)
	}

	if startOffset == nilOffset || c.firstFreeOffset == nilOffset || c.lastFreeOffset == nilOffset {
		err := p.setError(InconsistentBlocks, msgBlockInconsistency, nilOffset)
		c.exhaust()
		return 0, 0, err
	}

	p.mergeFreeBlocks(c, startOffset, count, true, true)

	span := payloadSpan(c.blockSize, count)
	payload := payloadOffset(startOffset)
	if p.settings.InitAllocatedMemory {
		memutils.FillBuffer(p.data[payload:payload+size], 0)
	}

	setBlockUsedCount(p.data, startOffset, uint64(count))
	setBlockDataSize(p.data, startOffset, uint64(size))

	c.occupiedBlocks += count

	if c.occupiedBlocks < c.totalBlocks {
		if c.firstFreeOffset == startOffset {
			p.advanceFirstFree(c, startOffset+(count-1)*c.stride())
		}
	} else {
		c.exhaust()
	}

	p.trackAllocation(payload, size)

	return payload, span, nil
}

// mergeFreeBlocks re-verifies every block of the prospective run and rewrites
// its control sections for a merged span. Intermediate start headers and end
// sentinels are overwritten with the init byte; keepStart and keepEnd control
// whether the outer boundary of the run stays stamped. Sentinel or counter
// mismatches record Overflow with the offending location, and with full
// overflow checks enabled a clobbered payload is reported and scrubbed back
// to the init byte.
func (p *Pool) mergeFreeBlocks(c *blockCategory, startOffset, count int, keepStart, keepEnd bool) {
	for i := 0; i < count; i++ {
		blockOffset := startOffset + i*c.stride()
		endOffset := blockEndSentinelOffset(blockOffset, c.blockSize)
		payload := payloadOffset(blockOffset)

		if !sentinelAt(p.data, blockOffset, &blockStartSentinel) {
			p.setError(Overflow, msgOverflow, blockOffset)
		}

		if !sentinelAt(p.data, endOffset, &blockEndSentinel) {
			p.setError(Overflow, msgOverflow, endOffset)
		}

		if blockUsedCount(p.data, blockOffset) != NotSet {
			p.setError(Overflow, msgOverflow, blockOffset+Alignment)
		}

		if blockDataSize(p.data, blockOffset) != NotSet {
			p.setError(Overflow, msgOverflow, blockOffset+Alignment+wordSize)
		}

		if p.settings.FullOverflowChecks &&
			!memutils.CheckBuffer(p.data[payload:payload+c.blockSize], InitByte) {
			p.setError(Overflow, msgOverflow, payload)
			memutils.FillBuffer(p.data[payload:payload+c.blockSize], InitByte)
		}

		if !keepStart || i > 0 {
			memutils.FillBuffer(p.data[blockOffset:blockOffset+2*Alignment], InitByte)
		} else {
			stampSentinel(p.data, blockOffset, &blockStartSentinel)
			setBlockUsedCount(p.data, blockOffset, NotSet)
			setBlockDataSize(p.data, blockOffset, NotSet)
		}

		if !keepEnd || i != count-1 {
			memutils.FillBuffer(p.data[endOffset:endOffset+Alignment], InitByte)
		} else {
			stampSentinel(p.data, endOffset, &blockEndSentinel)
		}
	}
}

func (p *Pool) trackAllocation(payload, size int) {
	p.allocSeq++
	p.allocations.Put(payload, allocationInfo{size: size, seq: p.allocSeq})
}
