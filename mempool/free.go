package mempool

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"

	"github.com/memwrapper/ballast/memutils"
)

// Free returns the span behind ptr to the free pool. The pointer must be one
// previously returned by Alloc or Realloc and not yet freed. A nil ptr is a
// silent no-op that leaves the last-error slot untouched.
//
// A recorded Overflow does not abort the free: the span is scrubbed and
// restamped regardless, and the error is returned for inspection.
func (p *Pool) Free(ptr []byte) error {
	if !p.valid() {
		return cerrors.New(msgNotAMempool)
	}

	p.logger.Debug("Pool::Free")

	if ptr == nil {
		return nil
	}

	p.clearError()
	memutils.DebugValidate(p)

	if p.settings.VerboseDump {
		p.appendDumpMessage(fmt.Sprintf("Trying to free memory from the 0x%x location", p.addressOfSlice(ptr)))
	}

	p.mutex.Lock()
	payload, err := p.free(ptr)
	p.mutex.Unlock()

	if p.settings.VerboseDump {
		if payload != nilOffset {
			p.appendDumpRecord(fmt.Sprintf("Freed bytes "+memoryLocationFormat,
				p.addressOf(payload), payload), payload)
		} else {
			p.appendDumpMessage(fmt.Sprintf("Failed to free bytes at the 0x%x location", p.addressOfSlice(ptr)))
		}
	}

	return err
}

// free validates the pointer and reclaims its span. It returns the payload
// offset when the free actually happened, nilOffset otherwise.
func (p *Pool) free(ptr []byte) (int, error) {
	payload, ok := p.payloadOffsetOf(ptr)
	if !ok {
		return nilOffset, p.setError(PointerParamError, msgInvalidPointerParam, nilOffset)
	}

	blockOffset := blockOffsetFromPayload(payload)
	if !sentinelAt(p.data, blockOffset, &blockStartSentinel) {
		return nilOffset, p.setError(PointerParamError, msgInvalidPointerParam, nilOffset)
	}

	c, err := p.categoryForBlock(blockOffset)
	if err != nil {
		return nilOffset, err
	}

	// A clobbered end sentinel was restored by categoryForBlock and the free
	// goes on; the Overflow it recorded is still returned.
	var sentinelErr error
	if p.lastError == Overflow {
		sentinelErr = cerrors.Newf("%s: %s", p.lastError, p.lastErrorMessage)
	}

	if freeErr := p.freeBlock(c, payload); freeErr != nil {
		return payload, freeErr
	}
	return payload, sentinelErr
}

// categoryForBlock resolves the category whose arena contains the block and
// runs the remaining validation chain: counters must be set and the end
// sentinel must be intact at the span end. Counter violations are defensive:
// the sibling counter is knocked to NotSet as well so the block reads as free
// afterwards. A clobbered end sentinel is restored after being reported.
func (p *Pool) categoryForBlock(blockOffset int) (*blockCategory, error) {
	var c *blockCategory
	for class := range p.categories {
		if p.categories[class].contains(blockOffset) {
			c = &p.categories[class]
			break
		}
	}
	if c == nil {
		return nil, p.setError(PointerParamError, msgInvalidPointerParam, nilOffset)
	}

	used := blockUsedCount(p.data, blockOffset)
	if used == NotSet {
		setBlockDataSize(p.data, blockOffset, NotSet)
		return nil, p.setError(Overflow, msgOverflow, blockOffset+Alignment)
	}

	if blockDataSize(p.data, blockOffset) == NotSet {
		setBlockUsedCount(p.data, blockOffset, NotSet)
		return nil, p.setError(Overflow, msgOverflow, blockOffset+Alignment+wordSize)
	}

	span := payloadSpan(c.blockSize, int(used))
	endOffset := blockEndSentinelOffset(blockOffset, span)
	if int(used) < 1 || endOffset+Alignment > len(p.data) {
		return nil, p.setError(Overflow, msgOverflow, blockOffset+Alignment)
	}

	if !sentinelAt(p.data, endOffset, &blockEndSentinel) {
		p.setError(Overflow, msgOverflow, endOffset)
		stampSentinel(p.data, endOffset, &blockEndSentinel)
	}

	return c, nil
}

// freeBlock scrubs the payload span, splits a merged run back into
// individually stamped free blocks and extends the category's free window.
func (p *Pool) freeBlock(c *blockCategory, payload int) error {
	blockOffset := blockOffsetFromPayload(payload)
	used := int(blockUsedCount(p.data, blockOffset))
	dataSize := int(blockDataSize(p.data, blockOffset))
	span := payloadSpan(c.blockSize, used)

	var overflowErr error
	if dataSize > span {
		overflowErr = p.setError(Overflow, msgOverflow, blockOffset+Alignment+wordSize)
	} else if p.settings.FullOverflowChecks &&
		!memutils.CheckBuffer(p.data[payload+dataSize:payload+span], InitByte) {
		overflowErr = p.setError(Overflow, msgOverflow, payload+dataSize)
	}

	memutils.FillBuffer(p.data[payload:payload+span], InitByte)

	for i := 0; i < used; i++ {
		cellOffset := blockOffset + i*c.stride()
		stampSentinel(p.data, cellOffset, &blockStartSentinel)
		stampSentinel(p.data, blockEndSentinelOffset(cellOffset, c.blockSize), &blockEndSentinel)
		setBlockUsedCount(p.data, cellOffset, NotSet)
		setBlockDataSize(p.data, cellOffset, NotSet)
	}

	c.occupiedBlocks -= used

	c.extendFreeWindow(blockOffset)
	if used > 1 {
		c.extendFreeWindow(blockOffset + (used-1)*c.stride())
	}

	p.allocations.Delete(payload)

	return overflowErr
}
