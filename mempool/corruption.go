package mempool

import (
	cerrors "github.com/cockroachdb/errors"

	"github.com/memwrapper/ballast/memutils"
)

// CheckCorruption sweeps the whole region and returns the first integrity
// violation found, without mutating anything and without touching the
// last-error slot. With full overflow checks enabled the sweep also verifies
// every free payload byte and every allocation's slack. It is expensive and
// meant for diagnostic regimes, not hot paths.
func (p *Pool) CheckCorruption() error {
	if !p.valid() {
		return cerrors.New(msgNotAMempool)
	}

	p.logger.Debug("Pool::CheckCorruption")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !sentinelAt(p.data, len(p.data)-Alignment, &poolEndSentinel) {
		return cerrors.Newf("pool end sentinel clobbered at offset %d", len(p.data)-Alignment)
	}

	for class := range p.categories {
		c := &p.categories[class]

		for i := 0; i < c.totalBlocks; {
			blockOffset := c.startOffset + i*c.stride()

			if !sentinelAt(p.data, blockOffset, &blockStartSentinel) {
				return cerrors.Newf("block start sentinel clobbered at offset %d (class %d)", blockOffset, class)
			}

			used := blockUsedCount(p.data, blockOffset)
			dataSize := blockDataSize(p.data, blockOffset)

			if used == NotSet {
				if dataSize != NotSet {
					return cerrors.Newf("free block at offset %d carries a data size", blockOffset)
				}

				endOffset := blockEndSentinelOffset(blockOffset, c.blockSize)
				if !sentinelAt(p.data, endOffset, &blockEndSentinel) {
					return cerrors.Newf("block end sentinel clobbered at offset %d (class %d)", endOffset, class)
				}

				payload := payloadOffset(blockOffset)
				if p.settings.FullOverflowChecks &&
					!memutils.CheckBuffer(p.data[payload:payload+c.blockSize], InitByte) {
					return cerrors.Newf("free payload clobbered at offset %d (class %d)", payload, class)
				}

				i++
				continue
			}

			run := int(used)
			if run < 1 || i+run > c.totalBlocks || dataSize == NotSet {
				return cerrors.Newf("inconsistent counters at offset %d (class %d)", blockOffset, class)
			}

			span := payloadSpan(c.blockSize, run)
			if int(dataSize) > span {
				return cerrors.Newf("allocation at offset %d claims %d bytes over a %d byte span", blockOffset, dataSize, span)
			}

			endOffset := blockEndSentinelOffset(blockOffset, span)
			if !sentinelAt(p.data, endOffset, &blockEndSentinel) {
				return cerrors.Newf("span end sentinel clobbered at offset %d (class %d)", endOffset, class)
			}

			payload := payloadOffset(blockOffset)
			if p.settings.FullOverflowChecks &&
				!memutils.CheckBuffer(p.data[payload+int(dataSize):payload+span], InitByte) {
				return cerrors.Newf("allocation slack clobbered after offset %d (class %d)", payload+int(dataSize), class)
			}

			i += run
		}
	}

	return nil
}
