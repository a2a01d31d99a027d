package mempool

import (
	"github.com/memwrapper/ballast/memutils"
)

// visitClassRegions walks one arena in address order, calling visit once per
// allocation (with its requested data size) and once per free block. A merged
// run is visited once, at its head.
func (p *Pool) visitClassRegions(c *blockCategory, visit func(offset, size int, free bool)) {
	for i := 0; i < c.totalBlocks; {
		blockOffset := c.startOffset + i*c.stride()
		used := blockUsedCount(p.data, blockOffset)

		if used == NotSet {
			visit(payloadOffset(blockOffset), c.blockSize, true)
			i++
			continue
		}

		run := int(used)
		if run < 1 || i+run > c.totalBlocks {
			// Corrupted counter; visit the single cell and resynchronize.
			run = 1
		}

		visit(payloadOffset(blockOffset), int(blockDataSize(p.data, blockOffset)), false)
		i += run
	}
}

// AddDetailedStatistics sums the pool's current usage into stats: one block
// entry per configured arena, one allocation entry per live allocation and
// one unused range per free block.
func (p *Pool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	if !p.valid() {
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for class := range p.categories {
		c := &p.categories[class]
		if c.totalBlocks == 0 {
			continue
		}

		stats.BlockCount++
		stats.BlockBytes += c.totalBlocks * c.blockSize

		p.visitClassRegions(c, func(offset, size int, free bool) {
			if free {
				stats.AddUnusedRange(size)
			} else {
				stats.AddAllocation(size)
			}
		})
	}
}
