package mempool

import (
	"github.com/pkg/errors"
)

// nilOffset marks an unset address field of a category entry.
const nilOffset = -1

// blockCategory is the free-range bookkeeping for one size class. All
// addresses are byte offsets of block starts within the backing region.
// firstFreeOffset and lastFreeOffset are conservative bounds: no free block
// lies outside [firstFreeOffset, lastFreeOffset], but not every block inside
// the window is free.
type blockCategory struct {
	blockSize      int
	totalBlocks    int
	occupiedBlocks int

	startOffset     int
	lastOffset      int
	firstFreeOffset int
	lastFreeOffset  int
}

func (c *blockCategory) stride() int {
	return blockStride(c.blockSize)
}

// contains reports whether blockOffset is a block start inside this arena.
func (c *blockCategory) contains(blockOffset int) bool {
	return c.totalBlocks > 0 && c.startOffset <= blockOffset && blockOffset <= c.lastOffset
}

// canAllocSingle reports whether a request of size bytes fits a single free
// block of this class.
func (c *blockCategory) canAllocSingle(size int) bool {
	return c.blockSize >= size && c.occupiedBlocks < c.totalBlocks
}

// exhaust pins the category to the fully-occupied state.
func (c *blockCategory) exhaust() {
	c.occupiedBlocks = c.totalBlocks
	c.firstFreeOffset = nilOffset
	c.lastFreeOffset = nilOffset
}

// extendFreeWindow grows the free window to include a freshly freed block.
// The window is never retracted on free.
func (c *blockCategory) extendFreeWindow(blockOffset int) {
	if c.firstFreeOffset == nilOffset || c.firstFreeOffset > blockOffset {
		c.firstFreeOffset = blockOffset
	}

	if c.lastFreeOffset == nilOffset || c.lastFreeOffset < blockOffset {
		c.lastFreeOffset = blockOffset
	}
}

// advanceFirstFree moves firstFreeOffset forward after the block at
// consumedOffset was taken, scanning one stride at a time for the next block
// whose used counter is still NotSet. When the scan exhausts the window the
// category is pinned to fully occupied. lastFreeOffset is never refined here;
// it only ever advances on free.
func (p *Pool) advanceFirstFree(c *blockCategory, consumedOffset int) {
	if c.occupiedBlocks >= c.totalBlocks {
		c.exhaust()
		return
	}

	for next := consumedOffset + c.stride(); next <= c.lastFreeOffset; next += c.stride() {
		if blockUsedCount(p.data, next) == NotSet {
			c.firstFreeOffset = next
			return
		}
	}

	// Safety net. With occupiedBlocks < totalBlocks a free block must exist
	// inside the window; reaching this point means the table lied.
	c.exhaust()
}

// validateCategories checks the category-table invariants against the arenas. It backs
// memutils.DebugValidate and the public Validate operation.
func (p *Pool) validateCategories() error {
	for class := range p.categories {
		c := &p.categories[class]

		if c.occupiedBlocks > c.totalBlocks {
			return errors.Errorf("class %d has %d occupied blocks out of %d total", class, c.occupiedBlocks, c.totalBlocks)
		}

		if c.totalBlocks == 0 {
			if c.startOffset != nilOffset || c.lastOffset != nilOffset ||
				c.firstFreeOffset != nilOffset || c.lastFreeOffset != nilOffset {
				return errors.Errorf("class %d has no blocks but carries addresses", class)
			}
			continue
		}

		if c.occupiedBlocks < c.totalBlocks {
			if c.firstFreeOffset == nilOffset || c.lastFreeOffset == nilOffset {
				return errors.Errorf("class %d has free blocks but a null free pointer", class)
			}

			for _, offset := range []int{c.firstFreeOffset, c.lastFreeOffset} {
				if !c.contains(offset) {
					return errors.Errorf("class %d free pointer at offset %d is outside the arena", class, offset)
				}
				if (offset-c.startOffset)%c.stride() != 0 {
					return errors.Errorf("class %d free pointer at offset %d is off-stride", class, offset)
				}
				if !sentinelAt(p.data, offset, &blockStartSentinel) {
					return errors.Errorf("class %d free pointer at offset %d does not head a stamped block", class, offset)
				}
				if blockUsedCount(p.data, offset) != NotSet {
					return errors.Errorf("class %d free pointer at offset %d points to an occupied block", class, offset)
				}
			}

			if c.firstFreeOffset > c.lastFreeOffset {
				return errors.Errorf("class %d free window is inverted", class)
			}
		}

		expectedLast := c.startOffset + (c.totalBlocks-1)*c.stride()
		if c.lastOffset != expectedLast {
			return errors.Errorf("class %d last address is %d, expected %d", class, c.lastOffset, expectedLast)
		}
	}

	return nil
}
