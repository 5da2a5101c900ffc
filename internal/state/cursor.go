package state

import "fmt"

// Cursor is the position of the last processed log.
type Cursor struct {
	Block uint64
	Index uint
}

// CursorBeforeBlock returns the cursor that makes block the first block to
// be processed.
func CursorBeforeBlock(block uint64) Cursor {
	if block == 0 {
		return Cursor{Block: 0, Index: WholeBlock}
	}
	return Cursor{Block: block - 1, Index: WholeBlock}
}

// Covers reports whether the log at (block, index) is at or before c.
func (c Cursor) Covers(block uint64, index uint) bool {
	if block != c.Block {
		return block < c.Block
	}
	return index <= c.Index
}

// After reports whether c is strictly later than other.
func (c Cursor) After(other Cursor) bool {
	return !other.Covers(c.Block, c.Index)
}

// NextBlock is the first block that may still hold unprocessed logs.
func (c Cursor) NextBlock() uint64 {
	if c.Index == WholeBlock {
		return c.Block + 1
	}
	return c.Block
}

// Rewind moves c back by blocks, never below floor.
func (c Cursor) Rewind(blocks, floor uint64) Cursor {
	b := c.Block
	if b > blocks {
		b -= blocks
	} else {
		b = 0
	}
	if b < floor {
		b = floor
	}
	if b >= c.Block {
		return c
	}
	return CursorBeforeBlock(b)
}

func (c Cursor) String() string {
	if c.Index == WholeBlock {
		return fmt.Sprintf("%d/*", c.Block)
	}
	return fmt.Sprintf("%d/%d", c.Block, c.Index)
}
