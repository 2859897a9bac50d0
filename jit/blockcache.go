package jit

import (
	"golang.org/x/exp/slices"

	"github.com/sticks-stuff/dolphin/log"
)

// BlockEntry executes one compiled unit against the guest state and returns
// the cycles it charged (linked chains charge for everything they ran).
// Entries update NPC; the run loop promotes NPC to PC between units.
type BlockEntry func() int32

// Block is one compiled unit of guest code.
type Block struct {
	// Address is the guest address of the first instruction.
	Address uint32
	// EndAddress is the guest address one past the last instruction in the
	// straight-line window (branch-followed tails included).
	EndAddress uint32
	// NumInstructions counts decoded instructions in the unit.
	NumInstructions int
	// Cycles is the static cost estimate for one execution.
	Cycles int32
	// LinkAllowed records whether block linking was on when this unit was
	// compiled; linked dispatch consults it before bypassing the cache.
	LinkAllowed bool

	Entry BlockEntry

	valid bool
}

// BlockCache maps guest addresses to compiled units. It is owned by the CPU
// thread; foreign threads must marshal. Invalidation is range-based because a
// unit's validity depends on the guest memory it was decoded from.
type BlockCache struct {
	blocks map[uint32]*Block
}

func NewBlockCache() *BlockCache {
	return &BlockCache{blocks: make(map[uint32]*Block)}
}

// Dispatch resolves a guest address to a valid compiled unit, or nil on miss.
func (c *BlockCache) Dispatch(addr uint32) *Block {
	b := c.blocks[addr]
	if b == nil || !b.valid {
		return nil
	}
	return b
}

// Insert registers a freshly compiled unit, replacing any stale one.
func (c *BlockCache) Insert(b *Block) {
	b.valid = true
	c.blocks[b.Address] = b
}

// InvalidateICache drops every unit overlapping [start, end). forced flushes
// everything regardless of range — after a stack fault every linked call in
// the cache is suspect, not just a range.
func (c *BlockCache) InvalidateICache(start, end uint32, forced bool) {
	if forced {
		for _, b := range c.blocks {
			b.valid = false
		}
		c.blocks = make(map[uint32]*Block)
		log.Debug(log.CacheMonitoring, "block cache flushed")
		return
	}
	for addr, b := range c.blocks {
		if b.Address < end && b.EndAddress > start {
			b.valid = false
			delete(c.blocks, addr)
		}
	}
}

// Clear is a full flush.
func (c *BlockCache) Clear() {
	c.InvalidateICache(0, 0xffffffff, true)
}

func (c *BlockCache) Len() int { return len(c.blocks) }

// Blocks returns the cached units in ascending address order.
func (c *BlockCache) Blocks() []*Block {
	out := make([]*Block, 0, len(c.blocks))
	for _, b := range c.blocks {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *Block) int {
		switch {
		case a.Address < b.Address:
			return -1
		case a.Address > b.Address:
			return 1
		}
		return 0
	})
	return out
}
