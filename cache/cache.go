package cache

import (
	"sync"

	"github.com/tchajed/go-blockfs/common"
	"github.com/tchajed/go-blockfs/rawdisk"
	"github.com/tchajed/go-blockfs/util"
)

//
// Write-back block cache with second-chance (clock) replacement
//

// EMPTY marks a slot that holds no block.
const EMPTY common.Bnum = -1

type slot struct {
	data  []byte
	bn    common.Bnum
	ref   bool
	dirty bool
}

type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	WriteBacks uint64
}

type Cache struct {
	mu     sync.Mutex
	d      rawdisk.Disk
	slots  []slot
	victim int
	stats  Stats
}

func New(d rawdisk.Disk, nslots int) *Cache {
	if nslots <= 0 {
		panic("cache: need at least one slot")
	}
	c := &Cache{
		d:      d,
		slots:  make([]slot, nslots),
		victim: nslots - 1,
	}
	for i := range c.slots {
		c.slots[i] = slot{data: make([]byte, common.BlockSize), bn: EMPTY}
	}
	return c
}

// Size is the number of blocks on the underlying device.
func (c *Cache) Size() uint64 {
	return c.d.Size()
}

func (c *Cache) validBnum(bn common.Bnum) bool {
	return bn >= 0 && uint64(bn) < c.d.Size()
}

func (c *Cache) valid(bn common.Bnum, b []byte) bool {
	return c.validBnum(bn) && uint64(len(b)) >= common.BlockSize
}

func (c *Cache) find(bn common.Bnum) int {
	for i := range c.slots {
		if c.slots[i].bn == bn {
			return i
		}
	}
	return -1
}

// nextVictim advances the clock hand, clearing reference bits, until it
// lands on an unreferenced slot.
func (c *Cache) nextVictim() int {
	for {
		c.victim = (c.victim + 1) % len(c.slots)
		s := &c.slots[c.victim]
		if !s.ref {
			return c.victim
		}
		s.ref = false
	}
}

func (c *Cache) writeBack(i int) {
	s := &c.slots[i]
	if s.dirty && s.bn != EMPTY {
		c.d.Write(uint64(s.bn), s.data)
		s.dirty = false
		c.stats.WriteBacks++
	}
}

// slotFor returns the slot holding bn, claiming one (and reading bn from
// disk if load is set) when bn is not resident.
func (c *Cache) slotFor(bn common.Bnum, load bool) *slot {
	if i := c.find(bn); i >= 0 {
		c.stats.Hits++
		return &c.slots[i]
	}
	c.stats.Misses++
	i := c.find(EMPTY)
	if i < 0 {
		i = c.nextVictim()
		util.DPrintf(5, "cache: evict %d for %d\n", c.slots[i].bn, bn)
		c.writeBack(i)
		c.stats.Evictions++
	}
	s := &c.slots[i]
	if load {
		c.d.Read(uint64(bn), s.data)
	}
	s.bn = bn
	s.dirty = false
	return s
}

// Read copies block bn into b.
//
// returns false if bn is not a block on the device
func (c *Cache) Read(bn common.Bnum, b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid(bn, b) {
		return false
	}
	s := c.slotFor(bn, true)
	copy(b[:common.BlockSize], s.data)
	s.ref = true
	return true
}

// Write replaces the cached contents of bn with b. The device is only
// written on eviction, Sync or Flush.
func (c *Cache) Write(bn common.Bnum, b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid(bn, b) {
		return false
	}
	s := c.slotFor(bn, false)
	copy(s.data, b[:common.BlockSize])
	s.dirty = true
	s.ref = true
	return true
}

// Update runs f on the cached contents of bn and marks the block dirty; no
// other cache operation can interleave with f.
func (c *Cache) Update(bn common.Bnum, f func(b []byte)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.validBnum(bn) {
		return false
	}
	s := c.slotFor(bn, true)
	f(s.data)
	s.dirty = true
	s.ref = true
	return true
}

func (c *Cache) sync() {
	var bns []uint64
	var blocks [][]byte
	for i := range c.slots {
		s := &c.slots[i]
		if s.dirty && s.bn != EMPTY {
			bns = append(bns, uint64(s.bn))
			blocks = append(blocks, s.data)
		}
	}
	if len(bns) == 0 {
		c.d.Barrier()
		return
	}
	if batcher, ok := c.d.(rawdisk.Batcher); ok {
		batcher.WriteBatch(bns, blocks)
	} else {
		for i, bn := range bns {
			c.d.Write(bn, blocks[i])
		}
	}
	for i := range c.slots {
		if c.slots[i].bn != EMPTY {
			c.slots[i].dirty = false
		}
	}
	c.stats.WriteBacks += uint64(len(bns))
	c.d.Barrier()
	util.DPrintf(3, "cache: synced %d blocks\n", len(bns))
}

// Sync writes every dirty block back, keeping them resident.
func (c *Cache) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sync()
}

// Flush writes every dirty block back and empties the cache.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sync()
	for i := range c.slots {
		c.slots[i].bn = EMPTY
		c.slots[i].ref = false
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
