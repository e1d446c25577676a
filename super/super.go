package super

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tchajed/go-blockfs/cache"
	"github.com/tchajed/go-blockfs/common"
	"github.com/tchajed/go-blockfs/inode"
	"github.com/tchajed/go-blockfs/marshal"
	"github.com/tchajed/go-blockfs/util"
)

// file-system layout:
// [ header | inodes (16 per block) | data, indirect and free blocks ]
//
// Free blocks form a singly linked list: the first 4 bytes of each free
// block hold the next free block number, NULLBNUM at the end. The header
// holds the head.

var (
	ErrTooManyInodes = errors.New("super: inode region does not fit on the disk")
	ErrCorrupt       = errors.New("super: free list is corrupt")
)

const headerBlock common.Bnum = 0

type SuperBlock struct {
	mu sync.Mutex
	c  *cache.Cache

	// serialized
	TotalBlocks int32
	TotalInodes int32
	FreeList    common.Bnum
}

// diskBlocks is how many blocks of the device the file system can address.
func diskBlocks(c *cache.Cache) uint64 {
	return util.Min(c.Size(), common.MaxBlocks)
}

func encodeHeader(sb *SuperBlock) []byte {
	enc := marshal.NewEnc(common.BlockSize)
	enc.PutInt32(sb.TotalBlocks)
	enc.PutInt32(sb.TotalInodes)
	enc.PutInt32(sb.FreeList)
	return enc.Finish()
}

func decodeHeader(sb *SuperBlock, b []byte) {
	dec := marshal.NewDec(b)
	sb.TotalBlocks = dec.GetInt32()
	sb.TotalInodes = dec.GetInt32()
	sb.FreeList = dec.GetInt32()
}

// Open reads the header from block 0. The result may describe a disk that
// was never formatted; check Valid.
func Open(c *cache.Cache) *SuperBlock {
	sb := &SuperBlock{c: c}
	b := make([]byte, common.BlockSize)
	if !c.Read(headerBlock, b) {
		panic("super: device has no header block")
	}
	decodeHeader(sb, b)
	return sb
}

func inodeBlocks(ninodes uint64) uint64 {
	return util.DivUp(ninodes, common.INODEBLK)
}

func (sb *SuperBlock) InodeBlocks() uint64 {
	return inodeBlocks(uint64(sb.TotalInodes))
}

// DataStart is the first block past the inode region.
func (sb *SuperBlock) DataStart() common.Bnum {
	return common.Bnum(1 + sb.InodeBlocks())
}

func (sb *SuperBlock) isData(bn common.Bnum) bool {
	return bn >= sb.DataStart() && bn < sb.TotalBlocks
}

// Valid reports whether the header describes a file system on this device.
func (sb *SuperBlock) Valid() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if uint64(sb.TotalBlocks) != diskBlocks(sb.c) || sb.TotalInodes <= 0 {
		return false
	}
	if sb.DataStart() >= sb.TotalBlocks {
		return false
	}
	return sb.FreeList == common.NULLBNUM || sb.isData(sb.FreeList)
}

func (sb *SuperBlock) writeHeader() {
	sb.c.Write(headerBlock, encodeHeader(sb))
}

func linkBlock(next common.Bnum) []byte {
	enc := marshal.NewEnc(common.BlockSize)
	enc.PutInt32(next)
	return enc.Finish()
}

// Format lays out ninodes free inodes and threads every remaining block
// onto the free list.
func (sb *SuperBlock) Format(ninodes int) error {
	total := diskBlocks(sb.c)
	if ninodes <= 0 || 1+inodeBlocks(uint64(ninodes)) >= total {
		return fmt.Errorf("%w: %d inodes on %d blocks", ErrTooManyInodes, ninodes, total)
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.TotalBlocks = int32(total)
	sb.TotalInodes = int32(ninodes)

	free := inode.Free()
	blk := make([]byte, common.BlockSize)
	for i := uint64(0); i < common.INODEBLK; i++ {
		inode.Encode(free, blk[i*common.INODESZ:])
	}
	for b := uint64(0); b < sb.InodeBlocks(); b++ {
		sb.c.Write(common.Bnum(1+b), blk)
	}

	start := sb.DataStart()
	for bn := start; bn < sb.TotalBlocks; bn++ {
		next := bn + 1
		if next == sb.TotalBlocks {
			next = common.NULLBNUM
		}
		sb.c.Write(bn, linkBlock(next))
	}
	sb.FreeList = start
	sb.writeHeader()
	util.Fields(map[string]interface{}{
		"blocks": sb.TotalBlocks,
		"inodes": sb.TotalInodes,
		"data":   start,
	}).Debug("formatted")
	return nil
}

// NextBlock takes a zeroed block off the free list.
//
// boolean status is false if the disk is full
func (sb *SuperBlock) NextBlock() (common.Bnum, bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	bn := sb.FreeList
	if bn == common.NULLBNUM || !sb.isData(bn) {
		return common.NULLBNUM, false
	}
	b := make([]byte, common.BlockSize)
	sb.c.Read(bn, b)
	sb.FreeList = marshal.NewDec(b).GetInt32()
	sb.c.Write(bn, make([]byte, common.BlockSize))
	sb.writeHeader()
	util.DPrintf(5, "alloc block %d\n", bn)
	return bn, true
}

// ReturnBlock pushes bn onto the free list.
//
// returns false if bn is not a data block. Freeing a block twice is not
// detected; FreeBlocks will report the resulting cycle.
func (sb *SuperBlock) ReturnBlock(bn common.Bnum) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.isData(bn) {
		return false
	}
	sb.c.Write(bn, linkBlock(sb.FreeList))
	sb.FreeList = bn
	sb.writeHeader()
	util.DPrintf(5, "free block %d\n", bn)
	return true
}

// Sync writes the header fields to block 0.
func (sb *SuperBlock) Sync() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.writeHeader()
}

// WalkFree calls f on every block of the free list, in order.
func (sb *SuperBlock) WalkFree(f func(bn common.Bnum)) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	seen := make(map[common.Bnum]bool)
	b := make([]byte, common.BlockSize)
	for bn := sb.FreeList; bn != common.NULLBNUM; {
		if !sb.isData(bn) {
			return fmt.Errorf("%w: link to block %d", ErrCorrupt, bn)
		}
		if seen[bn] {
			return fmt.Errorf("%w: block %d appears twice", ErrCorrupt, bn)
		}
		seen[bn] = true
		f(bn)
		sb.c.Read(bn, b)
		bn = marshal.NewDec(b).GetInt32()
	}
	return nil
}

// FreeBlocks counts the free list.
func (sb *SuperBlock) FreeBlocks() (int, error) {
	n := 0
	err := sb.WalkFree(func(common.Bnum) { n++ })
	return n, err
}
