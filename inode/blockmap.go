package inode

import (
	"fmt"

	"github.com/tchajed/go-blockfs/common"
	"github.com/tchajed/go-blockfs/marshal"
)

type AllocStatus int

const (
	AllocOK AllocStatus = iota
	// the slot for this offset already holds a block
	AlreadyAllocated
	// the slot before this offset is still empty; files have no holes
	NonContiguous
	// the offset is past the direct slots and there is no indirect block yet
	NeedIndirectBlock
	// the offset is past the last indirect slot
	FileTooLarge
	// the indirect pointer does not name a readable block
	BadIndirect
)

func (s AllocStatus) String() string {
	switch s {
	case AllocOK:
		return "ok"
	case AlreadyAllocated:
		return "already allocated"
	case NonContiguous:
		return "non-contiguous"
	case NeedIndirectBlock:
		return "need indirect block"
	case FileTooLarge:
		return "file too large"
	case BadIndirect:
		return "bad indirect block"
	}
	return fmt.Sprintf("AllocStatus(%d)", int(s))
}

func readPointers(bio BlockIO, bn common.Bnum) ([]common.Bnum, bool) {
	b := make([]byte, common.BlockSize)
	if !bio.Read(bn, b) {
		return nil, false
	}
	dec := marshal.NewDec(b)
	ptrs := make([]common.Bnum, common.NINDIRECT)
	for i := range ptrs {
		ptrs[i] = common.Bnum(dec.GetInt16())
	}
	return ptrs, true
}

func setPointer(b []byte, i uint64, bn common.Bnum) {
	enc := marshal.NewEncTo(b[2*i : 2*i+2])
	enc.PutInt16(int16(bn))
}

// FetchBlock maps a byte offset in the file to the block holding it, or
// NULLBNUM if no block is mapped there.
func (ino *Inode) FetchBlock(bio BlockIO, off int) common.Bnum {
	if off < 0 {
		return common.NULLBNUM
	}
	idx := uint64(off) / common.BlockSize
	if idx < common.NDIRECT {
		return ino.Direct[idx]
	}
	if ino.Indirect == common.NULLBNUM {
		return common.NULLBNUM
	}
	idx -= common.NDIRECT
	if idx >= common.NINDIRECT {
		return common.NULLBNUM
	}
	ptrs, ok := readPointers(bio, ino.Indirect)
	if !ok {
		return common.NULLBNUM
	}
	return ptrs[idx]
}

// AllocateNextBlock records bn as the block holding byte offset off.
func (ino *Inode) AllocateNextBlock(bio BlockIO, bn common.Bnum, off int) AllocStatus {
	if off < 0 {
		return NonContiguous
	}
	target := uint64(off) / common.BlockSize
	if target < common.NDIRECT {
		if ino.Direct[target] != common.NULLBNUM {
			return AlreadyAllocated
		}
		if target > 0 && ino.Direct[target-1] == common.NULLBNUM {
			return NonContiguous
		}
		ino.Direct[target] = bn
		return AllocOK
	}
	idx := target - common.NDIRECT
	if idx >= common.NINDIRECT {
		return FileTooLarge
	}
	if ino.Direct[common.NDIRECT-1] == common.NULLBNUM {
		return NonContiguous
	}
	if ino.Indirect == common.NULLBNUM {
		return NeedIndirectBlock
	}
	status := BadIndirect
	bio.Update(ino.Indirect, func(b []byte) {
		dec := marshal.NewDecAt(b, 2*idx)
		if dec.GetInt16() != int16(common.NULLBNUM) {
			status = AlreadyAllocated
			return
		}
		if idx > 0 {
			prev := marshal.NewDecAt(b, 2*(idx-1))
			if prev.GetInt16() == int16(common.NULLBNUM) {
				status = NonContiguous
				return
			}
		}
		setPointer(b, idx, bn)
		status = AllocOK
	})
	return status
}

// SetIndexBlock claims bn as the indirect block and fills it with NULLBNUM.
//
// returns false unless every direct slot is in use and there is no indirect
// block yet
func (ino *Inode) SetIndexBlock(bio BlockIO, bn common.Bnum) bool {
	for _, d := range ino.Direct {
		if d == common.NULLBNUM {
			return false
		}
	}
	if ino.Indirect != common.NULLBNUM {
		return false
	}
	b := make([]byte, common.BlockSize)
	for i := uint64(0); i < common.NINDIRECT; i++ {
		setPointer(b, i, common.NULLBNUM)
	}
	if !bio.Write(bn, b) {
		return false
	}
	ino.Indirect = bn
	return true
}

// ReleaseIndirectBlock detaches the indirect block, returning its raw
// contents and its block number so the caller can free both. Returns nil
// and NULLBNUM if there is no indirect block.
func (ino *Inode) ReleaseIndirectBlock(bio BlockIO) ([]byte, common.Bnum) {
	if ino.Indirect == common.NULLBNUM {
		return nil, common.NULLBNUM
	}
	bn := ino.Indirect
	b := make([]byte, common.BlockSize)
	if !bio.Read(bn, b) {
		b = nil
	}
	ino.Indirect = common.NULLBNUM
	return b, bn
}

// IndirectPointers lists the blocks named by a raw indirect block, stopping
// at the first NULLBNUM.
func IndirectPointers(raw []byte) []common.Bnum {
	var ptrs []common.Bnum
	dec := marshal.NewDec(raw)
	for i := uint64(0); i < common.NINDIRECT; i++ {
		bn := common.Bnum(dec.GetInt16())
		if bn == common.NULLBNUM {
			break
		}
		ptrs = append(ptrs, bn)
	}
	return ptrs
}
