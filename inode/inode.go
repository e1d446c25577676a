package inode

import (
	"fmt"

	"github.com/tchajed/go-blockfs/common"
	"github.com/tchajed/go-blockfs/marshal"
)

type Flag int16

const (
	FlagUnused Flag = 0
	FlagUsed   Flag = 1
	FlagRead   Flag = 2 // open by one or more readers
	FlagWrite  Flag = 3 // open by exactly one writer
)

func (f Flag) String() string {
	switch f {
	case FlagUnused:
		return "unused"
	case FlagUsed:
		return "used"
	case FlagRead:
		return "read-locked"
	case FlagWrite:
		return "write-locked"
	}
	return fmt.Sprintf("Flag(%d)", int16(f))
}

// BlockIO is the block access an inode needs; *cache.Cache provides it.
type BlockIO interface {
	Read(bn common.Bnum, b []byte) bool
	Write(bn common.Bnum, b []byte) bool
	Update(bn common.Bnum, f func(b []byte)) bool
}

// Inode is the 32-byte per-file record:
//
//	length i32 | count i16 | flag i16 | direct[11] i16 | indirect i16
//
// Direct pointers are filled in order; the indirect block is only claimed
// once every direct slot is in use.
type Inode struct {
	Length   int32
	Count    int16 // open sessions
	Flag     Flag
	Direct   [common.NDIRECT]common.Bnum
	Indirect common.Bnum
}

func New() *Inode {
	ino := &Inode{Flag: FlagUsed, Indirect: common.NULLBNUM}
	for i := range ino.Direct {
		ino.Direct[i] = common.NULLBNUM
	}
	return ino
}

// Free is the record format writes into every inode slot.
func Free() *Inode {
	ino := New()
	ino.Flag = FlagUnused
	return ino
}

// Addr locates inode inum: the block hosting it and the byte offset within.
func Addr(inum common.Inum) (common.Bnum, uint64) {
	blk := 1 + common.Bnum(uint64(inum)/common.INODEBLK)
	off := (uint64(inum) % common.INODEBLK) * common.INODESZ
	return blk, off
}

// Encode writes ino into the first 32 bytes of b.
func Encode(ino *Inode, b []byte) {
	enc := marshal.NewEncTo(b[:common.INODESZ])
	enc.PutInt32(ino.Length)
	enc.PutInt16(ino.Count)
	enc.PutInt16(int16(ino.Flag))
	for _, bn := range ino.Direct {
		enc.PutInt16(int16(bn))
	}
	enc.PutInt16(int16(ino.Indirect))
}

func Decode(b []byte) *Inode {
	ino := &Inode{}
	dec := marshal.NewDec(b[:common.INODESZ])
	ino.Length = dec.GetInt32()
	ino.Count = dec.GetInt16()
	ino.Flag = Flag(dec.GetInt16())
	for i, bn := range dec.GetInts16(common.NDIRECT) {
		ino.Direct[i] = common.Bnum(bn)
	}
	ino.Indirect = common.Bnum(dec.GetInt16())
	return ino
}

// Read loads inode inum.
//
// returns false if the hosting block is not on the device
func Read(bio BlockIO, inum common.Inum) (*Inode, bool) {
	if inum < 0 {
		return nil, false
	}
	blk, off := Addr(inum)
	b := make([]byte, common.BlockSize)
	if !bio.Read(blk, b) {
		return nil, false
	}
	return Decode(b[off:]), true
}

// ToDisk stores ino as inode inum, rewriting only its own 32 bytes of the
// hosting block.
func (ino *Inode) ToDisk(bio BlockIO, inum common.Inum) bool {
	if inum < 0 {
		return false
	}
	blk, off := Addr(inum)
	return bio.Update(blk, func(b []byte) {
		Encode(ino, b[off:])
	})
}

// Blocks is the number of data blocks the file occupies.
func (ino *Inode) Blocks() int {
	return int((uint64(ino.Length) + common.BlockSize - 1) / common.BlockSize)
}
