package common

import (
	"github.com/tchajed/go-blockfs/rawdisk"
)

const (
	BlockSize uint64 = rawdisk.BlockSize

	INODESZ  uint64 = 32 // on-disk size
	INODEBLK uint64 = BlockSize / INODESZ

	NDIRECT   = 11
	NINDIRECT = BlockSize / 2 // 16-bit pointers per indirect block

	// block pointers are 16 bits wide on disk
	MaxBlocks uint64 = 1<<15 - 1

	MaxFileSize = (NDIRECT + NINDIRECT) * BlockSize
)

// block number; NULLBNUM marks an unset pointer
type Bnum = int32

// inode number, also the directory slot holding its name
type Inum = int32

const (
	NULLBNUM Bnum = -1
	NULLINUM Inum = -1
	ROOTINUM Inum = 0
)
