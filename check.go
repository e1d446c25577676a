package blockfs

import (
	"fmt"

	"github.com/tchajed/go-blockfs/common"
	"github.com/tchajed/go-blockfs/inode"
)

// Report summarizes a consistency check of the block accounting.
type Report struct {
	TotalBlocks int
	DataStart   int
	Free        int
	Used        int
	// data blocks that are neither free nor owned by any inode
	Leaked []common.Bnum
	// blocks claimed twice, by two inodes or by an inode and the free list
	Conflicts []common.Bnum
	// inodes in use that have no directory entry
	Orphans []common.Inum
}

func (r Report) Clean() bool {
	return len(r.Leaked) == 0 && len(r.Conflicts) == 0 && len(r.Orphans) == 0
}

// Check walks the free list and every inode's block map and reports how the
// data blocks are accounted for. It needs the file system quiescent and
// fails with ErrBusy while sessions are open. The returned error wraps
// ErrCorrupt if any block is claimed twice or the free list is broken.
func (fs *FileSystem) Check() (Report, error) {
	var r Report
	err := fs.ft.Exclusive(func() error {
		return fs.check(&r)
	})
	return r, err
}

func (fs *FileSystem) check(r *Report) error {
	r.TotalBlocks = int(fs.sb.TotalBlocks)
	r.DataStart = int(fs.sb.DataStart())
	owner := make(map[common.Bnum]bool)
	claim := func(bn common.Bnum) {
		if owner[bn] {
			r.Conflicts = append(r.Conflicts, bn)
			return
		}
		owner[bn] = true
	}
	if err := fs.sb.WalkFree(func(bn common.Bnum) {
		r.Free++
		claim(bn)
	}); err != nil {
		return err
	}

	named := make(map[common.Inum]bool)
	for _, ent := range fs.dir.Entries() {
		named[ent.I] = true
	}
	for inum := common.Inum(0); inum < fs.sb.TotalInodes; inum++ {
		ino, ok := inode.Read(fs.c, inum)
		if !ok {
			return fmt.Errorf("%w: inode %d is not on disk", ErrCorrupt, inum)
		}
		if ino.Flag == inode.FlagUnused {
			continue
		}
		if !named[inum] {
			r.Orphans = append(r.Orphans, inum)
		}
		for _, bn := range ino.Direct {
			if bn != common.NULLBNUM {
				r.Used++
				claim(bn)
			}
		}
		if ino.Indirect == common.NULLBNUM {
			continue
		}
		r.Used++
		claim(ino.Indirect)
		raw := make([]byte, common.BlockSize)
		if !fs.c.Read(ino.Indirect, raw) {
			return fmt.Errorf("%w: inode %d has indirect block %d off the disk",
				ErrCorrupt, inum, ino.Indirect)
		}
		for _, bn := range inode.IndirectPointers(raw) {
			r.Used++
			claim(bn)
		}
	}

	for bn := fs.sb.DataStart(); bn < fs.sb.TotalBlocks; bn++ {
		if !owner[bn] {
			r.Leaked = append(r.Leaked, bn)
		}
	}
	if len(r.Conflicts) > 0 {
		return fmt.Errorf("%w: %d blocks claimed twice", ErrCorrupt, len(r.Conflicts))
	}
	return nil
}
