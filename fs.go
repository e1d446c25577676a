package blockfs

import (
	"fmt"
	"io"

	"github.com/tchajed/go-blockfs/cache"
	"github.com/tchajed/go-blockfs/common"
	"github.com/tchajed/go-blockfs/inode"
	"github.com/tchajed/go-blockfs/rawdisk"
	"github.com/tchajed/go-blockfs/super"
	"github.com/tchajed/go-blockfs/util"
)

// file-system layout (see package super):
// [ header | inodes | data, indirect and free blocks ]
//
// Inode 0 is the root; its contents are the serialized Directory, written
// back by Sync.

type (
	Bnum = common.Bnum
	Inum = common.Inum
)

const (
	DefaultCacheSlots = 10
	DefaultInodes     = 64

	// MaxFileSize is the largest file the block map can describe.
	MaxFileSize = int(common.MaxFileSize)
)

type Options struct {
	// cache size in blocks
	CacheSlots int
	// inodes to format with when the disk holds no file system
	Inodes int
}

func (o Options) withDefaults() Options {
	if o.CacheSlots <= 0 {
		o.CacheSlots = DefaultCacheSlots
	}
	if o.Inodes <= 0 {
		o.Inodes = DefaultInodes
	}
	return o
}

type FileSystem struct {
	c   *cache.Cache
	sb  *super.SuperBlock
	dir *Directory
	ft  *FileTable
}

// New mounts the file system on d, formatting it first if block 0 does not
// hold a valid header.
func New(d rawdisk.Disk, opts Options) (*FileSystem, error) {
	opts = opts.withDefaults()
	c := cache.New(d, opts.CacheSlots)
	fs := &FileSystem{c: c, sb: super.Open(c)}
	if !fs.sb.Valid() {
		util.Fields(map[string]interface{}{
			"blocks": c.Size(),
			"inodes": opts.Inodes,
		}).Info("no file system found, formatting")
		fs.dir = NewDirectory(opts.Inodes)
		fs.ft = NewFileTable(fs.dir, c, fs.reclaim)
		if err := fs.format(opts.Inodes); err != nil {
			return nil, err
		}
		return fs, nil
	}
	fs.dir = NewDirectory(int(fs.sb.TotalInodes))
	fs.ft = NewFileTable(fs.dir, c, fs.reclaim)
	if err := fs.loadDirectory(); err != nil {
		return nil, err
	}
	fs.reclaimOrphans()
	util.Fields(map[string]interface{}{
		"blocks": fs.sb.TotalBlocks,
		"inodes": fs.sb.TotalInodes,
		"files":  len(fs.dir.Entries()) - 1,
	}).Debug("mounted")
	return fs, nil
}

func (fs *FileSystem) loadDirectory() error {
	s, err := fs.ft.Falloc(RootName, ModeRead)
	if err != nil {
		return err
	}
	defer fs.Close(s)
	n, _ := fs.Fsize(s)
	if n == 0 {
		return nil
	}
	data := make([]byte, n)
	if m, err := fs.Read(s, data); err != nil || m != n {
		return fmt.Errorf("%w: root directory short read (%d of %d bytes)", ErrCorrupt, m, n)
	}
	return fs.dir.UnmarshalBinary(data)
}

func (fs *FileSystem) format(ninodes int) error {
	if uint64(ninodes*direntSize) > common.MaxFileSize {
		return fmt.Errorf("%w: directory for %d inodes does not fit in one file",
			ErrTooManyInodes, ninodes)
	}
	if err := fs.sb.Format(ninodes); err != nil {
		return err
	}
	inode.New().ToDisk(fs.c, common.ROOTINUM)
	fs.dir.Reset(ninodes)
	fs.c.Sync()
	return nil
}

// Format erases the disk and lays out an empty file system with ninodes
// inodes. It fails with ErrBusy while any session is open.
func (fs *FileSystem) Format(ninodes int) error {
	return fs.ft.Exclusive(func() error {
		return fs.format(ninodes)
	})
}

// Open starts a session on name. Opening for write truncates the file;
// opening for append positions the session at the end.
func (fs *FileSystem) Open(name string, mode Mode) (*Session, error) {
	if name == RootName && mode != ModeRead {
		return nil, fmt.Errorf("%w: the root directory is read-only", ErrBadMode)
	}
	return fs.open(name, mode)
}

func (fs *FileSystem) open(name string, mode Mode) (*Session, error) {
	if mode < ModeRead || mode > ModeAppend {
		return nil, fmt.Errorf("%w: %v", ErrBadMode, mode)
	}
	s, err := fs.ft.Falloc(name, mode)
	if err != nil {
		return nil, err
	}
	if mode == ModeWrite && s.of.ino.Length > 0 {
		ino := fs.ft.snapshot(s)
		fs.releaseBlocks(&ino)
		fs.ft.update(s, func(shared *inode.Inode) {
			setMap(shared, &ino)
		})
	}
	return s, nil
}

// Read copies file contents from the seek pointer into buf, stopping at the
// end of the file.
func (fs *FileSystem) Read(s *Session, buf []byte) (int, error) {
	if s == nil {
		return 0, ErrNotOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0, ErrNotOpen
	}
	if s.mode != ModeRead {
		return 0, fmt.Errorf("%w: read on a %v session", ErrBadMode, s.mode)
	}
	ino := s.of.ino
	blk := make([]byte, common.BlockSize)
	n := 0
	for n < len(buf) && s.seek < int(ino.Length) {
		bn := ino.FetchBlock(fs.c, s.seek)
		if bn == common.NULLBNUM || !fs.c.Read(bn, blk) {
			break
		}
		off := s.seek % int(common.BlockSize)
		end := min(int(common.BlockSize), off+int(ino.Length)-s.seek)
		m := copy(buf[n:], blk[off:end])
		n += m
		s.seek += m
	}
	return n, nil
}

// allocBlock maps a fresh block at byte offset off of ino, claiming an
// indirect block first when the direct slots are exhausted.
func (fs *FileSystem) allocBlock(ino *inode.Inode, off int) (common.Bnum, error) {
	if off >= int(common.MaxFileSize) {
		return common.NULLBNUM, ErrFileTooLarge
	}
	bn, ok := fs.sb.NextBlock()
	if !ok {
		return common.NULLBNUM, ErrDiskFull
	}
	status := ino.AllocateNextBlock(fs.c, bn, off)
	if status == inode.NeedIndirectBlock {
		ind, ok := fs.sb.NextBlock()
		if !ok {
			fs.sb.ReturnBlock(bn)
			return common.NULLBNUM, ErrDiskFull
		}
		if !ino.SetIndexBlock(fs.c, ind) {
			fs.sb.ReturnBlock(ind)
			fs.sb.ReturnBlock(bn)
			return common.NULLBNUM, fmt.Errorf("%w: cannot attach indirect block %d", ErrCorrupt, ind)
		}
		status = ino.AllocateNextBlock(fs.c, bn, off)
	}
	switch status {
	case inode.AllocOK:
		return bn, nil
	case inode.FileTooLarge:
		fs.sb.ReturnBlock(bn)
		return common.NULLBNUM, ErrFileTooLarge
	}
	fs.sb.ReturnBlock(bn)
	return common.NULLBNUM, fmt.Errorf("%w: mapping offset %d: %v", ErrCorrupt, off, status)
}

// Write copies buf into the file at the seek pointer, allocating blocks as
// the file grows. On failure the bytes already written are kept and
// counted.
func (fs *FileSystem) Write(s *Session, buf []byte) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("%w: no session", ErrBadMode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0, ErrNotOpen
	}
	if s.mode == ModeRead {
		return 0, fmt.Errorf("%w: write on a read session", ErrBadMode)
	}
	ino := fs.ft.snapshot(s)
	n := 0
	var err error
	for n < len(buf) {
		bn := ino.FetchBlock(fs.c, s.seek)
		if bn == common.NULLBNUM {
			bn, err = fs.allocBlock(&ino, s.seek)
			if err != nil {
				break
			}
		}
		off := s.seek % int(common.BlockSize)
		m := min(int(common.BlockSize)-off, len(buf)-n)
		src := buf[n : n+m]
		fs.c.Update(bn, func(b []byte) {
			copy(b[off:], src)
		})
		n += m
		s.seek += m
		if s.seek > int(ino.Length) {
			ino.Length = int32(s.seek)
		}
	}
	fs.ft.update(s, func(shared *inode.Inode) {
		setMap(shared, &ino)
	})
	if err != nil {
		util.DPrintf(1, "write inode %d: %v after %d bytes\n", s.inum, err, n)
	}
	return n, err
}

// Seek moves the seek pointer, clamped to the file, and returns the new
// position.
func (fs *FileSystem) Seek(s *Session, offset int, whence int) (int, error) {
	if s == nil {
		return 0, ErrNotOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0, ErrNotOpen
	}
	length := int(s.of.ino.Length)
	var pos int
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.seek + offset
	case io.SeekEnd:
		pos = length + offset
	default:
		return 0, fmt.Errorf("%w: %d", ErrBadWhence, whence)
	}
	if pos < 0 {
		pos = 0
	}
	if pos > length {
		pos = length
	}
	s.seek = pos
	return pos, nil
}

// Close drops one holder of s. The last close releases the file.
func (fs *FileSystem) Close(s *Session) (bool, error) {
	if s == nil {
		return false, ErrNotOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return false, ErrNotOpen
	}
	s.count--
	if s.count > 0 {
		return true, nil
	}
	return fs.ft.Ffree(s), nil
}

// Fsize is the length of the file s has open.
func (fs *FileSystem) Fsize(s *Session) (int, error) {
	if s == nil {
		return 0, ErrNotOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0, ErrNotOpen
	}
	return int(s.of.ino.Length), nil
}

// Delete removes name. Sessions that already have the file open keep
// working; its blocks are freed after they all close.
func (fs *FileSystem) Delete(name string) error {
	return fs.ft.Unlink(name)
}

// releaseBlocks returns every block of ino to the free list and empties it.
func (fs *FileSystem) releaseBlocks(ino *inode.Inode) int {
	freed := 0
	raw, ind := ino.ReleaseIndirectBlock(fs.c)
	if raw != nil {
		for _, bn := range inode.IndirectPointers(raw) {
			if fs.sb.ReturnBlock(bn) {
				freed++
			}
		}
	}
	if ind != common.NULLBNUM && fs.sb.ReturnBlock(ind) {
		freed++
	}
	for i, bn := range ino.Direct {
		if bn != common.NULLBNUM && fs.sb.ReturnBlock(bn) {
			freed++
		}
		ino.Direct[i] = common.NULLBNUM
	}
	ino.Length = 0
	return freed
}

func (fs *FileSystem) reclaim(inum common.Inum, ino *inode.Inode) {
	freed := fs.releaseBlocks(ino)
	ino.Flag = inode.FlagUnused
	ino.Count = 0
	ino.ToDisk(fs.c, inum)
	util.Fields(map[string]interface{}{
		"inum":   inum,
		"blocks": freed,
	}).Debug("reclaimed")
}

// reclaimOrphans frees inodes that are in use on disk but have no name. A
// file deleted while open is left that way if the file system stops before
// its last close.
func (fs *FileSystem) reclaimOrphans() {
	named := make(map[common.Inum]bool)
	for _, ent := range fs.dir.Entries() {
		named[ent.I] = true
	}
	for inum := common.ROOTINUM + 1; inum < fs.sb.TotalInodes; inum++ {
		if named[inum] {
			continue
		}
		ino, ok := inode.Read(fs.c, inum)
		if !ok || ino.Flag == inode.FlagUnused {
			continue
		}
		util.DPrintf(1, "inode %d has no name, reclaiming\n", inum)
		fs.reclaim(inum, ino)
	}
}

// Sync writes the directory into the root file and flushes all metadata
// and cached blocks to the device.
func (fs *FileSystem) Sync() error {
	data, err := fs.dir.MarshalBinary()
	if err != nil {
		return err
	}
	s, err := fs.open(RootName, ModeWrite)
	if err != nil {
		return err
	}
	n, err := fs.Write(s, data)
	fs.Close(s)
	if err != nil {
		return fmt.Errorf("writing directory (%d of %d bytes): %w", n, len(data), err)
	}
	fs.sb.Sync()
	fs.c.Sync()
	return nil
}

// List returns the directory entries, root included.
func (fs *FileSystem) List() []DirEnt {
	return fs.dir.Entries()
}

type FileInfo struct {
	Name   string
	I      common.Inum
	Length int
	Blocks int
	Open   int
	Flag   inode.Flag
}

func (fs *FileSystem) Stat(name string) (FileInfo, error) {
	inum, ok := fs.dir.Namei(name)
	if !ok {
		return FileInfo{}, fmt.Errorf("%w: %q", ErrNotExist, name)
	}
	ino, ok := fs.ft.inodeOf(inum)
	if !ok {
		return FileInfo{}, fmt.Errorf("%w: inode %d is not on disk", ErrCorrupt, inum)
	}
	return FileInfo{
		Name:   name,
		I:      inum,
		Length: int(ino.Length),
		Blocks: ino.Blocks(),
		Open:   int(ino.Count),
		Flag:   ino.Flag,
	}, nil
}

// CacheStats reports the block cache counters.
func (fs *FileSystem) CacheStats() cache.Stats {
	return fs.c.Stats()
}
