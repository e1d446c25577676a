package blockfs

import (
	"fmt"
	"sync"

	"github.com/tchajed/go-blockfs/common"
	"github.com/tchajed/go-blockfs/inode"
	"github.com/tchajed/go-blockfs/util"
)

// FileTable tracks open sessions and admits them: any number of readers or
// a single writer per file. Callers that cannot be admitted wait on cond
// and re-check after every wake.
type FileTable struct {
	mu   sync.Mutex
	cond *sync.Cond

	dir *Directory
	bio inode.BlockIO

	open     map[common.Inum]*openFile
	sessions map[*Session]bool

	// frees the storage of an unlinked file once nothing has it open
	reclaim func(inum common.Inum, ino *inode.Inode)
}

func NewFileTable(dir *Directory, bio inode.BlockIO,
	reclaim func(common.Inum, *inode.Inode)) *FileTable {
	ft := &FileTable{
		dir:      dir,
		bio:      bio,
		open:     make(map[common.Inum]*openFile),
		sessions: make(map[*Session]bool),
		reclaim:  reclaim,
	}
	ft.cond = sync.NewCond(&ft.mu)
	return ft
}

func admissible(f inode.Flag, mode Mode) bool {
	switch f {
	case inode.FlagUnused, inode.FlagUsed:
		return true
	case inode.FlagRead:
		return mode == ModeRead
	}
	return false
}

// load returns the in-memory inode for inum, reading it from disk if no
// session has it open.
func (ft *FileTable) load(inum common.Inum) (*openFile, error) {
	if of, ok := ft.open[inum]; ok {
		return of, nil
	}
	ino, ok := inode.Read(ft.bio, inum)
	if !ok {
		return nil, fmt.Errorf("%w: inode %d is not on disk", ErrCorrupt, inum)
	}
	// nothing is open, so lock state left on disk is stale
	if ino.Flag != inode.FlagUnused {
		ino.Flag = inode.FlagUsed
	}
	ino.Count = 0
	of := &openFile{ino: ino}
	ft.open[inum] = of
	return of, nil
}

// Falloc opens name, creating it unless mode is ModeRead. It blocks while
// the file is held in a conflicting mode.
func (ft *FileTable) Falloc(name string, mode Mode) (*Session, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for {
		inum, ok := ft.dir.Namei(name)
		if !ok {
			if mode == ModeRead {
				return nil, fmt.Errorf("%w: %q", ErrNotExist, name)
			}
			inum, err := ft.dir.Ialloc(name)
			if err != nil {
				return nil, err
			}
			ino := inode.New()
			ino.Flag = inode.FlagWrite
			of := &openFile{ino: ino}
			ft.open[inum] = of
			util.DPrintf(2, "create %q as inode %d\n", name, inum)
			return ft.admit(of, inum, mode), nil
		}
		of, err := ft.load(inum)
		if err != nil {
			return nil, err
		}
		if admissible(of.ino.Flag, mode) {
			if mode == ModeRead {
				of.ino.Flag = inode.FlagRead
			} else {
				of.ino.Flag = inode.FlagWrite
			}
			return ft.admit(of, inum, mode), nil
		}
		util.DPrintf(3, "open %q (%v) waits on %v\n", name, mode, of.ino.Flag)
		ft.cond.Wait()
	}
}

func (ft *FileTable) admit(of *openFile, inum common.Inum, mode Mode) *Session {
	of.ino.Count++
	of.ino.ToDisk(ft.bio, inum)
	s := newSession(of, inum, mode)
	ft.sessions[s] = true
	return s
}

// Ffree deregisters s, releasing its lock on the file.
//
// returns false if s was not registered
func (ft *FileTable) Ffree(s *Session) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if !ft.sessions[s] {
		return false
	}
	delete(ft.sessions, s)
	of := s.of
	switch of.ino.Flag {
	case inode.FlagRead:
		if of.ino.Count == 1 {
			of.ino.Flag = inode.FlagUsed
		}
	case inode.FlagWrite:
		of.ino.Flag = inode.FlagUsed
	}
	of.ino.Count--
	ft.cond.Broadcast()
	if of.ino.Count > 0 {
		of.ino.ToDisk(ft.bio, s.inum)
		return true
	}
	delete(ft.open, s.inum)
	if of.unlinked {
		ft.reclaim(s.inum, of.ino)
		ft.dir.Release(s.inum)
		return true
	}
	of.ino.ToDisk(ft.bio, s.inum)
	return true
}

// snapshot copies the shared inode of s. A writer works on the copy and
// publishes it with update, so the shared inode only changes under ft.mu.
func (ft *FileTable) snapshot(s *Session) inode.Inode {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return *s.of.ino
}

// update applies f to the shared inode of s and writes it back to disk.
func (ft *FileTable) update(s *Session, f func(ino *inode.Inode)) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f(s.of.ino)
	s.of.ino.ToDisk(ft.bio, s.inum)
}

// setMap publishes the length and block map of a writer's working copy.
func setMap(ino *inode.Inode, from *inode.Inode) {
	ino.Length = from.Length
	ino.Direct = from.Direct
	ino.Indirect = from.Indirect
}

// Unlink removes name from the directory. The storage is reclaimed now if
// the file is not open, otherwise when its last session is freed.
func (ft *FileTable) Unlink(name string) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	inum, ok := ft.dir.Namei(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotExist, name)
	}
	if !ft.dir.Unlink(inum) {
		return fmt.Errorf("%w: cannot delete %q", ErrBadName, name)
	}
	if of, ok := ft.open[inum]; ok {
		of.unlinked = true
		// waiters on the old file now resolve the name afresh
		ft.cond.Broadcast()
		util.Fields(map[string]interface{}{
			"name":     name,
			"inum":     inum,
			"sessions": of.ino.Count,
		}).Debug("unlinked open file")
		return nil
	}
	ino, ok := inode.Read(ft.bio, inum)
	if !ok {
		return fmt.Errorf("%w: inode %d is not on disk", ErrCorrupt, inum)
	}
	ft.reclaim(inum, ino)
	ft.dir.Release(inum)
	return nil
}

// Exclusive runs f with the table locked, provided no sessions are open.
func (ft *FileTable) Exclusive(f func() error) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sessions) > 0 {
		return fmt.Errorf("%w: %d sessions", ErrBusy, len(ft.sessions))
	}
	return f()
}

func (ft *FileTable) Empty() bool {
	return ft.Sessions() == 0
}

// Sessions counts the registered sessions.
func (ft *FileTable) Sessions() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.sessions)
}

// inodeOf returns a copy of the current inode for inum, in memory if it is
// open and from disk otherwise.
func (ft *FileTable) inodeOf(inum common.Inum) (inode.Inode, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if of, ok := ft.open[inum]; ok {
		return *of.ino, true
	}
	ino, ok := inode.Read(ft.bio, inum)
	if !ok {
		return inode.Inode{}, false
	}
	return *ino, true
}
