package blockfs

import (
	"fmt"
	"sync"

	"github.com/tchajed/go-blockfs/common"
	"github.com/tchajed/go-blockfs/inode"
)

type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeAppend
)

// ParseMode accepts the mode strings "r", "w" and "a".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "r":
		return ModeRead, nil
	case "w":
		return ModeWrite, nil
	case "a":
		return ModeAppend, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadMode, s)
}

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "r"
	case ModeWrite:
		return "w"
	case ModeAppend:
		return "a"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// openFile is the in-memory inode shared by every session on one file.
type openFile struct {
	ino *inode.Inode
	// the name was deleted while sessions were open
	unlinked bool
}

// A Session is one open of a file. It may be shared (see Share), in which
// case the file is released when the last holder closes it.
type Session struct {
	mu    sync.Mutex
	of    *openFile
	inum  common.Inum
	mode  Mode
	seek  int
	count int
}

func newSession(of *openFile, inum common.Inum, mode Mode) *Session {
	s := &Session{of: of, inum: inum, mode: mode, count: 1}
	if mode == ModeAppend {
		s.seek = int(of.ino.Length)
	}
	return s
}

// Share adds a holder to s.
func (s *Session) Share() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return ErrNotOpen
	}
	s.count++
	return nil
}

func (s *Session) Inum() common.Inum {
	return s.inum
}

func (s *Session) Mode() Mode {
	return s.mode
}

// Offset is the current seek pointer.
func (s *Session) Offset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seek
}
