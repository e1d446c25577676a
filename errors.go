package blockfs

import (
	"errors"

	"github.com/tchajed/go-blockfs/super"
)

var (
	ErrDiskFull     = errors.New("blockfs: no free blocks")
	ErrNoInodes     = errors.New("blockfs: inode table full")
	ErrFileTooLarge = errors.New("blockfs: file exceeds the largest mappable size")
	ErrBadMode      = errors.New("blockfs: operation not allowed in this access mode")
	ErrNotExist     = errors.New("blockfs: file does not exist")
	ErrExist        = errors.New("blockfs: file already exists")
	ErrBadWhence    = errors.New("blockfs: invalid whence")
	ErrNotOpen      = errors.New("blockfs: session is not open")
	ErrBusy         = errors.New("blockfs: files are still open")
	ErrNameTooLong  = errors.New("blockfs: file name too long")
	ErrBadName      = errors.New("blockfs: invalid file name")

	ErrCorrupt       = super.ErrCorrupt
	ErrTooManyInodes = super.ErrTooManyInodes
)
