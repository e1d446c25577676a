package blockfs

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"

	"github.com/tchajed/go-blockfs/common"
	"github.com/tchajed/go-blockfs/marshal"
)

// MaxNameLen is the longest file name, in UTF-16 code units.
const MaxNameLen = 30

const (
	nameBytes  = 2 * MaxNameLen
	direntSize = 4 + nameBytes
)

const RootName = "/"

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

type DirEnt struct {
	Name string
	I    common.Inum
}

// Directory is the single flat table mapping names to inode numbers. Slot
// i names inode i, so the table has exactly one slot per inode; slot 0 is
// the root.
//
// Serialized form: one i32 name length per slot, then one 60-byte UTF-16LE
// name field per slot.
type Directory struct {
	mu    sync.Mutex
	names []string
	// slots whose name was removed while the file was still open; they are
	// not handed out again until the storage is reclaimed
	held []bool
}

func NewDirectory(ninodes int) *Directory {
	d := &Directory{}
	d.reset(ninodes)
	return d
}

func (d *Directory) reset(ninodes int) {
	d.names = make([]string, ninodes)
	d.held = make([]bool, ninodes)
	d.names[common.ROOTINUM] = RootName
}

// Reset empties the directory and resizes it to ninodes slots.
func (d *Directory) Reset(ninodes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset(ninodes)
}

func encodeName(name string) ([]byte, error) {
	b, err := utf16le.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadName, name, err)
	}
	return b, nil
}

func checkName(name string) error {
	if name == "" || name == RootName {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	// the UTF-16 encoder would replace invalid bytes and merge names
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrBadName, name)
	}
	b, err := encodeName(name)
	if err != nil {
		return err
	}
	if len(b) > nameBytes {
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	return nil
}

func (d *Directory) namei(name string) (common.Inum, bool) {
	for i, n := range d.names {
		if n != "" && n == name {
			return common.Inum(i), true
		}
	}
	return common.NULLINUM, false
}

// Namei looks up name.
func (d *Directory) Namei(name string) (common.Inum, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.namei(name)
}

// Ialloc binds name to the first free inode number.
func (d *Directory) Ialloc(name string) (common.Inum, error) {
	if err := checkName(name); err != nil {
		return common.NULLINUM, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.namei(name); ok {
		return common.NULLINUM, fmt.Errorf("%w: %q", ErrExist, name)
	}
	for i := range d.names {
		if d.names[i] == "" && !d.held[i] {
			d.names[i] = name
			return common.Inum(i), nil
		}
	}
	return common.NULLINUM, ErrNoInodes
}

// Unlink removes the name bound to inum but keeps the slot reserved until
// Release.
func (d *Directory) Unlink(inum common.Inum) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if inum <= common.ROOTINUM || int(inum) >= len(d.names) || d.names[inum] == "" {
		return false
	}
	d.names[inum] = ""
	d.held[inum] = true
	return true
}

// Release makes an unlinked slot available to Ialloc again.
func (d *Directory) Release(inum common.Inum) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held[inum] = false
}

func (d *Directory) Entries() []DirEnt {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ents []DirEnt
	for i, n := range d.names {
		if n != "" {
			ents = append(ents, DirEnt{Name: n, I: common.Inum(i)})
		}
	}
	return ents
}

func (d *Directory) MarshalBinary() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	enc := marshal.NewEnc(uint64(direntSize * len(d.names)))
	encoded := make([][]byte, len(d.names))
	for i, n := range d.names {
		b, err := encodeName(n)
		if err != nil {
			return nil, err
		}
		encoded[i] = b
		enc.PutInt32(int32(len(b) / 2))
	}
	for _, b := range encoded {
		enc.PutBytes(b)
		enc.Skip(uint64(nameBytes - len(b)))
	}
	return enc.Finish(), nil
}

func (d *Directory) UnmarshalBinary(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(data) != direntSize*len(d.names) {
		return fmt.Errorf("%w: directory is %d bytes, expected %d",
			ErrCorrupt, len(data), direntSize*len(d.names))
	}
	dec := marshal.NewDec(data)
	lens := make([]int32, len(d.names))
	for i := range lens {
		lens[i] = dec.GetInt32()
		if lens[i] < 0 || lens[i] > MaxNameLen {
			return fmt.Errorf("%w: slot %d has name length %d", ErrCorrupt, i, lens[i])
		}
	}
	names := make([]string, len(d.names))
	for i := range names {
		field := dec.GetBytes(nameBytes)
		b, err := utf16le.NewDecoder().Bytes(field[:2*lens[i]])
		if err != nil {
			return fmt.Errorf("%w: slot %d: %v", ErrCorrupt, i, err)
		}
		names[i] = string(b)
	}
	names[common.ROOTINUM] = RootName
	d.names = names
	for i := range d.held {
		d.held[i] = false
	}
	return nil
}
