package blockfs

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/tchajed/go-blockfs/rawdisk"
)

type FsSuite struct {
	suite.Suite
	d  *rawdisk.SectorDisk
	fs *FileSystem
}

func (suite *FsSuite) SetupTest() {
	suite.d = rawdisk.NewMemDisk(128)
	fs, err := New(suite.d, Options{})
	suite.Require().NoError(err)
	suite.fs = fs
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) + seed
	}
	return b
}

func (suite *FsSuite) open(name string, mode Mode) *Session {
	suite.T().Helper()
	s, err := suite.fs.Open(name, mode)
	suite.Require().NoError(err)
	return s
}

func (suite *FsSuite) close(s *Session) {
	suite.T().Helper()
	ok, err := suite.fs.Close(s)
	suite.Require().NoError(err)
	suite.Require().True(ok)
}

func (suite *FsSuite) writeFile(name string, data []byte) {
	suite.T().Helper()
	s := suite.open(name, ModeWrite)
	n, err := suite.fs.Write(s, data)
	suite.Require().NoError(err)
	suite.Require().Equal(len(data), n)
	suite.close(s)
}

func (suite *FsSuite) readFile(name string) []byte {
	suite.T().Helper()
	s := suite.open(name, ModeRead)
	defer suite.close(s)
	size, err := suite.fs.Fsize(s)
	suite.Require().NoError(err)
	buf := make([]byte, size+10)
	n, err := suite.fs.Read(s, buf)
	suite.Require().NoError(err)
	return buf[:n]
}

func (suite *FsSuite) freeBlocks() int {
	suite.T().Helper()
	n, err := suite.fs.sb.FreeBlocks()
	suite.Require().NoError(err)
	return n
}

func (suite *FsSuite) TestEndToEnd() {
	data := pattern(1500, 1)
	suite.writeFile("x", data)

	s := suite.open("x", ModeRead)
	size, err := suite.fs.Fsize(s)
	suite.NoError(err)
	suite.Equal(1500, size)
	buf := make([]byte, 1500)
	n, err := suite.fs.Read(s, buf)
	suite.NoError(err)
	suite.Equal(1500, n)
	suite.Equal(data, buf)

	pos, err := suite.fs.Seek(s, 100, io.SeekStart)
	suite.NoError(err)
	suite.Equal(100, pos)
	small := make([]byte, 10)
	n, _ = suite.fs.Read(s, small)
	suite.Equal(10, n)
	suite.Equal(data[100:110], small)
	suite.close(s)
}

func (suite *FsSuite) TestReadStopsAtEnd() {
	suite.writeFile("x", pattern(700, 0))
	s := suite.open("x", ModeRead)
	buf := make([]byte, 1000)
	n, _ := suite.fs.Read(s, buf)
	suite.Equal(700, n)
	n, err := suite.fs.Read(s, buf)
	suite.NoError(err)
	suite.Equal(0, n)
	suite.close(s)
}

func (suite *FsSuite) TestSeek() {
	suite.writeFile("x", pattern(600, 0))
	s := suite.open("x", ModeRead)
	pos, _ := suite.fs.Seek(s, 50, io.SeekStart)
	suite.Equal(50, pos)
	pos, _ = suite.fs.Seek(s, 25, io.SeekCurrent)
	suite.Equal(75, pos)
	pos, _ = suite.fs.Seek(s, -100, io.SeekCurrent)
	suite.Equal(0, pos, "clamped to the start")
	pos, _ = suite.fs.Seek(s, 10, io.SeekEnd)
	suite.Equal(600, pos, "clamped to the end")
	pos, _ = suite.fs.Seek(s, -1, io.SeekEnd)
	suite.Equal(599, pos)
	_, err := suite.fs.Seek(s, 0, 7)
	suite.ErrorIs(err, ErrBadWhence)
	suite.Equal(599, s.Offset())
	suite.close(s)
}

func (suite *FsSuite) TestOverwriteInPlace() {
	data := pattern(1500, 0)
	suite.writeFile("x", data)
	s := suite.open("x", ModeAppend)
	suite.fs.Seek(s, 510, io.SeekStart)
	n, err := suite.fs.Write(s, []byte("abcd"))
	suite.NoError(err)
	suite.Equal(4, n)
	suite.close(s)
	copy(data[510:], "abcd")
	suite.Equal(data, suite.readFile("x"))
}

func (suite *FsSuite) TestAppend() {
	suite.writeFile("log", []byte("hello"))
	s := suite.open("log", ModeAppend)
	suite.Equal(5, s.Offset())
	suite.fs.Write(s, []byte(" world"))
	suite.close(s)
	suite.Equal([]byte("hello world"), suite.readFile("log"))
}

func (suite *FsSuite) TestWriteTruncates() {
	free := suite.freeBlocks()
	suite.writeFile("x", pattern(1500, 0))
	suite.Equal(free-3, suite.freeBlocks())
	suite.writeFile("x", []byte("short"))
	suite.Equal([]byte("short"), suite.readFile("x"))
	suite.Equal(free-1, suite.freeBlocks())
}

func (suite *FsSuite) TestIndirectFile() {
	data := pattern(11*512+600, 3)
	free := suite.freeBlocks()
	suite.writeFile("big", data)
	suite.Equal(free-14, suite.freeBlocks(), "13 data blocks and an indirect block")
	suite.Equal(data, suite.readFile("big"))

	info, err := suite.fs.Stat("big")
	suite.NoError(err)
	suite.Equal(13, info.Blocks)

	suite.NoError(suite.fs.Delete("big"))
	suite.Equal(free, suite.freeBlocks())
}

func (suite *FsSuite) TestDiskFull() {
	s := suite.open("x", ModeWrite)
	n, err := suite.fs.Write(s, pattern(200*512, 0))
	suite.ErrorIs(err, ErrDiskFull)
	// 11 direct blocks, the indirect block, and the rest through it
	suite.Equal(122*512, n)
	size, _ := suite.fs.Fsize(s)
	suite.Equal(n, size)
	suite.close(s)
	suite.Equal(0, suite.freeBlocks())

	_, err = suite.fs.Check()
	suite.NoError(err)
	suite.NoError(suite.fs.Delete("x"))
	suite.Equal(123, suite.freeBlocks())
}

func (suite *FsSuite) TestFileTooLarge() {
	fs, err := New(rawdisk.NewMemDisk(400), Options{})
	suite.Require().NoError(err)
	s, err := fs.Open("x", ModeWrite)
	suite.Require().NoError(err)
	n, err := fs.Write(s, make([]byte, MaxFileSize+10))
	suite.ErrorIs(err, ErrFileTooLarge)
	suite.Equal(MaxFileSize, n)
	fs.Close(s)
}

func (suite *FsSuite) TestModes() {
	w := suite.open("x", ModeWrite)
	_, err := suite.fs.Read(w, make([]byte, 1))
	suite.ErrorIs(err, ErrBadMode)
	suite.close(w)

	r := suite.open("x", ModeRead)
	_, err = suite.fs.Write(r, []byte("a"))
	suite.ErrorIs(err, ErrBadMode)
	suite.close(r)

	_, err = suite.fs.Write(nil, []byte("a"))
	suite.ErrorIs(err, ErrBadMode)
	_, err = suite.fs.Open(RootName, ModeWrite)
	suite.ErrorIs(err, ErrBadMode)
	_, err = ParseMode("rw")
	suite.ErrorIs(err, ErrBadMode)
	m, err := ParseMode("a")
	suite.NoError(err)
	suite.Equal(ModeAppend, m)
}

func (suite *FsSuite) TestOpenMissing() {
	_, err := suite.fs.Open("nope", ModeRead)
	suite.ErrorIs(err, ErrNotExist)
	suite.ErrorIs(suite.fs.Delete("nope"), ErrNotExist)
	_, err = suite.fs.Stat("nope")
	suite.ErrorIs(err, ErrNotExist)
}

func (suite *FsSuite) TestClose() {
	s := suite.open("x", ModeWrite)
	suite.close(s)
	ok, err := suite.fs.Close(s)
	suite.False(ok)
	suite.ErrorIs(err, ErrNotOpen)
	_, err = suite.fs.Write(s, []byte("a"))
	suite.ErrorIs(err, ErrNotOpen)
	_, err = suite.fs.Fsize(s)
	suite.ErrorIs(err, ErrNotOpen)
	suite.True(suite.fs.ft.Empty())
}

func (suite *FsSuite) TestShare() {
	suite.writeFile("x", []byte("data"))
	s := suite.open("x", ModeRead)
	suite.NoError(s.Share())
	suite.close(s)
	info, _ := suite.fs.Stat("x")
	suite.Equal(1, info.Open, "still held by the second holder")
	buf := make([]byte, 4)
	n, err := suite.fs.Read(s, buf)
	suite.NoError(err)
	suite.Equal(4, n)
	suite.close(s)
	suite.ErrorIs(s.Share(), ErrNotOpen)
	info, _ = suite.fs.Stat("x")
	suite.Equal(0, info.Open)
}

func (suite *FsSuite) TestDeleteClosedFile() {
	free := suite.freeBlocks()
	suite.writeFile("x", pattern(1500, 0))
	suite.NoError(suite.fs.Delete("x"))
	suite.Equal(free, suite.freeBlocks())
	_, err := suite.fs.Open("x", ModeRead)
	suite.ErrorIs(err, ErrNotExist)
	suite.ErrorIs(suite.fs.Delete(RootName), ErrBadName)
}

func (suite *FsSuite) TestDeleteWhileReading() {
	data := pattern(1500, 9)
	free := suite.freeBlocks()
	suite.writeFile("x", data)
	r := suite.open("x", ModeRead)

	suite.NoError(suite.fs.Delete("x"))
	_, err := suite.fs.Open("x", ModeRead)
	suite.ErrorIs(err, ErrNotExist)
	_, err = suite.fs.Stat("x")
	suite.ErrorIs(err, ErrNotExist)

	// the slot stays reserved while the old file is open
	y := suite.open("y", ModeWrite)
	suite.NotEqual(r.Inum(), y.Inum())
	suite.close(y)

	buf := make([]byte, 1500)
	n, err := suite.fs.Read(r, buf)
	suite.NoError(err)
	suite.Equal(1500, n)
	suite.Equal(data, buf)
	suite.Equal(free-3, suite.freeBlocks())

	suite.close(r)
	suite.Equal(free, suite.freeBlocks())
	z := suite.open("z", ModeWrite)
	suite.Equal(r.Inum(), z.Inum())
	suite.close(z)
}

func (suite *FsSuite) TestNames() {
	_, err := suite.fs.Open(strings.Repeat("a", MaxNameLen+1), ModeWrite)
	suite.ErrorIs(err, ErrNameTooLong)
	suite.close(suite.open(strings.Repeat("a", MaxNameLen), ModeWrite))
	suite.close(suite.open(strings.Repeat("é", MaxNameLen), ModeWrite))
	// outside the BMP each character takes two code units
	_, err = suite.fs.Open(strings.Repeat("😀", MaxNameLen/2+1), ModeWrite)
	suite.ErrorIs(err, ErrNameTooLong)
	_, err = suite.fs.Open("", ModeWrite)
	suite.ErrorIs(err, ErrBadName)
	// both would be stored as "a\uFFFD"
	_, err = suite.fs.Open("a\xff", ModeWrite)
	suite.ErrorIs(err, ErrBadName)
	_, err = suite.fs.Open("a\xfe", ModeWrite)
	suite.ErrorIs(err, ErrBadName)
}

func (suite *FsSuite) TestInodeTableFull() {
	suite.Require().NoError(suite.fs.Format(4))
	for _, name := range []string{"a", "b", "c"} {
		suite.close(suite.open(name, ModeWrite))
	}
	_, err := suite.fs.Open("d", ModeWrite)
	suite.ErrorIs(err, ErrNoInodes)
}

func (suite *FsSuite) TestFormat() {
	suite.writeFile("x", pattern(100, 0))
	s := suite.open("x", ModeRead)
	suite.ErrorIs(suite.fs.Format(32), ErrBusy)
	suite.close(s)
	suite.NoError(suite.fs.Format(32))
	suite.Equal([]DirEnt{{Name: RootName, I: 0}}, suite.fs.List())
	suite.Equal(int32(32), suite.fs.sb.TotalInodes)
	suite.Equal(128-1-2, suite.freeBlocks())
	suite.ErrorIs(suite.fs.Format(128*16), ErrTooManyInodes)
	suite.ErrorIs(suite.fs.Format(4000), ErrTooManyInodes, "directory would not fit")
}

func (suite *FsSuite) TestSyncAndRemount() {
	a := pattern(1500, 1)
	b := pattern(6000, 2)
	suite.writeFile("a", a)
	suite.writeFile("b", b)
	suite.writeFile("gone", pattern(10, 0))
	suite.NoError(suite.fs.Delete("gone"))
	suite.NoError(suite.fs.Sync())

	fs, err := New(suite.d, Options{CacheSlots: 3})
	suite.Require().NoError(err)
	suite.fs = fs
	var names []string
	for _, ent := range fs.List() {
		names = append(names, ent.Name)
	}
	suite.Equal([]string{RootName, "a", "b"}, names)
	suite.Equal(a, suite.readFile("a"))
	suite.Equal(b, suite.readFile("b"))
	r, err := fs.Check()
	suite.NoError(err)
	suite.True(r.Clean(), "%+v", r)
}

func (suite *FsSuite) TestRemountReclaimsUnlinkedOpenFile() {
	suite.writeFile("x", pattern(1500, 0))
	r := suite.open("x", ModeRead)
	old := r.Inum()
	suite.NoError(suite.fs.Delete("x"))
	suite.NoError(suite.fs.Sync())

	// remount while r is still open, as if the process had stopped
	fs, err := New(suite.d, Options{})
	suite.Require().NoError(err)
	suite.fs = fs
	rep, err := fs.Check()
	suite.NoError(err)
	suite.True(rep.Clean(), "%+v", rep)

	y := suite.open("y", ModeWrite)
	suite.Equal(old, y.Inum())
	suite.close(y)
	rep, err = fs.Check()
	suite.NoError(err)
	suite.True(rep.Clean(), "%+v", rep)
}

func (suite *FsSuite) TestReadRoot() {
	suite.writeFile("a", []byte("a"))
	suite.NoError(suite.fs.Sync())
	raw := suite.readFile(RootName)
	suite.Len(raw, 64*direntSize)
	suite.True(bytes.Contains(raw, []byte{'a', 0}))
}

func (suite *FsSuite) TestCheck() {
	suite.writeFile("a", pattern(1500, 0))
	suite.writeFile("b", pattern(11*512+1, 0))
	r, err := suite.fs.Check()
	suite.NoError(err)
	suite.True(r.Clean(), "%+v", r)
	suite.Equal(3+13, r.Used)
	suite.Equal(r.TotalBlocks-r.DataStart, r.Free+r.Used)

	s := suite.open("a", ModeRead)
	_, err = suite.fs.Check()
	suite.ErrorIs(err, ErrBusy)
	suite.close(s)

	// a block lost from every map shows up as leaked
	bn, ok := suite.fs.sb.NextBlock()
	suite.Require().True(ok)
	r, err = suite.fs.Check()
	suite.NoError(err)
	suite.Equal([]Bnum{bn}, r.Leaked)
}

func (suite *FsSuite) TestStaleLocksIgnoredOnMount() {
	suite.writeFile("x", []byte("data"))
	w := suite.open("x", ModeWrite)
	suite.fs.Write(w, []byte("new"))
	suite.NoError(suite.fs.Sync())

	// remount as if the writer had crashed
	fs, err := New(suite.d, Options{})
	suite.Require().NoError(err)
	s, err := fs.Open("x", ModeRead)
	suite.Require().NoError(err)
	buf := make([]byte, 10)
	n, _ := fs.Read(s, buf)
	suite.Equal("new", string(buf[:n]))
	fs.Close(s)
}

func TestFs(t *testing.T) {
	suite.Run(t, new(FsSuite))
}
