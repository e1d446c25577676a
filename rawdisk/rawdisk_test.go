package rawdisk

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/tchajed/go-awol/mem"
)

func block(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, int(BlockSize))
}

type DiskSuite struct {
	suite.Suite
	mk func(numBlocks uint64) Disk
}

func (suite *DiskSuite) read(d Disk, bn uint64) []byte {
	b := make([]byte, BlockSize)
	d.Read(bn, b)
	return b
}

func (suite *DiskSuite) TestSizeRoundsUp() {
	d := suite.mk(20)
	suite.GreaterOrEqual(d.Size(), uint64(20))
	suite.Zero(d.Size() % perPage)
}

func (suite *DiskSuite) TestNeighborsUntouched() {
	d := suite.mk(16)
	for bn := uint64(0); bn < 16; bn++ {
		d.Write(bn, block(byte(bn+1)))
	}
	d.Write(9, block(0xee))
	for bn := uint64(0); bn < 16; bn++ {
		expected := block(byte(bn + 1))
		if bn == 9 {
			expected = block(0xee)
		}
		suite.Equal(expected, suite.read(d, bn), "block %d", bn)
	}
}

func (suite *DiskSuite) TestOutOfRangePanics() {
	d := suite.mk(8)
	suite.Panics(func() {
		d.Read(d.Size(), make([]byte, BlockSize))
	})
	suite.Panics(func() {
		d.Write(0, make([]byte, 10))
	})
}

func TestSectorDisk(t *testing.T) {
	suite.Run(t, &DiskSuite{mk: func(n uint64) Disk {
		return NewMemDisk(n)
	}})
}

func TestLogDisk(t *testing.T) {
	suite.Run(t, &DiskSuite{mk: func(n uint64) Disk {
		return NewLogDisk(mem.New(1000))
	}})
}

func TestLogDiskBatch(t *testing.T) {
	ld := NewLogDisk(mem.New(1000))
	var bns []uint64
	var blocks [][]byte
	// spans more native blocks than one log operation holds
	for bn := uint64(0); bn < (MaxBatchPages+3)*perPage; bn += 3 {
		bns = append(bns, bn)
		blocks = append(blocks, block(byte(bn%251)))
	}
	ld.WriteBatch(bns, blocks)
	b := make([]byte, BlockSize)
	for i, bn := range bns {
		ld.Read(bn, b)
		if !bytes.Equal(blocks[i], b) {
			t.Fatalf("block %d: got %x..., expected %x...", bn, b[:4], blocks[i][:4])
		}
	}
}

func TestLogDiskCloseWithoutDevice(t *testing.T) {
	ld := NewLogDisk(mem.New(1000))
	// the log was handed in, so there is no device to close
	ld.Close()
	ld.Write(0, block(1))
}
