// Package rawdisk exposes block devices addressed in 512-byte blocks.
//
// The storage underneath is a goose disk (or a go-awol log over one), whose
// native block is 4096 bytes; each native block hosts eight consecutive
// 512-byte blocks.
package rawdisk

import (
	"fmt"
	"sync"

	"github.com/tchajed/go-awol"
	"github.com/tchajed/goose/machine/disk"
)

const BlockSize uint64 = 512

// blocks per native goose block
const perPage = disk.BlockSize / BlockSize

// Disk is a fixed-size device of BlockSize-byte blocks. Accessing a block
// outside [0, Size()) panics.
type Disk interface {
	Read(bn uint64, b []byte)
	Write(bn uint64, b []byte)
	Size() uint64
	Barrier()
}

// Batcher is implemented by devices that can persist several blocks at once.
// A cache sync uses it so that a flush lands as a unit.
type Batcher interface {
	WriteBatch(bns []uint64, blocks [][]byte)
}

func checkAddr(bn uint64, size uint64, b []byte) {
	if bn >= size {
		panic(fmt.Sprintf("rawdisk: block %d out of range [0, %d)", bn, size))
	}
	if uint64(len(b)) < BlockSize {
		panic("rawdisk: buffer smaller than a block")
	}
}

func split(bn uint64) (page uint64, off uint64) {
	return bn / perPage, (bn % perPage) * BlockSize
}

// SectorDisk packs blocks into a goose disk.
type SectorDisk struct {
	// serializes the read-modify-write of a shared native block
	mu sync.Mutex
	d  disk.Disk
}

func NewSectorDisk(d disk.Disk) *SectorDisk {
	return &SectorDisk{d: d}
}

// NewMemDisk allocates an in-memory device of at least numBlocks blocks,
// rounded up to a whole native block.
func NewMemDisk(numBlocks uint64) *SectorDisk {
	return NewSectorDisk(disk.NewMemDisk(pagesFor(numBlocks)))
}

// NewFileDisk opens (creating if needed) a file-backed device.
func NewFileDisk(path string, numBlocks uint64) (*SectorDisk, error) {
	d, err := disk.NewFileDisk(path, pagesFor(numBlocks))
	if err != nil {
		return nil, fmt.Errorf("opening disk image %s: %w", path, err)
	}
	return NewSectorDisk(d), nil
}

func pagesFor(numBlocks uint64) uint64 {
	return (numBlocks + perPage - 1) / perPage
}

func (sd *SectorDisk) Size() uint64 {
	return sd.d.Size() * perPage
}

func (sd *SectorDisk) Read(bn uint64, b []byte) {
	checkAddr(bn, sd.Size(), b)
	page, off := split(bn)
	sd.mu.Lock()
	blk := sd.d.Read(page)
	sd.mu.Unlock()
	copy(b[:BlockSize], blk[off:off+BlockSize])
}

func (sd *SectorDisk) Write(bn uint64, b []byte) {
	checkAddr(bn, sd.Size(), b)
	page, off := split(bn)
	sd.mu.Lock()
	defer sd.mu.Unlock()
	blk := sd.d.Read(page)
	copy(blk[off:off+BlockSize], b[:BlockSize])
	sd.d.Write(page, blk)
}

func (sd *SectorDisk) Barrier() {
	sd.d.Barrier()
}

func (sd *SectorDisk) Close() {
	sd.d.Close()
}

// MaxBatchPages bounds how many native blocks go into one log operation.
const MaxBatchPages = 32

// LogDisk packs blocks into the logical disk of a write-ahead log. Every
// Write commits its own operation; WriteBatch commits groups of up to
// MaxBatchPages native blocks.
type LogDisk struct {
	mu  sync.Mutex
	log *awol.Log
	// the device under the log, if this LogDisk opened it
	d disk.Disk
}

func NewLogDisk(log *awol.Log) *LogDisk {
	return &LogDisk{log: log}
}

// NewLogFileDisk opens a disk image and runs a write-ahead log over it. The
// log occupies the front of the image, so the device is smaller than
// numBlocks.
func NewLogFileDisk(path string, numBlocks uint64) (*LogDisk, error) {
	d, err := disk.NewFileDisk(path, pagesFor(numBlocks))
	if err != nil {
		return nil, fmt.Errorf("opening disk image %s: %w", path, err)
	}
	disk.Init(d)
	ld := NewLogDisk(awol.New())
	ld.d = d
	return ld, nil
}

// Close closes the device opened by NewLogFileDisk.
func (ld *LogDisk) Close() {
	if ld.d != nil {
		ld.d.Close()
	}
}

func (ld *LogDisk) Size() uint64 {
	return uint64(ld.log.Size()) * perPage
}

func (ld *LogDisk) Read(bn uint64, b []byte) {
	checkAddr(bn, ld.Size(), b)
	page, off := split(bn)
	ld.mu.Lock()
	blk := ld.log.Read(page)
	ld.mu.Unlock()
	copy(b[:BlockSize], blk[off:off+BlockSize])
}

func (ld *LogDisk) Write(bn uint64, b []byte) {
	ld.WriteBatch([]uint64{bn}, [][]byte{b})
}

func (ld *LogDisk) WriteBatch(bns []uint64, blocks [][]byte) {
	if len(bns) != len(blocks) {
		panic("rawdisk: mismatched batch")
	}
	size := ld.Size()
	ld.mu.Lock()
	defer ld.mu.Unlock()

	pages := make(map[uint64]disk.Block)
	var order []uint64
	for i, bn := range bns {
		checkAddr(bn, size, blocks[i])
		page, off := split(bn)
		blk, ok := pages[page]
		if !ok {
			blk = make(disk.Block, disk.BlockSize)
			copy(blk, ld.log.Read(page))
			pages[page] = blk
			order = append(order, page)
		}
		copy(blk[off:off+BlockSize], blocks[i][:BlockSize])
	}

	for len(order) > 0 {
		n := len(order)
		if n > MaxBatchPages {
			n = MaxBatchPages
		}
		op := ld.log.Begin()
		for _, page := range order[:n] {
			op.Write(page, pages[page])
		}
		ld.log.Commit(op)
		order = order[n:]
	}
}

// Barrier is a no-op: commits are already durable.
func (ld *LogDisk) Barrier() {}
