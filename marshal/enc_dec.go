// Package marshal encodes fixed-layout little-endian records.
//
// Every on-disk structure in blockfs (header, inodes, free-list links,
// indirect blocks, directory) is written field by field at explicit offsets
// rather than through Go struct layout.
package marshal

import (
	"encoding/binary"

	"github.com/tchajed/goose/machine"
)

type Enc struct {
	b   []byte
	off *uint64
}

// NewEnc creates an encoder for a fresh zeroed record of size bytes.
func NewEnc(size uint64) Enc {
	return Enc{b: make([]byte, size), off: new(uint64)}
}

// NewEncTo encodes in place into b, starting at offset 0.
func NewEncTo(b []byte) Enc {
	return Enc{b: b, off: new(uint64)}
}

func (enc Enc) PutInt32(x int32) {
	off := *enc.off
	machine.UInt32Put(enc.b[off:off+4], uint32(x))
	*enc.off += 4
}

// goose has no 16-bit helpers
func (enc Enc) PutInt16(x int16) {
	off := *enc.off
	binary.LittleEndian.PutUint16(enc.b[off:off+2], uint16(x))
	*enc.off += 2
}

func (enc Enc) PutInts16(xs []int16) {
	for _, x := range xs {
		enc.PutInt16(x)
	}
}

func (enc Enc) PutBytes(b []byte) {
	off := *enc.off
	copy(enc.b[off:off+uint64(len(b))], b)
	*enc.off += uint64(len(b))
}

// Skip advances past n bytes, leaving them untouched.
func (enc Enc) Skip(n uint64) {
	*enc.off += n
}

func (enc Enc) Offset() uint64 {
	return *enc.off
}

func (enc Enc) Finish() []byte {
	return enc.b
}

type Dec struct {
	b   []byte
	off *uint64
}

func NewDec(b []byte) Dec {
	return Dec{b: b, off: new(uint64)}
}

// NewDecAt starts decoding b at byte offset off.
func NewDecAt(b []byte, off uint64) Dec {
	o := off
	return Dec{b: b, off: &o}
}

func (dec Dec) GetInt32() int32 {
	off := *dec.off
	x := machine.UInt32Get(dec.b[off : off+4])
	*dec.off += 4
	return int32(x)
}

func (dec Dec) GetInt16() int16 {
	off := *dec.off
	x := binary.LittleEndian.Uint16(dec.b[off : off+2])
	*dec.off += 2
	return int16(x)
}

func (dec Dec) GetInts16(len int) []int16 {
	xs := make([]int16, len)
	for i := 0; i < len; i++ {
		xs[i] = dec.GetInt16()
	}
	return xs
}

func (dec Dec) GetBytes(length uint64) []byte {
	off := *dec.off
	bs := dec.b[off : off+length]
	*dec.off += length
	return bs
}

func (dec Dec) Skip(n uint64) {
	*dec.off += n
}
