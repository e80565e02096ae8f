// Package codec packs and unpacks the on-disk structures described in the
// data model: block headers, B-tree node headers, mapping and
// device-details leaf values, space map roots, index entries and bitmap
// entries. The superblock's own field layout lives in pkg/superblock. Every function here is a
// total function of a byte slice -- codecs never perform I/O, matching
// the contract in the core's checksum & codec design.
package codec

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/dmthin/tpmeta/pkg/errs"
)

// Seed distinguishes the CRC domain of one block kind from another, so
// that (for example) a bitmap block accidentally written where a B-tree
// node was expected fails its checksum instead of merely decoding
// garbage.
type Seed uint32

// The per-block-kind seeds. Values are arbitrary but fixed; they must
// never change once metadata has been written with them.
const (
	SeedSuperblock Seed = 160774
	SeedBtreeNode  Seed = 121107
	SeedBitmap     Seed = 240779
	SeedIndex      Seed = 160878
	SeedSMRoot     Seed = 200333
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// HeaderSize is the length in bytes of the common block header: a 32-bit
// checksum, a 32-bit flags word, and a 64-bit self-reference block
// number.
const HeaderSize = 16

// Header is the common prefix of every persisted block.
type Header struct {
	CRC     uint32
	Flags   uint32
	BlockNr uint64
}

// PackHeader writes h into the first HeaderSize bytes of buf.
func PackHeader(buf []byte, h Header) error {
	if len(buf) < HeaderSize {
		return &errs.ShortBuffer{Want: HeaderSize, Got: len(buf)}
	}
	binary.LittleEndian.PutUint32(buf[0:4], h.CRC)
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], h.BlockNr)
	return nil
}

// UnpackHeader reads the common header out of buf.
func UnpackHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, &errs.ShortBuffer{Want: HeaderSize, Got: len(buf)}
	}
	return Header{
		CRC:     binary.LittleEndian.Uint32(buf[0:4]),
		Flags:   binary.LittleEndian.Uint32(buf[4:8]),
		BlockNr: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// Checksum computes the CRC32C of buf[4:], seeded per block kind. The
// checksum field itself (the first four bytes) is never included, so
// that computing and verifying a checksum is symmetric regardless of
// what value currently sits in that field.
func Checksum(seed Seed, buf []byte) uint32 {
	crc := crc32.Update(0, castagnoliTable, buf[4:])
	return crc ^ uint32(seed)
}

// Stamp recomputes and writes the checksum and self-reference fields of
// a block in place, then returns the finished checksum. Callers use this
// right before handing a dirtied block to the I/O engine.
func Stamp(seed Seed, blockNr uint64, buf []byte) (uint32, error) {
	if len(buf) < HeaderSize {
		return 0, &errs.ShortBuffer{Want: HeaderSize, Got: len(buf)}
	}
	binary.LittleEndian.PutUint64(buf[8:16], blockNr)
	crc := Checksum(seed, buf)
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	return crc, nil
}

// Verify checks that a decoded block's self-reference matches the block
// number it was read from and that its stored checksum agrees with the
// recomputed one. A block whose self-reference disagrees with its
// address is considered corrupted, per the data model.
func Verify(seed Seed, blockNr uint64, buf []byte) error {
	h, err := UnpackHeader(buf)
	if err != nil {
		return err
	}
	if h.BlockNr != blockNr {
		return &errs.Corrupt{Reason: "block self-reference does not match its address"}
	}
	want := Checksum(seed, buf)
	if want != h.CRC {
		return &errs.BadChecksum{BlockNr: blockNr}
	}
	return nil
}
