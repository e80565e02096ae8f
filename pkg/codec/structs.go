package codec

import (
	"encoding/binary"

	"github.com/dmthin/tpmeta/pkg/block"
	"github.com/dmthin/tpmeta/pkg/errs"
)

// Node types for a B-tree node header.
const (
	NodeInternal uint32 = 0
	NodeLeaf     uint32 = 1
)

// NodeHeaderSize is the length of the full B-tree node header: the
// common block header plus node type, entry count, max entry count and
// value size.
const NodeHeaderSize = HeaderSize + 16

// NodeHeader describes a B-tree node's shape; it says nothing about the
// node's keys or values, which follow immediately after it in the block.
type NodeHeader struct {
	Header
	NodeType   uint32
	NrEntries  uint32
	MaxEntries uint32
	ValueSize  uint32
}

// PackNodeHeader writes h into buf[0:NodeHeaderSize].
func PackNodeHeader(buf []byte, h NodeHeader) error {
	if len(buf) < NodeHeaderSize {
		return &errs.ShortBuffer{Want: NodeHeaderSize, Got: len(buf)}
	}
	if err := PackHeader(buf, h.Header); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[16:20], h.NodeType)
	binary.LittleEndian.PutUint32(buf[20:24], h.NrEntries)
	binary.LittleEndian.PutUint32(buf[24:28], h.MaxEntries)
	binary.LittleEndian.PutUint32(buf[28:32], h.ValueSize)
	return nil
}

// UnpackNodeHeader reads a B-tree node header out of buf.
func UnpackNodeHeader(buf []byte) (NodeHeader, error) {
	if len(buf) < NodeHeaderSize {
		return NodeHeader{}, &errs.ShortBuffer{Want: NodeHeaderSize, Got: len(buf)}
	}
	h, err := UnpackHeader(buf)
	if err != nil {
		return NodeHeader{}, err
	}
	return NodeHeader{
		Header:     h,
		NodeType:   binary.LittleEndian.Uint32(buf[16:20]),
		NrEntries:  binary.LittleEndian.Uint32(buf[20:24]),
		MaxEntries: binary.LittleEndian.Uint32(buf[24:28]),
		ValueSize:  binary.LittleEndian.Uint32(buf[28:32]),
	}, nil
}

// MappingValueSize is the width in bytes of a mapping-tree leaf value.
const MappingValueSize = 8

// timeBits is the width of the packed time field inside a mapping value;
// the remaining 40 bits address the data block.
const timeBits = 24
const dataBlockMask = (uint64(1) << (64 - timeBits)) - 1

// MappingValue is the decoded form of a thin volume's mapping-tree leaf
// value: a 24-bit time stamp and a 40-bit data-block index.
type MappingValue struct {
	Time      uint32
	DataBlock uint64
}

// PackMappingValue packs a mapping value into its 8-byte wire form.
func PackMappingValue(v MappingValue) uint64 {
	return (uint64(v.Time) << (64 - timeBits)) | (v.DataBlock & dataBlockMask)
}

// UnpackMappingValue unpacks an 8-byte mapping value.
func UnpackMappingValue(raw uint64) MappingValue {
	return MappingValue{
		Time:      uint32(raw >> (64 - timeBits)),
		DataBlock: raw & dataBlockMask,
	}
}

// DeviceDetailsSize is the width in bytes of a device-details leaf value.
const DeviceDetailsSize = 24

// DeviceDetails is the per-thin-device record stored in the details tree.
type DeviceDetails struct {
	MappedBlocks  uint64
	TransactionID uint64
	CreationTime  uint32
	SnapshotTime  uint32
}

// PackDeviceDetails packs d into its wire form.
func PackDeviceDetails(d DeviceDetails) []byte {
	buf := make([]byte, DeviceDetailsSize)
	binary.LittleEndian.PutUint64(buf[0:8], d.MappedBlocks)
	binary.LittleEndian.PutUint64(buf[8:16], d.TransactionID)
	binary.LittleEndian.PutUint32(buf[16:20], d.CreationTime)
	binary.LittleEndian.PutUint32(buf[20:24], d.SnapshotTime)
	return buf
}

// UnpackDeviceDetails unpacks a device-details leaf value.
func UnpackDeviceDetails(buf []byte) (DeviceDetails, error) {
	if len(buf) < DeviceDetailsSize {
		return DeviceDetails{}, &errs.ShortBuffer{Want: DeviceDetailsSize, Got: len(buf)}
	}
	return DeviceDetails{
		MappedBlocks:  binary.LittleEndian.Uint64(buf[0:8]),
		TransactionID: binary.LittleEndian.Uint64(buf[8:16]),
		CreationTime:  binary.LittleEndian.Uint32(buf[16:20]),
		SnapshotTime:  binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// SMRootSize is the width in bytes of a packed space map root.
const SMRootSize = 32

// SMRoot is the root record of a space map, as stored inline in the
// superblock's data/metadata space-map root fields.
type SMRoot struct {
	NrBlocks     uint64
	NrAllocated  uint64
	BitmapRoot   uint64
	RefCountRoot uint64
}

// PackSMRoot packs r into its 32-byte wire form.
func PackSMRoot(r SMRoot) []byte {
	buf := make([]byte, SMRootSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.NrBlocks)
	binary.LittleEndian.PutUint64(buf[8:16], r.NrAllocated)
	binary.LittleEndian.PutUint64(buf[16:24], r.BitmapRoot)
	binary.LittleEndian.PutUint64(buf[24:32], r.RefCountRoot)
	return buf
}

// UnpackSMRoot unpacks a 32-byte space map root.
func UnpackSMRoot(buf []byte) (SMRoot, error) {
	if len(buf) < SMRootSize {
		return SMRoot{}, &errs.ShortBuffer{Want: SMRootSize, Got: len(buf)}
	}
	return SMRoot{
		NrBlocks:     binary.LittleEndian.Uint64(buf[0:8]),
		NrAllocated:  binary.LittleEndian.Uint64(buf[8:16]),
		BitmapRoot:   binary.LittleEndian.Uint64(buf[16:24]),
		RefCountRoot: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// IndexEntrySize is the width in bytes of a single bitmap index entry.
const IndexEntrySize = 16

// IndexEntry records where one bitmap block lives and a hint for
// allocation scans: how many free slots it holds, and the lowest index
// within it that might still be free.
type IndexEntry struct {
	BlockNr        uint64
	NrFree         uint32
	NoneFreeBefore uint32
}

// PackIndexEntry packs e into its 16-byte wire form.
func PackIndexEntry(e IndexEntry) []byte {
	buf := make([]byte, IndexEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], e.BlockNr)
	binary.LittleEndian.PutUint32(buf[8:12], e.NrFree)
	binary.LittleEndian.PutUint32(buf[12:16], e.NoneFreeBefore)
	return buf
}

// UnpackIndexEntry unpacks a 16-byte bitmap index entry.
func UnpackIndexEntry(buf []byte) (IndexEntry, error) {
	if len(buf) < IndexEntrySize {
		return IndexEntry{}, &errs.ShortBuffer{Want: IndexEntrySize, Got: len(buf)}
	}
	return IndexEntry{
		BlockNr:        binary.LittleEndian.Uint64(buf[0:8]),
		NrFree:         binary.LittleEndian.Uint32(buf[8:12]),
		NoneFreeBefore: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// BitmapEntriesPerBlock is how many 2-bit reference-count entries fit in
// one bitmap block after its header.
const BitmapEntriesPerBlock = (block.Size - HeaderSize) * 4

// BitmapOverflow is the sentinel 2-bit value meaning "the real refcount
// lives in the overflow tree".
const BitmapOverflow = 3

// GetBitmapEntry reads the 2-bit entry at index idx from a bitmap
// block's packed payload (the bytes immediately following its header).
func GetBitmapEntry(payload []byte, idx int) uint8 {
	word := binary.LittleEndian.Uint64(payload[(idx/32)*8:])
	shift := uint((idx % 32) * 2)
	return uint8((word >> shift) & 0x3)
}

// SetBitmapEntry writes the 2-bit entry at index idx into a bitmap
// block's packed payload.
func SetBitmapEntry(payload []byte, idx int, val uint8) {
	off := (idx / 32) * 8
	word := binary.LittleEndian.Uint64(payload[off:])
	shift := uint((idx % 32) * 2)
	word &^= uint64(0x3) << shift
	word |= uint64(val&0x3) << shift
	binary.LittleEndian.PutUint64(payload[off:], word)
}
