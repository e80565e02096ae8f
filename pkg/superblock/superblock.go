// Package superblock reads and writes the root record of a metadata
// device: format version, transaction id, B-tree and space-map roots,
// and the needs_check flag. Writing a superblock is always the commit
// barrier for a transaction -- every other block must be durable first.
package superblock

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/dmthin/tpmeta/pkg/block"
	"github.com/dmthin/tpmeta/pkg/codec"
	"github.com/dmthin/tpmeta/pkg/errs"
	"github.com/dmthin/tpmeta/pkg/ioengine"
)

// Location is the fixed block number of the superblock.
const Location = 0

// Magic identifies this format's superblock schema.
const Magic = 0x5442534D // "TBSM" as a big-endian ASCII word; stored little-endian

// Version is the only on-disk format version this engine understands.
const Version = 2

// Size is the total on-disk size of a superblock record, including its
// reserved tail.
const Size = 512

// Flag bits for the superblock's Flags field.
const (
	FlagNeedsCheck uint32 = 1 << 0
)

// Superblock is the root record of a metadata device, matching the
// layout table in the external interfaces section byte for byte.
type Superblock struct {
	TransactionID       uint64
	MetadataSnapshot    uint64 // 0 if none
	UUID                uuid.UUID
	MappingRoot         uint64
	DeviceDetailsRoot   uint64
	DataSpaceMapRoot    uint64
	MetadataSpaceMapRoot uint64
	DataBlockSize       uint32 // in sectors
	NrMetadataBlocks    uint64
	CompatFlags         uint32
	IncompatFlags       uint32
	Flags               uint32
	Time                uint32
	Created             time.Time
}

// NeedsCheck reports whether the needs_check flag is set.
func (sb *Superblock) NeedsCheck() bool {
	return sb.Flags&FlagNeedsCheck != 0
}

// SetNeedsCheck sets the needs_check flag. Setting it when it is already
// set is a no-op, matching the idempotent contract in the error handling
// design.
func (sb *Superblock) SetNeedsCheck() {
	sb.Flags |= FlagNeedsCheck
}

// Pack serializes sb into a fresh block.Size-byte buffer (the record
// occupies its first Size bytes, the rest is zero), stamping the block
// header's checksum and self-reference as a side effect.
func Pack(sb *Superblock) []byte {
	buf := make([]byte, block.Size)

	binary.LittleEndian.PutUint32(buf[16:20], Magic)
	binary.LittleEndian.PutUint32(buf[20:24], Version)
	binary.LittleEndian.PutUint32(buf[24:28], sb.Time)
	binary.LittleEndian.PutUint64(buf[32:40], sb.TransactionID)
	binary.LittleEndian.PutUint64(buf[40:48], sb.MetadataSnapshot)
	copy(buf[48:64], sb.UUID[:])
	binary.LittleEndian.PutUint64(buf[64:72], sb.MappingRoot)
	binary.LittleEndian.PutUint64(buf[72:80], sb.DeviceDetailsRoot)
	binary.LittleEndian.PutUint64(buf[80:88], sb.DataSpaceMapRoot)
	binary.LittleEndian.PutUint64(buf[88:96], sb.MetadataSpaceMapRoot)
	binary.LittleEndian.PutUint32(buf[96:100], sb.DataBlockSize)
	binary.LittleEndian.PutUint64(buf[100:108], sb.NrMetadataBlocks)
	binary.LittleEndian.PutUint32(buf[108:112], sb.CompatFlags)
	binary.LittleEndian.PutUint32(buf[112:116], sb.IncompatFlags)

	binary.LittleEndian.PutUint32(buf[4:8], sb.Flags)
	_, _ = codec.Stamp(codec.SeedSuperblock, Location, buf)

	return buf
}

// Unpack validates and decodes a superblock out of buf, which must be at
// least block.Size bytes (a full metadata block).
func Unpack(buf []byte) (*Superblock, error) {
	if len(buf) < block.Size {
		return nil, &errs.ShortBuffer{Want: block.Size, Got: len(buf)}
	}

	if err := codec.Verify(codec.SeedSuperblock, Location, buf); err != nil {
		return nil, err
	}

	magic := binary.LittleEndian.Uint32(buf[16:20])
	if magic != Magic {
		return nil, &errs.BadMagic{Want: Magic, Got: magic}
	}

	version := binary.LittleEndian.Uint32(buf[20:24])
	if version != Version {
		return nil, &errs.VersionMismatch{Want: Version, Got: version}
	}

	sb := &Superblock{
		Flags:                binary.LittleEndian.Uint32(buf[4:8]),
		Time:                 binary.LittleEndian.Uint32(buf[24:28]),
		TransactionID:        binary.LittleEndian.Uint64(buf[32:40]),
		MetadataSnapshot:     binary.LittleEndian.Uint64(buf[40:48]),
		MappingRoot:          binary.LittleEndian.Uint64(buf[64:72]),
		DeviceDetailsRoot:    binary.LittleEndian.Uint64(buf[72:80]),
		DataSpaceMapRoot:     binary.LittleEndian.Uint64(buf[80:88]),
		MetadataSpaceMapRoot: binary.LittleEndian.Uint64(buf[88:96]),
		DataBlockSize:        binary.LittleEndian.Uint32(buf[96:100]),
		NrMetadataBlocks:     binary.LittleEndian.Uint64(buf[100:108]),
		CompatFlags:          binary.LittleEndian.Uint32(buf[108:112]),
		IncompatFlags:        binary.LittleEndian.Uint32(buf[112:116]),
	}
	copy(sb.UUID[:], buf[48:64])
	sb.Created = time.Unix(int64(sb.Time), 0).UTC()

	return sb, nil
}

// Read validates and returns the current superblock from eng.
func Read(eng ioengine.Engine) (*Superblock, error) {
	b, err := eng.ReadBlock(Location)
	if err != nil {
		return nil, errs.Wrap(Location, err)
	}
	return Unpack(b.Bytes())
}

// Write is the commit barrier: the caller must ensure every other
// dirtied block has already been flushed durably before calling this, as
// the write batcher does. It serializes sb, writes it, and flushes.
func Write(eng ioengine.Engine, sb *Superblock) error {
	buf := Pack(sb)
	b := block.New(Location)
	copy(b.Data[:], buf)
	if err := eng.WriteBlock(b); err != nil {
		return errs.Wrap(Location, err)
	}
	return eng.Flush()
}

// SetNeedsCheck reads the current superblock, sets the needs_check flag,
// and writes it back -- a one-shot state transition used by repair
// tools to mark a metadata device as requiring verification before the
// next mount.
func SetNeedsCheck(eng ioengine.Engine) error {
	sb, err := Read(eng)
	if err != nil {
		return pkgerrors.Wrap(err, "reading superblock to set needs_check")
	}
	sb.SetNeedsCheck()
	if err := Write(eng, sb); err != nil {
		return pkgerrors.Wrap(err, "writing superblock with needs_check set")
	}
	return nil
}
