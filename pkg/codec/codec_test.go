package codec

import (
	"testing"

	"github.com/dmthin/tpmeta/pkg/block"
	"github.com/dmthin/tpmeta/pkg/errs"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{CRC: 0xdeadbeef, Flags: 0x1, BlockNr: 99}
	require.NoError(t, PackHeader(buf, h))
	got, err := UnpackHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderShortBuffer(t *testing.T) {
	_, err := UnpackHeader(make([]byte, 4))
	require.Error(t, err)
	var sb *errs.ShortBuffer
	require.ErrorAs(t, err, &sb)
}

func TestStampAndVerifyRoundTrip(t *testing.T) {
	buf := make([]byte, block.Size)
	copy(buf[16:], []byte("some node payload"))

	_, err := Stamp(SeedBtreeNode, 7, buf)
	require.NoError(t, err)

	require.NoError(t, Verify(SeedBtreeNode, 7, buf))
}

func TestVerifyDetectsBadChecksum(t *testing.T) {
	buf := make([]byte, block.Size)
	_, err := Stamp(SeedSuperblock, 0, buf)
	require.NoError(t, err)

	buf[20] ^= 0xff // corrupt payload after the checksum field

	err = Verify(SeedSuperblock, 0, buf)
	var bc *errs.BadChecksum
	require.ErrorAs(t, err, &bc)
	require.Equal(t, uint64(0), bc.BlockNr)
}

func TestVerifyDetectsSelfRefMismatch(t *testing.T) {
	buf := make([]byte, block.Size)
	_, err := Stamp(SeedSuperblock, 5, buf)
	require.NoError(t, err)

	err = Verify(SeedSuperblock, 6, buf)
	var c *errs.Corrupt
	require.ErrorAs(t, err, &c)
}

func TestDifferentSeedsProduceDifferentChecksums(t *testing.T) {
	buf := make([]byte, block.Size)
	copy(buf[16:], []byte("payload"))
	binary := Checksum(SeedBtreeNode, buf)
	bitmap := Checksum(SeedBitmap, buf)
	require.NotEqual(t, binary, bitmap)
}

func TestNodeHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, NodeHeaderSize)
	h := NodeHeader{
		Header:     Header{CRC: 1, Flags: 0, BlockNr: 12},
		NodeType:   NodeLeaf,
		NrEntries:  3,
		MaxEntries: 126,
		ValueSize:  8,
	}
	require.NoError(t, PackNodeHeader(buf, h))
	got, err := UnpackNodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestMappingValueRoundTrip(t *testing.T) {
	v := MappingValue{Time: 0xABCDEF, DataBlock: 0x12345}
	raw := PackMappingValue(v)
	got := UnpackMappingValue(raw)
	require.Equal(t, v, got)
}

func TestMappingValueDataBlockIsFortyBitsWide(t *testing.T) {
	v := MappingValue{Time: 1, DataBlock: (uint64(1) << 40) - 1}
	got := UnpackMappingValue(PackMappingValue(v))
	require.Equal(t, v.DataBlock, got.DataBlock)
}

func TestDeviceDetailsRoundTrip(t *testing.T) {
	d := DeviceDetails{MappedBlocks: 10, TransactionID: 3, CreationTime: 111, SnapshotTime: 222}
	got, err := UnpackDeviceDetails(PackDeviceDetails(d))
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestSMRootRoundTrip(t *testing.T) {
	r := SMRoot{NrBlocks: 100, NrAllocated: 42, BitmapRoot: 7, RefCountRoot: 8}
	got, err := UnpackSMRoot(PackSMRoot(r))
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestIndexEntryRoundTrip(t *testing.T) {
	e := IndexEntry{BlockNr: 55, NrFree: 10, NoneFreeBefore: 3}
	got, err := UnpackIndexEntry(PackIndexEntry(e))
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestBitmapEntryRoundTrip(t *testing.T) {
	payload := make([]byte, block.Size-HeaderSize)
	SetBitmapEntry(payload, 0, 3)
	SetBitmapEntry(payload, 1, 1)
	SetBitmapEntry(payload, 31, 2)
	SetBitmapEntry(payload, 32, 3)

	require.Equal(t, uint8(3), GetBitmapEntry(payload, 0))
	require.Equal(t, uint8(1), GetBitmapEntry(payload, 1))
	require.Equal(t, uint8(2), GetBitmapEntry(payload, 31))
	require.Equal(t, uint8(3), GetBitmapEntry(payload, 32))
	require.Equal(t, uint8(0), GetBitmapEntry(payload, 2))
}
