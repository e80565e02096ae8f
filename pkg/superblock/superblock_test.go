package superblock

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dmthin/tpmeta/pkg/block"
	"github.com/dmthin/tpmeta/pkg/codec"
	"github.com/dmthin/tpmeta/pkg/errs"
	"github.com/dmthin/tpmeta/pkg/ioengine"
)

func sampleSuperblock() *Superblock {
	return &Superblock{
		TransactionID:        42,
		UUID:                 uuid.New(),
		MappingRoot:          10,
		DeviceDetailsRoot:    11,
		DataSpaceMapRoot:     12,
		MetadataSpaceMapRoot: 13,
		DataBlockSize:        256,
		NrMetadataBlocks:     1000,
		Time:                 1234567,
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	sb := sampleSuperblock()
	buf := Pack(sb)
	require.Len(t, buf, block.Size)

	got, err := Unpack(buf)
	require.NoError(t, err)

	require.Equal(t, sb.TransactionID, got.TransactionID)
	require.Equal(t, sb.UUID, got.UUID)
	require.Equal(t, sb.MappingRoot, got.MappingRoot)
	require.Equal(t, sb.DeviceDetailsRoot, got.DeviceDetailsRoot)
	require.Equal(t, sb.DataSpaceMapRoot, got.DataSpaceMapRoot)
	require.Equal(t, sb.MetadataSpaceMapRoot, got.MetadataSpaceMapRoot)
	require.Equal(t, sb.DataBlockSize, got.DataBlockSize)
	require.Equal(t, sb.NrMetadataBlocks, got.NrMetadataBlocks)
}

func TestUnpackRejectsBadMagic(t *testing.T) {
	buf := Pack(sampleSuperblock())
	buf[16] ^= 0xff
	// re-stamp checksum over the corrupted magic so we hit the magic
	// check rather than the checksum check
	_, err := Unpack(reStamp(buf))
	var bm *errs.BadMagic
	require.ErrorAs(t, err, &bm)
}

func TestUnpackRejectsBadChecksum(t *testing.T) {
	buf := Pack(sampleSuperblock())
	buf[100] ^= 0xff
	_, err := Unpack(buf)
	var bc *errs.BadChecksum
	require.ErrorAs(t, err, &bc)
}

func TestNeedsCheckIsIdempotent(t *testing.T) {
	sb := sampleSuperblock()
	require.False(t, sb.NeedsCheck())
	sb.SetNeedsCheck()
	require.True(t, sb.NeedsCheck())
	sb.SetNeedsCheck()
	require.True(t, sb.NeedsCheck())
}

func TestWriteReadAndSetNeedsCheckViaEngine(t *testing.T) {
	eng := ioengine.NewMemEngine(4)
	sb := sampleSuperblock()

	require.NoError(t, Write(eng, sb))

	got, err := Read(eng)
	require.NoError(t, err)
	require.False(t, got.NeedsCheck())

	require.NoError(t, SetNeedsCheck(eng))

	got2, err := Read(eng)
	require.NoError(t, err)
	require.True(t, got2.NeedsCheck())
}

// reStamp recomputes the checksum over an already-corrupted buffer, used
// to isolate the magic check from the checksum check in tests.
func reStamp(buf []byte) []byte {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	_, _ = codec.Stamp(codec.SeedSuperblock, Location, cp)
	return cp
}
