package generator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmthin/tpmeta/pkg/btree"
	"github.com/dmthin/tpmeta/pkg/codec"
	"github.com/dmthin/tpmeta/pkg/ioengine"
	"github.com/dmthin/tpmeta/pkg/spacemap"
	"github.com/dmthin/tpmeta/pkg/superblock"
)

func TestFormatProducesValidEmptySuperblock(t *testing.T) {
	eng := ioengine.NewMemEngine(64)
	opts := Options{DataBlockSize: 128, NrDataBlocks: 1000, Output: "unused"}

	require.NoError(t, format(eng, opts))

	sb, err := superblock.Read(eng)
	require.NoError(t, err)
	require.Equal(t, uint64(1), sb.TransactionID)
	require.False(t, sb.NeedsCheck())
	require.Equal(t, uint32(128), sb.DataBlockSize)
	require.Equal(t, eng.NrBlocks(), sb.NrMetadataBlocks)
}

func TestFormatProducesEmptyWalkableTrees(t *testing.T) {
	eng := ioengine.NewMemEngine(64)
	opts := Options{DataBlockSize: 128, NrDataBlocks: 1000, Output: "unused"}
	require.NoError(t, format(eng, opts))

	sb, err := superblock.Read(eng)
	require.NoError(t, err)

	mapping := btree.New(eng, nil, codec.MappingValueSize)
	var count int
	err = mapping.Walk(sb.MappingRoot, func(key uint64, value []byte) (bool, error) {
		count++
		return false, nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, count)

	_, err = mapping.Lookup(sb.MappingRoot, 0)
	require.Error(t, err)
}

// TestFormatReservesSuperblockLocation guards against the metadata
// space map handing block 0 out to an ordinary allocation: if it did,
// whatever got allocated there (commonly the data space map's own
// bitmap block) would be silently overwritten by the final raw write
// of the superblock, leaving that allocation's checksum unreadable.
func TestFormatReservesSuperblockLocation(t *testing.T) {
	eng := ioengine.NewMemEngine(64)
	opts := Options{DataBlockSize: 128, NrDataBlocks: 4000, Output: "unused"}
	require.NoError(t, format(eng, opts))

	sb, err := superblock.Read(eng)
	require.NoError(t, err)

	root, err := spacemap.ReadRoot(eng, sb.DataSpaceMapRoot)
	require.NoError(t, err)

	dataBitmapNrs := make([]uint64, spacemap.BitmapBlocksNeeded(4000))
	for i := range dataBitmapNrs {
		dataBitmapNrs[i] = root.BitmapRoot + uint64(i)
	}
	dataSM := spacemap.Open(eng, dataBitmapNrs, 4000, root)

	rc, err := dataSM.Get(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), rc)
}

func TestFormatTooSmallDeviceFails(t *testing.T) {
	eng := ioengine.NewMemEngine(2)
	err := format(eng, Options{NrDataBlocks: 10})
	require.Error(t, err)
}
