package restore

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dmthin/tpmeta/pkg/codec"
	"github.com/dmthin/tpmeta/pkg/ioengine"
	"github.com/dmthin/tpmeta/pkg/superblock"
)

func TestRestoreSingleDeviceRoundTrip(t *testing.T) {
	eng := ioengine.NewMemEngine(128)
	r := New(eng, 4)

	id := uuid.New()
	require.NoError(t, r.Superblock(7, id, 64, 1000))
	require.NoError(t, r.Device(1, codec.DeviceDetails{MappedBlocks: 10, TransactionID: 7}))
	require.NoError(t, r.MapRange(0, 100, 10, 42))
	require.NoError(t, r.EndDevice())
	require.NoError(t, r.EndSuperblock())

	sb, err := superblock.Read(eng)
	require.NoError(t, err)
	require.Equal(t, uint64(7), sb.TransactionID)
	require.Equal(t, id, sb.UUID)
	require.Equal(t, uint32(64), sb.DataBlockSize)

	// top tree: device 1's mapping-tree root is reachable.
	ptrBuf, err := r.topTree.Lookup(sb.MappingRoot, 1)
	require.NoError(t, err)
	deviceRoot := binary.LittleEndian.Uint64(ptrBuf)

	rawDetails, err := r.detailsTree.Lookup(sb.DeviceDetailsRoot, 1)
	require.NoError(t, err)
	details, err := codec.UnpackDeviceDetails(rawDetails)
	require.NoError(t, err)
	require.Equal(t, uint64(10), details.MappedBlocks)

	require.NotEqual(t, uint64(0), deviceRoot)
}

func TestRestoreDeviceMustCloseBeforeReopening(t *testing.T) {
	eng := ioengine.NewMemEngine(128)
	r := New(eng, 4)
	require.NoError(t, r.Superblock(1, uuid.New(), 64, 100))
	require.NoError(t, r.Device(1, codec.DeviceDetails{}))
	require.Error(t, r.Device(2, codec.DeviceDetails{}))
}

func TestRestoreEndSuperblockRequiresClosedDevice(t *testing.T) {
	eng := ioengine.NewMemEngine(128)
	r := New(eng, 4)
	require.NoError(t, r.Superblock(1, uuid.New(), 64, 100))
	require.NoError(t, r.Device(1, codec.DeviceDetails{}))
	require.Error(t, r.EndSuperblock())
}

func TestRestoreDataSpaceMapRefcountsFollowMappings(t *testing.T) {
	eng := ioengine.NewMemEngine(128)
	r := New(eng, 4)
	require.NoError(t, r.Superblock(1, uuid.New(), 64, 100))
	require.NoError(t, r.Device(1, codec.DeviceDetails{}))
	require.NoError(t, r.MapRange(0, 5, 3, 0)) // data blocks 5,6,7
	require.NoError(t, r.Ref(5))               // a later snapshot also uses block 5
	require.NoError(t, r.EndDevice())
	require.NoError(t, r.EndSuperblock())

	rc, err := r.dataSM.Get(5)
	require.NoError(t, err)
	require.Equal(t, uint32(2), rc)

	rc, err = r.dataSM.Get(6)
	require.NoError(t, err)
	require.Equal(t, uint32(1), rc)
}

// TestRestoreReservesSuperblockLocation guards the same invariant as
// its generator counterpart: Superblock must reserve block 0 in the
// metadata space map before any other allocation, or a later Alloc
// could hand block 0 to a tree/bitmap block that EndSuperblock's final
// raw write would then silently clobber.
func TestRestoreReservesSuperblockLocation(t *testing.T) {
	eng := ioengine.NewMemEngine(128)
	r := New(eng, 4)
	require.NoError(t, r.Superblock(1, uuid.New(), 64, 100))

	rc, err := r.metaSM.Get(0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), rc)
}
