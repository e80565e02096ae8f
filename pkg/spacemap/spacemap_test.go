package spacemap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmthin/tpmeta/pkg/codec"
	"github.com/dmthin/tpmeta/pkg/ioengine"
)

func TestCoreWidthSelection(t *testing.T) {
	require.IsType(t, &coreSpaceMap8{}, NewCore(10, 200))
	require.IsType(t, &coreSpaceMap16{}, NewCore(10, 60000))
	require.IsType(t, &coreSpaceMap32{}, NewCore(10, 1<<20))
}

func TestCoreAllocIncDec(t *testing.T) {
	c := NewCore(4, 255)

	b0, err := c.Alloc()
	require.NoError(t, err)
	b1, err := c.Alloc()
	require.NoError(t, err)
	require.NotEqual(t, b0, b1)
	require.Equal(t, uint64(2), c.NrAllocated())

	require.NoError(t, c.Inc(b0))
	got, err := c.Get(b0)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got)

	require.NoError(t, c.Dec(b0))
	require.NoError(t, c.Dec(b0))
	got, err = c.Get(b0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), got)
	require.Equal(t, uint64(1), c.NrAllocated())
}

func TestCoreDecOnZeroIsCorrupt(t *testing.T) {
	c := NewCore(2, 255)
	err := c.Dec(0)
	require.Error(t, err)
}

func TestCoreAllocExhaustion(t *testing.T) {
	c := NewCore(2, 255)
	_, err := c.Alloc()
	require.NoError(t, err)
	_, err = c.Alloc()
	require.NoError(t, err)
	_, err = c.Alloc()
	require.Error(t, err)
}

func newTestSpaceMap(t *testing.T, nrBlocks uint64) (*SpaceMap, ioengine.Engine) {
	nrBitmapBlocks := (nrBlocks + uint64(codec.BitmapEntriesPerBlock) - 1) / uint64(codec.BitmapEntriesPerBlock)
	if nrBitmapBlocks == 0 {
		nrBitmapBlocks = 1
	}
	// reserve a generous pool so the overflow tree and test-driven allocs
	// beyond nrBlocks's own bitmap region have somewhere to land.
	eng := ioengine.NewMemEngine(nrBlocks + nrBitmapBlocks + 16)

	bitmapBlockNrs := make([]uint64, nrBitmapBlocks)
	for i := range bitmapBlockNrs {
		bitmapBlockNrs[i] = uint64(i)
	}

	sm, err := Create(eng, bitmapBlockNrs, nrBlocks, true)
	require.NoError(t, err)
	return sm, eng
}

func TestSpaceMapCreateMarksBitmapBlocksAllocated(t *testing.T) {
	sm, _ := newTestSpaceMap(t, 64)
	got, err := sm.Get(0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), got)
}

func TestSpaceMapAllocSkipsReservedBlocks(t *testing.T) {
	sm, _ := newTestSpaceMap(t, 64)
	b, err := sm.Alloc()
	require.NoError(t, err)
	require.NotEqual(t, uint64(0), b) // block 0 is the bitmap itself
}

// TestForeignBitmapDoesNotSelfMarkUnrelatedAddressSpace exercises the
// data-space-map shape: its bitmap blocks are numbers in a completely
// different address space (here, high block numbers from an unrelated
// "metadata" engine), so low-numbered entries in the tracked space must
// stay free even though they happen to numerically coincide with the
// bitmap's own block numbers.
func TestForeignBitmapDoesNotSelfMarkUnrelatedAddressSpace(t *testing.T) {
	eng := ioengine.NewMemEngine(100)
	foreignBitmapNrs := []uint64{50} // well outside the tracked [0, 10) space
	sm, err := Create(eng, foreignBitmapNrs, 10, false)
	require.NoError(t, err)

	got, err := sm.Get(0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), got)
	require.Equal(t, uint64(0), sm.NrAllocated())
}

func TestSpaceMapIncDecCrossesOverflowBoundary(t *testing.T) {
	sm, _ := newTestSpaceMap(t, 64)
	b, err := sm.Alloc()
	require.NoError(t, err)

	// b starts at refcount 1 from Alloc; walk it up through the overflow
	// boundary and back down.
	require.NoError(t, sm.Inc(b)) // 2
	got, err := sm.Get(b)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got)

	require.NoError(t, sm.Inc(b)) // 3: escalates to overflow
	got, err = sm.Get(b)
	require.NoError(t, err)
	require.Equal(t, uint32(3), got)

	require.NoError(t, sm.Inc(b)) // 4: stays in overflow
	got, err = sm.Get(b)
	require.NoError(t, err)
	require.Equal(t, uint32(4), got)

	require.NoError(t, sm.Dec(b)) // 3
	require.NoError(t, sm.Dec(b)) // 2: drops back under the bitmap
	got, err = sm.Get(b)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got)

	require.NoError(t, sm.Dec(b)) // 1
	require.NoError(t, sm.Dec(b)) // 0
	got, err = sm.Get(b)
	require.NoError(t, err)
	require.Equal(t, uint32(0), got)
}

func TestSpaceMapNrAllocatedTracksFreeAndUsed(t *testing.T) {
	sm, _ := newTestSpaceMap(t, 64)
	before := sm.NrAllocated()

	b, err := sm.Alloc()
	require.NoError(t, err)
	require.Equal(t, before+1, sm.NrAllocated())

	require.NoError(t, sm.Dec(b))
	require.Equal(t, before, sm.NrAllocated())
}

func TestSpaceMapAllocDoesNotReuseLiveBlocks(t *testing.T) {
	sm, _ := newTestSpaceMap(t, 64)

	seen := make(map[uint64]bool)
	for i := 0; i < 10; i++ {
		b, err := sm.Alloc()
		require.NoError(t, err)
		require.False(t, seen[b])
		seen[b] = true
	}
}

func TestSpaceMapOutOfSpace(t *testing.T) {
	sm, _ := newTestSpaceMap(t, 8)
	var err error
	for i := 0; i < 64; i++ {
		if _, err = sm.Alloc(); err != nil {
			break
		}
	}
	require.Error(t, err)
}
