package damage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmthin/tpmeta/pkg/ioengine"
	"github.com/dmthin/tpmeta/pkg/spacemap"
)

func newTestSpaceMap(t *testing.T, nrBlocks uint64) *spacemap.SpaceMap {
	eng := ioengine.NewMemEngine(nrBlocks + 8)
	sm, err := spacemap.Create(eng, []uint64{0}, nrBlocks, true)
	require.NoError(t, err)
	return sm
}

func TestCreateMetadataLeaksRewritesMatchingBlocks(t *testing.T) {
	sm := newTestSpaceMap(t, 32)

	// allocate a handful of blocks so they sit at refcount 1, matching
	// what we'll ask the damage generator to target.
	var allocated []uint64
	for i := 0; i < 5; i++ {
		b, err := sm.Alloc()
		require.NoError(t, err)
		allocated = append(allocated, b)
	}

	n, err := Generate(sm, Op{CreateMetadataLeaks: true, NrBlocks: 3, ExpectedRC: 1, ActualRC: 7})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	var rewritten int
	for _, b := range allocated {
		rc, err := sm.Get(b)
		require.NoError(t, err)
		if rc == 7 {
			rewritten++
		}
	}
	require.Equal(t, 3, rewritten)
}

func TestCreateMetadataLeaksStopsAtAvailableCount(t *testing.T) {
	sm := newTestSpaceMap(t, 32)
	b, err := sm.Alloc()
	require.NoError(t, err)

	n, err := Generate(sm, Op{CreateMetadataLeaks: true, NrBlocks: 10, ExpectedRC: 1, ActualRC: 9})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rc, err := sm.Get(b)
	require.NoError(t, err)
	require.Equal(t, uint32(9), rc)
}

func TestGenerateRequiresAnOperation(t *testing.T) {
	sm := newTestSpaceMap(t, 8)
	_, err := Generate(sm, Op{})
	require.Error(t, err)
}
