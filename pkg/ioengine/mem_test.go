package ioengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmthin/tpmeta/pkg/block"
)

func TestMemEngineReadWriteRoundTrip(t *testing.T) {
	eng := NewMemEngine(10)

	b := block.New(3)
	copy(b.Data[:], []byte("hello"))
	require.NoError(t, eng.WriteBlock(b))

	got, err := eng.ReadBlock(3)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got.Data[:5]))
}

func TestMemEngineReadOutOfRange(t *testing.T) {
	eng := NewMemEngine(2)
	_, err := eng.ReadBlock(5)
	require.Error(t, err)
}

func TestMemEngineReadManyPreservesOrderAndPartialFailure(t *testing.T) {
	eng := NewMemEngine(3)
	b1 := block.New(1)
	copy(b1.Data[:], []byte("one"))
	require.NoError(t, eng.WriteBlock(b1))

	results, err := eng.ReadMany([]uint64{1, 99, 0})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.Equal(t, "one", string(results[0].Block.Data[:3]))
	require.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)
}

func TestSpindleEngineCachesAndInvalidatesOnWrite(t *testing.T) {
	backend := NewMemEngine(5)
	b := block.New(2)
	copy(b.Data[:], []byte("v1"))
	require.NoError(t, backend.WriteBlock(b))

	sp := NewSpindleEngine(backend, 1)

	got, err := sp.ReadBlock(2)
	require.NoError(t, err)
	require.Equal(t, "v1", string(got.Data[:2]))

	// Mutate the backend directly; the spindle cache should still serve
	// the stale cached copy until its own WriteBlock invalidates it.
	stale := block.New(2)
	copy(stale.Data[:], []byte("v2"))
	require.NoError(t, backend.WriteBlock(stale))

	cached, err := sp.ReadBlock(2)
	require.NoError(t, err)
	require.Equal(t, "v1", string(cached.Data[:2]))

	fresh := block.New(2)
	copy(fresh.Data[:], []byte("v3"))
	require.NoError(t, sp.WriteBlock(fresh))

	got, err = sp.ReadBlock(2)
	require.NoError(t, err)
	require.Equal(t, "v3", string(got.Data[:2]))
}

func TestSpindleEngineReadManyCoalescesAndPreservesOrder(t *testing.T) {
	backend := NewMemEngine(10)
	for i := uint64(0); i < 10; i++ {
		b := block.New(i)
		b.Data[0] = byte(i)
		require.NoError(t, backend.WriteBlock(b))
	}

	sp := NewSpindleEngine(backend, 1)
	results, err := sp.ReadMany([]uint64{7, 3, 4, 9})
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.Equal(t, byte(7), results[0].Block.Data[0])
	require.Equal(t, byte(3), results[1].Block.Data[0])
	require.Equal(t, byte(4), results[2].Block.Data[0])
	require.Equal(t, byte(9), results[3].Block.Data[0])
}

func TestSpindleEngineEvictsLeastRecentlyUsed(t *testing.T) {
	backend := NewMemEngine(4)
	for i := uint64(0); i < 4; i++ {
		b := block.New(i)
		b.Data[0] = byte(i)
		require.NoError(t, backend.WriteBlock(b))
	}

	// capacity fits exactly one block.
	sp := NewSpindleEngine(backend, 0)
	_, err := sp.ReadBlock(0)
	require.NoError(t, err)
	_, err = sp.ReadBlock(1)
	require.NoError(t, err)

	require.Equal(t, 1, sp.order.Len())
	_, ok := sp.cache[1]
	require.True(t, ok)
	_, ok = sp.cache[0]
	require.False(t, ok)
}
