package mempool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memwrapper/ballast/memutils"
	"github.com/memwrapper/ballast/mempool"
)

func detailedStats(pool *mempool.Pool) memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()
	pool.AddDetailedStatistics(&stats)
	return stats
}

func TestBestFitSingleBlock(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks:  1,
		Num64BytesBlocks:  1,
		Num128BytesBlocks: 1,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	before := detailedStats(pool)

	ptr, err := pool.Alloc(40)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Len(t, ptr, 40)

	// The span capacity identifies the class that served the request.
	require.Equal(t, 64, cap(ptr))
	require.Equal(t, 1, pool.AllocationCount())

	stats := detailedStats(pool)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 40, stats.AllocationBytes)

	require.NoError(t, pool.Free(ptr))
	require.Equal(t, before, detailedStats(pool))
	require.NoError(t, pool.CheckCorruption())
}

func TestMultiBlockFallback(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks: 4,
		Logger:           quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(60)
	require.NoError(t, err)
	require.Len(t, ptr, 60)

	// Two merged 32-byte blocks: 32 + (32 + 48) addressable bytes.
	require.Equal(t, 112, cap(ptr))

	stats := detailedStats(pool)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 2, stats.UnusedRangeCount)

	require.NoError(t, pool.Free(ptr))
	require.Equal(t, 0, pool.AllocationCount())
	require.Equal(t, 4, detailedStats(pool).UnusedRangeCount)
	require.NoError(t, pool.CheckCorruption())
}

func TestAllocFailsAcrossClasses(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks: 1,
		Num64BytesBlocks: 1,
		Logger:           quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	// 96 aggregate free bytes exist, but they straddle two classes and
	// cannot serve one request.
	ptr, err := pool.Alloc(65)
	require.Error(t, err)
	require.Nil(t, ptr)
	require.Equal(t, mempool.NoMemory, pool.LastErrorCode())
	require.Equal(t, "The mempool is full. Cannot allocate memory.", pool.LastErrorMessage())
}

func TestAllocZeroSize(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{Num32BytesBlocks: 1, Logger: quietLogger()})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(0)
	require.NoError(t, err)
	require.Nil(t, ptr)
	require.Equal(t, mempool.NoErr, pool.LastErrorCode())
}

func TestAllocExactBlockSize(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{Num64BytesBlocks: 1, Logger: quietLogger()})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(64)
	require.NoError(t, err)
	require.Len(t, ptr, 64)
	require.Equal(t, 64, cap(ptr))

	_, err = pool.Alloc(1)
	require.Error(t, err)
	require.Equal(t, mempool.NoMemory, pool.LastErrorCode())
}

func TestAllocBlockSizePlusOneGoesMultiBlock(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{Num32BytesBlocks: 4, Logger: quietLogger()})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(33)
	require.NoError(t, err)
	require.Equal(t, 112, cap(ptr))

	stats := detailedStats(pool)
	require.Equal(t, 2, stats.UnusedRangeCount)
}

func TestAllocWholePoolPayload(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{Num32BytesBlocks: 4, Logger: quietLogger()})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(128)
	require.NoError(t, err)
	require.Len(t, ptr, 128)

	require.NoError(t, pool.Free(ptr))
	require.NoError(t, pool.CheckCorruption())
}

func TestAllocPrefersClassZero(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks: 2,
		Num64BytesBlocks: 1,
		Logger:           quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(10)
	require.NoError(t, err)
	require.Equal(t, 32, cap(ptr))
}

func TestAllocResidualPayloadDecision(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks:  10,
		Num128BytesBlocks: 2,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	// Both candidates exist for 40 bytes: one 128-byte block, or a run of two
	// 32-byte blocks. The 32 class keeps 256 residual free payload against
	// the 128 class' 128, so the run wins.
	ptr, err := pool.Alloc(40)
	require.NoError(t, err)
	require.Equal(t, 112, cap(ptr))

	// Exhaust the 32 class; the same request must now come from the 128
	// class.
	var fillers [][]byte
	for i := 0; i < 8; i++ {
		filler, allocErr := pool.Alloc(32)
		require.NoError(t, allocErr)
		fillers = append(fillers, filler)
	}

	second, err := pool.Alloc(40)
	require.NoError(t, err)
	require.Equal(t, 128, cap(second))

	require.NoError(t, pool.Free(ptr))
	require.NoError(t, pool.Free(second))
	for _, filler := range fillers {
		require.NoError(t, pool.Free(filler))
	}
	require.NoError(t, pool.CheckCorruption())
}

func TestAllocKeepsInitPattern(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{Num32BytesBlocks: 2, Logger: quietLogger()})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(16)
	require.NoError(t, err)
	for i := range ptr {
		require.Equal(t, byte(0xAC), ptr[i])
	}
}

func TestAllocZeroesWhenRequested(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks:    2,
		InitAllocatedMemory: true,
		Logger:              quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(16)
	require.NoError(t, err)
	for i := range ptr {
		require.Equal(t, byte(0), ptr[i])
	}
}

func TestAllocRunScanSkipsOccupiedBlocks(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{Num32BytesBlocks: 5, Logger: quietLogger()})
	require.NoError(t, err)
	defer pool.Destroy()

	first, err := pool.Alloc(10)
	require.NoError(t, err)
	second, err := pool.Alloc(10)
	require.NoError(t, err)
	third, err := pool.Alloc(10)
	require.NoError(t, err)

	// Free the first and third single blocks; the free window now covers
	// blocks 0..4, block 0 is cut off by the occupied block 1, and the run
	// lands on blocks 2 and 3.
	require.NoError(t, pool.Free(first))
	require.NoError(t, pool.Free(third))

	run, err := pool.Alloc(60)
	require.NoError(t, err)
	require.Equal(t, 112, cap(run))

	require.NoError(t, pool.Free(second))
	require.NoError(t, pool.Free(run))
	require.NoError(t, pool.CheckCorruption())
}
