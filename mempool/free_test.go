package mempool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memwrapper/ballast/mempool"
)

func TestFreeRoundtrip(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks: 4,
		Num64BytesBlocks: 2,
		Logger:           quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	before := detailedStats(pool)

	for _, size := range []int{1, 31, 32, 33, 64, 100} {
		ptr, allocErr := pool.Alloc(size)
		require.NoError(t, allocErr, "size %d", size)
		require.NoError(t, pool.Free(ptr))
		require.Equal(t, before, detailedStats(pool), "size %d", size)
	}
}

func TestFreeNilIsSilentNoOp(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{Num32BytesBlocks: 1, Logger: quietLogger()})
	require.NoError(t, err)
	defer pool.Destroy()

	_, allocErr := pool.Alloc(1000)
	require.Error(t, allocErr)
	require.Equal(t, mempool.NoMemory, pool.LastErrorCode())

	// A nil pointer neither fails nor clears the recorded error.
	require.NoError(t, pool.Free(nil))
	require.Equal(t, mempool.NoMemory, pool.LastErrorCode())
}

func TestFreeForeignPointer(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{Num32BytesBlocks: 1, Logger: quietLogger()})
	require.NoError(t, err)
	defer pool.Destroy()

	require.Error(t, pool.Free(make([]byte, 16)))
	require.Equal(t, mempool.PointerParamError, pool.LastErrorCode())
	require.Equal(t, "Invalid pointer input parameter.", pool.LastErrorMessage())
}

func TestFreeMisalignedPointer(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{Num32BytesBlocks: 2, Logger: quietLogger()})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(16)
	require.NoError(t, err)

	require.Error(t, pool.Free(ptr[1:]))
	require.Equal(t, mempool.PointerParamError, pool.LastErrorCode())

	// The original pointer is still live and freeable.
	require.NoError(t, pool.Free(ptr))
	require.Equal(t, 0, pool.AllocationCount())
}

func TestDoubleFree(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{Num32BytesBlocks: 2, Logger: quietLogger()})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, pool.Free(ptr))

	require.Error(t, pool.Free(ptr))
	require.Equal(t, mempool.Overflow, pool.LastErrorCode())
}

func TestOverflowDetectedOnFree(t *testing.T) {
	var callbackCodes []mempool.ErrorCode
	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks:   2,
		FullOverflowChecks: true,
		ErrorCallback: func(code mempool.ErrorCode, message string) {
			callbackCodes = append(callbackCodes, code)
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(10)
	require.NoError(t, err)

	// Write one byte past the requested size, into allocator-owned slack.
	slack := ptr[:cap(ptr)]
	slack[10] = 0x5A

	freeErr := pool.Free(ptr)
	require.Error(t, freeErr)
	require.Equal(t, mempool.Overflow, pool.LastErrorCode())
	require.Contains(t, pool.LastErrorMessage(), "Memory overflow detected.")
	require.Contains(t, pool.LastErrorMessage(), "mempool offset")
	require.Contains(t, callbackCodes, mempool.Overflow)

	// The free still completed and the block was scrubbed back to health.
	require.Equal(t, 0, pool.AllocationCount())
	require.NoError(t, pool.CheckCorruption())
}

func TestFreeMultiBlockRestoresWindow(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{Num32BytesBlocks: 3, Logger: quietLogger()})
	require.NoError(t, err)
	defer pool.Destroy()

	// Consume the whole arena, then free the leading run; both of its cells
	// must become individually allocatable again.
	run, err := pool.Alloc(60)
	require.NoError(t, err)
	single, err := pool.Alloc(8)
	require.NoError(t, err)

	_, err = pool.Alloc(1)
	require.Error(t, err)

	require.NoError(t, pool.Free(run))

	a, err := pool.Alloc(8)
	require.NoError(t, err)
	b, err := pool.Alloc(8)
	require.NoError(t, err)

	require.NoError(t, pool.Free(a))
	require.NoError(t, pool.Free(b))
	require.NoError(t, pool.Free(single))
	require.NoError(t, pool.CheckCorruption())
}
