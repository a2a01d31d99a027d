package mempool_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"

	"github.com/memwrapper/ballast/mempool"
)

func TestDumpFileWrittenOnError(t *testing.T) {
	dumpPath := filepath.Join(t.TempDir(), "pool.dump")

	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks:  2,
		ErrorDumpFileName: dumpPath,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	_, allocErr := pool.Alloc(5000)
	require.Error(t, allocErr)

	contents, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	require.Contains(t, string(contents), "The mempool is full. Cannot allocate memory.")
	require.Contains(t, string(contents), "Mempool dump at location 0x")
}

func TestDumpFileMarksOverflowLocation(t *testing.T) {
	dumpPath := filepath.Join(t.TempDir(), "pool.dump")

	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks:   2,
		FullOverflowChecks: true,
		ErrorDumpFileName:  dumpPath,
		Logger:             quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(10)
	require.NoError(t, err)
	ptr[:cap(ptr)][10] = 0xFF
	require.Error(t, pool.Free(ptr))

	contents, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	require.Contains(t, string(contents), "Memory overflow detected.")
	require.Contains(t, string(contents), "(!!!MARK POINT!!!)")
}

func TestDumpFileDeletedAtCreate(t *testing.T) {
	dumpPath := filepath.Join(t.TempDir(), "pool.dump")
	require.NoError(t, os.WriteFile(dumpPath, []byte("stale"), 0o644))

	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks:  1,
		ErrorDumpFileName: dumpPath,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	_, statErr := os.Stat(dumpPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestVerboseDumpRecordsOperations(t *testing.T) {
	dumpPath := filepath.Join(t.TempDir(), "pool.dump")

	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks:  2,
		ErrorDumpFileName: dumpPath,
		VerboseDump:       true,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, pool.Free(ptr))

	contents, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	require.Contains(t, string(contents), "Mempool created")
	require.Contains(t, string(contents), "Trying to allocate 16 bytes")
	require.Contains(t, string(contents), "Allocated 16 bytes")
	require.Contains(t, string(contents), "Freed bytes")
}

func TestBuildStatsString(t *testing.T) {
	pool, err := mempool.New(mempool.PoolSettings{
		Num32BytesBlocks: 2,
		Num64BytesBlocks: 1,
		Logger:           quietLogger(),
	})
	require.NoError(t, err)
	defer pool.Destroy()

	ptr, err := pool.Alloc(40)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	pool.BuildStatsString(&writer)
	require.NoError(t, writer.Error())

	stats := string(writer.Bytes())
	require.Contains(t, stats, `"TotalBytes":128`)
	require.Contains(t, stats, `"Allocations":1`)
	require.Contains(t, stats, `"BlockSize":64`)
	require.Contains(t, stats, `"OccupiedBlocks":1`)
	require.Contains(t, stats, `"Free":true`)

	require.NoError(t, pool.Free(ptr))
}
