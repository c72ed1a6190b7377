package alloc

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

func TestAllocatorBasic(t *testing.T) {
	a := New(1024)

	require.Equal(t, uint64(1024), a.Alloc(100))
	require.Equal(t, uint64(1124), a.Alloc(200))
	require.Equal(t, uint64(1324), a.EOFAddr())
}

func TestAllocatorZeroSize(t *testing.T) {
	a := New(100)

	require.Equal(t, Undefined, a.Alloc(0))
	require.Equal(t, uint64(100), a.EOFAddr())
}

func TestAllocatorStats(t *testing.T) {
	a := New(0)

	a.Alloc(100)
	a.Alloc(200)
	a.Alloc(50)

	stats := a.Stats()
	require.Equal(t, uint64(3), stats.TotalAllocations)
	require.Equal(t, uint64(350), stats.TotalBytesAlloc)
	require.Equal(t, uint64(200), stats.LargestAlloc)
	require.Equal(t, uint64(350), a.LiveBytes())
}

func TestAllocatorFreeReuse(t *testing.T) {
	a := New(0)
	x := a.Alloc(100)
	y := a.Alloc(100)
	z := a.Alloc(100)

	require.NoError(t, a.Free(y, 100))
	require.Equal(t, []FreeBlock{{Addr: 100, Size: 100}}, a.FreeBlocks())

	// First fit splits the hole.
	require.Equal(t, y, a.Alloc(40))
	require.Equal(t, []FreeBlock{{Addr: 140, Size: 60}}, a.FreeBlocks())
	require.Equal(t, uint64(1), a.Stats().ReusedAllocs)

	// Too big for the hole: appended.
	require.Equal(t, uint64(300), a.Alloc(80))

	require.NoError(t, a.Free(x, 100))
	require.NoError(t, a.Validate())
	require.Equal(t, uint64(0), a.FreeBlocks()[0].Addr)
	_ = z
}

func TestAllocatorFreeCoalesce(t *testing.T) {
	a := New(0)
	x := a.Alloc(10)
	y := a.Alloc(10)
	a.Alloc(10)

	require.NoError(t, a.Free(x, 10))
	require.NoError(t, a.Free(y, 10))
	require.Equal(t, []FreeBlock{{Addr: 0, Size: 20}}, a.FreeBlocks())
}

func TestAllocatorFreeAtEOFShrinks(t *testing.T) {
	a := New(8)
	a.Alloc(10)
	last := a.Alloc(30)

	require.NoError(t, a.Free(last, 30))
	require.Equal(t, uint64(18), a.EOFAddr())
	require.Empty(t, a.FreeBlocks())
}

func TestAllocatorFreeMismatch(t *testing.T) {
	a := New(0)
	addr := a.Alloc(64)

	err := a.Free(addr, 32)
	require.Error(t, err)
	require.True(t, errors.Is(err, h5err.ErrAllocationFailure))

	err = a.Free(addr+1, 64)
	require.True(t, errors.Is(err, h5err.ErrAllocationFailure))

	require.NoError(t, a.Free(Undefined, 10))
}

func TestAllocatorLimit(t *testing.T) {
	a := New(0)
	a.SetLimit(100)

	require.Equal(t, uint64(0), a.Alloc(60))
	require.Equal(t, Undefined, a.Alloc(60))
	require.Equal(t, uint64(1), a.Stats().Failures)

	// Reaching the limit exactly is allowed.
	require.Equal(t, uint64(60), a.Alloc(40))
}

func TestAllocatorValidate(t *testing.T) {
	a := New(100)
	a.Alloc(50)
	a.Alloc(30)
	a.Alloc(20)
	require.NoError(t, a.Validate())
}

func TestAllocatorRestore(t *testing.T) {
	a := New(64)
	a.Restore(64, 100, "catalog")
	a.Restore(500, 20, "chunk")

	require.Equal(t, uint64(520), a.EOFAddr())
	require.True(t, a.IsAllocated(500))
	require.NoError(t, a.Free(500, 20))
	require.False(t, a.IsAllocated(500))
}

func TestAllocatorConcurrent(t *testing.T) {
	a := New(0)

	var wg sync.WaitGroup
	const workers = 8
	const per = 100
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				addr := a.Alloc(16)
				if i%2 == 0 {
					_ = a.Free(addr, 16)
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, a.Validate())
	require.Equal(t, uint64(workers*per/2*16), a.LiveBytes())
}
