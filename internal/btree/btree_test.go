package btree

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/robert-malhotra/go-h5layout/internal/alloc"
	"github.com/robert-malhotra/go-h5layout/internal/binary"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

type testEnv struct {
	store *binary.Memory
	alloc *alloc.Allocator
}

func newEnv() *testEnv {
	return &testEnv{store: binary.NewMemory(), alloc: alloc.New(64)}
}

// chunk allocates space for a fake chunk and returns its entry.
func (env *testEnv) chunk(t *testing.T, coord ...uint64) Entry {
	t.Helper()
	addr := env.alloc.Alloc(100)
	require.NotEqual(t, alloc.Undefined, addr)
	return Entry{Coord: coord, Address: addr, Size: 100, Used: 90}
}

func TestEmptyIndex(t *testing.T) {
	env := newEnv()
	idx, err := Create(env.store, env.alloc, Config{Rank: 2, MinEntries: 2})
	require.NoError(t, err)

	_, ok, err := idx.Lookup([]uint64{0, 0})
	require.NoError(t, err)
	require.False(t, ok)

	n, err := idx.Count()
	require.NoError(t, err)
	require.Zero(t, n)

	st, err := idx.Validate()
	require.NoError(t, err)
	require.Equal(t, Stats{Height: 1, Nodes: 1}, st)
}

func TestConfigValidation(t *testing.T) {
	env := newEnv()
	_, err := Create(env.store, env.alloc, Config{Rank: 2, MinEntries: 1})
	require.Error(t, err)
	_, err = Create(env.store, env.alloc, Config{Rank: 0})
	require.Error(t, err)

	idx, err := Create(env.store, env.alloc, Config{Rank: 1})
	require.NoError(t, err)
	require.Equal(t, DefaultMinEntries, idx.MinEntries())
}

func TestInsertLookupOrder(t *testing.T) {
	env := newEnv()
	idx, err := Create(env.store, env.alloc, Config{Rank: 2, MinEntries: 2})
	require.NoError(t, err)

	var want [][]uint64
	for i := uint64(0); i < 5; i++ {
		for j := uint64(0); j < 5; j++ {
			want = append(want, []uint64{i, j})
		}
	}
	rng := rand.New(rand.NewSource(7))
	perm := rng.Perm(len(want))
	for _, p := range perm {
		require.NoError(t, idx.InsertOrUpdate(env.chunk(t, want[p]...)))
	}

	entries, err := idx.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 25)
	for i, e := range entries {
		require.Equal(t, want[i], e.Coord)
	}

	e, ok, err := idx.Lookup([]uint64{3, 4})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []uint64{3, 4}, e.Coord)

	st, err := idx.Validate()
	require.NoError(t, err)
	require.Greater(t, st.Height, 1)
	require.Equal(t, 25, st.Entries)
}

func TestUpdateFreesOldSpace(t *testing.T) {
	env := newEnv()
	idx, err := Create(env.store, env.alloc, Config{Rank: 1, MinEntries: 2})
	require.NoError(t, err)

	first := env.chunk(t, 4)
	require.NoError(t, idx.InsertOrUpdate(first))

	// Same address: nothing freed.
	first.Used = 50
	require.NoError(t, idx.InsertOrUpdate(first))
	require.True(t, env.alloc.IsAllocated(first.Address))

	moved := env.chunk(t, 4)
	require.NoError(t, idx.InsertOrUpdate(moved))
	require.False(t, env.alloc.IsAllocated(first.Address))

	e, ok, err := idx.Lookup([]uint64{4})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, moved.Address, e.Address)
}

// After any sequence of inserts and removes the tree stays ordered and
// every non-root node stays between k and 2k items.
func TestRandomInsertRemoveInvariants(t *testing.T) {
	env := newEnv()
	idx, err := Create(env.store, env.alloc, Config{Rank: 2, MinEntries: 2})
	require.NoError(t, err)
	root := idx.Root()

	rng := rand.New(rand.NewSource(42))
	live := map[[2]uint64]bool{}
	for step := 0; step < 3000; step++ {
		c := [2]uint64{uint64(rng.Intn(12)), uint64(rng.Intn(12))}
		if rng.Intn(3) == 0 {
			e, ok, err := idx.Remove(c[:])
			require.NoError(t, err)
			require.Equal(t, live[c], ok)
			if ok {
				require.NoError(t, env.alloc.Free(e.Address, e.Size))
			}
			delete(live, c)
		} else {
			if !live[c] {
				require.NoError(t, idx.InsertOrUpdate(env.chunk(t, c[:]...)))
				live[c] = true
			}
		}
		if step%100 == 0 {
			st, err := idx.Validate()
			require.NoError(t, err, "step %d", step)
			require.Equal(t, len(live), st.Entries)
		}
	}

	st, err := idx.Validate()
	require.NoError(t, err)
	require.Equal(t, len(live), st.Entries)
	require.Equal(t, root, idx.Root())

	// Drain everything; the tree collapses back to a single leaf.
	entries, err := idx.Entries()
	require.NoError(t, err)
	for _, e := range entries {
		_, ok, err := idx.Remove(e.Coord)
		require.NoError(t, err)
		require.True(t, ok)
	}
	st, err = idx.Validate()
	require.NoError(t, err)
	require.Equal(t, Stats{Height: 1, Nodes: 1}, st)
}

func TestFlushAndReopen(t *testing.T) {
	env := newEnv()
	cfg := Config{Rank: 3, MinEntries: 2}
	idx, err := Create(env.store, env.alloc, cfg)
	require.NoError(t, err)

	for i := uint64(0); i < 40; i++ {
		e := env.chunk(t, i/16, (i/4)%4, i%4)
		e.FilterMask = uint32(i % 3)
		require.NoError(t, idx.InsertOrUpdate(e))
	}
	require.NoError(t, idx.Flush())

	again, err := Open(env.store, env.alloc, cfg, idx.Root())
	require.NoError(t, err)
	want, err := idx.Entries()
	require.NoError(t, err)
	got, err := again.Entries()
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = again.Validate()
	require.NoError(t, err)
}

func TestCorruptionDetected(t *testing.T) {
	env := newEnv()
	cfg := Config{Rank: 1, MinEntries: 2}
	idx, err := Create(env.store, env.alloc, cfg)
	require.NoError(t, err)
	require.NoError(t, idx.InsertOrUpdate(env.chunk(t, 1)))
	require.NoError(t, idx.Flush())

	t.Run("checksum", func(t *testing.T) {
		raw := env.store.Bytes()
		flipped := binary.NewMemory()
		raw[idx.Root()+headerSize] ^= 0xFF
		_, err := flipped.WriteAt(raw, 0)
		require.NoError(t, err)

		_, err = Open(flipped, env.alloc, cfg, idx.Root())
		require.True(t, errors.Is(err, h5err.ErrIndexCorruption))
	})

	t.Run("signature", func(t *testing.T) {
		raw := env.store.Bytes()
		copy(raw[idx.Root():], "XXXX")
		bad := binary.NewMemory()
		_, err := bad.WriteAt(raw, 0)
		require.NoError(t, err)

		_, err = Open(bad, env.alloc, cfg, idx.Root())
		require.True(t, errors.Is(err, h5err.ErrIndexCorruption))
	})

	t.Run("rank", func(t *testing.T) {
		require.NoError(t, env.store.Truncate(4096))
		_, err := Open(env.store, env.alloc, Config{Rank: 2, MinEntries: 2}, idx.Root())
		require.True(t, errors.Is(err, h5err.ErrIndexCorruption))
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Open(binary.NewMemory(), env.alloc, cfg, idx.Root())
		require.True(t, errors.Is(err, h5err.ErrReadError))
	})
}

// Chunks (10,10) over a 25x25 extent shrunk to 15x15: chunk (2,2) lies
// entirely outside and is removed; (1,1) straddles the boundary and stays.
func TestPruneShrink(t *testing.T) {
	env := newEnv()
	idx, err := Create(env.store, env.alloc, Config{Rank: 2, MinEntries: 2})
	require.NoError(t, err)
	byCoord := map[[2]uint64]Entry{}
	for i := uint64(0); i < 3; i++ {
		for j := uint64(0); j < 3; j++ {
			e := env.chunk(t, i, j)
			byCoord[[2]uint64{i, j}] = e
			require.NoError(t, idx.InsertOrUpdate(e))
		}
	}

	removed, err := idx.Prune([]uint64{15, 15}, []uint64{10, 10})
	require.NoError(t, err)
	var coords [][]uint64
	for _, e := range removed {
		coords = append(coords, e.Coord)
		require.False(t, env.alloc.IsAllocated(e.Address))
	}
	require.Equal(t, [][]uint64{{0, 2}, {1, 2}, {2, 0}, {2, 1}, {2, 2}}, coords)

	_, ok, err := idx.Lookup([]uint64{2, 2})
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, env.alloc.IsAllocated(byCoord[[2]uint64{2, 2}].Address))

	e, ok, err := idx.Lookup([]uint64{1, 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, env.alloc.IsAllocated(e.Address))

	n, err := idx.Count()
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestDestroyFreesEverything(t *testing.T) {
	env := newEnv()
	idx, err := Create(env.store, env.alloc, Config{Rank: 1, MinEntries: 2})
	require.NoError(t, err)
	for i := uint64(0); i < 30; i++ {
		require.NoError(t, idx.InsertOrUpdate(env.chunk(t, i)))
	}
	require.NoError(t, idx.Flush())
	require.NoError(t, idx.Destroy())
	require.Zero(t, env.alloc.LiveBytes())
	require.NoError(t, env.alloc.Validate())
}

func TestIterateStops(t *testing.T) {
	env := newEnv()
	idx, err := Create(env.store, env.alloc, Config{Rank: 1, MinEntries: 2})
	require.NoError(t, err)
	for _, c := range []uint64{9, 3, 6, 1} {
		require.NoError(t, idx.InsertOrUpdate(env.chunk(t, c)))
	}

	stop := errors.New("stop")
	var seen []uint64
	err = idx.Iterate(func(e Entry) error {
		seen = append(seen, e.Coord[0])
		if len(seen) == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.True(t, sort.SliceIsSorted(seen, func(i, j int) bool { return seen[i] < seen[j] }))
	require.Equal(t, []uint64{1, 3}, seen)
}

func TestCompareAndOutside(t *testing.T) {
	require.Equal(t, -1, Compare([]uint64{0, 9}, []uint64{1, 0}))
	require.Equal(t, 1, Compare([]uint64{1, 1}, []uint64{1, 0}))
	require.Equal(t, 0, Compare([]uint64{2, 2}, []uint64{2, 2}))

	require.True(t, Outside([]uint64{2, 0}, []uint64{15, 15}, []uint64{10, 10}))
	require.False(t, Outside([]uint64{1, 1}, []uint64{15, 15}, []uint64{10, 10}))
}

func TestSplitWithoutSpaceLeavesTreeIntact(t *testing.T) {
	env := newEnv()
	idx, err := Create(env.store, env.alloc, Config{Rank: 1, MinEntries: 2})
	require.NoError(t, err)

	// Four entries fill the root leaf; the fifth splits it.
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, idx.InsertOrUpdate(env.chunk(t, i)))
	}
	extra := env.chunk(t, 4)
	live := env.alloc.LiveBytes()
	env.alloc.SetLimit(env.alloc.EOFAddr() + idx.NodeSize())

	// Splitting the root needs two nodes; only one fits.
	err = idx.InsertOrUpdate(extra)
	require.True(t, errors.Is(err, h5err.ErrAllocationFailure), "%v", err)
	require.Equal(t, live, env.alloc.LiveBytes())
	require.NoError(t, env.alloc.Validate())

	n, err := idx.Count()
	require.NoError(t, err)
	require.Equal(t, 4, n)
	_, err = idx.Validate()
	require.NoError(t, err)

	// Updating an existing entry needs no node and still succeeds.
	require.NoError(t, idx.InsertOrUpdate(Entry{Coord: []uint64{0}, Address: extra.Address, Size: extra.Size, Used: 1}))

	env.alloc.SetLimit(0)
	require.NoError(t, idx.InsertOrUpdate(env.chunk(t, 5)))
	_, err = idx.Validate()
	require.NoError(t, err)
}
