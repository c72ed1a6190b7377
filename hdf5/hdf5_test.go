package hdf5

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/robert-malhotra/go-h5layout/internal/binary"
)

func memFile(t *testing.T, opts ...FileOption) (*File, *binary.Memory) {
	t.Helper()
	mem := binary.NewMemory()
	f, err := NewFile(mem, opts...)
	require.NoError(t, err)
	return f, mem
}

func filled(n int, v byte) []byte {
	return bytes.Repeat([]byte{v}, n)
}

func coords(entries []ChunkEntry) [][]uint64 {
	out := make([][]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Coord
	}
	return out
}

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.h5")
	f, err := Create(path)
	require.NoError(t, err)

	d, err := f.CreateDataset("grid", []uint64{4, 6}, 2)
	require.NoError(t, err)
	data := make([]byte, 48)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, d.WriteAll(data))
	require.NoError(t, f.Close())

	f, err = Open(path)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, []string{"grid"}, f.Datasets())

	d, err = f.OpenDataset("grid")
	require.NoError(t, err)
	require.Equal(t, []uint64{4, 6}, d.Dims())
	require.Equal(t, 2, d.ElementSize())
	require.Equal(t, LayoutContiguous, d.Layout())
	got, err := d.ReadAll()
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestChunkedScenario(t *testing.T) {
	f, mem := memFile(t)
	d, err := f.CreateDataset("x", []uint64{25, 25}, 1, WithChunks(10, 10))
	require.NoError(t, err)

	require.NoError(t, d.WriteAll(filled(625, 7)))
	got, err := d.ReadAll()
	require.NoError(t, err)
	require.Equal(t, filled(625, 7), got)

	require.NoError(t, d.Flush())
	entries, err := d.ChunkEntries()
	require.NoError(t, err)
	require.Len(t, entries, 9)

	// Shrinking drops the corner chunk and frees its space.
	var corner ChunkEntry
	for _, e := range entries {
		if e.Coord[0] == 2 && e.Coord[1] == 2 {
			corner = e
		}
	}
	require.NoError(t, d.SetExtent([]uint64{15, 15}))
	entries, err = d.ChunkEntries()
	require.NoError(t, err)
	require.Equal(t, [][]uint64{{0, 0}, {0, 1}, {1, 0}, {1, 1}}, coords(entries))
	require.False(t, f.store.Allocator().IsAllocated(corner.Address))

	got, err = d.ReadAll()
	require.NoError(t, err)
	require.Equal(t, filled(225, 7), got)

	// Growing again exposes fill, not the old contents.
	require.NoError(t, d.SetExtent([]uint64{25, 25}))
	got, err = d.ReadAll()
	require.NoError(t, err)
	for i := uint64(0); i < 25; i++ {
		for j := uint64(0); j < 25; j++ {
			want := byte(0)
			if i < 15 && j < 15 {
				want = 7
			}
			require.Equal(t, want, got[i*25+j], "element (%d,%d)", i, j)
		}
	}
	require.NoError(t, f.Close())

	f, err = OpenBackend(mem)
	require.NoError(t, err)
	d, err = f.OpenDataset("x")
	require.NoError(t, err)
	require.Equal(t, []uint64{25, 25}, d.Dims())
	require.Equal(t, []uint64{10, 10}, d.ChunkDims())
	again, err := d.ReadAll()
	require.NoError(t, err)
	require.Equal(t, got, again)
	require.NoError(t, f.Close())
}

func TestUnwrittenReadsFill(t *testing.T) {
	f, _ := memFile(t)
	defer f.Close()

	for _, tc := range []struct {
		name string
		opts []DatasetOption
	}{
		{"contiguous", nil},
		{"compact", []DatasetOption{WithCompact()}},
		{"chunked", []DatasetOption{WithChunks(3, 3)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := append(tc.opts, WithFillValue([]byte{0xab, 0xcd}))
			d, err := f.CreateDataset(tc.name, []uint64{5, 4}, 2, opts...)
			require.NoError(t, err)
			got, err := d.ReadAll()
			require.NoError(t, err)
			require.Equal(t, bytes.Repeat([]byte{0xab, 0xcd}, 20), got)

			size, err := d.StorageSize()
			require.NoError(t, err)
			if tc.name == "compact" {
				require.EqualValues(t, 40, size)
			} else {
				require.Zero(t, size)
			}
		})
	}
}

func TestSelectionMismatchWritesNothing(t *testing.T) {
	f, _ := memFile(t)
	defer f.Close()
	d, err := f.CreateDataset("x", []uint64{10, 10}, 4, WithChunks(5, 5))
	require.NoError(t, err)

	file := d.Space()
	require.NoError(t, file.SelectBox([]uint64{0, 0}, []uint64{3, 4}))
	mem, err := NewSpace([]uint64{10}, nil)
	require.NoError(t, err)

	n, err := d.Write(mem, file, make([]byte, 40))
	require.True(t, errors.Is(err, ErrSelectionMismatch))
	require.Zero(t, n)
	require.NoError(t, d.Flush())
	size, err := d.StorageSize()
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestTransferValidation(t *testing.T) {
	f, _ := memFile(t)
	defer f.Close()
	d, err := f.CreateDataset("x", []uint64{4, 4}, 1, WithChunks(2, 2), WithMaxDims(Unlimited, 4))
	require.NoError(t, err)

	t.Run("unlimited memory space", func(t *testing.T) {
		mem, err := NewSpace([]uint64{4, 4}, []uint64{Unlimited, 4})
		require.NoError(t, err)
		_, err = d.Write(mem, nil, make([]byte, 16))
		require.True(t, errors.Is(err, ErrExtentViolation))
	})

	t.Run("short buffer", func(t *testing.T) {
		_, err := d.Read(nil, nil, make([]byte, 15))
		require.True(t, errors.Is(err, ErrExtentViolation))
	})

	t.Run("stale file space", func(t *testing.T) {
		file, err := NewSpace([]uint64{5, 4}, nil)
		require.NoError(t, err)
		_, err = d.Read(nil, file, make([]byte, 20))
		require.True(t, errors.Is(err, ErrExtentViolation))
	})

	t.Run("whole buffer size", func(t *testing.T) {
		require.True(t, errors.Is(d.WriteAll(make([]byte, 3)), ErrSelectionMismatch))
	})

	t.Run("empty selection", func(t *testing.T) {
		file := d.Space()
		file.SelectNone()
		mem, err := NewSpace([]uint64{1}, nil)
		require.NoError(t, err)
		mem.SelectNone()
		n, err := d.Write(mem, file, make([]byte, 1))
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestCreateValidation(t *testing.T) {
	f, _ := memFile(t)
	defer f.Close()

	_, err := f.CreateDataset("a", []uint64{4}, 1, WithMaxDims(Unlimited))
	require.True(t, errors.Is(err, ErrExtentViolation))

	_, err = f.CreateDataset("a", []uint64{4}, 1, WithDeflate(6))
	require.True(t, errors.Is(err, ErrUnsupported))

	_, err = f.CreateDataset("a", []uint64{4}, 1, WithChunks(2), WithCompact())
	require.Error(t, err)

	_, err = f.CreateDataset("a", []uint64{4, 4}, 1, WithChunks(2))
	require.True(t, errors.Is(err, ErrExtentViolation))

	_, err = f.CreateDataset("a", []uint64{4}, 0)
	require.Error(t, err)

	_, err = f.CreateDataset("a", []uint64{4}, 1)
	require.NoError(t, err)
	_, err = f.CreateDataset("a", []uint64{4}, 1)
	require.True(t, errors.Is(err, ErrExists))

	_, err = f.OpenDataset("missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSharedHandles(t *testing.T) {
	f, _ := memFile(t)
	defer f.Close()
	a, err := f.CreateDataset("x", []uint64{8}, 1, WithChunks(4))
	require.NoError(t, err)
	b, err := f.OpenDataset("x")
	require.NoError(t, err)

	require.NoError(t, a.WriteAll([]byte("abcdefgh")))
	got, err := b.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), got)

	require.NoError(t, b.SetExtent([]uint64{6}))
	require.Equal(t, []uint64{6}, a.Dims())

	require.NoError(t, a.Close())
	got, err = b.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), got)
	require.NoError(t, b.Close())

	_, err = a.ReadAll()
	require.True(t, errors.Is(err, ErrClosed))

	c, err := f.OpenDataset("x")
	require.NoError(t, err)
	got, err = c.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), got)
	require.NoError(t, c.Close())
}

func TestDeleteFreesStorage(t *testing.T) {
	f, _ := memFile(t)
	defer f.Close()

	for _, name := range []string{"chunked", "contiguous"} {
		var opts []DatasetOption
		if name == "chunked" {
			opts = append(opts, WithChunks(4, 4), WithDeflate(1))
		}
		d, err := f.CreateDataset(name, []uint64{16, 16}, 4, opts...)
		require.NoError(t, err)
		require.NoError(t, d.WriteAll(filled(1024, 3)))
		require.NoError(t, d.Close())
	}

	require.NoError(t, f.Delete("chunked"))
	require.NoError(t, f.Delete("contiguous"))
	require.Empty(t, f.Datasets())
	a := f.store.Allocator()
	require.Equal(t, f.store.Header().CatalogSize, a.LiveBytes())
	require.NoError(t, a.Validate())

	require.True(t, errors.Is(f.Delete("chunked"), ErrNotFound))

	d, err := f.CreateDataset("busy", []uint64{2}, 1)
	require.NoError(t, err)
	require.True(t, errors.Is(f.Delete("busy"), ErrUnsupported))
	require.NoError(t, d.Close())
	require.NoError(t, f.Delete("busy"))
}

func TestCacheMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f, _ := memFile(t, WithMetrics(reg))
	defer f.Close()

	// Budget of two 100-byte chunks.
	d, err := f.CreateDataset("x", []uint64{10, 30}, 1, WithChunks(10, 10), WithCacheBytes(200))
	require.NoError(t, err)
	require.NoError(t, d.WriteAll(filled(300, 1)))

	st := d.CacheStats()
	require.LessOrEqual(t, st.ResidentBytes, uint64(200))
	require.EqualValues(t, 1, st.Evictions)
	require.EqualValues(t, 1, testutil.ToFloat64(f.metrics.Evictions))
	require.EqualValues(t, 200, testutil.ToFloat64(f.metrics.ResidentBytes))

	// The last chunk is still resident.
	file := d.Space()
	require.NoError(t, file.SelectBox([]uint64{0, 20}, []uint64{10, 10}))
	mem, err := NewSpace([]uint64{100}, nil)
	require.NoError(t, err)
	buf := make([]byte, 100)
	_, err = d.Read(mem, file, buf)
	require.NoError(t, err)
	require.Equal(t, filled(100, 1), buf)
	require.EqualValues(t, 1, testutil.ToFloat64(f.metrics.Hits))
}

func TestCacheDisabled(t *testing.T) {
	f, _ := memFile(t)
	defer f.Close()
	d, err := f.CreateDataset("x", []uint64{6, 6}, 1, WithChunks(3, 3), WithCacheDisabled())
	require.NoError(t, err)
	require.NoError(t, d.WriteAll(filled(36, 9)))

	// Nothing is held back: the index is complete without a flush.
	entries, err := d.ChunkEntries()
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Zero(t, d.CacheStats().ResidentBytes)
}

func TestEarlyAllocation(t *testing.T) {
	f, _ := memFile(t)
	defer f.Close()
	d, err := f.CreateDataset("x", []uint64{6, 6}, 1, WithChunks(4, 4),
		WithMaxDims(Unlimited, 6), WithAllocTime(AllocEarly), WithFillValue([]byte{5}))
	require.NoError(t, err)
	entries, err := d.ChunkEntries()
	require.NoError(t, err)
	require.Len(t, entries, 4)

	require.NoError(t, d.SetExtent([]uint64{10, 6}))
	entries, err = d.ChunkEntries()
	require.NoError(t, err)
	require.Len(t, entries, 6)

	got, err := d.ReadAll()
	require.NoError(t, err)
	require.Equal(t, filled(60, 5), got)
}

func TestWalk(t *testing.T) {
	f, _ := memFile(t)
	defer f.Close()
	_, err := f.CreateDataset("b", []uint64{8, 8}, 4, WithChunks(4, 4), WithShuffle(), WithZstd())
	require.NoError(t, err)
	_, err = f.CreateDataset("a", []uint64{3}, 1, WithCompact())
	require.NoError(t, err)

	var infos []DatasetInfo
	require.NoError(t, Walk(f, func(info DatasetInfo, err error) error {
		require.NoError(t, err)
		infos = append(infos, info)
		return nil
	}))
	require.Len(t, infos, 2)
	require.Equal(t, "a", infos[0].Name)
	require.Equal(t, LayoutCompact, infos[0].Layout)
	require.EqualValues(t, 3, infos[0].StorageSize)
	require.Equal(t, "b", infos[1].Name)
	require.Equal(t, []uint64{4, 4}, infos[1].ChunkDims)
	require.Equal(t, []string{"shuffle", "zstd"}, infos[1].Filters)
}

func TestFileClosed(t *testing.T) {
	f, _ := memFile(t)
	d, err := f.CreateDataset("x", []uint64{2}, 1)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = d.ReadAll()
	require.True(t, errors.Is(err, ErrClosed))
	_, err = f.CreateDataset("y", []uint64{2}, 1)
	require.True(t, errors.Is(err, ErrClosed))
	require.True(t, errors.Is(f.Flush(), ErrClosed))
	require.NoError(t, d.Close())
}

func TestExternalDataset(t *testing.T) {
	dir := t.TempDir()
	f, err := Create(filepath.Join(dir, "ext.h5"))
	require.NoError(t, err)

	d, err := f.CreateDataset("x", []uint64{4, 4}, 1, WithMaxDims(Unlimited, 4),
		WithExternal(ExternalSegment{Path: "part0.raw", Size: 10}, ExternalSegment{Path: "part1.raw", Size: Unlimited}))
	require.NoError(t, err)
	data := []byte("0123456789abcdef")
	require.NoError(t, d.WriteAll(data))
	require.NoError(t, d.SetExtent([]uint64{5, 4}))
	require.NoError(t, f.Close())

	f, err = Open(filepath.Join(dir, "ext.h5"))
	require.NoError(t, err)
	defer f.Close()
	d, err = f.OpenDataset("x")
	require.NoError(t, err)
	got, err := d.ReadAll()
	require.NoError(t, err)
	require.Equal(t, append([]byte("0123456789abcdef"), 0, 0, 0, 0), got)

	require.True(t, errors.Is(d.SetExtent([]uint64{5, 3}), ErrUnsupported))
}

// leaveGarbage frees space that still holds 0xee bytes: a deleted
// contiguous dataset and the chunks a shrink prunes. A dataset created
// after it keeps the freed blocks away from the end of file.
func leaveGarbage(t *testing.T, f *File) {
	t.Helper()
	old, err := f.CreateDataset("old", []uint64{100}, 1)
	require.NoError(t, err)
	require.NoError(t, old.WriteAll(filled(100, 0xee)))
	require.NoError(t, old.Close())

	shrunk, err := f.CreateDataset("shrunk", []uint64{100}, 1, WithChunks(10))
	require.NoError(t, err)
	require.NoError(t, shrunk.WriteAll(filled(100, 0xee)))
	require.NoError(t, shrunk.Flush())
	require.NoError(t, shrunk.SetExtent([]uint64{10}))
	require.NoError(t, shrunk.Close())

	require.NoError(t, f.Delete("old"))
	require.NotEmpty(t, f.store.Allocator().FreeBlocks())
}

func TestReusedSpaceReadsFill(t *testing.T) {
	layouts := []struct {
		name string
		opts []DatasetOption
	}{
		{"contiguous", nil},
		{"compact", []DatasetOption{WithCompact()}},
		{"chunked", []DatasetOption{WithChunks(10)}},
		{"filtered", []DatasetOption{WithChunks(25), WithShuffle(), WithDeflate(1), WithFletcher32()}},
	}
	for _, l := range layouts {
		for _, at := range []AllocTime{AllocIncremental, AllocEarly} {
			for _, fv := range [][]byte{nil, {0x5a}} {
				t.Run(fmt.Sprintf("%s/%s/fill=%x", l.name, at, fv), func(t *testing.T) {
					f, _ := memFile(t)
					defer f.Close()
					leaveGarbage(t, f)
					reused := f.AllocStats().ReusedAllocs

					opts := append([]DatasetOption{WithAllocTime(at)}, l.opts...)
					fill := byte(0)
					if fv != nil {
						opts = append(opts, WithFillValue(fv))
						fill = fv[0]
					}
					d, err := f.CreateDataset("fresh", []uint64{100}, 1, opts...)
					require.NoError(t, err)

					file := d.Space()
					require.NoError(t, file.SelectBox([]uint64{0}, []uint64{1}))
					mem, err := NewSpace([]uint64{1}, nil)
					require.NoError(t, err)
					_, err = d.Write(mem, file, []byte{9})
					require.NoError(t, err)
					require.NoError(t, d.Flush())
					if l.name != "compact" {
						require.Greater(t, f.AllocStats().ReusedAllocs, reused)
					}

					want := filled(100, fill)
					want[0] = 9
					got, err := d.ReadAll()
					require.NoError(t, err)
					require.Equal(t, want, got)
					require.NoError(t, d.Close())

					d, err = f.OpenDataset("fresh")
					require.NoError(t, err)
					got, err = d.ReadAll()
					require.NoError(t, err)
					require.Equal(t, want, got)
					require.NoError(t, d.Close())
				})
			}
		}
	}
}
