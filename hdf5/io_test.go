package hdf5

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/robert-malhotra/go-h5layout/internal/dataspace"
)

// model applies transfers to a plain byte slice, one byte at a time.
type model struct {
	data     []byte
	elemSize uint64
}

func offsets(runs []dataspace.Run) []uint64 {
	var out []uint64
	for _, r := range runs {
		for i := uint64(0); i < r.Len; i++ {
			out = append(out, r.Off+i)
		}
	}
	return out
}

func (m *model) write(mem, file *Space, buf []byte) {
	mo, fo := offsets(mem.Runs(m.elemSize)), offsets(file.Runs(m.elemSize))
	for i := range fo {
		m.data[fo[i]] = buf[mo[i]]
	}
}

func (m *model) read(mem, file *Space, n int) []byte {
	out := make([]byte, n)
	mo, fo := offsets(mem.Runs(m.elemSize)), offsets(file.Runs(m.elemSize))
	for i := range fo {
		out[mo[i]] = m.data[fo[i]]
	}
	return out
}

func box(start, size []uint64) Hyperslab { return Box(start, size) }

func strided(start, stride, count, block []uint64) Hyperslab {
	return Hyperslab{Start: start, Stride: stride, Count: count, Block: block}
}

func layoutCases(dir string) map[string][]DatasetOption {
	return map[string][]DatasetOption{
		"contiguous":      nil,
		"compact":         {WithCompact()},
		"chunked":         {WithChunks(4, 3)},
		"chunked-exact":   {WithChunks(6, 9)},
		"chunked-small":   {WithChunks(1, 1), WithCacheBytes(4)},
		"chunked-deflate": {WithChunks(5, 5), WithShuffle(), WithDeflate(6), WithFletcher32()},
		"chunked-lz4":     {WithChunks(3, 4), WithLZ4(), WithCacheBytes(24)},
		"chunked-snappy":  {WithChunks(2, 9), WithSnappy(), WithCacheDisabled()},
		"external":        {WithExternal(ExternalSegment{Path: filepath.Join(dir, "a.raw"), Size: 37}, ExternalSegment{Path: filepath.Join(dir, "b.raw"), Size: Unlimited})},
	}
}

// TestLayoutsAgree runs the same selections against every layout and
// compares each with a byte-wise model.
func TestLayoutsAgree(t *testing.T) {
	dims := []uint64{6, 9}
	const elemSize = 2
	steps := []struct {
		file   []Hyperslab
		mem    []uint64 // memory space dims
		memSel []Hyperslab
	}{
		{file: []Hyperslab{box([]uint64{0, 0}, []uint64{6, 9})}, mem: []uint64{54}},
		{file: []Hyperslab{box([]uint64{1, 2}, []uint64{3, 5})}, mem: []uint64{3, 5}},
		{file: []Hyperslab{strided([]uint64{0, 1}, []uint64{2, 3}, []uint64{3, 3}, []uint64{1, 2})}, mem: []uint64{18}},
		{
			file:   []Hyperslab{box([]uint64{5, 0}, []uint64{1, 9}), box([]uint64{0, 8}, []uint64{6, 1})},
			mem:    []uint64{4, 5},
			memSel: []Hyperslab{box([]uint64{0, 0}, []uint64{3, 5})},
		},
		{file: []Hyperslab{box([]uint64{2, 2}, []uint64{2, 2}), box([]uint64{3, 3}, []uint64{2, 2})}, mem: []uint64{8}},
	}

	rng := rand.New(rand.NewSource(1))
	dir := t.TempDir()
	f, err := Create(filepath.Join(dir, "agree.h5"))
	require.NoError(t, err)
	defer f.Close()

	for name, opts := range layoutCases(dir) {
		t.Run(name, func(t *testing.T) {
			d, err := f.CreateDataset(name, dims, elemSize, opts...)
			require.NoError(t, err)
			m := &model{data: make([]byte, 6*9*elemSize), elemSize: elemSize}

			for i, st := range steps {
				file := d.Space()
				file.SelectNone()
				for _, h := range st.file {
					require.NoError(t, file.AddHyperslab(h))
				}
				mem, err := NewSpace(st.mem, nil)
				require.NoError(t, err)
				for j, h := range st.memSel {
					if j == 0 {
						mem.SelectNone()
					}
					require.NoError(t, mem.AddHyperslab(h))
				}
				buf := make([]byte, mem.Extent()*elemSize)
				rng.Read(buf)

				n, err := d.Write(mem, file, buf, WithBatchElements(7))
				require.NoError(t, err, "step %d", i)
				require.Equal(t, file.NumElements()*elemSize, n)
				m.write(mem, file, buf)

				got, err := d.ReadAll()
				require.NoError(t, err)
				require.Equal(t, m.data, got, "step %d", i)

				back := make([]byte, len(buf))
				_, err = d.Read(mem, file, back)
				require.NoError(t, err)
				require.Equal(t, m.read(mem, file, len(buf)), back, "step %d", i)
			}
			require.NoError(t, d.Close())

			d, err = f.OpenDataset(name)
			require.NoError(t, err)
			got, err := d.ReadAll()
			require.NoError(t, err)
			require.Equal(t, m.data, got)
			require.NoError(t, d.Close())
		})
	}
}

func TestCollectiveMatchesSerial(t *testing.T) {
	f, _ := memFile(t)
	defer f.Close()

	rng := rand.New(rand.NewSource(2))
	data := make([]byte, 64*64*4)
	rng.Read(data[:len(data)/2])

	serial, err := f.CreateDataset("serial", []uint64{64, 64}, 4, WithChunks(16, 8), WithDeflate(1))
	require.NoError(t, err)
	coll, err := f.CreateDataset("coll", []uint64{64, 64}, 4, WithChunks(16, 8), WithDeflate(1))
	require.NoError(t, err)

	require.NoError(t, serial.WriteAll(data))
	require.NoError(t, coll.WriteAll(data, WithCollective(4)))

	// A partial overwrite merges with stored chunks.
	file := serial.Space()
	require.NoError(t, file.SelectHyperslab(strided([]uint64{3, 1}, []uint64{7, 5}, []uint64{8, 12}, []uint64{2, 3})))
	mem, err := NewSpace([]uint64{file.NumElements()}, nil)
	require.NoError(t, err)
	patch := make([]byte, file.NumElements()*4)
	rng.Read(patch)
	_, err = serial.Write(mem, file, patch)
	require.NoError(t, err)
	_, err = coll.Write(mem, file, patch, WithCollective(3))
	require.NoError(t, err)

	require.NoError(t, serial.Flush())
	want, err := serial.ReadAll()
	require.NoError(t, err)
	got, err := coll.ReadAll(WithCollective(4))
	require.NoError(t, err)
	require.Equal(t, want, got)

	se, err := serial.ChunkEntries()
	require.NoError(t, err)
	ce, err := coll.ChunkEntries()
	require.NoError(t, err)
	require.Equal(t, coords(se), coords(ce))
	require.Len(t, ce, 32)
}

func TestSkipEDC(t *testing.T) {
	f, mem := memFile(t)
	defer f.Close()
	d, err := f.CreateDataset("x", []uint64{8}, 1, WithChunks(8), WithFletcher32())
	require.NoError(t, err)
	require.NoError(t, d.WriteAll([]byte("checksum")))
	require.NoError(t, d.Close())

	d, err = f.OpenDataset("x")
	require.NoError(t, err)
	entries, err := d.ChunkEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = mem.WriteAt([]byte("X"), int64(entries[0].Address))
	require.NoError(t, err)

	_, err = d.ReadAll()
	require.True(t, errors.Is(err, ErrFilterFailure))
	got, err := d.ReadAll(WithSkipEDC())
	require.NoError(t, err)
	require.Equal(t, []byte("Xhecksum"), got)
}
