package layout

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/robert-malhotra/go-h5layout/internal/binary"
	"github.com/robert-malhotra/go-h5layout/internal/btree"
	"github.com/robert-malhotra/go-h5layout/internal/chunkcache"
	"github.com/robert-malhotra/go-h5layout/internal/dataspace"
	"github.com/robert-malhotra/go-h5layout/internal/filter"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// Chunked splits the dataset into fixed-shape chunks that are filtered,
// stored independently and located through a B-tree index. Decoded
// chunks are staged in a write-back cache. Chunks never written have no
// index entry and read as the fill value.
type Chunked struct {
	p          Params
	chunkDims  []uint64
	chunkBytes uint64

	alloc    Allocator
	rd       *binary.Reader
	wr       *binary.Writer
	index    *btree.Index
	cache    *chunkcache.Cache
	pipeline *filter.Pipeline
	log      zerolog.Logger
}

func newChunked(info ChunkedInfo, p Params, env Env) (*Chunked, error) {
	rank := len(p.Dims)
	if rank == 0 || len(info.ChunkDims) != rank {
		return nil, h5err.New(h5err.ErrExtentViolation,
			"chunk rank %d does not match dataset rank %d", len(info.ChunkDims), rank)
	}
	if err := p.Fill.check(p.ElemSize); err != nil {
		return nil, err
	}
	pipeline, err := filter.NewPipeline(info.Filters, int(p.ElemSize))
	if err != nil {
		return nil, err
	}
	c := &Chunked{
		p:          p,
		chunkDims:  append([]uint64(nil), info.ChunkDims...),
		chunkBytes: numElements(info.ChunkDims) * p.ElemSize,
		alloc:      env.Alloc,
		rd:         binary.NewReader(env.Store),
		wr:         binary.NewWriter(env.Store),
		pipeline:   pipeline,
		log:        env.Logger,
	}

	cfg := btree.Config{Rank: rank, MinEntries: info.MinEntries}
	if info.IndexAddr == binary.Undefined {
		c.index, err = btree.Create(env.Store, env.Alloc, cfg)
	} else {
		c.index, err = btree.Open(env.Store, env.Alloc, cfg, info.IndexAddr)
	}
	if err != nil {
		return nil, errors.Wrap(err, "chunk index")
	}

	opts := env.Cache
	opts.Logger = env.Logger
	c.cache = chunkcache.New(c, opts)
	return c, nil
}

func (c *Chunked) sealed() {}

// Class returns ClassChunked.
func (c *Chunked) Class() Class { return ClassChunked }

func (c *Chunked) Descriptor() Descriptor {
	return Descriptor{
		Class: ClassChunked,
		Chunked: &ChunkedInfo{
			ChunkDims:  append([]uint64(nil), c.chunkDims...),
			IndexAddr:  c.index.Root(),
			MinEntries: c.index.MinEntries(),
			Filters:    c.pipeline.Infos(),
		},
	}
}

// ChunkDims returns the chunk shape.
func (c *Chunked) ChunkDims() []uint64 { return append([]uint64(nil), c.chunkDims...) }

// ChunkBytes returns the decoded size of one chunk.
func (c *Chunked) ChunkBytes() uint64 { return c.chunkBytes }

// Entries returns the index entries in coordinate order. Dirty cached
// chunks are not included until flushed.
func (c *Chunked) Entries() ([]btree.Entry, error) { return c.index.Entries() }

// CacheStats returns a snapshot of the chunk cache.
func (c *Chunked) CacheStats() chunkcache.Stats { return c.cache.Stats() }

// StorageSize sums the space allocated to stored chunks.
func (c *Chunked) StorageSize() (uint64, error) {
	var n uint64
	err := c.index.Iterate(func(e btree.Entry) error {
		n += e.Size
		return nil
	})
	return n, err
}

// Flush writes back every dirty chunk, then the index nodes.
func (c *Chunked) Flush() error {
	if err := c.cache.FlushAll(); err != nil {
		return err
	}
	return c.index.Flush()
}

// Close flushes and empties the cache.
func (c *Chunked) Close() error {
	if err := c.cache.Close(); err != nil {
		return err
	}
	return c.index.Flush()
}

// FlushChunk encodes buf and stores it as chunk coord. The existing
// space is reused when the encoded chunk fits in it.
func (c *Chunked) FlushChunk(coord []uint64, buf []byte) error {
	data, mask, err := c.pipeline.Encode(buf)
	if err != nil {
		return errors.Wrapf(err, "encoding chunk %v", coord)
	}
	old, found, err := c.index.Lookup(coord)
	if err != nil {
		return err
	}
	used := uint64(len(data))
	e := btree.Entry{Coord: coord, Address: old.Address, Size: old.Size, Used: used, FilterMask: mask}
	fresh := !found || used > old.Size
	if fresh {
		e.Address, e.Size = c.alloc.Alloc(used), used
		if e.Address == binary.Undefined {
			c.log.Error().Uints64("chunk", coord).Uint64("size", used).Msg("chunk allocation failed")
			return h5err.New(h5err.ErrAllocationFailure, "allocating %d bytes for chunk %v", used, coord)
		}
	}
	if err := c.wr.At(int64(e.Address)).WriteBytes(data); err != nil {
		if fresh {
			_ = c.alloc.Free(e.Address, e.Size)
		}
		return errors.Wrapf(err, "writing chunk %v", coord)
	}
	if err := c.index.InsertOrUpdate(e); err != nil {
		if fresh {
			_ = c.alloc.Free(e.Address, e.Size)
		}
		return err
	}
	return nil
}

func (c *Chunked) fillChunk() []byte {
	buf := make([]byte, c.chunkBytes)
	c.p.Fill.Apply(buf)
	return buf
}

func (c *Chunked) load(coord []uint64, opts IOOptions) ([]byte, error) {
	e, found, err := c.index.Lookup(coord)
	if err != nil {
		return nil, err
	}
	if !found {
		return c.fillChunk(), nil
	}
	return c.readEntry(e, opts)
}

func (c *Chunked) loader(opts IOOptions) chunkcache.Loader {
	return func(coord []uint64) ([]byte, error) { return c.load(coord, opts) }
}

// readEntry reads and decodes a stored chunk. It touches only the
// backend, so it may run concurrently.
func (c *Chunked) readEntry(e btree.Entry, opts IOOptions) ([]byte, error) {
	raw := make([]byte, e.Used)
	if err := c.rd.At(int64(e.Address)).ReadFull(raw); err != nil {
		return nil, errors.Wrapf(err, "reading chunk %v", e.Coord)
	}
	out, err := c.pipeline.Decode(raw, e.FilterMask, filter.DecodeOptions{
		SkipEDC: opts.SkipEDC,
		MaxSize: int(c.chunkBytes),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "decoding chunk %v", e.Coord)
	}
	if uint64(len(out)) != c.chunkBytes {
		return nil, h5err.New(h5err.ErrFilterFailure,
			"chunk %v decoded to %d bytes, expected %d", e.Coord, len(out), c.chunkBytes)
	}
	return out, nil
}

// fullyCovered reports whether p writes every in-extent element of its
// chunk, so the stored contents need not be read first.
func (c *Chunked) fullyCovered(p *Piece) bool {
	return coveredBytes(p.File) == inExtent(p.Coord, c.p.Dims, c.chunkDims)*c.p.ElemSize
}

// ReadChunk copies the chunk bytes p selects into buf.
func (c *Chunked) ReadChunk(p *Piece, buf []byte, opts IOOptions) (uint64, error) {
	chunk, _, err := c.cache.GetOrLoad(p.Coord, c.chunkBytes, c.loader(opts))
	if err != nil {
		return 0, err
	}
	return walkVV(p.File, p.Mem, func(f, m, n uint64) error {
		copy(buf[m:m+n], chunk[f:f+n])
		return nil
	})
}

// WriteChunk copies the bytes of buf that p selects into its chunk. A
// cached chunk is marked dirty; a chunk too large for the cache is
// written through at once.
func (c *Chunked) WriteChunk(p *Piece, buf []byte) (uint64, error) {
	load := c.loader(IOOptions{})
	if c.fullyCovered(p) {
		load = func([]uint64) ([]byte, error) { return c.fillChunk(), nil }
	}
	chunk, resident, err := c.cache.GetOrLoad(p.Coord, c.chunkBytes, load)
	if err != nil {
		return 0, err
	}
	n, _ := walkVV(p.File, p.Mem, func(f, m, n uint64) error {
		copy(chunk[f:f+n], buf[m:m+n])
		return nil
	})
	if resident && c.cache.MarkDirty(p.Coord) {
		return n, nil
	}
	if err := c.FlushChunk(p.Coord, chunk); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Chunked) readVV(file, mem []dataspace.Run, buf []byte, opts IOOptions) (uint64, error) {
	cm, err := c.chunkMap(file, mem)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, p := range cm.Pieces {
		n, err := c.ReadChunk(p, buf, opts)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Chunked) writeVV(file, mem []dataspace.Run, buf []byte) (uint64, error) {
	cm, err := c.chunkMap(file, mem)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, p := range cm.Pieces {
		n, err := c.WriteChunk(p, buf)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Chunked) chunkMap(file, mem []dataspace.Run) (*ChunkMap, error) {
	if err := checkFileRuns(file, c.p.extentBytes()); err != nil {
		return nil, err
	}
	return BuildChunkMap(c.p.Dims, c.chunkDims, c.p.ElemSize, file, mem)
}

// ChunkMap splits dataset byte runs into per-chunk pieces for the
// current extent.
func (c *Chunked) ChunkMap(file, mem []dataspace.Run) (*ChunkMap, error) {
	return c.chunkMap(file, mem)
}

// AllocateAll stores a filled chunk for every chunk of the extent that
// has neither an index entry nor a cached copy.
func (c *Chunked) AllocateAll() error {
	counts := chunkCount(c.p.Dims, c.chunkDims)
	total := numElements(counts)
	coord := make([]uint64, len(counts))
	var fill []byte
	for i := uint64(0); i < total; i++ {
		if i > 0 {
			for d := len(coord) - 1; d >= 0; d-- {
				coord[d]++
				if coord[d] < counts[d] {
					break
				}
				coord[d] = 0
			}
		}
		if c.cache.Resident(coord) {
			continue
		}
		_, found, err := c.index.Lookup(coord)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		if fill == nil {
			fill = c.fillChunk()
		}
		if err := c.FlushChunk(coord, fill); err != nil {
			return err
		}
	}
	return nil
}

// setExtent changes the dataset dimensions. Shrinking drops chunks that
// fall entirely outside, frees their space, and resets the out-of-extent
// part of straddling chunks to the fill value.
func (c *Chunked) setExtent(dims []uint64) error {
	if len(dims) != len(c.chunkDims) {
		return h5err.New(h5err.ErrExtentViolation, "extent rank %d, dataset rank %d", len(dims), len(c.chunkDims))
	}
	old := c.p.Dims
	shrunk := false
	for d := range dims {
		if dims[d] < old[d] {
			shrunk = true
		}
	}
	if shrunk {
		dropped := c.cache.InvalidateIf(func(coord []uint64) bool {
			return btree.Outside(coord, dims, c.chunkDims)
		})
		pruned, err := c.index.Prune(dims, c.chunkDims)
		if err != nil {
			return err
		}
		c.log.Debug().Uints64("dims", dims).Int("pruned", len(pruned)).Int("dropped", dropped).
			Msg("chunked extent shrunk")
		if err := c.resetPartial(old, dims); err != nil {
			return err
		}
	}
	c.p.Dims = append([]uint64(nil), dims...)
	if c.p.AllocTime == AllocEarly {
		return c.AllocateAll()
	}
	return nil
}

// resetPartial fills the elements beyond dims in every stored or cached
// chunk that straddles a boundary that moved inwards.
func (c *Chunked) resetPartial(old, dims []uint64) error {
	straddles := func(coord []uint64) bool {
		if btree.Outside(coord, dims, c.chunkDims) {
			return false
		}
		for d := range coord {
			if dims[d] < old[d] && (coord[d]+1)*c.chunkDims[d] > dims[d] {
				return true
			}
		}
		return false
	}

	var coords [][]uint64
	err := c.index.Iterate(func(e btree.Entry) error {
		if straddles(e.Coord) {
			coords = append(coords, e.Coord)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range c.cache.Keys() {
		if straddles(k) && !slices.ContainsFunc(coords, func(x []uint64) bool { return btree.Compare(x, k) == 0 }) {
			coords = append(coords, k)
		}
	}

	for _, coord := range coords {
		buf, resident, err := c.cache.GetOrLoad(coord, c.chunkBytes, c.loader(IOOptions{}))
		if err != nil {
			return err
		}
		c.fillOutside(buf, coord, dims)
		if resident && c.cache.MarkDirty(coord) {
			continue
		}
		if err := c.FlushChunk(coord, buf); err != nil {
			return err
		}
	}
	return nil
}

// fillOutside writes the fill value over the elements of chunk coord
// that lie beyond dims.
func (c *Chunked) fillOutside(buf []byte, coord, dims []uint64) {
	rank := len(c.chunkDims)
	valid := make([]uint64, rank)
	for d := range valid {
		if base := coord[d] * c.chunkDims[d]; dims[d] > base {
			valid[d] = min(c.chunkDims[d], dims[d]-base)
		}
	}
	rowLen := c.chunkDims[rank-1] * c.p.ElemSize
	rows := numElements(c.chunkDims[:rank-1])
	idx := make([]uint64, rank-1)
	for r := uint64(0); r < rows; r++ {
		row := buf[r*rowLen : (r+1)*rowLen]
		inside := true
		for d := range idx {
			if idx[d] >= valid[d] {
				inside = false
				break
			}
		}
		if !inside {
			c.p.Fill.Apply(row)
		} else if v := valid[rank-1] * c.p.ElemSize; v < rowLen {
			c.p.Fill.Apply(row[v:])
		}
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < c.chunkDims[d] {
				break
			}
			idx[d] = 0
		}
	}
}

func (c *Chunked) destroy() error {
	c.cache.InvalidateIf(func([]uint64) bool { return true })
	return c.index.Destroy()
}
