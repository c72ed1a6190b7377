package layout

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/robert-malhotra/go-h5layout/internal/binary"
	"github.com/robert-malhotra/go-h5layout/internal/btree"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// resolve looks up the index entry of every piece. The index is not safe
// for concurrent use, so this runs before any worker starts.
func (c *Chunked) resolve(pieces []*Piece) ([]btree.Entry, []bool, error) {
	entries := make([]btree.Entry, len(pieces))
	found := make([]bool, len(pieces))
	for i, p := range pieces {
		e, ok, err := c.index.Lookup(p.Coord)
		if err != nil {
			return nil, nil, err
		}
		entries[i], found[i] = e, ok
	}
	return entries, found, nil
}

// ReadCollective reads pieces using up to workers goroutines, each
// handling whole chunks. Dirty cached chunks are flushed first so that
// storage is current. Memory runs of distinct pieces must not overlap.
func (c *Chunked) ReadCollective(ctx context.Context, pieces []*Piece, buf []byte, workers int, opts IOOptions) (uint64, error) {
	if err := c.cache.FlushAll(); err != nil {
		return 0, err
	}
	entries, found, err := c.resolve(pieces)
	if err != nil {
		return 0, err
	}
	c.log.Debug().Int("chunks", len(pieces)).Int("workers", workers).Msg("collective chunk read")

	var total atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, p := range pieces {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			chunk := c.fillChunk()
			if found[i] {
				var err error
				if chunk, err = c.readEntry(entries[i], opts); err != nil {
					return err
				}
			}
			n, _ := walkVV(p.File, p.Mem, func(f, m, n uint64) error {
				copy(buf[m:m+n], chunk[f:f+n])
				return nil
			})
			total.Add(n)
			return nil
		})
	}
	err = g.Wait()
	return total.Load(), err
}

// WriteCollective writes pieces using up to workers goroutines. Workers
// merge and encode their chunks and then write them to space reserved
// beforehand; the index is updated only after every worker has finished.
// If any worker fails the index is left unchanged.
func (c *Chunked) WriteCollective(ctx context.Context, pieces []*Piece, buf []byte, workers int) (uint64, error) {
	if err := c.cache.FlushAll(); err != nil {
		return 0, err
	}
	for _, p := range pieces {
		c.cache.Invalidate(p.Coord)
	}
	entries, found, err := c.resolve(pieces)
	if err != nil {
		return 0, err
	}
	c.log.Debug().Int("chunks", len(pieces)).Int("workers", workers).Msg("collective chunk write")

	type encoded struct {
		data []byte
		mask uint32
	}
	out := make([]encoded, len(pieces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, p := range pieces {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			chunk := c.fillChunk()
			if found[i] && !c.fullyCovered(p) {
				var err error
				if chunk, err = c.readEntry(entries[i], IOOptions{}); err != nil {
					return err
				}
			}
			_, _ = walkVV(p.File, p.Mem, func(f, m, n uint64) error {
				copy(chunk[f:f+n], buf[m:m+n])
				return nil
			})
			data, mask, err := c.pipeline.Encode(chunk)
			if err != nil {
				return errors.Wrapf(err, "encoding chunk %v", p.Coord)
			}
			out[i] = encoded{data: data, mask: mask}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	// Reserve space serially; the allocator is shared with the index.
	fresh := make([]bool, len(pieces))
	next := make([]btree.Entry, len(pieces))
	release := func() {
		for i := range next {
			if fresh[i] {
				_ = c.alloc.Free(next[i].Address, next[i].Size)
			}
		}
	}
	for i, p := range pieces {
		used := uint64(len(out[i].data))
		e := btree.Entry{Coord: p.Coord, Address: entries[i].Address, Size: entries[i].Size,
			Used: used, FilterMask: out[i].mask}
		if !found[i] || used > entries[i].Size {
			e.Address, e.Size = c.alloc.Alloc(used), used
			if e.Address == binary.Undefined {
				release()
				return 0, h5err.New(h5err.ErrAllocationFailure, "allocating %d bytes for chunk %v", used, p.Coord)
			}
			fresh[i] = true
		}
		next[i] = e
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i := range pieces {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return errors.Wrapf(c.wr.At(int64(next[i].Address)).WriteBytes(out[i].data),
				"writing chunk %v", next[i].Coord)
		})
	}
	if err := g.Wait(); err != nil {
		release()
		return 0, err
	}

	var total uint64
	for i, p := range pieces {
		if err := c.index.InsertOrUpdate(next[i]); err != nil {
			return total, err
		}
		total += p.Bytes
	}
	return total, nil
}
