package layout

import (
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/robert-malhotra/go-h5layout/internal/binary"
	"github.com/robert-malhotra/go-h5layout/internal/dataspace"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// Contiguous stores the whole extent as one block of the file, in
// row-major order. The block is allocated on first write unless early
// allocation was requested.
type Contiguous struct {
	p     Params
	alloc Allocator
	rd    *binary.Reader
	wr    *binary.Writer
	log   zerolog.Logger

	addr uint64
	size uint64
}

func newContiguous(info ContiguousInfo, p Params, env Env) (*Contiguous, error) {
	if err := p.Fill.check(p.ElemSize); err != nil {
		return nil, err
	}
	c := &Contiguous{
		p:     p,
		alloc: env.Alloc,
		rd:    binary.NewReader(env.Store),
		wr:    binary.NewWriter(env.Store),
		log:   env.Logger,
		addr:  info.Address,
		size:  p.extentBytes(),
	}
	if c.addr != binary.Undefined && info.Size != c.size {
		return nil, errors.Newf("contiguous storage holds %d bytes, extent needs %d", info.Size, c.size)
	}
	return c, nil
}

func (c *Contiguous) sealed() {}

// Class returns ClassContiguous.
func (c *Contiguous) Class() Class { return ClassContiguous }

// Address returns the block address, or binary.Undefined before allocation.
func (c *Contiguous) Address() uint64 { return c.addr }

func (c *Contiguous) Descriptor() Descriptor {
	return Descriptor{
		Class:      ClassContiguous,
		Contiguous: &ContiguousInfo{Address: c.addr, Size: c.size},
	}
}

func (c *Contiguous) StorageSize() (uint64, error) {
	if c.addr == binary.Undefined {
		return 0, nil
	}
	return c.size, nil
}

func (c *Contiguous) Flush() error { return nil }
func (c *Contiguous) Close() error { return nil }

func (c *Contiguous) allocate() error {
	if c.addr != binary.Undefined || c.size == 0 {
		return nil
	}
	addr := c.alloc.Alloc(c.size)
	if addr == binary.Undefined {
		c.log.Error().Uint64("size", c.size).Msg("contiguous allocation failed")
		return h5err.New(h5err.ErrAllocationFailure, "allocating %d bytes of contiguous storage", c.size)
	}
	if c.p.Fill.onAlloc() {
		if err := writeFill(c.wr, addr, c.size, c.p.Fill, c.p.ElemSize); err != nil {
			_ = c.alloc.Free(addr, c.size)
			return err
		}
	}
	c.addr = addr
	return nil
}

func (c *Contiguous) readVV(file, mem []dataspace.Run, buf []byte) (uint64, error) {
	if err := checkFileRuns(file, c.size); err != nil {
		return 0, err
	}
	if c.addr == binary.Undefined {
		return walkVV(file, mem, func(_, m, n uint64) error {
			c.p.Fill.Apply(buf[m : m+n])
			return nil
		})
	}
	return walkVV(file, mem, func(f, m, n uint64) error {
		return c.rd.At(int64(c.addr + f)).ReadFull(buf[m : m+n])
	})
}

func (c *Contiguous) writeVV(file, mem []dataspace.Run, buf []byte) (uint64, error) {
	if err := checkFileRuns(file, c.size); err != nil {
		return 0, err
	}
	if err := c.allocate(); err != nil {
		return 0, err
	}
	return walkVV(file, mem, func(f, m, n uint64) error {
		return c.wr.At(int64(c.addr + f)).WriteBytes(buf[m : m+n])
	})
}

// setExtent moves the data into a block sized for dims. Elements keep
// their coordinates; new ones get the fill value.
func (c *Contiguous) setExtent(dims []uint64) error {
	if len(dims) != len(c.p.Dims) {
		return h5err.New(h5err.ErrExtentViolation, "extent rank %d, dataset rank %d", len(dims), len(c.p.Dims))
	}
	oldDims, oldAddr, oldSize := c.p.Dims, c.addr, c.size
	c.p.Dims = append([]uint64(nil), dims...)
	c.size = c.p.extentBytes()
	if oldAddr == binary.Undefined {
		if c.p.AllocTime == AllocEarly {
			return c.allocate()
		}
		return nil
	}

	old := make([]byte, oldSize)
	if err := c.rd.At(int64(oldAddr)).ReadFull(old); err != nil {
		return errors.Wrap(err, "reading contiguous storage for resize")
	}
	moved := relayout(old, oldDims, c.p.Dims, c.p.ElemSize, c.p.Fill)

	c.addr = binary.Undefined
	if c.size > 0 {
		addr := c.alloc.Alloc(c.size)
		if addr == binary.Undefined {
			c.p.Dims, c.addr, c.size = oldDims, oldAddr, oldSize
			return h5err.New(h5err.ErrAllocationFailure, "allocating %d bytes of contiguous storage", c.size)
		}
		if err := c.wr.At(int64(addr)).WriteBytes(moved); err != nil {
			_ = c.alloc.Free(addr, c.size)
			c.p.Dims, c.addr, c.size = oldDims, oldAddr, oldSize
			return err
		}
		c.addr = addr
	}
	c.log.Debug().Uints64("dims", dims).Uint64("from", oldAddr).Uint64("to", c.addr).Msg("contiguous storage moved")
	return c.alloc.Free(oldAddr, oldSize)
}

func (c *Contiguous) destroy() error {
	if c.addr == binary.Undefined {
		return nil
	}
	err := c.alloc.Free(c.addr, c.size)
	c.addr = binary.Undefined
	return err
}
