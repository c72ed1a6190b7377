package layout

import (
	"github.com/cockroachdb/errors"

	"github.com/robert-malhotra/go-h5layout/internal/dataspace"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// MaxCompactSize bounds the raw data a compact dataset may hold.
const MaxCompactSize = 64 << 10

// Compact keeps raw data inline, in the dataset's metadata record.
type Compact struct {
	p    Params
	data []byte
}

func newCompact(info CompactInfo, p Params) (*Compact, error) {
	if err := p.Fill.check(p.ElemSize); err != nil {
		return nil, err
	}
	size := p.extentBytes()
	if size > MaxCompactSize {
		return nil, h5err.New(h5err.ErrExtentViolation,
			"compact data of %d bytes exceeds %d", size, MaxCompactSize)
	}
	c := &Compact{p: p, data: info.Data}
	switch {
	case len(c.data) == 0:
		c.data = make([]byte, size)
		p.Fill.Apply(c.data)
	case uint64(len(c.data)) != size:
		return nil, errors.Newf("compact data holds %d bytes, extent needs %d", len(c.data), size)
	}
	return c, nil
}

func (c *Compact) sealed() {}

// Class returns ClassCompact.
func (c *Compact) Class() Class { return ClassCompact }

func (c *Compact) Descriptor() Descriptor {
	return Descriptor{Class: ClassCompact, Compact: &CompactInfo{Data: c.data}}
}

func (c *Compact) StorageSize() (uint64, error) { return uint64(len(c.data)), nil }

func (c *Compact) Flush() error { return nil }
func (c *Compact) Close() error { return nil }

func (c *Compact) readVV(file, mem []dataspace.Run, buf []byte) (uint64, error) {
	if err := checkFileRuns(file, uint64(len(c.data))); err != nil {
		return 0, err
	}
	return walkVV(file, mem, func(f, m, n uint64) error {
		copy(buf[m:m+n], c.data[f:f+n])
		return nil
	})
}

func (c *Compact) writeVV(file, mem []dataspace.Run, buf []byte) (uint64, error) {
	if err := checkFileRuns(file, uint64(len(c.data))); err != nil {
		return 0, err
	}
	return walkVV(file, mem, func(f, m, n uint64) error {
		copy(c.data[f:f+n], buf[m:m+n])
		return nil
	})
}

func (c *Compact) setExtent(dims []uint64) error {
	if len(dims) != len(c.p.Dims) {
		return h5err.New(h5err.ErrExtentViolation, "extent rank %d, dataset rank %d", len(dims), len(c.p.Dims))
	}
	if size := numElements(dims) * c.p.ElemSize; size > MaxCompactSize {
		return h5err.New(h5err.ErrExtentViolation,
			"compact data of %d bytes exceeds %d", size, MaxCompactSize)
	}
	c.data = relayout(c.data, c.p.Dims, dims, c.p.ElemSize, c.p.Fill)
	c.p.Dims = append([]uint64(nil), dims...)
	return nil
}
