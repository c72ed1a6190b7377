// Package dataspace describes array extents and the element selections made
// on them, and turns selections into byte runs.
package dataspace

import (
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// MaxRank is the largest supported number of dimensions.
const MaxRank = 32

// Unlimited marks a maximum dimension that may grow without bound.
const Unlimited = ^uint64(0)

// SelectionKind identifies the shape of a selection.
type SelectionKind uint8

const (
	SelectAll SelectionKind = iota
	SelectNone
	SelectHyperslabs
)

func (k SelectionKind) String() string {
	switch k {
	case SelectAll:
		return "all"
	case SelectNone:
		return "none"
	case SelectHyperslabs:
		return "hyperslabs"
	default:
		return "unknown"
	}
}

// Hyperslab is a regular pattern of blocks: along each dimension, Count
// blocks of Block elements, the first at Start and each Stride apart.
type Hyperslab struct {
	Start  []uint64
	Stride []uint64
	Count  []uint64
	Block  []uint64
}

// Box returns the hyperslab selecting the single box [start, start+size).
func Box(start, size []uint64) Hyperslab {
	ones := make([]uint64, len(start))
	for i := range ones {
		ones[i] = 1
	}
	return Hyperslab{
		Start:  append([]uint64(nil), start...),
		Stride: ones,
		Count:  append([]uint64(nil), ones...),
		Block:  append([]uint64(nil), size...),
	}
}

// NumElements returns the number of elements the hyperslab selects.
func (h Hyperslab) NumElements() uint64 {
	n := uint64(1)
	for d := range h.Start {
		n *= h.Count[d] * h.Block[d]
	}
	return n
}

func (h Hyperslab) clone() Hyperslab {
	return Hyperslab{
		Start:  append([]uint64(nil), h.Start...),
		Stride: append([]uint64(nil), h.Stride...),
		Count:  append([]uint64(nil), h.Count...),
		Block:  append([]uint64(nil), h.Block...),
	}
}

// Space is an extent (current and maximum dimensions) with a selection.
// A Space is not safe for concurrent modification.
type Space struct {
	dims    []uint64
	maxDims []uint64
	kind    SelectionKind
	slabs   []Hyperslab
}

// New creates a space with the given current dimensions. maxDims may be nil,
// meaning fixed size; otherwise each entry must be >= the matching dimension
// or Unlimited. The whole extent is selected.
func New(dims, maxDims []uint64) (*Space, error) {
	if len(dims) > MaxRank {
		return nil, h5err.New(h5err.ErrExtentViolation, "rank %d exceeds maximum %d", len(dims), MaxRank)
	}
	if maxDims == nil {
		maxDims = dims
	}
	if len(maxDims) != len(dims) {
		return nil, h5err.New(h5err.ErrExtentViolation,
			"max dims rank %d does not match rank %d", len(maxDims), len(dims))
	}
	for d := range dims {
		if maxDims[d] != Unlimited && dims[d] > maxDims[d] {
			return nil, h5err.New(h5err.ErrExtentViolation,
				"dimension %d size %d exceeds maximum %d", d, dims[d], maxDims[d])
		}
	}
	return &Space{
		dims:    append([]uint64(nil), dims...),
		maxDims: append([]uint64(nil), maxDims...),
		kind:    SelectAll,
	}, nil
}

// Simple creates a fixed-size space with everything selected.
// It panics on an invalid rank; use New to get an error instead.
func Simple(dims ...uint64) *Space {
	s, err := New(dims, nil)
	if err != nil {
		panic(err)
	}
	return s
}

// Scalar creates a rank-0 space holding a single element.
func Scalar() *Space {
	return &Space{kind: SelectAll}
}

// Rank returns the number of dimensions.
func (s *Space) Rank() int { return len(s.dims) }

// Dims returns a copy of the current dimensions.
func (s *Space) Dims() []uint64 { return append([]uint64(nil), s.dims...) }

// MaxDims returns a copy of the maximum dimensions.
func (s *Space) MaxDims() []uint64 { return append([]uint64(nil), s.maxDims...) }

// HasUnlimited reports whether any maximum dimension is Unlimited.
func (s *Space) HasUnlimited() bool {
	for _, m := range s.maxDims {
		if m == Unlimited {
			return true
		}
	}
	return false
}

// Extent returns the number of elements in the current extent.
func (s *Space) Extent() uint64 {
	n := uint64(1)
	for _, d := range s.dims {
		n *= d
	}
	return n
}

// Kind returns the selection kind.
func (s *Space) Kind() SelectionKind { return s.kind }

// Hyperslabs returns the selected hyperslabs in list order.
func (s *Space) Hyperslabs() []Hyperslab {
	out := make([]Hyperslab, len(s.slabs))
	for i, h := range s.slabs {
		out[i] = h.clone()
	}
	return out
}

// Clone returns a deep copy.
func (s *Space) Clone() *Space {
	c := &Space{
		dims:    append([]uint64(nil), s.dims...),
		maxDims: append([]uint64(nil), s.maxDims...),
		kind:    s.kind,
	}
	for _, h := range s.slabs {
		c.slabs = append(c.slabs, h.clone())
	}
	return c
}

// Fixed returns a deep copy whose maximum dimensions are its current
// ones, keeping the selection.
func (s *Space) Fixed() *Space {
	c := s.Clone()
	c.maxDims = append(c.maxDims[:0], c.dims...)
	return c
}

// SelectAll selects the entire extent.
func (s *Space) SelectAll() {
	s.kind = SelectAll
	s.slabs = nil
}

// SelectNone clears the selection.
func (s *Space) SelectNone() {
	s.kind = SelectNone
	s.slabs = nil
}

// SelectBox replaces the selection with the box [start, start+size).
func (s *Space) SelectBox(start, size []uint64) error {
	s.SelectNone()
	return s.AddHyperslab(Box(start, size))
}

// SelectHyperslab replaces the selection with h.
func (s *Space) SelectHyperslab(h Hyperslab) error {
	s.SelectNone()
	return s.AddHyperslab(h)
}

// AddHyperslab appends h to the selection. Hyperslabs are visited in the
// order they were added; an element covered by two hyperslabs is visited
// once for each.
func (s *Space) AddHyperslab(h Hyperslab) error {
	if err := s.checkHyperslab(h); err != nil {
		return err
	}
	if s.kind != SelectHyperslabs {
		s.kind = SelectHyperslabs
		s.slabs = nil
	}
	if h.NumElements() == 0 {
		return nil
	}
	s.slabs = append(s.slabs, h.clone())
	return nil
}

func (s *Space) checkHyperslab(h Hyperslab) error {
	r := len(s.dims)
	if r == 0 {
		return h5err.New(h5err.ErrExtentViolation, "cannot select a hyperslab of a scalar space")
	}
	if len(h.Start) != r || len(h.Stride) != r || len(h.Count) != r || len(h.Block) != r {
		return h5err.New(h5err.ErrExtentViolation, "hyperslab rank does not match space rank %d", r)
	}
	for d := 0; d < r; d++ {
		if h.Count[d] == 0 || h.Block[d] == 0 {
			continue
		}
		if h.Count[d] > 1 && h.Stride[d] < h.Block[d] {
			return h5err.New(h5err.ErrExtentViolation,
				"dimension %d stride %d smaller than block %d", d, h.Stride[d], h.Block[d])
		}
	}
	return checkInExtent(h, s.dims)
}

// checkInExtent verifies the last block of h ends within dims.
func checkInExtent(h Hyperslab, dims []uint64) error {
	for d := range dims {
		if h.Count[d] == 0 || h.Block[d] == 0 {
			continue
		}
		end := h.Start[d] + (h.Count[d]-1)*h.Stride[d] + h.Block[d]
		if end > dims[d] || end < h.Start[d] {
			return h5err.New(h5err.ErrExtentViolation,
				"dimension %d selection ends at %d beyond extent %d", d, end, dims[d])
		}
	}
	return nil
}

// Validate checks that every selected block lies in the current extent.
func (s *Space) Validate() error {
	for _, h := range s.slabs {
		if err := checkInExtent(h, s.dims); err != nil {
			return err
		}
	}
	return nil
}

// NumElements returns the number of selected elements.
func (s *Space) NumElements() uint64 {
	switch s.kind {
	case SelectAll:
		return s.Extent()
	case SelectHyperslabs:
		var n uint64
		for _, h := range s.slabs {
			n += h.NumElements()
		}
		return n
	default:
		return 0
	}
}

// SetExtent changes the current dimensions. Each must stay within the
// maximum. An existing hyperslab selection is not clipped; Validate reports
// blocks left outside.
func (s *Space) SetExtent(dims []uint64) error {
	if len(dims) != len(s.dims) {
		return h5err.New(h5err.ErrExtentViolation,
			"new extent rank %d does not match rank %d", len(dims), len(s.dims))
	}
	for d := range dims {
		if s.maxDims[d] != Unlimited && dims[d] > s.maxDims[d] {
			return h5err.New(h5err.ErrExtentViolation,
				"dimension %d size %d exceeds maximum %d", d, dims[d], s.maxDims[d])
		}
	}
	s.dims = append(s.dims[:0], dims...)
	return nil
}

// Strides returns the row-major element stride of each dimension.
func Strides(dims []uint64) []uint64 {
	st := make([]uint64, len(dims))
	acc := uint64(1)
	for d := len(dims) - 1; d >= 0; d-- {
		st[d] = acc
		acc *= dims[d]
	}
	return st
}
