package dataspace

// Run is a contiguous byte range in the row-major linearisation of a space.
type Run struct {
	Off uint64
	Len uint64
}

// End returns the offset one past the run.
func (r Run) End() uint64 { return r.Off + r.Len }

// dimSel is one dimension of a hyperslab: count intervals of block
// elements, the i-th starting at start+i*stride.
type dimSel struct {
	start, stride, count, block uint64
}

// slabCursor walks the raw runs of one hyperslab. Dimensions before k are
// visited element by element; dimension k is visited interval by interval
// and each interval covers whole rows of the fully selected inner dimensions.
type slabCursor struct {
	sel   []dimSel
	k     int
	strd  []uint64 // element strides
	pos   []uint64 // per dim < k: element index within the selection; at k: interval index
	done  bool
	elems uint64
}

func newSlabCursor(h Hyperslab, dims []uint64) *slabCursor {
	r := len(dims)
	c := &slabCursor{
		sel:  make([]dimSel, r),
		strd: Strides(dims),
		pos:  make([]uint64, r),
	}
	for d := 0; d < r; d++ {
		ds := dimSel{start: h.Start[d], stride: h.Stride[d], count: h.Count[d], block: h.Block[d]}
		if ds.count == 1 || ds.stride == ds.block {
			ds = dimSel{start: ds.start, stride: ds.count * ds.block, count: 1, block: ds.count * ds.block}
		}
		c.sel[d] = ds
	}
	// Fold fully selected inner dimensions into k.
	c.k = r - 1
	for c.k > 0 {
		ds := c.sel[c.k]
		if ds.count != 1 || ds.start != 0 || ds.block != dims[c.k] {
			break
		}
		c.k--
	}
	c.elems = h.NumElements()
	c.done = c.elems == 0
	return c
}

// next returns the next raw run in element units.
func (c *slabCursor) next() (Run, bool) {
	if c.done {
		return Run{}, false
	}
	var off uint64
	for d := 0; d < c.k; d++ {
		ds := c.sel[d]
		i, j := c.pos[d]/ds.block, c.pos[d]%ds.block
		off += (ds.start + i*ds.stride + j) * c.strd[d]
	}
	ks := c.sel[c.k]
	off += (ks.start + c.pos[c.k]*ks.stride) * c.strd[c.k]
	run := Run{Off: off, Len: ks.block * c.strd[c.k]}

	// Advance the odometer.
	d := c.k
	c.pos[d]++
	for c.pos[d] == c.limit(d) {
		c.pos[d] = 0
		if d == 0 {
			c.done = true
			break
		}
		d--
		c.pos[d]++
	}
	return run, true
}

func (c *slabCursor) limit(d int) uint64 {
	if d == c.k {
		return c.sel[d].count
	}
	return c.sel[d].count * c.sel[d].block
}

// Iterator yields the byte runs of a selection in row-major order,
// hyperslab by hyperslab. Adjacent runs are coalesced. Next may consume a
// run partially, which lets two iterators advance in lock-step.
type Iterator struct {
	space    *Space
	elemSize uint64

	slab   int
	cursor *slabCursor
	ahead  Run
	hasAhd bool

	cur       Run
	hasCur    bool
	remaining uint64
}

// Iter returns an iterator over the selection of s for elements of
// elemSize bytes. Later changes to s do not affect the iterator.
func (s *Space) Iter(elemSize uint64) *Iterator {
	it := &Iterator{space: s.Clone(), elemSize: elemSize}
	it.Reset()
	return it
}

// Reset rewinds the iterator to the first run.
func (it *Iterator) Reset() {
	it.slab = 0
	it.cursor = nil
	it.hasAhd = false
	it.hasCur = false
	it.remaining = it.space.NumElements() * it.elemSize
}

// Remaining returns the number of selected bytes not yet returned.
func (it *Iterator) Remaining() uint64 { return it.remaining }

// ElemSize returns the element size the iterator was created with.
func (it *Iterator) ElemSize() uint64 { return it.elemSize }

// raw returns the next uncoalesced run in bytes.
func (it *Iterator) raw() (Run, bool) {
	if it.hasAhd {
		it.hasAhd = false
		return it.ahead, true
	}
	s := it.space
	switch s.kind {
	case SelectAll:
		if it.slab > 0 {
			return Run{}, false
		}
		it.slab++
		n := s.Extent() * it.elemSize
		if n == 0 {
			return Run{}, false
		}
		return Run{Off: 0, Len: n}, true
	case SelectHyperslabs:
		for it.slab < len(s.slabs) {
			if it.cursor == nil {
				it.cursor = newSlabCursor(s.slabs[it.slab], s.dims)
			}
			if r, ok := it.cursor.next(); ok {
				return Run{Off: r.Off * it.elemSize, Len: r.Len * it.elemSize}, true
			}
			it.cursor = nil
			it.slab++
		}
	}
	return Run{}, false
}

// fill loads the next coalesced run into cur.
func (it *Iterator) fill() bool {
	r, ok := it.raw()
	if !ok {
		return false
	}
	for {
		nx, ok := it.raw()
		if !ok {
			break
		}
		if nx.Off != r.End() {
			it.ahead, it.hasAhd = nx, true
			break
		}
		r.Len += nx.Len
	}
	it.cur, it.hasCur = r, true
	return true
}

// Next returns up to maxBytes from the current run. maxBytes of zero means
// no limit. It returns false once the selection is exhausted.
func (it *Iterator) Next(maxBytes uint64) (Run, bool) {
	if !it.hasCur && !it.fill() {
		return Run{}, false
	}
	r := it.cur
	if maxBytes != 0 && r.Len > maxBytes {
		r.Len = maxBytes
		it.cur.Off += maxBytes
		it.cur.Len -= maxBytes
	} else {
		it.hasCur = false
	}
	it.remaining -= r.Len
	return r, true
}

// Runs returns every run of the selection.
func (s *Space) Runs(elemSize uint64) []Run {
	var out []Run
	it := s.Iter(elemSize)
	for {
		r, ok := it.Next(0)
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

// Collect gathers runs from it until exactly n bytes are collected or the
// iterator is exhausted.
func Collect(it *Iterator, n uint64, dst []Run) []Run {
	for n > 0 {
		r, ok := it.Next(n)
		if !ok {
			break
		}
		if k := len(dst); k > 0 && dst[k-1].End() == r.Off {
			dst[k-1].Len += r.Len
		} else {
			dst = append(dst, r)
		}
		n -= r.Len
	}
	return dst
}
