package hdf5

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/robert-malhotra/go-h5layout/internal/binary"
	"github.com/robert-malhotra/go-h5layout/internal/btree"
	"github.com/robert-malhotra/go-h5layout/internal/chunkcache"
	"github.com/robert-malhotra/go-h5layout/internal/dataspace"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
	"github.com/robert-malhotra/go-h5layout/internal/layout"
	"github.com/robert-malhotra/go-h5layout/internal/meta"
)

// Unlimited marks a dimension without a maximum size.
const Unlimited = dataspace.Unlimited

// Space is a dataset extent with a selection.
type Space = dataspace.Space

// Hyperslab is a regular block pattern: start, stride, count and block
// per dimension.
type Hyperslab = dataspace.Hyperslab

// NewSpace creates a space of the given dimensions with everything
// selected. maxDims may be nil.
func NewSpace(dims, maxDims []uint64) (*Space, error) {
	return dataspace.New(dims, maxDims)
}

// Box returns a hyperslab of one block.
func Box(start, size []uint64) Hyperslab {
	return dataspace.Box(start, size)
}

// LayoutClass identifies a dataset's storage layout.
type LayoutClass = layout.Class

// Layout classes.
const (
	LayoutCompact    = layout.ClassCompact
	LayoutContiguous = layout.ClassContiguous
	LayoutChunked    = layout.ClassChunked
	LayoutExternal   = layout.ClassExternal
)

// ChunkEntry is a chunk index record.
type ChunkEntry = btree.Entry

// CacheStats is a snapshot of a dataset's chunk cache.
type CacheStats = chunkcache.Stats

// datasetState is shared by every handle of one open dataset. The last
// handle to close flushes it and tears it down.
type datasetState struct {
	name      string
	refs      int
	elemSize  uint64
	space     *dataspace.Space
	fill      layout.Fill
	allocTime layout.AllocTime
	storage   layout.Storage
	log       zerolog.Logger
}

func (st *datasetState) record() meta.Dataset {
	return meta.Dataset{
		Name:      st.name,
		Dims:      st.space.Dims(),
		MaxDims:   st.space.MaxDims(),
		ElemSize:  st.elemSize,
		Fill:      st.fill,
		AllocTime: st.allocTime,
		Layout:    st.storage.Descriptor(),
	}
}

func (st *datasetState) flush() error {
	return errors.Wrapf(st.storage.Flush(), "flushing %q", st.name)
}

func (st *datasetState) close() error {
	return errors.Wrapf(st.storage.Close(), "closing %q", st.name)
}

func (st *datasetState) destroy() error {
	return layout.Destroy(st.storage)
}

// openState builds the in-memory state of a stored dataset.
func (f *File) openState(rec meta.Dataset, o *datasetOptions) (*datasetState, error) {
	sp, err := dataspace.New(rec.Dims, rec.MaxDims)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset %q", rec.Name)
	}
	log := f.log.With().Str("dataset", rec.Name).Logger()
	s, err := layout.New(rec.Layout, layout.Params{
		Dims:      rec.Dims,
		ElemSize:  rec.ElemSize,
		Fill:      rec.Fill,
		AllocTime: rec.AllocTime,
	}, layout.Env{
		Store:   f.backend,
		Alloc:   f.store.Allocator(),
		Logger:  log,
		Cache:   o.cache(f.metrics),
		BaseDir: f.baseDir(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dataset %q", rec.Name)
	}
	return &datasetState{
		name:      rec.Name,
		elemSize:  rec.ElemSize,
		space:     sp,
		fill:      rec.Fill,
		allocTime: rec.AllocTime,
		storage:   s,
		log:       log,
	}, nil
}

// Dataset is a handle to an open dataset. Handles opened for the same
// name share state. A handle is not safe for concurrent use.
type Dataset struct {
	f      *File
	st     *datasetState
	closed bool
}

// CreateDataset creates a dataset of elemSize-byte elements with the
// given current dimensions. Without layout options the data is stored
// contiguously.
func (f *File) CreateDataset(name string, dims []uint64, elemSize int, opts ...DatasetOption) (*Dataset, error) {
	o := defaultDatasetOptions()
	for _, opt := range opts {
		opt(o)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if name == "" {
		return nil, errors.New("dataset name cannot be empty")
	}
	if _, err := f.store.Catalog().Get(name); err == nil {
		return nil, h5err.New(h5err.ErrExists, "dataset %q", name)
	}
	if elemSize <= 0 {
		return nil, errors.Newf("element size must be positive, got %d", elemSize)
	}
	if len(dims) == 0 {
		return nil, h5err.New(h5err.ErrUnsupported, "scalar datasets")
	}
	maxDims := o.maxDims
	if maxDims == nil {
		maxDims = dims
	}
	if _, err := dataspace.New(dims, maxDims); err != nil {
		return nil, err
	}

	desc, err := o.descriptor(dims, maxDims)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset %q", name)
	}
	rec := meta.Dataset{
		Name:      name,
		Dims:      slices.Clone(dims),
		MaxDims:   slices.Clone(maxDims),
		ElemSize:  uint64(elemSize),
		Fill:      o.fill,
		AllocTime: o.allocTime,
		Layout:    desc,
	}
	st, err := f.openState(rec, o)
	if err != nil {
		return nil, err
	}
	if st.allocTime == layout.AllocEarly {
		if err := layout.Allocate(st.storage); err != nil {
			_ = st.destroy()
			return nil, errors.Wrapf(err, "allocating %q", name)
		}
	}

	f.store.Catalog().Put(st.record())
	if err := f.store.Commit(); err != nil {
		return nil, err
	}
	st.refs = 1
	f.open[name] = st
	st.log.Debug().Uints64("dims", dims).Stringer("layout", desc.Class).Msg("dataset created")
	return &Dataset{f: f, st: st}, nil
}

// descriptor builds the initial layout description.
func (o *datasetOptions) descriptor(dims, maxDims []uint64) (layout.Descriptor, error) {
	kinds := 0
	for _, set := range []bool{o.chunks != nil, o.compact, o.external != nil} {
		if set {
			kinds++
		}
	}
	if kinds > 1 {
		return layout.Descriptor{}, errors.New("chunked, compact and external layouts are exclusive")
	}
	if len(o.filters) > 0 && o.chunks == nil {
		return layout.Descriptor{}, h5err.New(h5err.ErrUnsupported, "filters require chunked layout")
	}
	if o.chunks == nil {
		for d, m := range maxDims {
			if m == Unlimited && (o.external == nil || d != 0) {
				return layout.Descriptor{}, h5err.New(h5err.ErrExtentViolation,
					"unlimited dimension %d requires chunked layout", d)
			}
		}
	}

	switch {
	case o.chunks != nil:
		if len(o.chunks) != len(dims) {
			return layout.Descriptor{}, h5err.New(h5err.ErrExtentViolation,
				"chunk rank %d does not match dataset rank %d", len(o.chunks), len(dims))
		}
		return layout.Descriptor{Class: layout.ClassChunked, Chunked: &layout.ChunkedInfo{
			ChunkDims:  slices.Clone(o.chunks),
			IndexAddr:  binary.Undefined,
			MinEntries: o.minEntries,
			Filters:    o.filters,
		}}, nil
	case o.compact:
		return layout.Descriptor{Class: layout.ClassCompact, Compact: &layout.CompactInfo{}}, nil
	case o.external != nil:
		return layout.Descriptor{Class: layout.ClassExternal, External: &layout.ExternalInfo{
			Segments: slices.Clone(o.external),
		}}, nil
	default:
		return layout.Descriptor{Class: layout.ClassContiguous, Contiguous: &layout.ContiguousInfo{
			Address: binary.Undefined,
		}}, nil
	}
}

// OpenDataset returns a handle to the named dataset. If the dataset is
// already open the new handle shares its state, and opts are ignored.
func (f *File) OpenDataset(name string, opts ...DatasetOption) (*Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if st, ok := f.open[name]; ok {
		st.refs++
		return &Dataset{f: f, st: st}, nil
	}
	rec, err := f.store.Catalog().Get(name)
	if err != nil {
		return nil, err
	}
	o := defaultDatasetOptions()
	for _, opt := range opts {
		opt(o)
	}
	st, err := f.openState(rec, o)
	if err != nil {
		return nil, err
	}
	st.refs = 1
	f.open[name] = st
	return &Dataset{f: f, st: st}, nil
}

// Close releases the handle. The last handle of a dataset flushes it and
// records its layout in the catalog.
func (d *Dataset) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	f := d.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	d.st.refs--
	if d.st.refs > 0 {
		return nil
	}
	delete(f.open, d.st.name)
	if err := d.st.close(); err != nil {
		return err
	}
	f.store.Catalog().Put(d.st.record())
	return f.store.Commit()
}

func (d *Dataset) check() error {
	if d.closed {
		return h5err.New(h5err.ErrClosed, "dataset handle")
	}
	if d.f.closed {
		return h5err.New(h5err.ErrClosed, "file")
	}
	return nil
}

// Name returns the dataset name.
func (d *Dataset) Name() string { return d.st.name }

// Dims returns the current dimensions.
func (d *Dataset) Dims() []uint64 { return d.st.space.Dims() }

// MaxDims returns the maximum dimensions.
func (d *Dataset) MaxDims() []uint64 { return d.st.space.MaxDims() }

// ElementSize returns the size of one element in bytes.
func (d *Dataset) ElementSize() int { return int(d.st.elemSize) }

// NumElements returns the number of elements in the current extent.
func (d *Dataset) NumElements() uint64 { return d.st.space.Extent() }

// Space returns a copy of the dataset's space with everything selected,
// for building file selections.
func (d *Dataset) Space() *Space {
	sp := d.st.space.Clone()
	sp.SelectAll()
	return sp
}

// Layout returns the storage layout class.
func (d *Dataset) Layout() LayoutClass { return d.st.storage.Class() }

// ChunkDims returns the chunk shape, or nil if the dataset is not chunked.
func (d *Dataset) ChunkDims() []uint64 {
	if c, ok := d.st.storage.(*layout.Chunked); ok {
		return c.ChunkDims()
	}
	return nil
}

// StorageSize returns the bytes of raw data storage in use.
func (d *Dataset) StorageSize() (uint64, error) {
	if err := d.check(); err != nil {
		return 0, err
	}
	return d.st.storage.StorageSize()
}

// ChunkEntries lists the chunk index in coordinate order. Chunks held
// dirty in the cache are not included until flushed.
func (d *Dataset) ChunkEntries() ([]ChunkEntry, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	c, ok := d.st.storage.(*layout.Chunked)
	if !ok {
		return nil, h5err.New(h5err.ErrUnsupported, "%s dataset has no chunk index", d.Layout())
	}
	return c.Entries()
}

// CacheStats returns the chunk cache statistics. Non-chunked datasets
// report zeros.
func (d *Dataset) CacheStats() CacheStats {
	if c, ok := d.st.storage.(*layout.Chunked); ok {
		return c.CacheStats()
	}
	return CacheStats{}
}

// Flush writes back cached chunks and records the layout in the catalog.
func (d *Dataset) Flush() error {
	if err := d.check(); err != nil {
		return err
	}
	if err := d.st.flush(); err != nil {
		return err
	}
	d.f.mu.Lock()
	defer d.f.mu.Unlock()
	d.f.store.Catalog().Put(d.st.record())
	return d.f.store.Commit()
}

// SetExtent changes the current dimensions within the maximum. Shrinking
// frees the storage of chunks that fall wholly outside the new extent;
// elements beyond it read as the fill value if the extent grows again.
func (d *Dataset) SetExtent(dims []uint64) error {
	if err := d.check(); err != nil {
		return err
	}
	next := d.st.space.Clone()
	if err := next.SetExtent(dims); err != nil {
		return err
	}
	if err := layout.SetExtent(d.st.storage, dims); err != nil {
		return errors.Wrapf(err, "extending %q", d.st.name)
	}
	d.st.space = next
	d.st.log.Debug().Uints64("dims", dims).Msg("extent changed")
	return nil
}
