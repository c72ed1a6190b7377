package layout

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/robert-malhotra/go-h5layout/internal/chunkcache"
	"github.com/robert-malhotra/go-h5layout/internal/dataspace"
	"github.com/robert-malhotra/go-h5layout/internal/filter"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// Class identifies a storage layout.
type Class uint8

// Layout classes.
const (
	ClassCompact    Class = 0
	ClassContiguous Class = 1
	ClassChunked    Class = 2
	ClassExternal   Class = 3
)

func (c Class) String() string {
	switch c {
	case ClassCompact:
		return "compact"
	case ClassContiguous:
		return "contiguous"
	case ClassChunked:
		return "chunked"
	case ClassExternal:
		return "external"
	default:
		return "unknown"
	}
}

// ParseClass is the inverse of Class.String.
func ParseClass(s string) (Class, error) {
	for c := ClassCompact; c <= ClassExternal; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, h5err.New(h5err.ErrUnsupported, "unknown layout %q", s)
}

// Descriptor is the persisted description of a dataset's storage. Exactly
// one of the class-specific fields is set, matching Class.
type Descriptor struct {
	Class      Class           `cbor:"1,keyasint"`
	Contiguous *ContiguousInfo `cbor:"2,keyasint,omitempty"`
	Compact    *CompactInfo    `cbor:"3,keyasint,omitempty"`
	Chunked    *ChunkedInfo    `cbor:"4,keyasint,omitempty"`
	External   *ExternalInfo   `cbor:"5,keyasint,omitempty"`
}

// ContiguousInfo locates a single block of raw data.
type ContiguousInfo struct {
	// Address is binary.Undefined until the first write (or creation,
	// with early allocation).
	Address uint64 `cbor:"1,keyasint"`
	Size    uint64 `cbor:"2,keyasint"`
}

// CompactInfo carries raw data inline in the metadata record.
type CompactInfo struct {
	Data []byte `cbor:"1,keyasint"`
}

// ChunkedInfo describes chunked storage.
type ChunkedInfo struct {
	ChunkDims  []uint64      `cbor:"1,keyasint"`
	IndexAddr  uint64        `cbor:"2,keyasint"`
	MinEntries int           `cbor:"3,keyasint,omitempty"`
	Filters    []filter.Info `cbor:"4,keyasint,omitempty"`
}

// ExternalInfo lists the files holding raw data, in dataset byte order.
type ExternalInfo struct {
	Segments []Segment `cbor:"1,keyasint"`
}

// Segment is one slice of an external file. A Size of Unlimited lets the
// last segment grow without bound.
type Segment struct {
	Path   string `cbor:"1,keyasint"`
	Offset uint64 `cbor:"2,keyasint"`
	Size   uint64 `cbor:"3,keyasint"`
}

// Unlimited is the size of an unbounded external segment.
const Unlimited = dataspace.Unlimited

// Validate checks that the descriptor is internally consistent.
func (d Descriptor) Validate() error {
	set := 0
	for _, p := range []bool{d.Contiguous != nil, d.Compact != nil, d.Chunked != nil, d.External != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return errors.Newf("layout descriptor has %d variants set", set)
	}
	switch d.Class {
	case ClassContiguous:
		if d.Contiguous == nil {
			return errors.New("contiguous descriptor without contiguous info")
		}
	case ClassCompact:
		if d.Compact == nil {
			return errors.New("compact descriptor without compact info")
		}
	case ClassChunked:
		if d.Chunked == nil || len(d.Chunked.ChunkDims) == 0 {
			return errors.New("chunked descriptor without chunk dimensions")
		}
		for i, c := range d.Chunked.ChunkDims {
			if c == 0 {
				return errors.Newf("chunk dimension %d is zero", i)
			}
		}
	case ClassExternal:
		if d.External == nil || len(d.External.Segments) == 0 {
			return errors.New("external descriptor without segments")
		}
		for i, s := range d.External.Segments {
			if s.Size == Unlimited && i != len(d.External.Segments)-1 {
				return errors.New("only the last external segment may be unlimited")
			}
		}
	default:
		return h5err.New(h5err.ErrUnsupported, "layout class %d", d.Class)
	}
	return nil
}

// Allocator hands out and reclaims file space.
type Allocator interface {
	Alloc(size uint64) uint64
	Free(addr, size uint64) error
}

// Backend is the file the raw data and chunk index live in.
type Backend interface {
	io.ReaderAt
	io.WriterAt
}

// Env holds the collaborators a Storage works with.
type Env struct {
	Store   Backend
	Alloc   Allocator
	Logger  zerolog.Logger
	Cache   chunkcache.Options
	BaseDir string // relative external segment paths resolve against it
}

// Params is the dataset geometry and fill behaviour.
type Params struct {
	Dims      []uint64
	ElemSize  uint64
	Fill      Fill
	AllocTime AllocTime
}

func (p Params) extentBytes() uint64 {
	return numElements(p.Dims) * p.ElemSize
}

// IOOptions adjusts a single transfer.
type IOOptions struct {
	SkipEDC bool
}

// Storage is a dataset's raw data store. Its variants are *Contiguous,
// *Compact, *Chunked and *External; operations that differ per variant
// are package functions dispatching on the concrete type.
type Storage interface {
	Class() Class
	// Descriptor returns the current persisted form.
	Descriptor() Descriptor
	// StorageSize returns the bytes of raw data storage in use.
	StorageSize() (uint64, error)
	Flush() error
	Close() error

	sealed()
}

// New builds the Storage a descriptor describes. A chunked descriptor
// with an undefined index address gets a fresh index.
func New(d Descriptor, p Params, env Env) (Storage, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if p.ElemSize == 0 {
		return nil, errors.New("element size must be positive")
	}
	switch d.Class {
	case ClassContiguous:
		return newContiguous(*d.Contiguous, p, env)
	case ClassCompact:
		return newCompact(*d.Compact, p)
	case ClassChunked:
		return newChunked(*d.Chunked, p, env)
	case ClassExternal:
		return newExternal(*d.External, p, env)
	}
	return nil, h5err.New(h5err.ErrUnsupported, "layout class %d", d.Class)
}

// ReadVV copies the bytes at fileRuns (offsets in the dataset's row-major
// byte order) into buf at memRuns. Both lists must cover the same number
// of bytes. It returns the number of bytes copied.
func ReadVV(s Storage, fileRuns, memRuns []dataspace.Run, buf []byte, opts IOOptions) (uint64, error) {
	if err := checkVV(fileRuns, memRuns, buf); err != nil {
		return 0, err
	}
	switch s := s.(type) {
	case *Contiguous:
		return s.readVV(fileRuns, memRuns, buf)
	case *Compact:
		return s.readVV(fileRuns, memRuns, buf)
	case *Chunked:
		return s.readVV(fileRuns, memRuns, buf, opts)
	case *External:
		return s.readVV(fileRuns, memRuns, buf)
	}
	return 0, h5err.New(h5err.ErrUnsupported, "storage %T", s)
}

// WriteVV copies buf at memRuns into the storage at fileRuns.
func WriteVV(s Storage, fileRuns, memRuns []dataspace.Run, buf []byte) (uint64, error) {
	if err := checkVV(fileRuns, memRuns, buf); err != nil {
		return 0, err
	}
	switch s := s.(type) {
	case *Contiguous:
		return s.writeVV(fileRuns, memRuns, buf)
	case *Compact:
		return s.writeVV(fileRuns, memRuns, buf)
	case *Chunked:
		return s.writeVV(fileRuns, memRuns, buf)
	case *External:
		return s.writeVV(fileRuns, memRuns, buf)
	}
	return 0, h5err.New(h5err.ErrUnsupported, "storage %T", s)
}

// SetExtent changes the dataset dimensions the storage covers.
func SetExtent(s Storage, dims []uint64) error {
	switch s := s.(type) {
	case *Contiguous:
		return s.setExtent(dims)
	case *Compact:
		return s.setExtent(dims)
	case *Chunked:
		return s.setExtent(dims)
	case *External:
		return s.setExtent(dims)
	}
	return h5err.New(h5err.ErrUnsupported, "storage %T", s)
}

// Allocate reserves and initialises storage for the whole extent.
func Allocate(s Storage) error {
	switch s := s.(type) {
	case *Contiguous:
		return s.allocate()
	case *Chunked:
		return s.AllocateAll()
	case *Compact, *External:
		return nil
	}
	return h5err.New(h5err.ErrUnsupported, "storage %T", s)
}

// Destroy releases every byte of file space the storage owns. The
// storage is unusable afterwards.
func Destroy(s Storage) error {
	switch s := s.(type) {
	case *Contiguous:
		return s.destroy()
	case *Compact:
		s.data = nil
		return nil
	case *Chunked:
		return s.destroy()
	case *External:
		return s.Close()
	}
	return h5err.New(h5err.ErrUnsupported, "storage %T", s)
}

func checkVV(fileRuns, memRuns []dataspace.Run, buf []byte) error {
	var fn, mn uint64
	for _, r := range fileRuns {
		fn += r.Len
	}
	for _, r := range memRuns {
		mn += r.Len
		if r.End() > uint64(len(buf)) {
			return h5err.New(h5err.ErrExtentViolation,
				"memory run [%d,%d) exceeds buffer of %d bytes", r.Off, r.End(), len(buf))
		}
	}
	if fn != mn {
		return h5err.New(h5err.ErrSelectionMismatch, "file runs cover %d bytes, memory runs %d", fn, mn)
	}
	return nil
}

func checkFileRuns(runs []dataspace.Run, limit uint64) error {
	for _, r := range runs {
		if r.End() > limit {
			return h5err.New(h5err.ErrExtentViolation,
				"file run [%d,%d) exceeds extent of %d bytes", r.Off, r.End(), limit)
		}
	}
	return nil
}

func numElements(dims []uint64) uint64 {
	n := uint64(1)
	for _, d := range dims {
		n *= d
	}
	return n
}
