package meta

import (
	"github.com/cockroachdb/errors"

	"github.com/robert-malhotra/go-h5layout/internal/alloc"
	binpkg "github.com/robert-malhotra/go-h5layout/internal/binary"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// Store owns the file header, the catalog and the allocator of a file.
// It is not safe for concurrent use.
type Store struct {
	backend binpkg.Backend
	alloc   *alloc.Allocator
	header  Header
	catalog Catalog
}

// Create initialises an empty file on backend.
func Create(backend binpkg.Backend) (*Store, error) {
	if err := backend.Truncate(0); err != nil {
		return nil, errors.Wrap(err, "truncating backend")
	}
	s := &Store{
		backend: backend,
		alloc:   alloc.New(HeaderSize),
		header:  Header{Version: Version, CatalogAddress: binpkg.Undefined},
	}
	if err := s.Commit(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads the header and catalog from backend and rebuilds the
// allocator from the recorded extents.
func Open(backend binpkg.Backend) (*Store, error) {
	h, err := ReadHeader(backend)
	if err != nil {
		return nil, err
	}
	s := &Store{backend: backend, alloc: alloc.New(HeaderSize), header: *h}

	if h.CatalogAddress != binpkg.Undefined {
		raw, err := binpkg.NewReader(backend).At(int64(h.CatalogAddress)).ReadBytes(int(h.CatalogUsed))
		if err != nil {
			return nil, errors.Wrap(err, "reading catalog")
		}
		if err := Unmarshal(raw, &s.catalog); err != nil {
			return nil, h5err.Mark(err, h5err.ErrIndexCorruption, "decoding catalog")
		}
	}

	s.alloc.SetEOFAddr(h.EOFAddress)
	for _, e := range s.catalog.Allocations {
		s.alloc.Restore(e.Addr, e.Size, "")
	}
	s.alloc.Restore(h.CatalogAddress, h.CatalogSize, "catalog")
	for _, e := range s.catalog.FreeBlocks {
		s.alloc.Restore(e.Addr, e.Size, "")
		if err := s.alloc.Free(e.Addr, e.Size); err != nil {
			return nil, errors.Wrap(err, "restoring free list")
		}
	}
	if err := s.alloc.Validate(); err != nil {
		return nil, h5err.Mark(err, h5err.ErrIndexCorruption, "file space map")
	}
	return s, nil
}

// Allocator returns the file's space allocator.
func (s *Store) Allocator() *alloc.Allocator { return s.alloc }

// Catalog returns the in-memory catalog. Changes persist on Commit.
func (s *Store) Catalog() *Catalog { return &s.catalog }

// Header returns a copy of the last written header.
func (s *Store) Header() Header { return s.header }

// catalogSlack is extra room allocated for the catalog so small changes
// fit in place on the next commit.
const catalogSlack = 256

// Commit writes the catalog and then the header that points at it.
func (s *Store) Commit() error {
	if s.header.CatalogAddress != binpkg.Undefined {
		if err := s.alloc.Free(s.header.CatalogAddress, s.header.CatalogSize); err != nil {
			return errors.Wrap(err, "releasing old catalog")
		}
		s.header.CatalogAddress, s.header.CatalogSize, s.header.CatalogUsed = binpkg.Undefined, 0, 0
	}

	// The catalog records the space map, which includes the catalog's own
	// block; retry until the encoding fits the block it describes.
	size := uint64(catalogSlack)
	for {
		addr := s.alloc.AllocTagged(size, "catalog")
		if addr == binpkg.Undefined {
			return h5err.New(h5err.ErrAllocationFailure, "allocating %d bytes for catalog", size)
		}
		s.snapshot(addr)
		data, err := Marshal(&s.catalog)
		if err != nil {
			_ = s.alloc.Free(addr, size)
			return errors.Wrap(err, "encoding catalog")
		}
		if uint64(len(data)) > size {
			if err := s.alloc.Free(addr, size); err != nil {
				return err
			}
			size = uint64(len(data)) + catalogSlack
			continue
		}
		if err := binpkg.NewWriter(s.backend).At(int64(addr)).WriteBytes(data); err != nil {
			_ = s.alloc.Free(addr, size)
			return errors.Wrap(err, "writing catalog")
		}
		s.header.CatalogAddress, s.header.CatalogSize, s.header.CatalogUsed = addr, size, uint64(len(data))
		break
	}

	s.header.Version = Version
	s.header.EOFAddress = s.alloc.EOFAddr()
	if err := s.header.Write(s.backend); err != nil {
		return errors.Wrap(err, "writing header")
	}
	return nil
}

// snapshot copies the allocator state into the catalog, leaving out the
// catalog block at self.
func (s *Store) snapshot(self uint64) {
	s.catalog.Allocations = s.catalog.Allocations[:0]
	for _, a := range s.alloc.Allocations() {
		if a.Addr != self {
			s.catalog.Allocations = append(s.catalog.Allocations, Extent{Addr: a.Addr, Size: a.Size})
		}
	}
	s.catalog.FreeBlocks = s.catalog.FreeBlocks[:0]
	for _, fb := range s.alloc.FreeBlocks() {
		s.catalog.FreeBlocks = append(s.catalog.FreeBlocks, Extent{Addr: fb.Addr, Size: fb.Size})
	}
}

// Sync commits and flushes the backend to stable storage.
func (s *Store) Sync() error {
	if err := s.Commit(); err != nil {
		return err
	}
	return s.backend.Sync()
}

// Close syncs and closes the backend.
func (s *Store) Close() error {
	return errors.CombineErrors(s.Sync(), s.backend.Close())
}
