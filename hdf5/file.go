package hdf5

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/robert-malhotra/go-h5layout/internal/alloc"
	"github.com/robert-malhotra/go-h5layout/internal/binary"
	"github.com/robert-malhotra/go-h5layout/internal/chunkcache"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
	"github.com/robert-malhotra/go-h5layout/internal/meta"
)

// File is an open file holding any number of named datasets.
type File struct {
	mu sync.Mutex

	path    string
	backend binary.Backend
	store   *meta.Store
	log     zerolog.Logger
	metrics *chunkcache.Metrics
	closed  bool

	// open holds the shared state of every dataset with a live handle.
	open map[string]*datasetState
}

// Create creates a file at path, truncating any existing file.
func Create(path string, opts ...FileOption) (*File, error) {
	b, err := binary.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, err
	}
	f, err := newFile(b, path, true, opts)
	if err != nil {
		b.Close()
		os.Remove(path)
		return nil, err
	}
	return f, nil
}

// Open opens an existing file for reading and writing.
func Open(path string, opts ...FileOption) (*File, error) {
	b, err := binary.OpenFile(path, os.O_RDWR)
	if err != nil {
		return nil, err
	}
	f, err := newFile(b, path, false, opts)
	if err != nil {
		b.Close()
		return nil, err
	}
	return f, nil
}

// NewFile initialises an empty file on backend.
func NewFile(backend binary.Backend, opts ...FileOption) (*File, error) {
	return newFile(backend, "", true, opts)
}

// OpenBackend opens the file stored on backend.
func OpenBackend(backend binary.Backend, opts ...FileOption) (*File, error) {
	return newFile(backend, "", false, opts)
}

func newFile(b binary.Backend, path string, create bool, opts []FileOption) (*File, error) {
	o := defaultFileOptions()
	for _, opt := range opts {
		opt(o)
	}
	f := &File{
		path:    path,
		backend: b,
		log:     o.logger,
		open:    make(map[string]*datasetState),
	}
	if o.metrics != nil {
		f.metrics = chunkcache.NewMetrics()
		if err := f.metrics.Register(o.metrics); err != nil {
			return nil, errors.Wrap(err, "registering metrics")
		}
	}

	var err error
	if create {
		f.store, err = meta.Create(b)
	} else {
		f.store, err = meta.Open(b)
	}
	if err != nil {
		return nil, err
	}
	f.log.Debug().Str("path", path).Bool("create", create).
		Int("datasets", len(f.store.Catalog().Datasets)).Msg("file opened")
	return f, nil
}

// Path returns the file path, or "" for a file on a caller-supplied
// backend.
func (f *File) Path() string {
	return f.path
}

// baseDir is where relative external segment paths resolve.
func (f *File) baseDir() string {
	if f.path == "" {
		return ""
	}
	return filepath.Dir(f.path)
}

// Datasets lists the dataset names in order.
func (f *File) Datasets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store.Catalog().Names()
}

// AllocStats returns file space allocation statistics.
func (f *File) AllocStats() alloc.Stats {
	return f.store.Allocator().Stats()
}

// Delete removes a dataset and frees all of its storage. The dataset
// must not be open.
func (f *File) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.open[name]; ok {
		return h5err.New(h5err.ErrUnsupported, "dataset %q is open", name)
	}
	rec, err := f.store.Catalog().Get(name)
	if err != nil {
		return err
	}
	st, err := f.openState(rec, defaultDatasetOptions())
	if err != nil {
		return err
	}
	if err := st.destroy(); err != nil {
		return errors.Wrapf(err, "destroying %q", name)
	}
	if err := f.store.Catalog().Delete(name); err != nil {
		return err
	}
	f.log.Debug().Str("dataset", name).Msg("dataset deleted")
	return f.store.Commit()
}

// Flush writes back every open dataset's cached chunks and the catalog,
// then syncs the backend.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.flushLocked()
}

func (f *File) flushLocked() error {
	for _, st := range f.open {
		if err := st.flush(); err != nil {
			return err
		}
		f.store.Catalog().Put(st.record())
	}
	return f.store.Sync()
}

// Close flushes and closes every open dataset and the file. Dataset
// handles are unusable afterwards.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var err error
	for name, st := range f.open {
		err = errors.CombineErrors(err, st.close())
		f.store.Catalog().Put(st.record())
		delete(f.open, name)
	}
	return errors.CombineErrors(err, f.store.Close())
}
