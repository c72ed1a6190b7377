package binary

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
)

// Backend is the byte store a file lives on: random access reads and writes
// plus the ability to report and change its size.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Memory is an in-memory Backend that grows on write.
type Memory struct {
	mu  sync.RWMutex
	buf []byte

	// Limit caps the size; writes beyond it are short. Zero means no cap.
	Limit int64
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

// ReadAt implements io.ReaderAt. Reads past the end are short and return io.EOF.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 {
		return 0, errors.Newf("negative offset %d", off)
	}
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 {
		return 0, errors.Newf("negative offset %d", off)
	}
	end := off + int64(len(p))
	if m.Limit > 0 && end > m.Limit {
		if off >= m.Limit {
			return 0, io.ErrShortWrite
		}
		p = p[:m.Limit-off]
		end = m.Limit
		m.grow(end)
		n := copy(m.buf[off:], p)
		return n, io.ErrShortWrite
	}
	m.grow(end)
	return copy(m.buf[off:], p), nil
}

func (m *Memory) grow(end int64) {
	if end <= int64(len(m.buf)) {
		return
	}
	if end <= int64(cap(m.buf)) {
		old := len(m.buf)
		m.buf = m.buf[:end]
		clear(m.buf[old:])
		return
	}
	nb := make([]byte, end, end*2)
	copy(nb, m.buf)
	m.buf = nb
}

// Size returns the current length.
func (m *Memory) Size() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.buf)), nil
}

// Truncate changes the length, zero-filling on growth.
func (m *Memory) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < int64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	m.grow(size)
	return nil
}

// Bytes returns a copy of the contents.
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.buf...)
}

// Sync is a no-op.
func (m *Memory) Sync() error { return nil }

// Close is a no-op; the contents stay readable.
func (m *Memory) Close() error { return nil }

// OSFile adapts *os.File to Backend.
type OSFile struct {
	*os.File
}

// OpenFile opens or creates path as a Backend.
func OpenFile(path string, flag int) (*OSFile, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return &OSFile{File: f}, nil
}

// Size returns the file length.
func (f *OSFile) Size() (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
