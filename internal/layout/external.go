package layout

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/robert-malhotra/go-h5layout/internal/dataspace"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// External stores raw data in a list of external file segments laid end
// to end. Bytes never written read as zeros.
type External struct {
	p       Params
	segs    []Segment
	starts  []uint64 // dataset byte offset of each segment
	baseDir string
	log     zerolog.Logger

	files map[int]*os.File
}

func newExternal(info ExternalInfo, p Params, env Env) (*External, error) {
	e := &External{
		p:       p,
		segs:    append([]Segment(nil), info.Segments...),
		baseDir: env.BaseDir,
		log:     env.Logger,
		files:   make(map[int]*os.File),
	}
	var at uint64
	for _, s := range e.segs {
		e.starts = append(e.starts, at)
		if s.Size == Unlimited {
			at = Unlimited
			break
		}
		at += s.Size
	}
	if need := p.extentBytes(); need > e.capacity() {
		return nil, h5err.New(h5err.ErrExtentViolation,
			"external segments hold %d bytes, extent needs %d", e.capacity(), need)
	}
	return e, nil
}

func (e *External) sealed() {}

// Class returns ClassExternal.
func (e *External) Class() Class { return ClassExternal }

func (e *External) Descriptor() Descriptor {
	return Descriptor{Class: ClassExternal, External: &ExternalInfo{Segments: append([]Segment(nil), e.segs...)}}
}

func (e *External) capacity() uint64 {
	last := len(e.segs) - 1
	if e.segs[last].Size == Unlimited {
		return Unlimited
	}
	return e.starts[last] + e.segs[last].Size
}

// StorageSize counts finite segments in full and the used part of an
// unlimited one.
func (e *External) StorageSize() (uint64, error) {
	var n uint64
	for i, s := range e.segs {
		if s.Size == Unlimited {
			if used := e.p.extentBytes(); used > e.starts[i] {
				n += used - e.starts[i]
			}
			continue
		}
		n += s.Size
	}
	return n, nil
}

func (e *External) path(i int) string {
	p := e.segs[i].Path
	if filepath.IsAbs(p) || e.baseDir == "" {
		return p
	}
	return filepath.Join(e.baseDir, p)
}

// file opens segment i. Reads of a missing file return nil without error.
func (e *External) file(i int, write bool) (*os.File, error) {
	if f, ok := e.files[i]; ok {
		return f, nil
	}
	flag := os.O_RDWR
	if write {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(e.path(i), flag, 0o644)
	if err != nil {
		if !write && errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "opening external segment %s", e.path(i))
	}
	e.files[i] = f
	return f, nil
}

// span splits the dataset byte range [off, off+n) at segment boundaries.
func (e *External) span(off, n uint64, fn func(seg int, local, done, k uint64) error) error {
	i := sort.Search(len(e.starts), func(i int) bool { return e.starts[i] > off }) - 1
	var done uint64
	for done < n {
		if i >= len(e.segs) {
			return h5err.New(h5err.ErrExtentViolation, "offset %d beyond external segments", off+done)
		}
		local := off + done - e.starts[i]
		k := n - done
		if s := e.segs[i].Size; s != Unlimited {
			k = min(k, s-local)
		}
		if err := fn(i, local, done, k); err != nil {
			return err
		}
		done += k
		i++
	}
	return nil
}

func (e *External) readVV(file, mem []dataspace.Run, buf []byte) (uint64, error) {
	if err := checkFileRuns(file, e.p.extentBytes()); err != nil {
		return 0, err
	}
	return walkVV(file, mem, func(fo, mo, n uint64) error {
		return e.span(fo, n, func(seg int, local, done, k uint64) error {
			dst := buf[mo+done : mo+done+k]
			f, err := e.file(seg, false)
			if err != nil {
				return err
			}
			if f == nil {
				clear(dst)
				return nil
			}
			got, err := f.ReadAt(dst, int64(e.segs[seg].Offset+local))
			if err != nil && !errors.Is(err, io.EOF) {
				return h5err.Mark(err, h5err.ErrReadError, "reading external segment %s", e.path(seg))
			}
			clear(dst[got:])
			return nil
		})
	})
}

func (e *External) writeVV(file, mem []dataspace.Run, buf []byte) (uint64, error) {
	if err := checkFileRuns(file, e.p.extentBytes()); err != nil {
		return 0, err
	}
	return walkVV(file, mem, func(fo, mo, n uint64) error {
		return e.span(fo, n, func(seg int, local, done, k uint64) error {
			f, err := e.file(seg, true)
			if err != nil {
				return err
			}
			if _, err := f.WriteAt(buf[mo+done:mo+done+k], int64(e.segs[seg].Offset+local)); err != nil {
				return h5err.Mark(err, h5err.ErrWriteError, "writing external segment %s", e.path(seg))
			}
			return nil
		})
	})
}

// setExtent accepts changes to the slowest dimension only; any other
// change would move every element.
func (e *External) setExtent(dims []uint64) error {
	if len(dims) != len(e.p.Dims) {
		return h5err.New(h5err.ErrExtentViolation, "extent rank %d, dataset rank %d", len(dims), len(e.p.Dims))
	}
	if len(dims) > 1 && !slices.Equal(dims[1:], e.p.Dims[1:]) {
		return h5err.New(h5err.ErrUnsupported, "external storage can only change its first dimension")
	}
	if need := numElements(dims) * e.p.ElemSize; need > e.capacity() {
		return h5err.New(h5err.ErrExtentViolation,
			"external segments hold %d bytes, extent needs %d", e.capacity(), need)
	}
	e.p.Dims = append([]uint64(nil), dims...)
	return nil
}

func (e *External) Flush() error {
	for i, f := range e.files {
		if err := f.Sync(); err != nil {
			return errors.Wrapf(err, "syncing external segment %s", e.path(i))
		}
	}
	return nil
}

func (e *External) Close() error {
	var err error
	for i, f := range e.files {
		err = errors.CombineErrors(err, f.Close())
		delete(e.files, i)
	}
	return err
}
