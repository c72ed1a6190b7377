package hdf5

import (
	"context"

	"github.com/robert-malhotra/go-h5layout/internal/dataspace"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
	"github.com/robert-malhotra/go-h5layout/internal/layout"
)

// transfer is the per-call state of one Read or Write.
type transfer struct {
	d        *Dataset
	opts     *transferOptions
	mem      *dataspace.Space
	file     *dataspace.Space
	buf      []byte
	elemSize uint64
	nelem    uint64
}

// newTransfer validates the selections against the dataset and buffer
// before any storage is touched. A nil fileSpace selects the whole
// dataset; a nil memSpace uses the file space's current shape and
// selection.
func (d *Dataset) newTransfer(memSpace, fileSpace *dataspace.Space, buf []byte, opts []TransferOption) (*transfer, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	o := defaultTransferOptions()
	for _, opt := range opts {
		opt(o)
	}
	if fileSpace == nil {
		fileSpace = d.st.space
	}
	if memSpace == nil {
		memSpace = fileSpace.Fixed()
	}

	dims := d.st.space.Dims()
	fdims := fileSpace.Dims()
	if len(fdims) != len(dims) {
		return nil, h5err.New(h5err.ErrExtentViolation, "file space rank %d, dataset rank %d", len(fdims), len(dims))
	}
	for i := range dims {
		if fdims[i] != dims[i] {
			return nil, h5err.New(h5err.ErrExtentViolation,
				"file space dimensions %v do not match dataset %v", fdims, dims)
		}
	}
	if err := fileSpace.Validate(); err != nil {
		return nil, err
	}
	if memSpace.HasUnlimited() {
		return nil, h5err.New(h5err.ErrExtentViolation, "memory space has an unlimited dimension")
	}
	if err := memSpace.Validate(); err != nil {
		return nil, err
	}

	es := d.st.elemSize
	nf, nm := fileSpace.NumElements(), memSpace.NumElements()
	if nf != nm {
		return nil, h5err.New(h5err.ErrSelectionMismatch,
			"memory selection has %d elements, file selection %d", nm, nf)
	}
	if need := memSpace.Extent() * es; need > uint64(len(buf)) {
		return nil, h5err.New(h5err.ErrExtentViolation,
			"memory space needs %d bytes, buffer has %d", need, len(buf))
	}
	return &transfer{d: d, opts: o, mem: memSpace, file: fileSpace, buf: buf, elemSize: es, nelem: nf}, nil
}

// Write copies the elements of buf selected by memSpace to the elements
// of the dataset selected by fileSpace, pairing them in row-major order.
// It returns the number of bytes written. On error, chunks already
// written back stay written.
func (d *Dataset) Write(memSpace, fileSpace *Space, buf []byte, opts ...TransferOption) (uint64, error) {
	t, err := d.newTransfer(memSpace, fileSpace, buf, opts)
	if err != nil {
		return 0, err
	}
	return t.run(true)
}

// Read copies the elements of the dataset selected by fileSpace into buf
// at the elements selected by memSpace.
func (d *Dataset) Read(memSpace, fileSpace *Space, buf []byte, opts ...TransferOption) (uint64, error) {
	t, err := d.newTransfer(memSpace, fileSpace, buf, opts)
	if err != nil {
		return 0, err
	}
	return t.run(false)
}

// WriteAll replaces the whole dataset with buf, which must hold exactly
// the current extent.
func (d *Dataset) WriteAll(buf []byte, opts ...TransferOption) error {
	if want := d.st.space.Extent() * d.st.elemSize; uint64(len(buf)) != want {
		return h5err.New(h5err.ErrSelectionMismatch, "buffer has %d bytes, dataset %d", len(buf), want)
	}
	_, err := d.Write(nil, nil, buf, opts...)
	return err
}

// ReadAll returns the whole dataset.
func (d *Dataset) ReadAll(opts ...TransferOption) ([]byte, error) {
	buf := make([]byte, d.st.space.Extent()*d.st.elemSize)
	if _, err := d.Read(nil, nil, buf, opts...); err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *transfer) run(write bool) (uint64, error) {
	if t.nelem == 0 {
		return 0, nil
	}
	if c, ok := t.d.st.storage.(*layout.Chunked); ok {
		return t.chunked(c, write)
	}
	return t.batched(write)
}

// batched walks both selections in lock-step, handing the layout at most
// opts.batch elements per call.
func (t *transfer) batched(write bool) (uint64, error) {
	s := t.d.st.storage
	fit := t.file.Iter(t.elemSize)
	mit := t.mem.Iter(t.elemSize)
	limit := t.opts.batch * t.elemSize
	iopts := layout.IOOptions{SkipEDC: t.opts.skipEDC}

	var fileRuns, memRuns []dataspace.Run
	var total uint64
	for fit.Remaining() > 0 {
		fileRuns = dataspace.Collect(fit, limit, fileRuns[:0])
		memRuns = dataspace.Collect(mit, limit, memRuns[:0])
		var n uint64
		var err error
		if write {
			n, err = layout.WriteVV(s, fileRuns, memRuns, t.buf)
		} else {
			n, err = layout.ReadVV(s, fileRuns, memRuns, t.buf, iopts)
		}
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// chunked builds the chunk map of the call and moves data chunk by
// chunk, or on several workers in collective mode.
func (t *transfer) chunked(c *layout.Chunked, write bool) (uint64, error) {
	cm, err := c.ChunkMap(t.file.Runs(t.elemSize), t.mem.Runs(t.elemSize))
	if err != nil {
		return 0, err
	}
	iopts := layout.IOOptions{SkipEDC: t.opts.skipEDC}
	log := t.d.st.log.Debug().Int("chunks", len(cm.Pieces)).Uint64("bytes", cm.Bytes()).Bool("write", write)
	if t.opts.collective {
		log.Int("workers", t.opts.workers).Msg("collective transfer")
		if write {
			return c.WriteCollective(context.Background(), cm.Pieces, t.buf, t.opts.workers)
		}
		return c.ReadCollective(context.Background(), cm.Pieces, t.buf, t.opts.workers, iopts)
	}
	log.Msg("chunked transfer")

	var total uint64
	for _, p := range cm.Pieces {
		var n uint64
		if write {
			n, err = c.WriteChunk(p, t.buf)
		} else {
			n, err = c.ReadChunk(p, t.buf, iopts)
		}
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
