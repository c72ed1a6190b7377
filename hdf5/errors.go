// Package hdf5 stores n-dimensional datasets in a single file using
// HDF5-style raw data layouts: contiguous, compact, chunked with a B-tree
// index and filter pipeline, and external file lists.
package hdf5

import "github.com/robert-malhotra/go-h5layout/internal/h5err"

// Error kinds. Test with errors.Is.
var (
	ErrAllocationFailure = h5err.ErrAllocationFailure
	ErrIndexCorruption   = h5err.ErrIndexCorruption
	ErrSelectionMismatch = h5err.ErrSelectionMismatch
	ErrFilterFailure     = h5err.ErrFilterFailure
	ErrExtentViolation   = h5err.ErrExtentViolation
	ErrReadError         = h5err.ErrReadError
	ErrWriteError        = h5err.ErrWriteError

	ErrClosed      = h5err.ErrClosed
	ErrNotFound    = h5err.ErrNotFound
	ErrExists      = h5err.ErrExists
	ErrUnsupported = h5err.ErrUnsupported
)
