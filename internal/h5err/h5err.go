// Package h5err defines the error kinds shared by the storage layers.
//
// Lower layers wrap their failures with context and mark them with one of
// the sentinels below, so callers at any level can classify a failure with
// errors.Is without string matching.
package h5err

import "github.com/cockroachdb/errors"

// Error kinds.
var (
	ErrAllocationFailure = errors.New("address allocation failed")
	ErrIndexCorruption   = errors.New("chunk index corrupted")
	ErrSelectionMismatch = errors.New("memory and file selections differ in element count")
	ErrFilterFailure     = errors.New("filter pipeline failed")
	ErrExtentViolation   = errors.New("selection or extent out of bounds")
	ErrReadError         = errors.New("short read")
	ErrWriteError        = errors.New("short write")

	ErrClosed      = errors.New("object is closed")
	ErrNotFound    = errors.New("object not found")
	ErrExists      = errors.New("object already exists")
	ErrUnsupported = errors.New("unsupported feature")
)

// Mark wraps err with a formatted message and tags it with kind.
// A nil err yields nil.
func Mark(err error, kind error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), kind)
}

// New returns a fresh error tagged with kind.
func New(kind error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), kind)
}
