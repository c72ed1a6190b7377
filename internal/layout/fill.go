package layout

import (
	"github.com/robert-malhotra/go-h5layout/internal/binary"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// FillTime controls when new storage is initialised with the fill value.
type FillTime uint8

const (
	// FillIfSet writes the fill value when the user set one. Without one,
	// new storage is zeroed so reused file space never shows old bytes.
	FillIfSet FillTime = iota
	// FillAlloc always initialises new storage, with zeros if no value
	// was set.
	FillAlloc
	// FillNever leaves new storage as it is, including whatever a reused
	// block held before.
	FillNever
)

func (t FillTime) String() string {
	switch t {
	case FillIfSet:
		return "ifset"
	case FillAlloc:
		return "alloc"
	case FillNever:
		return "never"
	}
	return "unknown"
}

// ParseFillTime is the inverse of FillTime.String.
func ParseFillTime(s string) (FillTime, error) {
	for t := FillIfSet; t <= FillNever; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, h5err.New(h5err.ErrUnsupported, "unknown fill time %q", s)
}

// AllocTime controls when raw data storage is allocated.
type AllocTime uint8

const (
	// AllocIncremental allocates on first write: chunks one by one,
	// contiguous storage as a whole.
	AllocIncremental AllocTime = iota
	// AllocEarly allocates everything at creation and on every extent
	// change.
	AllocEarly
)

func (t AllocTime) String() string {
	switch t {
	case AllocIncremental:
		return "incremental"
	case AllocEarly:
		return "early"
	}
	return "unknown"
}

// ParseAllocTime is the inverse of AllocTime.String.
func ParseAllocTime(s string) (AllocTime, error) {
	for t := AllocIncremental; t <= AllocEarly; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, h5err.New(h5err.ErrUnsupported, "unknown allocation time %q", s)
}

// Fill is a dataset's fill value and fill time. Value holds one element;
// nil means no value was set and zeros are used.
type Fill struct {
	Value []byte   `cbor:"1,keyasint,omitempty"`
	Time  FillTime `cbor:"2,keyasint"`
}

// Defined reports whether a fill value was set.
func (f Fill) Defined() bool { return len(f.Value) > 0 }

// onAlloc reports whether newly allocated storage must be initialised.
// Freed space is reused, so unless FillNever was asked for a new block is
// written with the fill value, or zeros when none is set.
func (f Fill) onAlloc() bool {
	return f.Time != FillNever
}

// Apply overwrites dst with the fill pattern. dst must start on an
// element boundary. Under FillNever, or without a value, dst is zeroed.
func (f Fill) Apply(dst []byte) {
	if !f.Defined() || f.Time == FillNever {
		clear(dst)
		return
	}
	n := copy(dst, f.Value)
	for n < len(dst) {
		n += copy(dst[n:], dst[:n])
	}
}

func (f Fill) check(elemSize uint64) error {
	if f.Defined() && uint64(len(f.Value)) != elemSize {
		return h5err.New(h5err.ErrUnsupported,
			"fill value of %d bytes for %d-byte elements", len(f.Value), elemSize)
	}
	return nil
}

// fillBlock bounds the buffer used to initialise large extents.
const fillBlock = 64 << 10

// writeFill initialises size bytes at addr with the fill pattern.
func writeFill(w *binary.Writer, addr, size uint64, f Fill, elemSize uint64) error {
	block := min(size, max(elemSize, fillBlock/elemSize*elemSize))
	buf := make([]byte, block)
	f.Apply(buf)
	for off := uint64(0); off < size; off += block {
		n := min(block, size-off)
		if err := w.At(int64(addr + off)).WriteBytes(buf[:n]); err != nil {
			return err
		}
	}
	return nil
}
