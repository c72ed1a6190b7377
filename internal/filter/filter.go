// Package filter implements the chunk filter pipeline.
//
// Filters are applied in order when a chunk is written and in reverse order
// when it is read back.
package filter

import (
	"github.com/cockroachdb/errors"

	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// Filter identifiers.
const (
	IDDeflate    uint16 = 1
	IDShuffle    uint16 = 2
	IDFletcher32 uint16 = 3
	IDSZIP       uint16 = 4
	IDNBit       uint16 = 5
	IDScaleOff   uint16 = 6
	IDSnappy     uint16 = 32003
	IDLZ4        uint16 = 32004
	IDZstd       uint16 = 32015
)

// Filter flags.
const (
	// FlagOptional lets a filter decline to transform a chunk; the chunk is
	// then stored with the filter's mask bit set.
	FlagOptional uint16 = 0x0001
)

// ErrNotApplied is returned by Encode when a filter declines a chunk.
var ErrNotApplied = errors.New("filter not applied")

// Filter is the interface implemented by all filters.
type Filter interface {
	// ID returns the filter identifier.
	ID() uint16

	// Encode transforms data to its stored form.
	Encode(input []byte) ([]byte, error)

	// Decode transforms stored data back to its logical form.
	Decode(input []byte) ([]byte, error)
}

// Info describes one stage of a pipeline as persisted with the layout.
type Info struct {
	ID         uint16   `cbor:"1,keyasint"`
	Flags      uint16   `cbor:"2,keyasint,omitempty"`
	Name       string   `cbor:"3,keyasint,omitempty"`
	ClientData []uint32 `cbor:"4,keyasint,omitempty"`
}

// IsOptional reports whether the stage may be skipped.
func (i Info) IsOptional() bool {
	return i.Flags&FlagOptional != 0
}

// Registry maps filter IDs to filter constructors.
var Registry = map[uint16]func([]uint32) Filter{
	IDDeflate:    func(cd []uint32) Filter { return NewDeflate(cd) },
	IDShuffle:    func(cd []uint32) Filter { return NewShuffle(cd) },
	IDFletcher32: func(cd []uint32) Filter { return NewFletcher32(cd) },
	IDLZ4:        func(cd []uint32) Filter { return NewLZ4(cd) },
	IDZstd:       func(cd []uint32) Filter { return NewZstd(cd) },
	IDSnappy:     func(cd []uint32) Filter { return NewSnappy(cd) },
}

// filterNames maps known filter IDs to their names for better error messages.
var filterNames = map[uint16]string{
	IDDeflate:    "deflate",
	IDShuffle:    "shuffle",
	IDFletcher32: "fletcher32",
	IDSZIP:       "szip",
	IDNBit:       "nbit",
	IDScaleOff:   "scale-offset",
	IDSnappy:     "snappy",
	IDLZ4:        "lz4",
	IDZstd:       "zstd",
}

// Name returns a readable name for a filter ID.
func Name(id uint16) string {
	if n, ok := filterNames[id]; ok {
		return n
	}
	return "unknown"
}

// New creates a filter from an Info. An unavailable optional filter yields
// (nil, nil).
func New(info Info) (Filter, error) {
	constructor, ok := Registry[info.ID]
	if !ok {
		if info.IsOptional() {
			return nil, nil
		}
		if name, known := filterNames[info.ID]; known {
			return nil, h5err.New(h5err.ErrUnsupported, "%s filter (ID %d) is not supported", name, info.ID)
		}
		return nil, h5err.New(h5err.ErrUnsupported, "unsupported filter ID: %d", info.ID)
	}
	return constructor(info.ClientData), nil
}
