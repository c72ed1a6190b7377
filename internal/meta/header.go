package meta

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"

	binpkg "github.com/robert-malhotra/go-h5layout/internal/binary"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// Signature identifies a file written by this package.
var Signature = []byte{0x89, 'H', '5', 'L', '\r', '\n', 0x1a, '\n'}

// Version is the header format version.
const Version = 1

// HeaderSize is the space reserved at the start of the file. Allocation
// starts after it.
const HeaderSize = 64

// encoded header: signature(8) version(1) reserved(3) eof(8)
// catalog addr(8) catalog size(8) catalog used(8) checksum(8)
const headerLen = 8 + 4 + 8*4 + 8

// Header is the fixed record at address 0.
type Header struct {
	Version uint8

	// EOFAddress is the allocator's end of file when the header was written.
	EOFAddress uint64

	// CatalogAddress locates the encoded catalog; binpkg.Undefined when
	// none has been written.
	CatalogAddress uint64
	// CatalogSize is the space allocated to the catalog.
	CatalogSize uint64
	// CatalogUsed is the length of the encoded catalog, <= CatalogSize.
	CatalogUsed uint64
}

// Encode returns the on-disk form of h.
func (h *Header) Encode() []byte {
	buf := make([]byte, headerLen)
	copy(buf, Signature)
	buf[8] = h.Version
	le := binary.LittleEndian
	le.PutUint64(buf[12:], h.EOFAddress)
	le.PutUint64(buf[20:], h.CatalogAddress)
	le.PutUint64(buf[28:], h.CatalogSize)
	le.PutUint64(buf[36:], h.CatalogUsed)
	le.PutUint64(buf[44:], xxhash.Sum64(buf[:44]))
	return buf
}

// Write stores the header at address 0.
func (h *Header) Write(w io.WriterAt) error {
	return binpkg.NewWriter(w).WriteBytes(h.Encode())
}

// ReadHeader parses the header at address 0.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	buf, err := binpkg.NewReader(r).ReadBytes(headerLen)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(buf[:8], Signature) {
		return nil, h5err.New(h5err.ErrUnsupported, "file signature not found")
	}
	le := binary.LittleEndian
	if sum := le.Uint64(buf[44:]); sum != xxhash.Sum64(buf[:44]) {
		return nil, h5err.New(h5err.ErrIndexCorruption, "header checksum mismatch")
	}
	h := &Header{
		Version:        buf[8],
		EOFAddress:     le.Uint64(buf[12:]),
		CatalogAddress: le.Uint64(buf[20:]),
		CatalogSize:    le.Uint64(buf[28:]),
		CatalogUsed:    le.Uint64(buf[36:]),
	}
	if h.Version != Version {
		return nil, h5err.New(h5err.ErrUnsupported, "header version %d", h.Version)
	}
	if h.CatalogUsed > h.CatalogSize {
		return nil, h5err.New(h5err.ErrIndexCorruption,
			"catalog uses %d of %d bytes", h.CatalogUsed, h.CatalogSize)
	}
	return h, nil
}
