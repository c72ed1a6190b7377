package filter

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// LZ4 stores a 4-byte little-endian decoded length followed by an LZ4 block.
// It declines input that does not shrink.
type LZ4 struct{}

// NewLZ4 creates an LZ4 filter.
func NewLZ4(clientData []uint32) *LZ4 { return &LZ4{} }

func (f *LZ4) ID() uint16 { return IDLZ4 }

func (f *LZ4) Encode(input []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(input))
	out := make([]byte, 4+bound)
	binary.LittleEndian.PutUint32(out, uint32(len(input)))
	written, err := lz4.CompressBlock(input, out[4:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if written == 0 || 4+written >= len(input) {
		return nil, ErrNotApplied
	}
	return out[:4+written], nil
}

func (f *LZ4) Decode(input []byte) ([]byte, error) {
	return f.DecodeLimit(input, 0)
}

// DecodeLimit decodes input, rejecting a recorded length above limit
// before allocating. A limit of zero disables the check.
func (f *LZ4) DecodeLimit(input []byte, limit int) ([]byte, error) {
	if len(input) < 4 {
		return nil, errors.New("lz4: missing length header")
	}
	size := int(binary.LittleEndian.Uint32(input))
	if limit > 0 && size > limit {
		return nil, h5err.New(h5err.ErrFilterFailure, "lz4: recorded length %d exceeds %d", size, limit)
	}
	out := make([]byte, size)
	read, err := lz4.UncompressBlock(input[4:], out)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	if read != size {
		return nil, errors.Newf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return out, nil
}

// zstdEncoder and zstdDecoder are shared; both are safe for concurrent
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("filter: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("filter: zstd decoder initialization failed: " + err.Error())
	}
}

// Zstd compresses with Zstandard. It declines input that does not shrink.
type Zstd struct{}

// NewZstd creates a Zstandard filter.
func NewZstd(clientData []uint32) *Zstd { return &Zstd{} }

func (f *Zstd) ID() uint16 { return IDZstd }

func (f *Zstd) Encode(input []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(input, nil)
	if len(out) >= len(input) {
		return nil, ErrNotApplied
	}
	return out, nil
}

func (f *Zstd) Decode(input []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(input, nil)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decompress")
	}
	return out, nil
}

// Snappy compresses with Snappy block format. It declines input that does
// not shrink.
type Snappy struct{}

// NewSnappy creates a Snappy filter.
func NewSnappy(clientData []uint32) *Snappy { return &Snappy{} }

func (f *Snappy) ID() uint16 { return IDSnappy }

func (f *Snappy) Encode(input []byte) ([]byte, error) {
	out := snappy.Encode(nil, input)
	if len(out) >= len(input) {
		return nil, ErrNotApplied
	}
	return out, nil
}

func (f *Snappy) Decode(input []byte) ([]byte, error) {
	return f.DecodeLimit(input, 0)
}

// DecodeLimit decodes input, rejecting a recorded length above limit
// before allocating. A limit of zero disables the check.
func (f *Snappy) DecodeLimit(input []byte, limit int) ([]byte, error) {
	if limit > 0 {
		size, err := snappy.DecodedLen(input)
		if err != nil {
			return nil, errors.Wrap(err, "snappy decompress")
		}
		if size > limit {
			return nil, h5err.New(h5err.ErrFilterFailure, "snappy: recorded length %d exceeds %d", size, limit)
		}
	}
	out, err := snappy.Decode(nil, input)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decompress")
	}
	return out, nil
}
