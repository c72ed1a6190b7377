package filter

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// checksumSize is the trailer Fletcher32Filter appends.
const checksumSize = 4

// Fletcher32Filter implements the Fletcher-32 checksum filter.
// Encoding appends a little-endian checksum; decoding verifies and strips it.
type Fletcher32Filter struct{}

// NewFletcher32 creates a new Fletcher-32 filter.
func NewFletcher32(clientData []uint32) *Fletcher32Filter {
	return &Fletcher32Filter{}
}

func (f *Fletcher32Filter) ID() uint16 {
	return IDFletcher32
}

func (f *Fletcher32Filter) Encode(input []byte) ([]byte, error) {
	out := make([]byte, len(input)+checksumSize)
	copy(out, input)
	binary.LittleEndian.PutUint32(out[len(input):], Fletcher32(input))
	return out, nil
}

// Decode verifies the Fletcher-32 checksum and returns the data without it.
// The checksum is stored as the last 4 bytes of the input.
func (f *Fletcher32Filter) Decode(input []byte) ([]byte, error) {
	data, err := f.Strip(input)
	if err != nil {
		return nil, err
	}
	stored := binary.LittleEndian.Uint32(input[len(data):])
	if computed := Fletcher32(data); stored != computed {
		return nil, errors.Newf("fletcher32: checksum mismatch (stored=0x%08x, computed=0x%08x)",
			stored, computed)
	}
	return data, nil
}

// Strip removes the checksum without verifying it.
func (f *Fletcher32Filter) Strip(input []byte) ([]byte, error) {
	if len(input) < 4 {
		return nil, errors.New("fletcher32: input too short for checksum")
	}
	return input[:len(input)-4], nil
}

// Fletcher32 computes the checksum over 16-bit little-endian words. An odd
// trailing byte is padded with zero.
func Fletcher32(data []byte) uint32 {
	var sum1, sum2 uint32

	length := len(data)
	i := 0
	for ; i+1 < length; i += 2 {
		word := uint32(data[i]) | uint32(data[i+1])<<8
		sum1 = (sum1 + word) % 65535
		sum2 = (sum2 + sum1) % 65535
	}

	if i < length {
		sum1 = (sum1 + uint32(data[i])) % 65535
		sum2 = (sum2 + sum1) % 65535
	}

	return (sum2 << 16) | sum1
}
