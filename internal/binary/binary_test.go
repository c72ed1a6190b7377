package binary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

func TestReaderWriterRoundtrip(t *testing.T) {
	m := NewMemory()
	w := NewWriter(m).At(16)
	require.NoError(t, w.WriteUint8(0x42))
	require.NoError(t, w.WriteUint16(0x0102))
	require.NoError(t, w.WriteUint32(0xDEADBEEF))
	require.NoError(t, w.WriteUint64(Undefined))
	require.NoError(t, w.WriteBytes([]byte("abc")))
	require.Equal(t, int64(16+1+2+4+8+3), w.Pos())

	r := NewReader(m).At(16)
	u8, err := r.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(0x42), u8)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0102), u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := r.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, Undefined, u64)

	b, err := r.ReadBytes(3)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), b)

	// Little-endian on disk.
	require.Equal(t, []byte{0x02, 0x01}, m.Bytes()[17:19])
}

func TestReaderShortRead(t *testing.T) {
	m := NewMemory()
	_, err := m.WriteAt([]byte{1, 2, 3}, 0)
	require.NoError(t, err)

	_, err = NewReader(m).At(1).ReadBytes(4)
	require.Error(t, err)
	require.True(t, errors.Is(err, h5err.ErrReadError))

	// Exactly reaching the end is fine.
	b, err := NewReader(m).At(1).ReadBytes(2)
	require.NoError(t, err)
	require.Equal(t, []byte{2, 3}, b)
}

func TestWriterShortWrite(t *testing.T) {
	m := NewMemory()
	m.Limit = 8

	err := NewWriter(m).At(4).WriteBytes(make([]byte, 8))
	require.Error(t, err)
	require.True(t, errors.Is(err, h5err.ErrWriteError))
}

func TestMemoryTruncate(t *testing.T) {
	m := NewMemory()
	_, err := m.WriteAt([]byte{9, 9, 9, 9}, 0)
	require.NoError(t, err)

	require.NoError(t, m.Truncate(2))
	require.NoError(t, m.Truncate(4))
	require.Equal(t, []byte{9, 9, 0, 0}, m.Bytes())

	size, err := m.Size()
	require.NoError(t, err)
	require.Equal(t, int64(4), size)
}

func TestMemoryRegrowAfterTruncate(t *testing.T) {
	m := NewMemory()
	_, err := m.WriteAt([]byte{7, 7, 7, 7, 7, 7, 7, 7}, 0)
	require.NoError(t, err)
	require.NoError(t, m.Truncate(1))

	// Growing within the old capacity must not bring back the old bytes,
	// neither in the gap nor past the write.
	_, err = m.WriteAt([]byte{5}, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{7, 0, 0, 0, 5}, m.Bytes())
}

func TestOSFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	f, err := OpenFile(path, os.O_RDWR|os.O_CREATE)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, NewWriter(f).At(10).WriteUint32(7))
	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(14), size)

	v, err := NewReader(f).At(10).ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(7), v)
}
