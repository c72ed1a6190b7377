package btree

import (
	"bytes"

	"github.com/cespare/xxhash/v2"

	"github.com/robert-malhotra/go-h5layout/internal/binary"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// Node on-disk format (little-endian):
//
//	"TREE"  4 bytes signature
//	level   1 byte, 0 for leaves
//	        1 byte reserved
//	count   2 bytes, entries in a leaf or children in an internal node
//	rank    2 bytes
//	        2 bytes reserved
//	leaf:     count x (coord rank*8, address 8, size 8, used 8, mask 4)
//	internal: count x child address 8, then (count-1) x key rank*8
//	        zero padding to the fixed node size
//	xxhash  8 bytes over everything before it
const (
	signature  = "TREE"
	headerSize = 12
	sumSize    = 8
)

type node struct {
	addr     uint64
	level    uint8
	entries  []Entry    // leaf
	keys     [][]uint64 // internal separators; len(keys) == len(children)-1
	children []uint64   // internal child addresses
}

func (n *node) leaf() bool { return n.level == 0 }

// size returns the occupancy measure: entries for a leaf, children otherwise.
func (n *node) size() int {
	if n.leaf() {
		return len(n.entries)
	}
	return len(n.children)
}

// nodeSize is the fixed allocation size for a node holding up to 2k items.
func nodeSize(rank, k int) uint64 {
	leafEntry := rank*8 + 28
	return uint64(headerSize + 2*k*leafEntry + sumSize)
}

func (idx *Index) encode(n *node) []byte {
	buf := make([]byte, idx.nodeSize)
	w := binary.NewWriter(newSliceWriter(buf))
	_ = w.WriteBytes([]byte(signature))
	_ = w.WriteUint8(n.level)
	_ = w.WriteUint8(0)
	_ = w.WriteUint16(uint16(n.size()))
	_ = w.WriteUint16(uint16(idx.rank))
	_ = w.WriteUint16(0)
	if n.leaf() {
		for _, e := range n.entries {
			for _, c := range e.Coord {
				_ = w.WriteUint64(c)
			}
			_ = w.WriteUint64(e.Address)
			_ = w.WriteUint64(e.Size)
			_ = w.WriteUint64(e.Used)
			_ = w.WriteUint32(e.FilterMask)
		}
	} else {
		for _, c := range n.children {
			_ = w.WriteUint64(c)
		}
		for _, k := range n.keys {
			for _, c := range k {
				_ = w.WriteUint64(c)
			}
		}
	}
	sum := xxhash.Sum64(buf[:len(buf)-sumSize])
	_ = w.At(int64(len(buf) - sumSize)).WriteUint64(sum)
	return buf
}

func (idx *Index) decode(addr uint64, buf []byte) (*node, error) {
	corrupt := func(format string, args ...interface{}) error {
		return h5err.New(h5err.ErrIndexCorruption, "node 0x%x: "+format, append([]interface{}{addr}, args...)...)
	}
	if !bytes.Equal(buf[:4], []byte(signature)) {
		return nil, corrupt("invalid signature %q", buf[:4])
	}
	r := binary.NewReader(bytes.NewReader(buf))
	stored, err := r.At(int64(len(buf) - sumSize)).ReadUint64()
	if err != nil {
		return nil, err
	}
	if sum := xxhash.Sum64(buf[:len(buf)-sumSize]); sum != stored {
		return nil, corrupt("checksum mismatch (stored=0x%016x, computed=0x%016x)", stored, sum)
	}

	r = r.At(4)
	level, _ := r.ReadUint8()
	r.Skip(1)
	count16, _ := r.ReadUint16()
	rank16, _ := r.ReadUint16()
	r.Skip(2)
	count := int(count16)
	if int(rank16) != idx.rank {
		return nil, corrupt("rank %d, index rank %d", rank16, idx.rank)
	}
	if count > 2*idx.k {
		return nil, corrupt("%d items exceed capacity %d", count, 2*idx.k)
	}

	n := &node{addr: addr, level: level}
	readCoord := func() ([]uint64, error) {
		c := make([]uint64, idx.rank)
		for d := range c {
			v, err := r.ReadUint64()
			if err != nil {
				return nil, err
			}
			c[d] = v
		}
		return c, nil
	}
	if level == 0 {
		n.entries = make([]Entry, 0, count)
		for i := 0; i < count; i++ {
			coord, err := readCoord()
			if err != nil {
				return nil, err
			}
			var e Entry
			e.Coord = coord
			e.Address, _ = r.ReadUint64()
			e.Size, _ = r.ReadUint64()
			e.Used, _ = r.ReadUint64()
			e.FilterMask, err = r.ReadUint32()
			if err != nil {
				return nil, err
			}
			if i > 0 && Compare(n.entries[i-1].Coord, coord) >= 0 {
				return nil, corrupt("entries out of order at %d", i)
			}
			n.entries = append(n.entries, e)
		}
		return n, nil
	}

	if count < 2 {
		return nil, corrupt("internal node with %d children", count)
	}
	n.children = make([]uint64, count)
	for i := range n.children {
		n.children[i], err = r.ReadUint64()
		if err != nil {
			return nil, err
		}
		if n.children[i] == binary.Undefined {
			return nil, corrupt("undefined child address at %d", i)
		}
	}
	n.keys = make([][]uint64, count-1)
	for i := range n.keys {
		if n.keys[i], err = readCoord(); err != nil {
			return nil, err
		}
		if i > 0 && Compare(n.keys[i-1], n.keys[i]) >= 0 {
			return nil, corrupt("separators out of order at %d", i)
		}
	}
	return n, nil
}

// sliceWriter is an io.WriterAt over a fixed buffer.
type sliceWriter struct{ buf []byte }

func newSliceWriter(buf []byte) *sliceWriter { return &sliceWriter{buf: buf} }

func (s *sliceWriter) WriteAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s.buf)) {
		return 0, nil
	}
	return copy(s.buf[off:], p), nil
}
