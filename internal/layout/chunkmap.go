package layout

import (
	"encoding/binary"
	"sort"

	"github.com/robert-malhotra/go-h5layout/internal/btree"
	"github.com/robert-malhotra/go-h5layout/internal/dataspace"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// Piece is the part of one transfer that falls in a single chunk.
type Piece struct {
	// Coord is the scaled chunk coordinate.
	Coord []uint64
	// File holds byte runs relative to the start of the decoded chunk.
	File []dataspace.Run
	// Mem holds the matching byte runs of the memory buffer.
	Mem []dataspace.Run
	// Bytes is the total length of File (and of Mem).
	Bytes uint64
}

// ChunkMap lists the chunks a transfer touches, in coordinate order.
type ChunkMap struct {
	Pieces []*Piece
}

// Bytes returns the bytes the map transfers.
func (cm *ChunkMap) Bytes() uint64 {
	var n uint64
	for _, p := range cm.Pieces {
		n += p.Bytes
	}
	return n
}

type mapBuilder struct {
	dims, chunkDims []uint64
	elemSize        uint64
	strides         []uint64
	chunkStrides    []uint64

	byKey map[string]*Piece
	last  *Piece
	out   []*Piece

	coord, scaled []uint64
}

// BuildChunkMap splits paired file and memory runs at chunk boundaries.
// File runs are byte offsets in the dataset's row-major order; they are
// translated to offsets within each chunk.
func BuildChunkMap(dims, chunkDims []uint64, elemSize uint64, file, mem []dataspace.Run) (*ChunkMap, error) {
	if len(dims) == 0 || len(dims) != len(chunkDims) {
		return nil, h5err.New(h5err.ErrExtentViolation,
			"chunk rank %d does not match dataset rank %d", len(chunkDims), len(dims))
	}
	b := &mapBuilder{
		dims:         dims,
		chunkDims:    chunkDims,
		elemSize:     elemSize,
		strides:      dataspace.Strides(dims),
		chunkStrides: dataspace.Strides(chunkDims),
		byKey:        make(map[string]*Piece),
		coord:        make([]uint64, len(dims)),
		scaled:       make([]uint64, len(dims)),
	}
	if _, err := walkVV(file, mem, b.add); err != nil {
		return nil, err
	}
	sort.Slice(b.out, func(i, j int) bool { return btree.Compare(b.out[i].Coord, b.out[j].Coord) < 0 })
	return &ChunkMap{Pieces: b.out}, nil
}

func (b *mapBuilder) add(fileOff, memOff, n uint64) error {
	if fileOff%b.elemSize != 0 || n%b.elemSize != 0 {
		return h5err.New(h5err.ErrSelectionMismatch,
			"run [%d,+%d) is not aligned to %d-byte elements", fileOff, n, b.elemSize)
	}
	rank := len(b.dims)
	elem, count := fileOff/b.elemSize, n/b.elemSize
	for count > 0 {
		rem := elem
		for d := 0; d < rank; d++ {
			b.coord[d] = rem / b.strides[d]
			rem %= b.strides[d]
		}
		// Stop at the end of the row or of the chunk, whichever is first.
		inner := b.coord[rank-1]
		take := min(count, b.dims[rank-1]-inner, b.chunkDims[rank-1]-inner%b.chunkDims[rank-1])

		var local uint64
		for d := 0; d < rank; d++ {
			b.scaled[d] = b.coord[d] / b.chunkDims[d]
			local += (b.coord[d] % b.chunkDims[d]) * b.chunkStrides[d]
		}
		p := b.piece(b.scaled)
		bytes := take * b.elemSize
		p.File = appendRun(p.File, dataspace.Run{Off: local * b.elemSize, Len: bytes})
		p.Mem = appendRun(p.Mem, dataspace.Run{Off: memOff, Len: bytes})
		p.Bytes += bytes

		elem += take
		count -= take
		memOff += bytes
	}
	return nil
}

func (b *mapBuilder) piece(scaled []uint64) *Piece {
	if b.last != nil && btree.Compare(b.last.Coord, scaled) == 0 {
		return b.last
	}
	key := make([]byte, 0, len(scaled)*8)
	for _, v := range scaled {
		key = binary.BigEndian.AppendUint64(key, v)
	}
	p, ok := b.byKey[string(key)]
	if !ok {
		p = &Piece{Coord: append([]uint64(nil), scaled...)}
		b.byKey[string(key)] = p
		b.out = append(b.out, p)
	}
	b.last = p
	return p
}

// chunkCount returns the number of chunks along each dimension.
func chunkCount(dims, chunkDims []uint64) []uint64 {
	n := make([]uint64, len(dims))
	for d := range dims {
		n[d] = (dims[d] + chunkDims[d] - 1) / chunkDims[d]
	}
	return n
}

// inExtent returns the elements of chunk coord that lie inside dims.
func inExtent(coord, dims, chunkDims []uint64) uint64 {
	n := uint64(1)
	for d := range coord {
		base := coord[d] * chunkDims[d]
		if base >= dims[d] {
			return 0
		}
		n *= min(chunkDims[d], dims[d]-base)
	}
	return n
}

// coveredBytes returns the size of the union of runs.
func coveredBytes(runs []dataspace.Run) uint64 {
	sorted := append([]dataspace.Run(nil), runs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Off < sorted[j].Off })
	var n, end uint64
	for _, r := range sorted {
		start := max(r.Off, end)
		if r.End() > start {
			n += r.End() - start
			end = r.End()
		}
	}
	return n
}
