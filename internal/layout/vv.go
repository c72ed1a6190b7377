package layout

import "github.com/robert-malhotra/go-h5layout/internal/dataspace"

// walkVV pairs two run lists whose boundaries need not line up. fn is
// called with pieces of equal length, in order, covering both lists until
// the shorter is exhausted. It returns the bytes visited.
func walkVV(file, mem []dataspace.Run, fn func(fileOff, memOff, n uint64) error) (uint64, error) {
	var total, fdone, mdone uint64
	fi, mi := 0, 0
	for fi < len(file) && mi < len(mem) {
		f, m := file[fi], mem[mi]
		n := min(f.Len-fdone, m.Len-mdone)
		if n > 0 {
			if err := fn(f.Off+fdone, m.Off+mdone, n); err != nil {
				return total, err
			}
			total += n
			fdone += n
			mdone += n
		}
		if fdone == f.Len {
			fi++
			fdone = 0
		}
		if mdone == m.Len {
			mi++
			mdone = 0
		}
	}
	return total, nil
}

// appendRun adds r to runs, merging it into the last run when adjacent.
func appendRun(runs []dataspace.Run, r dataspace.Run) []dataspace.Run {
	if k := len(runs); k > 0 && runs[k-1].End() == r.Off {
		runs[k-1].Len += r.Len
		return runs
	}
	return append(runs, r)
}

// relayout moves the elements shared by two extents from src, laid out
// for oldDims, into a new buffer laid out for newDims. Elements outside
// the old extent get the fill value.
func relayout(src []byte, oldDims, newDims []uint64, elemSize uint64, f Fill) []byte {
	dst := make([]byte, numElements(newDims)*elemSize)
	f.Apply(dst)
	if len(newDims) == 0 {
		copy(dst, src)
		return dst
	}
	overlap := make([]uint64, len(newDims))
	for d := range newDims {
		overlap[d] = min(oldDims[d], newDims[d])
		if overlap[d] == 0 {
			return dst
		}
	}
	origin := make([]uint64, len(newDims))
	from := dataspace.Simple(oldDims...)
	to := dataspace.Simple(newDims...)
	// Both boxes lie inside their extents by construction.
	_ = from.SelectBox(origin, overlap)
	_ = to.SelectBox(origin, overlap)
	_, _ = walkVV(from.Runs(elemSize), to.Runs(elemSize), func(fo, do, n uint64) error {
		copy(dst[do:do+n], src[fo:fo+n])
		return nil
	})
	return dst
}
