// Package layout maps a dataset's row-major byte space onto storage.
//
// A dataset's raw data lives in one of four storage variants, selected by
// the [Descriptor] persisted with the dataset:
//
//   - Compact (class 0): the bytes are kept inline in the metadata record.
//     Only small datasets qualify. Implemented by [Compact].
//
//   - Contiguous (class 1): one block of the file holds the whole extent.
//     Implemented by [Contiguous].
//
//   - Chunked (class 2): the extent is cut into equal chunks, each filtered
//     and stored on its own and located through a B-tree index. Chunks
//     are staged in a write-back cache. Implemented by [Chunked].
//
//   - External (class 3): the bytes live in a list of segments of other
//     files. Implemented by [External].
//
// # Vectored I/O
//
// [ReadVV] and [WriteVV] take two run lists: file runs, offsets into the
// dataset's row-major byte space, and memory runs, offsets into the
// caller's buffer. The lists may be cut at different places; they are
// paired piece by piece so that each copy moves equal lengths:
//
//	file: [0,8) [16,24)
//	mem:  [0,4) [4,16)
//	      => (0,0,4) (4,4,4) (16,8,8)
//
// For chunked storage each file run is further split at row and chunk
// boundaries by [BuildChunkMap], giving one [Piece] per touched chunk
// with offsets relative to the decoded chunk.
//
// # Extent changes
//
// [SetExtent] grows or shrinks the dataset. Contiguous and compact data
// is moved so every element keeps its coordinates. Chunked storage drops
// the chunks that fall entirely outside the new extent and resets the
// outside part of chunks straddling it to the fill value; chunks are
// never reshaped.
package layout
