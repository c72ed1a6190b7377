// Package filter implements the chunk filter pipeline.
//
// Chunked datasets may transform each chunk on its way to and from storage.
// On write the stages run in declaration order; on read they run in
// reverse. Each stored chunk carries a filter mask: bit i set means stage i
// was not applied to that chunk and must be skipped when decoding.
//
// # Supported Filters
//
//   - DEFLATE (ID 1): zlib compression via [Deflate].
//   - Shuffle (ID 2): byte shuffling via [Shuffle]; groups byte j of every
//     element together to help the compressors that follow.
//   - Fletcher32 (ID 3): checksum via [Fletcher32Filter]; a 32-bit Fletcher
//     checksum is appended on write and verified on read unless
//     [DecodeOptions].SkipEDC is set.
//   - Snappy (ID 32003), LZ4 (ID 32004) and Zstandard (ID 32015): block
//     compressors that decline incompressible chunks with [ErrNotApplied].
//
// SZIP, N-bit and scale-offset are recognised by name only.
//
// # Optional Filters
//
// A stage created with [FlagOptional] may decline a chunk. The pipeline
// then records the stage in the chunk's mask and carries on with the
// untransformed data. Any other encode or decode failure is reported as a
// filter failure. An optional stage whose implementation is unavailable is
// always masked.
//
//	p, err := filter.NewPipeline([]filter.Info{
//		{ID: filter.IDShuffle},
//		{ID: filter.IDLZ4, Flags: filter.FlagOptional},
//	}, 8)
//	stored, mask, err := p.Encode(chunk)
//	chunk, err = p.Decode(stored, mask, filter.DecodeOptions{})
package filter
