// Package meta persists a file's root metadata.
//
// A file starts with a fixed 64 byte [Header]: an 8 byte signature, a
// format version, the end-of-file address and the location of the
// catalog, protected by an xxhash checksum. The [Catalog] is a CBOR
// record (Core Deterministic Encoding) holding every dataset's geometry,
// fill settings and layout descriptor, together with the allocator's
// live and free extents so space accounting survives a reopen.
//
// [Store.Commit] writes the catalog to freshly allocated space before
// rewriting the header, so the header always points at a complete
// catalog.
package meta
