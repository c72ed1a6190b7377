// Package chunkcache keeps recently used decoded chunks of a dataset in
// memory and writes modified ones back lazily.
//
// A [Cache] is bounded by a byte budget. On a miss, least recently used
// chunks are evicted (dirty ones written back through the [Flusher] first)
// until the new chunk fits, and only then is the chunk loaded. Concurrent
// requests for the same chunk share a single load. A chunk larger than the
// whole budget, or any chunk when the cache is disabled, bypasses the
// cache: the caller receives a private buffer and is responsible for
// writing it back.
//
// Activity is exported through Prometheus collectors ([Metrics]) and
// debug-level zerolog events.
package chunkcache
