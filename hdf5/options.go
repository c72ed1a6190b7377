package hdf5

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/robert-malhotra/go-h5layout/internal/btree"
	"github.com/robert-malhotra/go-h5layout/internal/chunkcache"
	"github.com/robert-malhotra/go-h5layout/internal/filter"
	"github.com/robert-malhotra/go-h5layout/internal/layout"
)

// FileOption configures a File.
type FileOption func(*fileOptions)

type fileOptions struct {
	logger  zerolog.Logger
	metrics prometheus.Registerer
}

func defaultFileOptions() *fileOptions {
	return &fileOptions{logger: zerolog.Nop()}
}

// WithLogger sets the logger used by the file and its datasets.
func WithLogger(l zerolog.Logger) FileOption {
	return func(o *fileOptions) {
		o.logger = l
	}
}

// WithMetrics registers chunk cache collectors with reg. All datasets of
// the file report to the same collectors.
func WithMetrics(reg prometheus.Registerer) FileOption {
	return func(o *fileOptions) {
		o.metrics = reg
	}
}

// FillTime controls when new storage is initialised with the fill value.
type FillTime = layout.FillTime

// Fill times.
const (
	FillIfSet = layout.FillIfSet
	FillAlloc = layout.FillAlloc
	FillNever = layout.FillNever
)

// AllocTime controls when raw data storage is allocated.
type AllocTime = layout.AllocTime

// Allocation times.
const (
	AllocIncremental = layout.AllocIncremental
	AllocEarly       = layout.AllocEarly
)

// ExternalSegment is one slice of an external raw data file.
type ExternalSegment = layout.Segment

// DatasetOption configures dataset creation. The cache options also apply
// when opening a dataset that has no other open handle.
type DatasetOption func(*datasetOptions)

type datasetOptions struct {
	chunks     []uint64
	maxDims    []uint64
	compact    bool
	external   []ExternalSegment
	fill       layout.Fill
	allocTime  AllocTime
	filters    []filter.Info
	cacheBytes uint64
	noCache    bool
	minEntries int
}

func defaultDatasetOptions() *datasetOptions {
	return &datasetOptions{
		cacheBytes: chunkcache.DefaultBudget,
		minEntries: btree.DefaultMinEntries,
	}
}

func (o *datasetOptions) cache(m *chunkcache.Metrics) chunkcache.Options {
	return chunkcache.Options{Budget: o.cacheBytes, Disabled: o.noCache, Metrics: m}
}

// WithChunks selects chunked storage with the given chunk shape.
// Required for unlimited dimensions and filters.
func WithChunks(dims ...uint64) DatasetOption {
	return func(o *datasetOptions) {
		o.chunks = dims
	}
}

// WithMaxDims sets the maximum dimensions. Use Unlimited for a dimension
// without bound.
func WithMaxDims(dims ...uint64) DatasetOption {
	return func(o *datasetOptions) {
		o.maxDims = dims
	}
}

// WithCompact stores the raw data inline in the file's metadata.
func WithCompact() DatasetOption {
	return func(o *datasetOptions) {
		o.compact = true
	}
}

// WithExternal stores the raw data in the listed files, in order.
// Relative paths resolve against the directory of the HDF5 file.
func WithExternal(segments ...ExternalSegment) DatasetOption {
	return func(o *datasetOptions) {
		o.external = segments
	}
}

// WithFillValue sets the value of one element read from unwritten
// storage. Its length must equal the element size.
func WithFillValue(v []byte) DatasetOption {
	return func(o *datasetOptions) {
		o.fill.Value = append([]byte(nil), v...)
	}
}

// WithFillTime sets when the fill value is written to new storage.
func WithFillTime(t FillTime) DatasetOption {
	return func(o *datasetOptions) {
		o.fill.Time = t
	}
}

// WithAllocTime sets when storage is allocated.
func WithAllocTime(t AllocTime) DatasetOption {
	return func(o *datasetOptions) {
		o.allocTime = t
	}
}

func (o *datasetOptions) addFilter(id uint16, flags uint16, cd ...uint32) {
	o.filters = append(o.filters, filter.Info{ID: id, Flags: flags, Name: filter.Name(id), ClientData: cd})
}

// WithDeflate adds zlib compression at level (1-9).
func WithDeflate(level int) DatasetOption {
	return func(o *datasetOptions) {
		if level >= 1 && level <= 9 {
			o.addFilter(filter.IDDeflate, filter.FlagOptional, uint32(level))
		}
	}
}

// WithShuffle adds the byte shuffle filter (improves compression).
func WithShuffle() DatasetOption {
	return func(o *datasetOptions) {
		o.addFilter(filter.IDShuffle, filter.FlagOptional)
	}
}

// WithFletcher32 adds a Fletcher32 checksum to every chunk.
func WithFletcher32() DatasetOption {
	return func(o *datasetOptions) {
		o.addFilter(filter.IDFletcher32, 0)
	}
}

// WithLZ4 adds LZ4 compression.
func WithLZ4() DatasetOption {
	return func(o *datasetOptions) {
		o.addFilter(filter.IDLZ4, filter.FlagOptional)
	}
}

// WithZstd adds Zstandard compression.
func WithZstd() DatasetOption {
	return func(o *datasetOptions) {
		o.addFilter(filter.IDZstd, filter.FlagOptional)
	}
}

// WithSnappy adds Snappy compression.
func WithSnappy() DatasetOption {
	return func(o *datasetOptions) {
		o.addFilter(filter.IDSnappy, filter.FlagOptional)
	}
}

// WithCacheBytes sets the chunk cache budget.
func WithCacheBytes(n uint64) DatasetOption {
	return func(o *datasetOptions) {
		o.cacheBytes = n
	}
}

// WithCacheDisabled sends every chunk access straight to storage.
func WithCacheDisabled() DatasetOption {
	return func(o *datasetOptions) {
		o.noCache = true
	}
}

// WithBTreeMinEntries sets the minimum occupancy of chunk index nodes.
func WithBTreeMinEntries(k int) DatasetOption {
	return func(o *datasetOptions) {
		if k >= 2 {
			o.minEntries = k
		}
	}
}

// TransferOption configures a single Read or Write.
type TransferOption func(*transferOptions)

type transferOptions struct {
	collective bool
	workers    int
	batch      uint64
	skipEDC    bool
}

// DefaultBatchElements is the number of elements moved per layout call
// for non-chunked datasets.
const DefaultBatchElements = 1 << 16

func defaultTransferOptions() *transferOptions {
	return &transferOptions{workers: 1, batch: DefaultBatchElements}
}

// WithCollective processes the chunks of a transfer on up to workers
// goroutines. Each chunk is handled by one worker and the chunk index is
// updated only after all workers finish.
func WithCollective(workers int) TransferOption {
	return func(o *transferOptions) {
		o.collective = true
		o.workers = max(workers, 1)
	}
}

// WithSkipEDC disables checksum verification on read.
func WithSkipEDC() TransferOption {
	return func(o *transferOptions) {
		o.skipEDC = true
	}
}

// WithBatchElements sets how many elements are gathered per layout call
// for non-chunked datasets.
func WithBatchElements(n uint64) TransferOption {
	return func(o *transferOptions) {
		if n > 0 {
			o.batch = n
		}
	}
}
