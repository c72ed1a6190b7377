package filter

import (
	"github.com/cockroachdb/errors"

	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// MaxFilters bounds a pipeline so that every stage has a mask bit.
const MaxFilters = 32

// Pipeline is an ordered list of filters applied to chunk data.
type Pipeline struct {
	infos   []Info
	filters []Filter // nil entry: optional filter not available
}

// NewPipeline creates a pipeline. elemSize seeds filters that need the
// element size and were given none.
func NewPipeline(infos []Info, elemSize int) (*Pipeline, error) {
	if len(infos) > MaxFilters {
		return nil, h5err.New(h5err.ErrUnsupported, "%d filters exceed the limit of %d", len(infos), MaxFilters)
	}
	p := &Pipeline{
		infos:   append([]Info(nil), infos...),
		filters: make([]Filter, len(infos)),
	}
	for i, info := range infos {
		f, err := New(info)
		if err != nil {
			return nil, errors.Wrapf(err, "creating filter %d", info.ID)
		}
		if s, ok := f.(*Shuffle); ok && len(info.ClientData) == 0 && elemSize > 0 {
			s.SetElementSize(elemSize)
		}
		p.filters[i] = f
	}
	return p, nil
}

// Encode runs the filters in order. The returned mask has bit i set for
// each stage that declined or was unavailable.
func (p *Pipeline) Encode(input []byte) ([]byte, uint32, error) {
	if p == nil || len(p.filters) == 0 {
		return input, 0, nil
	}

	data := input
	var mask uint32
	for i, f := range p.filters {
		if f == nil {
			mask |= 1 << uint(i)
			continue
		}
		out, err := f.Encode(data)
		switch {
		case err == nil:
			data = out
		case errors.Is(err, ErrNotApplied) && p.infos[i].IsOptional():
			mask |= 1 << uint(i)
		default:
			return nil, 0, h5err.Mark(err, h5err.ErrFilterFailure, "filter %s encode", Name(f.ID()))
		}
	}
	return data, mask, nil
}

// DecodeOptions adjusts decoding.
type DecodeOptions struct {
	// SkipEDC disables checksum verification.
	SkipEDC bool

	// MaxSize, when non-zero, is the size of the fully decoded data.
	// Stages that record their decoded length reject larger values.
	MaxSize int
}

// Decode applies the filter pipeline to encoded data.
// The filterMask specifies which filters to skip (bit i = skip filter i).
// Filters are applied in reverse order (last filter first).
func (p *Pipeline) Decode(input []byte, filterMask uint32, opts DecodeOptions) ([]byte, error) {
	if p == nil || len(p.filters) == 0 {
		return input, nil
	}

	data := input
	for i := len(p.filters) - 1; i >= 0; i-- {
		if filterMask&(1<<uint(i)) != 0 {
			continue
		}
		f := p.filters[i]
		if f == nil {
			return nil, h5err.New(h5err.ErrFilterFailure,
				"chunk requires unavailable filter %d", p.infos[i].ID)
		}

		var err error
		c, isSum := f.(checksummer)
		b, isBounded := f.(boundedDecoder)
		switch {
		case isSum && opts.SkipEDC:
			data, err = c.Strip(data)
		case isBounded && opts.MaxSize > 0:
			data, err = b.DecodeLimit(data, p.bound(opts.MaxSize))
		default:
			data, err = f.Decode(data)
		}
		if err != nil {
			return nil, h5err.Mark(err, h5err.ErrFilterFailure, "filter %s decode", Name(f.ID()))
		}
	}

	return data, nil
}

// checksummer is implemented by error-detection filters that can drop
// their checksum without verifying it.
type checksummer interface {
	Strip(input []byte) ([]byte, error)
}

// boundedDecoder is implemented by filters whose encoding records the
// decoded length, so oversized output can be refused up front.
type boundedDecoder interface {
	DecodeLimit(input []byte, limit int) ([]byte, error)
}

// bound is the largest size any stage may produce when the final output
// is size bytes: checksum stages each add their trailer.
func (p *Pipeline) bound(size int) int {
	for _, f := range p.filters {
		if _, ok := f.(checksummer); ok {
			size += checksumSize
		}
	}
	return size
}

// Infos returns the pipeline description.
func (p *Pipeline) Infos() []Info {
	if p == nil {
		return nil
	}
	return append([]Info(nil), p.infos...)
}

// Empty returns true if the pipeline has no filters.
func (p *Pipeline) Empty() bool {
	return p == nil || len(p.filters) == 0
}

// Len returns the number of filters in the pipeline.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.filters)
}
