package hdf5

import "github.com/robert-malhotra/go-h5layout/internal/filter"

// DatasetInfo summarises a dataset for listing.
type DatasetInfo struct {
	Name        string
	Dims        []uint64
	MaxDims     []uint64
	ElementSize int
	Layout      LayoutClass
	ChunkDims   []uint64
	Filters     []string
	StorageSize uint64
}

// WalkFunc is called for each dataset during traversal. err is any error
// encountered opening the dataset. Return nil to continue walking, or an
// error to stop.
type WalkFunc func(info DatasetInfo, err error) error

// Walk visits every dataset of f in name order.
//
// Example:
//
//	Walk(f, func(info DatasetInfo, err error) error {
//	    if err != nil {
//	        return err // or skip: return nil
//	    }
//	    fmt.Println(info.Name, info.Layout, info.Dims)
//	    return nil
//	})
func Walk(f *File, fn WalkFunc) error {
	for _, name := range f.Datasets() {
		info, err := f.Stat(name)
		if err := fn(info, err); err != nil {
			return err
		}
	}
	return nil
}

// Stat describes the named dataset.
func (f *File) Stat(name string) (DatasetInfo, error) {
	d, err := f.OpenDataset(name)
	if err != nil {
		return DatasetInfo{Name: name}, err
	}
	defer d.Close()
	return d.Info()
}

// Info describes the dataset.
func (d *Dataset) Info() (DatasetInfo, error) {
	size, err := d.StorageSize()
	if err != nil {
		return DatasetInfo{Name: d.Name()}, err
	}
	info := DatasetInfo{
		Name:        d.Name(),
		Dims:        d.Dims(),
		MaxDims:     d.MaxDims(),
		ElementSize: d.ElementSize(),
		Layout:      d.Layout(),
		ChunkDims:   d.ChunkDims(),
		StorageSize: size,
	}
	if desc := d.st.storage.Descriptor(); desc.Chunked != nil {
		for _, fi := range desc.Chunked.Filters {
			info.Filters = append(info.Filters, filter.Name(fi.ID))
		}
	}
	return info, nil
}
