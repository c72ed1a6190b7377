package meta

import (
	"sort"

	"github.com/robert-malhotra/go-h5layout/internal/h5err"
	"github.com/robert-malhotra/go-h5layout/internal/layout"
)

// Dataset is the persisted record of one dataset.
type Dataset struct {
	Name      string            `cbor:"1,keyasint"`
	Dims      []uint64          `cbor:"2,keyasint"`
	MaxDims   []uint64          `cbor:"3,keyasint"`
	ElemSize  uint64            `cbor:"4,keyasint"`
	Fill      layout.Fill       `cbor:"5,keyasint"`
	AllocTime layout.AllocTime  `cbor:"6,keyasint"`
	Layout    layout.Descriptor `cbor:"7,keyasint"`
}

// Extent is a byte range of the file.
type Extent struct {
	Addr uint64 `cbor:"1,keyasint"`
	Size uint64 `cbor:"2,keyasint"`
}

// Catalog is the root metadata record: every dataset plus the allocator
// state needed to reopen the file.
type Catalog struct {
	Datasets    []Dataset `cbor:"1,keyasint"`
	Allocations []Extent  `cbor:"2,keyasint"`
	FreeBlocks  []Extent  `cbor:"3,keyasint"`
}

func (c *Catalog) find(name string) (int, bool) {
	i := sort.Search(len(c.Datasets), func(i int) bool { return c.Datasets[i].Name >= name })
	return i, i < len(c.Datasets) && c.Datasets[i].Name == name
}

// Get returns the record named name.
func (c *Catalog) Get(name string) (Dataset, error) {
	i, ok := c.find(name)
	if !ok {
		return Dataset{}, h5err.New(h5err.ErrNotFound, "dataset %q", name)
	}
	return c.Datasets[i], nil
}

// Put inserts or replaces a record, keeping records sorted by name.
func (c *Catalog) Put(d Dataset) {
	i, ok := c.find(d.Name)
	if ok {
		c.Datasets[i] = d
		return
	}
	c.Datasets = append(c.Datasets, Dataset{})
	copy(c.Datasets[i+1:], c.Datasets[i:])
	c.Datasets[i] = d
}

// Delete removes the record named name.
func (c *Catalog) Delete(name string) error {
	i, ok := c.find(name)
	if !ok {
		return h5err.New(h5err.ErrNotFound, "dataset %q", name)
	}
	c.Datasets = append(c.Datasets[:i], c.Datasets[i+1:]...)
	return nil
}

// Names lists the datasets in name order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Datasets))
	for i, d := range c.Datasets {
		names[i] = d.Name
	}
	return names
}

// ReadLayout returns the layout descriptor of a dataset.
func (c *Catalog) ReadLayout(name string) (layout.Descriptor, error) {
	d, err := c.Get(name)
	if err != nil {
		return layout.Descriptor{}, err
	}
	return d.Layout, nil
}

// WriteLayout replaces the layout descriptor of a dataset.
func (c *Catalog) WriteLayout(name string, desc layout.Descriptor) error {
	i, ok := c.find(name)
	if !ok {
		return h5err.New(h5err.ErrNotFound, "dataset %q", name)
	}
	c.Datasets[i].Layout = desc
	return nil
}
