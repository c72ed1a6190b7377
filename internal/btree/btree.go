// Package btree implements the persistent chunk index of a chunked dataset.
package btree

import (
	"io"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/robert-malhotra/go-h5layout/internal/binary"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// DefaultMinEntries is the default minimum node occupancy.
const DefaultMinEntries = 32

// Entry maps one chunk to its stored bytes.
type Entry struct {
	// Coord is the scaled chunk coordinate: the chunk's first element
	// divided by the chunk dimensions. For chunks [10,10], Coord [2,3]
	// covers elements [20:30, 30:40].
	Coord []uint64

	// Address is the file offset where chunk data is stored.
	Address uint64

	// Size is the number of bytes allocated at Address.
	Size uint64

	// Used is the number of stored (possibly filtered) bytes, <= Size.
	Used uint64

	// FilterMask indicates which filters were disabled for this chunk.
	// Bit i = 1 means filter i was skipped.
	FilterMask uint32
}

// Clone returns a copy that does not share Coord.
func (e Entry) Clone() Entry {
	e.Coord = append([]uint64(nil), e.Coord...)
	return e
}

// Compare orders chunk coordinates lexicographically (row-major).
func Compare(a, b []uint64) int {
	for d := range a {
		switch {
		case a[d] < b[d]:
			return -1
		case a[d] > b[d]:
			return 1
		}
	}
	return 0
}

// Allocator hands out and reclaims file space.
type Allocator interface {
	Alloc(size uint64) uint64
	Free(addr, size uint64) error
}

// Storage is the byte store nodes are read from and written to.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// Config describes the shape of an index.
type Config struct {
	// Rank is the number of chunk coordinate dimensions.
	Rank int
	// MinEntries is k: every node except the root holds between k and 2k
	// entries (leaves) or children (internal nodes).
	MinEntries int
}

// Index is a B+-tree keyed by chunk coordinate. Entries live in leaves;
// internal nodes hold separator keys. Nodes are kept in an arena keyed by
// file address and written back by Flush. The root keeps its address for
// the life of the index.
//
// An Index is not safe for concurrent use.
type Index struct {
	rank     int
	k        int
	nodeSize uint64

	alloc Allocator
	rd    *binary.Reader
	wr    *binary.Writer

	root  uint64
	nodes map[uint64]*node
	dirty map[uint64]struct{}

	// spare holds node space reserved for the insert in progress.
	spare []uint64
}

func newIndex(store Storage, alloc Allocator, cfg Config) (*Index, error) {
	if cfg.MinEntries == 0 {
		cfg.MinEntries = DefaultMinEntries
	}
	if cfg.MinEntries < 2 {
		return nil, errors.Newf("minimum entries %d must be at least 2", cfg.MinEntries)
	}
	if cfg.Rank < 1 || cfg.Rank > 32 {
		return nil, errors.Newf("invalid index rank %d", cfg.Rank)
	}
	return &Index{
		rank:     cfg.Rank,
		k:        cfg.MinEntries,
		nodeSize: nodeSize(cfg.Rank, cfg.MinEntries),
		alloc:    alloc,
		rd:       binary.NewReader(store),
		wr:       binary.NewWriter(store),
		nodes:    make(map[uint64]*node),
		dirty:    make(map[uint64]struct{}),
	}, nil
}

// Create allocates an empty index.
func Create(store Storage, alloc Allocator, cfg Config) (*Index, error) {
	idx, err := newIndex(store, alloc, cfg)
	if err != nil {
		return nil, err
	}
	root, err := idx.newNode(0)
	if err != nil {
		return nil, err
	}
	idx.root = root.addr
	return idx, nil
}

// Open loads the index rooted at addr.
func Open(store Storage, alloc Allocator, cfg Config, addr uint64) (*Index, error) {
	idx, err := newIndex(store, alloc, cfg)
	if err != nil {
		return nil, err
	}
	idx.root = addr
	if _, err := idx.node(addr); err != nil {
		return nil, err
	}
	return idx, nil
}

// Root returns the root node address.
func (idx *Index) Root() uint64 { return idx.root }

// NodeSize returns the bytes allocated per node.
func (idx *Index) NodeSize() uint64 { return idx.nodeSize }

// MinEntries returns k.
func (idx *Index) MinEntries() int { return idx.k }

func (idx *Index) newNode(level uint8) (*node, error) {
	var addr uint64
	if k := len(idx.spare); k > 0 {
		addr, idx.spare = idx.spare[k-1], idx.spare[:k-1]
	} else if addr = idx.alloc.Alloc(idx.nodeSize); addr == binary.Undefined {
		return nil, h5err.New(h5err.ErrAllocationFailure, "allocating %d-byte index node", idx.nodeSize)
	}
	n := &node{addr: addr, level: level}
	idx.nodes[addr] = n
	idx.touch(n)
	return n, nil
}

func (idx *Index) freeNode(n *node) error {
	delete(idx.nodes, n.addr)
	delete(idx.dirty, n.addr)
	return idx.alloc.Free(n.addr, idx.nodeSize)
}

func (idx *Index) touch(n *node) {
	idx.dirty[n.addr] = struct{}{}
}

// node returns the node at addr, loading it on first use.
func (idx *Index) node(addr uint64) (*node, error) {
	if n, ok := idx.nodes[addr]; ok {
		return n, nil
	}
	buf, err := idx.rd.At(int64(addr)).ReadBytes(int(idx.nodeSize))
	if err != nil {
		return nil, errors.Wrapf(err, "reading index node 0x%x", addr)
	}
	n, err := idx.decode(addr, buf)
	if err != nil {
		return nil, err
	}
	idx.nodes[addr] = n
	return n, nil
}

// child loads the i-th child of n and checks its level.
func (idx *Index) child(n *node, i int) (*node, error) {
	c, err := idx.node(n.children[i])
	if err != nil {
		return nil, err
	}
	if c.level+1 != n.level {
		return nil, h5err.New(h5err.ErrIndexCorruption,
			"node 0x%x at level %d has child 0x%x at level %d", n.addr, n.level, c.addr, c.level)
	}
	return c, nil
}

// childIndex returns the child of an internal node that covers coord.
func childIndex(n *node, coord []uint64) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return Compare(n.keys[i], coord) > 0
	})
}

// entryIndex returns the position of coord in a leaf and whether it is present.
func entryIndex(n *node, coord []uint64) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return Compare(n.entries[i].Coord, coord) >= 0
	})
	return i, i < len(n.entries) && Compare(n.entries[i].Coord, coord) == 0
}

func (idx *Index) checkCoord(coord []uint64) error {
	if len(coord) != idx.rank {
		return errors.Newf("chunk coordinate rank %d, index rank %d", len(coord), idx.rank)
	}
	return nil
}

// Lookup returns the entry for coord.
func (idx *Index) Lookup(coord []uint64) (Entry, bool, error) {
	if err := idx.checkCoord(coord); err != nil {
		return Entry{}, false, err
	}
	n, err := idx.node(idx.root)
	if err != nil {
		return Entry{}, false, err
	}
	for !n.leaf() {
		if n, err = idx.child(n, childIndex(n, coord)); err != nil {
			return Entry{}, false, err
		}
	}
	i, ok := entryIndex(n, coord)
	if !ok {
		return Entry{}, false, nil
	}
	return n.entries[i].Clone(), true, nil
}

type split struct {
	key   []uint64
	right uint64
}

// InsertOrUpdate stores e. When an entry for e.Coord exists at a different
// address, the old space is freed.
func (idx *Index) InsertOrUpdate(e Entry) error {
	if err := idx.checkCoord(e.Coord); err != nil {
		return err
	}
	e = e.Clone()
	if err := idx.reserve(e.Coord); err != nil {
		return err
	}
	root, err := idx.node(idx.root)
	if err != nil {
		return err
	}
	sp, err := idx.insert(root, e)
	if err != nil || sp == nil {
		return err
	}

	// Grow in place: move the old root contents into a fresh left node.
	left, err := idx.newNode(root.level)
	if err != nil {
		return err
	}
	left.entries, left.keys, left.children = root.entries, root.keys, root.children
	root.level++
	root.entries = nil
	root.keys = [][]uint64{sp.key}
	root.children = []uint64{left.addr, sp.right}
	idx.touch(root)
	return nil
}

// reserve allocates every node an insert of coord will split into, so a
// full file fails the insert before the tree is touched.
func (idx *Index) reserve(coord []uint64) error {
	n, err := idx.node(idx.root)
	if err != nil {
		return err
	}
	path := []*node{n}
	for !n.leaf() {
		if n, err = idx.child(n, childIndex(n, coord)); err != nil {
			return err
		}
		path = append(path, n)
	}
	if _, ok := entryIndex(n, coord); ok {
		return nil
	}

	need := 0
	for i := len(path) - 1; i >= 0; i-- {
		p := path[i]
		size := len(p.entries)
		if !p.leaf() {
			size = len(p.children)
		}
		if size < 2*idx.k {
			break
		}
		need++
		if i == 0 {
			need++ // the root moves its contents into a new left node
		}
	}

	var got []uint64
	for len(idx.spare)+len(got) < need {
		addr := idx.alloc.Alloc(idx.nodeSize)
		if addr == binary.Undefined {
			for _, a := range got {
				_ = idx.alloc.Free(a, idx.nodeSize)
			}
			return h5err.New(h5err.ErrAllocationFailure, "allocating %d-byte index node", idx.nodeSize)
		}
		got = append(got, addr)
	}
	idx.spare = append(idx.spare, got...)
	return nil
}

func (idx *Index) insert(n *node, e Entry) (*split, error) {
	if n.leaf() {
		i, ok := entryIndex(n, e.Coord)
		if ok {
			old := n.entries[i]
			if old.Address != e.Address && old.Address != binary.Undefined {
				if err := idx.alloc.Free(old.Address, old.Size); err != nil {
					return nil, errors.Wrapf(err, "freeing replaced chunk %v", old.Coord)
				}
			}
			n.entries[i] = e
			idx.touch(n)
			return nil, nil
		}
		n.entries = append(n.entries, Entry{})
		copy(n.entries[i+1:], n.entries[i:])
		n.entries[i] = e
		idx.touch(n)
		if len(n.entries) <= 2*idx.k {
			return nil, nil
		}
		right, err := idx.newNode(0)
		if err != nil {
			return nil, err
		}
		right.entries = append([]Entry(nil), n.entries[idx.k:]...)
		n.entries = n.entries[:idx.k:idx.k]
		return &split{key: append([]uint64(nil), right.entries[0].Coord...), right: right.addr}, nil
	}

	ci := childIndex(n, e.Coord)
	c, err := idx.child(n, ci)
	if err != nil {
		return nil, err
	}
	sp, err := idx.insert(c, e)
	if err != nil || sp == nil {
		return nil, err
	}

	n.keys = append(n.keys, nil)
	copy(n.keys[ci+1:], n.keys[ci:])
	n.keys[ci] = sp.key
	n.children = append(n.children, 0)
	copy(n.children[ci+2:], n.children[ci+1:])
	n.children[ci+1] = sp.right
	idx.touch(n)
	if len(n.children) <= 2*idx.k {
		return nil, nil
	}

	// 2k+1 children: left keeps k, the median separator moves up.
	right, err := idx.newNode(n.level)
	if err != nil {
		return nil, err
	}
	median := n.keys[idx.k-1]
	right.children = append([]uint64(nil), n.children[idx.k:]...)
	right.keys = append([][]uint64(nil), n.keys[idx.k:]...)
	n.children = n.children[:idx.k:idx.k]
	n.keys = n.keys[: idx.k-1 : idx.k-1]
	return &split{key: median, right: right.addr}, nil
}

// Remove deletes the entry for coord and returns it. The chunk's space is
// not freed.
func (idx *Index) Remove(coord []uint64) (Entry, bool, error) {
	if err := idx.checkCoord(coord); err != nil {
		return Entry{}, false, err
	}
	root, err := idx.node(idx.root)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok, err := idx.remove(root, coord)
	if err != nil || !ok {
		return e, ok, err
	}

	// Shrink in place: an internal root with one child absorbs it.
	if !root.leaf() && len(root.children) == 1 {
		c, err := idx.child(root, 0)
		if err != nil {
			return e, ok, err
		}
		root.level = c.level
		root.entries, root.keys, root.children = c.entries, c.keys, c.children
		idx.touch(root)
		if err := idx.freeNode(c); err != nil {
			return e, ok, err
		}
	}
	return e, true, nil
}

func (idx *Index) remove(n *node, coord []uint64) (Entry, bool, error) {
	if n.leaf() {
		i, ok := entryIndex(n, coord)
		if !ok {
			return Entry{}, false, nil
		}
		e := n.entries[i]
		n.entries = append(n.entries[:i], n.entries[i+1:]...)
		idx.touch(n)
		return e, true, nil
	}

	ci := childIndex(n, coord)
	c, err := idx.child(n, ci)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok, err := idx.remove(c, coord)
	if err != nil || !ok {
		return e, ok, err
	}
	if c.size() < idx.k {
		if err := idx.rebalance(n, ci, c); err != nil {
			return e, true, err
		}
	}
	return e, true, nil
}

// rebalance fixes an underfull child c at position ci of parent p by
// borrowing from a sibling with spare items or merging with one.
func (idx *Index) rebalance(p *node, ci int, c *node) error {
	if ci > 0 {
		left, err := idx.child(p, ci-1)
		if err != nil {
			return err
		}
		if left.size() > idx.k {
			idx.borrowFromLeft(p, ci, left, c)
			return nil
		}
	}
	if ci+1 < len(p.children) {
		right, err := idx.child(p, ci+1)
		if err != nil {
			return err
		}
		if right.size() > idx.k {
			idx.borrowFromRight(p, ci, c, right)
			return nil
		}
		return idx.merge(p, ci, c, right)
	}
	left, err := idx.child(p, ci-1)
	if err != nil {
		return err
	}
	return idx.merge(p, ci-1, left, c)
}

func (idx *Index) borrowFromLeft(p *node, ci int, left, c *node) {
	if c.leaf() {
		last := left.entries[len(left.entries)-1]
		left.entries = left.entries[:len(left.entries)-1]
		c.entries = append([]Entry{last}, c.entries...)
		p.keys[ci-1] = append([]uint64(nil), last.Coord...)
	} else {
		lastChild := left.children[len(left.children)-1]
		lastKey := left.keys[len(left.keys)-1]
		left.children = left.children[:len(left.children)-1]
		left.keys = left.keys[:len(left.keys)-1]
		c.children = append([]uint64{lastChild}, c.children...)
		c.keys = append([][]uint64{p.keys[ci-1]}, c.keys...)
		p.keys[ci-1] = lastKey
	}
	idx.touch(p)
	idx.touch(left)
	idx.touch(c)
}

func (idx *Index) borrowFromRight(p *node, ci int, c, right *node) {
	if c.leaf() {
		first := right.entries[0]
		right.entries = append([]Entry(nil), right.entries[1:]...)
		c.entries = append(c.entries, first)
		p.keys[ci] = append([]uint64(nil), right.entries[0].Coord...)
	} else {
		firstChild := right.children[0]
		firstKey := right.keys[0]
		right.children = append([]uint64(nil), right.children[1:]...)
		right.keys = append([][]uint64(nil), right.keys[1:]...)
		c.children = append(c.children, firstChild)
		c.keys = append(c.keys, p.keys[ci])
		p.keys[ci] = firstKey
	}
	idx.touch(p)
	idx.touch(right)
	idx.touch(c)
}

// merge folds right (child li+1 of p) into left (child li) and frees right.
func (idx *Index) merge(p *node, li int, left, right *node) error {
	if left.leaf() {
		left.entries = append(left.entries, right.entries...)
	} else {
		left.keys = append(left.keys, p.keys[li])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}
	p.keys = append(p.keys[:li], p.keys[li+1:]...)
	p.children = append(p.children[:li+1], p.children[li+2:]...)
	idx.touch(p)
	idx.touch(left)
	return idx.freeNode(right)
}

// Iterate calls fn for every entry in coordinate order. Returning an error
// from fn stops the walk and returns that error.
func (idx *Index) Iterate(fn func(Entry) error) error {
	root, err := idx.node(idx.root)
	if err != nil {
		return err
	}
	return idx.walk(root, fn)
}

func (idx *Index) walk(n *node, fn func(Entry) error) error {
	if n.leaf() {
		for _, e := range n.entries {
			if err := fn(e.Clone()); err != nil {
				return err
			}
		}
		return nil
	}
	for i := range n.children {
		c, err := idx.child(n, i)
		if err != nil {
			return err
		}
		if err := idx.walk(c, fn); err != nil {
			return err
		}
	}
	return nil
}

// Entries returns every entry in coordinate order.
func (idx *Index) Entries() ([]Entry, error) {
	var out []Entry
	err := idx.Iterate(func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Count returns the number of entries.
func (idx *Index) Count() (int, error) {
	n := 0
	err := idx.Iterate(func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// Outside reports whether the chunk at coord lies entirely beyond dims.
func Outside(coord, dims, chunkDims []uint64) bool {
	for d := range coord {
		if coord[d]*chunkDims[d] >= dims[d] {
			return true
		}
	}
	return false
}

// Prune removes every entry whose chunk lies entirely outside dims and
// frees its space. Chunks straddling the boundary are kept. The removed
// entries are returned in coordinate order.
func (idx *Index) Prune(dims, chunkDims []uint64) ([]Entry, error) {
	if len(dims) != idx.rank || len(chunkDims) != idx.rank {
		return nil, errors.Newf("prune rank mismatch: dims %d, chunk dims %d, index %d",
			len(dims), len(chunkDims), idx.rank)
	}
	var doomed []Entry
	err := idx.Iterate(func(e Entry) error {
		if Outside(e.Coord, dims, chunkDims) {
			doomed = append(doomed, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range doomed {
		if _, _, err := idx.Remove(e.Coord); err != nil {
			return nil, err
		}
		if e.Address != binary.Undefined {
			if err := idx.alloc.Free(e.Address, e.Size); err != nil {
				return nil, errors.Wrapf(err, "freeing pruned chunk %v", e.Coord)
			}
		}
	}
	return doomed, nil
}

// Flush writes every modified node.
func (idx *Index) Flush() error {
	addrs := make([]uint64, 0, len(idx.dirty))
	for a := range idx.dirty {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		n := idx.nodes[a]
		if err := idx.wr.At(int64(a)).WriteBytes(idx.encode(n)); err != nil {
			return errors.Wrapf(err, "writing index node 0x%x", a)
		}
		delete(idx.dirty, a)
	}
	return nil
}

// Destroy frees every chunk and every node. The index must not be used
// afterwards.
func (idx *Index) Destroy() error {
	root, err := idx.node(idx.root)
	if err != nil {
		return err
	}
	if err := idx.destroy(root); err != nil {
		return err
	}
	idx.nodes = make(map[uint64]*node)
	idx.dirty = make(map[uint64]struct{})
	return nil
}

func (idx *Index) destroy(n *node) error {
	if n.leaf() {
		for _, e := range n.entries {
			if e.Address == binary.Undefined {
				continue
			}
			if err := idx.alloc.Free(e.Address, e.Size); err != nil {
				return err
			}
		}
	} else {
		for i := range n.children {
			c, err := idx.child(n, i)
			if err != nil {
				return err
			}
			if err := idx.destroy(c); err != nil {
				return err
			}
		}
	}
	return idx.freeNode(n)
}

// Stats describes the shape of the tree.
type Stats struct {
	Height  int
	Nodes   int
	Entries int
}

// Validate walks the whole tree and checks ordering, key ranges, levels
// and occupancy. Violations are reported as index corruption.
func (idx *Index) Validate() (Stats, error) {
	root, err := idx.node(idx.root)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	st.Height = int(root.level) + 1
	var prev []uint64
	err = idx.validate(root, true, nil, nil, &prev, &st)
	return st, err
}

func (idx *Index) validate(n *node, isRoot bool, lo, hi []uint64, prev *[]uint64, st *Stats) error {
	corrupt := func(format string, args ...interface{}) error {
		return h5err.New(h5err.ErrIndexCorruption, "node 0x%x: "+format, append([]interface{}{n.addr}, args...)...)
	}
	st.Nodes++
	size := n.size()
	if size > 2*idx.k {
		return corrupt("%d items exceed capacity %d", size, 2*idx.k)
	}
	if !isRoot && size < idx.k {
		return corrupt("%d items below minimum %d", size, idx.k)
	}
	if isRoot && !n.leaf() && size < 2 {
		return corrupt("internal root with %d children", size)
	}

	if n.leaf() {
		for _, e := range n.entries {
			if *prev != nil && Compare(*prev, e.Coord) >= 0 {
				return corrupt("entry %v not after %v", e.Coord, *prev)
			}
			if lo != nil && Compare(e.Coord, lo) < 0 || hi != nil && Compare(e.Coord, hi) >= 0 {
				return corrupt("entry %v outside separator range", e.Coord)
			}
			if e.Used > e.Size {
				return corrupt("entry %v uses %d of %d allocated bytes", e.Coord, e.Used, e.Size)
			}
			*prev = e.Coord
			st.Entries++
		}
		return nil
	}

	if len(n.keys) != len(n.children)-1 {
		return corrupt("%d keys for %d children", len(n.keys), len(n.children))
	}
	for i := range n.children {
		c, err := idx.child(n, i)
		if err != nil {
			return err
		}
		clo, chi := lo, hi
		if i > 0 {
			clo = n.keys[i-1]
		}
		if i < len(n.keys) {
			chi = n.keys[i]
		}
		if err := idx.validate(c, false, clo, chi, prev, st); err != nil {
			return err
		}
	}
	return nil
}
