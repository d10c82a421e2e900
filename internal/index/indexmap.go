package index

import (
	"hash/maphash"

	"github.com/skyline93/packstore/internal/pack"
)

type indexEntry struct {
	hash   pack.Hash
	next   uint
	offset int64
	length int64
	kind   pack.Kind
}

// An indexMap is a chained hash table mapping entry hashes to index
// entries. The number of buckets is always a power of two and the
// table grows by doubling. Entries live in a hashed array tree so
// growth never relocates them.
type indexMap struct {
	// buckets hold 1-based entry indices; 0 marks an empty bucket.
	buckets    []uint
	numentries uint

	mh maphash.Hash

	blockList hashedArrayTree
}

const (
	indexMapInitialBuckets = 64
	indexMapMaxLoad        = 0.75
)

// add inserts an entry for hash h. Callers must ensure h is not yet in
// the map.
func (m *indexMap) add(h pack.Hash, offset, length int64, kind pack.Kind) {
	switch {
	case m.numentries == 0:
		m.init()
	case float64(m.numentries)/float64(len(m.buckets)) > indexMapMaxLoad:
		m.grow()
	}

	idx, e := m.blockList.Alloc()
	e.hash = h
	e.offset = offset
	e.length = length
	e.kind = kind

	b := m.bucketOf(h)
	e.next = m.buckets[b] // move the existing chain after the new entry
	m.buckets[b] = idx
	m.numentries++
}

// get returns the entry for h, or nil.
func (m *indexMap) get(h pack.Hash) *indexEntry {
	if m.numentries == 0 {
		return nil
	}
	for idx := m.buckets[m.bucketOf(h)]; idx != 0; {
		e := m.blockList.Ref(idx)
		if e.hash == h {
			return e
		}
		idx = e.next
	}
	return nil
}

// foreach calls fn for every entry until fn returns false.
func (m *indexMap) foreach(fn func(*indexEntry) bool) {
	for i := uint(1); i <= m.blockList.Size(); i++ {
		if !fn(m.blockList.Ref(i)) {
			return
		}
	}
}

func (m *indexMap) len() uint { return m.numentries }

func (m *indexMap) init() {
	m.buckets = make([]uint, indexMapInitialBuckets)
}

func (m *indexMap) grow() {
	m.buckets = make([]uint, 2*len(m.buckets))
	for i := uint(1); i <= m.blockList.Size(); i++ {
		e := m.blockList.Ref(i)
		b := m.bucketOf(e.hash)
		e.next = m.buckets[b]
		m.buckets[b] = i
	}
}

func (m *indexMap) bucketOf(h pack.Hash) uint {
	m.mh.Reset()
	_, _ = m.mh.Write(h[:])
	return uint(m.mh.Sum64()) & uint(len(m.buckets)-1)
}

// A hashedArrayTree stores entries in fixed-size blocks so that a
// growing map never relocates them; index 0 is reserved as the nil
// reference.
type hashedArrayTree struct {
	size      uint
	blockList [][]indexEntry
}

const hatBlockShift = 10
const hatBlockSize = 1 << hatBlockShift

// Alloc returns a fresh zeroed entry and its 1-based index.
func (h *hashedArrayTree) Alloc() (uint, *indexEntry) {
	if h.size%hatBlockSize == 0 {
		h.blockList = append(h.blockList, make([]indexEntry, hatBlockSize))
	}
	h.size++
	return h.size, h.Ref(h.size)
}

// Ref resolves a 1-based index.
func (h *hashedArrayTree) Ref(idx uint) *indexEntry {
	i := idx - 1
	return &h.blockList[i>>hatBlockShift][i&(hatBlockSize-1)]
}

func (h *hashedArrayTree) Size() uint { return h.size }
