package pack

import "fmt"

// Key addresses a pack entry. A key starts out in one of two forms:
// indexed, where only the hash is known and the index must be consulted
// to find the entry, or direct, where offset and length allow a single
// positional read.
//
// A key is promotable in place: the first successful index lookup turns
// an indexed key into a direct one. The hash never changes, and
// promotion is monotonic; a direct key is never demoted. The store is
// the only mutator, so the interior mutability is safe under the
// store's own locking.
type Key struct {
	hash   Hash
	direct bool
	offset int64
	length int64
}

// NewIndexedKey returns a key known only by hash.
func NewIndexedKey(h Hash) *Key {
	return &Key{hash: h}
}

// NewDirectKey returns a fully resolved key.
func NewDirectKey(h Hash, offset, length int64) *Key {
	return &Key{hash: h, direct: true, offset: offset, length: length}
}

// Hash returns the content hash the key refers to.
func (k *Key) Hash() Hash { return k.hash }

// Direct returns the entry's offset and length. ok is false while the
// key is still in indexed form.
func (k *Key) Direct() (offset, length int64, ok bool) {
	if !k.direct {
		return 0, 0, false
	}
	return k.offset, k.length, true
}

// IsDirect reports whether the key carries offset and length.
func (k *Key) IsDirect() bool { return k.direct }

// Promote upgrades an indexed key with a resolved offset and length.
// Promoting an already-direct key is a no-op.
func (k *Key) Promote(offset, length int64) {
	if k.direct {
		return
	}
	k.direct = true
	k.offset = offset
	k.length = length
}

func (k *Key) String() string {
	if k == nil {
		return "<nil key>"
	}
	if k.direct {
		return fmt.Sprintf("%s@%d+%d", k.hash.Str(), k.offset, k.length)
	}
	return fmt.Sprintf("%s@indexed", k.hash.Str())
}
