// Package pack defines the core on-disk vocabulary of the store: entry
// hashes, entry kinds, the two-form keys used to address entries, and
// the entry-prefix codec shared by readers and the garbage collector.
package pack

import (
	"encoding/hex"
	"fmt"

	"github.com/minio/sha256-simd"
)

// HashSize contains the size of a Hash, in bytes.
const HashSize = sha256.Size

// Hash references content within a store.
type Hash [HashSize]byte

// ParseHash converts the given string to a Hash.
func ParseHash(s string) (Hash, error) {
	if len(s) != hex.EncodedLen(HashSize) {
		return Hash{}, fmt.Errorf("invalid length for hash: %q", s)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash: %s", err)
	}

	h := Hash{}
	copy(h[:], b)

	return h, nil
}

const shortStr = 4

// Str returns the shortened string version of h.
func (h Hash) Str() string {
	if h.IsNull() {
		return "[null]"
	}

	return hex.EncodeToString(h[:shortStr])
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsNull returns true iff h only consists of null bytes.
func (h Hash) IsNull() bool {
	var nullHash Hash

	return h == nullHash
}

// Equal compares a Hash to another other.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// HashOf returns the Hash for data.
func HashOf(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashFromBytes returns the Hash for the raw digest b.
func HashFromBytes(b []byte) (h Hash) {
	if len(b) != HashSize {
		panic("invalid hash type, not enough/too many bytes")
	}

	copy(h[:], b)
	return h
}
