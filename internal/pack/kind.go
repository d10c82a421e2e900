package pack

import "fmt"

// Kind is the magic byte stored after the hash of every pack entry. It
// identifies the entry's shape and decides whether the entry carries a
// length header.
type Kind byte

// These are the entry kinds that can be stored in a pack.
const (
	Contents             Kind = 'B'
	InodeV1Stable        Kind = 'I'
	InodeV1Unstable      Kind = 'J'
	InodeV2Root          Kind = 'R'
	InodeV2Nonroot       Kind = 'N'
	CommitV1             Kind = 'C'
	CommitV2             Kind = 'D'
	DanglingParentCommit Kind = 'P'
)

// LengthHeader describes how an entry's total length is encoded on
// disk.
type LengthHeader int

const (
	// LengthNone means the entry length is not recoverable from the
	// entry itself and must come from the index.
	LengthNone LengthHeader = iota
	// LengthVarint means the bytes after the kind carry a varint of
	// the payload-plus-header size.
	LengthVarint
)

// Valid reports whether k is one of the closed set of kinds.
func (k Kind) Valid() bool {
	switch k {
	case Contents, InodeV1Stable, InodeV1Unstable, InodeV2Root,
		InodeV2Nonroot, CommitV1, CommitV2, DanglingParentCommit:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case Contents:
		return "Contents"
	case InodeV1Stable:
		return "Inode_v1_stable"
	case InodeV1Unstable:
		return "Inode_v1_unstable"
	case InodeV2Root:
		return "Inode_v2_root"
	case InodeV2Nonroot:
		return "Inode_v2_nonroot"
	case CommitV1:
		return "Commit_v1"
	case CommitV2:
		return "Commit_v2"
	case DanglingParentCommit:
		return "Dangling_parent_commit"
	}
	return fmt.Sprintf("Kind(0x%02x)", byte(k))
}

// IsCommit reports whether k is one of the commit kinds.
func (k Kind) IsCommit() bool {
	return k == CommitV1 || k == CommitV2
}

// ContentsLengthHeader configures whether contents entries carry a
// length header. Inodes and commits ignore it. The varint mode is the
// default: without it contents cannot be sized from their prefix and
// garbage collection is impossible.
type ContentsLengthHeader int

const (
	ContentsLengthVarint ContentsLengthHeader = iota
	ContentsLengthNone
)

// Header returns the length-header mode of entries of kind k. The
// contents mode is a store-wide configuration knob; the other kinds are
// fixed by the format: v1 entries predate length headers, v2 entries
// always carry one.
func (k Kind) Header(contents ContentsLengthHeader) LengthHeader {
	switch k {
	case Contents:
		if contents == ContentsLengthVarint {
			return LengthVarint
		}
		return LengthNone
	case InodeV1Stable, InodeV1Unstable, CommitV1:
		return LengthNone
	case InodeV2Root, InodeV2Nonroot, CommitV2, DanglingParentCommit:
		return LengthVarint
	}
	return LengthNone
}
