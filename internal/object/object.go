// Package object carries the binary codecs for the three object shapes
// persisted in a pack: contents, inodes and commits. Inodes and
// commits reference their children by absolute store offset; step names
// are interned through the dict. The store itself treats payloads as
// opaque bytes; this package is where their structure lives.
package object

import (
	"encoding/binary"

	"github.com/skyline93/packstore/internal/dict"
	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/pack"
)

var (
	ErrCorruptedObject        = errors.New("corrupted object payload")
	ErrCommitParentKeyIndexed = errors.New("commit parent key is indexed")
)

// child tags inside inode payloads
const (
	tagContents byte = 'c'
	tagNode     byte = 'n'
)

func appendUvarint(dst []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}

func readUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, errors.WithStack(ErrCorruptedObject)
	}
	return v, b[n:], nil
}

// InodeChild is one directed edge out of an inode.
type InodeChild struct {
	Step string
	// Offset is the child entry's absolute store offset.
	Offset int64
	// IsNode marks the child as another inode rather than contents.
	IsNode bool
}

// Inode is a node of the object graph: an ordered list of named
// children.
type Inode struct {
	Children []InodeChild
}

// EncodeInode serialises n, interning step names through d.
func EncodeInode(n *Inode, d *dict.Dict) ([]byte, error) {
	out := appendUvarint(nil, uint64(len(n.Children)))
	for _, c := range n.Children {
		id, err := d.Index(c.Step)
		if err != nil {
			return nil, err
		}
		out = appendUvarint(out, uint64(id))
		tag := tagContents
		if c.IsNode {
			tag = tagNode
		}
		out = append(out, tag)
		out = appendUvarint(out, uint64(c.Offset))
	}
	return out, nil
}

// DecodeInode parses an inode payload, resolving step ids through d.
func DecodeInode(payload []byte, d *dict.Dict) (*Inode, error) {
	count, rest, err := readUvarint(payload)
	if err != nil {
		return nil, err
	}
	n := &Inode{Children: make([]InodeChild, 0, count)}
	for i := uint64(0); i < count; i++ {
		var id uint64
		id, rest, err = readUvarint(rest)
		if err != nil {
			return nil, err
		}
		step, ok := d.Find(int(id))
		if !ok {
			return nil, errors.Wrapf(ErrCorruptedObject, "unknown dict id %d", id)
		}
		if len(rest) == 0 {
			return nil, errors.WithStack(ErrCorruptedObject)
		}
		tag := rest[0]
		rest = rest[1:]
		if tag != tagContents && tag != tagNode {
			return nil, errors.Wrapf(ErrCorruptedObject, "bad child tag 0x%02x", tag)
		}
		var off uint64
		off, rest, err = readUvarint(rest)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, InodeChild{
			Step:   step,
			Offset: int64(off),
			IsNode: tag == tagNode,
		})
	}
	if len(rest) != 0 {
		return nil, errors.Wrap(ErrCorruptedObject, "trailing bytes")
	}
	return n, nil
}

// FindStep searches the inode tree rooted at n for a leaf child named
// step, descending into child inodes through load. It returns the
// contents offset.
func (n *Inode) FindStep(step string, load func(off int64) (*Inode, error)) (int64, bool, error) {
	for _, c := range n.Children {
		if !c.IsNode {
			if c.Step == step {
				return c.Offset, true, nil
			}
			continue
		}
		child, err := load(c.Offset)
		if err != nil {
			return 0, false, err
		}
		off, ok, err := child.FindStep(step, load)
		if err != nil || ok {
			return off, ok, err
		}
	}
	return 0, false, nil
}

// Commit is a snapshot: a root inode, parent commits and a message.
type Commit struct {
	// RootOffset is the root inode's absolute store offset.
	RootOffset int64
	// ParentOffsets are the parent commits' absolute store offsets.
	ParentOffsets []int64
	Message       string
}

// EncodeCommit serialises c. Parents must already be resolved to
// offsets; an indexed parent key cannot be encoded.
func EncodeCommit(c *Commit) []byte {
	out := appendUvarint(nil, uint64(c.RootOffset))
	out = appendUvarint(out, uint64(len(c.ParentOffsets)))
	for _, p := range c.ParentOffsets {
		out = appendUvarint(out, uint64(p))
	}
	out = appendUvarint(out, uint64(len(c.Message)))
	return append(out, c.Message...)
}

// ResolveParents turns parent keys into offsets, resolving indexed keys
// through lookup. A parent that resolves nowhere is reported as
// indexed: commits must not be encoded against unresolved parents.
func ResolveParents(parents []*pack.Key, lookup func(pack.Hash) (int64, int64, bool)) ([]int64, error) {
	offs := make([]int64, 0, len(parents))
	for _, p := range parents {
		if off, _, ok := p.Direct(); ok {
			offs = append(offs, off)
			continue
		}
		off, length, ok := lookup(p.Hash())
		if !ok {
			return nil, errors.Wrapf(ErrCommitParentKeyIndexed, "parent %s", p.Hash().Str())
		}
		p.Promote(off, length)
		offs = append(offs, off)
	}
	return offs, nil
}

// DecodeCommit parses a commit payload.
func DecodeCommit(payload []byte) (*Commit, error) {
	root, rest, err := readUvarint(payload)
	if err != nil {
		return nil, err
	}
	nparents, rest, err := readUvarint(rest)
	if err != nil {
		return nil, err
	}
	c := &Commit{RootOffset: int64(root)}
	for i := uint64(0); i < nparents; i++ {
		var p uint64
		p, rest, err = readUvarint(rest)
		if err != nil {
			return nil, err
		}
		c.ParentOffsets = append(c.ParentOffsets, int64(p))
	}
	msgLen, rest, err := readUvarint(rest)
	if err != nil {
		return nil, err
	}
	if uint64(len(rest)) != msgLen {
		return nil, errors.Wrap(ErrCorruptedObject, "bad message length")
	}
	c.Message = string(rest)
	return c, nil
}

// ChildOffsets returns the offsets an entry of the given kind points
// at: an inode's children, or a commit's root inode. Commit parents
// are deliberately excluded; the garbage collector handles them as
// dangling stubs. Step names are not needed, so the dict is not
// consulted.
func ChildOffsets(kind pack.Kind, payload []byte) ([]int64, error) {
	switch kind {
	case pack.Contents:
		return nil, nil
	case pack.InodeV1Stable, pack.InodeV1Unstable, pack.InodeV2Root, pack.InodeV2Nonroot:
		count, rest, err := readUvarint(payload)
		if err != nil {
			return nil, err
		}
		offs := make([]int64, 0, count)
		for i := uint64(0); i < count; i++ {
			if _, rest, err = readUvarint(rest); err != nil { // step id
				return nil, err
			}
			if len(rest) == 0 {
				return nil, errors.WithStack(ErrCorruptedObject)
			}
			rest = rest[1:] // tag
			var off uint64
			if off, rest, err = readUvarint(rest); err != nil {
				return nil, err
			}
			offs = append(offs, int64(off))
		}
		return offs, nil
	case pack.CommitV1, pack.CommitV2:
		c, err := DecodeCommit(payload)
		if err != nil {
			return nil, err
		}
		return []int64{c.RootOffset}, nil
	case pack.DanglingParentCommit:
		return nil, nil
	}
	return nil, errors.Wrapf(pack.ErrInvalidKind, "0x%02x", byte(kind))
}
