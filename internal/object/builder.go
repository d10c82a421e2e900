package object

import (
	"sort"

	"github.com/skyline93/packstore/internal/dict"
	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/pack"
)

// Saver persists one encoded object and returns its key.
type Saver func(kind pack.Kind, payload []byte) (*pack.Key, error)

// ChildOrder picks the bucket a step falls into at a given inode depth.
type ChildOrder func(step string, depth, branching int) int

// HashBitsOrder buckets steps by a byte of their hash, the depth
// selecting which byte.
func HashBitsOrder(step string, depth, branching int) int {
	h := pack.HashOf([]byte(step))
	return int(h[depth%pack.HashSize]) % branching
}

// SeededHashOrder is HashBitsOrder with the depth folded into the
// hashed bytes, decorrelating the buckets of adjacent levels.
func SeededHashOrder(step string, depth, branching int) int {
	h := pack.HashOf(append([]byte{byte(depth)}, step...))
	return int(h[0]) % branching
}

// BuildInodeTree persists children as an inode tree with at most
// branching children per inode. Oversized levels spill into non-root
// inodes bucketed by order. Returns the root inode's key.
func BuildInodeTree(children []InodeChild, branching int, order ChildOrder, d *dict.Dict, save Saver) (*pack.Key, error) {
	if branching < 2 {
		return nil, errors.Errorf("inode branching factor must be at least 2, got %d", branching)
	}
	if order == nil {
		order = HashBitsOrder
	}
	return buildLevel(children, branching, 0, order, d, save, pack.InodeV2Root)
}

func buildLevel(children []InodeChild, branching, depth int, order ChildOrder, d *dict.Dict, save Saver, kind pack.Kind) (*pack.Key, error) {
	if len(children) <= branching {
		sort.Slice(children, func(i, j int) bool { return children[i].Step < children[j].Step })
		payload, err := EncodeInode(&Inode{Children: children}, d)
		if err != nil {
			return nil, err
		}
		return save(kind, payload)
	}

	buckets := make([][]InodeChild, branching)
	for _, c := range children {
		b := order(c.Step, depth, branching)
		buckets[b] = append(buckets[b], c)
	}

	var spill []InodeChild
	for _, group := range buckets {
		if len(group) == 0 {
			continue
		}
		key, err := buildLevel(group, branching, depth+1, order, d, save, pack.InodeV2Nonroot)
		if err != nil {
			return nil, err
		}
		off, _, ok := key.Direct()
		if !ok {
			return nil, errors.New("inode child key is not direct")
		}
		// bucket inodes keep their first step as a representative name
		// so decoding stays uniform
		spill = append(spill, InodeChild{Step: group[0].Step, Offset: off, IsNode: true})
	}
	sort.Slice(spill, func(i, j int) bool { return spill[i].Step < spill[j].Step })
	payload, err := EncodeInode(&Inode{Children: spill}, d)
	if err != nil {
		return nil, err
	}
	return save(kind, payload)
}
