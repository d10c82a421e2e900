package gc

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fm"
	"github.com/skyline93/packstore/internal/fs"
	"github.com/skyline93/packstore/internal/layout"
	"github.com/skyline93/packstore/internal/mapping"
	"github.com/skyline93/packstore/internal/object"
	"github.com/skyline93/packstore/internal/pack"
	"github.com/skyline93/packstore/internal/packstore"
)

// stubLength is the on-disk size of a dangling-parent-commit stub:
// hash, kind and a one-byte length header covering an empty payload.
const stubLength = pack.MinPrefixSize + 2

// workerArgs is everything the worker needs; it opens its own
// read-only view of the store and never touches files of other
// generations.
type workerArgs struct {
	cfg          fm.Config
	generation   int
	commitOffset int64
	commitLength int64
}

// liveRange is one reachable byte range, or a synthesized dangling
// stub for a collected parent commit.
type liveRange struct {
	src    int64
	length int64
	stub   bool
	hash   pack.Hash
}

// testHookAfterMark, when set, runs at the top of every mark
// iteration; tests use it to hold the worker at a known point.
var testHookAfterMark func(ctx context.Context)

// runWorker executes the four GC phases: mark, sort and coalesce,
// copy, report. It writes only files suffixed with its own generation.
func runWorker(ctx context.Context, args workerArgs) (*Result, error) {
	mgr, err := fm.OpenRO(args.cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = mgr.Close() }()
	store := packstore.New(mgr, packstore.Options{LRUSize: 0})

	newStart := args.commitOffset + args.commitLength

	ranges, stats, err := mark(ctx, store, args)
	if err != nil {
		return nil, err
	}
	if err := writeRangeScratch(layout.Reachable(args.cfg.Root, args.generation), ranges); err != nil {
		return nil, err
	}

	ranges = coalesce(ranges)
	stats.MappedRanges = len(ranges)
	if err := writeRangeScratch(layout.Sorted(args.cfg.Root, args.generation), ranges); err != nil {
		return nil, err
	}

	if err := copyLiveSet(ctx, store, args, ranges); err != nil {
		return nil, err
	}

	// locate the first chunk the new suffix window keeps; the
	// appendable chunk is never removable
	chunks := mgr.Suffix().Chunks()
	lastIdx := chunks[len(chunks)-1].Idx
	var removable []int
	chunkStartIdx := 0
	deadBytes := int64(0)
	for _, c := range chunks {
		if c.AbsStart+c.Size <= newStart && c.Idx != lastIdx {
			removable = append(removable, c.Idx)
			continue
		}
		chunkStartIdx = c.Idx
		deadBytes = newStart - c.AbsStart
		break
	}

	result := &Result{
		Generation:   args.generation,
		CommitOffset: args.commitOffset,
		SuffixParams: SuffixParams{
			StartOffset:   newStart,
			ChunkStartIdx: chunkStartIdx,
			DeadBytes:     deadBytes,
		},
		RemovableChunkIdxs: removable,
		Stats:              *stats,
	}
	if err := writeResult(args.cfg.Root, args.generation, result); err != nil {
		return nil, err
	}
	log.Infof("gc worker: generation %d, %d live objects, %d bytes, %d removable chunks",
		args.generation, stats.LiveObjects, stats.LiveBytes, len(removable))
	return result, nil
}

// mark walks the object graph from the target commit and returns the
// reachable ranges plus a dangling stub per collected parent commit.
func mark(ctx context.Context, store *packstore.Store, args workerArgs) ([]liveRange, *Stats, error) {
	stats := &Stats{}
	visited := make(map[int64]struct{})
	var ranges []liveRange

	stack := []int64{args.commitOffset}
	for len(stack) > 0 {
		if testHookAfterMark != nil {
			testHookAfterMark(ctx)
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, errors.WithStack(err)
		}
		off := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[off]; ok {
			continue
		}
		visited[off] = struct{}{}

		kind, payload, length, err := store.EntryAt(off)
		if err != nil {
			return nil, nil, err
		}
		ranges = append(ranges, liveRange{src: off, length: length})
		stats.LiveObjects++
		stats.LiveBytes += length

		children, err := object.ChildOffsets(kind, payload)
		if err != nil {
			return nil, nil, err
		}
		stack = append(stack, children...)

		if kind.IsCommit() && off == args.commitOffset {
			commit, err := object.DecodeCommit(payload)
			if err != nil {
				return nil, nil, err
			}
			for _, p := range commit.ParentOffsets {
				stub, err := parentStub(store, p)
				if err != nil {
					return nil, nil, err
				}
				if _, ok := visited[p]; ok {
					continue
				}
				visited[p] = struct{}{}
				ranges = append(ranges, stub)
				stats.DanglingStubs++
			}
		}
	}
	return ranges, stats, nil
}

// parentStub reads just enough of a parent commit to synthesize its
// dangling replacement.
func parentStub(store *packstore.Store, off int64) (liveRange, error) {
	k, err := store.KeyOfOffset(off)
	if err != nil {
		return liveRange{}, err
	}
	return liveRange{src: off, length: stubLength, stub: true, hash: k.Hash()}, nil
}

// coalesce sorts ranges by source offset and merges adjacent or
// overlapping live ranges. Stubs never merge: their copied bytes
// differ from the source bytes.
func coalesce(ranges []liveRange) []liveRange {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].src < ranges[j].src })
	out := ranges[:0]
	for _, r := range ranges {
		if n := len(out); n > 0 && !r.stub && !out[n-1].stub &&
			r.src <= out[n-1].src+out[n-1].length {
			if end := r.src + r.length; end > out[n-1].src+out[n-1].length {
				out[n-1].length = end - out[n-1].src
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// copyLiveSet streams every range into prefix.<gen> and records the
// redirections in mapping.<gen>.
func copyLiveSet(ctx context.Context, store *packstore.Store, args workerArgs, ranges []liveRange) error {
	prefixPath := layout.Prefix(args.cfg.Root, args.generation)
	mappingPath := layout.Mapping(args.cfg.Root, args.generation)

	pf, err := fs.CreateRW(prefixPath, true)
	if err != nil {
		return err
	}
	defer func() { _ = pf.Close() }()

	var mappingBuf []byte
	dst := int64(0)
	copyBuf := make([]byte, 1<<20)

	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		if r.stub {
			stub := pack.EncodeHeader(nil, r.hash, pack.DanglingParentCommit, 0, args.cfg.ContentsLengthHeader)
			if err := pf.WriteAt(stub, dst); err != nil {
				return err
			}
		} else {
			for copied := int64(0); copied < r.length; {
				n := r.length - copied
				if n > int64(len(copyBuf)) {
					n = int64(len(copyBuf))
				}
				if err := store.Dispatcher().ReadAt(copyBuf[:n], r.src+copied); err != nil {
					return err
				}
				if err := pf.WriteAt(copyBuf[:n], dst+copied); err != nil {
					return err
				}
				copied += n
			}
		}
		mappingBuf = mapping.EncodeEntry(mappingBuf, mapping.Entry{Src: r.src, Len: r.length, Dst: dst})
		dst += r.length
	}

	if args.cfg.UseFsync {
		if err := pf.Fsync(); err != nil {
			return err
		}
	}

	mf, err := fs.CreateRW(mappingPath, true)
	if err != nil {
		return err
	}
	if len(mappingBuf) > 0 {
		if err := mf.WriteAt(mappingBuf, 0); err != nil {
			_ = mf.Close()
			return err
		}
	}
	if args.cfg.UseFsync {
		if err := mf.Fsync(); err != nil {
			_ = mf.Close()
			return err
		}
	}
	return mf.Close()
}

// writeRangeScratch persists ranges as a zstd-compressed varint stream.
// The scratch files are diagnostics; finalise removes them.
func writeRangeScratch(path string, ranges []liveRange) error {
	var raw []byte
	var tmp [binary.MaxVarintLen64]byte
	for _, r := range ranges {
		n := binary.PutUvarint(tmp[:], uint64(r.src))
		raw = append(raw, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(r.length))
		raw = append(raw, tmp[:n]...)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return errors.WithStack(err)
	}
	compressed := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return errors.WithStack(err)
	}

	f, err := fs.CreateRW(path, true)
	if err != nil {
		return err
	}
	if err := f.WriteAt(compressed, 0); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
