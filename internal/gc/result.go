package gc

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"

	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fs"
	"github.com/skyline93/packstore/internal/layout"
)

// ErrCorruptedGcResultFile is reported when the worker's result record
// cannot be parsed.
var ErrCorruptedGcResultFile = errors.New("corrupted gc result file")

// SuffixParams describes the suffix window the new generation starts
// from.
type SuffixParams struct {
	StartOffset   int64 `json:"start_offset"`
	ChunkStartIdx int   `json:"chunk_start_idx"`
	DeadBytes     int64 `json:"dead_bytes"`
}

// Stats are the worker's run statistics.
type Stats struct {
	LiveObjects   int   `json:"live_objects"`
	LiveBytes     int64 `json:"live_bytes"`
	MappedRanges  int   `json:"mapped_ranges"`
	DanglingStubs int   `json:"dangling_stubs"`
}

// Result is the self-describing record the worker leaves behind on
// success.
type Result struct {
	Generation         int          `json:"generation"`
	CommitOffset       int64        `json:"commit_offset"`
	SuffixParams       SuffixParams `json:"suffix_params"`
	RemovableChunkIdxs []int        `json:"removable_chunk_idxs"`
	Stats              Stats        `json:"stats"`
}

// writeResult persists r as the zstd-compressed result record for gen.
func writeResult(root string, gen int, r *Result) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return errors.WithStack(err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return errors.WithStack(err)
	}
	compressed := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return errors.WithStack(err)
	}

	f, err := fs.CreateRW(layout.GCResult(root, gen), true)
	if err != nil {
		return err
	}
	if err := f.WriteAt(compressed, 0); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Fsync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readResult loads and validates the result record for gen.
func readResult(root string, gen int) (*Result, error) {
	f, err := fs.OpenRO(layout.GCResult(root, gen))
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	buf := make([]byte, size)
	if size > 0 {
		err = f.ReadAt(buf, 0)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(buf, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptedGcResultFile, "%v", err)
	}

	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrapf(ErrCorruptedGcResultFile, "%v", err)
	}
	if r.Generation != gen {
		return nil, errors.Wrapf(ErrCorruptedGcResultFile,
			"generation mismatch: record says %d, expected %d", r.Generation, gen)
	}
	return &r, nil
}
