// Package suffix implements the appendable portion of the store: a
// logical byte stream addressed by absolute store offsets, physically
// split across numbered chunk files. Only the last chunk accepts
// appends; add_chunk freezes it and opens the next one.
package suffix

import (
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/packstore/internal/aof"
	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fs"
	"github.com/skyline93/packstore/internal/layout"
)

// ErrMultipleEmptyChunks is reserved and never raised.
var ErrMultipleEmptyChunks = errors.New("multiple empty chunks")

type chunk struct {
	idx int
	ao  *aof.File
	// absStart is the absolute store offset of the chunk's first
	// physical byte. For the first live chunk this sits dead-bytes
	// below the suffix start offset.
	absStart int64
	// size is the logical byte count of the chunk. For the appendable
	// chunk it tracks the append-only file's end offset.
	size int64
}

// Suffix is the chunked suffix of a store.
type Suffix struct {
	root      string
	startIdx  int
	dead      int64
	chunks    []*chunk
	readonly  bool
	threshold int
	proc      aof.FlushProcedure
}

// CreateRW creates a fresh suffix holding the single empty chunk 0.
func CreateRW(root string, overwrite bool, threshold int, proc aof.FlushProcedure) (*Suffix, error) {
	ao, err := aof.CreateRW(layout.Suffix(root, 0), overwrite, threshold, proc)
	if err != nil {
		return nil, err
	}
	return &Suffix{
		root:      root,
		chunks:    []*chunk{{idx: 0, ao: ao}},
		threshold: threshold,
		proc:      proc,
	}, nil
}

// Params carries the control-file fields the suffix is opened from.
type Params struct {
	StartIdx int
	ChunkNum int
	// EndPoff is the logical end offset within the last chunk.
	EndPoff int64
	// StartOffset is the first live absolute offset.
	StartOffset int64
	// DeadBytes of pre-GC garbage lead the first chunk.
	DeadBytes int64
	// DeadHeaderSize is the legacy file header carried by chunk 0
	// after a v1/v2 migration; logical offsets are shifted past it.
	DeadHeaderSize int64
}

// OpenRW opens the chunk window described by p; only the last chunk is
// appendable.
func OpenRW(root string, p Params, threshold int, proc aof.FlushProcedure) (*Suffix, error) {
	return open(root, p, false, threshold, proc)
}

// OpenRO opens all chunks read-only.
func OpenRO(root string, p Params) (*Suffix, error) {
	return open(root, p, true, 0, aof.FlushProcedure{})
}

func open(root string, p Params, readonly bool, threshold int, proc aof.FlushProcedure) (*Suffix, error) {
	if p.ChunkNum < 1 {
		return nil, errors.Errorf("suffix: chunk_num must be positive, got %d", p.ChunkNum)
	}
	s := &Suffix{
		root:      root,
		startIdx:  p.StartIdx,
		dead:      p.DeadBytes,
		readonly:  readonly,
		threshold: threshold,
		proc:      proc,
	}
	absStart := p.StartOffset - p.DeadBytes
	for i := 0; i < p.ChunkNum; i++ {
		idx := p.StartIdx + i
		path := layout.Suffix(root, idx)
		last := i == p.ChunkNum-1
		header := int64(0)
		if idx == 0 {
			header = p.DeadHeaderSize
		}

		var ao *aof.File
		var size int64
		var err error
		switch {
		case last && !readonly:
			ao, err = aof.OpenRWHeader(path, p.EndPoff, header, threshold, proc)
			size = p.EndPoff
		case last:
			ao, err = aof.OpenROHeader(path, p.EndPoff, header)
			size = p.EndPoff
		default:
			// frozen chunks are logically their physical size
			var f *fs.File
			f, err = fs.OpenRO(path)
			if err == nil {
				size, err = f.Size()
				if err == nil {
					err = f.Close()
				}
			}
			if err == nil {
				size -= header
				ao, err = aof.OpenROHeader(path, size, header)
			}
		}
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.chunks = append(s.chunks, &chunk{idx: idx, ao: ao, absStart: absStart, size: size})
		absStart += size
	}
	return s, nil
}

func (s *Suffix) closeAll() {
	for _, c := range s.chunks {
		_ = c.ao.Close()
	}
}

func (s *Suffix) appendable() *chunk { return s.chunks[len(s.chunks)-1] }

// Readonly reports whether the suffix was opened read-only.
func (s *Suffix) Readonly() bool { return s.readonly }

// StartIdx returns the index of the first chunk in the window.
func (s *Suffix) StartIdx() int { return s.startIdx }

// ChunkNum returns the number of chunks in the window.
func (s *Suffix) ChunkNum() int { return len(s.chunks) }

// DeadBytes returns the pre-GC garbage byte count of the first chunk.
func (s *Suffix) DeadBytes() int64 { return s.dead }

// EndPoff returns the logical end offset within the appendable chunk,
// including buffered bytes.
func (s *Suffix) EndPoff() int64 { return s.appendable().ao.EndPoff() }

// StartOffset returns the first live absolute offset.
func (s *Suffix) StartOffset() int64 { return s.chunks[0].absStart + s.dead }

// EndOffset returns the absolute offset one past the last appended
// byte.
func (s *Suffix) EndOffset() int64 {
	c := s.appendable()
	return c.absStart + c.ao.EndPoff()
}

// Append appends b to the last chunk.
func (s *Suffix) Append(b []byte) error {
	if s.readonly {
		return errors.Wrap(fs.ErrRoNotAllowed, "suffix")
	}
	c := s.appendable()
	if err := c.ao.Append(b); err != nil {
		return err
	}
	c.size = c.ao.EndPoff()
	return nil
}

// Flush flushes the appendable chunk.
func (s *Suffix) Flush() error { return s.appendable().ao.Flush() }

// Fsync fsyncs the appendable chunk.
func (s *Suffix) Fsync() error { return s.appendable().ao.Fsync() }

// EmptyBuffer reports whether the appendable chunk has unflushed bytes.
func (s *Suffix) EmptyBuffer() bool { return s.appendable().ao.EmptyBuffer() }

// RefreshEndPoff updates the appendable chunk's logical end after a
// control reload on the read-only side.
func (s *Suffix) RefreshEndPoff(endPoff int64) {
	c := s.appendable()
	c.ao.RefreshEndPoff(endPoff)
	c.size = endPoff
}

// AddChunk freezes the appendable chunk and starts the next, empty one.
// The caller must flush first; the frozen chunk keeps serving reads.
func (s *Suffix) AddChunk() error {
	if s.readonly {
		return errors.Wrap(fs.ErrRoNotAllowed, "suffix")
	}
	c := s.appendable()
	if !c.ao.EmptyBuffer() {
		return errors.Wrap(aof.ErrPendingFlush, "add_chunk")
	}
	idx := c.idx + 1
	ao, err := aof.CreateRW(layout.Suffix(s.root, idx), false, s.threshold, s.proc)
	if err != nil {
		return err
	}
	log.Infof("suffix: started chunk %d at offset %d", idx, c.absStart+c.size)
	s.chunks = append(s.chunks, &chunk{idx: idx, ao: ao, absStart: c.absStart + c.size})
	return nil
}

// ReadAt fills buf from absolute offset off, crossing chunk boundaries
// if needed.
func (s *Suffix) ReadAt(buf []byte, off int64) error {
	if off < s.chunks[0].absStart {
		return errors.Wrapf(fs.ErrReadOutOfBounds, "suffix: offset %d below chunk window", off)
	}
	for _, c := range s.chunks {
		if len(buf) == 0 {
			return nil
		}
		if off >= c.absStart+c.size {
			continue
		}
		phys := off - c.absStart
		n := int64(len(buf))
		if rem := c.size - phys; n > rem {
			n = rem
		}
		if err := c.ao.ReadAt(buf[:n], phys); err != nil {
			return err
		}
		buf = buf[n:]
		off += n
	}
	if len(buf) != 0 {
		return errors.Wrapf(fs.ErrReadOutOfBounds, "suffix: read past end offset %d", s.EndOffset())
	}
	return nil
}

// ChunkInfo describes one chunk's place in the logical stream.
type ChunkInfo struct {
	Idx      int
	AbsStart int64
	Size     int64
}

// Chunks returns the in-memory chunk table.
func (s *Suffix) Chunks() []ChunkInfo {
	out := make([]ChunkInfo, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, ChunkInfo{Idx: c.idx, AbsStart: c.absStart, Size: c.size})
	}
	return out
}

// Close closes every chunk.
func (s *Suffix) Close() error {
	var firstErr error
	for _, c := range s.chunks {
		if err := c.ao.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
