// Package control reads and writes the store's control file: a single
// small versioned payload describing the offsets, the chunk window and
// the GC status. The file is rewritten in place on every update; the
// payload carries a checksum so a torn write is detected on open.
package control

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/packstore/internal/errors"
	"github.com/skyline93/packstore/internal/fs"
)

var (
	ErrCorruptedControlFile    = errors.New("corrupted control file")
	ErrStoreFromTheFuture      = errors.New("store version is from the future")
	ErrUnknownMajorPackVersion = errors.New("unknown major pack version")
	ErrUnknownStatus           = errors.New("unknown control-file status")
)

var magic = [4]byte{'p', 'k', 's', 't'}

// Versions understood by this implementation. Version 3 stores are
// readable and upgraded in place; anything above current is refused.
const (
	versionV3      = 3
	versionCurrent = 4
)

// Status is the GC state recorded in the payload.
type Status interface {
	isStatus()
}

// NoGCYet marks a store no GC has run on.
type NoGCYet struct{}

// UsedNonMinimalIndexingStrategy marks a store that indexed more than
// commits at some point; GC is permanently disallowed on it.
type UsedNonMinimalIndexingStrategy struct{}

// FromV1V2PostUpgrade marks a store migrated from the legacy monolithic
// pack layout.
type FromV1V2PostUpgrade struct {
	EntryOffsetAtUpgrade int64
}

// Gced records the layout produced by the latest completed GC.
type Gced struct {
	SuffixStartOffset    int64
	Generation           int
	LatestGCTargetOffset int64
	SuffixDeadBytes      int64
}

// Reserved is a forward-compatibility status tag (T1..T15). It is
// parsed without interpretation; RW open refuses it.
type Reserved struct {
	Tag int
}

func (NoGCYet) isStatus()                        {}
func (UsedNonMinimalIndexingStrategy) isStatus() {}
func (FromV1V2PostUpgrade) isStatus()            {}
func (Gced) isStatus()                           {}
func (Reserved) isStatus()                       {}

// Payload is the full control-file schema.
type Payload struct {
	DictEndPoff        int64
	SuffixEndPoff      int64
	Status             Status
	UpgradedFromV3ToV4 bool
	ChunkStartIdx      int
	ChunkNum           int
}

// Generation returns the current generation, zero before the first GC.
func (pl Payload) Generation() int {
	if s, ok := pl.Status.(Gced); ok {
		return s.Generation
	}
	return 0
}

// SuffixStartOffset returns the absolute offset the live suffix starts
// at, zero before the first GC.
func (pl Payload) SuffixStartOffset() int64 {
	if s, ok := pl.Status.(Gced); ok {
		return s.SuffixStartOffset
	}
	return 0
}

// SuffixDeadBytes returns the count of pre-GC garbage bytes at the head
// of the first live chunk.
func (pl Payload) SuffixDeadBytes() int64 {
	if s, ok := pl.Status.(Gced); ok {
		return s.SuffixDeadBytes
	}
	return 0
}

// Equal reports whether two payloads are identical.
func (pl Payload) Equal(other Payload) bool {
	return pl == other
}

// status tags on disk
const (
	tagFromV1V2PostUpgrade byte = iota
	tagNoGCYet
	tagUsedNonMinimalIndexingStrategy
	tagGced
	tagReservedBase // tagReservedBase+n encodes T(n+1) for n in [0,15)
)

const (
	headerSize  = len(magic) + 4
	payloadSize = 8 + 8 + 8 + 1 + 4*8 + 1 + 4 + 4
	fileSize    = int64(headerSize + payloadSize)
)

func encodePayload(pl Payload) ([]byte, error) {
	buf := make([]byte, fileSize)
	copy(buf, magic[:])
	binary.BigEndian.PutUint32(buf[4:], versionCurrent)

	b := buf[headerSize:]
	binary.BigEndian.PutUint64(b[0:], uint64(pl.DictEndPoff))
	binary.BigEndian.PutUint64(b[8:], uint64(pl.SuffixEndPoff))
	// b[16:24] is the checksum, filled below
	st := b[24:]
	switch s := pl.Status.(type) {
	case FromV1V2PostUpgrade:
		st[0] = tagFromV1V2PostUpgrade
		binary.BigEndian.PutUint64(st[1:], uint64(s.EntryOffsetAtUpgrade))
	case NoGCYet:
		st[0] = tagNoGCYet
	case UsedNonMinimalIndexingStrategy:
		st[0] = tagUsedNonMinimalIndexingStrategy
	case Gced:
		st[0] = tagGced
		binary.BigEndian.PutUint64(st[1:], uint64(s.SuffixStartOffset))
		binary.BigEndian.PutUint64(st[9:], uint64(s.Generation))
		binary.BigEndian.PutUint64(st[17:], uint64(s.LatestGCTargetOffset))
		binary.BigEndian.PutUint64(st[25:], uint64(s.SuffixDeadBytes))
	case Reserved:
		st[0] = tagReservedBase + byte(s.Tag-1)
	default:
		return nil, errors.Errorf("unencodable status %T", pl.Status)
	}
	rest := b[24+1+4*8:]
	if pl.UpgradedFromV3ToV4 {
		rest[0] = 1
	}
	binary.BigEndian.PutUint32(rest[1:], uint32(pl.ChunkStartIdx))
	binary.BigEndian.PutUint32(rest[5:], uint32(pl.ChunkNum))

	binary.BigEndian.PutUint64(b[16:], checksum(b))
	return buf, nil
}

// checksum hashes the payload bytes with the checksum field zeroed,
// truncated to 63 bits.
func checksum(b []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(b[:16])
	var zero [8]byte
	_, _ = d.Write(zero[:])
	_, _ = d.Write(b[24:])
	return d.Sum64() >> 1
}

func decodePayload(buf []byte) (Payload, error) {
	if len(buf) != int(fileSize) || string(buf[:4]) != string(magic[:]) {
		return Payload{}, errors.WithStack(ErrCorruptedControlFile)
	}
	version := binary.BigEndian.Uint32(buf[4:])
	switch {
	case version > versionCurrent:
		return Payload{}, errors.Wrapf(ErrStoreFromTheFuture, "version %d", version)
	case version < versionV3:
		return Payload{}, errors.Wrapf(ErrUnknownMajorPackVersion, "version %d", version)
	}

	b := buf[headerSize:]
	if binary.BigEndian.Uint64(b[16:]) != checksum(b) {
		return Payload{}, errors.Wrap(ErrCorruptedControlFile, "checksum mismatch")
	}

	pl := Payload{
		DictEndPoff:   int64(binary.BigEndian.Uint64(b[0:])),
		SuffixEndPoff: int64(binary.BigEndian.Uint64(b[8:])),
	}
	st := b[24:]
	switch tag := st[0]; {
	case tag == tagFromV1V2PostUpgrade:
		pl.Status = FromV1V2PostUpgrade{EntryOffsetAtUpgrade: int64(binary.BigEndian.Uint64(st[1:]))}
	case tag == tagNoGCYet:
		pl.Status = NoGCYet{}
	case tag == tagUsedNonMinimalIndexingStrategy:
		pl.Status = UsedNonMinimalIndexingStrategy{}
	case tag == tagGced:
		pl.Status = Gced{
			SuffixStartOffset:    int64(binary.BigEndian.Uint64(st[1:])),
			Generation:           int(binary.BigEndian.Uint64(st[9:])),
			LatestGCTargetOffset: int64(binary.BigEndian.Uint64(st[17:])),
			SuffixDeadBytes:      int64(binary.BigEndian.Uint64(st[25:])),
		}
	case tag >= tagReservedBase && tag < tagReservedBase+15:
		pl.Status = Reserved{Tag: int(tag-tagReservedBase) + 1}
	default:
		return Payload{}, errors.Wrapf(ErrUnknownStatus, "tag 0x%02x", st[0])
	}
	rest := b[24+1+4*8:]
	pl.UpgradedFromV3ToV4 = rest[0] == 1
	pl.ChunkStartIdx = int(binary.BigEndian.Uint32(rest[1:]))
	pl.ChunkNum = int(binary.BigEndian.Uint32(rest[5:]))

	if version == versionV3 {
		pl.UpgradedFromV3ToV4 = true
	}
	return pl, nil
}

// ControlFile holds the open control file and a cached copy of its
// payload.
type ControlFile struct {
	f        *fs.File
	payload  Payload
	useFsync bool
}

// CreateRW creates the control file at path holding pl.
func CreateRW(path string, overwrite bool, pl Payload, useFsync bool) (*ControlFile, error) {
	f, err := fs.CreateRW(path, overwrite)
	if err != nil {
		return nil, err
	}
	t := &ControlFile{f: f, payload: pl, useFsync: useFsync}
	if err := t.SetPayload(pl); err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

// Open opens an existing control file, parses and validates it.
func Open(path string, readonly, useFsync bool) (*ControlFile, error) {
	var f *fs.File
	var err error
	if readonly {
		f, err = fs.OpenRO(path)
	} else {
		f, err = fs.OpenRW(path, false)
	}
	if err != nil {
		return nil, err
	}
	t := &ControlFile{f: f, useFsync: useFsync}
	if err := t.Reload(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

// Payload returns the cached payload.
func (t *ControlFile) Payload() Payload { return t.payload }

// Readonly reports whether the file was opened read-only.
func (t *ControlFile) Readonly() bool { return t.f.Readonly() }

// File exposes the underlying handle so the file manager can take the
// writer lock on it.
func (t *ControlFile) File() *fs.File { return t.f }

// SetPayload encodes pl, rewrites the file and fsyncs when configured.
func (t *ControlFile) SetPayload(pl Payload) error {
	if t.f.Readonly() {
		return errors.WithStack(fs.ErrRoNotAllowed)
	}
	buf, err := encodePayload(pl)
	if err != nil {
		return err
	}
	if err := t.f.WriteAt(buf, 0); err != nil {
		return err
	}
	if t.useFsync {
		if err := t.f.Fsync(); err != nil {
			return err
		}
	}
	log.Debugf("control payload written: suffix_end=%d dict_end=%d chunks=[%d,%d)",
		pl.SuffixEndPoff, pl.DictEndPoff, pl.ChunkStartIdx, pl.ChunkStartIdx+pl.ChunkNum)
	t.payload = pl
	return nil
}

// Reload re-reads the payload from disk.
func (t *ControlFile) Reload() error {
	size, err := t.f.Size()
	if err != nil {
		return err
	}
	if size != fileSize {
		return errors.Wrapf(ErrCorruptedControlFile, "unexpected size %d", size)
	}
	buf := make([]byte, fileSize)
	if err := t.f.ReadAt(buf, 0); err != nil {
		return err
	}
	pl, err := decodePayload(buf)
	if err != nil {
		return err
	}
	t.payload = pl
	return nil
}

// Close closes the control file.
func (t *ControlFile) Close() error { return t.f.Close() }
