// Index is a fixed-record-size positional index over partition offsets.
// Each 16-byte Entry records a global document number, its byte offset
// and on-disk size inside its partition, and the partition's numeric id.
// Fixed width gives O(1) random access: entry N lives at
// header-size + (N-1)*EntryWidth.
package nestor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
)

// EntrySize is the fixed on-disk width of one Index Entry.
const EntrySize = 16

// Entry addresses one document: its global sequence number, its byte
// offset inside its partition, the on-disk byte length of its frame
// (including framing overhead), and the numeric id of the partition
// that holds it.
type Entry struct {
	Number    uint32
	Position  uint32
	Size      uint32
	Partition uint32
}

func (e Entry) encode() []byte {
	buf := make([]byte, EntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], e.Number)
	binary.LittleEndian.PutUint32(buf[4:8], e.Position)
	binary.LittleEndian.PutUint32(buf[8:12], e.Size)
	binary.LittleEndian.PutUint32(buf[12:16], e.Partition)
	return buf
}

func decodeEntry(buf []byte) Entry {
	return Entry{
		Number:    binary.LittleEndian.Uint32(buf[0:4]),
		Position:  binary.LittleEndian.Uint32(buf[4:8]),
		Size:      binary.LittleEndian.Uint32(buf[8:12]),
		Partition: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// indexMetadata is the JSON blob persisted in an Index's header,
// recording how its matcher can be reconstructed on reopen.
type indexMetadata struct {
	MatcherKind   string          `json:"matcherKind"`
	MatcherShape  json.RawMessage `json:"matcherShape,omitempty"`
	MatcherSource string          `json:"matcherSource,omitempty"`
}

func metadataFor(m Matcher) (indexMetadata, error) {
	if m == nil {
		return indexMetadata{MatcherKind: "none"}, nil
	}
	switch mm := m.(type) {
	case ShapeMatcher:
		shape, err := json.Marshal(mm.Shape)
		if err != nil {
			return indexMetadata{}, err
		}
		return indexMetadata{MatcherKind: "shape", MatcherShape: shape}, nil
	case PredicateMatcher:
		return indexMetadata{MatcherKind: "predicate", MatcherSource: mm.Source}, nil
	default:
		return indexMetadata{}, fmt.Errorf("nestor: unknown matcher type %T", m)
	}
}

// Index is a fixed-record positional index file.
type Index struct {
	mu         sync.Mutex
	path       string
	name       string
	file       *os.File
	open       bool
	headerSize int64
	secret     []byte
	metadata   indexMetadata

	length    int
	lastEntry Entry
	hasLast   bool

	storedHMAC      []byte
	storedMetaBytes []byte

	flushCallbacks []func(error)
}

// OpenIndex opens or creates the index file dir/name. When the file is
// created, matcher is recorded in its header metadata (a nil matcher is
// recorded as kind "none", as for the primary index). When the file
// already exists, matcher is ignored and the stored metadata is loaded
// as it is; comparing a supplied matcher against it is left to the
// caller (Storage.EnsureIndex).
func OpenIndex(dir, name string, matcher Matcher, secret []byte) (*Index, error) {
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	idx := &Index{path: path, name: name, file: file, open: true, secret: secret}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if info.Size() == 0 {
		meta, err := metadataFor(matcher)
		if err != nil {
			file.Close()
			return nil, err
		}
		idx.metadata = meta
		if err := idx.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := idx.readHeader(); err != nil {
			file.Close()
			return nil, err
		}
		if secret != nil {
			if err := idx.verifyHMAC(); err != nil {
				file.Close()
				return nil, err
			}
		}
		if err := idx.dropTornTail(info.Size()); err != nil {
			file.Close()
			return nil, err
		}
	}

	return idx, nil
}

func (idx *Index) writeHeader() error {
	metaBytes, err := json.Marshal(idx.metadata)
	if err != nil {
		return err
	}

	mac := make([]byte, sha256.Size)
	if idx.secret != nil {
		h := hmac.New(sha256.New, idx.secret)
		h.Write(metaBytes)
		mac = h.Sum(nil)
	}

	header := make([]byte, 0, 8+2+4+len(metaBytes)+sha256.Size)
	header = append(header, []byte(HeaderMagic)...)
	widthBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(widthBuf, uint16(EntrySize))
	header = append(header, widthBuf...)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(metaBytes)))
	header = append(header, lenBuf...)
	header = append(header, metaBytes...)
	header = append(header, mac...)

	if _, err := idx.file.WriteAt(header, 0); err != nil {
		return err
	}
	idx.headerSize = int64(len(header))
	return idx.file.Sync()
}

func (idx *Index) readHeader() error {
	prefix := make([]byte, 14)
	if _, err := idx.file.ReadAt(prefix, 0); err != nil {
		return &CorruptFileError{File: idx.name, Reason: "cannot read header: " + err.Error()}
	}
	if string(prefix[0:8]) != HeaderMagic {
		return &CorruptFileError{File: idx.name, Reason: "bad magic"}
	}
	width := binary.LittleEndian.Uint16(prefix[8:10])
	if width != EntrySize {
		return &CorruptFileError{File: idx.name, Reason: "unsupported entry width"}
	}
	metaLen := binary.LittleEndian.Uint32(prefix[10:14])

	rest := make([]byte, int(metaLen)+sha256.Size)
	if _, err := idx.file.ReadAt(rest, 14); err != nil {
		return &CorruptFileError{File: idx.name, Reason: "cannot read metadata/hmac: " + err.Error()}
	}
	metaBytes := rest[:metaLen]
	if err := json.Unmarshal(metaBytes, &idx.metadata); err != nil {
		return &CorruptFileError{File: idx.name, Reason: "corrupt metadata json"}
	}
	idx.headerSize = 14 + int64(metaLen) + sha256.Size
	idx.storedHMAC = append([]byte(nil), rest[metaLen:]...)
	idx.storedMetaBytes = metaBytes
	return nil
}

func (idx *Index) verifyHMAC() error {
	h := hmac.New(sha256.New, idx.secret)
	h.Write(idx.storedMetaBytes)
	computed := h.Sum(nil)
	if !hmac.Equal(computed, idx.storedHMAC) {
		return &CorruptFileError{File: idx.name, Reason: "HMAC mismatch"}
	}
	return nil
}

// dropTornTail silently truncates any trailing bytes that don't form a
// complete EntrySize record. Unlike Partition's torn-tail handling this
// raises no error: a half-written index record reflects a writer that
// died between the partition write and the index append, and is simply
// not yet part of the index.
func (idx *Index) dropTornTail(fileSize int64) error {
	recordBytes := fileSize - idx.headerSize
	if recordBytes < 0 {
		recordBytes = 0
	}
	n := recordBytes / EntrySize
	clean := idx.headerSize + n*EntrySize
	if clean != fileSize {
		if err := idx.file.Truncate(clean); err != nil {
			return err
		}
	}
	idx.length = int(n)
	if n > 0 {
		buf := make([]byte, EntrySize)
		if _, err := idx.file.ReadAt(buf, clean-EntrySize); err != nil {
			return err
		}
		idx.lastEntry = decodeEntry(buf)
		idx.hasLast = true
	}
	return nil
}

// Metadata returns the persisted matcher metadata for this index: its
// kind ("none", "shape" or "predicate"), the raw shape JSON (nil unless
// kind is "shape"), and the predicate's source text (empty unless kind
// is "predicate").
func (idx *Index) Metadata() (kind string, shape json.RawMessage, source string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.metadata.MatcherKind, idx.metadata.MatcherShape, idx.metadata.MatcherSource
}

// Length returns the number of entries currently in the index.
func (idx *Index) Length() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.length
}

// LastEntry returns the most recently appended entry and whether one
// exists.
func (idx *Index) LastEntry() (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.lastEntry, idx.hasLast
}

// Close flushes and closes the index file.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.open {
		return nil
	}
	idx.open = false
	return idx.file.Close()
}

// Add appends entry. The in-memory length is incremented before the
// write completes so callers (Storage.Write) can compute the next
// sequence number without blocking on durability. cb, if non-nil, fires
// once the record is durably written.
func (idx *Index) Add(entry Entry, cb func(error)) (int64, error) {
	idx.mu.Lock()
	if !idx.open {
		idx.mu.Unlock()
		return -1, ErrNotOpen
	}
	position := idx.headerSize + int64(idx.length)*EntrySize
	idx.length++
	idx.lastEntry = entry
	idx.hasLast = true
	idx.mu.Unlock()

	_, err := idx.file.WriteAt(entry.encode(), position)
	if cb != nil {
		cb(err)
	}
	if err != nil {
		return -1, err
	}
	return position, nil
}

// Get returns the entry numbered n (1-based). ok is false for n<1 or
// n>Length.
func (idx *Index) Get(n int) (Entry, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.open {
		return Entry{}, false, ErrNotOpen
	}
	if n < 1 || n > idx.length {
		return Entry{}, false, nil
	}
	buf := make([]byte, EntrySize)
	offset := idx.headerSize + int64(n-1)*EntrySize
	if _, err := idx.file.ReadAt(buf, offset); err != nil {
		return Entry{}, false, err
	}
	return decodeEntry(buf), true, nil
}

// Truncate shrinks the index to its first afterNumber entries.
// Idempotent beyond the current length.
func (idx *Index) Truncate(afterNumber int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.open {
		return ErrNotOpen
	}
	if afterNumber < 0 {
		afterNumber = 0
	}
	if afterNumber >= idx.length {
		return nil
	}
	newSize := idx.headerSize + int64(afterNumber)*EntrySize
	if err := idx.file.Truncate(newSize); err != nil {
		return err
	}
	idx.length = afterNumber
	if afterNumber == 0 {
		idx.hasLast = false
		idx.lastEntry = Entry{}
		return nil
	}
	buf := make([]byte, EntrySize)
	if _, err := idx.file.ReadAt(buf, newSize-EntrySize); err != nil {
		return err
	}
	idx.lastEntry = decodeEntry(buf)
	idx.hasLast = true
	return nil
}

// Range returns a lazy, finite, non-restartable sequence of entries
// between from and until (inclusive), both 1-based. Negative bounds
// count from the end (-K means length-K+1). Iteration runs in reverse
// when the normalized from is greater than until. An out-of-range bound
// is only reported as a RangeError on the first advance of the sequence,
// not at this call.
func (idx *Index) Range(from, until int) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		idx.mu.Lock()
		if !idx.open {
			idx.mu.Unlock()
			yield(Entry{}, ErrNotOpen)
			return
		}
		length := idx.length
		idx.mu.Unlock()

		normFrom, normUntil, reverse, ok := normalizeRange(from, until, length)
		if !ok {
			yield(Entry{}, &RangeError{From: from, Until: until, Length: length})
			return
		}

		step := 1
		if reverse {
			step = -1
		}
		for n := normFrom; ; n += step {
			entry, ok, err := idx.Get(n)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(entry, nil) {
				return
			}
			if n == normUntil {
				return
			}
		}
	}
}

// All returns a lazy, finite, non-restartable sequence of every entry in
// the index, from first to last.
func (idx *Index) All() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		idx.mu.Lock()
		length := idx.length
		idx.mu.Unlock()
		if length == 0 {
			return
		}
		for entry, err := range idx.Range(1, length) {
			if !yield(entry, err) {
				return
			}
		}
	}
}

// RotateSecret re-signs the index's metadata header under a new HMAC
// secret, in place, with no temporary file: only the small header needs
// rewriting, never the entry records themselves.
func (idx *Index) RotateSecret(newSecret []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.open {
		return ErrNotOpen
	}
	idx.secret = newSecret
	metaBytes, err := json.Marshal(idx.metadata)
	if err != nil {
		return err
	}
	mac := make([]byte, sha256.Size)
	if newSecret != nil {
		h := hmac.New(sha256.New, newSecret)
		h.Write(metaBytes)
		mac = h.Sum(nil)
	}
	macOffset := 14 + int64(len(metaBytes))
	if _, err := idx.file.WriteAt(mac, macOffset); err != nil {
		return err
	}
	idx.storedHMAC = mac
	idx.storedMetaBytes = metaBytes
	return idx.file.Sync()
}
