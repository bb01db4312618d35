// Storage is the façade that multiplexes writes across partitions,
// maintains a primary index and zero-or-more secondary indexes kept
// consistent with the log, and enforces exclusive-writer semantics via
// a filesystem lock.
package nestor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
)

// Storage states, mirroring Partition/Index's simpler open/closed model
// with one addition: StateNone blocks all readers and writers during
// RepairPrimaryIndex's exclusive rescan window.
const (
	storageStateAll = iota
	storageStateNone
	storageStateClosed
)

// IndexerFunc inspects a document being written and, if it should be
// auto-indexed, returns the secondary index's name and matcher. ok=false
// means "this document doesn't trigger an auto-created index".
type IndexerFunc func(doc any) (name string, matcher Matcher, ok bool)

type secondaryIndex struct {
	index   *Index
	matcher Matcher
}

// Storage is an open, writable event storage directory.
type Storage struct {
	mu    sync.RWMutex
	cond  *sync.Cond
	state atomic.Int32

	cfg Config

	lockFile *os.File
	lock     *fileLock

	pmap *partitionMap

	partMu     sync.Mutex
	partitions map[string]*Partition
	primary    *Index
	secondary  map[string]*secondaryIndex
	indexers   []IndexerFunc

	length int

	em *emitter
}

// Open opens or creates a writable Storage rooted at cfg.DataDirectory.
// It acquires the directory's exclusive writer lock; contention returns
// ErrStorageLocked immediately rather than blocking.
func Open(cfg Config) (*Storage, error) {
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.DataDirectory, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.IndexDirectory, 0755); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(cfg.DataDirectory, cfg.StorageFile+".lock")
	lockFile, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	lock := &fileLock{f: lockFile}
	if err := lock.TryLock(LockExclusive); err != nil {
		lockFile.Close()
		return nil, ErrStorageLocked
	}

	pmap, err := openPartitionMap(filepath.Join(cfg.DataDirectory, cfg.StorageFile+".partitions"))
	if err != nil {
		lock.Unlock()
		lockFile.Close()
		return nil, err
	}

	primary, err := OpenIndex(cfg.IndexDirectory, indexFileName(cfg.StorageFile, ""), nil, cfg.HMACSecret)
	if err != nil {
		pmap.close()
		lock.Unlock()
		lockFile.Close()
		return nil, err
	}

	s := &Storage{
		cfg:        cfg,
		lockFile:   lockFile,
		lock:       lock,
		pmap:       pmap,
		partitions: make(map[string]*Partition),
		primary:    primary,
		secondary:  make(map[string]*secondaryIndex),
		length:     primary.Length(),
		em:         newEmitter(),
	}
	s.cond = sync.NewCond(&sync.Mutex{})

	return s, nil
}

// Close flushes and closes every open partition and index, then releases
// the writer lock. Calling Close twice is safe.
func (s *Storage) Close() error {
	s.cond.L.Lock()
	alreadyClosed := s.state.Load() == storageStateClosed
	s.state.Store(storageStateClosed)
	s.cond.Broadcast()
	s.cond.L.Unlock()
	if alreadyClosed {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, p := range s.partitions {
		note(p.Close())
	}
	note(s.primary.Close())
	for _, si := range s.secondary {
		note(si.index.Close())
	}
	note(s.pmap.close())
	note(s.lock.Unlock())
	note(s.lockFile.Close())

	return firstErr
}

// blockWrite waits for an exclusive maintenance window (RepairPrimaryIndex)
// to finish, then returns holding s.mu for writing.
func (s *Storage) blockWrite() error {
	if s.state.Load() == storageStateClosed {
		return ErrNotOpen
	}
	s.cond.L.Lock()
	for s.state.Load() == storageStateNone {
		s.cond.Wait()
	}
	if s.state.Load() == storageStateClosed {
		s.cond.L.Unlock()
		return ErrNotOpen
	}
	s.cond.L.Unlock()
	s.mu.Lock()
	return nil
}

func (s *Storage) blockRead() error {
	if s.state.Load() == storageStateClosed {
		return ErrNotOpen
	}
	s.cond.L.Lock()
	for s.state.Load() == storageStateNone {
		s.cond.Wait()
	}
	if s.state.Load() == storageStateClosed {
		s.cond.L.Unlock()
		return ErrNotOpen
	}
	s.cond.L.Unlock()
	s.mu.RLock()
	return nil
}

// getOrOpenPartitionLocked returns the open Partition for id, opening its
// file on first use. Guarded by its own mutex rather than s.mu, since
// reads need to lazily open a partition while holding only s.mu.RLock().
func (s *Storage) getOrOpenPartitionLocked(id string) (*Partition, error) {
	s.partMu.Lock()
	defer s.partMu.Unlock()

	if p, ok := s.partitions[id]; ok {
		return p, nil
	}
	name := fileNameFor(s.cfg.StorageFile, id)
	p, err := OpenPartition(s.cfg.DataDirectory, name, s.cfg)
	if err != nil {
		return nil, err
	}
	s.partitions[id] = p
	s.em.emit(evPartitionNew, id)
	return p, nil
}

// GetPartition returns the open Partition for id, if any.
func (s *Storage) GetPartition(id string) (*Partition, bool) {
	s.partMu.Lock()
	defer s.partMu.Unlock()
	p, ok := s.partitions[id]
	return p, ok
}

// Length returns the number of documents written to the primary index.
func (s *Storage) Length() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// Matches reports whether doc is accepted by matcher.
func (s *Storage) Matches(doc any, matcher Matcher) bool {
	return Matches(doc, matcher)
}

// Flush flushes every open partition.
func (s *Storage) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.partitions {
		if err := p.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// AddIndexer registers fn to be consulted on every Write, in
// registration order, to auto-create secondary indexes on first match.
func (s *Storage) AddIndexer(fn IndexerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexers = append(s.indexers, fn)
}

// Write serializes doc, appends it to the partition its Partitioner
// selects, records a primary Index Entry, and evaluates every secondary
// index (and registered indexer) against it. It returns the assigned
// 1-based sequence number. cb, if non-nil, fires once the write is
// durably flushed to its partition.
func (s *Storage) Write(doc any, cb func(error)) (int, error) {
	if err := s.blockWrite(); err != nil {
		return -1, err
	}
	defer s.mu.Unlock()

	payload, err := s.cfg.Serializer.Serialize(doc)
	if err != nil {
		return -1, err
	}

	number := uint32(s.length + 1)
	partitionID := s.cfg.Partitioner(doc, number)

	partition, err := s.getOrOpenPartitionLocked(partitionID)
	if err != nil {
		return -1, err
	}
	pid, err := s.pmap.idFor(partitionID)
	if err != nil {
		return -1, err
	}

	offset, err := partition.Write([]byte(payload), cb)
	if err != nil {
		return -1, err
	}

	framedSize := uint32(frameOverhead + len(payload))
	entry := Entry{Number: number, Position: uint32(offset), Size: framedSize, Partition: pid}

	if _, err := s.primary.Add(entry, nil); err != nil {
		return -1, err
	}
	s.length++

	justCreated := make(map[string]bool)
	for _, fn := range s.indexers {
		name, matcher, ok := fn(doc)
		if !ok || name == "" {
			continue
		}
		if _, exists := s.secondary[name]; exists {
			continue
		}
		_, statErr := os.Stat(filepath.Join(s.cfg.IndexDirectory, indexFileName(s.cfg.StorageFile, name)))
		built := statErr != nil
		if _, err := s.ensureIndexLocked(name, matcher); err != nil {
			return -1, err
		}
		// buildIndexLocked's scan already covers this write's own entry
		// (the primary index was appended to above), so the acceptance
		// loop below must not re-evaluate and double-add it. An index
		// opened from an existing file was not scanned and still goes
		// through that loop.
		if built {
			justCreated[name] = true
		}
	}

	for name, si := range s.secondary {
		if justCreated[name] {
			continue
		}
		if Matches(doc, si.matcher) {
			if _, err := si.index.Add(entry, nil); err != nil {
				return -1, err
			}
			s.em.emit(evIndexAdd, name, entry.Number, doc)
		}
	}

	s.em.emit(evWrote, doc, entry, offset)
	s.em.emit(evIndexAdd, "", entry.Number, doc)
	return int(number), nil
}

// readEntryLocked deserializes the document an Entry points at. Caller
// holds s.mu for at least reading.
func (s *Storage) readEntryLocked(entry Entry) (any, error) {
	id, ok := s.pmap.nameFor(entry.Partition)
	if !ok {
		return nil, fmt.Errorf("nestor: unknown partition id %d", entry.Partition)
	}
	partition, err := s.getOrOpenPartitionLocked(id)
	if err != nil {
		return nil, err
	}
	data, ok, err := partition.ReadFrom(int64(entry.Position), int(entry.Size))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &CorruptFileError{File: fileNameFor(s.cfg.StorageFile, id), Reason: "index points past partition end"}
	}
	return s.cfg.Serializer.Deserialize(string(data))
}

// IndexLength returns the current length of the named index (the
// primary index if indexName is empty).
func (s *Storage) IndexLength(indexName string) (int, error) {
	if err := s.blockRead(); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()
	idx, err := s.indexByNameLocked(indexName)
	if err != nil {
		return 0, err
	}
	return idx.Length(), nil
}

// Read returns the document numbered number in the given index (the
// primary index if indexName is empty). ok is false if number has no
// entry in that index.
func (s *Storage) Read(number int, indexName string) (any, bool, error) {
	if err := s.blockRead(); err != nil {
		return nil, false, err
	}
	defer s.mu.RUnlock()

	idx, err := s.indexByNameLocked(indexName)
	if err != nil {
		return nil, false, err
	}

	entry, ok, err := idx.Get(number)
	if err != nil || !ok {
		return nil, false, err
	}

	doc, err := s.readEntryLocked(entry)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// indexByNameLocked resolves "" to the primary index and otherwise looks
// up an already-open secondary index. Caller holds s.mu.
func (s *Storage) indexByNameLocked(name string) (*Index, error) {
	if name == "" {
		return s.primary, nil
	}
	si, ok := s.secondary[name]
	if !ok {
		return nil, ErrIndexNotFound
	}
	return si.index, nil
}

// Truncate shrinks the primary index (and every open secondary index and
// partition) to retain only entries numbered ≤ afterNumber.
func (s *Storage) Truncate(afterNumber int) error {
	if err := s.blockWrite(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if afterNumber < 0 {
		afterNumber = 0
	}
	if afterNumber >= s.length {
		return nil
	}

	for id, partition := range s.partitions {
		pid, err := s.pmap.idFor(id)
		if err != nil {
			return err
		}
		keepUpTo, err := s.highestOffsetForPartitionLocked(s.primary, pid, afterNumber)
		if err != nil {
			return err
		}
		if err := partition.Truncate(keepUpTo); err != nil {
			return err
		}
	}

	if err := s.primary.Truncate(afterNumber); err != nil {
		return err
	}
	s.length = afterNumber

	for _, si := range s.secondary {
		cut := afterNumber
		for si.index.Length() > 0 {
			last, _ := si.index.LastEntry()
			if int(last.Number) <= cut {
				break
			}
			if err := si.index.Truncate(si.index.Length() - 1); err != nil {
				return err
			}
		}
	}

	return nil
}

// highestOffsetForPartitionLocked finds the offset one past the highest
// primary-index entry with number ≤ afterNumber that belongs to
// partition pid, or PartitionHeaderSize if none do.
func (s *Storage) highestOffsetForPartitionLocked(idx *Index, pid uint32, afterNumber int) (int64, error) {
	keep := int64(PartitionHeaderSize)
	for n := 1; n <= afterNumber; n++ {
		entry, ok, err := idx.Get(n)
		if err != nil {
			return 0, err
		}
		if !ok || entry.Partition != pid {
			continue
		}
		end := int64(entry.Position) + int64(entry.Size)
		if end > keep {
			keep = end
		}
	}
	return keep, nil
}

// EnsureIndex returns the named secondary index, opening it from disk if
// it exists, or building it from the existing log if it does not (in
// which case matcher is required). Primary-entries documents not
// matching the stored/supplied matcher are skipped.
func (s *Storage) EnsureIndex(name string, matcher Matcher) (*Index, error) {
	if err := s.blockWrite(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.ensureIndexLocked(name, matcher)
}

func (s *Storage) ensureIndexLocked(name string, matcher Matcher) (*Index, error) {
	if si, ok := s.secondary[name]; ok {
		return si.index, nil
	}

	fileName := indexFileName(s.cfg.StorageFile, name)
	path := filepath.Join(s.cfg.IndexDirectory, fileName)
	_, statErr := os.Stat(path)
	exists := statErr == nil

	if !exists {
		if matcher == nil {
			return nil, ErrMatcherRequired
		}
		return s.buildIndexLocked(name, fileName, path, matcher)
	}

	idx, err := OpenIndex(s.cfg.IndexDirectory, fileName, matcher, s.cfg.HMACSecret)
	if err != nil {
		return nil, err
	}
	if matcher != nil && !matcherCompatible(idx, matcher) {
		idx.Close()
		return nil, ErrIndexMatcherMismatch
	}
	s.secondary[name] = &secondaryIndex{index: idx, matcher: matcher}
	return idx, nil
}

// buildIndexLocked scans the full primary index, appending matching
// entries to a newly created secondary index file. Any failure removes
// the partial file so no orphan index remains.
func (s *Storage) buildIndexLocked(name, fileName, path string, matcher Matcher) (*Index, error) {
	idx, err := OpenIndex(s.cfg.IndexDirectory, fileName, matcher, s.cfg.HMACSecret)
	if err != nil {
		return nil, err
	}

	for n := 1; n <= s.length; n++ {
		entry, ok, err := s.primary.Get(n)
		if err != nil {
			idx.Close()
			os.Remove(path)
			return nil, err
		}
		if !ok {
			continue
		}
		doc, err := s.readEntryLocked(entry)
		if err != nil {
			idx.Close()
			os.Remove(path)
			return nil, err
		}
		if Matches(doc, matcher) {
			if _, err := idx.Add(entry, nil); err != nil {
				idx.Close()
				os.Remove(path)
				return nil, err
			}
		}
	}

	s.secondary[name] = &secondaryIndex{index: idx, matcher: matcher}
	s.em.emit(evIndexCreated, name)
	return idx, nil
}

// OpenIndexNamed opens the named secondary index; it must already exist
// and no new matcher may be supplied. A shape matcher is restored from
// the index header; an index built with a PredicateMatcher is refused
// with ErrMatcherRequired, since only the predicate's source text is
// stored (EnsureIndex takes the live predicate).
func (s *Storage) OpenIndexNamed(name string) (*Index, error) {
	if err := s.blockWrite(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if si, ok := s.secondary[name]; ok {
		return si.index, nil
	}

	fileName := indexFileName(s.cfg.StorageFile, name)
	if _, err := os.Stat(filepath.Join(s.cfg.IndexDirectory, fileName)); err != nil {
		return nil, ErrIndexNotFound
	}

	idx, err := OpenIndex(s.cfg.IndexDirectory, fileName, nil, s.cfg.HMACSecret)
	if err != nil {
		return nil, err
	}
	kind, shape, _ := idx.Metadata()
	if kind == "predicate" {
		idx.Close()
		return nil, ErrMatcherRequired
	}
	var matcher Matcher
	if kind == "shape" {
		var tree map[string]any
		if len(shape) > 0 {
			if err := json.Unmarshal(shape, &tree); err != nil {
				idx.Close()
				return nil, &CorruptFileError{File: fileName, Reason: "corrupt shape metadata"}
			}
		}
		matcher = ShapeMatcher{Shape: tree}
	}
	s.secondary[name] = &secondaryIndex{index: idx, matcher: matcher}
	return idx, nil
}

// Subscribe registers fn for events of kind, returning a token for
// Unsubscribe.
func (s *Storage) Subscribe(kind string, fn func(args ...any)) uint64 {
	return s.em.subscribe(eventKind(kind), fn)
}

// Unsubscribe removes a listener previously returned by Subscribe.
func (s *Storage) Unsubscribe(kind string, token uint64) {
	s.em.unsubscribe(eventKind(kind), token)
}

// matcherCompatible reports whether matcher agrees with the metadata
// already stored in idx's header: same kind, and for a shape matcher the
// same shape JSON, for a predicate matcher the same source text.
func matcherCompatible(idx *Index, matcher Matcher) bool {
	kind, shape, source := idx.Metadata()
	if kind != matcher.kind() {
		return false
	}
	switch m := matcher.(type) {
	case ShapeMatcher:
		want, err := metadataFor(m)
		if err != nil {
			return false
		}
		return string(want.MatcherShape) == string(shape)
	case PredicateMatcher:
		return m.Source == source
	}
	return true
}
