// ReadOnlyStorage opens the same files as Storage but without the
// writer lock, watching the primary index file and the data directory
// for external changes so it can replay new writes and discover new
// partitions/secondary indexes without polling.
package nestor

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ReadOnlyStorage is a read-only, watch-driven view of a Storage
// directory maintained by a writer in another process.
type ReadOnlyStorage struct {
	mu  sync.RWMutex
	cfg Config

	pmap      *partitionMap
	partitions map[string]*ReadOnlyPartition
	primary   *Index
	secondary map[string]*secondaryIndex

	length int
	open   bool

	watch  *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup

	em *emitter
}

// OpenReadOnly opens a Storage directory for reading only: no writer
// lock is taken, and the returned handle reacts to the writer's changes
// via file-system notification instead of owning them.
func OpenReadOnly(cfg Config) (*ReadOnlyStorage, error) {
	cfg = cfg.withDefaults()

	pmap, err := openPartitionMap(filepath.Join(cfg.DataDirectory, cfg.StorageFile+".partitions"))
	if err != nil {
		return nil, err
	}

	primary, err := OpenIndex(cfg.IndexDirectory, indexFileName(cfg.StorageFile, ""), nil, cfg.HMACSecret)
	if err != nil {
		pmap.close()
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		primary.Close()
		pmap.close()
		return nil, err
	}
	indexPath := filepath.Join(cfg.IndexDirectory, indexFileName(cfg.StorageFile, ""))
	if err := watcher.Add(indexPath); err != nil {
		watcher.Close()
		primary.Close()
		pmap.close()
		return nil, err
	}
	if err := watcher.Add(cfg.DataDirectory); err != nil {
		watcher.Close()
		primary.Close()
		pmap.close()
		return nil, err
	}
	if cfg.IndexDirectory != cfg.DataDirectory {
		watcher.Add(cfg.IndexDirectory)
	}

	rs := &ReadOnlyStorage{
		cfg:        cfg,
		pmap:       pmap,
		partitions: make(map[string]*ReadOnlyPartition),
		primary:    primary,
		secondary:  make(map[string]*secondaryIndex),
		length:     primary.Length(),
		open:       true,
		watch:      watcher,
		stopCh:     make(chan struct{}),
		em:         newEmitter(),
	}

	rs.wg.Add(1)
	go rs.watchLoop()

	return rs, nil
}

func (rs *ReadOnlyStorage) watchLoop() {
	defer rs.wg.Done()
	for {
		select {
		case ev, ok := <-rs.watch.Events:
			if !ok {
				return
			}
			rs.handleEvent(ev)
		case <-rs.watch.Errors:
		case <-rs.stopCh:
			return
		}
	}
}

func (rs *ReadOnlyStorage) handleEvent(ev fsnotify.Event) {
	fileName := filepath.Base(ev.Name)
	if !isOwnFile(rs.cfg.StorageFile, fileName) {
		return
	}

	primaryName := indexFileName(rs.cfg.StorageFile, "")
	switch {
	case fileName == primaryName && ev.Op&fsnotify.Write != 0:
		rs.replayPrimaryGrowth()
	case fileName == rs.cfg.StorageFile+".partitions":
		// partition id table grows alongside the primary index; no
		// event of its own, entries are resolved lazily on replay.
	case ev.Op&(fsnotify.Create) != 0:
		rs.handleNewFile(fileName)
	}
}

// replayPrimaryGrowth reads and replays every primary-index entry added
// since the last observed length, re-emitting "wrote" and evaluating
// open secondary indexes for "index-add".
func (rs *ReadOnlyStorage) replayPrimaryGrowth() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	// The writer appends to the index file from another handle, so the
	// reader's in-memory length is refreshed from the file size.
	rs.primary.mu.Lock()
	if info, err := rs.primary.file.Stat(); err == nil {
		n := (info.Size() - rs.primary.headerSize) / EntrySize
		if n < 0 {
			n = 0
		}
		rs.primary.length = int(n)
	}
	newLength := rs.primary.length
	rs.primary.mu.Unlock()
	prevLength := rs.length
	if newLength < prevLength {
		rs.length = newLength
		rs.em.emit(evTruncate, prevLength, newLength)
		return
	}
	if newLength == prevLength {
		return
	}

	for n := prevLength + 1; n <= newLength; n++ {
		entry, ok, err := rs.primary.Get(n)
		if err != nil || !ok {
			continue
		}
		doc, err := rs.readEntryLocked(entry)
		if err != nil {
			continue
		}
		rs.em.emit(evWrote, doc, entry, entry.Position)
		for name, si := range rs.secondary {
			if Matches(doc, si.matcher) {
				rs.em.emit(evIndexAdd, name, entry.Number, doc)
			}
		}
	}
	rs.length = newLength
}

func (rs *ReadOnlyStorage) handleNewFile(fileName string) {
	if fileName == rs.cfg.StorageFile || hasPartitionSuffix(rs.cfg.StorageFile, fileName) {
		rs.em.emit(evPartitionNew, fileName)
		return
	}
	if name, ok := secondaryIndexNameFromFile(rs.cfg.StorageFile, fileName); ok {
		rs.em.emit(evIndexCreated, name)
	}
}

// hasPartitionSuffix reports whether fileName is a partition data file
// ({storageFile}.{partitionID}) rather than one of the sidecar files
// Storage also keeps under the same prefix.
func hasPartitionSuffix(storageFile, fileName string) bool {
	if fileName == storageFile {
		return true
	}
	prefix := storageFile + "."
	if !strings.HasPrefix(fileName, prefix) {
		return false
	}
	rest := fileName[len(prefix):]
	if rest == "partitions" || rest == "lock" {
		return false
	}
	return !strings.HasSuffix(rest, ".index")
}

func secondaryIndexNameFromFile(storageFile, fileName string) (string, bool) {
	prefix := storageFile + "."
	suffix := ".index"
	if len(fileName) <= len(prefix)+len(suffix) {
		return "", false
	}
	if fileName[:len(prefix)] != prefix || fileName[len(fileName)-len(suffix):] != suffix {
		return "", false
	}
	name := fileName[len(prefix) : len(fileName)-len(suffix)]
	if name == "primary" {
		return "", false
	}
	return name, true
}

func (rs *ReadOnlyStorage) readEntryLocked(entry Entry) (any, error) {
	id, ok := rs.pmap.nameFor(entry.Partition)
	if !ok {
		return nil, ErrIndexNotFound
	}
	partition, err := rs.getOrOpenPartitionLocked(id)
	if err != nil {
		return nil, err
	}
	data, ok, err := partition.ReadFrom(int64(entry.Position), int(entry.Size))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &CorruptFileError{File: fileNameFor(rs.cfg.StorageFile, id), Reason: "index points past partition end"}
	}
	return rs.cfg.Serializer.Deserialize(string(data))
}

func (rs *ReadOnlyStorage) getOrOpenPartitionLocked(id string) (*ReadOnlyPartition, error) {
	if p, ok := rs.partitions[id]; ok {
		return p, nil
	}
	name := fileNameFor(rs.cfg.StorageFile, id)
	p, err := OpenReadOnlyPartition(rs.cfg.DataDirectory, name, rs.cfg)
	if err != nil {
		return nil, err
	}
	rs.partitions[id] = p
	return p, nil
}

// Read returns the document numbered number from the named index (the
// primary index if empty).
func (rs *ReadOnlyStorage) Read(number int, indexName string) (any, bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.open {
		return nil, false, ErrNotOpen
	}

	var idx *Index
	if indexName == "" {
		idx = rs.primary
	} else {
		si, ok := rs.secondary[indexName]
		if !ok {
			return nil, false, ErrIndexNotFound
		}
		idx = si.index
	}

	entry, ok, err := idx.Get(number)
	if err != nil || !ok {
		return nil, false, err
	}
	doc, err := rs.readEntryLocked(entry)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// OpenIndexNamed opens a secondary index written by the live writer for
// observation; matcher identifies which events to re-emit for it.
func (rs *ReadOnlyStorage) OpenIndexNamed(name string, matcher Matcher) (*Index, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if si, ok := rs.secondary[name]; ok {
		return si.index, nil
	}
	fileName := indexFileName(rs.cfg.StorageFile, name)
	if _, err := os.Stat(filepath.Join(rs.cfg.IndexDirectory, fileName)); err != nil {
		return nil, ErrIndexNotFound
	}
	idx, err := OpenIndex(rs.cfg.IndexDirectory, fileName, nil, rs.cfg.HMACSecret)
	if err != nil {
		return nil, err
	}
	rs.secondary[name] = &secondaryIndex{index: idx, matcher: matcher}
	return idx, nil
}

// Length returns the last observed primary-index length.
func (rs *ReadOnlyStorage) Length() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.length
}

// Subscribe registers fn for events of kind.
func (rs *ReadOnlyStorage) Subscribe(kind string, fn func(args ...any)) uint64 {
	return rs.em.subscribe(eventKind(kind), fn)
}

// Unsubscribe removes a listener previously returned by Subscribe.
func (rs *ReadOnlyStorage) Unsubscribe(kind string, token uint64) {
	rs.em.unsubscribe(eventKind(kind), token)
}

// Close stops watching and releases every open file handle.
func (rs *ReadOnlyStorage) Close() error {
	rs.mu.Lock()
	if !rs.open {
		rs.mu.Unlock()
		return nil
	}
	rs.open = false
	rs.mu.Unlock()

	close(rs.stopCh)
	rs.watch.Close()
	rs.wg.Wait()

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range rs.partitions {
		note(p.Close())
	}
	note(rs.primary.Close())
	for _, si := range rs.secondary {
		note(si.index.Close())
	}
	note(rs.pmap.close())
	return firstErr
}
