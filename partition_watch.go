// ReadOnlyPartition opens the same file as Partition but without a
// writer lock, and subscribes to a file watcher so it can follow a
// writer's changes without polling: on observed growth it emits
// "append", on observed shrinkage it emits "truncate", and on rename or
// removal it closes itself.
package nestor

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ReadOnlyPartition is a read-only, watch-driven view of a partition
// file, used by Storage.ReadOnly.
type ReadOnlyPartition struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	em     *emitter
	size   int64
	open   bool
	watch  *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup

	readBuf    []byte
	readBufPos int64
	readBufLen int
}

// OpenReadOnlyPartition opens dir/name for reading and begins watching
// it for external changes.
func OpenReadOnlyPartition(dir, name string, cfg Config) (*ReadOnlyPartition, error) {
	path := filepath.Join(dir, name)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	readBufSize := cfg.ReadBufferSize
	if readBufSize == 0 {
		readBufSize = defaultReadBufferSize
	}

	rp := &ReadOnlyPartition{
		path:       path,
		file:       file,
		em:         newEmitter(),
		size:       info.Size(),
		open:       true,
		readBuf:    make([]byte, readBufSize),
		readBufPos: -1,
		stopCh:     make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		file.Close()
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		file.Close()
		return nil, err
	}
	rp.watch = watcher

	rp.wg.Add(1)
	go rp.watchLoop()

	return rp, nil
}

func (rp *ReadOnlyPartition) watchLoop() {
	defer rp.wg.Done()
	for {
		select {
		case ev, ok := <-rp.watch.Events:
			if !ok {
				return
			}
			rp.handleEvent(ev)
		case <-rp.watch.Errors:
			// A watch-layer error doesn't itself invalidate the file;
			// the next successful stat-based check still drives events.
		case <-rp.stopCh:
			return
		}
	}
}

func (rp *ReadOnlyPartition) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		rp.closeSilently()
		return
	}
	if ev.Op&fsnotify.Write == 0 {
		return
	}

	info, err := rp.file.Stat()
	if err != nil {
		rp.closeSilently()
		return
	}

	rp.mu.Lock()
	prev := rp.size
	cur := info.Size()
	rp.size = cur
	rp.mu.Unlock()

	switch {
	case cur > prev:
		rp.em.emit(evAppend, prev, cur)
	case cur < prev:
		rp.mu.Lock()
		rp.readBufPos = -1
		rp.mu.Unlock()
		rp.em.emit(evTruncate, prev, cur)
	}
}

func (rp *ReadOnlyPartition) closeSilently() {
	rp.mu.Lock()
	if !rp.open {
		rp.mu.Unlock()
		return
	}
	rp.open = false
	rp.mu.Unlock()
	rp.watch.Close()
	rp.file.Close()
}

// Subscribe registers fn for events of kind ("append", "truncate"),
// returning a token for Unsubscribe.
func (rp *ReadOnlyPartition) Subscribe(kind string, fn func(args ...any)) uint64 {
	return rp.em.subscribe(eventKind(kind), fn)
}

// Unsubscribe removes a listener previously returned by Subscribe.
func (rp *ReadOnlyPartition) Unsubscribe(kind string, token uint64) {
	rp.em.unsubscribe(eventKind(kind), token)
}

// IsOpen reports whether the partition is still open. It becomes false
// once the underlying file is renamed or removed out from under it.
func (rp *ReadOnlyPartition) IsOpen() bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.open
}

// Close stops watching and releases the file handle.
func (rp *ReadOnlyPartition) Close() error {
	rp.mu.Lock()
	if !rp.open {
		rp.mu.Unlock()
		return nil
	}
	rp.open = false
	rp.mu.Unlock()

	close(rp.stopCh)
	rp.watch.Close()
	rp.wg.Wait()
	return rp.file.Close()
}

// ReadFrom reads the framed document at offset, identically to
// Partition.ReadFrom but always constrained to committed (non-dirty)
// bytes, since a read-only opener never sees the writer's buffer.
func (rp *ReadOnlyPartition) ReadFrom(offset int64, expectedSize int) ([]byte, bool, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if !rp.open {
		return nil, false, ErrNotOpen
	}
	if offset < 0 || offset >= rp.size {
		return nil, false, nil
	}

	prefixBuf, err := rp.readBytesLocked(offset, lengthPrefixWidth)
	if err != nil {
		return nil, false, nil
	}
	n, err := parseLengthPrefix(prefixBuf)
	if err != nil {
		return nil, false, &CorruptFileError{File: rp.path, Reason: "non-numeric length prefix"}
	}
	frameSize := lengthPrefixWidth + n + 1
	if offset+int64(frameSize) > rp.size {
		return nil, false, nil
	}
	if expectedSize != 0 && expectedSize != frameSize {
		return nil, false, &InvalidDataSizeError{Offset: offset, Expected: expectedSize, Actual: frameSize}
	}

	data, err := rp.readBytesLocked(offset+lengthPrefixWidth, n)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// readBytesLocked mirrors Partition.readBytesLocked: prefer the read
// buffer, refilling it from disk when the requested range misses, and
// fall back to a one-shot direct read for frames too large to buffer.
// Caller holds rp.mu.
func (rp *ReadOnlyPartition) readBytesLocked(offset int64, length int) ([]byte, error) {
	if offset < 0 || offset+int64(length) > rp.size {
		return nil, errNoDocument
	}

	if rp.readBufPos >= 0 && offset >= rp.readBufPos && offset+int64(length) <= rp.readBufPos+int64(rp.readBufLen) {
		start := offset - rp.readBufPos
		out := make([]byte, length)
		copy(out, rp.readBuf[start:start+int64(length)])
		return out, nil
	}

	if length <= len(rp.readBuf) {
		if err := rp.refillReadBufferLocked(offset); err != nil {
			return nil, err
		}
		if offset+int64(length) <= rp.readBufPos+int64(rp.readBufLen) {
			start := offset - rp.readBufPos
			out := make([]byte, length)
			copy(out, rp.readBuf[start:start+int64(length)])
			return out, nil
		}
	}

	out := make([]byte, length)
	if _, err := rp.file.ReadAt(out, offset); err != nil {
		return nil, err
	}
	return out, nil
}

// refillReadBufferLocked refills the read buffer from disk starting at
// offset. Caller holds rp.mu.
func (rp *ReadOnlyPartition) refillReadBufferLocked(offset int64) error {
	remaining := rp.size - offset
	if remaining <= 0 {
		rp.readBufPos = -1
		rp.readBufLen = 0
		return errNoDocument
	}
	want := int64(len(rp.readBuf))
	if remaining < want {
		want = remaining
	}
	n, err := rp.file.ReadAt(rp.readBuf[:want], offset)
	if n > 0 {
		rp.readBufPos = offset
		rp.readBufLen = n
	}
	if err != nil && n == 0 {
		return err
	}
	return nil
}
