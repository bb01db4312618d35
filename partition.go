// Partition is the on-disk append-only file format: buffered writes,
// dirty reads of unflushed data, torn-write detection, truncation at
// document boundaries, and (via the ReadOnly variant in
// partition_watch.go) cross-process change notification.
//
// File layout: an 8-byte magic ("nestor01"), an 8-byte trailer
// recording the length-prefix width, then a sequence of framed
// documents. Each document is a 10-byte right-justified, space-padded
// ASCII decimal length, the UTF-8 payload of that length, and a single
// '\n' terminator — redundant with the length prefix but deliberate: it
// lets a backward scan resynchronise on a boundary after a torn write.
package nestor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	// PartitionHeaderSize is the fixed header size: 8-byte magic + 8-byte trailer.
	PartitionHeaderSize = 16

	lengthPrefixWidth = 10
	frameOverhead     = lengthPrefixWidth + 1 // length prefix + trailing '\n'
)

// Partition is an append-only, framed document file.
type Partition struct {
	mu   sync.Mutex
	dir  string
	name string
	file *os.File
	em   *emitter
	open bool

	size int64 // committed on-disk bytes, including the header

	writeBuf                []byte
	writeBufPos             int
	maxWriteBufferDocuments int
	bufferedDocs            int
	syncOnFlush             bool
	flushCallbacks          []func(error)

	readBuf    []byte
	readBufPos int64 // file offset the buffer's contents start at; -1 if empty
	readBufLen int

	dirtyReads bool

	flushSignal chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// OpenPartition opens or creates the partition file dir/name.
func OpenPartition(dir, name string, cfg Config) (*Partition, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	p := &Partition{
		dir:                     dir,
		name:                    name,
		file:                    file,
		em:                      newEmitter(),
		open:                    true,
		readBufPos:              -1,
		dirtyReads:              cfg.dirtyReads(),
		syncOnFlush:             cfg.SyncOnFlush,
		maxWriteBufferDocuments: cfg.MaxWriteBufferDocuments,
		flushSignal:             make(chan struct{}, 1),
		stopCh:                  make(chan struct{}),
	}

	readBufSize := cfg.ReadBufferSize
	if readBufSize == 0 {
		readBufSize = defaultReadBufferSize
	}
	writeBufSize := cfg.WriteBufferSize
	if writeBufSize == 0 {
		writeBufSize = defaultWriteBufferSize
	}
	p.readBuf = make([]byte, readBufSize)
	p.writeBuf = make([]byte, writeBufSize)

	if info.Size() == 0 {
		if err := p.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		p.size = PartitionHeaderSize
	} else {
		if err := p.validateHeader(); err != nil {
			file.Close()
			return nil, err
		}
		p.size = info.Size()
		if err := p.checkTail(); err != nil {
			file.Close()
			return nil, err
		}
	}

	p.wg.Add(1)
	go p.flusherLoop()

	return p, nil
}

func (p *Partition) writeHeader() error {
	buf := make([]byte, PartitionHeaderSize)
	copy(buf[0:8], HeaderMagic)
	trailer := fmt.Sprintf("%-8d", lengthPrefixWidth)
	copy(buf[8:16], trailer)
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return p.file.Sync()
}

func (p *Partition) validateHeader() error {
	buf := make([]byte, PartitionHeaderSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return &CorruptFileError{File: p.name, Reason: "cannot read header: " + err.Error()}
	}
	if string(buf[0:8]) != HeaderMagic {
		return &CorruptFileError{File: p.name, Reason: "bad magic"}
	}
	width, err := strconv.Atoi(strings.TrimSpace(string(buf[8:16])))
	if err != nil || width != lengthPrefixWidth {
		return &CorruptFileError{File: p.name, Reason: "unsupported length-prefix width"}
	}
	return nil
}

// checkTail verifies the last frame in the file is complete and
// newline-terminated. If it is not, it raises CorruptFileError — the
// caller (Storage) reconciles by truncating to the last good primary
// index entry.
func (p *Partition) checkTail() error {
	if p.size <= PartitionHeaderSize {
		return nil
	}

	offset, err := p.findDocumentPositionBefore(p.size)
	if err != nil {
		return &CorruptFileError{File: p.name, Reason: "torn tail: no valid final frame found"}
	}

	prefix := make([]byte, lengthPrefixWidth)
	if _, err := p.file.ReadAt(prefix, offset); err != nil {
		return &CorruptFileError{File: p.name, Reason: "torn tail: cannot read length prefix"}
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(prefix)))
	if err != nil {
		return &CorruptFileError{File: p.name, Reason: "torn tail: non-numeric length prefix"}
	}
	frameEnd := offset + int64(lengthPrefixWidth) + int64(n) + 1
	if frameEnd != p.size {
		return &CorruptFileError{File: p.name, Reason: "torn tail: incomplete final frame"}
	}
	term := make([]byte, 1)
	if _, err := p.file.ReadAt(term, p.size-1); err != nil || term[0] != '\n' {
		return &CorruptFileError{File: p.name, Reason: "torn tail: missing terminator"}
	}
	return nil
}

// flusherLoop is the deferred-flush scheduler: Write signals it once per
// buffering cycle (on the first byte buffered) and it flushes on the
// next goroutine scheduling point, coalescing a burst of small writes
// into one WriteAt without blocking the caller.
func (p *Partition) flusherLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.flushSignal:
			p.Flush()
		case <-p.stopCh:
			return
		}
	}
}

// IsOpen reports whether the partition is open for reads and writes.
func (p *Partition) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Close flushes pending writes and releases the file handle.
func (p *Partition) Close() error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return nil
	}
	p.open = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.Flush()
	return p.file.Close()
}

// Write appends data as a single framed document. It returns the file
// offset the frame begins at (the "logical position" an Index Entry
// records), or -1 if the partition is not open. cb, if non-nil, is
// queued and fires once this write is durably flushed.
func (p *Partition) Write(data []byte, cb func(error)) (int64, error) {
	p.mu.Lock()

	if !p.open {
		p.mu.Unlock()
		return -1, ErrNotOpen
	}

	framedSize := frameOverhead + len(data)
	prefix := fmt.Sprintf("%*d", lengthPrefixWidth, len(data))

	if framedSize > len(p.writeBuf) {
		// Too big to buffer: flush pending bytes, then write directly.
		p.mu.Unlock()
		if err := p.Flush(); err != nil {
			return -1, err
		}
		p.mu.Lock()
		offset := p.size
		combined := make([]byte, 0, framedSize)
		combined = append(combined, prefix...)
		combined = append(combined, data...)
		combined = append(combined, '\n')
		if _, err := p.file.WriteAt(combined, offset); err != nil {
			p.mu.Unlock()
			return -1, err
		}
		p.size += int64(framedSize)
		if cb != nil {
			p.flushCallbacks = append(p.flushCallbacks, cb)
		}
		p.mu.Unlock()
		if err := p.Flush(); err != nil {
			return -1, err
		}
		return offset, nil
	}

	offset := p.size + int64(p.writeBufPos)
	firstByte := p.writeBufPos == 0

	n := copy(p.writeBuf[p.writeBufPos:], prefix)
	p.writeBufPos += n
	n = copy(p.writeBuf[p.writeBufPos:], data)
	p.writeBufPos += n
	p.writeBuf[p.writeBufPos] = '\n'
	p.writeBufPos++

	if cb != nil {
		p.flushCallbacks = append(p.flushCallbacks, cb)
	}
	p.bufferedDocs++

	forceFlush := p.maxWriteBufferDocuments > 0 && p.bufferedDocs >= p.maxWriteBufferDocuments
	p.mu.Unlock()

	if forceFlush {
		if err := p.Flush(); err != nil {
			return -1, err
		}
	} else if firstByte {
		select {
		case p.flushSignal <- struct{}{}:
		default:
		}
	}

	return offset, nil
}

// Flush writes any buffered bytes to the file, optionally fsyncs,
// advances the committed size, drains and invokes flush callbacks, and
// emits a "flush" event. Repeated calls are idempotent.
func (p *Partition) Flush() error {
	p.mu.Lock()
	if p.writeBufPos == 0 {
		callbacks := p.flushCallbacks
		p.flushCallbacks = nil
		p.mu.Unlock()
		for _, cb := range callbacks {
			cb(nil)
		}
		return nil
	}

	offset := p.size
	n := p.writeBufPos
	data := make([]byte, n)
	copy(data, p.writeBuf[:n])
	p.mu.Unlock()

	_, err := p.file.WriteAt(data, offset)

	p.mu.Lock()
	if err == nil {
		p.size += int64(n)
		p.writeBufPos = 0
		p.bufferedDocs = 0
	}
	callbacks := p.flushCallbacks
	p.flushCallbacks = nil
	sync := p.syncOnFlush
	p.mu.Unlock()

	if err != nil {
		for _, cb := range callbacks {
			cb(err)
		}
		return err
	}

	if sync {
		if serr := p.file.Sync(); serr != nil {
			for _, cb := range callbacks {
				cb(serr)
			}
			return serr
		}
	}

	for _, cb := range callbacks {
		cb(nil)
	}
	p.em.emit(evFlush, offset, n)
	return nil
}

// Truncate shrinks the partition to offsetToKeepUpTo, which must fall on
// a document boundary. A negative offset truncates to the header; an
// offset at or past the current size is a no-op.
func (p *Partition) Truncate(offsetToKeepUpTo int64) error {
	if err := p.Flush(); err != nil {
		return err
	}

	p.mu.Lock()
	prevSize := p.size
	p.mu.Unlock()

	target := offsetToKeepUpTo
	if target < 0 {
		target = PartitionHeaderSize
	}
	if target >= prevSize {
		return nil
	}
	if target < PartitionHeaderSize {
		target = PartitionHeaderSize
	}

	if !p.isDocumentBoundary(target) {
		return &CorruptFileError{File: p.name, Reason: "truncate offset is not a document boundary"}
	}

	if err := p.file.Truncate(target); err != nil {
		return err
	}

	p.mu.Lock()
	p.size = target
	p.readBufPos = -1
	p.mu.Unlock()

	p.em.emit(evTruncate, prevSize, target)
	return nil
}

// isDocumentBoundary scans forward from the header and reports whether
// offset exactly lands on the start of a frame.
func (p *Partition) isDocumentBoundary(offset int64) bool {
	if offset == PartitionHeaderSize {
		return true
	}
	pos := int64(PartitionHeaderSize)
	for pos < offset {
		prefix := make([]byte, lengthPrefixWidth)
		if _, err := p.file.ReadAt(prefix, pos); err != nil {
			return false
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(prefix)))
		if err != nil {
			return false
		}
		pos += int64(lengthPrefixWidth) + int64(n) + 1
	}
	return pos == offset
}
