package nestor

import (
	"errors"
	"iter"
	"strconv"
	"strings"
)

// errNoDocument is an internal sentinel for "no frame at this position";
// ReadFrom and the lazy sequences translate it into a plain `false`/end
// of iteration rather than surfacing it as an error.
var errNoDocument = errors.New("nestor: no document at position")

// ReadFrom reads the framed document starting at offset. ok is false
// (with a nil error) when offset is at or past the partition's current
// size, or the frame there is not yet fully committed — this signals
// "no such document", not a fault. If expectedSize is non-zero and
// disagrees with the on-disk frame size, it returns InvalidDataSizeError.
func (p *Partition) ReadFrom(offset int64, expectedSize int) (data []byte, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return nil, false, ErrNotOpen
	}
	return p.readFromLocked(offset, expectedSize)
}

func (p *Partition) readFromLocked(offset int64, expectedSize int) ([]byte, bool, error) {
	if offset < 0 {
		return nil, false, nil
	}

	if p.dirtyReads && offset >= p.size && offset < p.size+int64(p.writeBufPos) {
		rel := int(offset - p.size)
		return p.readFromWriteBuffer(rel, expectedSize)
	}

	if offset >= p.size {
		return nil, false, nil
	}

	prefix, err := p.readBytesLocked(offset, lengthPrefixWidth)
	if err != nil {
		if errors.Is(err, errNoDocument) {
			return nil, false, nil
		}
		return nil, false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(prefix)))
	if err != nil {
		return nil, false, &CorruptFileError{File: p.name, Reason: "non-numeric length prefix"}
	}

	frameSize := lengthPrefixWidth + n + 1
	if offset+int64(frameSize) > p.size {
		return nil, false, nil
	}

	if expectedSize != 0 && expectedSize != frameSize {
		return nil, false, &InvalidDataSizeError{Offset: offset, Expected: expectedSize, Actual: frameSize}
	}

	data, err := p.readBytesLocked(offset+lengthPrefixWidth, n)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (p *Partition) readFromWriteBuffer(rel, expectedSize int) ([]byte, bool, error) {
	if rel+lengthPrefixWidth > p.writeBufPos {
		return nil, false, nil
	}
	prefix := p.writeBuf[rel : rel+lengthPrefixWidth]
	n, err := strconv.Atoi(strings.TrimSpace(string(prefix)))
	if err != nil {
		return nil, false, &CorruptFileError{File: p.name, Reason: "non-numeric length prefix in write buffer"}
	}
	frameSize := lengthPrefixWidth + n + 1
	if rel+frameSize > p.writeBufPos {
		return nil, false, nil
	}
	if expectedSize != 0 && expectedSize != frameSize {
		return nil, false, &InvalidDataSizeError{Offset: p.size + int64(rel), Expected: expectedSize, Actual: frameSize}
	}
	data := make([]byte, n)
	copy(data, p.writeBuf[rel+lengthPrefixWidth:rel+lengthPrefixWidth+n])
	return data, true, nil
}

// readBytesLocked returns length bytes starting at offset, preferring
// the read buffer and falling back to a one-shot direct read for frames
// that don't fit it. Caller holds p.mu.
func (p *Partition) readBytesLocked(offset int64, length int) ([]byte, error) {
	if offset < 0 || offset+int64(length) > p.size {
		return nil, errNoDocument
	}

	if p.readBufPos >= 0 && offset >= p.readBufPos && offset+int64(length) <= p.readBufPos+int64(p.readBufLen) {
		start := offset - p.readBufPos
		out := make([]byte, length)
		copy(out, p.readBuf[start:start+int64(length)])
		return out, nil
	}

	if length <= len(p.readBuf) {
		if err := p.refillReadBufferLocked(offset); err != nil {
			return nil, err
		}
		if offset+int64(length) <= p.readBufPos+int64(p.readBufLen) {
			start := offset - p.readBufPos
			out := make([]byte, length)
			copy(out, p.readBuf[start:start+int64(length)])
			return out, nil
		}
	}

	// One-shot heap allocation for a frame too large for the read buffer.
	out := make([]byte, length)
	if _, err := p.file.ReadAt(out, offset); err != nil {
		return nil, err
	}
	return out, nil
}

// refillReadBufferLocked refills the read buffer from disk starting at
// offset. Caller holds p.mu.
func (p *Partition) refillReadBufferLocked(offset int64) error {
	remaining := p.size - offset
	if remaining <= 0 {
		p.readBufPos = -1
		p.readBufLen = 0
		return errNoDocument
	}
	want := int64(len(p.readBuf))
	if remaining < want {
		want = remaining
	}
	n, err := p.file.ReadAt(p.readBuf[:want], offset)
	if n > 0 {
		p.readBufPos = offset
		p.readBufLen = n
	}
	if err != nil && n == 0 {
		return err
	}
	return nil
}

// ReadAll returns a lazy, finite, non-restartable sequence of documents
// starting at fromOffset (PartitionHeaderSize if zero). A negative
// fromOffset is interpreted relative to the partition's current size at
// the time the sequence starts.
func (p *Partition) ReadAll(fromOffset int64) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		p.mu.Lock()
		size := p.size
		p.mu.Unlock()

		offset := fromOffset
		if offset == 0 {
			offset = PartitionHeaderSize
		}
		if offset < 0 {
			offset = size + offset
		}

		for {
			data, ok, err := p.ReadFrom(offset, 0)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(data, nil) {
				return
			}
			offset += int64(lengthPrefixWidth + len(data) + 1)
		}
	}
}

// ReadAllBackwards returns a lazy, finite, non-restartable sequence of
// documents walking backward from fromOffset (the partition's current
// size if zero; a negative fromOffset counts back from that size).
func (p *Partition) ReadAllBackwards(fromOffset int64) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		p.mu.Lock()
		size := p.size
		p.mu.Unlock()

		offset := fromOffset
		if offset <= 0 {
			offset = size + fromOffset
		}

		for offset > PartitionHeaderSize {
			p.mu.Lock()
			start, ferr := p.findDocumentPositionBeforeLocked(offset)
			p.mu.Unlock()
			if ferr != nil {
				if errors.Is(ferr, errNoDocument) {
					return
				}
				yield(nil, ferr)
				return
			}
			data, ok, err := p.ReadFrom(start, 0)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(data, nil) {
				return
			}
			offset = start
		}
	}
}

// findDocumentPositionBeforeLocked locates the frame that ends exactly at
// offset by scanning backward for newline boundaries and validating each
// candidate's length prefix against offset. Caller holds p.mu.
func (p *Partition) findDocumentPositionBeforeLocked(offset int64) (int64, error) {
	if offset <= PartitionHeaderSize {
		return -1, errNoDocument
	}

	pos := offset - 1
	for pos >= PartitionHeaderSize {
		nl, err := p.findPrecedingNewlineLocked(pos)
		if err != nil {
			return -1, err
		}
		candidateStart := int64(PartitionHeaderSize)
		if nl >= PartitionHeaderSize {
			candidateStart = nl + 1
		}
		if end, ok := p.validFrameEndLocked(candidateStart); ok && end == offset {
			return candidateStart, nil
		}
		if nl < PartitionHeaderSize {
			break
		}
		pos = nl - 1
	}
	return -1, errNoDocument
}

// findPrecedingNewlineLocked scans backward from pos (inclusive) for a
// '\n' byte, stopping at the header. Returns PartitionHeaderSize-1 if
// none is found. Caller holds p.mu.
func (p *Partition) findPrecedingNewlineLocked(pos int64) (int64, error) {
	buf := make([]byte, 1)
	for pos >= PartitionHeaderSize {
		if _, err := p.file.ReadAt(buf, pos); err != nil {
			return -1, err
		}
		if buf[0] == '\n' {
			return pos, nil
		}
		pos--
	}
	return PartitionHeaderSize - 1, nil
}

// validFrameEndLocked reads the length prefix at start and reports the
// byte offset one past the frame's terminator, or false if start does
// not hold a well-formed prefix. Caller holds p.mu.
func (p *Partition) validFrameEndLocked(start int64) (int64, bool) {
	if start+lengthPrefixWidth > p.size {
		return 0, false
	}
	prefix := make([]byte, lengthPrefixWidth)
	if _, err := p.file.ReadAt(prefix, start); err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(prefix)))
	if err != nil || n < 0 {
		return 0, false
	}
	end := start + int64(lengthPrefixWidth) + int64(n) + 1
	if end > p.size {
		return 0, false
	}
	return end, true
}

// findDocumentPositionBefore is the unlocked, exported-package-internal
// entry point used by checkTail during Open, before any concurrent
// access is possible.
func (p *Partition) findDocumentPositionBefore(offset int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findDocumentPositionBeforeLocked(offset)
}
