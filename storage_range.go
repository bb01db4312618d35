package nestor

import "iter"

// normalizeRange resolves negative "from end" bounds and decides
// iteration direction. -K maps to length-K+1. Bounds outside [1,length]
// after normalization are reported via ok=false; the caller raises
// RangeError lazily, on first advance of the returned sequence.
func normalizeRange(from, until, length int) (normFrom, normUntil int, reverse, ok bool) {
	norm := func(n int) int {
		if n < 0 {
			return length + n + 1
		}
		return n
	}
	normFrom = norm(from)
	normUntil = norm(until)
	if normFrom < 1 || normFrom > length || normUntil < 1 || normUntil > length {
		return normFrom, normUntil, false, false
	}
	return normFrom, normUntil, normFrom > normUntil, true
}

// ReadRange returns a lazy, finite, non-restartable sequence of documents
// between from and until (inclusive) in the named index (the primary
// index if indexName is empty). Negative bounds count from the end.
// Iteration runs in reverse when the normalized from > until. An invalid
// range is only reported when the sequence is first advanced.
func (s *Storage) ReadRange(from, until int, indexName string) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		if err := s.blockRead(); err != nil {
			yield(nil, err)
			return
		}
		idx, err := s.indexByNameLocked(indexName)
		if err != nil {
			s.mu.RUnlock()
			yield(nil, err)
			return
		}
		length := idx.Length()
		s.mu.RUnlock()

		normFrom, normUntil, reverse, ok := normalizeRange(from, until, length)
		if !ok {
			yield(nil, &RangeError{From: from, Until: until, Length: length})
			return
		}

		step := 1
		if reverse {
			step = -1
		}
		for n := normFrom; ; n += step {
			if err := s.blockRead(); err != nil {
				yield(nil, err)
				return
			}
			entry, ok, gerr := idx.Get(n)
			if gerr != nil {
				s.mu.RUnlock()
				yield(nil, gerr)
				return
			}
			if !ok {
				s.mu.RUnlock()
				return
			}
			doc, derr := s.readEntryLocked(entry)
			s.mu.RUnlock()
			if derr != nil {
				yield(nil, derr)
				return
			}
			if !yield(doc, nil) {
				return
			}
			if n == normUntil {
				return
			}
		}
	}
}
