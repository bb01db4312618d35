// Index core behaviour: fixed-record encoding, positional lookup, range
// queries, truncation and the HMAC header policy.
package nestor

import (
	"errors"
	"os"
	"testing"
)

func entryAt(n int) Entry {
	return Entry{Number: uint32(n), Position: uint32(n * 100), Size: 42, Partition: 0}
}

func openTestIndex(t *testing.T, matcher Matcher, secret []byte) *Index {
	t.Helper()
	dir := t.TempDir()
	idx, err := OpenIndex(dir, "storage.primary.index", matcher, secret)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

// TestIndexAddGetRoundTrip covers O(1) positional access: every entry
// added is retrievable by its 1-based number afterward.
func TestIndexAddGetRoundTrip(t *testing.T) {
	idx := openTestIndex(t, nil, nil)
	for n := 1; n <= 5; n++ {
		if _, err := idx.Add(entryAt(n), nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if idx.Length() != 5 {
		t.Fatalf("Length() = %d, want 5", idx.Length())
	}
	for n := 1; n <= 5; n++ {
		entry, ok, err := idx.Get(n)
		if err != nil || !ok {
			t.Fatalf("Get(%d): ok=%v err=%v", n, ok, err)
		}
		if entry != entryAt(n) {
			t.Fatalf("Get(%d) = %+v, want %+v", n, entry, entryAt(n))
		}
	}
}

// TestIndexGetOutOfRange covers the out-of-range contract: Get returns
// ok=false (not an error) for n<1 or n>Length.
func TestIndexGetOutOfRange(t *testing.T) {
	idx := openTestIndex(t, nil, nil)
	if _, err := idx.Add(entryAt(1), nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for _, n := range []int{0, -1, 2, 100} {
		_, ok, err := idx.Get(n)
		if err != nil {
			t.Fatalf("Get(%d): %v", n, err)
		}
		if ok {
			t.Fatalf("Get(%d): expected ok=false", n)
		}
	}
}

// TestIndexRangeForwardAndReverse covers spec section 8's range
// property: forward iteration in order, a negative bound counted from
// the end, and reverse iteration when normalized from > until.
func TestIndexRangeForwardAndReverse(t *testing.T) {
	idx := openTestIndex(t, nil, nil)
	for n := 1; n <= 10; n++ {
		if _, err := idx.Add(entryAt(n), nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	forward, err := collect(idx.Range(1, 10))
	if err != nil {
		t.Fatalf("Range(1,10): %v", err)
	}
	if len(forward) != 10 || forward[0].Number != 1 || forward[9].Number != 10 {
		t.Fatalf("Range(1,10) = %+v", forward)
	}

	tail, err := collect(idx.Range(-4, -1))
	if err != nil {
		t.Fatalf("Range(-4,-1): %v", err)
	}
	if len(tail) != 4 || tail[0].Number != 7 || tail[3].Number != 10 {
		t.Fatalf("Range(-4,-1) = %+v", tail)
	}

	reverse, err := collect(idx.Range(10, 1))
	if err != nil {
		t.Fatalf("Range(10,1): %v", err)
	}
	if len(reverse) != 10 || reverse[0].Number != 10 || reverse[9].Number != 1 {
		t.Fatalf("Range(10,1) = %+v", reverse)
	}
}

// TestIndexRangeOutOfBoundsRaisesLazily covers the deferred-validation
// contract: an invalid range is only reported on the first advance of
// the returned sequence, not at the Range call itself.
func TestIndexRangeOutOfBoundsRaisesLazily(t *testing.T) {
	idx := openTestIndex(t, nil, nil)
	if _, err := idx.Add(entryAt(1), nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	seq := idx.Range(1, 5) // constructing the sequence must not raise
	_, err := collect(seq)
	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("got %v, want *RangeError", err)
	}
}

// TestIndexAll covers the All() convenience sequence over every entry.
func TestIndexAll(t *testing.T) {
	idx := openTestIndex(t, nil, nil)
	for n := 1; n <= 3; n++ {
		if _, err := idx.Add(entryAt(n), nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	all, err := collect(idx.All())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("All() len = %d, want 3", len(all))
	}
}

// TestIndexTruncate covers shrink-to-length plus the lastEntry/Length
// bookkeeping that must follow it.
func TestIndexTruncate(t *testing.T) {
	idx := openTestIndex(t, nil, nil)
	for n := 1; n <= 5; n++ {
		if _, err := idx.Add(entryAt(n), nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := idx.Truncate(3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if idx.Length() != 3 {
		t.Fatalf("Length() = %d, want 3", idx.Length())
	}
	last, ok := idx.LastEntry()
	if !ok || last.Number != 3 {
		t.Fatalf("LastEntry() = %+v, ok=%v, want Number=3", last, ok)
	}
	if _, ok, _ := idx.Get(4); ok {
		t.Fatal("expected entry 4 to be gone after truncate")
	}
}

// TestIndexTruncateIdempotentBeyondLength covers the no-op case: asking
// to keep more than currently exists must not raise or shrink the file.
func TestIndexTruncateIdempotentBeyondLength(t *testing.T) {
	idx := openTestIndex(t, nil, nil)
	if _, err := idx.Add(entryAt(1), nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := idx.Truncate(100); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if idx.Length() != 1 {
		t.Fatalf("Length() = %d, want 1", idx.Length())
	}
}

// TestIndexTornTailDropped covers the difference from Partition: a torn
// index record is silently dropped (not an error), since it reflects a
// writer that died between the partition write and the index append.
func TestIndexTornTailDropped(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(dir, "storage.primary.index", nil, nil)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	for n := 1; n <= 3; n++ {
		if _, err := idx.Add(entryAt(n), nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	path := idx.path
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	idx2, err := OpenIndex(dir, "storage.primary.index", nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx2.Close()
	if idx2.Length() != 2 {
		t.Fatalf("Length() after reopen = %d, want 2 (torn 3rd record dropped)", idx2.Length())
	}
}

// TestIndexHMACMismatchRejected covers the HMAC header policy: an index
// opened with one secret must be rejected when reopened with another.
func TestIndexHMACMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(dir, "storage.foo.index", ShapeMatcher{Shape: map[string]any{"type": "foo"}}, []byte("secret-a"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = OpenIndex(dir, "storage.foo.index", nil, []byte("secret-b"))
	var corrupt *CorruptFileError
	if !errors.As(err, &corrupt) {
		t.Fatalf("got %v, want *CorruptFileError for HMAC mismatch", err)
	}
}

// TestIndexHMACRoundTrip covers the matching-secret path: reopening
// with the same secret succeeds and the matcher metadata survives.
func TestIndexHMACRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(dir, "storage.foo.index", ShapeMatcher{Shape: map[string]any{"type": "foo"}}, []byte("secret"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx2, err := OpenIndex(dir, "storage.foo.index", nil, []byte("secret"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx2.Close()
	kind, shape, _ := idx2.Metadata()
	if kind != "shape" {
		t.Fatalf("kind = %q, want shape", kind)
	}
	if string(shape) != `{"type":"foo"}` {
		t.Fatalf("shape = %s", shape)
	}
}

// TestIndexRotateSecret covers re-signing in place: after rotation, the
// old secret must be rejected and the new one accepted.
func TestIndexRotateSecret(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(dir, "storage.primary.index", nil, []byte("old"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	if err := idx.RotateSecret([]byte("new")); err != nil {
		t.Fatalf("RotateSecret: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := OpenIndex(dir, "storage.primary.index", nil, []byte("old")); err == nil {
		t.Fatal("expected old secret to be rejected after rotation")
	}
	idx2, err := OpenIndex(dir, "storage.primary.index", nil, []byte("new"))
	if err != nil {
		t.Fatalf("expected new secret to be accepted: %v", err)
	}
	idx2.Close()
}
