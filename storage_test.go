// Storage façade behaviour: the write pipeline, read/readRange,
// secondary indexes, truncation, and the exclusive-writer lock. These
// tests implement the concrete end-to-end scenarios from the testable
// properties section of the design: write/read round trips across
// close-and-reopen, range queries with negative and reversed bounds,
// secondary-index filtering, partitioning, and lock contention.
package nestor

import (
	"errors"
	"path/filepath"
	"testing"
)

func doc(v map[string]any) map[string]any { return v }

// TestStorageWriteReadRoundTrip covers scenario 1: write a document,
// read it back, then again after close and reopen.
func TestStorageWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{DataDirectory: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	n, err := s.Write(doc(map[string]any{"foo": "bar"}), nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 1 {
		t.Fatalf("Write returned %d, want 1", n)
	}
	got, ok, err := s.Read(1, "")
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if m := got.(map[string]any); m["foo"] != "bar" {
		t.Fatalf("Read = %+v", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(Config{DataDirectory: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got2, ok, err := s2.Read(1, "")
	if err != nil || !ok {
		t.Fatalf("Read after reopen: ok=%v err=%v", ok, err)
	}
	if m := got2.(map[string]any); m["foo"] != "bar" {
		t.Fatalf("Read after reopen = %+v", got2)
	}
}

// TestStorageSequenceMonotonicity covers the monotonicity property:
// successive writes return strictly increasing integers starting at 1.
func TestStorageSequenceMonotonicity(t *testing.T) {
	s := openTestStorage(t, Config{})
	for want := 1; want <= 5; want++ {
		n, err := s.Write(doc(map[string]any{"i": want}), nil)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if n != want {
			t.Fatalf("Write #%d returned %d", want, n)
		}
	}
}

// TestStorageCloseTwiceIsSafe covers the idempotence
// property directly: Close() twice must not raise.
func TestStorageCloseTwiceIsSafe(t *testing.T) {
	s := openTestStorage(t, Config{})
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// TestStorageReadRange covers scenario 2: forward range, a negative
// tail range, a forward-bounded range, and a reversed range.
func TestStorageReadRange(t *testing.T) {
	s := openTestStorage(t, Config{})
	for i := 1; i <= 10; i++ {
		if _, err := s.Write(doc(map[string]any{"foo": float64(i)}), nil); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	all, err := collect(s.ReadRange(1, 10, ""))
	if err != nil {
		t.Fatalf("ReadRange(1,10): %v", err)
	}
	if len(all) != 10 || all[0].(map[string]any)["foo"] != float64(1) || all[9].(map[string]any)["foo"] != float64(10) {
		t.Fatalf("ReadRange(1,10) = %+v", all)
	}

	tail, err := collect(s.ReadRange(-4, -1, ""))
	if err != nil {
		t.Fatalf("ReadRange(-4,-1): %v", err)
	}
	if len(tail) != 4 || tail[0].(map[string]any)["foo"] != float64(7) || tail[3].(map[string]any)["foo"] != float64(10) {
		t.Fatalf("ReadRange(-4,-1) = %+v", tail)
	}

	prefix, err := collect(s.ReadRange(1, -4, ""))
	if err != nil {
		t.Fatalf("ReadRange(1,-4): %v", err)
	}
	if len(prefix) != 7 || prefix[6].(map[string]any)["foo"] != float64(7) {
		t.Fatalf("ReadRange(1,-4) = %+v", prefix)
	}

	reverse, err := collect(s.ReadRange(10, 1, ""))
	if err != nil {
		t.Fatalf("ReadRange(10,1): %v", err)
	}
	if len(reverse) != 10 || reverse[0].(map[string]any)["foo"] != float64(10) || reverse[9].(map[string]any)["foo"] != float64(1) {
		t.Fatalf("ReadRange(10,1) = %+v", reverse)
	}
}

// TestStorageReadRangeInvalidRaisesLazily covers the same deferred
// validation rule ReadRange shares with Index.Range.
func TestStorageReadRangeInvalidRaisesLazily(t *testing.T) {
	s := openTestStorage(t, Config{})
	if _, err := s.Write(doc(map[string]any{"foo": 1}), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	seq := s.ReadRange(1, 99, "")
	_, err := collect(seq)
	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("got %v, want *RangeError", err)
	}
}

// TestStorageSecondaryIndex covers scenario 3: a predicate-built
// secondary index only ever contains documents the predicate accepts,
// addressable the same way as the primary index.
func TestStorageSecondaryIndex(t *testing.T) {
	s := openTestStorage(t, Config{})
	for i := 1; i <= 10; i++ {
		if _, err := s.Write(doc(map[string]any{"foo": float64(i)}), nil); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	odd := PredicateMatcher{
		Fn:     func(d any) bool { return int(d.(map[string]any)["foo"].(float64))%2 == 1 },
		Source: "doc.foo % 2 === 1",
	}
	if _, err := s.EnsureIndex("odd", odd); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}

	got, ok, err := s.Read(3, "odd")
	if err != nil || !ok {
		t.Fatalf("Read(3,odd): ok=%v err=%v", ok, err)
	}
	if got.(map[string]any)["foo"] != float64(5) {
		t.Fatalf("Read(3,odd) = %+v, want foo=5", got)
	}

	rangeDocs, err := collect(s.ReadRange(1, 3, "odd"))
	if err != nil {
		t.Fatalf("ReadRange(1,3,odd): %v", err)
	}
	want := []float64{1, 3, 5}
	if len(rangeDocs) != 3 {
		t.Fatalf("ReadRange(1,3,odd) len = %d, want 3", len(rangeDocs))
	}
	for i, w := range want {
		if rangeDocs[i].(map[string]any)["foo"] != w {
			t.Fatalf("ReadRange(1,3,odd)[%d] = %+v, want foo=%v", i, rangeDocs[i], w)
		}
	}
}

// TestStorageEnsureIndexReopenValidatesMatcher covers the "open an
// existing index file" branch of EnsureIndex: reopening with the same
// matcher the file was built with succeeds, and reopening a second,
// freshly-opened Storage with an incompatible matcher is rejected
// before the index is ever loaded into memory.
func TestStorageEnsureIndexReopenValidatesMatcher(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{DataDirectory: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	shape := ShapeMatcher{Shape: map[string]any{"type": "Foobar"}}
	if _, err := s.Write(doc(map[string]any{"type": "Foobar"}), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.EnsureIndex("foobar", shape); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(Config{DataDirectory: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := s2.EnsureIndex("foobar", shape); err != nil {
		t.Fatalf("EnsureIndex with matching matcher: %v", err)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s3, err := Open(Config{DataDirectory: dir})
	if err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	defer s3.Close()
	other := ShapeMatcher{Shape: map[string]any{"type": "Other"}}
	if _, err := s3.EnsureIndex("foobar", other); !errors.Is(err, ErrIndexMatcherMismatch) {
		t.Fatalf("got %v, want ErrIndexMatcherMismatch", err)
	}
}

// TestStorageEnsureIndexRequiresMatcherForNewIndex covers the "must
// supply a matcher to build a new index" rule.
func TestStorageEnsureIndexRequiresMatcherForNewIndex(t *testing.T) {
	s := openTestStorage(t, Config{})
	if _, err := s.EnsureIndex("brand-new", nil); !errors.Is(err, ErrMatcherRequired) {
		t.Fatalf("got %v, want ErrMatcherRequired", err)
	}
}

// TestStorageOpenIndexNamedMissingErrors covers OpenIndexNamed's
// "must already exist" rule, unlike EnsureIndex.
func TestStorageOpenIndexNamedMissingErrors(t *testing.T) {
	s := openTestStorage(t, Config{})
	if _, err := s.OpenIndexNamed("nope"); !errors.Is(err, ErrIndexNotFound) {
		t.Fatalf("got %v, want ErrIndexNotFound", err)
	}
}

// TestStoragePartitioner covers scenario 4: a custom partitioner fans
// writes out across several files, and every document is still
// readable by its global number after close and reopen. The partitioner
// under test is HashPartitioner, bucketing documents by content hash
// rather than round-robin.
func TestStoragePartitioner(t *testing.T) {
	dir := t.TempDir()
	partitioner := HashPartitioner(JSONSerializer{}, 4, HashXXH3)
	s, err := Open(Config{DataDirectory: dir, Partitioner: partitioner})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var want []map[string]any
	for i := 1; i <= 8; i++ {
		d := map[string]any{"i": float64(i)}
		want = append(want, d)
		if _, err := s.Write(d, nil); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for p := 0; p < 4; p++ {
		name := "storage.part-" + string(rune('0'+p))
		if _, err := filepath.Glob(filepath.Join(dir, name)); err != nil {
			t.Fatalf("glob: %v", err)
		}
	}

	s2, err := Open(Config{DataDirectory: dir, Partitioner: partitioner})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	for i := 1; i <= 8; i++ {
		got, ok, err := s2.Read(i, "")
		if err != nil || !ok {
			t.Fatalf("Read(%d): ok=%v err=%v", i, ok, err)
		}
		if got.(map[string]any)["i"] != want[i-1]["i"] {
			t.Fatalf("Read(%d) = %+v, want %+v", i, got, want[i-1])
		}
	}
}

// TestStorageExclusiveWriterLock covers scenario 5: a second writer
// against the same directory is rejected immediately rather than
// blocking.
func TestStorageExclusiveWriterLock(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(Config{DataDirectory: dir})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer s1.Close()

	_, err = Open(Config{DataDirectory: dir})
	if !errors.Is(err, ErrStorageLocked) {
		t.Fatalf("got %v, want ErrStorageLocked", err)
	}
}

// TestStorageTruncate covers the index/log coherence property: after a
// sequence of writes and one Truncate(K), Length()==K and every
// surviving document still reads back as originally written.
func TestStorageTruncate(t *testing.T) {
	s := openTestStorage(t, Config{})
	var docs []map[string]any
	for i := 1; i <= 10; i++ {
		d := map[string]any{"i": float64(i)}
		docs = append(docs, d)
		if _, err := s.Write(d, nil); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := s.Truncate(6); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if s.Length() != 6 {
		t.Fatalf("Length() = %d, want 6", s.Length())
	}
	for i := 1; i <= 6; i++ {
		got, ok, err := s.Read(i, "")
		if err != nil || !ok {
			t.Fatalf("Read(%d): ok=%v err=%v", i, ok, err)
		}
		if got.(map[string]any)["i"] != docs[i-1]["i"] {
			t.Fatalf("Read(%d) = %+v, want %+v", i, got, docs[i-1])
		}
	}
	if _, ok, err := s.Read(7, ""); err != nil || ok {
		t.Fatalf("Read(7) after truncate: ok=%v err=%v, want ok=false", ok, err)
	}

	if _, err := s.Write(map[string]any{"i": float64(99)}, nil); err != nil {
		t.Fatalf("Write after truncate: %v", err)
	}
	if s.Length() != 7 {
		t.Fatalf("Length() after write = %d, want 7", s.Length())
	}
}

// TestStorageTruncateSecondaryIndex covers secondary-index truncation:
// truncating the primary must also cut every open secondary index to
// its corresponding entry count, not just the primary file.
func TestStorageTruncateSecondaryIndex(t *testing.T) {
	s := openTestStorage(t, Config{})
	odd := PredicateMatcher{
		Fn:     func(d any) bool { return int(d.(map[string]any)["i"].(float64))%2 == 1 },
		Source: "i % 2 === 1",
	}
	if _, err := s.EnsureIndex("odd", odd); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if _, err := s.Write(map[string]any{"i": float64(i)}, nil); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// odd index now has entries for 1,3,5,7,9 (5 entries).
	if err := s.Truncate(6); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	n, err := s.IndexLength("odd")
	if err != nil {
		t.Fatalf("IndexLength: %v", err)
	}
	if n != 3 { // 1,3,5 survive; 7,9 are past the cut
		t.Fatalf("IndexLength(odd) = %d, want 3", n)
	}
}

// TestStorageAddIndexerAutoCreates covers AddIndexer: a registered
// indexer function must auto-create its named secondary index the
// first time a matching document is written.
func TestStorageAddIndexerAutoCreates(t *testing.T) {
	s := openTestStorage(t, Config{})
	s.AddIndexer(func(d any) (string, Matcher, bool) {
		m := d.(map[string]any)
		if m["type"] != "Foobar" {
			return "", nil, false
		}
		return "foobar", ShapeMatcher{Shape: map[string]any{"type": "Foobar"}}, true
	})

	if _, err := s.Write(map[string]any{"type": "Other"}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Write(map[string]any{"type": "Foobar", "id": float64(1)}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	n, err := s.IndexLength("foobar")
	if err != nil {
		t.Fatalf("IndexLength: %v", err)
	}
	if n != 1 {
		t.Fatalf("IndexLength(foobar) = %d, want 1", n)
	}
}

// TestStorageMatches exercises the Matches convenience wired straight
// to the package-level Matches function.
func TestStorageMatches(t *testing.T) {
	s := openTestStorage(t, Config{})
	m := ShapeMatcher{Shape: map[string]any{"ok": true}}
	if !s.Matches(map[string]any{"ok": true}, m) {
		t.Fatal("expected match")
	}
	if s.Matches(map[string]any{"ok": false}, m) {
		t.Fatal("expected no match")
	}
}
