// Package nestor implements an append-only event storage engine: a
// durable, single-writer/multi-reader log of opaque documents with
// positional primary addressing, optional content-derived secondary
// indexes, partitioned data files, and durable per-consumer cursors that
// provide at-least-once streaming delivery.
//
// The package is organised around four components, in dependency order:
// Partition (the on-disk append-only file), Index (a fixed-record
// positional index over partition offsets), Storage (the façade that
// multiplexes writes across partitions and keeps indexes consistent),
// and Consumer (a durable cursor with catch-up and tailing semantics).
package nestor

import (
	"errors"
	"fmt"
)

// HeaderMagic identifies a nestor-formatted partition or index file.
const HeaderMagic = "nestor01"

// Sentinel errors returned by core operations.
var (
	// ErrNotOpen is returned when reading or writing a closed Partition,
	// Index, Storage or Consumer.
	ErrNotOpen = errors.New("nestor: not open")

	// ErrStorageLocked is returned by Storage.Open when another process
	// already holds the exclusive writer lock.
	ErrStorageLocked = errors.New("nestor: storage already locked by another writer")

	// ErrIndexNotFound is returned by Storage.OpenIndexNamed when the named
	// secondary index has no file on disk, and by Storage.Read,
	// Storage.IndexLength and Storage.ReadRange when the named secondary
	// index is not open.
	ErrIndexNotFound = errors.New("nestor: index not found")

	// ErrIndexMatcherMismatch is returned by Storage.EnsureIndex when a
	// matcher is supplied for an existing index file whose stored matcher
	// differs from it.
	ErrIndexMatcherMismatch = errors.New("nestor: index matcher does not match stored matcher")

	// ErrMatcherRequired is returned by Storage.EnsureIndex when building
	// a brand new secondary index without a matcher, and by
	// Storage.OpenIndexNamed for an index built with a PredicateMatcher,
	// whose function is not stored in the index file.
	ErrMatcherRequired = errors.New("nestor: a matcher is required to create a new index")

	// ErrStateMutation is returned by Consumer.SetState when called
	// outside the synchronous document-handling callback.
	ErrStateMutation = errors.New("nestor: SetState called outside a document handler")

	// ErrDecompress is wrapped by CompressedSerializer when ascii85 or
	// zstd decoding fails.
	ErrDecompress = errors.New("nestor: decompress failed")
)

// CorruptFileError reports damage to a partition or index file: magic
// mismatch, a torn tail record, a non-numeric length prefix, or an HMAC
// mismatch on an index header.
type CorruptFileError struct {
	File   string
	Reason string
}

func (e *CorruptFileError) Error() string {
	return fmt.Sprintf("nestor: corrupt file %s: %s", e.File, e.Reason)
}

// InvalidDataSizeError is returned by Partition.ReadFrom when the
// caller-supplied expected size does not match the on-disk frame size,
// signalling index/log drift.
type InvalidDataSizeError struct {
	Offset   int64
	Expected int
	Actual   int
}

func (e *InvalidDataSizeError) Error() string {
	return fmt.Sprintf("nestor: invalid data size at offset %d: expected %d, got %d", e.Offset, e.Expected, e.Actual)
}

// RangeError reports an invalid range passed to Index.Range or
// Storage.ReadRange. It is raised lazily, on the first advance of the
// returned sequence, not at the call that constructs it.
type RangeError struct {
	From, Until int
	Length      int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("nestor: invalid range [%d,%d] for length %d", e.From, e.Until, e.Length)
}
