// Shared test helpers.
package nestor

import (
	"iter"
	"path/filepath"
	"testing"
)

// collect materialises an iter.Seq2[T, error] into a slice, stopping on
// the first error. Used wherever a test needs to inspect an entire lazy
// sequence rather than stepping through it by hand.
func collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var items []T
	for item, err := range seq {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

// openTestStorage opens a fresh Storage in a temporary directory and
// registers cleanup to close it when the test finishes.
func openTestStorage(t *testing.T, cfg Config) *Storage {
	t.Helper()
	if cfg.DataDirectory == "" {
		cfg.DataDirectory = t.TempDir()
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestPartition(t *testing.T, cfg Config) *Partition {
	t.Helper()
	dir := t.TempDir()
	p, err := OpenPartition(dir, "storage", cfg)
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func docPath(dir, name string) string {
	return filepath.Join(dir, name)
}
