package nestor

import (
	"bufio"
	"os"
	"strings"
	"sync"
)

// partitionMap assigns a stable u32 id to each partition identifier string
// a Partitioner can return. Index.Entry.Partition is a fixed-width u32, so
// the string id a Partitioner hands back needs a small, append-only
// translation table on disk: one name per line, in first-use order, a
// partition's id being its 0-based line number.
type partitionMap struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	names []string
	index map[string]uint32
}

func openPartitionMap(path string) (*partitionMap, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	pm := &partitionMap{path: path, file: file, index: make(map[string]uint32)}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		name := scanner.Text()
		pm.index[name] = uint32(len(pm.names))
		pm.names = append(pm.names, name)
	}
	if err := scanner.Err(); err != nil {
		file.Close()
		return nil, err
	}
	return pm, nil
}

// idFor returns the numeric id for name, assigning and durably persisting
// a new one if name has not been seen before.
func (pm *partitionMap) idFor(name string) (uint32, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if id, ok := pm.index[name]; ok {
		return id, nil
	}

	id := uint32(len(pm.names))
	if _, err := pm.file.WriteString(name + "\n"); err != nil {
		return 0, err
	}
	if err := pm.file.Sync(); err != nil {
		return 0, err
	}
	pm.index[name] = id
	pm.names = append(pm.names, name)
	return id, nil
}

// nameFor returns the partition identifier string for a numeric id.
func (pm *partitionMap) nameFor(id uint32) (string, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if int(id) >= len(pm.names) {
		return "", false
	}
	return pm.names[id], true
}

func (pm *partitionMap) close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.file.Close()
}

// fileNameFor renders the on-disk partition file name for an identifier:
// {storageFile} for the default empty-string partition, or
// {storageFile}.{id} otherwise.
func fileNameFor(storageFile, partitionID string) string {
	if partitionID == "" {
		return storageFile
	}
	return storageFile + "." + partitionID
}

// indexFileName renders the on-disk file name for a named secondary (or
// primary, with name "") index.
func indexFileName(storageFile, indexName string) string {
	if indexName == "" {
		return storageFile + ".primary.index"
	}
	return storageFile + "." + indexName + ".index"
}

// isOwnFile reports whether fileName belongs to this storage instance
// rather than a different one sharing the same directory, distinguished
// by the storageFile prefix.
func isOwnFile(storageFile, fileName string) bool {
	return fileName == storageFile || strings.HasPrefix(fileName, storageFile+".")
}
