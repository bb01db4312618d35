package nestor

// RepairPrimaryIndex is the explicit recovery hook for a primary index
// left behind a partition's true contents after a crash between a
// partition write and its index append (the two are not committed
// atomically). It is never invoked automatically on Open: deciding when
// a storage is suspect enough to warrant a rescan is a deployment
// decision, not one this package makes for the caller.
//
// It blocks new reads and writes (mirroring the exclusive window a
// compaction pass would use), rescans every known partition starting
// from the byte offset implied by the last valid primary-index entry
// for that partition, and appends any framed documents found past that
// point as new primary-index entries in partition order.
func (s *Storage) RepairPrimaryIndex() error {
	s.cond.L.Lock()
	s.state.Store(storageStateNone)
	s.cond.L.Unlock()

	defer func() {
		s.cond.L.Lock()
		s.state.Store(storageStateAll)
		s.cond.Broadcast()
		s.cond.L.Unlock()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	lastOffsetByPartition := make(map[uint32]int64)
	highestNumber := uint32(0)
	for n := 1; n <= s.length; n++ {
		entry, ok, err := s.primary.Get(n)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		end := int64(entry.Position) + int64(entry.Size)
		if end > lastOffsetByPartition[entry.Partition] {
			lastOffsetByPartition[entry.Partition] = end
		}
		if entry.Number > highestNumber {
			highestNumber = entry.Number
		}
	}

	type recovered struct {
		offset int64
		size   int
		pid    uint32
	}
	var found []recovered

	pm := s.pmap
	pm.mu.Lock()
	names := append([]string(nil), pm.names...)
	pm.mu.Unlock()

	for _, name := range names {
		pid, err := pm.idFor(name)
		if err != nil {
			return err
		}
		partition, err := s.getOrOpenPartitionLocked(name)
		if err != nil {
			return err
		}
		start := lastOffsetByPartition[pid]
		if start < PartitionHeaderSize {
			start = PartitionHeaderSize
		}
		for doc, derr := range partition.ReadAll(start) {
			if derr != nil {
				return derr
			}
			found = append(found, recovered{offset: start, size: frameOverhead + len(doc), pid: pid})
			start += int64(frameOverhead + len(doc))
		}
	}

	for _, r := range found {
		highestNumber++
		entry := Entry{Number: highestNumber, Position: uint32(r.offset), Size: uint32(r.size), Partition: r.pid}
		if _, err := s.primary.Add(entry, nil); err != nil {
			return err
		}
		s.length++
	}

	return nil
}
