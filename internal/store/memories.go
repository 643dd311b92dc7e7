package store

// GetMemory loads one memory entry by id.
func (s *Store) GetMemory(memoryID string) (MemoryEntry, bool) {
	return readJSON[MemoryEntry](s, s.memoryPath(memoryID))
}

// PutMemory atomically persists one memory entry.
func (s *Store) PutMemory(m MemoryEntry) error {
	return writeJSON(s, s.memoryPath(m.ID), m)
}

// DeleteMemory removes a memory entry's file (forgetting-cleanup hard delete,
// spec.md §4.10).
func (s *Store) DeleteMemory(memoryID string) error {
	return removeIfExists(s.memoryPath(memoryID))
}

// ListMemories loads every memory entry under memories/, skipping any that
// are absent or corrupt.
func (s *Store) ListMemories() ([]MemoryEntry, error) {
	names, err := listDir(s.memoriesDir(), ".json")
	if err != nil {
		return nil, err
	}
	var out []MemoryEntry
	for _, name := range names {
		id := trimJSONSuffix(name)
		if m, ok := s.GetMemory(id); ok {
			out = append(out, m)
		}
	}
	return out, nil
}
