package manifest

import (
	"sync"

	"snapbridge/internal/bridge"
)

// MemoryStore keeps manifests in memory. Use in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]bridge.ManifestEntry

	// FailAppend, when set, is returned by Append.
	FailAppend error
}

var _ bridge.ManifestStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]bridge.ManifestEntry)}
}

func (s *MemoryStore) Append(snapshotID string, e bridge.ManifestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppend != nil {
		return s.FailAppend
	}
	s.entries[snapshotID] = append(s.entries[snapshotID], e)
	return nil
}

func (s *MemoryStore) Entries(snapshotID string) ([]bridge.ManifestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bridge.ManifestEntry, len(s.entries[snapshotID]))
	copy(out, s.entries[snapshotID])
	return out, nil
}
