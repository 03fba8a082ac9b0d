package staging

import (
	"path"
	"strconv"
	"sync"

	"snapbridge/internal/bridge"
)

// MemoryStagingArea records directory operations without touching disk,
// making it useful for testing. Safe for concurrent use.
type MemoryStagingArea struct {
	mu   sync.Mutex
	dirs map[string]bool

	// Failure injection. A non-nil error is returned by the matching call.
	FailCreate error
	FailRemove error
}

// Compile-time check that MemoryStagingArea implements bridge.StagingArea
var _ bridge.StagingArea = (*MemoryStagingArea)(nil)

func NewMemoryStagingArea() *MemoryStagingArea {
	return &MemoryStagingArea{dirs: make(map[string]bool)}
}

func (s *MemoryStagingArea) SnapshotDir(snapshotID string) string {
	return path.Join("/staging/content", snapshotID)
}

func (s *MemoryStagingArea) RestoreDir(restorationID int64) string {
	return path.Join("/staging/restorations", strconv.FormatInt(restorationID, 10))
}

func (s *MemoryStagingArea) CreateSnapshotDir(snapshotID string) (string, error) {
	return s.create(s.SnapshotDir(snapshotID))
}

func (s *MemoryStagingArea) CreateRestoreDir(restorationID int64) (string, error) {
	return s.create(s.RestoreDir(restorationID))
}

func (s *MemoryStagingArea) RemoveSnapshotDir(snapshotID string) error {
	return s.remove(s.SnapshotDir(snapshotID))
}

func (s *MemoryStagingArea) RemoveRestoreDir(restorationID int64) error {
	return s.remove(s.RestoreDir(restorationID))
}

// Exists reports whether dir has been created and not removed.
func (s *MemoryStagingArea) Exists(dir string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[dir]
}

func (s *MemoryStagingArea) create(dir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreate != nil {
		return "", s.FailCreate
	}
	s.dirs[dir] = true
	return dir, nil
}

func (s *MemoryStagingArea) remove(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRemove != nil {
		return s.FailRemove
	}
	delete(s.dirs, dir)
	return nil
}
