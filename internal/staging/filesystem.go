package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"snapbridge/internal/bridge"
)

// FileSystemStagingArea keeps in-flight content on local disk.
//
// Directory structure:
//
//	<content_root>/
//	  <snapshot_id>/        (content copied out of the source space)
//	<restoration_root>/
//	  <restoration_id>/     (content delivered back by the node)
type FileSystemStagingArea struct {
	contentRoot     string
	restorationRoot string
}

// Compile-time check that FileSystemStagingArea implements bridge.StagingArea
var _ bridge.StagingArea = (*FileSystemStagingArea)(nil)

// NewFileSystemStagingArea creates both roots if they do not exist.
func NewFileSystemStagingArea(contentRoot, restorationRoot string) (*FileSystemStagingArea, error) {
	for _, dir := range []string{contentRoot, restorationRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
	}
	return &FileSystemStagingArea{
		contentRoot:     contentRoot,
		restorationRoot: restorationRoot,
	}, nil
}

func (s *FileSystemStagingArea) SnapshotDir(snapshotID string) string {
	return filepath.Join(s.contentRoot, snapshotID)
}

func (s *FileSystemStagingArea) RestoreDir(restorationID int64) string {
	return filepath.Join(s.restorationRoot, strconv.FormatInt(restorationID, 10))
}

func (s *FileSystemStagingArea) CreateSnapshotDir(snapshotID string) (string, error) {
	if err := bridge.ValidateSnapshotID(snapshotID); err != nil {
		return "", err
	}
	dir := s.SnapshotDir(snapshotID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating snapshot directory: %w", err)
	}
	return dir, nil
}

func (s *FileSystemStagingArea) CreateRestoreDir(restorationID int64) (string, error) {
	dir := s.RestoreDir(restorationID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating restore directory: %w", err)
	}
	return dir, nil
}

func (s *FileSystemStagingArea) RemoveSnapshotDir(snapshotID string) error {
	if err := bridge.ValidateSnapshotID(snapshotID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.SnapshotDir(snapshotID)); err != nil {
		return fmt.Errorf("removing snapshot directory: %w", err)
	}
	return nil
}

func (s *FileSystemStagingArea) RemoveRestoreDir(restorationID int64) error {
	if err := os.RemoveAll(s.RestoreDir(restorationID)); err != nil {
		return fmt.Errorf("removing restore directory: %w", err)
	}
	return nil
}
