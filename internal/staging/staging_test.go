package staging

import (
	"os"
	"path/filepath"
	"testing"

	"snapbridge/internal/config"
)

func TestFileSystemStagingArea_SnapshotDir(t *testing.T) {
	root := t.TempDir()
	sa, err := NewFileSystemStagingArea(filepath.Join(root, "content"), filepath.Join(root, "restore"))
	if err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}

	dir, err := sa.CreateSnapshotDir("snap-1")
	if err != nil {
		t.Fatalf("CreateSnapshotDir() error = %v", err)
	}
	if want := filepath.Join(root, "content", "snap-1"); dir != want {
		t.Errorf("CreateSnapshotDir() = %q, want %q", dir, want)
	}
	if err := os.WriteFile(filepath.Join(dir, "item"), []byte("data"), 0644); err != nil {
		t.Fatalf("writing staged item: %v", err)
	}

	if err := sa.RemoveSnapshotDir("snap-1"); err != nil {
		t.Fatalf("RemoveSnapshotDir() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("snapshot dir still exists after removal, stat error = %v", err)
	}

	// Removing again is not an error.
	if err := sa.RemoveSnapshotDir("snap-1"); err != nil {
		t.Errorf("second RemoveSnapshotDir() error = %v", err)
	}
}

func TestFileSystemStagingArea_RestoreDir(t *testing.T) {
	root := t.TempDir()
	sa, err := NewFileSystemStagingArea(filepath.Join(root, "content"), filepath.Join(root, "restore"))
	if err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}

	dir, err := sa.CreateRestoreDir(42)
	if err != nil {
		t.Fatalf("CreateRestoreDir() error = %v", err)
	}
	if want := filepath.Join(root, "restore", "42"); dir != want {
		t.Errorf("CreateRestoreDir() = %q, want %q", dir, want)
	}
	if dir != sa.RestoreDir(42) {
		t.Errorf("RestoreDir(42) = %q, want %q", sa.RestoreDir(42), dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("restore dir not created: %v", err)
	}

	if err := sa.RemoveRestoreDir(42); err != nil {
		t.Fatalf("RemoveRestoreDir() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("restore dir still exists after removal, stat error = %v", err)
	}
}

func TestFileSystemStagingArea_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	sa, err := NewFileSystemStagingArea(filepath.Join(root, "content"), filepath.Join(root, "restore"))
	if err != nil {
		t.Fatalf("NewFileSystemStagingArea() error = %v", err)
	}

	if _, err := sa.CreateSnapshotDir("../outside"); err == nil {
		t.Error("CreateSnapshotDir(../outside) expected error")
	}
	if err := sa.RemoveSnapshotDir(".."); err == nil {
		t.Error("RemoveSnapshotDir(..) expected error")
	}
}

func TestMemoryStagingArea(t *testing.T) {
	sa := NewMemoryStagingArea()

	dir, err := sa.CreateRestoreDir(7)
	if err != nil {
		t.Fatalf("CreateRestoreDir() error = %v", err)
	}
	if !sa.Exists(dir) {
		t.Errorf("Exists(%q) = false after create", dir)
	}
	if err := sa.RemoveRestoreDir(7); err != nil {
		t.Fatalf("RemoveRestoreDir() error = %v", err)
	}
	if sa.Exists(dir) {
		t.Errorf("Exists(%q) = true after remove", dir)
	}
}

func TestNewStagingAreaFromConfig(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		cfg     config.StagingConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StagingConfig{Type: "memory"}},
		{name: "filesystem", cfg: config.StagingConfig{
			Type:               "filesystem",
			ContentRootDir:     filepath.Join(root, "c"),
			RestorationRootDir: filepath.Join(root, "r"),
		}},
		{name: "filesystem without roots", cfg: config.StagingConfig{Type: "filesystem"}, wantErr: true},
		{name: "unknown", cfg: config.StagingConfig{Type: "tape"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sa, err := NewStagingAreaFromConfig(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewStagingAreaFromConfig() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStagingAreaFromConfig() error = %v", err)
			}
			if sa == nil {
				t.Fatal("NewStagingAreaFromConfig() returned nil")
			}
		})
	}
}
