// Package manifest stores snapshot manifests as BagIt-style text files.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"snapbridge/internal/bridge"
)

// File names of the two manifests kept per snapshot. The SHA-256 manifest is
// authoritative.
const (
	SHA256FileName = "manifest-sha256.txt"
	MD5FileName    = "manifest-md5.txt"
)

// FormatLine renders one manifest line: the checksum, two spaces, and the
// content ID.
func FormatLine(checksum, contentID string) string {
	return checksum + "  " + contentID + "\n"
}

// ParseLine splits a manifest line into checksum and content ID.
func ParseLine(line string) (checksum, contentID string, err error) {
	line = strings.TrimRight(line, "\r\n")
	checksum, contentID, ok := strings.Cut(line, "  ")
	if !ok || checksum == "" || contentID == "" {
		return "", "", fmt.Errorf("malformed manifest line %q", line)
	}
	return checksum, contentID, nil
}

// ReadEntries parses manifest lines from r. Blank lines are skipped.
func ReadEntries(r io.Reader) ([]bridge.ManifestEntry, error) {
	var entries []bridge.ManifestEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		checksum, contentID, err := ParseLine(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, bridge.ManifestEntry{ContentID: contentID, Checksum: checksum})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return entries, nil
}

// FileStore keeps the manifests of each snapshot under root/<snapshotID>/.
type FileStore struct {
	mu   sync.Mutex
	root string
}

var _ bridge.ManifestStore = (*FileStore)(nil)

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Path returns the location of the named manifest of snapshotID.
func (s *FileStore) Path(snapshotID, name string) string {
	return filepath.Join(s.root, snapshotID, name)
}

func (s *FileStore) Append(snapshotID string, e bridge.ManifestEntry) error {
	if err := bridge.ValidateSnapshotID(snapshotID); err != nil {
		return err
	}
	if strings.ContainsAny(e.ContentID, "\r\n") {
		return fmt.Errorf("content id %q contains a line break", e.ContentID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.root, snapshotID), 0755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}
	// The legacy line goes first so a failed SHA-256 append can take it back.
	md5Path := s.Path(snapshotID, MD5FileName)
	md5Size := int64(-1)
	if e.MD5 != "" {
		size, err := appendLine(md5Path, FormatLine(e.MD5, e.ContentID))
		if err != nil {
			return err
		}
		md5Size = size
	}
	if _, err := appendLine(s.Path(snapshotID, SHA256FileName), FormatLine(e.Checksum, e.ContentID)); err != nil {
		if md5Size >= 0 {
			if terr := os.Truncate(md5Path, md5Size); terr != nil {
				return errors.Join(err, fmt.Errorf("removing md5 manifest line: %w", terr))
			}
		}
		return err
	}
	return nil
}

// appendLine appends line to the file at path and returns the file's size
// before the append. A failed write is truncated away.
func appendLine(path, line string) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("opening manifest: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("opening manifest: %w", err)
	}
	size := info.Size()
	if _, err := f.WriteString(line); err != nil {
		f.Truncate(size)
		f.Close()
		return 0, fmt.Errorf("writing manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("closing manifest: %w", err)
	}
	return size, nil
}

func (s *FileStore) Entries(snapshotID string) ([]bridge.ManifestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.Path(snapshotID, SHA256FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()
	return ReadEntries(f)
}

// Open returns the named manifest of snapshotID for reading.
func (s *FileStore) Open(snapshotID, name string) (io.ReadCloser, error) {
	if name != SHA256FileName && name != MD5FileName {
		return nil, fmt.Errorf("unknown manifest %q", name)
	}
	f, err := os.Open(s.Path(snapshotID, name))
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	return f, nil
}
