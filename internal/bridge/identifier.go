package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// compactTimestamp is the timestamp suffix used by storage-side snapshot
// identifiers, e.g. "host_store_space_2014-07-31-13-30-00".
const compactTimestamp = "2006-01-02-15-04-05"

// NewSnapshotID builds an identifier for a snapshot of spaceID. The ULID
// suffix embeds the creation time, which ParseSnapshotTimestamp recovers.
func NewSnapshotID(spaceID string, gen IDGenerator) string {
	return spaceID + "_" + gen.New()
}

// ValidateSnapshotID rejects identifiers that cannot be used as a
// directory name inside the staging area.
func ValidateSnapshotID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty snapshot id", ErrInvalidIdentifier)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidIdentifier, id)
	}
	return nil
}

// ParseSnapshotTimestamp extracts the time embedded in a snapshot identifier.
// The identifier itself, or any suffix following a '-' or '_' separator, may
// be an RFC 3339 timestamp, a ULID, or a compact "2006-01-02-15-04-05"
// timestamp. Suffixes are tried longest first.
func ParseSnapshotTimestamp(id string) (time.Time, error) {
	if t, ok := parseTimestamp(id); ok {
		return t, nil
	}
	for i := 0; i < len(id); i++ {
		if id[i] != '-' && id[i] != '_' {
			continue
		}
		if t, ok := parseTimestamp(id[i+1:]); ok {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no timestamp in %q", ErrInvalidIdentifier, id)
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(compactTimestamp, s); err == nil {
		return t.UTC(), true
	}
	if len(s) == ulid.EncodedSize {
		if u, err := ulid.ParseStrict(s); err == nil {
			return ulid.Time(u.Time()).UTC(), true
		}
	}
	return time.Time{}, false
}
