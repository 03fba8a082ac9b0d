package bridge

import (
	"fmt"
	"strings"
	"time"
)

// Endpoint identifies a storage space on a storage host.
type Endpoint struct {
	Host    string
	Port    int
	StoreID string
	SpaceID string
}

// BaseURL returns the address of the storage host. Port 443 implies https.
func (e Endpoint) BaseURL() string {
	scheme := "http"
	if e.Port == 443 {
		scheme = "https"
	}
	if e.Port == 0 {
		return fmt.Sprintf("%s://%s", scheme, e.Host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, e.Host, e.Port)
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d/%s/%s", e.Host, e.Port, e.StoreID, e.SpaceID)
}

func (e Endpoint) validate() error {
	var missing []string
	if e.Host == "" {
		missing = append(missing, "host")
	}
	if e.SpaceID == "" {
		missing = append(missing, "space id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: endpoint missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Credentials authenticate against a storage endpoint.
type Credentials struct {
	Username string
	Password string
}

// Snapshot is an archived copy of a storage space.
type Snapshot struct {
	ID               string
	Description      string
	Source           Endpoint
	Status           SnapshotStatus
	StatusDetail     string
	UserEmail        string
	TotalSizeInBytes int64
	SnapshotDate     time.Time
	StartDate        time.Time
	EndDate          *time.Time
	Modified         time.Time
	Version          int64
}

// Restoration copies a completed Snapshot back to an active storage space.
type Restoration struct {
	ID             int64
	SnapshotID     string
	Destination    Endpoint
	Status         RestoreStatus
	StatusDetail   string
	UserEmail      string
	StartDate      time.Time
	EndDate        *time.Time
	ExpirationDate *time.Time
	Created        time.Time
	Modified       time.Time
	Version        int64
}

// ContentItem is one archived object belonging to a Snapshot.
type ContentItem struct {
	SnapshotID    string
	ContentID     string
	ContentIDHash string
	Checksum      string
	Metadata      string
}

// Properties decodes the item's stored metadata.
func (c *ContentItem) Properties() (Properties, error) {
	return DecodeProperties(c.Metadata)
}

// ManifestEntry is one line of a snapshot manifest. Checksum is the SHA-256
// digest; MD5 is kept for the legacy manifest only.
type ManifestEntry struct {
	ContentID string
	Checksum  string
	MD5       string
}

// Operation records a command run against the bridge.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}
