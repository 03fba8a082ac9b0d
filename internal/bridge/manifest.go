package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Content listing bounds.
const (
	MaxPageSize     = 1000
	DefaultPageSize = MaxPageSize
)

// ManifestIndex keeps a snapshot's content index and its manifest files in
// lockstep.
type ManifestIndex struct {
	content ContentRepository
	files   ManifestStore
	logger  Logger
}

func NewManifestIndex(content ContentRepository, files ManifestStore, logger Logger) *ManifestIndex {
	return &ManifestIndex{content: content, files: files, logger: logger}
}

// AddEntry records contentID with its SHA-256 checksum in both the index and
// the manifest.
func (x *ManifestIndex) AddEntry(ctx context.Context, snapshotID, contentID, checksum string) error {
	item := &ContentItem{
		SnapshotID:    snapshotID,
		ContentID:     contentID,
		ContentIDHash: ContentIDHash(contentID),
		Checksum:      checksum,
	}
	return x.add(ctx, item, "")
}

// add inserts the index row first and then appends the manifest line. If
// the append fails the row is removed so neither side holds the entry.
// An entry without a checksum is rejected since it has no manifest line.
func (x *ManifestIndex) add(ctx context.Context, item *ContentItem, md5 string) error {
	if item.ContentID == "" {
		return fmt.Errorf("%w: empty content id", ErrInvalidRequest)
	}
	if item.Checksum == "" {
		return fmt.Errorf("%w: content item %s has no checksum", ErrInvalidRequest, item.ContentID)
	}
	if err := x.content.InsertContentItem(ctx, item); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("content item %s in snapshot %s: %w", item.ContentID, item.SnapshotID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting content item: %w", err)
	}
	entry := ManifestEntry{ContentID: item.ContentID, Checksum: item.Checksum, MD5: md5}
	if err := x.files.Append(item.SnapshotID, entry); err != nil {
		if delErr := x.content.DeleteContentItem(ctx, item.SnapshotID, item.ContentID); delErr != nil {
			x.logger.Error("index row left without manifest line", "snapshot", item.SnapshotID, "content_id", item.ContentID, "error", delErr)
			return errors.Join(
				fmt.Errorf("appending manifest entry: %w", err),
				fmt.Errorf("removing index row: %w", delErr),
			)
		}
		return fmt.Errorf("appending manifest entry: %w", err)
	}
	return nil
}

// ContentQuery selects a page of a snapshot's content.
type ContentQuery struct {
	SnapshotID string
	Prefix     string
	Page       int
	PageSize   int
}

// ContentPage is one page of a content listing.
type ContentPage struct {
	Items      []*ContentItem
	Page       int
	PageSize   int
	TotalCount int64
}

// NormalizePage applies the listing defaults: a negative page becomes 0 and
// a page size outside [1, MaxPageSize] becomes DefaultPageSize.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 0 {
		page = 0
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		pageSize = DefaultPageSize
	}
	return page, pageSize
}

// ListContent returns one page of content ordered by content ID, filtered by
// prefix. TotalCount counts every item matching the prefix.
func (x *ManifestIndex) ListContent(ctx context.Context, q ContentQuery) (*ContentPage, error) {
	page, pageSize := NormalizePage(q.Page, q.PageSize)

	items, err := x.content.FindContentItems(ctx, q.SnapshotID, q.Prefix, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("finding content items: %w", err)
	}
	total, err := x.content.CountContentItems(ctx, q.SnapshotID, q.Prefix)
	if err != nil {
		return nil, fmt.Errorf("counting content items: %w", err)
	}
	return &ContentPage{Items: items, Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Reconciliation compares a snapshot's manifest with its content index.
type Reconciliation struct {
	SnapshotID string
	Entries    int
	Items      int64
	// Missing lists content in the manifest but not in the index.
	Missing []string
	// Extra lists content in the index but not in the manifest.
	Extra []string
	// Mismatched lists content whose checksums disagree.
	Mismatched []string
	// Duplicates lists content appearing more than once in the manifest.
	Duplicates []string
}

// Consistent reports whether the manifest and the index agree exactly.
func (r *Reconciliation) Consistent() bool {
	return len(r.Missing) == 0 && len(r.Extra) == 0 && len(r.Mismatched) == 0 && len(r.Duplicates) == 0
}

// Reconcile reads the SHA-256 manifest and the full index of snapshotID and
// reports every disagreement.
func (x *ManifestIndex) Reconcile(ctx context.Context, snapshotID string) (*Reconciliation, error) {
	entries, err := x.files.Entries(snapshotID)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	manifest := make(map[string]string, len(entries))
	rec := &Reconciliation{SnapshotID: snapshotID, Entries: len(entries)}
	for _, e := range entries {
		if _, dup := manifest[e.ContentID]; dup {
			rec.Duplicates = append(rec.Duplicates, e.ContentID)
			continue
		}
		manifest[e.ContentID] = e.Checksum
	}

	indexed := make(map[string]bool)
	for page := 0; ; page++ {
		items, err := x.content.FindContentItems(ctx, snapshotID, "", page, MaxPageSize)
		if err != nil {
			return nil, fmt.Errorf("finding content items: %w", err)
		}
		for _, item := range items {
			rec.Items++
			indexed[item.ContentID] = true
			checksum, ok := manifest[item.ContentID]
			switch {
			case !ok:
				rec.Extra = append(rec.Extra, item.ContentID)
			case checksum != item.Checksum:
				rec.Mismatched = append(rec.Mismatched, item.ContentID)
			}
		}
		if len(items) < MaxPageSize {
			break
		}
	}

	for contentID := range manifest {
		if !indexed[contentID] {
			rec.Missing = append(rec.Missing, contentID)
		}
	}
	sort.Strings(rec.Missing)
	sort.Strings(rec.Duplicates)
	return rec, nil
}
