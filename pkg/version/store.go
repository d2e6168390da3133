// ABOUTME: In-memory version store with temporal queries
// ABOUTME: Keeps ordered snapshots per document with optional retention

package version

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nainya/scoresync/pkg/document"
)

var (
	// ErrNotFound indicates a missing version or document history
	ErrNotFound = errors.New("version: not found")

	// ErrOutOfOrder indicates a version number not greater than the latest one
	ErrOutOfOrder = errors.New("version: out of order")
)

// VersionStore manages document versions
type VersionStore struct {
	mu          sync.RWMutex
	versions    map[string][]*Version // documentID -> ascending by Number
	maxPerDocID int
}

// NewVersionStore creates a version store. maxPerDocument bounds the number of
// snapshots kept per document (oldest dropped first); 0 keeps everything.
func NewVersionStore(maxPerDocument int) *VersionStore {
	return &VersionStore{
		versions:    make(map[string][]*Version),
		maxPerDocID: maxPerDocument,
	}
}

// CreateVersion stores a new version. Content is deep-copied.
func (vs *VersionStore) CreateVersion(v *Version) error {
	if v == nil || v.DocumentID == "" {
		return fmt.Errorf("version: document id is required")
	}

	stored := *v
	stored.Content = document.CloneContent(v.Content)
	stored.Tags = append([]string(nil), v.Tags...)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	list := vs.versions[v.DocumentID]
	if n := len(list); n > 0 && list[n-1].Number >= v.Number {
		return fmt.Errorf("%w: %s version %d after %d", ErrOutOfOrder, v.DocumentID, v.Number, list[n-1].Number)
	}
	list = append(list, &stored)
	if vs.maxPerDocID > 0 && len(list) > vs.maxPerDocID {
		list = append([]*Version(nil), list[len(list)-vs.maxPerDocID:]...)
	}
	vs.versions[v.DocumentID] = list
	return nil
}

// GetVersion retrieves a specific version
func (vs *VersionStore) GetVersion(documentID string, number int64) (*Version, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	for _, v := range vs.versions[documentID] {
		if v.Number == number {
			return copyVersion(v), nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, documentID, number)
}

// GetLatestVersion returns the most recent version for a document
func (vs *VersionStore) GetLatestVersion(documentID string) (*Version, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	list := vs.versions[documentID]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no versions for document %s", ErrNotFound, documentID)
	}
	return copyVersion(list[len(list)-1]), nil
}

// GetVersionAsOf returns the version that was current at a specific time
func (vs *VersionStore) GetVersionAsOf(documentID string, asOfTime time.Time) (*Version, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	var latest *Version
	for _, v := range vs.versions[documentID] {
		if v.CreatedAt.After(asOfTime) {
			continue
		}
		if latest == nil || !v.CreatedAt.Before(latest.CreatedAt) {
			latest = v
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no version for %s as of %s", ErrNotFound, documentID, asOfTime)
	}
	return copyVersion(latest), nil
}

// GetVersionByTag returns the most recent version carrying tag
func (vs *VersionStore) GetVersionByTag(documentID, tag string) (*Version, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	list := vs.versions[documentID]
	if tag == TagLatest && len(list) > 0 {
		return copyVersion(list[len(list)-1]), nil
	}
	for i := len(list) - 1; i >= 0; i-- {
		for _, t := range list[i].Tags {
			if t == tag {
				return copyVersion(list[i]), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no version with tag %s for document %s", ErrNotFound, tag, documentID)
}

// Query resolves a VersionQuery
func (vs *VersionStore) Query(q VersionQuery) (*Version, error) {
	switch {
	case q.Number != nil:
		return vs.GetVersion(q.DocumentID, *q.Number)
	case q.AsOfTime != nil:
		return vs.GetVersionAsOf(q.DocumentID, *q.AsOfTime)
	case q.Tag != nil:
		return vs.GetVersionByTag(q.DocumentID, *q.Tag)
	default:
		return vs.GetLatestVersion(q.DocumentID)
	}
}

// ListVersions returns versions for a document in ascending order; limit 0 means all
func (vs *VersionStore) ListVersions(documentID string, limit int) ([]*Version, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	list := vs.versions[documentID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]*Version, len(list))
	for i, v := range list {
		out[i] = copyVersion(v)
	}
	return out, nil
}

// GetVersionHistory returns the complete version history for a document
func (vs *VersionStore) GetVersionHistory(documentID string) (*VersionHistory, error) {
	versions, err := vs.ListVersions(documentID, 0) // 0 = no limit
	if err != nil {
		return nil, err
	}

	return &VersionHistory{
		DocumentID: documentID,
		Versions:   versions,
	}, nil
}

// DeleteHistory drops every version of a document
func (vs *VersionStore) DeleteHistory(documentID string) {
	vs.mu.Lock()
	delete(vs.versions, documentID)
	vs.mu.Unlock()
}

func copyVersion(v *Version) *Version {
	c := *v
	c.Content = document.CloneContent(v.Content)
	c.Tags = append([]string(nil), v.Tags...)
	if v.Metadata != nil {
		c.Metadata = make(map[string]string, len(v.Metadata))
		for k, val := range v.Metadata {
			c.Metadata[k] = val
		}
	}
	return &c
}
