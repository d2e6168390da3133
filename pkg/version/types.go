// ABOUTME: Version history data model
// ABOUTME: Supports temporal queries and version tracking for documents

package version

import "time"

// Tags recorded by the session store
const (
	TagInitial    = "initial"
	TagOperation  = "operation"
	TagResolution = "resolution"
	TagLatest     = "latest"
)

// Version is a document snapshot taken right after a version bump
type Version struct {
	DocumentID  string         // Reference to document
	Number      int64          // Document version number
	Content     map[string]any // Snapshot of the content at Number
	CreatedAt   time.Time      // Snapshot time
	CreatedBy   string         // User that caused the version
	Description string         // Human readable cause
	OperationID string         // Operation that produced it, if any
	Tags        []string       // e.g. "initial", "operation", "resolution"
	Metadata    map[string]string
}

// VersionQuery options for temporal queries. The first non-nil field wins;
// an empty query returns the latest version.
type VersionQuery struct {
	DocumentID string
	AsOfTime   *time.Time // Get version as of this time
	Number     *int64     // Get specific version
	Tag        *string    // Get most recent version with tag
}

// VersionHistory represents the timeline of versions
type VersionHistory struct {
	DocumentID string
	Versions   []*Version
}
