// ABOUTME: Collaboration session data model
// ABOUTME: Sessions, participants, presence, conflicts and resolutions

package collab

import (
	"strings"
	"time"

	"github.com/nainya/scoresync/pkg/document"
)

// Role of a participant within a session
type Role string

const (
	RoleOwner    Role = "owner"
	RoleEditor   Role = "editor"
	RoleComposer Role = "composer"
	RoleObserver Role = "observer"
)

// Permission grants an action within a scope (e.g. {"edit", "sections"})
type Permission struct {
	Action string `json:"action"`
	Scope  string `json:"scope"`
}

// Cursor is ephemeral presence state; it is never versioned
type Cursor struct {
	Section  string `json:"section,omitempty"`
	Element  string `json:"element,omitempty"`
	Position int    `json:"position"`
}

// Participant is a member of a session
type Participant struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Role        Role         `json:"role"`
	Permissions []Permission `json:"permissions,omitempty"`
	JoinedAt    time.Time    `json:"joinedAt"`
	LastActive  time.Time    `json:"lastActive"`
	Cursor      *Cursor      `json:"cursor,omitempty"`
}

// Can reports whether the participant holds action on scope ("*" matches any scope)
func (p *Participant) Can(action, scope string) bool {
	for _, perm := range p.Permissions {
		if perm.Action == action && (perm.Scope == scope || perm.Scope == "*") {
			return true
		}
	}
	return false
}

// CanEdit reports whether the participant may change path. Observers never
// can. Other roles edit freely unless they carry permissions, which must then
// grant "edit" on the path's top-level key.
func (p *Participant) CanEdit(path string) bool {
	if p.Role == RoleObserver {
		return false
	}
	if len(p.Permissions) == 0 {
		return true
	}
	scope, _, _ := strings.Cut(path, ".")
	return p.Can("edit", scope)
}

// Session groups participants around one exclusively owned document
type Session struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Participants map[string]*Participant `json:"participants"`
	Document     *document.Document      `json:"document"`
	Conflicts    map[string]*Conflict    `json:"conflicts,omitempty"` // Pending, keyed by conflict id
	Resolutions  []ResolutionRecord      `json:"resolutions,omitempty"`
	CreatedAt    time.Time               `json:"createdAt"`
	LastModified time.Time               `json:"lastModified"`
}

// ConflictType classifies a conflict
type ConflictType string

// ConflictConcurrentEdit is raised when an operation was authored against a stale version
const ConflictConcurrentEdit ConflictType = "concurrent_edit"

// Conflict records operations that collided on overlapping state
type Conflict struct {
	ID                  string               `json:"id"`
	SessionID           string               `json:"sessionId"`
	Type                ConflictType         `json:"type"`
	Path                string               `json:"path"`
	Participants        []string             `json:"participants"`
	CompetingOperations []document.Operation `json:"competingOperations"`
	BaseVersion         int64                `json:"baseVersion"`    // Version the losing author observed
	CurrentVersion      int64                `json:"currentVersion"` // Document version at detection
	CreatedAt           time.Time            `json:"createdAt"`
}

// Strategy names how a resolution was produced upstream
type Strategy string

const (
	StrategyOverwrite Strategy = "overwrite"
	StrategyMerge     Strategy = "merge"
	StrategyManual    Strategy = "manual"
)

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	switch s {
	case StrategyOverwrite, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// Resolution settles one conflict. ResolvedData becomes the whole document content.
type Resolution struct {
	Strategy     Strategy       `json:"strategy"`
	ResolvedData map[string]any `json:"resolvedData"`
	Timestamp    time.Time      `json:"timestamp"`
	ResolvedBy   string         `json:"resolvedBy"`
	Reasoning    string         `json:"reasoning,omitempty"`
}

// ResolutionRecord is the audit entry kept after a conflict is resolved
type ResolutionRecord struct {
	ConflictID string    `json:"conflictId"`
	Path       string    `json:"path"`
	Strategy   Strategy  `json:"strategy"`
	ResolvedBy string    `json:"resolvedBy"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Version    int64     `json:"version"` // Document version produced by the resolution
	ResolvedAt time.Time `json:"resolvedAt"`
}

// ApplyResult is the structured outcome of ApplyOperation. Exactly one of
// Success, a non-empty Conflicts or a non-empty Warnings describes it.
type ApplyResult struct {
	Success   bool                `json:"success"`
	Version   int64               `json:"version"` // Document version after the call
	Operation *document.Operation `json:"operation,omitempty"`
	Conflicts []*Conflict         `json:"conflicts,omitempty"`
	Warnings  []string            `json:"warnings,omitempty"`
}
