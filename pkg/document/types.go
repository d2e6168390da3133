// ABOUTME: Collaborative document data model
// ABOUTME: Defines Document and Operation structures with version tracking

package document

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InitialVersion is the version of a freshly created document
const InitialVersion int64 = 1

// OperationType is the kind of mutation an Operation performs
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Valid reports whether t is one of the known operation types
func (t OperationType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Operation is a single path-scoped mutation, tagged with the version its author observed
type Operation struct {
	ID        string        `json:"id,omitempty"`      // Assigned on apply
	Type      OperationType `json:"type"`              // create, update or delete
	Path      string        `json:"path"`              // Dotted address into Content (e.g. "sections.0.tempo")
	Value     any           `json:"value,omitempty"`   // New value for create/update
	OldValue  any           `json:"oldValue,omitempty"` // Previous value, for undo and audit
	UserID    string        `json:"userId"`            // Author
	Version   int64         `json:"version"`           // Document version the author observed
	Timestamp time.Time     `json:"timestamp"`         // Assigned on apply
}

// Document is a versioned, opaque content tree shared by a session
type Document struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`    // Payload shape tag, e.g. "composition"
	Content    map[string]any `json:"content"` // JSON-shaped: nested map[string]any and []any
	Version    int64          `json:"version"`
	Operations []Operation    `json:"operations"` // Append-only audit log of applied operations
}

// New creates a document at InitialVersion. An empty id gets a generated one.
func New(id string, docType string, content map[string]any) *Document {
	if id == "" {
		id = uuid.NewString()
	}
	if content == nil {
		content = map[string]any{}
	}
	return &Document{
		ID:      id,
		Type:    docType,
		Content: content,
		Version: InitialVersion,
	}
}

// Clone returns a deep copy that shares no mutable state with d
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	ops := make([]Operation, len(d.Operations))
	for i, op := range d.Operations {
		ops[i] = op.Clone()
	}
	return &Document{
		ID:         d.ID,
		Type:       d.Type,
		Content:    CloneContent(d.Content),
		Version:    d.Version,
		Operations: ops,
	}
}

// Clone returns a copy of op with deep-copied values
func (op Operation) Clone() Operation {
	op.Value = CloneValue(op.Value)
	op.OldValue = CloneValue(op.OldValue)
	return op
}

// CloneContent deep-copies nested map[string]any and []any values. Other
// values are treated as immutable and shared.
func CloneContent(content map[string]any) map[string]any {
	if content == nil {
		return nil
	}
	out := make(map[string]any, len(content))
	for k, v := range content {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-shaped value
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneContent(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}

// FromValue converts any JSON-encodable value into JSON-shaped content
func FromValue(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("document: encode content: %w", err)
	}
	var content map[string]any
	if err := json.Unmarshal(b, &content); err != nil {
		return nil, fmt.Errorf("document: content must be an object: %w", err)
	}
	return content, nil
}
