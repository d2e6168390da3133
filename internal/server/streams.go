package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nainya/scoresync/pkg/collab"
	"github.com/nainya/scoresync/pkg/protocol"
)

// Built-in stream types
const (
	StreamSessionHistory  = "session.history"
	StreamSessionSnapshot = "session.snapshot"
)

// ChunkSink sends one stream_chunk to the requesting client
type ChunkSink func(data any) error

// StreamHandler serves one stream_start request. It returns the completion
// payload; returning after ctx is cancelled sends nothing.
type StreamHandler func(ctx context.Context, params json.RawMessage, emit ChunkSink) (any, error)

// startStream runs the handler for m in its own goroutine
func (h *Hub) startStream(c *conn, m *protocol.StreamStart) {
	handler, ok := h.streams[m.StreamType]
	if !ok {
		c.sendMessage(&protocol.StreamError{RequestID: m.RequestID, Message: fmt.Sprintf("unknown stream type %q", m.StreamType)})
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	if !c.trackStream(m.RequestID, cancel) {
		cancel()
		c.sendMessage(&protocol.StreamError{RequestID: m.RequestID, Message: "duplicate request id"})
		return
	}

	c.log.Debug("Stream started").
		Str("request_id", m.RequestID).
		Str("stream_type", m.StreamType).
		Send()

	go func() {
		defer c.untrackStream(m.RequestID)

		seq := 0
		emit := func(data any) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, err := protocol.RawData(data)
			if err != nil {
				return err
			}
			c.sendMessage(&protocol.StreamChunk{RequestID: m.RequestID, Sequence: seq, Data: raw})
			seq++
			return nil
		}

		result, err := handler(ctx, m.Parameters, emit)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.sendMessage(&protocol.StreamError{RequestID: m.RequestID, Message: err.Error()})
			return
		}
		raw, err := protocol.RawData(result)
		if err != nil {
			c.sendMessage(&protocol.StreamError{RequestID: m.RequestID, Message: err.Error()})
			return
		}
		c.sendMessage(&protocol.StreamComplete{RequestID: m.RequestID, Data: raw})
	}()
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

func decodeSessionParams(raw json.RawMessage) (sessionParams, error) {
	var p sessionParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("invalid parameters: %w", err)
		}
	}
	if p.SessionID == "" {
		return p, errors.New("sessionId is required")
	}
	return p, nil
}

// HistoryEntry is one chunk of a session.history stream
type HistoryEntry struct {
	Version     int64          `json:"version"`
	Content     map[string]any `json:"content"`
	CreatedAt   time.Time      `json:"createdAt"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	Description string         `json:"description,omitempty"`
	OperationID string         `json:"operationId,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

// SessionHistoryHandler streams a session's recorded versions oldest first,
// one chunk per version. Parameters: {"sessionId": "...", "limit": n}; a
// positive limit keeps only the newest n versions.
func SessionHistoryHandler(store *collab.Store) StreamHandler {
	return func(ctx context.Context, params json.RawMessage, emit ChunkSink) (any, error) {
		p, err := decodeSessionParams(params)
		if err != nil {
			return nil, err
		}
		history, err := store.History(p.SessionID)
		if err != nil {
			return nil, err
		}

		versions := history.Versions
		if p.Limit > 0 && len(versions) > p.Limit {
			versions = versions[len(versions)-p.Limit:]
		}
		for _, v := range versions {
			err := emit(HistoryEntry{
				Version:     v.Number,
				Content:     v.Content,
				CreatedAt:   v.CreatedAt,
				CreatedBy:   v.CreatedBy,
				Description: v.Description,
				OperationID: v.OperationID,
				Tags:        v.Tags,
			})
			if err != nil {
				return nil, err
			}
		}
		return map[string]any{"sessionId": p.SessionID, "versions": len(versions)}, nil
	}
}

// SessionSnapshotHandler completes immediately with the mirror's copy of a session
func SessionSnapshotHandler(store *collab.Store) StreamHandler {
	return func(ctx context.Context, params json.RawMessage, emit ChunkSink) (any, error) {
		p, err := decodeSessionParams(params)
		if err != nil {
			return nil, err
		}
		session, err := store.GetSession(p.SessionID)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}
