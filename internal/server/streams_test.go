package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/nainya/scoresync/pkg/collab"
	"github.com/nainya/scoresync/pkg/document"
	"github.com/nainya/scoresync/pkg/protocol"
)

func TestSessionHistoryStream(t *testing.T) {
	_, url := startHub(t, WithStore(newHistoryStore()))
	a := dialHub(t, url)

	session := newSession(t)
	a.broadcast(collab.EventSessionCreated, session)
	a.broadcast(collab.EventOperationApplied, collab.OperationEvent{
		SessionID: session.ID,
		Operation: document.Operation{Type: document.OpUpdate, Path: "tempo", Value: float64(120), UserID: "ada", Version: 1},
	})
	a.sync()

	params, _ := protocol.RawData(map[string]string{"sessionId": session.ID})
	a.write(&protocol.StreamStart{RequestID: "r1", StreamType: StreamSessionHistory, Parameters: params})

	var entries []HistoryEntry
	for i := 0; i < 2; i++ {
		chunk := a.read().(*protocol.StreamChunk)
		assert.Equal(t, chunk.RequestID, "r1")
		assert.Equal(t, chunk.Sequence, i)
		var entry HistoryEntry
		if err := json.Unmarshal(chunk.Data, &entry); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		entries = append(entries, entry)
	}
	assert.Equal(t, entries[0].Version, int64(1))
	assert.Equal(t, entries[1].Version, int64(2))
	assert.Equal(t, entries[1].Content["tempo"], float64(120))

	done := a.read().(*protocol.StreamComplete)
	assert.Equal(t, done.RequestID, "r1")
	assert.Equal(t, string(done.Data), `{"sessionId":"`+session.ID+`","versions":2}`)
}

func TestSessionSnapshotStream(t *testing.T) {
	_, url := startHub(t)
	a := dialHub(t, url)

	session := newSession(t)
	a.broadcast(collab.EventSessionCreated, session)
	a.sync()

	params, _ := protocol.RawData(map[string]string{"sessionId": session.ID})
	a.write(&protocol.StreamStart{RequestID: "snap", StreamType: StreamSessionSnapshot, Parameters: params})

	done := a.read().(*protocol.StreamComplete)
	var snapshot collab.Session
	if err := json.Unmarshal(done.Data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	assert.Equal(t, snapshot.ID, session.ID)
	assert.Equal(t, snapshot.Name, "Sonata")
}

func TestStreamErrors(t *testing.T) {
	_, url := startHub(t)
	a := dialHub(t, url)

	a.write(&protocol.StreamStart{RequestID: "r1", StreamType: "no.such.stream"})
	streamErr := a.read().(*protocol.StreamError)
	assert.Equal(t, streamErr.RequestID, "r1")
	assert.Equal(t, streamErr.Message, `unknown stream type "no.such.stream"`)

	a.write(&protocol.StreamStart{RequestID: "r2", StreamType: StreamSessionHistory})
	streamErr = a.read().(*protocol.StreamError)
	assert.Equal(t, streamErr.RequestID, "r2")
	assert.Equal(t, streamErr.Message, "sessionId is required")

	params, _ := protocol.RawData(map[string]string{"sessionId": "missing"})
	a.write(&protocol.StreamStart{RequestID: "r3", StreamType: StreamSessionSnapshot, Parameters: params})
	streamErr = a.read().(*protocol.StreamError)
	assert.Equal(t, streamErr.RequestID, "r3")
}

func TestStreamStopCancelsHandler(t *testing.T) {
	stopped := make(chan struct{})
	tail := func(ctx context.Context, _ json.RawMessage, emit ChunkSink) (any, error) {
		if err := emit(map[string]int{"n": 1}); err != nil {
			return nil, err
		}
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	}
	_, url := startHub(t, WithStreamHandler("tail", tail))
	a := dialHub(t, url)

	a.write(&protocol.StreamStart{RequestID: "t1", StreamType: "tail"})
	chunk := a.read().(*protocol.StreamChunk)
	assert.Equal(t, string(chunk.Data), `{"n":1}`)

	a.write(&protocol.StreamStop{RequestID: "t1"})
	<-stopped

	// A stopped stream sends neither completion nor error
	a.sync()
}

func TestStreamDuplicateRequestID(t *testing.T) {
	block := func(ctx context.Context, _ json.RawMessage, _ ChunkSink) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, url := startHub(t, WithStreamHandler("block", block))
	a := dialHub(t, url)

	a.write(&protocol.StreamStart{RequestID: "dup", StreamType: "block"})
	a.write(&protocol.StreamStart{RequestID: "dup", StreamType: "block"})
	streamErr := a.read().(*protocol.StreamError)
	assert.Equal(t, streamErr.Message, "duplicate request id")
}
