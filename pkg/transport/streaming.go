package transport

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/oklog/ulid/v2"

	"github.com/nainya/scoresync/pkg/protocol"
)

// StreamRequest opens a server stream. Callbacks are optional.
type StreamRequest struct {
	Type       string
	Parameters any
	OnChunk    func(chunk protocol.StreamChunk)
	OnComplete func(data json.RawMessage)
	OnError    func(err error)
}

// StreamError terminates a stream reported as failed by the server
type StreamError struct {
	RequestID string
	Message   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s failed: %s", e.RequestID, e.Message)
}

// eventStreamLost is handled by dispatch and never reaches the bus
const eventStreamLost = "transport:streamLost"

type stream struct {
	id  string
	req StreamRequest
}

// StartStreaming registers req and sends stream_start, returning the request id
func (t *Transport) StartStreaming(req StreamRequest) (string, error) {
	params, err := protocol.RawData(req.Parameters)
	if err != nil {
		return "", fmt.Errorf("transport: stream parameters: %w", err)
	}
	id := ulid.Make().String()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.streams[id] = &stream{id: id, req: req}
	if err := t.sendLocked(&protocol.StreamStart{RequestID: id, StreamType: req.Type, Parameters: params}, id); err != nil {
		delete(t.streams, id)
		return "", err
	}
	return id, nil
}

// StopStreaming deregisters a stream and asks the server to stop it. Chunks
// that arrive afterwards are dropped.
func (t *Transport) StopStreaming(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.streams[id]; !ok {
		return false
	}
	delete(t.streams, id)

	if t.dropQueuedLocked(protocol.TypeStreamStart, id) {
		return true
	}
	if err := t.sendLocked(&protocol.StreamStop{RequestID: id}, id); err != nil {
		t.log.Warn("Stream stop not sent").Err(err).Str("request_id", id).Send()
	}
	return true
}

// ActiveStreams returns the number of registered streams
func (t *Transport) ActiveStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

func (t *Transport) lookupStream(id string, remove bool) *stream {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[id]
	if !ok {
		return nil
	}
	if remove {
		delete(t.streams, id)
	}
	return s
}

func (t *Transport) handleStreamChunk(m *protocol.StreamChunk) {
	s := t.lookupStream(m.RequestID, false)
	if s == nil {
		t.log.Debug("Chunk for unknown stream").Str("request_id", m.RequestID).Send()
		return
	}
	if s.req.OnChunk != nil {
		t.safeCall("stream chunk "+s.id, func() { s.req.OnChunk(*m) })
	}
}

func (t *Transport) handleStreamComplete(m *protocol.StreamComplete) {
	s := t.lookupStream(m.RequestID, true)
	if s == nil {
		return
	}
	if s.req.OnComplete != nil {
		t.safeCall("stream complete "+s.id, func() { s.req.OnComplete(m.Data) })
	}
}

func (t *Transport) handleStreamError(m *protocol.StreamError) {
	s := t.lookupStream(m.RequestID, true)
	if s == nil {
		return
	}
	if s.req.OnError != nil {
		err := &StreamError{RequestID: m.RequestID, Message: m.Message}
		t.safeCall("stream error "+s.id, func() { s.req.OnError(err) })
	}
}

// interruptStreamsLocked deregisters every stream whose stream_start went out
// on the connection being torn down. Streams still queued are kept; they are
// started when the queue is flushed.
func (t *Transport) interruptStreamsLocked() []event {
	ids := make([]string, 0, len(t.streams))
	for id := range t.streams {
		if t.isQueuedLocked(protocol.TypeStreamStart, id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	events := make([]event, 0, len(ids))
	for _, id := range ids {
		events = append(events, event{eventStreamLost, t.streams[id]})
		delete(t.streams, id)
	}
	if len(ids) > 0 {
		t.log.Warn("Streams interrupted").Int("count", len(ids)).Send()
	}
	return events
}

func (t *Transport) failStream(s *stream) {
	if s.req.OnError == nil {
		return
	}
	err := fmt.Errorf("stream %s: %w", s.id, ErrStreamInterrupted)
	t.safeCall("stream error "+s.id, func() { s.req.OnError(err) })
}
