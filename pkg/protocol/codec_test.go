// ABOUTME: Tests for the wire codec
// ABOUTME: Verifies the flat frame layout, variant decoding and rejection paths

package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEncodePutsTypeFirst(t *testing.T) {
	b, err := Encode(&Subscribe{ID: "sub-1", Event: "operationApplied"})
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"type":"subscribe","id":"sub-1","event":"operationApplied"}`, string(b))
}

func TestEncodeEventIsFlat(t *testing.T) {
	evt := &Event{RealtimeEvent{ID: "e1", Event: "tempo", Data: json.RawMessage(`{"bpm":140}`), Timestamp: 5}}
	b, err := Encode(evt)
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"type":"event","id":"e1","event":"tempo","data":{"bpm":140},"timestamp":5}`, string(b))
}

func TestDecodeVariants(t *testing.T) {
	m, err := Decode([]byte(`{"type":"stream_chunk","requestId":"r1","sequence":2,"data":[1,2]}`))
	assert.Equal(t, nil, err)
	chunk, ok := m.(*StreamChunk)
	assert.Equal(t, true, ok)
	assert.Equal(t, "r1", chunk.RequestID)
	assert.Equal(t, 2, chunk.Sequence)
	assert.Equal(t, "[1,2]", string(chunk.Data))

	m, err = Decode([]byte(`{"type":"event","event":"cursorUpdated","data":{"x":1},"timestamp":10}`))
	assert.Equal(t, nil, err)
	evt, ok := m.(*Event)
	assert.Equal(t, true, ok)
	assert.Equal(t, "cursorUpdated", evt.Event)
	assert.Equal(t, int64(10), evt.Timestamp)

	m, err = Decode([]byte(`{"type":"error","message":"denied","code":"unauthorized"}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, "denied", m.(*Error).Message)
}

func TestEncodeDecodeEveryType(t *testing.T) {
	raw := json.RawMessage(`{"k":"v"}`)
	messages := []Message{
		&Subscribe{ID: "s", Event: "*"},
		&Unsubscribe{SubscriptionID: "s"},
		&StreamStart{RequestID: "r", StreamType: "session.history", Parameters: raw},
		&StreamChunk{RequestID: "r", Sequence: 1, Data: raw},
		&StreamComplete{RequestID: "r"},
		&StreamStop{RequestID: "r"},
		&StreamError{RequestID: "r", Message: "boom"},
		&Broadcast{Event: "operationApplied", Data: raw},
		&ResolveConflict{ConflictID: "c", Resolution: raw},
		&Ping{Timestamp: 1},
		&Pong{Timestamp: 1},
		NewEvent("e", "tick", raw, "server"),
		&Error{Message: "m"},
		&Conflict{SessionID: "s", Conflict: raw},
	}
	for _, m := range messages {
		b, err := Encode(m)
		if err != nil {
			t.Fatalf("encode %s: %v", m.Type(), err)
		}
		decoded, err := Decode(b)
		if err != nil {
			t.Fatalf("decode %s: %v", m.Type(), err)
		}
		assert.Equal(t, m.Type(), decoded.Type())
	}
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.Equal(t, true, errors.Is(err, ErrMalformed))

	_, err = Decode([]byte(`{"type":"teleport"}`))
	assert.Equal(t, true, errors.Is(err, ErrUnknownType))

	_, err = Decode([]byte(`{"type":"subscribe","event":"x"}`))
	assert.Equal(t, true, errors.Is(err, ErrMalformed))

	_, err = Decode([]byte(`{"type":"stream_chunk"}`))
	assert.Equal(t, true, errors.Is(err, ErrMalformed))
}

func TestRawData(t *testing.T) {
	d, err := RawData(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(d))

	d, err = RawData(map[string]int{"tempo": 140})
	assert.Equal(t, nil, err)
	assert.Equal(t, `{"tempo":140}`, string(d))

	_, err = RawData(make(chan int))
	assert.NotEqual(t, nil, err)
}
