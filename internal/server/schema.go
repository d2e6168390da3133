package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nainya/scoresync/pkg/protocol"
)

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	types   map[protocol.Type]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		frame, err := jsonschema.CompileString("frame", frameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.frame = frame

		byType := map[protocol.Type]string{
			protocol.TypeSubscribe:       subscribeSchema,
			protocol.TypeUnsubscribe:     unsubscribeSchema,
			protocol.TypeStreamStart:     streamStartSchema,
			protocol.TypeStreamStop:      streamStopSchema,
			protocol.TypeBroadcast:       broadcastSchema,
			protocol.TypeResolveConflict: resolveConflictSchema,
			protocol.TypePing:            heartbeatSchema,
			protocol.TypePong:            heartbeatSchema,
		}

		frameSchemas.types = make(map[protocol.Type]*jsonschema.Schema, len(byType))
		for t, schema := range byType {
			compiled, err := jsonschema.CompileString("frame_"+string(t), schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.types[t] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateFrame checks an inbound client frame against its schema
func validateFrame(raw []byte) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := frameSchemas.frame.Validate(payload); err != nil {
		return err
	}

	obj, _ := payload.(map[string]any)
	typ, _ := obj["type"].(string)
	schema := frameSchemas.types[protocol.Type(typ)]
	if schema == nil {
		return fmt.Errorf("unsupported frame type %q", typ)
	}
	return schema.Validate(payload)
}

const frameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const subscribeSchema = `{
  "type": "object",
  "required": ["id", "event"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "event": { "type": "string", "minLength": 1 }
  }
}`

const unsubscribeSchema = `{
  "type": "object",
  "required": ["subscriptionId"],
  "properties": {
    "subscriptionId": { "type": "string", "minLength": 1 }
  }
}`

const streamStartSchema = `{
  "type": "object",
  "required": ["requestId", "streamType"],
  "properties": {
    "requestId": { "type": "string", "minLength": 1 },
    "streamType": { "type": "string", "minLength": 1 },
    "parameters": {}
  }
}`

const streamStopSchema = `{
  "type": "object",
  "required": ["requestId"],
  "properties": {
    "requestId": { "type": "string", "minLength": 1 }
  }
}`

const broadcastSchema = `{
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": { "type": "string", "minLength": 1 },
    "data": {}
  }
}`

const resolveConflictSchema = `{
  "type": "object",
  "required": ["conflictId", "resolution"],
  "properties": {
    "sessionId": { "type": "string" },
    "conflictId": { "type": "string", "minLength": 1 },
    "resolution": {
      "type": "object",
      "required": ["strategy", "resolvedData"],
      "properties": {
        "strategy": { "enum": ["overwrite", "merge", "manual"] },
        "resolvedData": { "type": "object" },
        "resolvedBy": { "type": "string" },
        "reasoning": { "type": "string" }
      }
    }
  }
}`

const heartbeatSchema = `{
  "type": "object",
  "properties": {
    "timestamp": { "type": "integer" }
  }
}`
