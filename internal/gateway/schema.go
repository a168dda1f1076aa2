package gateway

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once       sync.Once
	initErr    error
	chat       *jsonschema.Schema
	regenerate *jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		chat, err := jsonschema.CompileString("chat_request", chatRequestSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		regenerate, err := jsonschema.CompileString("regenerate_request", regenerateRequestSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.chat = chat
		schemas.regenerate = regenerate
	})
	return schemas.initErr
}

// validateBody checks raw against the chat schema, or the regenerate schema
// when regenerate is set.
func validateBody(raw []byte, regenerate bool) error {
	if err := initSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	schema := schemas.chat
	if regenerate {
		schema = schemas.regenerate
	}
	return schema.Validate(payload)
}

const chatRequestSchema = `{
  "type": "object",
  "required": ["session_id", "messages"],
  "properties": {
    "session_id": { "type": "string", "minLength": 1 },
    "user_id": { "type": "string" },
    "message_id": { "type": "string" },
    "stream": { "type": "boolean" },
    "user_info": { "type": "object" },
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": { "type": "string", "minLength": 1 },
          "content": { "type": "string" }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": false
}`

const regenerateRequestSchema = `{
  "type": "object",
  "required": ["session_id", "message_id", "messages"],
  "properties": {
    "session_id": { "type": "string", "minLength": 1 },
    "user_id": { "type": "string" },
    "message_id": { "type": "string", "minLength": 1 },
    "original_timestamp": { "type": "string", "format": "date-time" },
    "stream": { "type": "boolean" },
    "user_info": { "type": "object" },
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": { "type": "string", "minLength": 1 },
          "content": { "type": "string" }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": false
}`
