package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Inbound frame types. A frame with no type field is a chat frame.
const (
	frameChat         = "chat"
	frameInterrupt    = "interrupt"
	frameClearHistory = "clear_history"
)

// inboundFrame is one client-to-server message.
type inboundFrame struct {
	Type      string `json:"type,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

const inboundFrameSchema = `{
  "type": "object",
  "properties": {
    "type": { "enum": ["chat", "interrupt", "clear_history"] },
    "prompt": { "type": "string" },
    "org_id": { "type": "string" },
    "project_id": { "type": "string" }
  },
  "additionalProperties": true
}`

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	schema  *jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		schema, err := jsonschema.CompileString("inbound_frame", inboundFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.schema = schema
	})
	return frameSchemas.initErr
}

// decodeInbound parses and validates one client frame.
func decodeInbound(raw []byte) (*inboundFrame, error) {
	if err := initFrameSchemas(); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if _, ok := payload.(map[string]any); !ok {
		return nil, fmt.Errorf("frame is not an object")
	}
	if err := frameSchemas.schema.Validate(payload); err != nil {
		return nil, err
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}
