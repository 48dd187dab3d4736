package gateway

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Parameter schemas for the mutating RPC methods. Read-only methods get by
// with ad-hoc extraction; these fail loudly before touching a session.
const chatSendSchema = `{
	"type": "object",
	"required": ["sessionKey", "prompt"],
	"properties": {
		"sessionKey": {"type": "string", "minLength": 1},
		"prompt": {"type": "string", "minLength": 1},
		"model": {"type": "string"},
		"permissionMode": {"type": "string", "enum": ["prompt", "bypass", "deny"]},
		"wait": {"type": "boolean"},
		"attachments": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["media_type", "data"],
				"properties": {
					"media_type": {"type": "string", "minLength": 1},
					"data": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

const chatCancelSchema = `{
	"type": "object",
	"required": ["requestId"],
	"properties": {
		"requestId": {"type": "string", "minLength": 1}
	}
}`

const toolsApproveSchema = `{
	"type": "object",
	"required": ["approval_id", "action"],
	"properties": {
		"approval_id": {"type": "string", "minLength": 1},
		"action": {"type": "string", "enum": ["allow-once", "allow-always", "deny"]}
	}
}`

const jobsAddSchema = `{
	"type": "object",
	"required": ["name", "schedule", "sessionKey", "prompt"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"enabled": {"type": "boolean"},
		"deleteAfterRun": {"type": "boolean"},
		"sessionKey": {"type": "string", "minLength": 1},
		"prompt": {"type": "string", "minLength": 1},
		"model": {"type": "string"},
		"schedule": {
			"type": "object",
			"required": ["kind"],
			"properties": {
				"kind": {"type": "string", "enum": ["at", "every", "cron"]},
				"at": {"type": "string"},
				"everyMs": {"type": "integer", "minimum": 1},
				"anchorMs": {"type": "integer"},
				"expr": {"type": "string"},
				"tz": {"type": "string"}
			}
		}
	}
}`

// methodSchemas maps RPC method names to compiled parameter schemas.
type methodSchemas struct {
	schemas map[string]*gojsonschema.Schema
}

func newMethodSchemas() (*methodSchemas, error) {
	sources := map[string]string{
		"chat.send":     chatSendSchema,
		"chat.cancel":   chatCancelSchema,
		"tools.approve": toolsApproveSchema,
		"jobs.add":      jobsAddSchema,
	}

	compiled := make(map[string]*gojsonschema.Schema, len(sources))
	for method, src := range sources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", method, err)
		}
		compiled[method] = schema
	}
	return &methodSchemas{schemas: compiled}, nil
}

// validate checks params against the method's schema. Methods without a
// schema pass.
func (m *methodSchemas) validate(method string, params map[string]interface{}) error {
	schema, ok := m.schemas[method]
	if !ok {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return &RPCError{
			Code:    InvalidParams,
			Message: "invalid params: " + strings.Join(details, "; "),
		}
	}
	return nil
}
