// Package validator parses raw provider output into typed records. The
// engine consumes it as an opaque capability; the shipped implementation
// performs structural JSON checks sufficient for schema-gated runs.
package validator

import (
	"encoding/json"
	"fmt"

	"github.com/jasonkneen/curator/internal/provider"
	"github.com/jasonkneen/curator/pkg/types"
)

// Error is a schema-mismatch failure. The dispatcher retries these
// under their own cap before declaring the row permanently failed.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// Validator turns a raw response into a Record or an *Error.
type Validator interface {
	Validate(resp *provider.Response, schema string) (*types.Record, error)
}

// schemaSpec is the accepted schema document: a list of field names the
// response object must carry.
type schemaSpec struct {
	Required []string `json:"required"`
}

// JSON validates chat output structurally. With an empty schema the
// message is accepted verbatim; otherwise the message must be a JSON
// object containing every required field.
type JSON struct{}

func (JSON) Validate(resp *provider.Response, schema string) (*types.Record, error) {
	if resp == nil {
		return nil, &Error{Reason: "empty response"}
	}
	if schema == "" {
		return &types.Record{Message: resp.Message, Usage: resp.Usage}, nil
	}

	var spec schemaSpec
	if err := json.Unmarshal([]byte(schema), &spec); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(resp.Message), &fields); err != nil {
		return nil, &Error{Reason: "response is not a JSON object"}
	}
	for _, name := range spec.Required {
		if _, ok := fields[name]; !ok {
			return nil, &Error{Reason: fmt.Sprintf("missing required field %q", name)}
		}
	}

	return &types.Record{Message: resp.Message, Fields: fields, Usage: resp.Usage}, nil
}
