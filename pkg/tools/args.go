package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// InvalidArgumentsError reports tool arguments that do not match the tool's
// schema. It is returned before any side effect.
type InvalidArgumentsError struct {
	Tool string
	Err  error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }

// decodeArgs strictly decodes input into dst and validates it.
func decodeArgs(tool string, input map[string]any, dst validation.Validatable) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return &InvalidArgumentsError{Tool: tool, Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &InvalidArgumentsError{Tool: tool, Err: err}
	}
	if err := dst.Validate(); err != nil {
		return &InvalidArgumentsError{Tool: tool, Err: err}
	}
	return nil
}

func stringSchema(props map[string]string, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
