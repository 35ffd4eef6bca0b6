package router

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles a caller-supplied structured-output JSON Schema.
// Empty input means the call requested no structured output and yields no
// schema. Compilation failures are invalid requests: the schema came from
// the client.
func CompileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	schema, err := jsonschema.CompileString("structured_output", string(raw))
	if err != nil {
		return nil, invalidf("invalid structured output schema: %v", err)
	}
	return schema, nil
}

// ValidateStructured checks a provider payload against the compiled schema.
// A payload that is not JSON or does not validate is an invalid request per
// the structured-output contract: the call fails hard rather than returning
// unvalidated output.
func ValidateStructured(schema *jsonschema.Schema, payload []byte) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return invalidf("structured output is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return invalidf("structured output does not match schema: %v", err)
	}
	return nil
}

// ExtractSchema pulls an optional structured-output schema from the adapter
// bucket. The parameter is conventionally named output_schema.
func ExtractSchema(adapterArgs map[string]any) (json.RawMessage, error) {
	v, ok := adapterArgs["output_schema"]
	if !ok || v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode output_schema: %w", err)
	}
	return data, nil
}
