package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/relay/pkg/models"
)

func chatDescriptor() *models.ToolDescriptor {
	return &models.ToolDescriptor{
		Name: "chat_with_model",
		Params: []models.ParamSpec{
			{Name: "instructions", Type: "string", Route: models.RoutePrompt, Required: true, Position: 1},
			{Name: "output_format", Type: "string", Route: models.RoutePrompt, Position: 2, Enum: []string{"text", "json"}},
			{Name: "temperature", Type: "number", Route: models.RouteAdapter},
			{Name: "context", Type: "array", Route: models.RouteVectorStore},
			{Name: "session_id", Type: "string", Route: models.RouteSession},
		},
		DefaultParams: map[string]any{"temperature": 0.5},
	}
}

func TestSplitBucketsByRoute(t *testing.T) {
	split, err := Split(chatDescriptor(), map[string]any{
		"instructions": "hello",
		"temperature":  0.9,
		"context":      []any{"a.go", "b.go"},
		"session_id":   "s1",
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", split.Prompt["instructions"])
	assert.Equal(t, 0.9, split.Adapter["temperature"])
	assert.Equal(t, []any{"a.go", "b.go"}, split.VectorStore["context"])
	assert.Equal(t, "s1", split.SessionID())
}

func TestSplitRejectsUnknownParam(t *testing.T) {
	_, err := Split(chatDescriptor(), map[string]any{
		"instructions": "hello",
		"verbosity":    "high",
	})
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Msg, "verbosity")
}

func TestSplitRejectsMissingRequired(t *testing.T) {
	_, err := Split(chatDescriptor(), map[string]any{"session_id": "s1"})
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Msg, "instructions")
}

func TestSplitAppliesAdapterDefaults(t *testing.T) {
	split, err := Split(chatDescriptor(), map[string]any{"instructions": "hi"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, split.Adapter["temperature"])

	// Caller value wins over the default.
	split, err = Split(chatDescriptor(), map[string]any{"instructions": "hi", "temperature": 1.0})
	require.NoError(t, err)
	assert.Equal(t, 1.0, split.Adapter["temperature"])
}

func TestSplitTypeChecks(t *testing.T) {
	cases := []struct {
		name string
		args map[string]any
	}{
		{"string gets int", map[string]any{"instructions": 42}},
		{"number gets string", map[string]any{"instructions": "hi", "temperature": "hot"}},
		{"array gets string", map[string]any{"instructions": "hi", "context": "a.go"}},
		{"enum violation", map[string]any{"instructions": "hi", "output_format": "xml"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Split(chatDescriptor(), tc.args)
			var invalid *InvalidRequestError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestRenderPromptPositionalOrder(t *testing.T) {
	out, err := RenderPrompt(chatDescriptor(), map[string]any{
		"output_format": "json",
		"instructions":  "summarize",
	})
	require.NoError(t, err)
	assert.Equal(t, "summarize\n\njson", out)
}

func TestRenderPromptTemplate(t *testing.T) {
	desc := chatDescriptor()
	desc.PromptTemplate = "Task: {{.instructions}} (format: {{.output_format}})"
	out, err := RenderPrompt(desc, map[string]any{
		"instructions":  "summarize",
		"output_format": "text",
	})
	require.NoError(t, err)
	assert.Equal(t, "Task: summarize (format: text)", out)
}

func TestValidateStructuredRoundTrip(t *testing.T) {
	schema, err := CompileSchema(json.RawMessage(`{
		"type": "object",
		"properties": {"word": {"type": "string"}},
		"required": ["word"]
	}`))
	require.NoError(t, err)

	require.NoError(t, ValidateStructured(schema, []byte(`{"word": "elephant"}`)))

	err = ValidateStructured(schema, []byte(`{"number": 7}`))
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)

	err = ValidateStructured(schema, []byte(`not json`))
	require.ErrorAs(t, err, &invalid)
}

func TestCompileSchemaRejectsGarbage(t *testing.T) {
	_, err := CompileSchema(json.RawMessage(`{"type": 12}`))
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
}

func TestCompileSchemaEmptyMeansNoSchema(t *testing.T) {
	schema, err := CompileSchema(nil)
	require.NoError(t, err)
	assert.Nil(t, schema)

	schema, err = CompileSchema(json.RawMessage{})
	require.NoError(t, err)
	assert.Nil(t, schema)
}
