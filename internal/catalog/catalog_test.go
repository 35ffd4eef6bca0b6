package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/relay/pkg/models"
)

const sampleCatalog = `
tools:
  - id: chat_with_openai_model
    aliases: [chat_openai]
    provider: openai
    adapter: openai
    model_name: gpt-4.1
    description: Chat with an OpenAI model.
    context_window: 100000
    default_timeout_s: 600
    capabilities: [session, vector_store, structured_output, temperature]
    default_params:
      temperature: 0.7
    params:
      - name: instructions
        type: string
        route: prompt
        required: true
        position: 1
      - name: output_format
        type: string
        route: prompt
        position: 2
        enum: [text, json]
      - name: temperature
        type: number
        route: adapter
      - name: context
        type: array
        items: string
        route: vector_store
      - name: session_id
        type: string
        route: session
  - id: count_project_tokens
    provider: local
    adapter: tokencount
    description: Count tokens in project files.
    params:
      - name: items
        type: array
        items: string
        route: vector_store
        required: true
`

func TestParseBuildsDescriptors(t *testing.T) {
	reg, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)

	desc, ok := reg.Get("chat_with_openai_model")
	require.True(t, ok)
	assert.Equal(t, "openai", desc.Provider)
	assert.Equal(t, 100000, desc.ContextWindow)
	assert.Equal(t, 10*time.Minute, desc.DefaultTimeout)
	assert.True(t, desc.HasCapability(models.CapSession))
	assert.False(t, desc.HasCapability(models.CapVision))
	assert.Equal(t, 0.7, desc.DefaultParams["temperature"])

	// Alias resolves to the same descriptor.
	byAlias, ok := reg.Get("chat_openai")
	require.True(t, ok)
	assert.Same(t, desc, byAlias)

	assert.Len(t, reg.List(), 2)
}

func TestParseDefaultTimeout(t *testing.T) {
	reg, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)
	desc, _ := reg.Get("count_project_tokens")
	assert.Equal(t, 10*time.Minute, desc.DefaultTimeout)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		catalog string
	}{
		{"empty", "tools: []\n"},
		{"missing adapter", "tools:\n  - id: x\n    provider: local\n"},
		{"unknown route", "tools:\n  - id: x\n    provider: local\n    adapter: a\n    params:\n      - name: p\n        type: string\n        route: body\n"},
		{"unknown capability", "tools:\n  - id: x\n    provider: local\n    adapter: a\n    capabilities: [telepathy]\n"},
		{"duplicate param", "tools:\n  - id: x\n    provider: local\n    adapter: a\n    params:\n      - name: p\n        type: string\n        route: prompt\n      - name: p\n        type: string\n        route: prompt\n"},
		{"duplicate id", "tools:\n  - id: x\n    provider: local\n    adapter: a\n  - id: x\n    provider: local\n    adapter: a\n"},
		{"alias collides", "tools:\n  - id: x\n    provider: local\n    adapter: a\n  - id: y\n    aliases: [x]\n    provider: local\n    adapter: a\n"},
		{"unknown key", "tools:\n  - id: x\n    provider: local\n    adapter: a\n    shiny: true\n"},
		{"bad param type", "tools:\n  - id: x\n    provider: local\n    adapter: a\n    params:\n      - name: p\n        type: tuple\n        route: prompt\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.catalog))
			assert.Error(t, err)
		})
	}
}
