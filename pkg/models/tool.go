// Package models defines the shared value types used across the relay broker:
// tool descriptors, file references, session records, and memory entries.
package models

import (
	"encoding/json"
	"time"
)

// ParamRoute declares which subsystem a tool parameter is delivered to.
type ParamRoute string

const (
	// RoutePrompt parameters are concatenated into the rendered user prompt.
	RoutePrompt ParamRoute = "prompt"
	// RouteAdapter parameters become keyword arguments to the adapter call.
	RouteAdapter ParamRoute = "adapter"
	// RouteVectorStore parameters feed the context assembler's overflow input.
	RouteVectorStore ParamRoute = "vector_store"
	// RouteSession parameters enter the session cache lookup.
	RouteSession ParamRoute = "session"
)

// Valid reports whether the route is one of the four known routes.
func (r ParamRoute) Valid() bool {
	switch r {
	case RoutePrompt, RouteAdapter, RouteVectorStore, RouteSession:
		return true
	}
	return false
}

// Capability identifies an optional feature a tool supports.
type Capability string

const (
	CapVision           Capability = "vision"
	CapVectorStore      Capability = "vector_store"
	CapSession          Capability = "session"
	CapStructuredOutput Capability = "structured_output"
	CapReasoningEffort  Capability = "reasoning_effort"
	CapTemperature      Capability = "temperature"
)

// ParamSpec describes a single declared tool parameter.
type ParamSpec struct {
	Name        string     `yaml:"name" json:"name"`
	Type        string     `yaml:"type" json:"type"` // JSON Schema type: string, number, integer, boolean, array, object
	Description string     `yaml:"description" json:"description,omitempty"`
	Route       ParamRoute `yaml:"route" json:"route"`
	Required    bool       `yaml:"required" json:"required,omitempty"`
	// Position orders prompt-routed parameters when rendering the user prompt.
	Position int `yaml:"position" json:"position,omitempty"`
	// Items is the element type for array parameters.
	Items string `yaml:"items" json:"items,omitempty"`
	// Enum restricts string parameters to a fixed value set.
	Enum []string `yaml:"enum" json:"enum,omitempty"`
}

// ToolDescriptor is the immutable metadata for a callable tool. Descriptors
// are built once at startup from the model catalog; names are unique within
// the registry.
type ToolDescriptor struct {
	Name           string         `json:"name"`
	Aliases        []string       `json:"aliases,omitempty"`
	Description    string         `json:"description"`
	Provider       string         `json:"provider"` // provider family: openai, anthropic, gemini, local
	Adapter        string         `json:"adapter"`  // adapter key in the adapter registry
	ModelName      string         `json:"model_name,omitempty"`
	ContextWindow  int            `json:"context_window,omitempty"`
	DefaultTimeout time.Duration  `json:"default_timeout,omitempty"`
	Capabilities   []Capability   `json:"capabilities,omitempty"`
	DefaultParams  map[string]any `json:"default_params,omitempty"`
	Params         []ParamSpec    `json:"params"`
	// PromptTemplate renders prompt-routed parameters into the user prompt.
	// Empty means parameters are joined in positional order.
	PromptTemplate string `json:"prompt_template,omitempty"`
}

// HasCapability reports whether the descriptor declares the capability.
func (d *ToolDescriptor) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Param returns the declared parameter spec by name.
func (d *ToolDescriptor) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// InputSchema builds the JSON Schema object advertised for this tool in
// tools/list responses.
func (d *ToolDescriptor) InputSchema() map[string]any {
	props := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Type == "array" && p.Items != "" {
			prop["items"] = map[string]any{"type": p.Items}
		}
		if len(p.Enum) > 0 {
			vals := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				vals[i] = v
			}
			prop["enum"] = vals
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Usage reports token consumption for a single upstream call.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

// ToolResult is the outcome of a tool invocation. Application-level failures
// set IsError; protocol errors never reach this type.
type ToolResult struct {
	Content    string          `json:"content"`
	Structured json.RawMessage `json:"structured,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	// ContinuationToken is the provider-native token that resumes the
	// conversation on the next call in the same session.
	ContinuationToken string `json:"-"`
}
