// Package router splits a tool call's raw arguments into the four declared
// routes (prompt, adapter, vector_store, session) and renders the prompt
// bucket into the user prompt.
package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/haasonsaas/relay/pkg/models"
)

// InvalidRequestError reports a client-caused argument problem. It maps to an
// isError tool result, never to a protocol error.
type InvalidRequestError struct {
	Msg string
}

func (e *InvalidRequestError) Error() string { return e.Msg }

func invalidf(format string, args ...any) error {
	return &InvalidRequestError{Msg: fmt.Sprintf(format, args...)}
}

// SplitArgs holds a call's arguments bucketed by route.
type SplitArgs struct {
	Prompt      map[string]any
	Adapter     map[string]any
	VectorStore map[string]any
	Session     map[string]any
}

// SessionID returns the session_id argument, if present.
func (s *SplitArgs) SessionID() string {
	if v, ok := s.Session["session_id"].(string); ok {
		return v
	}
	return ""
}

// Split routes every raw argument per the descriptor. The router is total:
// unknown arguments and missing required arguments are invalid requests.
// Defaults from the descriptor fill absent adapter parameters.
func Split(desc *models.ToolDescriptor, raw map[string]any) (*SplitArgs, error) {
	split := &SplitArgs{
		Prompt:      map[string]any{},
		Adapter:     map[string]any{},
		VectorStore: map[string]any{},
		Session:     map[string]any{},
	}

	for name, value := range raw {
		spec, ok := desc.Param(name)
		if !ok {
			return nil, invalidf("unknown parameter %q for tool %s", name, desc.Name)
		}
		if err := checkType(spec, value); err != nil {
			return nil, err
		}
		switch spec.Route {
		case models.RoutePrompt:
			split.Prompt[name] = value
		case models.RouteAdapter:
			split.Adapter[name] = value
		case models.RouteVectorStore:
			split.VectorStore[name] = value
		case models.RouteSession:
			split.Session[name] = value
		}
	}

	for _, spec := range desc.Params {
		if spec.Required {
			if _, present := raw[spec.Name]; !present {
				return nil, invalidf("missing required parameter %q for tool %s", spec.Name, desc.Name)
			}
		}
	}

	// Adapter defaults fill in only where the caller did not speak.
	for name, value := range desc.DefaultParams {
		if _, present := split.Adapter[name]; !present {
			split.Adapter[name] = value
		}
	}

	return split, nil
}

// checkType enforces the declared JSON type of a parameter value.
func checkType(spec models.ParamSpec, value any) error {
	if value == nil {
		return nil
	}
	ok := false
	switch spec.Type {
	case "string":
		var s string
		if s, ok = value.(string); ok && len(spec.Enum) > 0 {
			found := false
			for _, e := range spec.Enum {
				if e == s {
					found = true
					break
				}
			}
			if !found {
				return invalidf("parameter %q must be one of %s", spec.Name, strings.Join(spec.Enum, ", "))
			}
		}
	case "number":
		switch value.(type) {
		case float64, float32, int, int64, json.Number:
			ok = true
		}
	case "integer":
		switch v := value.(type) {
		case int, int64:
			ok = true
		case float64:
			ok = v == float64(int64(v))
		case json.Number:
			_, err := v.Int64()
			ok = err == nil
		}
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]any)
	case "object":
		_, ok = value.(map[string]any)
	}
	if !ok {
		return invalidf("parameter %q must be of type %s", spec.Name, spec.Type)
	}
	return nil
}

// RenderPrompt concatenates prompt-routed parameters in declared positional
// order. When the descriptor carries a template, it renders with the prompt
// bucket as dot.
func RenderPrompt(desc *models.ToolDescriptor, prompt map[string]any) (string, error) {
	if desc.PromptTemplate != "" {
		tmpl, err := template.New(desc.Name).Option("missingkey=zero").Parse(desc.PromptTemplate)
		if err != nil {
			return "", fmt.Errorf("prompt template for %s: %w", desc.Name, err)
		}
		var sb strings.Builder
		if err := tmpl.Execute(&sb, prompt); err != nil {
			return "", fmt.Errorf("render prompt for %s: %w", desc.Name, err)
		}
		return sb.String(), nil
	}

	type positioned struct {
		pos  int
		text string
	}
	var parts []positioned
	for _, spec := range desc.Params {
		if spec.Route != models.RoutePrompt {
			continue
		}
		value, present := prompt[spec.Name]
		if !present || value == nil {
			continue
		}
		parts = append(parts, positioned{pos: spec.Position, text: stringify(value)})
	}
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].pos < parts[j].pos })

	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.text != "" {
			texts = append(texts, p.text)
		}
	}
	return strings.Join(texts, "\n\n"), nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
