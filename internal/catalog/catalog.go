// Package catalog loads the declarative model/tool catalog file and builds
// the immutable tool registry from it. The catalog is loaded once at startup;
// changing it requires a restart.
package catalog

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/relay/pkg/models"
)

// entry is the YAML shape of one catalog tool.
type entry struct {
	ID              string             `yaml:"id"`
	Aliases         []string           `yaml:"aliases"`
	Provider        string             `yaml:"provider"`
	Adapter         string             `yaml:"adapter"`
	ModelName       string             `yaml:"model_name"`
	Description     string             `yaml:"description"`
	ContextWindow   int                `yaml:"context_window"`
	DefaultTimeoutS int                `yaml:"default_timeout_s"`
	Capabilities    []string           `yaml:"capabilities"`
	DefaultParams   map[string]any     `yaml:"default_params"`
	PromptTemplate  string             `yaml:"prompt_template"`
	Params          []models.ParamSpec `yaml:"params"`
}

type file struct {
	Tools []entry `yaml:"tools"`
}

// Registry is the immutable catalog of tool descriptors, addressable by name
// or alias.
type Registry struct {
	tools  []*models.ToolDescriptor
	byName map[string]*models.ToolDescriptor
}

// Load reads and validates the catalog file at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from catalog file bytes.
func Parse(data []byte) (*Registry, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var f file
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Tools) == 0 {
		return nil, fmt.Errorf("catalog declares no tools")
	}

	reg := &Registry{byName: make(map[string]*models.ToolDescriptor)}
	for i, e := range f.Tools {
		desc, err := e.toDescriptor()
		if err != nil {
			return nil, fmt.Errorf("catalog tool %d (%s): %w", i, e.ID, err)
		}
		for _, name := range append([]string{desc.Name}, desc.Aliases...) {
			if _, dup := reg.byName[name]; dup {
				return nil, fmt.Errorf("duplicate tool name or alias %q", name)
			}
			reg.byName[name] = desc
		}
		reg.tools = append(reg.tools, desc)
	}
	return reg, nil
}

func (e entry) toDescriptor() (*models.ToolDescriptor, error) {
	if strings.TrimSpace(e.ID) == "" {
		return nil, fmt.Errorf("id is required")
	}
	if e.Adapter == "" {
		return nil, fmt.Errorf("adapter is required")
	}
	if e.Provider == "" {
		return nil, fmt.Errorf("provider is required")
	}

	caps := make([]models.Capability, 0, len(e.Capabilities))
	for _, c := range e.Capabilities {
		cap := models.Capability(c)
		switch cap {
		case models.CapVision, models.CapVectorStore, models.CapSession,
			models.CapStructuredOutput, models.CapReasoningEffort, models.CapTemperature:
			caps = append(caps, cap)
		default:
			return nil, fmt.Errorf("unknown capability %q", c)
		}
	}

	seen := map[string]bool{}
	for _, p := range e.Params {
		if p.Name == "" {
			return nil, fmt.Errorf("param with empty name")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate param %q", p.Name)
		}
		seen[p.Name] = true
		if !p.Route.Valid() {
			return nil, fmt.Errorf("param %q has unknown route %q", p.Name, p.Route)
		}
		switch p.Type {
		case "string", "number", "integer", "boolean", "array", "object":
		default:
			return nil, fmt.Errorf("param %q has unknown type %q", p.Name, p.Type)
		}
	}

	timeout := time.Duration(e.DefaultTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &models.ToolDescriptor{
		Name:           e.ID,
		Aliases:        e.Aliases,
		Description:    e.Description,
		Provider:       e.Provider,
		Adapter:        e.Adapter,
		ModelName:      e.ModelName,
		ContextWindow:  e.ContextWindow,
		DefaultTimeout: timeout,
		Capabilities:   caps,
		DefaultParams:  e.DefaultParams,
		Params:         e.Params,
		PromptTemplate: e.PromptTemplate,
	}, nil
}

// Get returns the descriptor registered under name or alias.
func (r *Registry) Get(name string) (*models.ToolDescriptor, bool) {
	desc, ok := r.byName[name]
	return desc, ok
}

// List returns all descriptors in catalog order.
func (r *Registry) List() []*models.ToolDescriptor {
	return r.tools
}
