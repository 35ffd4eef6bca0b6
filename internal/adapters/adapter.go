// Package adapters provides the uniform call surface over upstream model
// providers and local services. Each adapter shapes one provider family's
// request/response traffic; the broker never sees provider wire formats.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/relay/internal/vectorstore"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrUnknownAdapter is returned when a catalog entry names an adapter that
// was never registered.
var ErrUnknownAdapter = errors.New("unknown adapter")

// Request carries one resolved tool call into an adapter. Prompt is fully
// rendered; Kwargs holds only adapter-routed arguments already validated
// against the catalog.
type Request struct {
	Tool           *models.ToolDescriptor
	Prompt         string
	Kwargs         map[string]any
	VectorStoreIDs []string
	Images         []*models.FileRef
	OutputSchema   json.RawMessage
	Session        *models.Session
}

// Result is an adapter's provider-neutral outcome. Structured is set only
// when the request asked for schema-constrained output; validation happens
// upstream in the router.
type Result struct {
	Text              string
	Structured        json.RawMessage
	Usage             models.Usage
	ContinuationKind  models.ContinuationKind
	ContinuationToken string
}

// Adapter executes calls against one provider family or local service.
// Implementations must honor ctx cancellation, including during retries.
type Adapter interface {
	// Name is the identifier catalog entries reference in their adapter field.
	Name() string
	Call(ctx context.Context, req *Request) (*Result, error)
}

// Retriever runs similarity queries against provider vector indexes.
// Adapters whose transport cannot attach a vector store natively use it to
// pull relevant excerpts into the prompt instead.
type Retriever interface {
	Search(ctx context.Context, vsID, query string, topK int) ([]vectorstore.SearchHit, error)
}

// Registry maps adapter names to implementations. Registration happens once
// at startup; lookups are concurrency-safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its name. Duplicate names are a wiring bug.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if name == "" {
		return errors.New("adapter has empty name")
	}
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
	}
	return a, nil
}

// Names lists registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// retrievedContext queries each vector store for passages relevant to the
// prompt and formats them as a context block. Retrieval is best effort: a
// failed search drops that store's excerpts rather than failing the call.
func retrievedContext(ctx context.Context, retriever Retriever, vsIDs []string, query string) string {
	if retriever == nil || len(vsIDs) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, vsID := range vsIDs {
		hits, err := retriever.Search(ctx, vsID, query, 8)
		if err != nil {
			continue
		}
		for _, hit := range hits {
			if hit.Text == "" {
				continue
			}
			if sb.Len() == 0 {
				sb.WriteString("Relevant excerpts from indexed files:\n\n")
			}
			sb.WriteString(hit.Text)
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

// stringArg reads a string-typed adapter argument.
func stringArg(kwargs map[string]any, key string) (string, bool) {
	v, ok := kwargs[key].(string)
	return v, ok
}

// floatArg reads a numeric adapter argument. JSON decoding yields float64
// for all numbers; ints appear when defaults come from the catalog.
func floatArg(kwargs map[string]any, key string) (float64, bool) {
	switch v := kwargs[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// intArg reads an integer adapter argument.
func intArg(kwargs map[string]any, key string) (int, bool) {
	f, ok := floatArg(kwargs, key)
	return int(f), ok
}
