// Package vectorstore maintains per-session provider vector indexes: content
// hash dedup, lease renewal and capacity-aware eviction. The provider-side
// operations sit behind the Provider interface; metadata persists in the
// relay database.
package vectorstore

import (
	"context"
)

// SearchHit is one similarity-search result from a provider index.
type SearchHit struct {
	FileID  string  `json:"file_id,omitempty"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet,omitempty"`
}

// Provider is the provider-side vector index surface. Implementations must
// honor ctx cancellation on every call.
type Provider interface {
	// CreateStore creates a provider vector store and returns its id.
	CreateStore(ctx context.Context, name string) (string, error)
	// UploadFile uploads the file at path into the store. Uploads are
	// idempotent at the provider for identical content.
	UploadFile(ctx context.Context, vsID, path string) error
	// DeleteStore removes the provider-side store.
	DeleteStore(ctx context.Context, vsID string) error
	// CountStores returns the provider-side total of live stores.
	CountStores(ctx context.Context) (int, error)
	// Search runs a similarity query against the store.
	Search(ctx context.Context, vsID, query string, topK int) ([]SearchHit, error)
}
