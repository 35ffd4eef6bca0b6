// Package sessions implements the persistent session continuity cache: a
// key/value store from client session ids to provider continuation state,
// with per-key write serialization and TTL expiry.
package sessions

import (
	"context"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Store is the interface for session persistence. Reads are lock-free;
// writers serialize per key through the LockManager, not the store.
type Store interface {
	// Get returns the session or nil when absent.
	Get(ctx context.Context, id string) (*models.Session, error)
	// Upsert atomically replaces the session record.
	Upsert(ctx context.Context, session *models.Session) error
	// Touch bumps last_seen and pushes out the expiry.
	Touch(ctx context.Context, id string, ttl time.Duration) error
	// Delete removes the session.
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes sessions whose TTL elapsed, returning the count.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
