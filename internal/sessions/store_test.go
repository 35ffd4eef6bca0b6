package sessions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

func newTestStores(t *testing.T) []struct {
	name  string
	store Store
} {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	_, err := storage.NewMigrator(path, nil).Up()
	require.NoError(t, err)
	db, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return []struct {
		name  string
		store Store
	}{
		{"sqlite", NewSQLiteStore(db)},
		{"memory", NewMemoryStore()},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for _, tc := range newTestStores(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().Truncate(time.Second)

			got, err := tc.store.Get(ctx, "absent")
			require.NoError(t, err)
			assert.Nil(t, got)

			sess := &models.Session{
				ID:                 "s1",
				ProviderFamily:     "openai",
				ContinuationKind:   models.ContinuationResponseID,
				ContinuationToken:  "resp_123",
				History:            []models.HistoryMessage{{Role: "user", Text: "hi"}, {Role: "assistant", Text: "hello"}},
				VectorStoreID:      "vs_1",
				InlineFingerprints: []string{"h1", "h2"},
				LastSeen:           now,
				ExpiresAt:          now.Add(time.Hour),
			}
			require.NoError(t, tc.store.Upsert(ctx, sess))

			got, err = tc.store.Get(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "openai", got.ProviderFamily)
			assert.Equal(t, models.ContinuationResponseID, got.ContinuationKind)
			assert.Equal(t, "resp_123", got.ContinuationToken)
			assert.Len(t, got.History, 2)
			assert.Equal(t, []string{"h1", "h2"}, got.InlineFingerprints)

			// Upsert replaces atomically.
			sess.ContinuationToken = "resp_456"
			sess.History = nil
			require.NoError(t, tc.store.Upsert(ctx, sess))
			got, err = tc.store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "resp_456", got.ContinuationToken)
			assert.Empty(t, got.History)

			require.NoError(t, tc.store.Delete(ctx, "s1"))
			got, err = tc.store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStoreTouchExtendsTTL(t *testing.T) {
	for _, tc := range newTestStores(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			sess := &models.Session{ID: "s1", LastSeen: now.Add(-time.Hour), ExpiresAt: now.Add(time.Minute)}
			require.NoError(t, tc.store.Upsert(ctx, sess))

			require.NoError(t, tc.store.Touch(ctx, "s1", 24*time.Hour))
			got, err := tc.store.Get(ctx, "s1")
			require.NoError(t, err)
			assert.True(t, got.ExpiresAt.After(now.Add(23*time.Hour)))
		})
	}
}

func TestStoreDeleteExpired(t *testing.T) {
	for _, tc := range newTestStores(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			require.NoError(t, tc.store.Upsert(ctx, &models.Session{ID: "dead", LastSeen: now, ExpiresAt: now.Add(-time.Minute)}))
			require.NoError(t, tc.store.Upsert(ctx, &models.Session{ID: "alive", LastSeen: now, ExpiresAt: now.Add(time.Hour)}))

			removed, err := tc.store.DeleteExpired(ctx, now)
			require.NoError(t, err)
			assert.Equal(t, int64(1), removed)

			got, err := tc.store.Get(ctx, "alive")
			require.NoError(t, err)
			assert.NotNil(t, got)
			got, err = tc.store.Get(ctx, "dead")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}
