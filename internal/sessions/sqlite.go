package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// SQLiteStore persists sessions in the shared relay database. All writes are
// single-statement transactions; the database runs in WAL mode so readers
// never block on writers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle. The sessions table must
// already exist (the migration runner creates it).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get returns the session or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider_family, continuation_kind, continuation_token,
		       history, vector_store_id, inline_fingerprints, last_seen, expires_at
		FROM sessions WHERE id = ?`, id)

	var sess models.Session
	var historyJSON, fingerprintsJSON string
	var lastSeen, expiresAt int64
	err := row.Scan(&sess.ID, &sess.ProviderFamily, &sess.ContinuationKind,
		&sess.ContinuationToken, &historyJSON, &sess.VectorStoreID,
		&fingerprintsJSON, &lastSeen, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(historyJSON), &sess.History); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(fingerprintsJSON), &sess.InlineFingerprints); err != nil {
		return nil, fmt.Errorf("decode fingerprints for %s: %w", id, err)
	}
	sess.LastSeen = time.Unix(lastSeen, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	return &sess, nil
}

// Upsert atomically replaces the session record.
func (s *SQLiteStore) Upsert(ctx context.Context, sess *models.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session id is required")
	}
	historyJSON, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if sess.History == nil {
		historyJSON = []byte("[]")
	}
	fingerprintsJSON, err := json.Marshal(sess.InlineFingerprints)
	if err != nil {
		return fmt.Errorf("encode fingerprints: %w", err)
	}
	if sess.InlineFingerprints == nil {
		fingerprintsJSON = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, provider_family, continuation_kind, continuation_token,
		                      history, vector_store_id, inline_fingerprints, last_seen, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_family = excluded.provider_family,
			continuation_kind = excluded.continuation_kind,
			continuation_token = excluded.continuation_token,
			history = excluded.history,
			vector_store_id = excluded.vector_store_id,
			inline_fingerprints = excluded.inline_fingerprints,
			last_seen = excluded.last_seen,
			expires_at = excluded.expires_at`,
		sess.ID, sess.ProviderFamily, string(sess.ContinuationKind), sess.ContinuationToken,
		string(historyJSON), sess.VectorStoreID, string(fingerprintsJSON),
		sess.LastSeen.Unix(), sess.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}
	return nil
}

// Touch bumps last_seen and pushes out the expiry.
func (s *SQLiteStore) Touch(ctx context.Context, id string, ttl time.Duration) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_seen = ?, expires_at = ? WHERE id = ?",
		now.Unix(), now.Add(ttl).Unix(), id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

// Delete removes the session.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// DeleteExpired removes sessions whose TTL elapsed.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}
