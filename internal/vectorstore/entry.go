package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Entry is the persisted metadata for one provider vector store. FileHashes
// and the store id are persisted together: a crash mid-upload leaves a hash
// unrecorded, so the file is re-uploaded rather than silently assumed
// present.
type Entry struct {
	VSID        string
	SessionID   string
	FileHashes  map[string]bool
	CreatedAt   time.Time
	LastRenewed time.Time
	ExpiresAt   time.Time
}

// metaStore wraps the vector_stores and vector_store_files tables.
type metaStore struct {
	db *sql.DB
}

func (m *metaStore) getBySession(ctx context.Context, sessionID string) (*Entry, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT vs_id, session_id, created_at, last_renewed, expires_at
		FROM vector_stores WHERE session_id = ?`, sessionID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector store for session %s: %w", sessionID, err)
	}
	if err := m.loadHashes(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var created, renewed, expires int64
	if err := row.Scan(&e.VSID, &e.SessionID, &created, &renewed, &expires); err != nil {
		return nil, err
	}
	e.CreatedAt = time.Unix(created, 0)
	e.LastRenewed = time.Unix(renewed, 0)
	e.ExpiresAt = time.Unix(expires, 0)
	e.FileHashes = map[string]bool{}
	return &e, nil
}

func (m *metaStore) loadHashes(ctx context.Context, entry *Entry) error {
	rows, err := m.db.QueryContext(ctx,
		"SELECT file_hash FROM vector_store_files WHERE vs_id = ?", entry.VSID)
	if err != nil {
		return fmt.Errorf("load hashes for %s: %w", entry.VSID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return err
		}
		entry.FileHashes[hash] = true
	}
	return rows.Err()
}

func (m *metaStore) insert(ctx context.Context, e *Entry) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO vector_stores (vs_id, session_id, created_at, last_renewed, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.VSID, e.SessionID, e.CreatedAt.Unix(), e.LastRenewed.Unix(), e.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("insert vector store %s: %w", e.VSID, err)
	}
	return nil
}

func (m *metaStore) renew(ctx context.Context, vsID string, now time.Time, ttl time.Duration) error {
	_, err := m.db.ExecContext(ctx,
		"UPDATE vector_stores SET last_renewed = ?, expires_at = ? WHERE vs_id = ?",
		now.Unix(), now.Add(ttl).Unix(), vsID)
	if err != nil {
		return fmt.Errorf("renew vector store %s: %w", vsID, err)
	}
	return nil
}

// recordHash marks one file hash as confirmed uploaded. Called after each
// successful provider upload, in its own transaction.
func (m *metaStore) recordHash(ctx context.Context, vsID, hash string, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO vector_store_files (vs_id, file_hash, uploaded_at)
		VALUES (?, ?, ?)
		ON CONFLICT(vs_id, file_hash) DO NOTHING`,
		vsID, hash, now.Unix())
	if err != nil {
		return fmt.Errorf("record hash for %s: %w", vsID, err)
	}
	return nil
}

func (m *metaStore) delete(ctx context.Context, vsID string) error {
	// vector_store_files cascades.
	_, err := m.db.ExecContext(ctx, "DELETE FROM vector_stores WHERE vs_id = ?", vsID)
	if err != nil {
		return fmt.Errorf("delete vector store %s: %w", vsID, err)
	}
	return nil
}

func (m *metaStore) expired(ctx context.Context, now time.Time) ([]*Entry, error) {
	return m.queryEntries(ctx, `
		SELECT vs_id, session_id, created_at, last_renewed, expires_at
		FROM vector_stores WHERE expires_at < ?`, now.Unix())
}

// leastRecentlyRenewed returns up to n entries ordered by staleness.
func (m *metaStore) leastRecentlyRenewed(ctx context.Context, n int) ([]*Entry, error) {
	return m.queryEntries(ctx, `
		SELECT vs_id, session_id, created_at, last_renewed, expires_at
		FROM vector_stores ORDER BY last_renewed ASC LIMIT ?`, n)
}

func (m *metaStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vector stores: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
