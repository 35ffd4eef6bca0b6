package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// record is one persisted memory row with its embedding.
type record struct {
	entry     models.MemoryEntry
	embedding []float32
}

// sqliteStore wraps the memories table. Embeddings are stored as JSON float
// arrays; the table stays small enough that search loads every row.
type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) insert(ctx context.Context, rec *record) error {
	encoded, err := json.Marshal(rec.embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (memory_id, session_id, tool_name, summary, embedding_id, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.entry.ID, rec.entry.SessionID, rec.entry.ToolName, rec.entry.Summary,
		rec.entry.EmbeddingID, string(encoded), rec.entry.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", rec.entry.ID, err)
	}
	return nil
}

func (s *sqliteStore) all(ctx context.Context) ([]*record, error) {
	return s.query(ctx, `
		SELECT memory_id, session_id, tool_name, summary, embedding_id, embedding, created_at
		FROM memories ORDER BY created_at DESC`)
}

func (s *sqliteStore) bySession(ctx context.Context, sessionID string) ([]*record, error) {
	return s.query(ctx, `
		SELECT memory_id, session_id, tool_name, summary, embedding_id, embedding, created_at
		FROM memories WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]*record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []*record
	for rows.Next() {
		var (
			rec       record
			embedding string
			createdAt int64
		)
		if err := rows.Scan(&rec.entry.ID, &rec.entry.SessionID, &rec.entry.ToolName,
			&rec.entry.Summary, &rec.entry.EmbeddingID, &embedding, &createdAt); err != nil {
			return nil, err
		}
		rec.entry.CreatedAt = time.Unix(createdAt, 0)
		if embedding != "" {
			if err := json.Unmarshal([]byte(embedding), &rec.embedding); err != nil {
				return nil, fmt.Errorf("decode embedding for %s: %w", rec.entry.ID, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
