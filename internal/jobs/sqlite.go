package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

const jobColumns = `job_id, tool_id, payload, status, result, progress, progress_msg,
	error_text, attempt_count, max_attempts, max_runtime_s, started_at, created_at,
	updated_at, expires_at`

// SQLiteStore persists jobs in the shared relay database.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLiteStore builds a store. ttl bounds how long finished and unclaimed
// jobs stay queryable.
func NewSQLiteStore(db *sql.DB, ttl time.Duration) *SQLiteStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SQLiteStore{db: db, ttl: ttl}
}

func (s *SQLiteStore) Enqueue(ctx context.Context, toolID string, payload json.RawMessage, maxRuntime time.Duration) (*Job, error) {
	now := time.Now()
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	job := &Job{
		ID:          uuid.NewString(),
		ToolID:      toolID,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: 1,
		MaxRuntime:  maxRuntime,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, tool_id, payload, status, max_attempts, max_runtime_s,
			created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ToolID, string(job.Payload), job.Status, job.MaxAttempts,
		int64(maxRuntime.Seconds()), now.Unix(), now.Unix(), job.ExpiresAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// ClaimNextPending claims via a guarded UPDATE with RETURNING, so the
// transition is atomic even if a second worker were ever added.
func (s *SQLiteStore) ClaimNextPending(ctx context.Context) (*Job, error) {
	now := time.Now().Unix()
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE job_id = (
			SELECT job_id FROM jobs WHERE status = ? ORDER BY created_at, job_id LIMIT 1
		) AND status = ?
		RETURNING `+jobColumns,
		StatusRunning, now, now, StatusPending, StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, result *models.ToolResult) error {
	encoded := "null"
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
		encoded = string(raw)
	}
	return s.transition(ctx, id, StatusCompleted, []Status{StatusRunning},
		"result = ?, progress = 1.0", encoded)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, errorText string) error {
	return s.transition(ctx, id, StatusFailed, []Status{StatusRunning},
		"error_text = ?", errorText)
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusCancelled, []Status{StatusPending, StatusRunning}, "")
}

// transition applies a guarded terminal transition. The status predicate
// makes terminal states absorbing; repeat calls match zero rows.
func (s *SQLiteStore) transition(ctx context.Context, id string, to Status, from []Status, extraSet string, extraArgs ...any) error {
	query := "UPDATE jobs SET status = ?, updated_at = ?"
	args := []any{to, time.Now().Unix()}
	if extraSet != "" {
		query += ", " + extraSet
		args = append(args, extraArgs...)
	}
	query += " WHERE job_id = ? AND status IN (?"
	args = append(args, id, from[0])
	for _, st := range from[1:] {
		query += ", ?"
		args = append(args, st)
	}
	query += ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("job %s -> %s: %w", id, to, err)
	}
	return nil
}

func (s *SQLiteStore) Progress(ctx context.Context, id string, progress float64, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, progress_msg = ?, updated_at = ?
		WHERE job_id = ? AND status = ?`,
		progress, msg, time.Now().Unix(), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("job %s progress: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs ORDER BY created_at DESC, job_id LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE expires_at < ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                          Job
		payload                      string
		result, progressMsg, errText sql.NullString
		progress                     sql.NullFloat64
		maxRuntimeS                  int64
		startedAt                    sql.NullInt64
		createdAt, updatedAt         int64
		expiresAt                    int64
	)
	err := row.Scan(&job.ID, &job.ToolID, &payload, &job.Status, &result, &progress,
		&progressMsg, &errText, &job.AttemptCount, &job.MaxAttempts, &maxRuntimeS,
		&startedAt, &createdAt, &updatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	if result.Valid && result.String != "" && result.String != "null" {
		var tr models.ToolResult
		if err := json.Unmarshal([]byte(result.String), &tr); err != nil {
			return nil, fmt.Errorf("decode result for job %s: %w", job.ID, err)
		}
		job.Result = &tr
	}
	job.Progress = progress.Float64
	job.ProgressMsg = progressMsg.String
	job.ErrorText = errText.String
	job.MaxRuntime = time.Duration(maxRuntimeS) * time.Second
	if startedAt.Valid {
		job.StartedAt = time.Unix(startedAt.Int64, 0)
	}
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	job.ExpiresAt = time.Unix(expiresAt, 0)
	return &job, nil
}
