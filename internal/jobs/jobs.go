// Package jobs implements the persistent async job queue: fire-and-forget
// tool execution with status polling and cancellation. The queue is
// single-writer; one worker loop claims and runs jobs.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Status is the state of a job. Terminal states are absorbing: once a job
// completes, fails or is cancelled, no further transition happens and repeat
// terminal calls are no-ops.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one async tool execution record.
type Job struct {
	ID           string             `json:"job_id"`
	ToolID       string             `json:"tool_id"`
	Payload      json.RawMessage    `json:"payload,omitempty"`
	Status       Status             `json:"status"`
	Result       *models.ToolResult `json:"result,omitempty"`
	Progress     float64            `json:"progress,omitempty"`
	ProgressMsg  string             `json:"progress_msg,omitempty"`
	ErrorText    string             `json:"error_text,omitempty"`
	AttemptCount int                `json:"attempt_count"`
	MaxAttempts  int                `json:"max_attempts"`
	MaxRuntime   time.Duration      `json:"-"`
	StartedAt    time.Time          `json:"started_at,omitzero"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
}

// Store persists job records. Get returns nil for unknown ids; terminal
// transitions on already-terminal jobs return nil without effect.
type Store interface {
	// Enqueue creates a pending job and returns it.
	Enqueue(ctx context.Context, toolID string, payload json.RawMessage, maxRuntime time.Duration) (*Job, error)
	// ClaimNextPending atomically moves the oldest pending job to running.
	// Returns nil when no job is pending.
	ClaimNextPending(ctx context.Context) (*Job, error)
	// Complete moves a running job to completed with its result.
	Complete(ctx context.Context, id string, result *models.ToolResult) error
	// Fail moves a running job to failed.
	Fail(ctx context.Context, id string, errorText string) error
	// Cancel moves a pending or running job to cancelled.
	Cancel(ctx context.Context, id string) error
	// Progress updates a running job's progress fields.
	Progress(ctx context.Context, id string, progress float64, msg string) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns jobs newest first.
	List(ctx context.Context, limit, offset int) ([]*Job, error)
	// Prune removes jobs whose expiry has passed. Returns the count removed.
	Prune(ctx context.Context, now time.Time) (int64, error)
}
