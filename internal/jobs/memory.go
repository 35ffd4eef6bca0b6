package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// MemoryStore keeps jobs in memory. It mirrors SQLiteStore semantics and
// backs tests and database-less operation.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{jobs: make(map[string]*Job), ttl: ttl}
}

func (s *MemoryStore) Enqueue(ctx context.Context, toolID string, payload json.RawMessage, maxRuntime time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	s.jobs[job.ID] = cloneJob(job)
	return job, nil
}

func (s *MemoryStore) ClaimNextPending(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *Job
	for _, job := range s.jobs {
		if job.Status != StatusPending {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = StatusRunning
	oldest.StartedAt = time.Now()
	oldest.AttemptCount++
	oldest.UpdatedAt = time.Now()
	return cloneJob(oldest), nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string, result *models.ToolResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != StatusRunning {
		return nil
	}
	job.Status = StatusCompleted
	job.Result = result
	job.Progress = 1.0
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, id string, errorText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != StatusRunning {
		return nil
	}
	job.Status = StatusFailed
	job.ErrorText = errorText
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		return nil
	}
	job.Status = StatusCancelled
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Progress(ctx context.Context, id string, progress float64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != StatusRunning {
		return nil
	}
	job.Progress = progress
	job.ProgressMsg = msg
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		all = append(all, cloneJob(job))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	for id, job := range s.jobs {
		if job.ExpiresAt.Before(now) {
			delete(s.jobs, id)
			pruned++
		}
	}
	return pruned, nil
}

func cloneJob(job *Job) *Job {
	clone := *job
	if job.Result != nil {
		result := *job.Result
		clone.Result = &result
	}
	clone.Payload = append(json.RawMessage(nil), job.Payload...)
	return &clone
}
