package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// MemoryStore keeps sessions in memory. Used by tests and the no-database
// mode.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemoryStore returns an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.Session)}
}

// Get returns the session or nil when absent.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(sess), nil
}

// Upsert atomically replaces the session record.
func (s *MemoryStore) Upsert(ctx context.Context, sess *models.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// Touch bumps last_seen and pushes out the expiry.
func (s *MemoryStore) Touch(ctx context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		now := time.Now()
		sess.LastSeen = now
		sess.ExpiresAt = now.Add(ttl)
	}
	return nil
}

// Delete removes the session.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// DeleteExpired removes sessions whose TTL elapsed.
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func cloneSession(s *models.Session) *models.Session {
	clone := *s
	clone.History = append([]models.HistoryMessage(nil), s.History...)
	clone.InlineFingerprints = append([]string(nil), s.InlineFingerprints...)
	return &clone
}
