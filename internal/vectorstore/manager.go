package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Manager maintains at most one provider vector store per session, renews its
// lease while the session stays active, and evicts stale entries. Per-session
// acquires are serialized; cross-session acquires run concurrently.
type Manager struct {
	meta     *metaStore
	provider Provider
	cfg      config.VectorStoreConfig
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds a manager over the shared database handle.
func NewManager(db *sql.DB, provider Provider, cfg config.VectorStoreConfig, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		meta:     &metaStore{db: db},
		provider: provider,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("component", "vectorstore"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the serialization lock for one session's store.
func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// Acquire reserves the vector-store slot for the session, extends its lease,
// uploads the delta of files not yet recorded, and returns the store id and
// the number of files uploaded. A failed upload surfaces the error with the
// delta partially applied; already-recorded files are never re-uploaded.
func (m *Manager) Acquire(ctx context.Context, sessionID string, overflow []*models.FileRef) (string, int, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	entry, err := m.meta.getBySession(ctx, sessionID)
	if err != nil {
		return "", 0, err
	}

	if entry != nil && now.After(entry.ExpiresAt) {
		// Expired but not yet swept: retire it and start fresh.
		if err := m.evict(ctx, entry, "expired"); err != nil {
			return "", 0, err
		}
		entry = nil
	}

	if entry == nil {
		if err := m.ensureCapacity(ctx); err != nil {
			return "", 0, err
		}
		vsID, err := m.provider.CreateStore(ctx, "relay-session-"+sessionID)
		if err != nil {
			return "", 0, fmt.Errorf("create vector store: %w", err)
		}
		entry = &Entry{
			VSID:        vsID,
			SessionID:   sessionID,
			FileHashes:  map[string]bool{},
			CreatedAt:   now,
			LastRenewed: now,
			ExpiresAt:   now.Add(m.cfg.TTL),
		}
		if err := m.meta.insert(ctx, entry); err != nil {
			return "", 0, err
		}
		m.logger.Debug("created vector store", "session_id", sessionID, "vs_id", vsID)
	} else {
		if err := m.meta.renew(ctx, entry.VSID, now, m.cfg.TTL); err != nil {
			return "", 0, err
		}
	}

	uploaded := 0
	for _, f := range overflow {
		if f.ContentHash == "" || entry.FileHashes[f.ContentHash] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return entry.VSID, uploaded, err
		}
		if err := m.provider.UploadFile(ctx, entry.VSID, f.AbsPath); err != nil {
			return entry.VSID, uploaded, fmt.Errorf("upload %s: %w", f.AbsPath, err)
		}
		// Record the hash only after the provider confirmed the upload; the
		// reverse order could claim presence of a file that never arrived.
		if err := m.meta.recordHash(ctx, entry.VSID, f.ContentHash, time.Now()); err != nil {
			return entry.VSID, uploaded, err
		}
		entry.FileHashes[f.ContentHash] = true
		uploaded++
		if m.metrics != nil {
			m.metrics.VectorStoreUploads.Inc()
		}
	}

	return entry.VSID, uploaded, nil
}

// Renew refreshes the session's lease without touching files and returns the
// live store id, or "" when the session holds no store.
func (m *Manager) Renew(ctx context.Context, sessionID string) (string, error) {
	entry, err := m.meta.getBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", nil
	}
	if err := m.meta.renew(ctx, entry.VSID, time.Now(), m.cfg.TTL); err != nil {
		return "", err
	}
	return entry.VSID, nil
}

// Search delegates a similarity query to the provider index for the session.
func (m *Manager) Search(ctx context.Context, sessionID, query string, topK int) ([]SearchHit, error) {
	entry, err := m.meta.getBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return m.provider.Search(ctx, entry.VSID, query, topK)
}

// Invalidate removes the session's store. The provider-side index is always
// deleted on explicit invalidation.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	entry, err := m.meta.getBySession(ctx, sessionID)
	if err != nil || entry == nil {
		return err
	}
	if err := m.provider.DeleteStore(ctx, entry.VSID); err != nil {
		return fmt.Errorf("delete provider store %s: %w", entry.VSID, err)
	}
	if m.metrics != nil {
		m.metrics.VectorStoreEvictions.WithLabelValues("invalidated").Inc()
	}
	return m.meta.delete(ctx, entry.VSID)
}

// SweepExpired deletes expired entries from local storage. The provider-side
// index is deleted only when DeleteOnEvict is set; otherwise the provider's
// own garbage collection reclaims it after the lease lapses.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	expired, err := m.meta.expired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range expired {
		if err := m.evict(ctx, entry, "expired"); err != nil {
			m.logger.Warn("evict failed", "vs_id", entry.VSID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// ensureCapacity evicts least-recently-renewed entries while the provider is
// at or above the safety threshold.
func (m *Manager) ensureCapacity(ctx context.Context) error {
	total, err := m.provider.CountStores(ctx)
	if err != nil {
		return fmt.Errorf("count provider stores: %w", err)
	}
	threshold := int(float64(m.cfg.ProviderCap) * m.cfg.CapacityThreshold)
	if threshold < 1 {
		threshold = 1
	}
	if total < threshold {
		return nil
	}

	stale, err := m.meta.leastRecentlyRenewed(ctx, total-threshold+1)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return fmt.Errorf("provider vector-store capacity reached (%d/%d) with no local entries to evict", total, m.cfg.ProviderCap)
	}
	for _, entry := range stale {
		// Near capacity the provider-side store must go regardless of the
		// delete-on-evict setting.
		if err := m.provider.DeleteStore(ctx, entry.VSID); err != nil {
			return fmt.Errorf("capacity eviction of %s: %w", entry.VSID, err)
		}
		if err := m.meta.delete(ctx, entry.VSID); err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.VectorStoreEvictions.WithLabelValues("capacity").Inc()
		}
		m.logger.Info("evicted vector store for capacity", "vs_id", entry.VSID, "session_id", entry.SessionID)
	}
	return nil
}

func (m *Manager) evict(ctx context.Context, entry *Entry, reason string) error {
	if m.cfg.DeleteOnEvict {
		if err := m.provider.DeleteStore(ctx, entry.VSID); err != nil {
			return fmt.Errorf("delete provider store %s: %w", entry.VSID, err)
		}
	}
	if err := m.meta.delete(ctx, entry.VSID); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.VectorStoreEvictions.WithLabelValues(reason).Inc()
	}
	return nil
}

// RunSweeper sweeps on the configured cadence until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.SweepExpired(ctx)
			if err != nil {
				m.logger.Warn("vector store sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				m.logger.Debug("swept expired vector stores", "count", removed)
			}
		}
	}
}
