package memory

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

const summaryMaxLen = 500

// Manager writes post-call memories and answers similarity searches over
// them. Record is fire-and-forget: it runs detached from the request with
// its own timeout, and a failed write only logs.
type Manager struct {
	store    *sqliteStore
	embedder Embedder
	cfg      config.MemoryConfig
	metrics  *observability.Metrics
	logger   *slog.Logger

	optOut map[string]bool
	wg     sync.WaitGroup
}

func NewManager(db *sql.DB, embedder Embedder, cfg config.MemoryConfig, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	optOut := make(map[string]bool, len(cfg.OptOutFamilies))
	for _, family := range cfg.OptOutFamilies {
		optOut[family] = true
	}
	return &Manager{
		store:    &sqliteStore{db: db},
		embedder: embedder,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("component", "memory"),
		optOut:   optOut,
	}
}

// Record stores a summary of one completed exchange. It returns immediately;
// the write happens in the background under the configured timeout. family
// is the provider family of the tool that ran, for opt-out filtering.
func (m *Manager) Record(sessionID, toolName, family, prompt, response string) {
	if !m.cfg.Enabled || m.optOut[family] {
		m.count("skipped")
		return
	}
	summary := summarize(prompt, response)
	if summary == "" {
		m.count("skipped")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timeout := m.cfg.WriteTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		rec := &record{entry: models.MemoryEntry{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			ToolName:  toolName,
			Summary:   summary,
			CreatedAt: time.Now(),
		}}
		if m.embedder != nil {
			embedding, err := m.embedder.Embed(ctx, summary)
			if err != nil {
				// The summary is still worth keeping for recency search.
				m.logger.Debug("embedding failed", "tool", toolName, "error", err)
			} else {
				rec.embedding = embedding
				rec.entry.EmbeddingID = m.embedder.Model()
			}
		}
		if err := m.store.insert(ctx, rec); err != nil {
			m.logger.Warn("memory write failed", "tool", toolName, "error", err)
			m.count("error")
			return
		}
		m.count("ok")
	}()
}

// Flush waits for in-flight writes. Used by tests and shutdown.
func (m *Manager) Flush() { m.wg.Wait() }

// Search returns the topK stored memories most similar to the query.
// Without an embedder (or for rows that never got a vector) recency is the
// fallback ordering.
func (m *Manager) Search(ctx context.Context, query string, topK int) ([]models.MemoryHit, error) {
	if topK <= 0 {
		topK = 5
	}
	records, err := m.store.all(ctx)
	if err != nil {
		return nil, err
	}
	return m.rank(ctx, records, query, topK)
}

// SearchSession is Search restricted to one session's memories.
func (m *Manager) SearchSession(ctx context.Context, sessionID, query string, topK int) ([]models.MemoryHit, error) {
	if topK <= 0 {
		topK = 5
	}
	records, err := m.store.bySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.rank(ctx, records, query, topK)
}

func (m *Manager) rank(ctx context.Context, records []*record, query string, topK int) ([]models.MemoryHit, error) {
	if len(records) == 0 {
		return nil, nil
	}

	var queryVec []float32
	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, query)
		if err != nil {
			m.logger.Debug("query embedding failed, falling back to recency", "error", err)
		} else {
			queryVec = vec
		}
	}

	hits := make([]models.MemoryHit, 0, len(records))
	for _, rec := range records {
		hit := models.MemoryHit{Entry: rec.entry}
		if queryVec != nil && len(rec.embedding) == len(queryVec) {
			hit.Score = cosine(queryVec, rec.embedding)
		}
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// summarize compacts an exchange into one stored line pair.
func summarize(prompt, response string) string {
	p := strings.TrimSpace(prompt)
	r := strings.TrimSpace(response)
	if p == "" && r == "" {
		return ""
	}
	return truncateText(p, summaryMaxLen) + "\n---\n" + truncateText(r, summaryMaxLen)
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func (m *Manager) count(outcome string) {
	if m.metrics != nil {
		m.metrics.MemoryWrites.WithLabelValues(outcome).Inc()
	}
}
