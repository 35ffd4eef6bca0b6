package sessions

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes expired sessions.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper builds a sweeper over the store with the given cadence.
func NewSweeper(store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "sessions.sweeper"),
	}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.DeleteExpired(ctx, time.Now())
			if err != nil {
				s.logger.Warn("session sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Debug("swept expired sessions", "count", removed)
			}
		}
	}
}
