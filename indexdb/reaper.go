package indexdb

import (
	"context"
	"log/slog"
	"time"
)

// Reaper runs periodic cleanup of stale index entries. The in-memory index
// cache stays strictly lazy; background sweeping is allowed only at this
// durable tier.
type Reaper struct {
	store     *Store
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum entries to remove per reap cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger.With("component", "indexdb.reaper")
	}
}

// NewReaper creates a reaper for the given store.
// Defaults: interval=5m, batchSize=256.
func NewReaper(store *Store, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:     store,
		interval:  5 * time.Minute,
		batchSize: 256,
		logger:    slog.Default().With("component", "indexdb.reaper"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("index reaper started", "interval", r.interval, "batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("index reaper stopped")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	cutoff := r.store.now().Add(-r.store.validity)

	deleted, err := r.store.Reap(ctx, cutoff, r.batchSize)
	if err != nil {
		r.logger.Error("failed to reap stale indexes", "error", err)
		return
	}

	if deleted > 0 {
		r.logger.Debug("reap cycle complete", "deleted", deleted)
	}
}

// ReapNow runs a single reap cycle immediately.
// Useful for testing.
func (r *Reaper) ReapNow(ctx context.Context) {
	r.reap(ctx)
}
