package tracking

import (
	"context"
	"time"

	"github.com/SitoSt/JotaOrchestrator/internal/logger"
	"github.com/SitoSt/JotaOrchestrator/internal/storage/pg"
)

// RetentionWorker deletes inference records older than the retention
// window.
type RetentionWorker struct {
	queries   pg.Querier
	logger    *logger.Logger
	interval  time.Duration
	retention time.Duration
}

func NewRetentionWorker(queries pg.Querier, log *logger.Logger, retentionDays int) *RetentionWorker {
	return &RetentionWorker{
		queries:   queries,
		logger:    log.WithComponent("tracking-retention"),
		interval:  1 * time.Hour,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Run starts the retention loop.
func (w *RetentionWorker) Run(ctx context.Context) {
	w.logger.Info("starting tracking retention worker",
		"interval", w.interval,
		"retention", w.retention)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run immediately on startup
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("tracking retention worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RetentionWorker) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.retention)

	deleted, err := w.queries.DeleteInferenceRequestsBefore(ctx, cutoff)
	if err != nil {
		w.logger.Error("failed to delete expired inference records", "error", err.Error())
		return
	}

	if deleted > 0 {
		w.logger.Info("expired inference records deleted",
			"count", deleted,
			"cutoff", cutoff)
	}
}
