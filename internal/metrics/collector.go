package metrics

import (
	"context"
	"log/slog"
	"time"
)

// DB interface for queue depth queries
type DB interface {
	GetSyncJobQueueDepth() (total, ready int, err error)
	GetDeriveJobQueueDepth() (total, ready int, err error)
}

// StartQueueDepthCollector starts a background goroutine that periodically
// collects queue depth metrics from the database
func StartQueueDepthCollector(ctx context.Context, db DB, interval time.Duration) {
	logger := slog.Default()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect once immediately
	collectQueueDepths(db, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Queue depth collector stopping")
			return
		case <-ticker.C:
			collectQueueDepths(db, logger)
		}
	}
}

func collectQueueDepths(db DB, logger *slog.Logger) {
	if total, ready, err := db.GetSyncJobQueueDepth(); err != nil {
		logger.Error("Failed to get sync job queue depth", "error", err)
	} else {
		QueueDepthTotal.WithLabelValues(QueueTypeSyncJob).Set(float64(total))
		QueueDepthReady.WithLabelValues(QueueTypeSyncJob).Set(float64(ready))
	}

	if total, ready, err := db.GetDeriveJobQueueDepth(); err != nil {
		logger.Error("Failed to get derive job queue depth", "error", err)
	} else {
		QueueDepthTotal.WithLabelValues(QueueTypeDeriveJob).Set(float64(total))
		QueueDepthReady.WithLabelValues(QueueTypeDeriveJob).Set(float64(ready))
	}
}
