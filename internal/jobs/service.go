package jobs

import (
	"log/slog"
	"time"

	"runningcoach-garmin-sync/internal/database"
	"runningcoach-garmin-sync/internal/ratelimit"
)

// EnqueueResult reports what an enqueue call actually did. Queue
// unavailability is a degraded result, never an error the caller has to
// handle specially: webhook and cron handlers must stay up regardless
type EnqueueResult struct {
	Queued bool   `json:"queued"`
	JobID  int64  `json:"jobId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Service is the enqueue facade over both durable queues
type Service struct {
	db     *database.DB
	logger *slog.Logger
}

func NewService(db *database.DB) *Service {
	return &Service{db: db, logger: slog.Default()}
}

// EnqueueSync queues a sync job for a user. A live job for the same user
// collapses the call into a no-op
func (s *Service) EnqueueSync(userID string, trigger ratelimit.Trigger, dailyLookbackDays, activityLookbackDays int, sinceISO *string) EnqueueResult {
	id, deduped, err := s.db.EnqueueSyncJob(userID, string(trigger), dailyLookbackDays, activityLookbackDays, sinceISO)
	if err != nil {
		s.logger.Error("sync enqueue degraded", "user_id", userID, "trigger", trigger, "error", err)
		return EnqueueResult{Queued: false, Reason: "queue unavailable: " + err.Error()}
	}
	if deduped {
		return EnqueueResult{Queued: false, Reason: "skipped: a sync job for this user is already pending"}
	}

	s.logger.Info("enqueued sync job", "user_id", userID, "trigger", trigger, "job_id", id)
	return EnqueueResult{Queued: true, JobID: id}
}

// EnqueueDerive queues a recomputation of derived metrics. Calls within
// the same minute for the same user and dataset coalesce
func (s *Service) EnqueueDerive(userID string, garminUserID *string, datasetKey, source string, requestedAt time.Time) EnqueueResult {
	id, deduped, err := s.db.EnqueueDeriveJob(userID, garminUserID, datasetKey, source, requestedAt)
	if err != nil {
		s.logger.Error("derive enqueue degraded", "user_id", userID, "dataset", datasetKey, "error", err)
		return EnqueueResult{Queued: false, Reason: "queue unavailable: " + err.Error()}
	}
	if deduped {
		return EnqueueResult{Queued: false, Reason: "coalesced: an equivalent derive job is already pending"}
	}

	s.logger.Info("enqueued derive job", "user_id", userID, "dataset", datasetKey, "source", source, "job_id", id)
	return EnqueueResult{Queued: true, JobID: id}
}
