package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"runningcoach-garmin-sync/internal/config"
	"runningcoach-garmin-sync/internal/database"
	"runningcoach-garmin-sync/internal/garmin"
	"runningcoach-garmin-sync/internal/metrics"
	"runningcoach-garmin-sync/internal/pipeline"
	"runningcoach-garmin-sync/internal/ratelimit"
	"runningcoach-garmin-sync/internal/tokens"
)

const (
	pollInterval  = 2 * time.Second
	pruneInterval = 10 * time.Minute

	// How long sync work stays paused after upstream throttling, absent
	// an explicit Retry-After
	defaultCircuitCooldown = 15 * time.Minute

	// Half-open probes required before the circuit fully closes
	halfOpenSuccessTarget = 3
)

type datasetFetcher interface {
	FetchDataset(ctx context.Context, accessToken, dataset string, start, end time.Time) ([]map[string]any, error)
}

type tokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// Worker is the single background processor: it drains the derive queue,
// then the sync queue, honoring the rate limiter and the circuit breaker
// before any upstream call
type Worker struct {
	db       *database.DB
	cfg      *config.Config
	fetcher  datasetFetcher
	tokens   tokenSource
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

func New(db *database.DB, cfg *config.Config, fetcher datasetFetcher, tokenSource tokenSource, pipe *pipeline.Pipeline) *Worker {
	return &Worker{
		db:       db,
		cfg:      cfg,
		fetcher:  fetcher,
		tokens:   tokenSource,
		pipeline: pipe,
		logger:   slog.Default(),
	}
}

// Run polls until the context is cancelled
func (w *Worker) Run(ctx context.Context) {
	metrics.WorkerActive.Set(1)
	defer metrics.WorkerActive.Set(0)

	w.logger.Info("worker started", "poll_interval", pollInterval)

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-pruneTicker.C:
			if pruned, err := w.db.PruneFinishedJobs(); err != nil {
				w.logger.Error("job pruning failed", "error", err)
			} else if pruned > 0 {
				w.logger.Info("pruned finished jobs", "count", pruned)
			}
		case <-pollTicker.C:
			// Drain until both queues are empty, then wait for the next tick
			for w.PollOnce(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// PollOnce processes at most one job. Returns true if it did any work
func (w *Worker) PollOnce(ctx context.Context) bool {
	circuitOpen := w.checkCircuit()

	// Derive jobs never touch the Garmin API, so the circuit does not
	// gate them
	deriveJob, err := w.db.ClaimDeriveJob()
	if err != nil {
		w.logger.Error("failed to claim derive job", "error", err)
		return false
	}
	if deriveJob != nil {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeDeriveJobFound).Inc()
		w.processDeriveJob(ctx, deriveJob)
		return true
	}

	if circuitOpen {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeCircuitOpen).Inc()
		return false
	}

	syncJob, err := w.db.ClaimSyncJob()
	if err != nil {
		w.logger.Error("failed to claim sync job", "error", err)
		return false
	}
	if syncJob != nil {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeSyncJobFound).Inc()
		w.processSyncJob(ctx, syncJob)
		return true
	}

	metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeIdle).Inc()
	return false
}

// checkCircuit transitions an expired open circuit to half-open and
// reports whether sync work is still paused
func (w *Worker) checkCircuit() bool {
	state, err := w.db.GetCircuitBreakerState()
	if err != nil {
		w.logger.Error("failed to read circuit breaker", "error", err)
		return false
	}

	switch state.State {
	case "open":
		metrics.CircuitBreakerState.WithLabelValues("garmin").Set(2)
		if state.ClosesAt != nil && time.Now().After(*state.ClosesAt) {
			if err := w.db.TransitionCircuitBreakerToHalfOpen(); err != nil {
				w.logger.Error("failed to half-open circuit", "error", err)
				return true
			}
			w.logger.Info("circuit breaker half-open, probing")
			metrics.CircuitBreakerState.WithLabelValues("garmin").Set(1)
			return false
		}
		return true
	case "half_open":
		metrics.CircuitBreakerState.WithLabelValues("garmin").Set(1)
		return false
	default:
		metrics.CircuitBreakerState.WithLabelValues("garmin").Set(0)
		return false
	}
}

func (w *Worker) processDeriveJob(ctx context.Context, job *database.DeriveJob) {
	start := time.Now()
	logger := w.logger.With("job_id", job.ID, "user_id", job.UserID, "dataset", job.DatasetKey)

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.SyncJobTimeout)
	defer cancel()

	err := w.runDerive(jobCtx, job.UserID)
	if err != nil {
		released, relErr := w.db.ReleaseDeriveJob(job.ID, job.Attempts, err.Error())
		if relErr != nil {
			logger.Error("failed to release derive job", "error", relErr)
			return
		}
		result := metrics.ResultRetry
		if !released {
			result = metrics.ResultFailure
			logger.Error("derive job failed permanently", "error", err, "attempts", job.Attempts+1)
		} else {
			logger.Warn("derive job released for retry", "error", err, "attempts", job.Attempts+1)
			metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeDeriveJob, strconv.Itoa(job.Attempts+1)).Inc()
		}
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeDeriveJob, result).Inc()
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeDeriveJob, result).Observe(time.Since(start).Seconds())
		return
	}

	if err := w.db.CompleteDeriveJob(job.ID); err != nil {
		logger.Error("failed to complete derive job", "error", err)
		return
	}
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeDeriveJob, metrics.ResultSuccess).Inc()
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeDeriveJob, metrics.ResultSuccess).Observe(time.Since(start).Seconds())
	logger.Info("derive job completed", "duration_ms", time.Since(start).Milliseconds())
}

// runDerive normalizes any pending payload files, then recomputes the
// cached metrics
func (w *Worker) runDerive(ctx context.Context, userID string) error {
	if _, err := w.pipeline.ProcessPendingFiles(ctx, userID, 0); err != nil {
		return fmt.Errorf("processing pending files: %w", err)
	}
	return w.pipeline.Recompute(ctx, userID, time.Now())
}

func (w *Worker) processSyncJob(ctx context.Context, job *database.SyncJob) {
	start := time.Now()
	logger := w.logger.With("job_id", job.ID, "user_id", job.UserID, "trigger", job.Trigger)

	conn, err := w.db.GetConnection(job.UserID)
	if err != nil {
		w.releaseSync(job, err, logger, start)
		return
	}
	if conn == nil || conn.Status == database.StatusDisconnected {
		logger.Info("sync job skipped, user not connected")
		w.completeSync(job, metrics.ResultSkipped, logger, start)
		return
	}

	var lastSyncAt *time.Time
	if conn.LastSyncAt != nil {
		t := time.Unix(*conn.LastSyncAt, 0)
		lastSyncAt = &t
	}
	decision := ratelimit.Evaluate(job.UserID, lastSyncAt, ratelimit.Trigger(job.Trigger), time.Now())
	if !decision.Allowed {
		metrics.SyncRateLimitedTotal.WithLabelValues(job.Trigger).Inc()
		logger.Info("sync job skipped by rate limiter", "reason", decision.Reason)
		w.completeSync(job, metrics.ResultSkipped, logger, start)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.SyncJobTimeout)
	defer cancel()

	err = w.runSync(jobCtx, job)

	switch {
	case err == nil:
		if upErr := w.db.UpdateConnectionSyncState(job.UserID, time.Now().Unix(), nil); upErr != nil {
			logger.Error("failed to record sync state", "error", upErr)
		}
		metrics.SyncJobsCompletedTotal.WithLabelValues(job.Trigger).Inc()
		w.completeSync(job, metrics.ResultSuccess, logger, start)
		w.recordCircuitSuccess()

	case garmin.IsAuthError(err) || errors.Is(err, tokens.ErrReauthorizationRequired):
		// The token store already marked the connection; retrying cannot
		// fix a dead refresh token
		logger.Warn("sync job failed terminally, re-authorization required", "error", err)
		if failErr := w.db.FailSyncJob(job.ID, err.Error()); failErr != nil {
			logger.Error("failed to fail sync job", "error", failErr)
		}
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultFailure).Inc()

	case garmin.IsRateLimited(err):
		cooldown := defaultCircuitCooldown
		var rlErr *garmin.RateLimitError
		if errors.As(err, &rlErr) && rlErr.RetryAfter > 0 {
			cooldown = rlErr.RetryAfter
		}
		logger.Warn("upstream throttling, opening circuit", "cooldown", cooldown)
		if cbErr := w.db.OpenCircuitBreaker(cooldown); cbErr != nil {
			logger.Error("failed to open circuit breaker", "error", cbErr)
		} else {
			metrics.CircuitBreakerOpened.Inc()
		}
		w.releaseSync(job, err, logger, start)

	default:
		w.releaseSync(job, err, logger, start)
	}
}

// runSync fetches every dataset for the job's lookback windows, stores
// the results, drains any pending payload files, and recomputes metrics
func (w *Worker) runSync(ctx context.Context, job *database.SyncJob) error {
	accessToken, err := w.tokens.AccessToken(ctx, job.UserID)
	if err != nil {
		return err
	}

	now := time.Now()

	activities, err := w.fetcher.FetchDataset(ctx, accessToken, garmin.DatasetActivities,
		now.AddDate(0, 0, -job.ActivityLookbackDays), now)
	if err != nil {
		return fmt.Errorf("fetching activities: %w", err)
	}
	if err := w.pipeline.StoreDataset(job.UserID, garmin.DatasetActivities, activities); err != nil {
		return fmt.Errorf("storing activities: %w", err)
	}

	dailyStart := now.AddDate(0, 0, -job.DailyLookbackDays)
	for _, dataset := range garmin.WellnessDatasets {
		records, err := w.fetcher.FetchDataset(ctx, accessToken, dataset, dailyStart, now)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", dataset, err)
		}
		if err := w.pipeline.StoreDataset(job.UserID, dataset, records); err != nil {
			return fmt.Errorf("storing %s: %w", dataset, err)
		}
	}

	if _, err := w.pipeline.ProcessPendingFiles(ctx, job.UserID, 0); err != nil {
		return fmt.Errorf("processing pending files: %w", err)
	}

	return w.pipeline.Recompute(ctx, job.UserID, now)
}

func (w *Worker) completeSync(job *database.SyncJob, result string, logger *slog.Logger, start time.Time) {
	if err := w.db.CompleteSyncJob(job.ID); err != nil {
		logger.Error("failed to complete sync job", "error", err)
		return
	}
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, result).Inc()
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, result).Observe(time.Since(start).Seconds())
	logger.Info("sync job completed", "result", result, "duration_ms", time.Since(start).Milliseconds())
}

func (w *Worker) releaseSync(job *database.SyncJob, jobErr error, logger *slog.Logger, start time.Time) {
	released, err := w.db.ReleaseSyncJob(job.ID, job.Attempts, jobErr.Error())
	if err != nil {
		logger.Error("failed to release sync job", "error", err)
		return
	}
	result := metrics.ResultRetry
	if !released {
		result = metrics.ResultFailure
		logger.Error("sync job failed permanently", "error", jobErr, "attempts", job.Attempts+1)
	} else {
		logger.Warn("sync job released for retry", "error", jobErr, "attempts", job.Attempts+1)
		metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeSyncJob, strconv.Itoa(job.Attempts+1)).Inc()
	}
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, result).Inc()
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, result).Observe(time.Since(start).Seconds())
}

// recordCircuitSuccess advances half-open recovery after a clean sync
func (w *Worker) recordCircuitSuccess() {
	state, err := w.db.GetCircuitBreakerState()
	if err != nil || state.State != "half_open" {
		return
	}
	if err := w.db.IncrementCircuitBreakerSuccesses(); err != nil {
		w.logger.Error("failed to record circuit success", "error", err)
		return
	}
	state, err = w.db.GetCircuitBreakerState()
	if err != nil {
		return
	}
	if state.ConsecutiveSuccesses >= halfOpenSuccessTarget {
		if err := w.db.TransitionCircuitBreakerToClosed(); err != nil {
			w.logger.Error("failed to close circuit breaker", "error", err)
			return
		}
		metrics.CircuitBreakerRecovered.Inc()
		w.logger.Info("circuit breaker recovered")
	}
}
