package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"runningcoach-garmin-sync/internal/metrics"
)

// Job status values shared by both queues
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Sync queue policy
const (
	SyncJobMaxAttempts  = 4
	syncJobBackoffBase  = 30 * time.Second
	completedRetention  = 24 * time.Hour
	failedRetention     = 7 * 24 * time.Hour
)

// SyncJob represents a sync job awaiting processing
type SyncJob struct {
	ID                   int64
	DedupKey             string
	UserID               string
	Trigger              string
	DailyLookbackDays    int
	ActivityLookbackDays int
	SinceISO             *string
	Status               string
	Attempts             int
	LastError            *string
	NextRetryAt          *time.Time
	ProcessingStartedAt  *time.Time
	CreatedAt            time.Time
}

// SyncDedupKey is deterministic per user: at most one live sync job per
// user, regardless of trigger
func SyncDedupKey(userID string) string {
	return "sync:" + userID
}

// EnqueueSyncJob adds a sync job to the queue. Returns deduped=true when a
// live job for the user already exists (the enqueue is a no-op)
func (d *DB) EnqueueSyncJob(userID, trigger string, dailyLookbackDays, activityLookbackDays int, sinceISO *string) (int64, bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueSyncJob))
	defer timer.ObserveDuration()

	result, err := d.conn.Exec(`
		INSERT INTO sync_jobs (
			dedup_key, user_id, trigger_type,
			daily_lookback_days, activity_lookback_days, since_iso, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, SyncDedupKey(userID), userID, trigger,
		dailyLookbackDays, activityLookbackDays, sinceISO, time.Now().Unix())

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			metrics.QueueDedupTotal.WithLabelValues(metrics.QueueTypeSyncJob).Inc()
			return 0, true, nil
		}
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueSyncJob).Inc()
		return 0, false, fmt.Errorf("failed to enqueue sync job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueSyncJob).Inc()
		return 0, false, fmt.Errorf("failed to get sync job id: %w", err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeSyncJob).Inc()

	return id, false, nil
}

// ClaimSyncJob atomically claims the next ready sync job. Returns nil if
// none is ready. A job is ready if next_retry_at is unset or in the past,
// and it is queued (or running but stale-locked)
func (d *DB) ClaimSyncJob() (*SyncJob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimSyncJob))
	defer timer.ObserveDuration()

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	query := `
		UPDATE sync_jobs
		SET status = 'running', processing_started_at = ?
		WHERE id = (
			SELECT id
			FROM sync_jobs
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (status = 'queued'
			       OR (status = 'running' AND processing_started_at < ?))
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, dedup_key, user_id, trigger_type,
		          daily_lookback_days, activity_lookback_days, since_iso,
		          attempts, last_error, next_retry_at, created_at
	`

	var job SyncJob
	var nextRetryAt *int64
	var createdAt int64

	err := d.conn.QueryRow(query, now.Unix(), now.Unix(), staleThreshold).Scan(
		&job.ID, &job.DedupKey, &job.UserID, &job.Trigger,
		&job.DailyLookbackDays, &job.ActivityLookbackDays, &job.SinceISO,
		&job.Attempts, &job.LastError, &nextRetryAt, &createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimSyncJob).Inc()
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}

	job.Status = JobStatusRunning
	if nextRetryAt != nil {
		t := time.Unix(*nextRetryAt, 0)
		job.NextRetryAt = &t
	}
	job.ProcessingStartedAt = &now
	job.CreatedAt = time.Unix(createdAt, 0)

	return &job, nil
}

// CompleteSyncJob marks a sync job completed. The row is retained until
// the pruning window expires
func (d *DB) CompleteSyncJob(id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCompleteSyncJob))
	defer timer.ObserveDuration()

	_, err := d.conn.Exec(`
		UPDATE sync_jobs
		SET status = 'completed', finished_at = ?
		WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCompleteSyncJob).Inc()
		return fmt.Errorf("failed to complete sync job: %w", err)
	}
	return nil
}

// ReleaseSyncJob records a failed attempt. The backoff delay doubles per
// attempt; after SyncJobMaxAttempts the job lands in the failed state.
// Returns true if the job was released for retry
func (d *DB) ReleaseSyncJob(id int64, currentAttempts int, errMsg string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseSyncJob))
	defer timer.ObserveDuration()

	newAttempts := currentAttempts + 1

	if newAttempts >= SyncJobMaxAttempts {
		_, err := d.conn.Exec(`
			UPDATE sync_jobs
			SET status = 'failed', attempts = ?, last_error = ?, finished_at = ?,
			    processing_started_at = NULL
			WHERE id = ?
		`, newAttempts, errMsg, time.Now().Unix(), id)
		if err != nil {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseSyncJob).Inc()
			return false, fmt.Errorf("failed to fail sync job: %w", err)
		}
		return false, nil
	}

	nextRetryAt := time.Now().Add(backoffDelay(syncJobBackoffBase, newAttempts))

	_, err := d.conn.Exec(`
		UPDATE sync_jobs
		SET status = 'queued', attempts = ?, last_error = ?, next_retry_at = ?,
		    processing_started_at = NULL
		WHERE id = ?
	`, newAttempts, errMsg, nextRetryAt.Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseSyncJob).Inc()
		return false, fmt.Errorf("failed to release sync job: %w", err)
	}

	return true, nil
}

// FailSyncJob moves a job straight to failed, bypassing remaining retry
// attempts. Used for terminal errors where retrying cannot help
func (d *DB) FailSyncJob(id int64, errMsg string) error {
	_, err := d.conn.Exec(`
		UPDATE sync_jobs
		SET status = 'failed', last_error = ?, finished_at = ?,
		    processing_started_at = NULL
		WHERE id = ?
	`, errMsg, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to fail sync job: %w", err)
	}
	return nil
}

// GetSyncJobQueueDepth returns live and ready counts for the sync queue
func (d *DB) GetSyncJobQueueDepth() (total, ready int, err error) {
	now := time.Now().Unix()

	err = d.conn.QueryRow(`
		SELECT COUNT(*) FROM sync_jobs WHERE status IN ('queued', 'running')
	`).Scan(&total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get sync job queue depth: %w", err)
	}

	err = d.conn.QueryRow(`
		SELECT COUNT(*) FROM sync_jobs
		WHERE status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= ?)
	`, now).Scan(&ready)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get ready sync job queue depth: %w", err)
	}

	return total, ready, nil
}

// PruneFinishedJobs deletes completed job records older than 24h and
// failed records older than 7 days, in both queues, to bound storage
func (d *DB) PruneFinishedJobs() (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpPruneJobs))
	defer timer.ObserveDuration()

	now := time.Now()
	completedCutoff := now.Add(-completedRetention).Unix()
	failedCutoff := now.Add(-failedRetention).Unix()

	var pruned int64
	for _, table := range []string{"sync_jobs", "derive_jobs"} {
		result, err := d.conn.Exec(fmt.Sprintf(`
			DELETE FROM %s
			WHERE (status = 'completed' AND finished_at < ?)
			   OR (status = 'failed' AND finished_at < ?)
		`, table), completedCutoff, failedCutoff)
		if err != nil {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpPruneJobs).Inc()
			return pruned, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		if n, err := result.RowsAffected(); err == nil {
			pruned += n
		}
	}

	return pruned, nil
}

// backoffDelay returns base * 2^(attempts-1)
func backoffDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}
