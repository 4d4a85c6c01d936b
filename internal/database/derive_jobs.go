package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"runningcoach-garmin-sync/internal/metrics"
)

// Derive queue policy
const (
	DeriveJobMaxAttempts = 3
	deriveJobBackoffBase = 15 * time.Second
)

// DeriveJob represents a pending recomputation of derived metrics
type DeriveJob struct {
	ID                  int64
	DedupKey            string
	UserID              string
	GarminUserID        *string
	DatasetKey          string
	Source              string
	Status              string
	Attempts            int
	LastError           *string
	NextRetryAt         *time.Time
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
}

// DeriveDedupKey buckets by user, dataset, and minute so rapid repeated
// webhook deliveries coalesce into a single recomputation
func DeriveDedupKey(userID, datasetKey string, at time.Time) string {
	return fmt.Sprintf("derive:%s:%s:%d", userID, datasetKey, at.Unix()/60)
}

// EnqueueDeriveJob adds a derive job. Returns deduped=true when a live job
// with the same dedup key already exists
func (d *DB) EnqueueDeriveJob(userID string, garminUserID *string, datasetKey, source string, requestedAt time.Time) (int64, bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueDeriveJob))
	defer timer.ObserveDuration()

	result, err := d.conn.Exec(`
		INSERT INTO derive_jobs (
			dedup_key, user_id, garmin_user_id, dataset_key, source, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`, DeriveDedupKey(userID, datasetKey, requestedAt), userID, garminUserID,
		datasetKey, source, requestedAt.Unix())

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			metrics.QueueDedupTotal.WithLabelValues(metrics.QueueTypeDeriveJob).Inc()
			return 0, true, nil
		}
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueDeriveJob).Inc()
		return 0, false, fmt.Errorf("failed to enqueue derive job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueDeriveJob).Inc()
		return 0, false, fmt.Errorf("failed to get derive job id: %w", err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeDeriveJob).Inc()

	return id, false, nil
}

// ClaimDeriveJob atomically claims the next ready derive job. Returns nil
// if none is ready
func (d *DB) ClaimDeriveJob() (*DeriveJob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimDeriveJob))
	defer timer.ObserveDuration()

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	query := `
		UPDATE derive_jobs
		SET status = 'running', processing_started_at = ?
		WHERE id = (
			SELECT id
			FROM derive_jobs
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (status = 'queued'
			       OR (status = 'running' AND processing_started_at < ?))
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, dedup_key, user_id, garmin_user_id, dataset_key, source,
		          attempts, last_error, next_retry_at, created_at
	`

	var job DeriveJob
	var nextRetryAt *int64
	var createdAt int64

	err := d.conn.QueryRow(query, now.Unix(), now.Unix(), staleThreshold).Scan(
		&job.ID, &job.DedupKey, &job.UserID, &job.GarminUserID, &job.DatasetKey, &job.Source,
		&job.Attempts, &job.LastError, &nextRetryAt, &createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimDeriveJob).Inc()
		return nil, fmt.Errorf("failed to claim derive job: %w", err)
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

// CompleteDeriveJob marks a derive job completed
func (d *DB) CompleteDeriveJob(id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCompleteDeriveJob))
	defer timer.ObserveDuration()

	_, err := d.conn.Exec(`
		UPDATE derive_jobs
		SET status = 'completed', finished_at = ?
		WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCompleteDeriveJob).Inc()
		return fmt.Errorf("failed to complete derive job: %w", err)
	}
	return nil
}

// ReleaseDeriveJob records a failed attempt with exponential backoff.
// Returns true if the job was released for retry
func (d *DB) ReleaseDeriveJob(id int64, currentAttempts int, errMsg string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseDeriveJob))
	defer timer.ObserveDuration()

	newAttempts := currentAttempts + 1

	if newAttempts >= DeriveJobMaxAttempts {
		_, err := d.conn.Exec(`
			UPDATE derive_jobs
			SET status = 'failed', attempts = ?, last_error = ?, finished_at = ?,
			    processing_started_at = NULL
			WHERE id = ?
		`, newAttempts, errMsg, time.Now().Unix(), id)
		if err != nil {
			metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseDeriveJob).Inc()
			return false, fmt.Errorf("failed to fail derive job: %w", err)
		}
		return false, nil
	}

	nextRetryAt := time.Now().Add(backoffDelay(deriveJobBackoffBase, newAttempts))

	_, err := d.conn.Exec(`
		UPDATE derive_jobs
		SET status = 'queued', attempts = ?, last_error = ?, next_retry_at = ?,
		    processing_started_at = NULL
		WHERE id = ?
	`, newAttempts, errMsg, nextRetryAt.Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseDeriveJob).Inc()
		return false, fmt.Errorf("failed to release derive job: %w", err)
	}

	return true, nil
}

// GetDeriveJobQueueDepth returns live and ready counts for the derive queue
func (d *DB) GetDeriveJobQueueDepth() (total, ready int, err error) {
	now := time.Now().Unix()

	err = d.conn.QueryRow(`
		SELECT COUNT(*) FROM derive_jobs WHERE status IN ('queued', 'running')
	`).Scan(&total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get derive job queue depth: %w", err)
	}

	err = d.conn.QueryRow(`
		SELECT COUNT(*) FROM derive_jobs
		WHERE status = 'queued' AND (next_retry_at IS NULL OR next_retry_at <= ?)
	`, now).Scan(&ready)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get ready derive job queue depth: %w", err)
	}

	return total, ready, nil
}
