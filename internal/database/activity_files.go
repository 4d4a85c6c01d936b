package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"runningcoach-garmin-sync/internal/metrics"
)

// ActivityFile status values
const (
	FileStatusPending   = "pending"
	FileStatusProcessed = "processed"
	FileStatusError     = "error"
)

// ActivityFile is a raw upstream payload accepted by webhook or backfill
// intake. Rows are never deleted; they transition pending -> processed|error
type ActivityFile struct {
	ID              string
	UserID          string
	DatasetKey      string
	NotificationKey *string
	Status          string
	Payload         string
	Error           *string
	CreatedAt       int64
	ProcessedAt     *int64
}

// CreateActivityFile inserts a pending payload row. If notificationKey is
// set and a row with the same (user, key) already exists, the insert is a
// no-op and created=false: duplicate webhook delivery is expected, not
// exceptional
func (d *DB) CreateActivityFile(userID, datasetKey string, notificationKey *string, payload string) (string, bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCreateFile))
	defer timer.ObserveDuration()

	id := uuid.NewString()

	_, err := d.conn.Exec(`
		INSERT INTO activity_files (id, user_id, dataset_key, notification_key, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, userID, datasetKey, notificationKey, FileStatusPending, payload, time.Now().Unix())

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", false, nil
		}
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpCreateFile).Inc()
		return "", false, fmt.Errorf("failed to create activity file: %w", err)
	}

	return id, true, nil
}

// GetActivityFile retrieves a file row by id. Returns nil if not found
func (d *DB) GetActivityFile(id string) (*ActivityFile, error) {
	var f ActivityFile
	err := d.conn.QueryRow(`
		SELECT id, user_id, dataset_key, notification_key, status, payload, error, created_at, processed_at
		FROM activity_files WHERE id = ?
	`, id).Scan(
		&f.ID, &f.UserID, &f.DatasetKey, &f.NotificationKey, &f.Status,
		&f.Payload, &f.Error, &f.CreatedAt, &f.ProcessedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity file: %w", err)
	}
	return &f, nil
}

// ListPendingActivityFiles returns a user's pending payloads, oldest first
func (d *DB) ListPendingActivityFiles(userID string, limit int) ([]*ActivityFile, error) {
	query := `
		SELECT id, user_id, dataset_key, notification_key, status, payload, error, created_at, processed_at
		FROM activity_files
		WHERE user_id = ? AND status = 'pending'
		ORDER BY created_at ASC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := d.conn.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending activity files: %w", err)
	}
	defer rows.Close()

	var files []*ActivityFile
	for rows.Next() {
		var f ActivityFile
		err := rows.Scan(
			&f.ID, &f.UserID, &f.DatasetKey, &f.NotificationKey, &f.Status,
			&f.Payload, &f.Error, &f.CreatedAt, &f.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity file: %w", err)
		}
		files = append(files, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity files: %w", err)
	}

	return files, nil
}

// CountPendingActivityFiles returns how many pending payloads a user has
func (d *DB) CountPendingActivityFiles(userID string) (int, error) {
	var count int
	err := d.conn.QueryRow(`
		SELECT COUNT(*) FROM activity_files WHERE user_id = ? AND status = 'pending'
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending activity files: %w", err)
	}
	return count, nil
}

// MarkActivityFileProcessed marks a file row processed, or error if
// fileError is non-nil
func (d *DB) MarkActivityFileProcessed(id string, fileError *string) error {
	status := FileStatusProcessed
	if fileError != nil {
		status = FileStatusError
	}

	result, err := d.conn.Exec(`
		UPDATE activity_files
		SET status = ?, error = ?, processed_at = ?
		WHERE id = ?
	`, status, fileError, time.Now().Unix(), id)

	if err != nil {
		return fmt.Errorf("failed to mark activity file processed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("activity file not found")
	}

	return nil
}
