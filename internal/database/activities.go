package database

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"runningcoach-garmin-sync/internal/metrics"
)

// NormalizedActivity is the canonical per-activity row. ActivityID is
// upstream-stable, so re-ingesting the same activity overwrites in place
type NormalizedActivity struct {
	UserID         string
	ActivityID     string
	StartTime      *int64
	Sport          *string
	DurationS      float64
	DistanceM      *float64
	AvgHr          *float64
	MaxHr          *float64
	AvgPace        *float64
	ElevationGainM *float64
	Calories       *float64
	RawJSON        string
	CreatedAt      int64
	UpdatedAt      int64
}

// UpsertActivity inserts or updates a normalized activity keyed on
// (user_id, activity_id)
func (d *DB) UpsertActivity(a *NormalizedActivity) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertActivity))
	defer timer.ObserveDuration()

	now := time.Now().Unix()

	_, err := d.conn.Exec(`
		INSERT INTO normalized_activities (
			user_id, activity_id, start_time, sport, duration_s,
			distance_m, avg_hr, max_hr, avg_pace, elevation_gain_m, calories,
			raw_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, activity_id) DO UPDATE SET
			start_time = excluded.start_time,
			sport = excluded.sport,
			duration_s = excluded.duration_s,
			distance_m = excluded.distance_m,
			avg_hr = excluded.avg_hr,
			max_hr = excluded.max_hr,
			avg_pace = excluded.avg_pace,
			elevation_gain_m = excluded.elevation_gain_m,
			calories = excluded.calories,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
	`, a.UserID, a.ActivityID, a.StartTime, a.Sport, a.DurationS,
		a.DistanceM, a.AvgHr, a.MaxHr, a.AvgPace, a.ElevationGainM, a.Calories,
		a.RawJSON, now, now)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertActivity).Inc()
		return fmt.Errorf("failed to upsert activity: %w", err)
	}
	return nil
}

// GetActivity retrieves a single activity. Returns nil if not found
func (d *DB) GetActivity(userID, activityID string) (*NormalizedActivity, error) {
	rows, err := d.queryActivities(`
		SELECT user_id, activity_id, start_time, sport, duration_s,
		       distance_m, avg_hr, max_hr, avg_pace, elevation_gain_m, calories,
		       raw_json, created_at, updated_at
		FROM normalized_activities WHERE user_id = ? AND activity_id = ?
	`, userID, activityID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// ListActivitiesInWindow returns a user's activities with start_time in
// [startUnix, endUnix], oldest first. Used by the ACWR engine
func (d *DB) ListActivitiesInWindow(userID string, startUnix, endUnix int64) ([]*NormalizedActivity, error) {
	return d.queryActivities(`
		SELECT user_id, activity_id, start_time, sport, duration_s,
		       distance_m, avg_hr, max_hr, avg_pace, elevation_gain_m, calories,
		       raw_json, created_at, updated_at
		FROM normalized_activities
		WHERE user_id = ? AND start_time >= ? AND start_time <= ?
		ORDER BY start_time ASC
	`, userID, startUnix, endUnix)
}

// CountActivities returns the number of stored rows for an activity id.
// Exists mostly so tests can assert upsert idempotency
func (d *DB) CountActivities(userID, activityID string) (int, error) {
	var count int
	err := d.conn.QueryRow(`
		SELECT COUNT(*) FROM normalized_activities
		WHERE user_id = ? AND activity_id = ?
	`, userID, activityID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return count, nil
}

func (d *DB) queryActivities(query string, args ...any) ([]*NormalizedActivity, error) {
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var activities []*NormalizedActivity
	for rows.Next() {
		var a NormalizedActivity
		err := rows.Scan(
			&a.UserID, &a.ActivityID, &a.StartTime, &a.Sport, &a.DurationS,
			&a.DistanceM, &a.AvgHr, &a.MaxHr, &a.AvgPace, &a.ElevationGainM, &a.Calories,
			&a.RawJSON, &a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		activities = append(activities, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}

	return activities, nil
}
