package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Derived metric keys
const (
	MetricKeyACWR      = "acwr"
	MetricKeyReadiness = "readiness"
)

// DerivedMetric is the cached latest computation for one user and metric
type DerivedMetric struct {
	UserID     string
	MetricKey  string
	ValueJSON  string
	ComputedAt int64
}

// PutDerivedMetric stores the latest computed value for a metric,
// replacing any prior result
func (d *DB) PutDerivedMetric(userID, metricKey, valueJSON string) error {
	_, err := d.conn.Exec(`
		INSERT INTO derived_metrics (user_id, metric_key, value_json, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, metric_key) DO UPDATE SET
			value_json = excluded.value_json,
			computed_at = excluded.computed_at
	`, userID, metricKey, valueJSON, time.Now().Unix())

	if err != nil {
		return fmt.Errorf("failed to put derived metric: %w", err)
	}
	return nil
}

// GetDerivedMetric retrieves the cached value for a metric. Returns nil
// if nothing has been computed yet
func (d *DB) GetDerivedMetric(userID, metricKey string) (*DerivedMetric, error) {
	var m DerivedMetric
	err := d.conn.QueryRow(`
		SELECT user_id, metric_key, value_json, computed_at
		FROM derived_metrics WHERE user_id = ? AND metric_key = ?
	`, userID, metricKey).Scan(&m.UserID, &m.MetricKey, &m.ValueJSON, &m.ComputedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get derived metric: %w", err)
	}
	return &m, nil
}
