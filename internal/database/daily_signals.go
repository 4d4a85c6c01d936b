package database

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"runningcoach-garmin-sync/internal/metrics"
)

// DailySignal holds one user's wellness signals for one calendar day.
// Any field may be nil: upstream datasets arrive independently
type DailySignal struct {
	UserID      string
	Day         string // ISO day, e.g. 2026-08-31
	Hrv         *float64
	RestingHr   *float64
	SleepScore  *float64
	Stress      *float64
	BodyBattery *float64
	Spo2        *float64
	UpdatedAt   int64
}

// HasSignal reports whether at least one signal field is populated
func (s *DailySignal) HasSignal() bool {
	return s.Hrv != nil || s.RestingHr != nil || s.SleepScore != nil ||
		s.Stress != nil || s.BodyBattery != nil
}

// MergeDailySignal upserts a daily signal row. Non-null incoming fields
// win; null incoming fields preserve whatever is already stored, so
// datasets arriving in any order converge to the same row
func (d *DB) MergeDailySignal(s *DailySignal) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpMergeDailySignal))
	defer timer.ObserveDuration()

	now := time.Now().Unix()

	_, err := d.conn.Exec(`
		INSERT INTO daily_signals (
			user_id, day, hrv, resting_hr, sleep_score, stress, body_battery, spo2, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, day) DO UPDATE SET
			hrv = COALESCE(excluded.hrv, hrv),
			resting_hr = COALESCE(excluded.resting_hr, resting_hr),
			sleep_score = COALESCE(excluded.sleep_score, sleep_score),
			stress = COALESCE(excluded.stress, stress),
			body_battery = COALESCE(excluded.body_battery, body_battery),
			spo2 = COALESCE(excluded.spo2, spo2),
			updated_at = excluded.updated_at
	`, s.UserID, s.Day, s.Hrv, s.RestingHr, s.SleepScore, s.Stress, s.BodyBattery, s.Spo2, now)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpMergeDailySignal).Inc()
		return fmt.Errorf("failed to merge daily signal: %w", err)
	}
	return nil
}

// GetDailySignal retrieves one day's row. Returns nil if not found
func (d *DB) GetDailySignal(userID, day string) (*DailySignal, error) {
	signals, err := d.querySignals(`
		SELECT user_id, day, hrv, resting_hr, sleep_score, stress, body_battery, spo2, updated_at
		FROM daily_signals WHERE user_id = ? AND day = ?
	`, userID, day)
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, nil
	}
	return signals[0], nil
}

// ListDailySignalsInWindow returns rows with day in [startDay, endDay]
// (ISO day strings compare lexicographically), oldest first
func (d *DB) ListDailySignalsInWindow(userID, startDay, endDay string) ([]*DailySignal, error) {
	return d.querySignals(`
		SELECT user_id, day, hrv, resting_hr, sleep_score, stress, body_battery, spo2, updated_at
		FROM daily_signals
		WHERE user_id = ? AND day >= ? AND day <= ?
		ORDER BY day ASC
	`, userID, startDay, endDay)
}

func (d *DB) querySignals(query string, args ...any) ([]*DailySignal, error) {
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily signals: %w", err)
	}
	defer rows.Close()

	var signals []*DailySignal
	for rows.Next() {
		var s DailySignal
		err := rows.Scan(
			&s.UserID, &s.Day, &s.Hrv, &s.RestingHr, &s.SleepScore,
			&s.Stress, &s.BodyBattery, &s.Spo2, &s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily signal: %w", err)
		}
		signals = append(signals, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily signals: %w", err)
	}

	return signals, nil
}
