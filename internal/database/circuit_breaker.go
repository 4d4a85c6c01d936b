package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"runningcoach-garmin-sync/internal/metrics"
)

// CircuitBreakerState tracks whether sync work against the Garmin API is
// paused after upstream throttling. Webhook intake is never gated by it
type CircuitBreakerState struct {
	ID                   int64
	State                string // closed, open, half_open
	OpenedAt             *time.Time
	ClosesAt             *time.Time
	Last429At            *time.Time
	ConsecutiveSuccesses int
	UpdatedAt            time.Time
}

func (d *DB) GetCircuitBreakerState() (*CircuitBreakerState, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetCircuitState))
	defer timer.ObserveDuration()

	query := `
		SELECT id, state, opened_at, closes_at, last_429_at,
		       consecutive_successes, updated_at
		FROM rate_limit_circuit_breaker
		WHERE id = 1
	`

	var state CircuitBreakerState
	var openedAt, closesAt, last429At *int64
	var updatedAt int64

	err := d.conn.QueryRow(query).Scan(
		&state.ID, &state.State,
		&openedAt, &closesAt, &last429At,
		&state.ConsecutiveSuccesses, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return &CircuitBreakerState{State: "closed", UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetCircuitState).Inc()
		return nil, fmt.Errorf("failed to get circuit breaker state: %w", err)
	}

	if openedAt != nil {
		t := time.Unix(*openedAt, 0)
		state.OpenedAt = &t
	}
	if closesAt != nil {
		t := time.Unix(*closesAt, 0)
		state.ClosesAt = &t
	}
	if last429At != nil {
		t := time.Unix(*last429At, 0)
		state.Last429At = &t
	}
	state.UpdatedAt = time.Unix(updatedAt, 0)

	return &state, nil
}

func (d *DB) OpenCircuitBreaker(cooldown time.Duration) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpOpenCircuit))
	defer timer.ObserveDuration()

	now := time.Now()
	closesAt := now.Add(cooldown)

	query := `
		UPDATE rate_limit_circuit_breaker
		SET state = 'open',
		    opened_at = ?,
		    closes_at = ?,
		    last_429_at = ?,
		    consecutive_successes = 0,
		    updated_at = ?
		WHERE id = 1
	`

	_, err := d.conn.Exec(query, now.Unix(), closesAt.Unix(), now.Unix(), now.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpOpenCircuit).Inc()
		return fmt.Errorf("failed to open circuit breaker: %w", err)
	}

	return nil
}

func (d *DB) TransitionCircuitBreakerToHalfOpen() error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTransitionCircuit))
	defer timer.ObserveDuration()

	query := `
		UPDATE rate_limit_circuit_breaker
		SET state = 'half_open',
		    consecutive_successes = 0,
		    updated_at = ?
		WHERE id = 1 AND state = 'open'
	`

	_, err := d.conn.Exec(query, time.Now().Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTransitionCircuit).Inc()
	}
	return err
}

func (d *DB) TransitionCircuitBreakerToClosed() error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTransitionCircuit))
	defer timer.ObserveDuration()

	query := `
		UPDATE rate_limit_circuit_breaker
		SET state = 'closed',
		    opened_at = NULL,
		    closes_at = NULL,
		    consecutive_successes = 0,
		    updated_at = ?
		WHERE id = 1
	`

	_, err := d.conn.Exec(query, time.Now().Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpTransitionCircuit).Inc()
	}
	return err
}

func (d *DB) IncrementCircuitBreakerSuccesses() error {
	query := `
		UPDATE rate_limit_circuit_breaker
		SET consecutive_successes = consecutive_successes + 1,
		    updated_at = ?
		WHERE id = 1 AND state = 'half_open'
	`

	_, err := d.conn.Exec(query, time.Now().Unix())
	return err
}
