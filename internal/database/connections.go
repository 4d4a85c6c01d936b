package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"runningcoach-garmin-sync/internal/metrics"
)

// Connection status values
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Connection represents a user's Garmin account link
type Connection struct {
	UserID         string
	GarminUserID   *string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      int64
	Status         string
	LastSyncAt     *int64
	LastSyncCursor *string
	ErrorState     *string
	CreatedAt      int64
	UpdatedAt      int64
}

// UpsertConnection inserts or replaces a user's connection.
// Called from the OAuth callback, so a re-connect overwrites tokens and
// resets status to connected
func (d *DB) UpsertConnection(c *Connection) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertConnection))
	defer timer.ObserveDuration()

	now := time.Now().Unix()

	_, err := d.conn.Exec(`
		INSERT INTO connections (
			user_id, garmin_user_id, access_token, refresh_token, expires_at,
			status, last_sync_at, last_sync_cursor, error_state,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			garmin_user_id = excluded.garmin_user_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			status = excluded.status,
			error_state = NULL,
			updated_at = excluded.updated_at
	`, c.UserID, c.GarminUserID, c.AccessToken, c.RefreshToken, c.ExpiresAt,
		StatusConnected, c.LastSyncAt, c.LastSyncCursor, nil, now, now)

	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertConnection).Inc()
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	return nil
}

// GetConnection retrieves a connection by user ID. Returns nil if none exists
func (d *DB) GetConnection(userID string) (*Connection, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetConnection))
	defer timer.ObserveDuration()

	var c Connection
	err := d.conn.QueryRow(`
		SELECT user_id, garmin_user_id, access_token, refresh_token, expires_at,
		       status, last_sync_at, last_sync_cursor, error_state,
		       created_at, updated_at
		FROM connections WHERE user_id = ?
	`, userID).Scan(
		&c.UserID, &c.GarminUserID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt,
		&c.Status, &c.LastSyncAt, &c.LastSyncCursor, &c.ErrorState,
		&c.CreatedAt, &c.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetConnection).Inc()
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return &c, nil
}

// GetConnectionByGarminUserID resolves an upstream Garmin user id to our
// connection row. Returns nil if no user has linked that Garmin account
func (d *DB) GetConnectionByGarminUserID(garminUserID string) (*Connection, error) {
	var c Connection
	err := d.conn.QueryRow(`
		SELECT user_id, garmin_user_id, access_token, refresh_token, expires_at,
		       status, last_sync_at, last_sync_cursor, error_state,
		       created_at, updated_at
		FROM connections WHERE garmin_user_id = ?
	`, garminUserID).Scan(
		&c.UserID, &c.GarminUserID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt,
		&c.Status, &c.LastSyncAt, &c.LastSyncCursor, &c.ErrorState,
		&c.CreatedAt, &c.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection by garmin user id: %w", err)
	}
	return &c, nil
}

// UpdateConnectionTokens updates a user's OAuth tokens after a refresh
func (d *DB) UpdateConnectionTokens(userID, accessToken, refreshToken string, expiresAt int64) error {
	result, err := d.conn.Exec(`
		UPDATE connections
		SET access_token = ?, refresh_token = ?, expires_at = ?,
		    status = ?, error_state = NULL, updated_at = ?
		WHERE user_id = ?
	`, accessToken, refreshToken, expiresAt, StatusConnected, time.Now().Unix(), userID)

	if err != nil {
		return fmt.Errorf("failed to update connection tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("connection not found")
	}

	return nil
}

// MarkConnectionError transitions a connection to error status.
// Used when the refresh token is rejected and the user must re-authorize
func (d *DB) MarkConnectionError(userID, errorState string) error {
	result, err := d.conn.Exec(`
		UPDATE connections
		SET status = ?, error_state = ?, updated_at = ?
		WHERE user_id = ?
	`, StatusError, errorState, time.Now().Unix(), userID)

	if err != nil {
		return fmt.Errorf("failed to mark connection error: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("connection not found")
	}

	return nil
}

// UpdateConnectionSyncState records a completed sync
func (d *DB) UpdateConnectionSyncState(userID string, lastSyncAt int64, cursor *string) error {
	result, err := d.conn.Exec(`
		UPDATE connections
		SET last_sync_at = ?, last_sync_cursor = ?, error_state = NULL, updated_at = ?
		WHERE user_id = ?
	`, lastSyncAt, cursor, time.Now().Unix(), userID)

	if err != nil {
		return fmt.Errorf("failed to update connection sync state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("connection not found")
	}

	return nil
}

// DisconnectConnection soft-deletes a connection: tokens are cleared and
// status becomes disconnected, but the row survives for audit
func (d *DB) DisconnectConnection(userID string) error {
	result, err := d.conn.Exec(`
		UPDATE connections
		SET status = ?, access_token = '', refresh_token = '', error_state = NULL, updated_at = ?
		WHERE user_id = ?
	`, StatusDisconnected, time.Now().Unix(), userID)

	if err != nil {
		return fmt.Errorf("failed to disconnect connection: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("connection not found")
	}

	return nil
}

// ListConnections returns connections with pagination, optionally filtered
// to connected users only. Used by the nightly cron fan-out
func (d *DB) ListConnections(connectedOnly bool, offset, limit int) ([]*Connection, error) {
	query := `
		SELECT user_id, garmin_user_id, access_token, refresh_token, expires_at,
		       status, last_sync_at, last_sync_cursor, error_state,
		       created_at, updated_at
		FROM connections
	`
	if connectedOnly {
		query += " WHERE status = 'connected'"
	}
	query += " ORDER BY created_at ASC, user_id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}

	rows, err := d.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var connections []*Connection
	for rows.Next() {
		var c Connection
		err := rows.Scan(
			&c.UserID, &c.GarminUserID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt,
			&c.Status, &c.LastSyncAt, &c.LastSyncCursor, &c.ErrorState,
			&c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		connections = append(connections, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return connections, nil
}
