package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"runningcoach-garmin-sync/internal/database"
	"runningcoach-garmin-sync/internal/garmin"
	"runningcoach-garmin-sync/internal/metrics"
)

// refreshBuffer is how long before expiry we refresh proactively, so a
// token handed to a caller stays valid for the duration of a sync pass
const refreshBuffer = 5 * time.Minute

// ErrNotConnected means the user has no usable Garmin connection
var ErrNotConnected = errors.New("user has no connected garmin account")

// ErrReauthorizationRequired means the refresh token was rejected and the
// user must go through the OAuth flow again
var ErrReauthorizationRequired = errors.New("garmin connection requires re-authorization")

type garminAPI interface {
	RefreshToken(ctx context.Context, refreshToken string) (*garmin.TokenResponse, error)
	DeleteUserRegistration(ctx context.Context, accessToken string) error
}

// Store owns OAuth token lifecycle: reads, proactive refresh, and
// revocation. Concurrent refreshes for the same user collapse into one
// upstream call
type Store struct {
	db     *database.DB
	api    garminAPI
	group  singleflight.Group
	logger *slog.Logger
}

func NewStore(db *database.DB, api garminAPI) *Store {
	return &Store{
		db:     db,
		api:    api,
		logger: slog.Default(),
	}
}

// AccessToken returns a valid access token for the user, refreshing
// first if the stored token expires within the refresh buffer
func (s *Store) AccessToken(ctx context.Context, userID string) (string, error) {
	conn, err := s.db.GetConnection(userID)
	if err != nil {
		return "", err
	}
	if conn == nil || conn.Status == database.StatusDisconnected || conn.AccessToken == "" {
		return "", ErrNotConnected
	}
	if conn.Status == database.StatusError {
		return "", ErrReauthorizationRequired
	}

	if time.Now().Add(refreshBuffer).Unix() < conn.ExpiresAt {
		return conn.AccessToken, nil
	}

	return s.Refresh(ctx, userID)
}

// Refresh exchanges the stored refresh token for new tokens. Keyed by
// user so parallel workers don't burn the same one-time-use refresh token
func (s *Store) Refresh(ctx context.Context, userID string) (string, error) {
	token, err, _ := s.group.Do(userID, func() (any, error) {
		return s.refresh(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (s *Store) refresh(ctx context.Context, userID string) (string, error) {
	// Re-read inside the flight: a concurrent caller may have already
	// refreshed before we acquired the slot
	conn, err := s.db.GetConnection(userID)
	if err != nil {
		return "", err
	}
	if conn == nil || conn.RefreshToken == "" {
		return "", ErrNotConnected
	}
	if time.Now().Add(refreshBuffer).Unix() < conn.ExpiresAt {
		return conn.AccessToken, nil
	}

	resp, err := s.api.RefreshToken(ctx, conn.RefreshToken)
	if err != nil {
		if garmin.IsAuthError(err) {
			metrics.TokenRefreshTotal.WithLabelValues(metrics.ResultFailure).Inc()
			s.logger.Warn("refresh token rejected, marking connection for re-auth",
				"user_id", userID, "error", err)
			if markErr := s.db.MarkConnectionError(userID, "reauthorization_required"); markErr != nil {
				s.logger.Error("failed to mark connection error", "user_id", userID, "error", markErr)
			}
			return "", fmt.Errorf("%w: %v", ErrReauthorizationRequired, err)
		}
		metrics.TokenRefreshTotal.WithLabelValues(metrics.ResultRetry).Inc()
		return "", fmt.Errorf("token refresh failed: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).Unix()
	if err := s.db.UpdateConnectionTokens(userID, resp.AccessToken, resp.RefreshToken, expiresAt); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	metrics.TokenRefreshTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	s.logger.Info("refreshed garmin tokens", "user_id", userID)

	return resp.AccessToken, nil
}

// RevokeResult reports what a revocation actually did
type RevokeResult struct {
	HadStoredTokens bool
	RevokedUpstream bool
}

// Revoke disconnects the user. The upstream deregistration is
// best-effort: local tokens are always cleared even if Garmin is down,
// since the user asked us to stop and we must stop
func (s *Store) Revoke(ctx context.Context, userID string) (*RevokeResult, error) {
	conn, err := s.db.GetConnection(userID)
	if err != nil {
		return nil, err
	}

	result := &RevokeResult{}
	if conn == nil {
		return result, nil
	}
	result.HadStoredTokens = conn.AccessToken != ""

	if result.HadStoredTokens {
		if err := s.api.DeleteUserRegistration(ctx, conn.AccessToken); err != nil {
			s.logger.Warn("upstream deregistration failed, clearing local tokens anyway",
				"user_id", userID, "error", err)
		} else {
			result.RevokedUpstream = true
		}
	}

	if err := s.db.DisconnectConnection(userID); err != nil {
		return nil, fmt.Errorf("failed to disconnect: %w", err)
	}

	s.logger.Info("revoked garmin connection", "user_id", userID,
		"revoked_upstream", result.RevokedUpstream)

	return result, nil
}
