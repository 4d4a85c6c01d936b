package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"runningcoach-garmin-sync/internal/database"
	"runningcoach-garmin-sync/internal/garmin"
	"runningcoach-garmin-sync/internal/jobs"
	"runningcoach-garmin-sync/internal/ratelimit"
)

// stateTTL bounds how long a pending authorization survives. Garmin's
// consent screen rarely takes longer than a few minutes
const stateTTL = 10 * time.Minute

var (
	ErrInvalidState = errors.New("unknown or expired oauth state")
)

type pendingAuth struct {
	userID       string
	codeVerifier string
	createdAt    time.Time
}

// Manager drives the authorization-code flow with PKCE: it issues state
// tokens, remembers the matching code verifier, and finishes the
// exchange on callback
type Manager struct {
	client *garmin.Client
	db     *database.DB
	jobs   *jobs.Service
	logger *slog.Logger

	redirectURL          string
	backfillDailyDays    int
	backfillActivityDays int

	mu      sync.Mutex
	pending map[string]pendingAuth
}

func NewManager(client *garmin.Client, db *database.DB, jobService *jobs.Service, redirectURL string) *Manager {
	return &Manager{
		client:               client,
		db:                   db,
		jobs:                 jobService,
		logger:               slog.Default(),
		redirectURL:          redirectURL,
		backfillDailyDays:    28,
		backfillActivityDays: 28,
		pending:              make(map[string]pendingAuth),
	}
}

// GenerateAuthURL starts the flow for a user: a fresh CSRF state and
// PKCE verifier are stored, and the Garmin consent URL is returned
func (m *Manager) GenerateAuthURL(userID string) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	verifier, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}

	m.mu.Lock()
	m.evictExpiredLocked()
	m.pending[state] = pendingAuth{
		userID:       userID,
		codeVerifier: verifier,
		createdAt:    time.Now(),
	}
	m.mu.Unlock()

	challenge := sha256.Sum256([]byte(verifier))
	challengeB64 := base64.RawURLEncoding.EncodeToString(challenge[:])

	return m.client.AuthorizeURL(m.redirectURL, state, challengeB64), nil
}

// HandleCallback finishes the flow: validates state, exchanges the code,
// resolves the upstream user id, stores the connection, and kicks off a
// historical backfill
func (m *Manager) HandleCallback(ctx context.Context, state, code string) (string, error) {
	m.mu.Lock()
	auth, ok := m.pending[state]
	if ok {
		delete(m.pending, state)
	}
	m.mu.Unlock()

	if !ok || time.Since(auth.createdAt) > stateTTL {
		return "", ErrInvalidState
	}

	tokens, err := m.client.ExchangeCode(ctx, code, auth.codeVerifier, m.redirectURL)
	if err != nil {
		return "", fmt.Errorf("code exchange failed: %w", err)
	}

	garminUserID, err := m.client.GetUserID(ctx, tokens.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to resolve garmin user id: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).Unix()
	err = m.db.UpsertConnection(&database.Connection{
		UserID:       auth.userID,
		GarminUserID: &garminUserID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store connection: %w", err)
	}

	m.logger.Info("garmin account connected",
		"user_id", auth.userID, "garmin_user_id", garminUserID)

	// Seed the derived metrics with history. Enqueue degradation is
	// logged inside the service; the connection itself already succeeded
	result := m.jobs.EnqueueSync(auth.userID, ratelimit.TriggerBackfill,
		m.backfillDailyDays, m.backfillActivityDays, nil)
	if !result.Queued {
		m.logger.Warn("backfill not queued after connect",
			"user_id", auth.userID, "reason", result.Reason)
	}

	return auth.userID, nil
}

// PendingCount reports how many authorizations are awaiting callback
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) evictExpiredLocked() {
	cutoff := time.Now().Add(-stateTTL)
	for state, auth := range m.pending {
		if auth.createdAt.Before(cutoff) {
			delete(m.pending, state)
		}
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
