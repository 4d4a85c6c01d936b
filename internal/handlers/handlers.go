package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"runningcoach-garmin-sync/internal/config"
	"runningcoach-garmin-sync/internal/database"
	"runningcoach-garmin-sync/internal/jobs"
	"runningcoach-garmin-sync/internal/oauth"
	"runningcoach-garmin-sync/internal/pipeline"
	"runningcoach-garmin-sync/internal/tokens"
)

// Handlers owns every HTTP endpoint
type Handlers struct {
	cfg      *config.Config
	db       *database.DB
	tokens   *tokens.Store
	jobs     *jobs.Service
	oauth    *oauth.Manager
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

func New(cfg *config.Config, db *database.DB, tokenStore *tokens.Store,
	jobService *jobs.Service, oauthManager *oauth.Manager, pipe *pipeline.Pipeline) *Handlers {
	return &Handlers{
		cfg:      cfg,
		db:       db,
		tokens:   tokenStore,
		jobs:     jobService,
		oauth:    oauthManager,
		pipeline: pipe,
		logger:   slog.Default(),
	}
}

// errorResponse is the stable error shape for synchronous request paths
type errorResponse struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// requireInternalAuth gates endpoints consumed by our own services
func (h *Handlers) requireInternalAuth(w http.ResponseWriter, r *http.Request) bool {
	if !bearerMatches(r, h.cfg.InternalAPIKey) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
		return false
	}
	return true
}

// requireCronAuth gates the scheduler trigger
func (h *Handlers) requireCronAuth(w http.ResponseWriter, r *http.Request) bool {
	if !bearerMatches(r, h.cfg.CronSecret) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid cron secret")
		return false
	}
	return true
}

func bearerMatches(r *http.Request, secret string) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// HandleHealth reports process and database liveness
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Health(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
