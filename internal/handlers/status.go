package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"runningcoach-garmin-sync/internal/database"
	"runningcoach-garmin-sync/internal/derive"
	"runningcoach-garmin-sync/internal/metrics"
	"runningcoach-garmin-sync/internal/ratelimit"
)

// Freshness thresholds on time since last successful sync
const (
	freshnessFreshMax = 24 * time.Hour
	freshnessStaleMax = 72 * time.Hour
)

// manualSyncBudget bounds the synchronous processing a manual sync may do
const (
	manualSyncBudget    = 10 * time.Second
	manualSyncFileLimit = 50
)

type readinessResponse struct {
	Score            int                    `json:"score"`
	State            string                 `json:"state"`
	Drivers          []string               `json:"drivers"`
	Confidence       derive.Confidence      `json:"confidence"`
	ConfidenceReason string                 `json:"confidenceReason"`
	LastSyncAt       *string                `json:"lastSyncAt"`
	MissingSignals   []string               `json:"missingSignals"`
	UnderRecovery    bool                   `json:"underRecovery"`
	Label            string                 `json:"label"`
	Load             *derive.ACWRResult     `json:"load,omitempty"`
	Disclaimer       string                 `json:"disclaimer"`
}

// HandleReadiness serves the cached readiness summary, computing it on
// the spot when nothing is cached yet. Insufficient data degrades to a
// low-confidence shape, never an error status
func (h *Handlers) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	if !h.requireInternalAuth(w, r) {
		return
	}
	userID := chi.URLParam(r, "userID")

	readiness, err := h.loadReadiness(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load readiness", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load readiness")
		return
	}

	var load *derive.ACWRResult
	if row, err := h.db.GetDerivedMetric(userID, database.MetricKeyACWR); err == nil && row != nil {
		var acwr derive.ACWRResult
		if json.Unmarshal([]byte(row.ValueJSON), &acwr) == nil {
			load = &acwr
		}
	}

	resp := readinessResponse{
		Score:            readiness.Score,
		State:            readiness.State,
		Drivers:          orEmpty(readiness.Drivers),
		Confidence:       readiness.Evidence.Confidence,
		ConfidenceReason: readiness.Evidence.UserExplanation,
		MissingSignals:   orEmpty(readiness.MissingSignals),
		UnderRecovery:    readiness.UnderRecovery,
		Label:            readiness.Label,
		Load:             load,
		Disclaimer:       readiness.Disclaimer,
	}

	if conn, err := h.db.GetConnection(userID); err == nil && conn != nil && conn.LastSyncAt != nil {
		iso := time.Unix(*conn.LastSyncAt, 0).UTC().Format(time.RFC3339)
		resp.LastSyncAt = &iso
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) loadReadiness(ctx context.Context, userID string) (*derive.ReadinessResult, error) {
	row, err := h.db.GetDerivedMetric(userID, database.MetricKeyReadiness)
	if err != nil {
		return nil, err
	}
	if row == nil {
		if err := h.pipeline.Recompute(ctx, userID, time.Now()); err != nil {
			return nil, err
		}
		row, err = h.db.GetDerivedMetric(userID, database.MetricKeyReadiness)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("readiness missing after recompute")
		}
	}

	var readiness derive.ReadinessResult
	if err := json.Unmarshal([]byte(row.ValueJSON), &readiness); err != nil {
		return nil, fmt.Errorf("cached readiness undecodable: %w", err)
	}
	return &readiness, nil
}

// HandleConnectionStatus reports whether a user's Garmin link works and
// how fresh its data is. Freshness is pure timestamp arithmetic
func (h *Handlers) HandleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireInternalAuth(w, r) {
		return
	}
	userID := chi.URLParam(r, "userID")

	conn, err := h.db.GetConnection(userID)
	if err != nil {
		h.logger.Error("failed to load connection", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load connection")
		return
	}

	resp := map[string]any{
		"connected":       false,
		"lastSyncAt":      nil,
		"errorState":      nil,
		"freshnessLabel":  "outdated",
		"confidenceLabel": "low",
	}

	if conn == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp["connected"] = conn.Status == database.StatusConnected
	if conn.ErrorState != nil {
		resp["errorState"] = *conn.ErrorState
	}
	if conn.LastSyncAt != nil {
		resp["lastSyncAt"] = time.Unix(*conn.LastSyncAt, 0).UTC().Format(time.RFC3339)
		freshness := classifyFreshness(time.Since(time.Unix(*conn.LastSyncAt, 0)))
		resp["freshnessLabel"] = freshness
		resp["confidenceLabel"] = confidenceForFreshness(freshness)
	}

	writeJSON(w, http.StatusOK, resp)
}

func classifyFreshness(age time.Duration) string {
	switch {
	case age <= freshnessFreshMax:
		return "fresh"
	case age <= freshnessStaleMax:
		return "stale"
	default:
		return "outdated"
	}
}

func confidenceForFreshness(freshness string) string {
	switch freshness {
	case "fresh":
		return "high"
	case "stale":
		return "medium"
	default:
		return "low"
	}
}

// HandleManualSync serves on-demand syncs: rate-limited, and when
// pending payload files exist they are processed synchronously within a
// small budget instead of waiting for the nightly batch
func (h *Handlers) HandleManualSync(w http.ResponseWriter, r *http.Request) {
	if !h.requireInternalAuth(w, r) {
		return
	}
	userID := chi.URLParam(r, "userID")

	conn, err := h.db.GetConnection(userID)
	if err != nil {
		h.logger.Error("failed to load connection", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load connection")
		return
	}
	if conn == nil || conn.Status == database.StatusDisconnected {
		writeError(w, http.StatusNotFound, "not_connected", "no Garmin connection for this user")
		return
	}

	var lastSyncAt *time.Time
	if conn.LastSyncAt != nil {
		t := time.Unix(*conn.LastSyncAt, 0)
		lastSyncAt = &t
	}

	decision := ratelimit.Evaluate(userID, lastSyncAt, ratelimit.TriggerManual, time.Now())
	if !decision.Allowed {
		metrics.SyncRateLimitedTotal.WithLabelValues(string(ratelimit.TriggerManual)).Inc()
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Code:              "rate_limited",
			Message:           decision.Reason,
			RetryAfterSeconds: decision.RetryAfterSeconds,
		})
		return
	}

	pending, err := h.db.CountPendingActivityFiles(userID)
	if err != nil {
		h.logger.Error("failed to count pending files", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to check pending data")
		return
	}

	if pending > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), manualSyncBudget)
		defer cancel()

		processed, err := h.pipeline.ProcessPendingFiles(ctx, userID, manualSyncFileLimit)
		if err != nil && processed == 0 {
			h.logger.Error("manual processing failed", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to process pending data")
			return
		}
		if err := h.pipeline.Recompute(r.Context(), userID, time.Now()); err != nil {
			h.logger.Warn("recompute after manual sync failed", "user_id", userID, "error", err)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"processed": processed,
			"message":   fmt.Sprintf("processed %d pending files", processed),
		})
		return
	}

	result := h.jobs.EnqueueSync(userID, ratelimit.TriggerManual,
		h.cfg.DailyLookbackDays, h.cfg.ActivityLookbackDays, nil)

	message := "sync queued"
	if !result.Queued {
		message = result.Reason
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processed": 0,
		"message":   message,
	})
}

// HandleCronNightly enumerates connected users one page at a time and
// queues nightly syncs for those due. The scheduler calls back with the
// returned offset until done
func (h *Handlers) HandleCronNightly(w http.ResponseWriter, r *http.Request) {
	if !h.requireCronAuth(w, r) {
		return
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	connections, err := h.db.ListConnections(true, offset, h.cfg.NightlyPageSize)
	if err != nil {
		h.logger.Error("failed to list connections", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list connections")
		return
	}

	now := time.Now()
	enqueued, skipped := 0, 0
	for _, conn := range connections {
		var lastSyncAt *time.Time
		if conn.LastSyncAt != nil {
			t := time.Unix(*conn.LastSyncAt, 0)
			lastSyncAt = &t
		}

		decision := ratelimit.Evaluate(conn.UserID, lastSyncAt, ratelimit.TriggerNightly, now)
		if !decision.Allowed {
			metrics.SyncRateLimitedTotal.WithLabelValues(string(ratelimit.TriggerNightly)).Inc()
			skipped++
			continue
		}

		result := h.jobs.EnqueueSync(conn.UserID, ratelimit.TriggerNightly,
			h.cfg.DailyLookbackDays, h.cfg.ActivityLookbackDays, nil)
		if result.Queued {
			enqueued++
		} else {
			skipped++
		}
	}

	resp := map[string]any{
		"enqueued": enqueued,
		"skipped":  skipped,
		"done":     len(connections) < h.cfg.NightlyPageSize,
	}
	if len(connections) == h.cfg.NightlyPageSize {
		resp["nextOffset"] = offset + h.cfg.NightlyPageSize
	}

	h.logger.Info("nightly cron page", "offset", offset, "enqueued", enqueued, "skipped", skipped)
	writeJSON(w, http.StatusOK, resp)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
