package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"runningcoach-garmin-sync/internal/metrics"
	"runningcoach-garmin-sync/internal/normalize"
)

// maxWebhookBody bounds what we read from Garmin. Push notifications
// carry summaries, not full activity files
const maxWebhookBody = 4 << 20

var garminUserIDKeys = []string{"userId", "userAccessToken"}

// HandleWebhook accepts Garmin push notifications. The token arrives
// either as a path segment or a query parameter; both normalize to the
// same check. Intake only records payloads and enqueues derive work,
// returning well before Garmin's delivery timeout
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.GarminWebhookToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read body")
		return
	}

	// Garmin groups records by dataset: {"dailies": [...], "activities": [...]}
	var notification map[string][]map[string]any
	if err := json.Unmarshal(body, &notification); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unparsable notification payload")
		return
	}

	accepted, duplicates, unmatched := 0, 0, 0
	now := time.Now()

	for datasetKey, records := range notification {
		// Tracks which users got new payloads in this dataset so each
		// (user, dataset) pair enqueues at most one derive job
		touched := make(map[string]*string)

		for _, record := range records {
			raw := normalize.RawRecord(record)

			garminUserID := raw.String(garminUserIDKeys...)
			if garminUserID == nil {
				metrics.WebhookNotificationsTotal.WithLabelValues(datasetKey, metrics.ResultDropped).Inc()
				unmatched++
				continue
			}

			conn, err := h.db.GetConnectionByGarminUserID(*garminUserID)
			if err != nil {
				h.logger.Error("webhook user lookup failed", "error", err)
				metrics.WebhookNotificationsTotal.WithLabelValues(datasetKey, metrics.ResultFailure).Inc()
				continue
			}
			if conn == nil {
				metrics.WebhookNotificationsTotal.WithLabelValues(datasetKey, metrics.ResultDropped).Inc()
				unmatched++
				continue
			}

			payload, err := json.Marshal(record)
			if err != nil {
				metrics.WebhookNotificationsTotal.WithLabelValues(datasetKey, metrics.ResultFailure).Inc()
				continue
			}

			_, created, err := h.db.CreateActivityFile(
				conn.UserID, datasetKey, notificationKey(datasetKey, raw), string(payload))
			if err != nil {
				h.logger.Error("webhook intake write failed", "user_id", conn.UserID, "error", err)
				metrics.WebhookNotificationsTotal.WithLabelValues(datasetKey, metrics.ResultFailure).Inc()
				continue
			}
			if !created {
				metrics.WebhookNotificationsTotal.WithLabelValues(datasetKey, metrics.ResultSkipped).Inc()
				duplicates++
				continue
			}

			metrics.WebhookNotificationsTotal.WithLabelValues(datasetKey, metrics.ResultSuccess).Inc()
			accepted++
			touched[conn.UserID] = conn.GarminUserID
		}

		for userID, garminUserID := range touched {
			result := h.jobs.EnqueueDerive(userID, garminUserID, datasetKey, "webhook", now)
			if !result.Queued && result.Reason != "" {
				h.logger.Debug("derive enqueue after webhook",
					"user_id", userID, "dataset", datasetKey, "reason", result.Reason)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"accepted":   accepted,
		"duplicates": duplicates,
		"unmatched":  unmatched,
	})
}

// notificationKey builds the dedup key for duplicate webhook delivery:
// the upstream summary id scoped by dataset. Records without one fall
// back to natural-key dedup at normalization time
func notificationKey(datasetKey string, raw normalize.RawRecord) *string {
	id := raw.String("summaryId", "activityId", "summaryID")
	if id == nil {
		return nil
	}
	key := fmt.Sprintf("%s:%s", datasetKey, *id)
	return &key
}
