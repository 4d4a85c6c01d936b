package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"runningcoach-garmin-sync/internal/config"
	"runningcoach-garmin-sync/internal/database"
	"runningcoach-garmin-sync/internal/garmin"
	"runningcoach-garmin-sync/internal/jobs"
	"runningcoach-garmin-sync/internal/pipeline"
	"runningcoach-garmin-sync/internal/tokens"
)

type stubAPI struct{}

func (stubAPI) RefreshToken(ctx context.Context, refreshToken string) (*garmin.TokenResponse, error) {
	return &garmin.TokenResponse{AccessToken: "a", RefreshToken: "r", ExpiresIn: 3600}, nil
}

func (stubAPI) DeleteUserRegistration(ctx context.Context, accessToken string) error {
	return nil
}

func setupHandlers(t *testing.T) (*Handlers, *database.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		GarminWebhookToken:   "hook-secret",
		InternalAPIKey:       "api-secret",
		CronSecret:           "cron-secret",
		NightlyPageSize:      2,
		DailyLookbackDays:    7,
		ActivityLookbackDays: 14,
	}

	h := New(cfg, db, tokens.NewStore(db, stubAPI{}), jobs.NewService(db), nil, pipeline.New(db))
	return h, db
}

func router(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook/garmin", h.HandleWebhook)
	r.Post("/webhook/garmin/{token}", h.HandleWebhook)
	r.Get("/users/{userID}/readiness", h.HandleReadiness)
	r.Get("/users/{userID}/connection", h.HandleConnectionStatus)
	r.Post("/users/{userID}/sync", h.HandleManualSync)
	r.Post("/cron/nightly", h.HandleCronNightly)
	r.Get("/health", h.HandleHealth)
	return r
}

func seedConn(t *testing.T, db *database.DB, userID, garminUserID string) {
	t.Helper()
	err := db.UpsertConnection(&database.Connection{
		UserID:       userID,
		GarminUserID: &garminUserID,
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func doRequest(h http.Handler, method, target, bearer, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsBadToken(t *testing.T) {
	h, _ := setupHandlers(t)
	r := router(h)

	rec := doRequest(r, "POST", "/webhook/garmin?token=wrong", "", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookTokenFromPathSegment(t *testing.T) {
	h, _ := setupHandlers(t)
	r := router(h)

	rec := doRequest(r, "POST", "/webhook/garmin/hook-secret", "", `{}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
}

func TestWebhookIntakeWritesFilesAndDeriveJob(t *testing.T) {
	h, db := setupHandlers(t)
	r := router(h)
	seedConn(t, db, "u1", "g1")

	body := `{"dailies":[{"userId":"g1","summaryId":"d-1","calendarDate":"2025-06-10"}]}`
	rec := doRequest(r, "POST", "/webhook/garmin?token=hook-secret", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["accepted"] != 1 {
		t.Errorf("accepted = %d, want 1", resp["accepted"])
	}

	pending, err := db.CountPendingActivityFiles("u1")
	if err != nil {
		t.Fatal(err)
	}
	if pending != 1 {
		t.Errorf("pending files = %d, want 1", pending)
	}

	total, _, err := db.GetDeriveJobQueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("derive queue depth = %d, want 1", total)
	}
}

func TestWebhookDuplicateDeliveryIdempotent(t *testing.T) {
	h, db := setupHandlers(t)
	r := router(h)
	seedConn(t, db, "u1", "g1")

	body := `{"dailies":[{"userId":"g1","summaryId":"d-1","calendarDate":"2025-06-10"}]}`
	first := doRequest(r, "POST", "/webhook/garmin?token=hook-secret", "", body)
	second := doRequest(r, "POST", "/webhook/garmin?token=hook-secret", "", body)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d / %d", first.Code, second.Code)
	}

	var resp map[string]int
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["duplicates"] != 1 {
		t.Errorf("duplicates = %d, want 1", resp["duplicates"])
	}

	pending, err := db.CountPendingActivityFiles("u1")
	if err != nil {
		t.Fatal(err)
	}
	if pending != 1 {
		t.Errorf("pending files = %d, want 1 after duplicate delivery", pending)
	}

	total, _, err := db.GetDeriveJobQueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("derive queue depth = %d, want 1 after duplicate delivery", total)
	}
}

func TestWebhookUnknownGarminUserSkipped(t *testing.T) {
	h, db := setupHandlers(t)
	r := router(h)

	body := `{"dailies":[{"userId":"stranger","summaryId":"d-1"}]}`
	rec := doRequest(r, "POST", "/webhook/garmin?token=hook-secret", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["unmatched"] != 1 || resp["accepted"] != 0 {
		t.Errorf("resp = %v", resp)
	}

	total, _, err := db.GetDeriveJobQueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("derive queue depth = %d, want 0", total)
	}
}

func TestReadinessRequiresAuth(t *testing.T) {
	h, _ := setupHandlers(t)
	r := router(h)

	rec := doRequest(r, "GET", "/users/u1/readiness", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestReadinessNoDataBestEffortShape(t *testing.T) {
	h, _ := setupHandlers(t)
	r := router(h)

	rec := doRequest(r, "GET", "/users/u1/readiness", "api-secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even with no data: %s", rec.Code, rec.Body)
	}

	var resp readinessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Confidence != "low" {
		t.Errorf("confidence = %q, want low", resp.Confidence)
	}
	if !strings.Contains(resp.Label, "may indicate") {
		t.Errorf("label %q missing required phrasing", resp.Label)
	}
	if resp.Disclaimer == "" {
		t.Error("expected disclaimer")
	}
	if resp.Drivers == nil || resp.MissingSignals == nil {
		t.Error("list fields must serialize as arrays, not null")
	}
}

func TestConnectionStatusFreshness(t *testing.T) {
	h, db := setupHandlers(t)
	r := router(h)
	seedConn(t, db, "u1", "g1")

	lastSync := time.Now().Add(-2 * 24 * time.Hour).Unix()
	if err := db.UpdateConnectionSyncState("u1", lastSync, nil); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(r, "GET", "/users/u1/connection", "api-secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["connected"] != true {
		t.Errorf("connected = %v", resp["connected"])
	}
	if resp["freshnessLabel"] != "stale" {
		t.Errorf("freshnessLabel = %v, want stale", resp["freshnessLabel"])
	}
	if resp["confidenceLabel"] != "medium" {
		t.Errorf("confidenceLabel = %v, want medium", resp["confidenceLabel"])
	}
}

func TestConnectionStatusUnknownUser(t *testing.T) {
	h, _ := setupHandlers(t)
	r := router(h)

	rec := doRequest(r, "GET", "/users/nobody/connection", "api-secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want best-effort 200", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["connected"] != false || resp["freshnessLabel"] != "outdated" {
		t.Errorf("resp = %v", resp)
	}
}

func TestManualSyncRateLimited(t *testing.T) {
	h, db := setupHandlers(t)
	r := router(h)
	seedConn(t, db, "u1", "g1")
	if err := db.UpdateConnectionSyncState("u1", time.Now().Add(-10*time.Second).Unix(), nil); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(r, "POST", "/users/u1/sync", "api-secret", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %s", rec.Code, rec.Body)
	}

	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "rate_limited" {
		t.Errorf("code = %q", resp.Code)
	}
	if resp.RetryAfterSeconds < 1 {
		t.Errorf("RetryAfterSeconds = %d", resp.RetryAfterSeconds)
	}
}

func TestManualSyncProcessesPendingFiles(t *testing.T) {
	h, db := setupHandlers(t)
	r := router(h)
	seedConn(t, db, "u1", "g1")

	payload := `[{"summaryId":"act-1","durationInSeconds":1800}]`
	if _, _, err := db.CreateActivityFile("u1", "activities", nil, payload); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(r, "POST", "/users/u1/sync", "api-secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["processed"] != float64(1) {
		t.Errorf("processed = %v, want 1", resp["processed"])
	}

	activity, err := db.GetActivity("u1", "act-1")
	if err != nil {
		t.Fatal(err)
	}
	if activity == nil {
		t.Error("expected normalized activity after manual sync")
	}
}

func TestManualSyncNotConnected(t *testing.T) {
	h, _ := setupHandlers(t)
	r := router(h)

	rec := doRequest(r, "POST", "/users/nobody/sync", "api-secret", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCronRequiresSecret(t *testing.T) {
	h, _ := setupHandlers(t)
	r := router(h)

	rec := doRequest(r, "POST", "/cron/nightly", "api-secret", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for wrong secret", rec.Code)
	}
}

func TestCronNightlyPaginatesAndEnqueues(t *testing.T) {
	h, db := setupHandlers(t)
	r := router(h)
	seedConn(t, db, "u1", "g1")
	seedConn(t, db, "u2", "g2")
	seedConn(t, db, "u3", "g3")

	rec := doRequest(r, "POST", "/cron/nightly", "cron-secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// Page size 2: first page enqueues two and points at the next page
	if resp["enqueued"] != float64(2) {
		t.Errorf("enqueued = %v, want 2", resp["enqueued"])
	}
	if resp["done"] != false {
		t.Errorf("done = %v, want false", resp["done"])
	}
	if resp["nextOffset"] != float64(2) {
		t.Errorf("nextOffset = %v, want 2", resp["nextOffset"])
	}

	rec = doRequest(r, "POST", "/cron/nightly?offset=2", "cron-secret", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["enqueued"] != float64(1) || resp["done"] != true {
		t.Errorf("second page resp = %v", resp)
	}

	total, _, err := db.GetSyncJobQueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("sync queue depth = %d, want 3", total)
	}
}

func TestCronSkipsRecentlySynced(t *testing.T) {
	h, db := setupHandlers(t)
	r := router(h)
	seedConn(t, db, "u1", "g1")
	if err := db.UpdateConnectionSyncState("u1", time.Now().Add(-time.Hour).Unix(), nil); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(r, "POST", "/cron/nightly", "cron-secret", "")
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["enqueued"] != float64(0) || resp["skipped"] != float64(1) {
		t.Errorf("resp = %v", resp)
	}
}

func TestHealth(t *testing.T) {
	h, _ := setupHandlers(t)
	r := router(h)

	rec := doRequest(r, "GET", "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
