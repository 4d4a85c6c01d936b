package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Queue types
	QueueTypeSyncJob   = "sync_job"
	QueueTypeDeriveJob = "derive_job"

	// Queue results
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultDropped = "dropped"
	ResultFailure = "failure"
	ResultSkipped = "skipped"

	// Worker outcomes
	OutcomeSyncJobFound   = "sync_job_found"
	OutcomeDeriveJobFound = "derive_job_found"
	OutcomeCircuitOpen    = "circuit_open"
	OutcomeIdle           = "idle"

	// HTTP endpoints
	EndpointOAuthStart    = "oauth_start"
	EndpointOAuthCallback = "oauth_callback"
	EndpointOAuthRevoke   = "oauth_revoke"
	EndpointWebhook       = "webhook"
	EndpointReadiness     = "readiness"
	EndpointConnection    = "connection_status"
	EndpointManualSync    = "manual_sync"
	EndpointCron          = "cron_nightly"
	EndpointHealth        = "health"

	// Garmin API operations
	OpExchangeCode = "exchange_code"
	OpRefreshToken = "refresh_token"
	OpRevoke       = "revoke"
	OpGetUserID    = "get_user_id"
	OpFetchDataset = "fetch_dataset"

	// Database operations
	DBOpEnqueueSyncJob    = "enqueue_sync_job"
	DBOpClaimSyncJob      = "claim_sync_job"
	DBOpCompleteSyncJob   = "complete_sync_job"
	DBOpReleaseSyncJob    = "release_sync_job"
	DBOpEnqueueDeriveJob  = "enqueue_derive_job"
	DBOpClaimDeriveJob    = "claim_derive_job"
	DBOpCompleteDeriveJob = "complete_derive_job"
	DBOpReleaseDeriveJob  = "release_derive_job"
	DBOpPruneJobs         = "prune_jobs"
	DBOpGetConnection     = "get_connection"
	DBOpUpsertConnection  = "upsert_connection"
	DBOpUpsertActivity    = "upsert_activity"
	DBOpMergeDailySignal  = "merge_daily_signal"
	DBOpCreateFile        = "create_activity_file"
	DBOpGetCircuitState   = "get_circuit_breaker_state"
	DBOpOpenCircuit       = "open_circuit_breaker"
	DBOpTransitionCircuit = "transition_circuit_breaker"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Queue Metrics
var (
	QueueDepthTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_total",
			Help: "Total number of live items in queue (queued + running)",
		},
		[]string{"queue_type"},
	)

	QueueDepthReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_ready",
			Help: "Number of items ready for processing",
		},
		[]string{"queue_type"},
	)

	QueueEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueue_total",
			Help: "Total number of items enqueued",
		},
		[]string{"queue_type"},
	)

	QueueDedupTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dedup_total",
			Help: "Total number of enqueue calls collapsed by the dedup key",
		},
		[]string{"queue_type"},
	)

	QueueDequeueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dequeue_total",
			Help: "Total number of items dequeued with outcome",
		},
		[]string{"queue_type", "result"},
	)

	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Time spent processing queue items",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue_type", "result"},
	)

	QueueRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_retry_total",
			Help: "Total number of retry attempts",
		},
		[]string{"queue_type", "retry_count"},
	)
)

// Worker Metrics
var (
	WorkerPollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_poll_cycles_total",
			Help: "Total number of worker poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	WorkerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active",
			Help: "Whether the worker is currently active (1) or not (0)",
		},
	)
)

// Garmin API Metrics
var (
	GarminAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "garmin_api_requests_total",
			Help: "Total number of Garmin API requests",
		},
		[]string{"operation", "status_code"},
	)

	GarminAPIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "garmin_api_request_duration_seconds",
			Help:    "Garmin API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation", "status_code"},
	)

	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_total",
			Help: "Total number of token refresh attempts",
		},
		[]string{"result"},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Business Metrics
var (
	WebhookNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_notifications_total",
			Help: "Total number of webhook notification records received",
		},
		[]string{"dataset", "result"},
	)

	ActivitiesNormalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activities_normalized_total",
			Help: "Total number of activity payloads normalized",
		},
		[]string{"result"},
	)

	SyncJobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_jobs_completed_total",
			Help: "Total number of sync jobs completed",
		},
		[]string{"trigger"},
	)

	DeriveComputationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "derive_computations_total",
			Help: "Total number of derived-metric recomputations",
		},
		[]string{"metric", "confidence"},
	)

	SyncRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_rate_limited_total",
			Help: "Total number of sync attempts denied by the per-user rate limiter",
		},
		[]string{"trigger"},
	)
)

// Circuit Breaker Metrics
var (
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"breaker_type"},
	)

	CircuitBreakerOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circuit_breaker_opened_total",
			Help: "Total number of times circuit breaker opened due to rate limits",
		},
	)

	CircuitBreakerRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "circuit_breaker_recovered_total",
			Help: "Total number of times circuit breaker recovered to closed state",
		},
	)
)
