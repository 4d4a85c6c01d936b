package ratelimit

import (
	"fmt"
	"time"
)

// Trigger identifies what asked for a sync
type Trigger string

const (
	TriggerManual      Trigger = "manual"
	TriggerIncremental Trigger = "incremental"
	TriggerNightly     Trigger = "nightly"
	TriggerBackfill    Trigger = "backfill"
)

// Cooldown policy per trigger
const (
	ManualCooldown  = 60 * time.Second
	NightlyInterval = 24 * time.Hour
)

// Decision is the outcome of a rate limit evaluation
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Reason            string
}

// Evaluate applies the per-user sync rate limit policy. Pure function of
// its inputs so every branch is trivially testable; persistence of
// lastSyncAt lives with the connection row
func Evaluate(userID string, lastSyncAt *time.Time, trigger Trigger, now time.Time) Decision {
	switch trigger {
	case TriggerIncremental:
		// Webhook-driven syncs are already throttled upstream by Garmin's
		// push cadence
		return Decision{Allowed: true}

	case TriggerBackfill:
		// Historical imports are exclusive per user via queue dedup, not
		// time-gated
		return Decision{Allowed: true}

	case TriggerManual:
		if lastSyncAt == nil {
			return Decision{Allowed: true}
		}
		elapsed := now.Sub(*lastSyncAt)
		if elapsed >= ManualCooldown {
			return Decision{Allowed: true}
		}
		retryAfter := int((ManualCooldown - elapsed).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{
			Allowed:           false,
			RetryAfterSeconds: retryAfter,
			Reason:            fmt.Sprintf("manual sync allowed at most once per %s", ManualCooldown),
		}

	case TriggerNightly:
		if lastSyncAt == nil {
			return Decision{Allowed: true}
		}
		elapsed := now.Sub(*lastSyncAt)
		if elapsed >= NightlyInterval {
			return Decision{Allowed: true}
		}
		// A recent sync of any kind covers the nightly pass; skipping is
		// the point, not an error
		retryAfter := int((NightlyInterval - elapsed).Seconds())
		return Decision{
			Allowed:           false,
			RetryAfterSeconds: retryAfter,
			Reason:            "already synced within the last 24h",
		}

	default:
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("unknown sync trigger %q", trigger),
		}
	}
}
