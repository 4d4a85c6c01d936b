package ratelimit

import (
	"testing"
	"time"
)

var baseTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestManualFirstSyncAllowed(t *testing.T) {
	d := Evaluate("u1", nil, TriggerManual, baseTime)
	if !d.Allowed {
		t.Errorf("expected allowed, got %+v", d)
	}
}

func TestManualWithinCooldownDenied(t *testing.T) {
	last := baseTime.Add(-20 * time.Second)
	d := Evaluate("u1", &last, TriggerManual, baseTime)
	if d.Allowed {
		t.Fatalf("expected denied, got %+v", d)
	}
	if d.RetryAfterSeconds != 40 {
		t.Errorf("RetryAfterSeconds = %d, want 40", d.RetryAfterSeconds)
	}
	if d.Reason == "" {
		t.Error("expected a reason")
	}
}

func TestManualAfterCooldownAllowed(t *testing.T) {
	last := baseTime.Add(-ManualCooldown)
	d := Evaluate("u1", &last, TriggerManual, baseTime)
	if !d.Allowed {
		t.Errorf("expected allowed at exactly the cooldown boundary, got %+v", d)
	}
}

func TestManualRetryAfterNeverZero(t *testing.T) {
	last := baseTime.Add(-59*time.Second - 900*time.Millisecond)
	d := Evaluate("u1", &last, TriggerManual, baseTime)
	if d.Allowed {
		t.Fatalf("expected denied, got %+v", d)
	}
	if d.RetryAfterSeconds < 1 {
		t.Errorf("RetryAfterSeconds = %d, want at least 1", d.RetryAfterSeconds)
	}
}

func TestIncrementalAlwaysAllowed(t *testing.T) {
	last := baseTime.Add(-time.Second)
	d := Evaluate("u1", &last, TriggerIncremental, baseTime)
	if !d.Allowed {
		t.Errorf("expected allowed, got %+v", d)
	}
}

func TestBackfillAlwaysAllowed(t *testing.T) {
	last := baseTime.Add(-time.Second)
	d := Evaluate("u1", &last, TriggerBackfill, baseTime)
	if !d.Allowed {
		t.Errorf("expected allowed, got %+v", d)
	}
}

func TestNightlySkippedAfterRecentSync(t *testing.T) {
	last := baseTime.Add(-2 * time.Hour)
	d := Evaluate("u1", &last, TriggerNightly, baseTime)
	if d.Allowed {
		t.Errorf("expected denied after recent sync, got %+v", d)
	}
}

func TestNightlyAllowedAfterInterval(t *testing.T) {
	last := baseTime.Add(-25 * time.Hour)
	d := Evaluate("u1", &last, TriggerNightly, baseTime)
	if !d.Allowed {
		t.Errorf("expected allowed, got %+v", d)
	}
}

func TestNightlyNeverSyncedAllowed(t *testing.T) {
	d := Evaluate("u1", nil, TriggerNightly, baseTime)
	if !d.Allowed {
		t.Errorf("expected allowed, got %+v", d)
	}
}

func TestUnknownTriggerDenied(t *testing.T) {
	d := Evaluate("u1", nil, Trigger("surprise"), baseTime)
	if d.Allowed {
		t.Errorf("expected denied for unknown trigger, got %+v", d)
	}
}
