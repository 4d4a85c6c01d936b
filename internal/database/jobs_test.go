package database

import (
	"testing"
	"time"
)

func TestEnqueueSyncJobDedup(t *testing.T) {
	db := setupDB(t)

	id1, deduped1, err := db.EnqueueSyncJob("u1", "manual", 7, 14, nil)
	if err != nil {
		t.Fatal(err)
	}
	if deduped1 || id1 == 0 {
		t.Fatalf("first enqueue: deduped=%v id=%d", deduped1, id1)
	}

	_, deduped2, err := db.EnqueueSyncJob("u1", "nightly", 7, 14, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !deduped2 {
		t.Error("second live enqueue for the same user must dedup")
	}

	total, ready, err := db.GetSyncJobQueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || ready != 1 {
		t.Errorf("depth = %d/%d, want 1/1", total, ready)
	}
}

func TestSyncJobDedupPerUser(t *testing.T) {
	db := setupDB(t)

	if _, _, err := db.EnqueueSyncJob("u1", "manual", 7, 14, nil); err != nil {
		t.Fatal(err)
	}
	_, deduped, err := db.EnqueueSyncJob("u2", "manual", 7, 14, nil)
	if err != nil {
		t.Fatal(err)
	}
	if deduped {
		t.Error("different users must not dedup against each other")
	}
}

func TestClaimSyncJob(t *testing.T) {
	db := setupDB(t)

	if _, _, err := db.EnqueueSyncJob("u1", "manual", 7, 14, nil); err != nil {
		t.Fatal(err)
	}

	job, err := db.ClaimSyncJob()
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.UserID != "u1" || job.Trigger != "manual" {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.Status != JobStatusRunning {
		t.Errorf("status = %q, want running", job.Status)
	}

	// A running job is not claimable again
	second, err := db.ClaimSyncJob()
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Errorf("claimed a running job: %+v", second)
	}
}

func TestClaimedJobStillBlocksEnqueue(t *testing.T) {
	db := setupDB(t)

	if _, _, err := db.EnqueueSyncJob("u1", "manual", 7, 14, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimSyncJob(); err != nil {
		t.Fatal(err)
	}

	_, deduped, err := db.EnqueueSyncJob("u1", "manual", 7, 14, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !deduped {
		t.Error("a running job must still collapse new enqueues")
	}
}

func TestCompleteSyncJobUnblocksEnqueue(t *testing.T) {
	db := setupDB(t)

	id, _, err := db.EnqueueSyncJob("u1", "manual", 7, 14, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.CompleteSyncJob(id); err != nil {
		t.Fatal(err)
	}

	_, deduped, err := db.EnqueueSyncJob("u1", "manual", 7, 14, nil)
	if err != nil {
		t.Fatal(err)
	}
	if deduped {
		t.Error("completed job must not block re-enqueue")
	}
}

func TestReleaseSyncJobBacksOff(t *testing.T) {
	db := setupDB(t)

	if _, _, err := db.EnqueueSyncJob("u1", "manual", 7, 14, nil); err != nil {
		t.Fatal(err)
	}
	job, err := db.ClaimSyncJob()
	if err != nil {
		t.Fatal(err)
	}

	released, err := db.ReleaseSyncJob(job.ID, job.Attempts, "upstream timeout")
	if err != nil {
		t.Fatal(err)
	}
	if !released {
		t.Fatal("first release should allow retry")
	}

	// Backoff pushes next_retry_at into the future: queued but not ready
	total, ready, err := db.GetSyncJobQueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || ready != 0 {
		t.Errorf("depth = %d/%d, want 1/0", total, ready)
	}

	if job, err := db.ClaimSyncJob(); err != nil || job != nil {
		t.Errorf("backed-off job claimable: %+v err=%v", job, err)
	}
}

func TestReleaseSyncJobExhaustsAttempts(t *testing.T) {
	db := setupDB(t)

	if _, _, err := db.EnqueueSyncJob("u1", "manual", 7, 14, nil); err != nil {
		t.Fatal(err)
	}
	job, err := db.ClaimSyncJob()
	if err != nil {
		t.Fatal(err)
	}

	released, err := db.ReleaseSyncJob(job.ID, SyncJobMaxAttempts-1, "still broken")
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Error("release at the attempt budget must fail the job")
	}

	total, _, err := db.GetSyncJobQueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("depth = %d, want 0 after permanent failure", total)
	}
}

func TestFailSyncJobTerminal(t *testing.T) {
	db := setupDB(t)

	if _, _, err := db.EnqueueSyncJob("u1", "manual", 7, 14, nil); err != nil {
		t.Fatal(err)
	}
	job, err := db.ClaimSyncJob()
	if err != nil {
		t.Fatal(err)
	}

	if err := db.FailSyncJob(job.ID, "reauthorization required"); err != nil {
		t.Fatal(err)
	}

	total, _, err := db.GetSyncJobQueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("depth = %d, want 0", total)
	}
}

func TestDeriveJobMinuteBucketCoalescing(t *testing.T) {
	db := setupDB(t)
	at := time.Date(2025, 6, 10, 12, 0, 5, 0, time.UTC)

	_, deduped1, err := db.EnqueueDeriveJob("u1", nil, "dailies", "webhook", at)
	if err != nil || deduped1 {
		t.Fatalf("first: %v deduped=%v", err, deduped1)
	}

	// Same minute coalesces
	_, deduped2, err := db.EnqueueDeriveJob("u1", nil, "dailies", "webhook", at.Add(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !deduped2 {
		t.Error("same-minute enqueue must coalesce")
	}

	// Next minute is a fresh bucket
	_, deduped3, err := db.EnqueueDeriveJob("u1", nil, "dailies", "webhook", at.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if deduped3 {
		t.Error("next-minute enqueue must not coalesce")
	}
}

func TestClaimDeriveJobOrder(t *testing.T) {
	db := setupDB(t)
	at := time.Now()

	if _, _, err := db.EnqueueDeriveJob("u1", nil, "dailies", "webhook", at); err != nil {
		t.Fatal(err)
	}
	if _, _, err := db.EnqueueDeriveJob("u2", nil, "sleeps", "webhook", at); err != nil {
		t.Fatal(err)
	}

	first, err := db.ClaimDeriveJob()
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.UserID != "u1" {
		t.Errorf("expected oldest job first, got %+v", first)
	}

	if err := db.CompleteDeriveJob(first.ID); err != nil {
		t.Fatal(err)
	}

	second, err := db.ClaimDeriveJob()
	if err != nil {
		t.Fatal(err)
	}
	if second == nil || second.UserID != "u2" {
		t.Errorf("expected second job, got %+v", second)
	}
}

func TestReleaseDeriveJobExhaustsAttempts(t *testing.T) {
	db := setupDB(t)

	if _, _, err := db.EnqueueDeriveJob("u1", nil, "dailies", "webhook", time.Now()); err != nil {
		t.Fatal(err)
	}
	job, err := db.ClaimDeriveJob()
	if err != nil {
		t.Fatal(err)
	}

	released, err := db.ReleaseDeriveJob(job.ID, DeriveJobMaxAttempts-1, "broken")
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Error("release at the attempt budget must fail the job")
	}
}

func TestPruneFinishedJobsKeepsRecent(t *testing.T) {
	db := setupDB(t)

	id, _, err := db.EnqueueSyncJob("u1", "manual", 7, 14, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.CompleteSyncJob(id); err != nil {
		t.Fatal(err)
	}

	pruned, err := db.PruneFinishedJobs()
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d, want 0 (retention window not elapsed)", pruned)
	}
}
