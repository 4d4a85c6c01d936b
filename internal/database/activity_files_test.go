package database

import (
	"testing"
)

func TestCreateActivityFile(t *testing.T) {
	db := setupDB(t)

	id, created, err := db.CreateActivityFile("u1", "activities", nil, `{"summaryId":"a"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !created || id == "" {
		t.Fatalf("created = %v, id = %q", created, id)
	}

	file, err := db.GetActivityFile(id)
	if err != nil {
		t.Fatal(err)
	}
	if file.Status != FileStatusPending {
		t.Errorf("status = %q, want pending", file.Status)
	}
}

func TestDuplicateNotificationKeyIsNoop(t *testing.T) {
	db := setupDB(t)
	key := "dailies:d-1"

	_, created, err := db.CreateActivityFile("u1", "dailies", &key, `{}`)
	if err != nil || !created {
		t.Fatalf("first create: %v created=%v", err, created)
	}

	id2, created2, err := db.CreateActivityFile("u1", "dailies", &key, `{}`)
	if err != nil {
		t.Fatalf("duplicate create must not error: %v", err)
	}
	if created2 || id2 != "" {
		t.Errorf("duplicate should be a no-op, got created=%v id=%q", created2, id2)
	}

	count, err := db.CountPendingActivityFiles("u1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("pending = %d, want 1", count)
	}
}

func TestSameNotificationKeyDifferentUsersAllowed(t *testing.T) {
	db := setupDB(t)
	key := "dailies:d-1"

	for _, user := range []string{"u1", "u2"} {
		_, created, err := db.CreateActivityFile(user, "dailies", &key, `{}`)
		if err != nil || !created {
			t.Errorf("create for %s: %v created=%v", user, err, created)
		}
	}
}

func TestNilNotificationKeysNeverCollide(t *testing.T) {
	db := setupDB(t)

	for i := 0; i < 2; i++ {
		_, created, err := db.CreateActivityFile("u1", "activities", nil, `{}`)
		if err != nil || !created {
			t.Errorf("create %d: %v created=%v", i, err, created)
		}
	}
}

func TestMarkActivityFileProcessed(t *testing.T) {
	db := setupDB(t)

	id, _, err := db.CreateActivityFile("u1", "activities", nil, `{}`)
	if err != nil {
		t.Fatal(err)
	}

	if err := db.MarkActivityFileProcessed(id, nil); err != nil {
		t.Fatal(err)
	}

	file, err := db.GetActivityFile(id)
	if err != nil {
		t.Fatal(err)
	}
	if file.Status != FileStatusProcessed {
		t.Errorf("status = %q, want processed", file.Status)
	}
	if file.ProcessedAt == nil {
		t.Error("expected processed_at timestamp")
	}
}

func TestMarkActivityFileError(t *testing.T) {
	db := setupDB(t)

	id, _, err := db.CreateActivityFile("u1", "activities", nil, `not json`)
	if err != nil {
		t.Fatal(err)
	}

	msg := "malformed payload"
	if err := db.MarkActivityFileProcessed(id, &msg); err != nil {
		t.Fatal(err)
	}

	file, err := db.GetActivityFile(id)
	if err != nil {
		t.Fatal(err)
	}
	if file.Status != FileStatusError {
		t.Errorf("status = %q, want error", file.Status)
	}
	if file.Error == nil || *file.Error != msg {
		t.Errorf("error = %v", file.Error)
	}

	pending, err := db.CountPendingActivityFiles("u1")
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestListPendingActivityFilesLimit(t *testing.T) {
	db := setupDB(t)

	for i := 0; i < 5; i++ {
		if _, _, err := db.CreateActivityFile("u1", "activities", nil, `{}`); err != nil {
			t.Fatal(err)
		}
	}

	files, err := db.ListPendingActivityFiles("u1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Errorf("files = %d, want 3", len(files))
	}
}
