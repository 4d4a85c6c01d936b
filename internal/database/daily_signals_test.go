package database

import (
	"testing"
)

func f(v float64) *float64 { return &v }

func TestMergeDailySignalNonNullWins(t *testing.T) {
	db := setupDB(t)

	if err := db.MergeDailySignal(&DailySignal{
		UserID: "u1", Day: "2025-06-10", Hrv: f(55),
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.MergeDailySignal(&DailySignal{
		UserID: "u1", Day: "2025-06-10", SleepScore: f(82),
	}); err != nil {
		t.Fatal(err)
	}

	s, err := db.GetDailySignal("u1", "2025-06-10")
	if err != nil {
		t.Fatal(err)
	}
	if s.Hrv == nil || *s.Hrv != 55 {
		t.Errorf("Hrv = %v, want preserved 55", s.Hrv)
	}
	if s.SleepScore == nil || *s.SleepScore != 82 {
		t.Errorf("SleepScore = %v, want 82", s.SleepScore)
	}
}

func TestMergeDailySignalNullPreservesStored(t *testing.T) {
	db := setupDB(t)

	if err := db.MergeDailySignal(&DailySignal{
		UserID: "u1", Day: "2025-06-10", Hrv: f(55), Stress: f(30),
	}); err != nil {
		t.Fatal(err)
	}
	// Later ingestion carries only stress; hrv must survive
	if err := db.MergeDailySignal(&DailySignal{
		UserID: "u1", Day: "2025-06-10", Stress: f(45),
	}); err != nil {
		t.Fatal(err)
	}

	s, err := db.GetDailySignal("u1", "2025-06-10")
	if err != nil {
		t.Fatal(err)
	}
	if s.Hrv == nil || *s.Hrv != 55 {
		t.Errorf("Hrv = %v, want 55", s.Hrv)
	}
	if s.Stress == nil || *s.Stress != 45 {
		t.Errorf("Stress = %v, want updated 45", s.Stress)
	}
}

func TestOneRowPerUserPerDay(t *testing.T) {
	db := setupDB(t)

	for i := 0; i < 3; i++ {
		if err := db.MergeDailySignal(&DailySignal{
			UserID: "u1", Day: "2025-06-10", Hrv: f(float64(50 + i)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	signals, err := db.ListDailySignalsInWindow("u1", "2025-06-01", "2025-06-30")
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 1 {
		t.Errorf("rows = %d, want 1", len(signals))
	}
}

func TestListDailySignalsWindowBounds(t *testing.T) {
	db := setupDB(t)

	for _, day := range []string{"2025-05-31", "2025-06-01", "2025-06-28", "2025-06-29"} {
		if err := db.MergeDailySignal(&DailySignal{
			UserID: "u1", Day: day, Hrv: f(50),
		}); err != nil {
			t.Fatal(err)
		}
	}

	signals, err := db.ListDailySignalsInWindow("u1", "2025-06-01", "2025-06-28")
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 2 {
		t.Errorf("rows = %d, want 2 (inclusive bounds)", len(signals))
	}
}

func TestHasSignal(t *testing.T) {
	if (&DailySignal{}).HasSignal() {
		t.Error("empty signal must report false")
	}
	if !(&DailySignal{Hrv: f(50)}).HasSignal() {
		t.Error("hrv-only signal must report true")
	}
}
