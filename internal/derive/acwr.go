package derive

import (
	"math"
	"time"

	"runningcoach-garmin-sync/internal/database"
)

// Window sizes for the acute:chronic workload ratio
const (
	acuteWindowDays   = 7
	chronicWindowDays = 28
)

// referenceHr anchors the HR intensity factor: a session at this average
// heart rate counts its duration at face value
const referenceHr = 130.0

// ACWR zone thresholds. Sports-science convention, not per-user tunable
const (
	zoneUnderloadBelow = 0.8
	zoneSweetSpotUpTo  = 1.3
	zoneElevatedUpTo   = 1.5
)

// Zone names
const (
	ZoneUnderload = "underload"
	ZoneSweetSpot = "sweet_spot"
	ZoneElevated  = "elevated"
	ZoneHigh      = "high"
)

// ACWRResult is the training load summary for one user at one end date
type ACWRResult struct {
	AcuteLoad7d    float64  `json:"acuteLoad7d"`
	ChronicLoad28d float64  `json:"chronicLoad28d"`
	ACWR           *float64 `json:"acwr"`
	Zone           string   `json:"zone,omitempty"`
	ZoneLabel      string   `json:"zoneLabel,omitempty"`
	Evidence       Evidence `json:"evidence"`
	Disclaimer     string   `json:"disclaimer"`
}

// ComputeACWR derives acute (7-day) and chronic (28-day) daily-average
// training loads from normalized activities and their ratio. Days with
// no activity count as zero load rather than being excluded, so sparse
// data lowers the loads and the confidence grade together instead of
// silently inflating the averages
func ComputeACWR(activities []*database.NormalizedActivity, endDate time.Time) ACWRResult {
	end := truncateDay(endDate)
	windowStart := end.AddDate(0, 0, -(chronicWindowDays - 1))
	acuteStart := end.AddDate(0, 0, -(acuteWindowDays - 1))

	dailyLoad := make(map[string]float64, chronicWindowDays)
	for _, a := range activities {
		if a.StartTime == nil {
			continue
		}
		day := time.Unix(*a.StartTime, 0).UTC()
		dayStart := truncateDay(day)
		if dayStart.Before(windowStart) || dayStart.After(end) {
			continue
		}
		dailyLoad[dayStart.Format("2006-01-02")] += sessionLoad(a)
	}

	var acuteSum, chronicSum float64
	populated := 0
	for i := 0; i < chronicWindowDays; i++ {
		day := windowStart.AddDate(0, 0, i)
		load := dailyLoad[day.Format("2006-01-02")]
		chronicSum += load
		if !day.Before(acuteStart) {
			acuteSum += load
		}
		if load > 0 {
			populated++
		}
	}

	result := ACWRResult{
		AcuteLoad7d:    round2(acuteSum / acuteWindowDays),
		ChronicLoad28d: round2(chronicSum / chronicWindowDays),
		Evidence:       BuildEvidence(chronicWindowDays, populated, "training data"),
		Disclaimer:     MedicalDisclaimer,
	}

	if result.ChronicLoad28d == 0 {
		// Undefined ratio is a data problem, not an arithmetic one
		result.Evidence.Confidence = ConfidenceLow
		result.Evidence.Flags = append(result.Evidence.Flags,
			"no chronic training load in the last 28 days, ratio undefined")
		return result
	}

	ratio := round2(result.AcuteLoad7d / result.ChronicLoad28d)
	result.ACWR = &ratio
	result.Zone, result.ZoneLabel = classifyZone(ratio)

	return result
}

// sessionLoad converts one activity into load units: duration in
// minutes, weighted by average heart rate relative to the reference
// when HR was recorded. The weight is clamped so a single bad HR sample
// cannot dominate the window
func sessionLoad(a *database.NormalizedActivity) float64 {
	minutes := a.DurationS / 60
	if minutes <= 0 {
		return 0
	}

	factor := 1.0
	if a.AvgHr != nil && *a.AvgHr > 0 {
		factor = clamp(*a.AvgHr/referenceHr, 0.5, 2.0)
	}

	return minutes * factor
}

func classifyZone(ratio float64) (zone, label string) {
	switch {
	case ratio < zoneUnderloadBelow:
		return ZoneUnderload, "Training load is below your recent baseline. Loads this low may indicate detraining if sustained."
	case ratio <= zoneSweetSpotUpTo:
		return ZoneSweetSpot, "Training load is well balanced against your recent baseline."
	case ratio <= zoneElevatedUpTo:
		return ZoneElevated, "Training load is ramping up quickly. A sustained ramp may indicate elevated strain."
	default:
		return ZoneHigh, "Training load is far above your recent baseline. A spike this large may indicate elevated injury risk."
	}
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// round2 keeps reported loads readable without hiding meaningful deltas
func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
