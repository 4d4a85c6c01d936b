package derive

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runningcoach-garmin-sync/internal/database"
)

var acwrEndDate = time.Date(2025, 6, 28, 12, 0, 0, 0, time.UTC)

// activityOnDay builds a run of the given duration (minutes) on the day
// that many days before the end date
func activityOnDay(daysAgo int, durationMin float64, avgHr *float64) *database.NormalizedActivity {
	start := acwrEndDate.AddDate(0, 0, -daysAgo).Unix()
	return &database.NormalizedActivity{
		UserID:     "u1",
		ActivityID: fmt.Sprintf("act-%d", daysAgo),
		StartTime:  &start,
		DurationS:  durationMin * 60,
		AvgHr:      avgHr,
	}
}

func TestACWRSteadyLoad(t *testing.T) {
	// 28 consecutive days of identical 100-unit daily load
	var activities []*database.NormalizedActivity
	for d := 0; d < 28; d++ {
		activities = append(activities, activityOnDay(d, 100, nil))
	}

	result := ComputeACWR(activities, acwrEndDate)

	assert.Equal(t, 100.0, result.AcuteLoad7d)
	assert.Equal(t, 100.0, result.ChronicLoad28d)
	require.NotNil(t, result.ACWR)
	assert.Equal(t, 1.0, *result.ACWR)
	assert.Equal(t, ZoneSweetSpot, result.Zone)
	assert.Equal(t, ConfidenceHigh, result.Evidence.Confidence)
	assert.Empty(t, result.Evidence.Flags)
}

func TestACWRSparseDataSpikes(t *testing.T) {
	// Only 5 of the last 28 days have data, all within the acute window
	var activities []*database.NormalizedActivity
	for d := 0; d < 5; d++ {
		activities = append(activities, activityOnDay(d, 100, nil))
	}

	result := ComputeACWR(activities, acwrEndDate)

	assert.InDelta(t, 71.43, result.AcuteLoad7d, 0.01)
	assert.InDelta(t, 17.86, result.ChronicLoad28d, 0.01)
	require.NotNil(t, result.ACWR)
	assert.InDelta(t, 4.0, *result.ACWR, 0.01)
	assert.Equal(t, ZoneHigh, result.Zone)
	assert.Equal(t, ConfidenceLow, result.Evidence.Confidence)
	assert.Equal(t, 23, result.Evidence.MissingDays)
	assert.Contains(t, result.Evidence.Flags, "missing training data for 23 days")
}

func TestACWRZeroChronicLoadUndefinedRatio(t *testing.T) {
	result := ComputeACWR(nil, acwrEndDate)

	assert.Equal(t, 0.0, result.AcuteLoad7d)
	assert.Equal(t, 0.0, result.ChronicLoad28d)
	assert.Nil(t, result.ACWR, "ratio must be undefined, not a division result")
	assert.Equal(t, ConfidenceLow, result.Evidence.Confidence)
	assert.NotEmpty(t, result.Evidence.Flags)
}

func TestACWRHeartRateWeighting(t *testing.T) {
	easy := float64(117) // 0.9 x reference
	hard := float64(156) // 1.2 x reference

	easyResult := ComputeACWR([]*database.NormalizedActivity{activityOnDay(0, 60, &easy)}, acwrEndDate)
	hardResult := ComputeACWR([]*database.NormalizedActivity{activityOnDay(0, 60, &hard)}, acwrEndDate)

	assert.Greater(t, hardResult.AcuteLoad7d, easyResult.AcuteLoad7d)
	// 60 min x 1.2 spread over 7 days
	assert.InDelta(t, 60*1.2/7, hardResult.AcuteLoad7d, 0.01)
}

func TestACWRHeartRateFactorClamped(t *testing.T) {
	absurd := float64(999)
	result := ComputeACWR([]*database.NormalizedActivity{activityOnDay(0, 70, &absurd)}, acwrEndDate)

	// Factor caps at 2.0: 70 min x 2.0 / 7 days
	assert.InDelta(t, 20.0, result.AcuteLoad7d, 0.01)
}

func TestACWRUnderloadZone(t *testing.T) {
	// Heavy training three weeks ago, almost nothing recently
	var activities []*database.NormalizedActivity
	for d := 14; d < 28; d++ {
		activities = append(activities, activityOnDay(d, 100, nil))
	}
	activities = append(activities, activityOnDay(2, 10, nil))

	result := ComputeACWR(activities, acwrEndDate)

	require.NotNil(t, result.ACWR)
	assert.Less(t, *result.ACWR, 0.8)
	assert.Equal(t, ZoneUnderload, result.Zone)
}

func TestACWRIgnoresActivitiesOutsideWindow(t *testing.T) {
	activities := []*database.NormalizedActivity{
		activityOnDay(0, 100, nil),
		activityOnDay(30, 500, nil), // before the window
		activityOnDay(-1, 500, nil), // after the end date
	}

	result := ComputeACWR(activities, acwrEndDate)
	assert.InDelta(t, 100.0/7, result.AcuteLoad7d, 0.01)
	assert.Equal(t, 1, result.Evidence.DataPointsUsed)
}

func TestACWRActivitiesWithoutStartTimeSkipped(t *testing.T) {
	activities := []*database.NormalizedActivity{
		{UserID: "u1", ActivityID: "no-start", DurationS: 3600},
	}
	result := ComputeACWR(activities, acwrEndDate)
	assert.Equal(t, 0.0, result.ChronicLoad28d)
}
