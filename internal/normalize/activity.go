package normalize

import (
	"encoding/json"
	"log/slog"

	"runningcoach-garmin-sync/internal/database"
	"runningcoach-garmin-sync/internal/metrics"
)

// Candidate key tables per concept. Kept as data so an upstream field
// rename is a table edit, not a logic change
var (
	activityIDKeys     = []string{"summaryId", "activityId", "activityID", "id"}
	startTimeKeys      = []string{"startTimeInSeconds", "startTime", "startTimeOffsetInSeconds"}
	sportKeys          = []string{"activityType", "sport", "activityName"}
	durationKeys       = []string{"durationInSeconds", "duration", "movingDurationInSeconds"}
	distanceMetersKeys = []string{"distanceInMeters"}
	distanceKmKeys     = []string{"distance", "distanceInKilometers"}
	avgHrKeys          = []string{"averageHeartRateInBeatsPerMinute", "averageHR", "avgHr"}
	maxHrKeys          = []string{"maxHeartRateInBeatsPerMinute", "maxHR", "maxHr"}
	avgPaceKeys        = []string{"averagePaceInMinutesPerKilometer", "averagePace", "avgPace"}
	elevationKeys      = []string{"totalElevationGainInMeters", "elevationGainInMeters", "elevationGain"}
	caloriesKeys       = []string{"activeKilocalories", "calories", "kilocalories"}
)

// NormalizeActivity converts one upstream activity payload into the
// canonical row. Returns nil when the payload carries no stable activity
// identifier: without an idempotency key the record cannot be stored
// safely, so it is discarded rather than retried
func NormalizeActivity(raw RawRecord, userID string) *database.NormalizedActivity {
	activityID := raw.String(activityIDKeys...)
	if activityID == nil {
		metrics.ActivitiesNormalizedTotal.WithLabelValues(metrics.ResultDropped).Inc()
		slog.Debug("discarding activity payload without stable id", "user_id", userID)
		return nil
	}

	a := &database.NormalizedActivity{
		UserID:         userID,
		ActivityID:     *activityID,
		Sport:          raw.String(sportKeys...),
		AvgHr:          raw.Float(avgHrKeys...),
		MaxHr:          raw.Float(maxHrKeys...),
		AvgPace:        raw.Float(avgPaceKeys...),
		ElevationGainM: raw.Float(elevationKeys...),
		Calories:       raw.Float(caloriesKeys...),
		DistanceM:      extractDistanceMeters(raw),
	}

	if start := raw.Float(startTimeKeys...); start != nil {
		t := int64(*start)
		a.StartTime = &t
	}
	if duration := raw.Float(durationKeys...); duration != nil {
		a.DurationS = *duration
	}

	if rawJSON, err := json.Marshal(raw); err == nil {
		a.RawJSON = string(rawJSON)
	}

	metrics.ActivitiesNormalizedTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	return a
}

// extractDistanceMeters prefers an explicit meters field, falling back
// to a km field converted x1000 and rounded to 2 decimals
func extractDistanceMeters(raw RawRecord) *float64 {
	if meters := raw.Float(distanceMetersKeys...); meters != nil {
		v := round2(*meters)
		return &v
	}
	if km := raw.Float(distanceKmKeys...); km != nil {
		v := round2(*km * 1000)
		return &v
	}
	return nil
}
