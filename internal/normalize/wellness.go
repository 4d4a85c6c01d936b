package normalize

import (
	"time"

	"runningcoach-garmin-sync/internal/database"
)

// Per-dataset candidate tables for the wellness extractor
var (
	calendarDateKeys = []string{"calendarDate", "summaryDate", "date"}

	restingHrKeys   = []string{"restingHeartRateInBeatsPerMinute", "restingHeartRate", "restingHr"}
	dailyStressKeys = []string{"averageStressLevel", "avgStressLevel", "stressLevel"}
	bodyBatteryKeys = []string{"bodyBatteryHighestValue", "bodyBatteryMostRecentValue", "bodyBattery"}
	sleepScoreKeys  = []string{"overallSleepScore", "sleepScore", "sleepScoreValue"}
	hrvKeys         = []string{"lastNightAvg", "avgOvernightHrv", "hrvValue", "hrv"}
	spo2Keys        = []string{"averageSpo2", "avgSaturation", "spo2"}
)

// ExtractDailySignals converts one dataset's records into per-day signal
// rows carrying only the fields that dataset provides. Records without a
// resolvable calendar day are skipped. Callers merge the result so
// datasets arriving in any order converge
func ExtractDailySignals(datasetKey, userID string, records []RawRecord) []*database.DailySignal {
	var signals []*database.DailySignal

	for _, raw := range records {
		day := extractDay(raw)
		if day == "" {
			continue
		}

		s := &database.DailySignal{UserID: userID, Day: day}

		switch datasetKey {
		case "dailies":
			s.RestingHr = raw.Float(restingHrKeys...)
			s.Stress = raw.Float(dailyStressKeys...)
			s.BodyBattery = raw.Float(bodyBatteryKeys...)
		case "sleeps":
			s.SleepScore = raw.Float(sleepScoreKeys...)
		case "hrv":
			s.Hrv = raw.Float(hrvKeys...)
		case "stressDetails":
			s.Stress = raw.Float(dailyStressKeys...)
		case "pulseOx":
			s.Spo2 = raw.Float(spo2Keys...)
		default:
			continue
		}

		if !s.HasSignal() && s.Spo2 == nil {
			continue
		}
		signals = append(signals, s)
	}

	return signals
}

// extractDay resolves the calendar day for a record: an explicit date
// field when present, else the UTC day of the record's start timestamp
func extractDay(raw RawRecord) string {
	if day := raw.String(calendarDateKeys...); day != nil && len(*day) >= 10 {
		return (*day)[:10]
	}
	if start := raw.Float(startTimeKeys...); start != nil {
		return time.Unix(int64(*start), 0).UTC().Format("2006-01-02")
	}
	return ""
}
