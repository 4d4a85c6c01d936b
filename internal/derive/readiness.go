package derive

import (
	"fmt"
	"math"
	"sort"
	"time"

	"runningcoach-garmin-sync/internal/database"
)

// Component weights. Renormalized when a signal is absent so a user
// without, say, HRV data still gets a score from what they do have
const (
	weightHrv    = 0.30
	weightSleep  = 0.35
	weightRhr    = 0.20
	weightStress = 0.15
)

// Readiness tiers by score
const (
	TierLow      = "low"
	TierModerate = "moderate"
	TierHigh     = "high"
)

const (
	tierModerateFrom = 50
	tierHighFrom     = 75
)

// Component names as exposed to consumers
const (
	ComponentHrv    = "hrv"
	ComponentSleep  = "sleep"
	ComponentRhr    = "resting_hr"
	ComponentStress = "stress"
)

var allComponents = []string{ComponentHrv, ComponentSleep, ComponentRhr, ComponentStress}

// Component is one signal's contribution to the readiness score
type Component struct {
	Name   string   `json:"name"`
	Score  float64  `json:"score"`
	Weight float64  `json:"weight"`
	Value  *float64 `json:"value,omitempty"`
}

// ReadinessResult is the recovery summary for one user at one end date
type ReadinessResult struct {
	Score          int         `json:"score"`
	State          string      `json:"state"`
	Label          string      `json:"label"`
	Components     []Component `json:"components"`
	Drivers        []string    `json:"drivers"`
	MissingSignals []string    `json:"missingSignals"`
	UnderRecovery  bool        `json:"underRecovery"`
	Evidence       Evidence    `json:"evidence"`
	Disclaimer     string      `json:"disclaimer"`
}

// ComputeReadiness blends HRV, sleep, resting-HR trend, and stress into
// a 0-100 score for the day ending the 28-day window. The timeline
// always has 28 slots; missing days stay null and only degrade the
// confidence grade
func ComputeReadiness(signals []*database.DailySignal, endDate time.Time) ReadinessResult {
	end := truncateDay(endDate)
	windowStart := end.AddDate(0, 0, -(chronicWindowDays - 1))

	byDay := make(map[string]*database.DailySignal, len(signals))
	for _, s := range signals {
		byDay[s.Day] = s
	}

	timeline := make([]*database.DailySignal, chronicWindowDays)
	populated := 0
	for i := 0; i < chronicWindowDays; i++ {
		day := windowStart.AddDate(0, 0, i).Format("2006-01-02")
		if s, ok := byDay[day]; ok {
			timeline[i] = s
			if s.HasSignal() {
				populated++
			}
		}
	}

	today := timeline[chronicWindowDays-1]

	var components []Component
	if c := hrvComponent(timeline, today); c != nil {
		components = append(components, *c)
	}
	if c := sleepComponent(today); c != nil {
		components = append(components, *c)
	}
	if c := rhrComponent(timeline, today); c != nil {
		components = append(components, *c)
	}
	if c := stressComponent(today); c != nil {
		components = append(components, *c)
	}

	result := ReadinessResult{
		Components:     components,
		MissingSignals: missingSignals(components),
		Evidence:       BuildEvidence(chronicWindowDays, populated, "wellness data"),
		Disclaimer:     MedicalDisclaimer,
	}

	if len(components) == 0 {
		result.Score = 0
		result.State = TierLow
		result.Label = "Not enough recent data to assess readiness. More days of wearable data may indicate a clearer picture."
		result.Evidence.Confidence = ConfidenceLow
		return result
	}

	var weightedSum, totalWeight float64
	for _, c := range components {
		weightedSum += c.Score * c.Weight
		totalWeight += c.Weight
	}
	score := int(math.Round(clamp(weightedSum/totalWeight, 0, 100)))

	result.Score = score
	result.State = classifyTier(score)
	result.Label = tierLabel(result.State)
	result.UnderRecovery = score < tierModerateFrom
	result.Drivers = buildDrivers(components)

	return result
}

func classifyTier(score int) string {
	switch {
	case score >= tierHighFrom:
		return TierHigh
	case score >= tierModerateFrom:
		return TierModerate
	default:
		return TierLow
	}
}

// tierLabel phrases findings as possibilities, never diagnoses. The
// "may indicate" wording is a product requirement
func tierLabel(tier string) string {
	switch tier {
	case TierHigh:
		return "Your recovery signals may indicate you are ready for quality training."
	case TierModerate:
		return "Your recovery signals may indicate partial recovery. Moderate training should be fine."
	default:
		return "Your recovery signals may indicate incomplete recovery. An easier day could help."
	}
}

// hrvComponent scores today's HRV as a z-score against the 28-day
// baseline, clamped to three standard deviations and mapped to 0-100
// with the baseline mean at 50
func hrvComponent(timeline []*database.DailySignal, today *database.DailySignal) *Component {
	if today == nil || today.Hrv == nil {
		return nil
	}

	var values []float64
	for _, s := range timeline {
		if s != nil && s.Hrv != nil {
			values = append(values, *s.Hrv)
		}
	}
	if len(values) < 2 {
		return &Component{Name: ComponentHrv, Score: 50, Weight: weightHrv, Value: today.Hrv}
	}

	mean, stddev := meanStddev(values)

	z := 0.0
	if stddev > 0 {
		z = clamp((*today.Hrv-mean)/stddev, -3, 3)
	}
	score := 50 + z/3*50

	return &Component{Name: ComponentHrv, Score: score, Weight: weightHrv, Value: today.Hrv}
}

func sleepComponent(today *database.DailySignal) *Component {
	if today == nil || today.SleepScore == nil {
		return nil
	}
	score := clamp(*today.SleepScore, 0, 100)
	return &Component{Name: ComponentSleep, Score: score, Weight: weightSleep, Value: today.SleepScore}
}

// rhrComponent scores today's resting HR against the trailing 7-day
// average (today excluded). Below baseline scores above 50, capped at a
// six-beat swing either way
func rhrComponent(timeline []*database.DailySignal, today *database.DailySignal) *Component {
	if today == nil || today.RestingHr == nil {
		return nil
	}

	var baseline []float64
	for i := len(timeline) - acuteWindowDays - 1; i < len(timeline)-1; i++ {
		if i < 0 {
			continue
		}
		if s := timeline[i]; s != nil && s.RestingHr != nil {
			baseline = append(baseline, *s.RestingHr)
		}
	}
	if len(baseline) == 0 {
		return &Component{Name: ComponentRhr, Score: 50, Weight: weightRhr, Value: today.RestingHr}
	}

	var sum float64
	for _, v := range baseline {
		sum += v
	}
	delta := clamp(*today.RestingHr-sum/float64(len(baseline)), -6, 6)
	score := 50 - delta/6*50

	return &Component{Name: ComponentRhr, Score: score, Weight: weightRhr, Value: today.RestingHr}
}

func stressComponent(today *database.DailySignal) *Component {
	if today == nil || today.Stress == nil {
		return nil
	}
	score := 100 - clamp(*today.Stress, 0, 100)
	return &Component{Name: ComponentStress, Score: score, Weight: weightStress, Value: today.Stress}
}

func missingSignals(components []Component) []string {
	present := make(map[string]bool, len(components))
	for _, c := range components {
		present[c.Name] = true
	}

	missing := []string{}
	for _, name := range allComponents {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// buildDrivers describes the components pulling the score furthest from
// neutral, strongest first
func buildDrivers(components []Component) []string {
	sorted := make([]Component, len(components))
	copy(sorted, components)
	sort.Slice(sorted, func(i, j int) bool {
		return math.Abs(sorted[i].Score-50) > math.Abs(sorted[j].Score-50)
	})

	var drivers []string
	for _, c := range sorted {
		if math.Abs(c.Score-50) < 10 {
			continue
		}
		direction := "supporting recovery"
		if c.Score < 50 {
			direction = "weighing on recovery"
		}
		drivers = append(drivers, fmt.Sprintf("%s is %s", componentNoun(c.Name), direction))
	}
	return drivers
}

func componentNoun(name string) string {
	switch name {
	case ComponentHrv:
		return "heart rate variability"
	case ComponentSleep:
		return "sleep quality"
	case ComponentRhr:
		return "resting heart rate"
	case ComponentStress:
		return "stress level"
	default:
		return name
	}
}

func meanStddev(values []float64) (mean, stddev float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return mean, math.Sqrt(sumSq / float64(len(values)))
}
