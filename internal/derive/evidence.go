package derive

import "fmt"

// Confidence grades how much of the expected input window actually had
// data. Thin inputs never error; they degrade the grade instead
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Thresholds on populated days out of the 28-day window
const (
	highConfidenceDays   = 24
	mediumConfidenceDays = 18
)

// MedicalDisclaimer accompanies every derived result. The wording is a
// product and legal requirement; do not edit it casually
const MedicalDisclaimer = "Readiness and training load scores are wellness estimates, not medical advice. They may indicate recovery trends but cannot diagnose any condition. Consult a healthcare professional for medical concerns."

// Evidence annotates a derived metric with how complete its inputs were
type Evidence struct {
	WindowDays      int      `json:"windowDays"`
	DataPointsUsed  int      `json:"dataPointsUsed"`
	MissingDays     int      `json:"missingDays"`
	Confidence      Confidence `json:"confidence"`
	Flags           []string `json:"flags,omitempty"`
	UserExplanation string   `json:"userExplanation,omitempty"`
}

// BuildEvidence grades a window by populated-day count. dataKind names
// what was missing in user-facing text, e.g. "training data"
func BuildEvidence(windowDays, dataPointsUsed int, dataKind string) Evidence {
	e := Evidence{
		WindowDays:     windowDays,
		DataPointsUsed: dataPointsUsed,
		MissingDays:    windowDays - dataPointsUsed,
	}

	switch {
	case dataPointsUsed >= highConfidenceDays:
		e.Confidence = ConfidenceHigh
	case dataPointsUsed >= mediumConfidenceDays:
		e.Confidence = ConfidenceMedium
	default:
		e.Confidence = ConfidenceLow
	}

	if e.MissingDays > 0 {
		e.Flags = append(e.Flags, fmt.Sprintf("missing %s for %d days", dataKind, e.MissingDays))
	}

	switch e.Confidence {
	case ConfidenceHigh:
		e.UserExplanation = fmt.Sprintf("Based on %d of the last %d days.", dataPointsUsed, windowDays)
	case ConfidenceMedium:
		e.UserExplanation = fmt.Sprintf("Based on %d of the last %d days; some days had no %s.", dataPointsUsed, windowDays, dataKind)
	default:
		e.UserExplanation = fmt.Sprintf("Only %d of the last %d days had %s, so treat this result as a rough estimate.", dataPointsUsed, windowDays, dataKind)
	}

	return e
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
