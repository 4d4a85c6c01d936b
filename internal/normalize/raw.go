package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// RawRecord is one upstream JSON object, shape unknown. Extraction is
// tolerant: field names vary across Garmin API versions, so each concept
// maps to an ordered candidate list resolved first-match-wins, with a
// nested {"value": ...} object as a secondary fallback
type RawRecord map[string]any

// Lookup returns the first non-nil value among the candidate keys. When
// the matched value is itself an object, its "value" field is returned
// instead (several wellness datasets wrap scalars that way)
func (r RawRecord) Lookup(candidates ...string) (any, bool) {
	for _, key := range candidates {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		if nested, isMap := v.(map[string]any); isMap {
			inner, ok := nested["value"]
			if !ok || inner == nil {
				continue
			}
			return inner, true
		}
		return v, true
	}
	return nil, false
}

// Float extracts a finite numeric value. Accepts JSON numbers and
// numeric strings; anything unparsable or non-finite yields nil
func (r RawRecord) Float(candidates ...string) *float64 {
	v, ok := r.Lookup(candidates...)
	if !ok {
		return nil
	}
	return parseFloat(v)
}

// String extracts a string value, stringifying numeric ids as Garmin
// sometimes sends them
func (r RawRecord) String(candidates ...string) *string {
	v, ok := r.Lookup(candidates...)
	if !ok {
		return nil
	}

	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil
		}
		return &s
	case float64:
		s := strconv.FormatFloat(val, 'f', -1, 64)
		return &s
	case json.Number:
		s := val.String()
		return &s
	default:
		return nil
	}
}

func parseFloat(v any) *float64 {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// round2 rounds to 2 decimal places, the precision unit conversions keep
func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
