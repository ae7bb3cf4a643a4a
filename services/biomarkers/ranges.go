package biomarkers

import (
	"regexp"
	"strconv"
	"strings"
)

// Statuses of a measurement against its reference range.
const (
	StatusLow     = "low"
	StatusNormal  = "normal"
	StatusHigh    = "high"
	StatusUnknown = "unknown"
)

// Range is a reference interval; a nil bound is open. Bounds are inclusive.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// number allows a sign: base excess and similar markers have negative bounds.
const number = `(-?\d+(?:\.\d+)?)`

var (
	betweenRe = regexp.MustCompile(`^` + number + `\s*-\s*` + number)
	upperRe   = regexp.MustCompile(`^(?:<|до)\s*` + number)
	lowerRe   = regexp.MustCompile(`^(?:>|от|более)\s*` + number)
	valueRe   = regexp.MustCompile(`^[<>]?\s*(-?\d+(?:\.\d+)?)`)
	rangeRepl = strings.NewReplacer(
		"–", "-", "—", "-", "−", "-", "..", "-",
		"≤", "<", "≥", ">", "<=", "<", ">=", ">",
		",", ".",
	)
)

// ParseRange parses "a-b", "a – b", "a..b", "<b", "≤b", ">a", "≥a" and the
// Russian "до b" / "от a" forms, with a decimal point or comma and negative
// bounds ("-2 - 2"). Trailing units are ignored.
func ParseRange(s string) (Range, bool) {
	s = strings.ToLower(strings.TrimSpace(rangeRepl.Replace(s)))
	if s == "" {
		return Range{}, false
	}
	if m := betweenRe.FindStringSubmatch(s); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		if lo > hi {
			return Range{}, false
		}
		return Range{Min: &lo, Max: &hi}, true
	}
	if m := upperRe.FindStringSubmatch(s); m != nil {
		hi, _ := strconv.ParseFloat(m[1], 64)
		return Range{Max: &hi}, true
	}
	if m := lowerRe.FindStringSubmatch(s); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		return Range{Min: &lo}, true
	}
	return Range{}, false
}

// ParseValue reads the numeric part of a reported value ("5,4", "<0.1", "12 g/L").
func ParseValue(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	m := valueRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	return v, err == nil
}

// Status classifies v.
func (r Range) Status(v float64) string {
	switch {
	case r.Min == nil && r.Max == nil:
		return StatusUnknown
	case r.Min != nil && v < *r.Min:
		return StatusLow
	case r.Max != nil && v > *r.Max:
		return StatusHigh
	}
	return StatusNormal
}

// Midpoint is the target value of the range: the centre of a closed range
// or the bound of a one-sided one.
func (r Range) Midpoint() (float64, bool) {
	switch {
	case r.Min != nil && r.Max != nil:
		return (*r.Min + *r.Max) / 2, true
	case r.Max != nil:
		return *r.Max, true
	case r.Min != nil:
		return *r.Min, true
	}
	return 0, false
}

// Evaluate parses raw against referenceRange. Value is nil for non-numeric input.
func Evaluate(raw, referenceRange string) (value *float64, status string) {
	v, ok := ParseValue(raw)
	if !ok {
		return nil, StatusUnknown
	}
	rng, ok := ParseRange(referenceRange)
	if !ok {
		return &v, StatusUnknown
	}
	return &v, rng.Status(v)
}
