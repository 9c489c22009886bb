// Package severity provides the canonical severity and confidence levels used
// for scanner alerts, findings and risk scoring.
package severity

import "strings"

// Level represents a canonical severity level for findings.
type Level string

const (
	High   Level = "High"
	Medium Level = "Medium"
	Low    Level = "Low"
	Info   Level = "Info"
)

// AllLevels returns all severity levels in order of priority (highest first).
func AllLevels() []Level {
	return []Level{High, Medium, Low, Info}
}

// String returns the string representation of the severity level.
func (l Level) String() string {
	return string(l)
}

// Priority returns the numeric priority of the severity level.
// Higher numbers = higher priority.
func (l Level) Priority() int {
	switch l {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// IsHigherThan returns true if this severity is higher than the other.
func (l Level) IsHigherThan(other Level) bool {
	return l.Priority() > other.Priority()
}

// Parse resolves s through the alias table and reports whether it matched.
func Parse(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, true
	case "medium":
		return Medium, true
	case "low":
		return Low, true
	case "informational", "info":
		return Info, true
	default:
		return Info, false
	}
}

// FromString normalizes scanner severity strings through a fixed alias table.
// Unrecognized or empty values map to Info.
func FromString(s string) Level {
	l, _ := Parse(s)
	return l
}

// FromRiskCode maps ZAP's numeric riskcode (3..0) to a level.
func FromRiskCode(code string) Level {
	switch strings.TrimSpace(code) {
	case "3":
		return High
	case "2":
		return Medium
	case "1":
		return Low
	default:
		return Info
	}
}

// Max returns the higher severity of two levels.
func Max(a, b Level) Level {
	if a.IsHigherThan(b) {
		return a
	}
	return b
}

// =============================================================================
// Confidence
// =============================================================================

// Confidence is the scanner's certainty that an alert is real.
type Confidence string

const (
	Confirmed       Confidence = "Confirmed"
	ConfidenceHigh  Confidence = "High"
	ConfidenceMed   Confidence = "Medium"
	ConfidenceLow   Confidence = "Low"
	FalsePositive   Confidence = "False Positive"
	ConfidenceUnset Confidence = ""
)

// ConfidenceFromString normalizes confidence strings. Unknown values are kept
// verbatim (trimmed) so they remain visible; they score like Medium.
func ConfidenceFromString(s string) Confidence {
	v := strings.TrimSpace(s)
	switch strings.ToLower(strings.ReplaceAll(v, "_", " ")) {
	case "confirmed", "4":
		return Confirmed
	case "high", "3":
		return ConfidenceHigh
	case "medium", "2":
		return ConfidenceMed
	case "low", "1":
		return ConfidenceLow
	case "false positive", "falsepositive", "0":
		return FalsePositive
	default:
		return Confidence(v)
	}
}

// Multiplier returns the weight applied to a finding's severity weight.
func (c Confidence) Multiplier() float64 {
	switch ConfidenceFromString(string(c)) {
	case Confirmed, ConfidenceHigh:
		return 1.0
	case ConfidenceMed:
		return 0.8
	case ConfidenceLow:
		return 0.6
	case FalsePositive:
		return 0.0
	default:
		return 0.8
	}
}

// =============================================================================
// Counts
// =============================================================================

// Counts is a severity histogram.
type Counts struct {
	High   int `json:"High"`
	Medium int `json:"Medium"`
	Low    int `json:"Low"`
	Info   int `json:"Info"`
}

// Increment increases the count for the given severity.
func (c *Counts) Increment(level Level) {
	switch level {
	case High:
		c.High++
	case Medium:
		c.Medium++
	case Low:
		c.Low++
	default:
		c.Info++
	}
}

// Get returns the count for one level.
func (c Counts) Get(level Level) int {
	switch level {
	case High:
		return c.High
	case Medium:
		return c.Medium
	case Low:
		return c.Low
	default:
		return c.Info
	}
}

// Total returns the sum across all levels.
func (c Counts) Total() int {
	return c.High + c.Medium + c.Low + c.Info
}

// Map returns the histogram keyed by level name.
func (c Counts) Map() map[string]int {
	return map[string]int{
		string(High):   c.High,
		string(Medium): c.Medium,
		string(Low):    c.Low,
		string(Info):   c.Info,
	}
}
