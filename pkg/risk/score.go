// Package risk computes weighted, confidence-adjusted risk scores and
// records immutable risk snapshots.
package risk

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/shared/severity"
)

// Weights maps each severity to its score weight.
type Weights map[severity.Level]int

// DefaultWeights returns High=10, Medium=5, Low=1, Info=0.
func DefaultWeights() Weights {
	return Weights{
		severity.High:   10,
		severity.Medium: 5,
		severity.Low:    1,
		severity.Info:   0,
	}
}

// Get returns the weight of a level, or 0 when unset.
func (w Weights) Get(l severity.Level) int {
	return w[l]
}

// Map returns the weights keyed by level name, for persistence.
func (w Weights) Map() map[string]int {
	out := make(map[string]int, len(w))
	for _, l := range severity.AllLevels() {
		out[string(l)] = w[l]
	}
	return out
}

// ResolveWeights applies admin overrides on top of the defaults. Keys go
// through the severity alias table; values must be non-negative integers
// (numbers or numeric strings). Anything else is ignored for that key.
func ResolveWeights(raw map[string]any) Weights {
	w := DefaultWeights()
	for key, val := range raw {
		level, ok := severity.Parse(key)
		if !ok {
			continue
		}
		n, ok := weightValue(val)
		if !ok {
			continue
		}
		w[level] = n
	}
	return w
}

func weightValue(v any) (int, bool) {
	var f float64
	switch x := v.(type) {
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case float64:
		f = x
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		f = float64(parsed)
	default:
		return 0, false
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// Scored is the part of a finding the scorer looks at.
type Scored struct {
	Severity   severity.Level
	Confidence severity.Confidence
}

// Result is a score with its severity histogram.
type Result struct {
	Score  float64         `json:"risk_score"`
	Counts severity.Counts `json:"counts_by_severity"`
}

// Score sums weight(severity) * multiplier(confidence) over findings and
// rounds to two decimals.
func Score(findings []Scored, w Weights) Result {
	var r Result
	var total float64
	for _, f := range findings {
		level := severity.FromString(string(f.Severity))
		r.Counts.Increment(level)
		total += float64(w.Get(level)) * f.Confidence.Multiplier()
	}
	r.Score = Round(total)
	return r
}

// Round rounds to two decimal places.
func Round(x float64) float64 {
	return math.Round(x*100) / 100
}

// FromFindings adapts findings for scoring.
func FromFindings(findings []*model.Finding) []Scored {
	out := make([]Scored, len(findings))
	for i, f := range findings {
		out[i] = Scored{Severity: f.Severity, Confidence: f.Confidence}
	}
	return out
}
