package risk

import (
	"encoding/json"
	"testing"

	"github.com/exploopio/zapcontrol/pkg/shared/severity"
)

func TestScore_DefaultWeights(t *testing.T) {
	res := Score([]Scored{
		{Severity: severity.High, Confidence: severity.ConfidenceHigh},
		{Severity: severity.Medium, Confidence: severity.ConfidenceMed},
		{Severity: severity.Low, Confidence: severity.ConfidenceLow},
	}, DefaultWeights())

	if res.Score != 14.60 {
		t.Errorf("expected 14.60, got %v", res.Score)
	}
	want := severity.Counts{High: 1, Medium: 1, Low: 1, Info: 0}
	if res.Counts != want {
		t.Errorf("expected counts %+v, got %+v", want, res.Counts)
	}
}

func TestScore_Confidence(t *testing.T) {
	tests := []struct {
		name       string
		confidence severity.Confidence
		want       float64
	}{
		{"confirmed", severity.Confirmed, 10},
		{"high", severity.ConfidenceHigh, 10},
		{"medium", severity.ConfidenceMed, 8},
		{"low", severity.ConfidenceLow, 6},
		{"false positive", severity.FalsePositive, 0},
		{"unknown", severity.Confidence("Tentative"), 8},
		{"unset", severity.ConfidenceUnset, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Score([]Scored{{Severity: severity.High, Confidence: tt.confidence}}, DefaultWeights())
			if res.Score != tt.want {
				t.Errorf("expected %v, got %v", tt.want, res.Score)
			}
		})
	}
}

func TestScore_Empty(t *testing.T) {
	res := Score(nil, DefaultWeights())
	if res.Score != 0 || res.Counts.Total() != 0 {
		t.Errorf("expected zero result, got %+v", res)
	}
}

func TestScore_Rounding(t *testing.T) {
	w := Weights{severity.Low: 1}
	var findings []Scored
	for i := 0; i < 3; i++ {
		findings = append(findings, Scored{Severity: severity.Low, Confidence: severity.ConfidenceLow})
	}
	// 3 * 0.6 accumulates to 1.7999999999999998 in float64.
	if res := Score(findings, w); res.Score != 1.8 {
		t.Errorf("expected 1.8, got %v", res.Score)
	}
}

func TestResolveWeights(t *testing.T) {
	var fromJSON map[string]any
	if err := json.Unmarshal([]byte(`{
		"high": 20,
		"Medium": -3,
		"Low": 2.5,
		"informational": "4",
		"critical": 100
	}`), &fromJSON); err != nil {
		t.Fatal(err)
	}

	w := ResolveWeights(fromJSON)
	want := Weights{
		severity.High:   20, // override
		severity.Medium: 5,  // negative ignored
		severity.Low:    1,  // non-integer ignored
		severity.Info:   4,  // numeric string accepted
	}
	for level, v := range want {
		if w[level] != v {
			t.Errorf("%s: expected %d, got %d", level, v, w[level])
		}
	}
	if len(w) != 4 {
		t.Errorf("unknown severity key leaked into weights: %v", w)
	}
}

func TestResolveWeights_Nil(t *testing.T) {
	w := ResolveWeights(nil)
	if w.Get(severity.High) != 10 || w.Get(severity.Info) != 0 {
		t.Errorf("expected defaults, got %v", w)
	}
	m := w.Map()
	if m["High"] != 10 || m["Medium"] != 5 || m["Low"] != 1 || m["Info"] != 0 {
		t.Errorf("unexpected map %v", m)
	}
}
