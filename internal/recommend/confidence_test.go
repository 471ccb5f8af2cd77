package recommend

import (
	"math"
	"strings"
	"testing"

	"codetop/internal/profile"
)

func testCalibrator(cfg ConfidenceConfig) *ConfidenceCalibrator {
	return NewConfidenceCalibrator(cfg, profile.NewTagMapper(profile.DefaultTagDomains()))
}

func TestCalibrateScoresSignals(t *testing.T) {
	c := testCalibrator(DefaultConfidenceConfig())
	items := []Item{
		{ProblemID: 101, Score: 0.745, LLMScore: 0.9, Reason: "needs work"},
		{ProblemID: 103, Score: 0.425, LLMScore: 0.7, Reason: "next step"},
	}

	out := c.Calibrate(items, poolIndex(testPool()), testProfile(), 1.0)
	if len(out) != 2 {
		t.Fatalf("Calibrate returned %d items, want 2", len(out))
	}

	// 101: llm .9, depth 6/10, relevance 2/2, accuracy .4, consensus 1, fill 1.
	// .3*.9 + .2*.6 + .15*1 + .15*.4 + .1*1 + .1*1 = 0.80
	if math.Abs(out[0].Confidence-0.80) > 1e-9 {
		t.Fatalf("101 confidence = %.4f, want 0.80", out[0].Confidence)
	}
	if out[0].Label != LabelHigh {
		t.Fatalf("101 label = %q, want %q", out[0].Label, LabelHigh)
	}
	if !strings.HasPrefix(out[0].Reason, "[High Confidence] ") {
		t.Fatalf("101 reason = %q, want the confidence prefix", out[0].Reason)
	}

	// 103: llm .7, no attempts (depth 0, neutral accuracy .5), unknown
	// domain (relevance 0), consensus .5, fill 1.
	// .3*.7 + .15*.5 + .1*.5 + .1*1 = 0.435
	if math.Abs(out[1].Confidence-0.435) > 1e-9 {
		t.Fatalf("103 confidence = %.4f, want 0.435", out[1].Confidence)
	}
	if out[1].Label != LabelLow {
		t.Fatalf("103 label = %q, want %q", out[1].Label, LabelLow)
	}
}

func TestCalibrateDropsBelowMinimumShow(t *testing.T) {
	c := testCalibrator(DefaultConfidenceConfig())
	items := []Item{{ProblemID: 103, LLMScore: 0, Reason: "weak signal"}}

	// llm 0, depth 0, relevance 0, accuracy .5, consensus .8, fill 0:
	// .15*.5 + .1*.8 = 0.155, under the 0.2 floor.
	out := c.Calibrate(items, poolIndex(testPool()), testProfile(), 0)
	if len(out) != 0 {
		t.Fatalf("Calibrate kept %d items, want the low-confidence item dropped", len(out))
	}
}

func TestCalibrateLabelThresholds(t *testing.T) {
	c := testCalibrator(DefaultConfidenceConfig())
	cases := []struct {
		score float64
		want  string
	}{
		{0.80, LabelHigh},
		{0.75, LabelHigh},
		{0.60, LabelMedium},
		{0.50, LabelMedium},
		{0.40, LabelLow},
		{0.34, LabelLow},
		{0.30, LabelVeryLow},
	}
	for _, tc := range cases {
		if got := c.label(tc.score); got != tc.want {
			t.Fatalf("label(%.2f) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestCalibrateWithoutReasonPrefix(t *testing.T) {
	cfg := DefaultConfidenceConfig()
	cfg.IncludeInReason = false
	c := testCalibrator(cfg)

	out := c.Calibrate([]Item{{ProblemID: 101, LLMScore: 0.9, Reason: "needs work"}}, poolIndex(testPool()), testProfile(), 1)
	if len(out) != 1 || out[0].Reason != "needs work" {
		t.Fatalf("Reason = %q, want it untouched", out[0].Reason)
	}
	if out[0].Label == "" {
		t.Fatalf("label missing even though calibration ran")
	}
}

func TestCalibrateDisabledReturnsInputs(t *testing.T) {
	cfg := DefaultConfidenceConfig()
	cfg.Enabled = false
	c := testCalibrator(cfg)

	items := []Item{{ProblemID: 101, Reason: "as is"}}
	out := c.Calibrate(items, poolIndex(testPool()), testProfile(), 1)
	if len(out) != 1 || out[0].Confidence != 0 || out[0].Reason != "as is" {
		t.Fatalf("disabled Calibrate altered items: %+v", out)
	}
}

func TestConfidenceConfigValidate(t *testing.T) {
	if err := DefaultConfidenceConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := DefaultConfidenceConfig()
	bad.Weights.Consensus = 0.5
	if err := bad.Validate(); err == nil {
		t.Fatalf("Validate accepted weights summing past 1")
	}

	bad = DefaultConfidenceConfig()
	bad.MediumThreshold = 0.9
	if err := bad.Validate(); err == nil {
		t.Fatalf("Validate accepted unordered thresholds")
	}
}
