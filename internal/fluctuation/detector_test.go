package fluctuation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gold-monitor/internal/source"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pct(threshold string) Params {
	return Params{Threshold: d(threshold), Mode: ModePercent, Window: 5 * time.Minute}
}

func TestRiseAboveThresholdTriggers(t *testing.T) {
	det := NewDetector()
	if res := det.Evaluate(source.CMB, d("100"), t0, pct("5")); res.Triggered || res.Compared {
		t.Fatalf("empty window cannot trigger: %+v", res)
	}

	res := det.Evaluate(source.CMB, d("106"), t0.Add(time.Minute), pct("5"))
	if !res.Triggered {
		t.Fatalf("6%% move should trigger: %+v", res)
	}
	if !res.Change.Equal(d("6")) || res.Direction != Rise || !res.Reference.Equal(d("100")) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if w := det.Window(source.CMB); len(w) != 0 {
		t.Fatalf("window must be empty after trigger, got %d samples", len(w))
	}
}

func TestBelowThresholdAppends(t *testing.T) {
	det := NewDetector()
	det.Evaluate(source.CMB, d("100"), t0, pct("5"))

	res := det.Evaluate(source.CMB, d("104"), t0.Add(time.Minute), pct("5"))
	if res.Triggered {
		t.Fatalf("4%% move must not trigger: %+v", res)
	}
	if !res.Change.Equal(d("4")) {
		t.Fatalf("unexpected change %s", res.Change)
	}
	w := det.Window(source.CMB)
	if len(w) != 2 || !w[1].Price.Equal(d("104")) {
		t.Fatalf("sample should be appended after evaluation: %+v", w)
	}
}

func TestFreshWindowAfterTrigger(t *testing.T) {
	det := NewDetector()
	det.Evaluate(source.CMB, d("100"), t0, pct("5"))
	det.Evaluate(source.CMB, d("106"), t0.Add(time.Minute), pct("5"))

	// sustained move stays above the original reference but the window restarted
	res := det.Evaluate(source.CMB, d("107"), t0.Add(2*time.Minute), pct("5"))
	if res.Triggered || res.Compared {
		t.Fatalf("the first sample after a trigger starts a fresh window: %+v", res)
	}
	if w := det.Window(source.CMB); len(w) != 1 || !w[0].Price.Equal(d("107")) {
		t.Fatalf("unexpected window %+v", w)
	}
}

func TestStrongestSampleWins(t *testing.T) {
	det := NewDetector()
	p := pct("5")
	det.Evaluate(source.CCB, d("100"), t0, p)
	det.Evaluate(source.CCB, d("96"), t0.Add(time.Minute), p)
	det.Evaluate(source.CCB, d("99"), t0.Add(2*time.Minute), p)

	// vs 100: +2%, vs 96: +6.25%, vs 99: +3.03%
	res := det.Evaluate(source.CCB, d("102"), t0.Add(3*time.Minute), p)
	if !res.Triggered || !res.Reference.Equal(d("96")) || !res.Change.Equal(d("6.25")) {
		t.Fatalf("spike inside the window should be found: %+v", res)
	}
}

func TestFallDirection(t *testing.T) {
	det := NewDetector()
	p := Params{Threshold: d("3"), Mode: ModeValue, Window: 5 * time.Minute}
	det.Evaluate(source.CMB, d("610"), t0, p)

	res := det.Evaluate(source.CMB, d("606.5"), t0.Add(time.Minute), p)
	if !res.Triggered || res.Direction != Fall || !res.Change.Equal(d("-3.5")) || !res.Magnitude.Equal(d("3.5")) {
		t.Fatalf("value-mode fall should trigger: %+v", res)
	}
}

func TestExpiredSamplesArePruned(t *testing.T) {
	det := NewDetector()
	p := pct("5")
	det.Evaluate(source.CMB, d("100"), t0, p)
	det.Evaluate(source.CMB, d("103"), t0.Add(4*time.Minute), p)

	// 100 is now 6 minutes old, 103 is 2 minutes old
	res := det.Evaluate(source.CMB, d("106"), t0.Add(6*time.Minute), p)
	if res.Triggered {
		t.Fatalf("expired reference must not be compared: %+v", res)
	}
	if !res.Reference.Equal(d("103")) {
		t.Fatalf("unexpected reference %s", res.Reference)
	}
	for _, s := range det.Window(source.CMB) {
		if t0.Add(6*time.Minute).Sub(s.At) > p.Window {
			t.Fatalf("window retains expired sample %+v", s)
		}
	}
}

func TestSampleExactlyAtWindowEdgeIsKept(t *testing.T) {
	det := NewDetector()
	p := pct("5")
	det.Evaluate(source.CMB, d("100"), t0, p)

	res := det.Evaluate(source.CMB, d("106"), t0.Add(5*time.Minute), p)
	if !res.Triggered {
		t.Fatalf("sample exactly W old is still in the window: %+v", res)
	}
}

func TestWindowsAreIndependentPerSource(t *testing.T) {
	det := NewDetector()
	p := pct("5")
	det.Evaluate(source.CMB, d("100"), t0, p)

	if res := det.Evaluate(source.CCB, d("200"), t0.Add(time.Minute), p); res.Compared {
		t.Fatalf("ccb must not see cmb samples: %+v", res)
	}
}

func TestZeroThresholdNeverTriggers(t *testing.T) {
	det := NewDetector()
	p := pct("0")
	det.Evaluate(source.CMB, d("100"), t0, p)
	if res := det.Evaluate(source.CMB, d("150"), t0.Add(time.Minute), p); res.Triggered {
		t.Fatalf("disabled detector triggered: %+v", res)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModePercent {
		t.Fatalf("empty mode should default to percent: %v %v", m, err)
	}
	if m, err := ParseMode("value"); err != nil || m != ModeValue {
		t.Fatalf("value mode: %v %v", m, err)
	}
	if _, err := ParseMode("ratio"); err == nil {
		t.Fatal("unknown mode should fail")
	}
}
