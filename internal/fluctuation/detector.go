// Package fluctuation detects rapid price movement inside a trailing window.
package fluctuation

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gold-monitor/internal/source"
)

// Mode selects how the change against a window sample is measured.
type Mode string

const (
	ModePercent Mode = "percent"
	ModeValue   Mode = "value"
)

// ParseMode validates a textual mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePercent, ModeValue:
		return Mode(s), nil
	case "":
		return ModePercent, nil
	}
	return "", fmt.Errorf("unknown fluctuation mode %q", s)
}

// Direction of a detected move.
type Direction string

const (
	Rise Direction = "rise"
	Fall Direction = "fall"
)

var hundred = decimal.NewFromInt(100)

// Params is the per-cycle configuration of the detector.
type Params struct {
	Threshold decimal.Decimal
	Mode      Mode
	Window    time.Duration
}

// Sample is one retained (timestamp, price) pair.
type Sample struct {
	At    time.Time       `json:"at"`
	Price decimal.Decimal `json:"price"`
}

// Result describes the strongest move found against the window.
type Result struct {
	Triggered bool
	// Change is signed, in percent or price units depending on Mode.
	Change      decimal.Decimal
	Magnitude   decimal.Decimal
	Direction   Direction
	Reference   decimal.Decimal
	ReferenceAt time.Time
	// Compared is false when the window held no usable sample.
	Compared bool
}

// Detector owns one window per source.
type Detector struct {
	mu      sync.RWMutex
	windows map[source.ID][]Sample
}

// NewDetector constructs an empty detector.
func NewDetector() *Detector {
	return &Detector{windows: make(map[source.ID][]Sample)}
}

// Evaluate compares price against every sample retained for id, then appends
// (now, price). When the strongest move reaches the threshold the whole window
// is cleared, including the sample that caused it.
func (d *Detector) Evaluate(id source.ID, price decimal.Decimal, now time.Time, p Params) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	window := prune(d.windows[id], now, p.Window)

	var res Result
	for _, s := range window {
		diff := price.Sub(s.Price)
		change := diff
		if p.Mode != ModeValue {
			if s.Price.IsZero() {
				continue
			}
			change = diff.Div(s.Price).Mul(hundred)
		}
		if !res.Compared || change.Abs().GreaterThan(res.Magnitude) {
			res.Compared = true
			res.Change = change
			res.Magnitude = change.Abs()
			res.Reference = s.Price
			res.ReferenceAt = s.At
			if diff.IsPositive() {
				res.Direction = Rise
			} else {
				res.Direction = Fall
			}
		}
	}

	res.Triggered = res.Compared && p.Threshold.IsPositive() && res.Magnitude.GreaterThanOrEqual(p.Threshold)

	if res.Triggered {
		d.windows[id] = nil
		return res
	}
	d.windows[id] = append(window, Sample{At: now, Price: price})
	return res
}

// Window returns a copy of the samples retained for id.
func (d *Detector) Window(id source.ID) []Sample {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Sample, len(d.windows[id]))
	copy(out, d.windows[id])
	return out
}

// prune drops samples older than window relative to now; the input is ordered
// by time so the first retained index splits it.
func prune(samples []Sample, now time.Time, window time.Duration) []Sample {
	cut := 0
	for cut < len(samples) && now.Sub(samples[cut].At) > window {
		cut++
	}
	if cut == 0 {
		return samples
	}
	kept := make([]Sample, len(samples)-cut)
	copy(kept, samples[cut:])
	return kept
}
