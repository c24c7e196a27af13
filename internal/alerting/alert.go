package alerting

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gold-monitor/internal/fluctuation"
	"gold-monitor/internal/source"
)

// Category distinguishes the throttle policy of an alert.
type Category string

const (
	CategoryThreshold   Category = "threshold"
	CategoryFluctuation Category = "fluctuation"
)

// ChannelAll routes external pushes for every source.
const ChannelAll = "all"

// Alert is the structured event produced for every dispatched alert.
type Alert struct {
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Source   source.ID `json:"source"`
	Category Category  `json:"category"`
	Time     time.Time `json:"time"`
}

// Notification renders the alert for an external channel.
func (a Alert) Notification() Notification {
	return Notification{Title: a.Title, Body: a.Body}
}

// ChannelAllows reports whether the configured channel filter lets an alert
// of id reach the external transport.
func ChannelAllows(channel string, id source.ID) bool {
	channel = strings.TrimSpace(channel)
	return channel == "" || channel == ChannelAll || channel == string(id)
}

// ThresholdAlert builds the alert for a price at or beyond an absolute bound.
// A non-positive bound disables that side.
func ThresholdAlert(meta source.Meta, price, low, high decimal.Decimal, now time.Time) (Alert, bool) {
	switch {
	case low.IsPositive() && price.LessThanOrEqual(low):
		return Alert{
			Title:    fmt.Sprintf("[%s] 价格过低预警", meta.Name),
			Body:     fmt.Sprintf("当前价格 %s 低于设定阈值 %s", price.String(), low.String()),
			Source:   meta.ID,
			Category: CategoryThreshold,
			Time:     now,
		}, true
	case high.IsPositive() && price.GreaterThanOrEqual(high):
		return Alert{
			Title:    fmt.Sprintf("[%s] 价格过高预警", meta.Name),
			Body:     fmt.Sprintf("当前价格 %s 高于设定阈值 %s", price.String(), high.String()),
			Source:   meta.ID,
			Category: CategoryThreshold,
			Time:     now,
		}, true
	}
	return Alert{}, false
}

// FluctuationAlert builds the alert for a triggered detector result.
func FluctuationAlert(meta source.Meta, price decimal.Decimal, res fluctuation.Result, p fluctuation.Params, now time.Time) Alert {
	kind := "暴涨"
	if res.Direction == fluctuation.Fall {
		kind = "暴跌"
	}
	change := res.Change.StringFixed(2)
	if p.Mode != fluctuation.ModeValue {
		change += "%"
	}
	return Alert{
		Title:    fmt.Sprintf("[%s] 价格%s预警", meta.Name, kind),
		Body:     fmt.Sprintf("过去 %s 分钟内%s %s (参考: %s, 当前: %s)", formatMinutes(p.Window), kind, change, res.Reference.String(), price.String()),
		Source:   meta.ID,
		Category: CategoryFluctuation,
		Time:     now,
	}
}

func formatMinutes(d time.Duration) string {
	return decimal.NewFromFloat(d.Minutes()).String()
}

// Throttle records when the last threshold alert of each source fired.
type Throttle struct {
	mu   sync.Mutex
	last map[source.ID]time.Time
}

// NewThrottle constructs an empty throttle.
func NewThrottle() *Throttle {
	return &Throttle{last: make(map[source.ID]time.Time)}
}

// Allow reports whether a threshold alert for id may fire at now.
func (t *Throttle) Allow(id source.ID, now time.Time, cooldown time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[id]
	return !ok || now.Sub(last) >= cooldown
}

// Record stores now as the last dispatch time of id.
func (t *Throttle) Record(id source.ID, now time.Time) {
	t.mu.Lock()
	t.last[id] = now
	t.mu.Unlock()
}

// LastFired returns the last dispatch time of id.
func (t *Throttle) LastFired(id source.ID) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[id]
	return last, ok
}
