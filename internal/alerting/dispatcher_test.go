package alerting

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gold-monitor/internal/fluctuation"
	"gold-monitor/internal/source"
)

var cmbMeta = source.Meta{ID: source.CMB, Name: "招商银行", Unit: "元/克"}

type recordingBroadcaster struct {
	mu     sync.Mutex
	alerts []Alert
}

func (b *recordingBroadcaster) BroadcastAlert(a Alert) {
	b.mu.Lock()
	b.alerts = append(b.alerts, a)
	b.mu.Unlock()
}

func TestThresholdAlert(t *testing.T) {
	now := time.Now()
	low, high := decimal.NewFromInt(600), decimal.NewFromInt(700)

	a, ok := ThresholdAlert(cmbMeta, decimal.NewFromInt(600), low, high, now)
	if !ok || !strings.Contains(a.Title, "价格过低预警") || a.Category != CategoryThreshold {
		t.Fatalf("price equal to low must alert: %+v", a)
	}
	a, ok = ThresholdAlert(cmbMeta, decimal.NewFromInt(705), low, high, now)
	if !ok || !strings.Contains(a.Title, "价格过高预警") {
		t.Fatalf("price above high must alert: %+v", a)
	}
	if _, ok := ThresholdAlert(cmbMeta, decimal.NewFromInt(650), low, high, now); ok {
		t.Fatal("price inside the band must not alert")
	}
	if _, ok := ThresholdAlert(cmbMeta, decimal.NewFromInt(1), decimal.Zero, decimal.Zero, now); ok {
		t.Fatal("zero bounds disable threshold alerts")
	}
}

func TestFluctuationAlertTitle(t *testing.T) {
	p := fluctuation.Params{Threshold: decimal.NewFromInt(1), Mode: fluctuation.ModePercent, Window: 5 * time.Minute}
	res := fluctuation.Result{
		Triggered: true,
		Change:    decimal.RequireFromString("-1.5"),
		Direction: fluctuation.Fall,
		Reference: decimal.NewFromInt(600),
	}
	a := FluctuationAlert(cmbMeta, decimal.NewFromInt(591), res, p, time.Now())
	if !strings.Contains(a.Title, "价格暴跌预警") {
		t.Fatalf("unexpected title %q", a.Title)
	}
	if !strings.Contains(a.Body, "-1.50%") || !strings.Contains(a.Body, "5 分钟") {
		t.Fatalf("unexpected body %q", a.Body)
	}
	if a.Category != CategoryFluctuation {
		t.Fatalf("unexpected category %s", a.Category)
	}
}

func TestChannelAllows(t *testing.T) {
	cases := []struct {
		channel string
		id      source.ID
		want    bool
	}{
		{"all", source.CMB, true},
		{"", source.CCB, true},
		{"cmb", source.CMB, true},
		{"cmb", source.CCB, false},
	}
	for _, tc := range cases {
		if got := ChannelAllows(tc.channel, tc.id); got != tc.want {
			t.Fatalf("ChannelAllows(%q, %s) = %v", tc.channel, tc.id, got)
		}
	}
}

func TestThrottle(t *testing.T) {
	th := NewThrottle()
	now := time.Now()
	if !th.Allow(source.CMB, now, time.Minute) {
		t.Fatal("first alert must be allowed")
	}
	th.Record(source.CMB, now)
	if th.Allow(source.CMB, now.Add(30*time.Second), time.Minute) {
		t.Fatal("alert inside cooldown must be suppressed")
	}
	if !th.Allow(source.CCB, now.Add(30*time.Second), time.Minute) {
		t.Fatal("cooldown is per source")
	}
	if !th.Allow(source.CMB, now.Add(time.Minute), time.Minute) {
		t.Fatal("alert after cooldown must be allowed")
	}
}

func TestDispatcherFiltersPushButAlwaysBroadcasts(t *testing.T) {
	b := &recordingBroadcaster{}
	disp := NewDispatcher(b, DispatcherOptions{QueueSize: 4}, testLogger())

	sent := make(chan Notification, 4)
	notifier := notifierFunc(func(ctx context.Context, n Notification) error {
		sent <- n
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = disp.Run(ctx) }()

	alert := Alert{Title: "[建设银行] 价格过高预警", Source: source.CCB, Category: CategoryThreshold}
	if disp.Dispatch(alert, "cmb", notifier) {
		t.Fatal("ccb alert must not be pushed when the channel is cmb")
	}
	if !disp.Dispatch(alert, "all", notifier) {
		t.Fatal("channel all should queue the push")
	}

	select {
	case n := <-sent:
		if n.Title != alert.Title {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("push was not delivered")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.alerts) != 2 {
		t.Fatalf("both alerts should be broadcast, got %d", len(b.alerts))
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	disp := NewDispatcher(nil, DispatcherOptions{QueueSize: 1}, testLogger())
	notifier := notifierFunc(func(ctx context.Context, n Notification) error { return nil })

	alert := Alert{Title: "t", Source: source.CMB}
	if !disp.Dispatch(alert, ChannelAll, notifier) {
		t.Fatal("first push should be queued")
	}
	if disp.Dispatch(alert, ChannelAll, notifier) {
		t.Fatal("full queue must drop instead of blocking")
	}
	if disp.Pending() != 1 {
		t.Fatalf("unexpected pending %d", disp.Pending())
	}
}
