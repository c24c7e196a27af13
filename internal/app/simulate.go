package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gold-monitor/internal/alerting"
	"gold-monitor/internal/chart"
	"gold-monitor/internal/fluctuation"
	"gold-monitor/internal/service"
	"gold-monitor/internal/source"
)

// SimulateOptions describe an offline price series.
type SimulateOptions struct {
	Source  source.ID
	Prices  []decimal.Decimal
	Step    time.Duration
	Start   time.Time
	PNGPath string
	CSVPath string
}

// Simulate feeds a price series through the detection pipeline without any
// network access and reports the alerts it would raise. Pushes are disabled.
func (a *App) Simulate(ctx context.Context, out io.Writer, opts SimulateOptions) error {
	if len(opts.Prices) == 0 {
		return errors.New("at least one price is required")
	}
	if opts.Step <= 0 {
		return errors.New("step must be positive")
	}
	meta, ok := source.KnownMeta[opts.Source]
	if !ok {
		return fmt.Errorf("unknown source %q", opts.Source)
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().Truncate(time.Minute)
	}

	var (
		mu  sync.Mutex
		idx int
		now = opts.Start
	)
	reg := source.NewRegistry()
	err := reg.Register(meta, source.FetcherFunc(func(ctx context.Context) (source.Quote, error) {
		mu.Lock()
		defer mu.Unlock()
		return source.Quote{Price: opts.Prices[idx], ReceivedAt: now}, nil
	}))
	if err != nil {
		return err
	}

	engineOpts, err := a.engineOptions()
	if err != nil {
		return err
	}
	engineOpts.Defaults.BarkURLs = nil
	engineOpts.StartupDelay = 0
	engineOpts.AdvisoryLockKey = 0
	engineOpts.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	alerts := &alertCollector{}
	engine, err := service.New(ctx, service.Deps{Registry: reg, Publisher: alerts}, engineOpts, a.Logger)
	if err != nil {
		return err
	}

	settings := engine.Settings()
	fmt.Fprintf(out, "simulating %d samples for %s every %s (low %s, high %s, fluctuation %s %s over %s)\n",
		len(opts.Prices), meta.Name, opts.Step,
		settings.LowThreshold, settings.HighThreshold,
		settings.FluctuationThreshold, settings.FluctuationMode, settings.Window())

	samples := make([]fluctuation.Sample, 0, len(opts.Prices))
	for i, price := range opts.Prices {
		mu.Lock()
		idx = i
		now = opts.Start.Add(time.Duration(i) * opts.Step)
		at := now
		mu.Unlock()

		seen := alerts.count()
		if _, err := engine.RunCycle(ctx); err != nil {
			return err
		}
		samples = append(samples, fluctuation.Sample{At: at, Price: price})

		for _, alert := range alerts.since(seen) {
			fmt.Fprintf(out, "%s  %-8s %s  %s: %s\n", at.Format("15:04:05"), price.StringFixed(2), alert.Category, alert.Title, alert.Body)
		}
	}

	total := alerts.count()
	fmt.Fprintf(out, "%d alert(s) raised\n", total)

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return chart.WriteCSV(w, samples) }); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		chartOpts := chart.Options{Title: meta.Name, Unit: meta.Unit}
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return chart.RenderPNG(w, samples, chartOpts) }); err != nil {
			return err
		}
	}
	return nil
}

// alertCollector records alerts published by the engine.
type alertCollector struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (c *alertCollector) Publish(event string, data any) {
	if event != service.EventAlert {
		return
	}
	alert, ok := data.(alerting.Alert)
	if !ok {
		return
	}
	c.mu.Lock()
	c.alerts = append(c.alerts, alert)
	c.mu.Unlock()
}

func (c *alertCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func (c *alertCollector) since(n int) []alerting.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alerting.Alert(nil), c.alerts[n:]...)
}

func writeFile(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
