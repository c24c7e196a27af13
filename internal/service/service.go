package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gold-monitor/internal/alerting"
	"gold-monitor/internal/config"
	"gold-monitor/internal/fluctuation"
	"gold-monitor/internal/scheduler"
	"gold-monitor/internal/source"
	"gold-monitor/internal/stats"
	"gold-monitor/internal/storage"
)

// ErrNoSnapshot is returned when no cycle has produced any price yet.
var ErrNoSnapshot = errors.New("no price snapshot available")

// Event names published to live subscribers.
const (
	EventPriceUpdate = "priceUpdate"
	EventAlert       = "alert"
)

const (
	testNotificationTitle = "测试通知"
	testNotificationBody  = "这是一条来自黄金监控的测试消息"
)

// Publisher fans events out to live subscribers.
type Publisher interface {
	Publish(event string, data any)
}

// Deps are the collaborators of the engine.
type Deps struct {
	Registry  *source.Registry
	Store     storage.StateStore
	Publisher Publisher
	// Extra notifiers receive every push next to the configured Bark endpoints.
	Extra []alerting.Notifier
}

// Options tune the engine.
type Options struct {
	Defaults        config.Settings
	MinInterval     time.Duration
	StartupDelay    time.Duration
	CycleTimeout    time.Duration
	FetchTimeout    time.Duration
	AdvisoryLockKey int64
	Location        *time.Location
	PushGroup       string
	PushTimeout     time.Duration
	QueueSize       int
	Now             func() time.Time
}

// Engine owns all mutable monitoring state: per-source stats, fluctuation
// windows, alert cooldowns, runtime settings and the latest snapshot.
type Engine struct {
	opts       Options
	registry   *source.Registry
	store      storage.StateStore
	locker     storage.AdvisoryLocker
	publisher  Publisher
	extra      []alerting.Notifier
	tracker    *stats.Tracker
	detector   *fluctuation.Detector
	throttle   *alerting.Throttle
	dispatcher *alerting.Dispatcher
	scheduler  *scheduler.Scheduler
	logger     zerolog.Logger

	settings   atomic.Pointer[config.Settings]
	notifier   atomic.Pointer[alerting.Fanout]
	settingsMu sync.Mutex
	cycleMu    sync.Mutex
	persistMu  sync.Mutex

	snapMu sync.RWMutex
	latest *Snapshot
}

// New restores the persisted state record (falling back to opts.Defaults)
// and constructs the engine.
func New(ctx context.Context, deps Deps, opts Options, logger zerolog.Logger) (*Engine, error) {
	if deps.Registry == nil || len(deps.Registry.Entries()) == 0 {
		return nil, fmt.Errorf("no sources registered")
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = scheduler.DefaultMinInterval
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 30 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		opts:      opts,
		registry:  deps.Registry,
		store:     deps.Store,
		publisher: deps.Publisher,
		extra:     deps.Extra,
		detector:  fluctuation.NewDetector(),
		throttle:  alerting.NewThrottle(),
		logger:    logger.With().Str("component", "engine").Logger(),
	}
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		e.locker = l
	}

	settings, seed := e.restore(ctx)
	e.tracker = stats.NewTracker(seed, opts.Location)
	e.storeSettings(settings)

	e.dispatcher = alerting.NewDispatcher(alertPublisher{e.publisher}, alerting.DispatcherOptions{
		QueueSize: opts.QueueSize,
		Timeout:   opts.PushTimeout,
	}, logger)
	e.scheduler = scheduler.New(scheduler.Options{
		Interval:     settings.Interval(),
		MinInterval:  opts.MinInterval,
		StartupDelay: opts.StartupDelay,
	}, logger)

	return e, nil
}

func (e *Engine) restore(ctx context.Context) (config.Settings, map[source.ID]stats.SourceStats) {
	defaults := e.opts.Defaults.Normalize(e.opts.MinInterval)
	if e.store == nil {
		return defaults, nil
	}

	state, err := e.store.Load(ctx)
	switch {
	case errors.Is(err, storage.ErrStateNotFound):
		e.logger.Info().Msg("no persisted state, starting from defaults")
		return defaults, nil
	case err != nil:
		e.logger.Warn().Err(err).Msg("failed to load persisted state, starting from defaults")
		return defaults, nil
	}

	settings := defaults
	if state.Settings != nil {
		restored := state.Settings.Normalize(e.opts.MinInterval)
		if err := restored.Validate(e.registry.IDs()); err != nil {
			e.logger.Warn().Err(err).Msg("persisted settings rejected, using defaults")
		} else {
			settings = restored
		}
	}
	e.logger.Info().Int("sources", len(state.Stats)).Msg("state restored")
	return settings, state.Stats
}

// Run drives periodic cycles and the push queue until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.dispatcher.Run(ctx) })
	g.Go(func() error {
		e.logger.Info().Dur("interval", e.scheduler.Interval()).Msg("monitoring started")
		return e.scheduler.Run(ctx, e.tick)
	})
	return g.Wait()
}

func (e *Engine) tick(ctx context.Context, at time.Time) error {
	if lag := time.Since(at); lag > e.scheduler.Interval() {
		e.logger.Warn().Time("scheduled", at).Dur("lag", lag).Msg("cycle started late")
	}
	_, err := e.RunCycle(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		e.logger.Warn().Msg("all sources failed and no previous snapshot exists")
		return nil
	}
	return err
}

// FetchNow runs an on-demand cycle, serialised with the periodic ones.
func (e *Engine) FetchNow(ctx context.Context) (Snapshot, error) {
	return e.RunCycle(ctx)
}

// RunCycle fetches every source, updates state, raises alerts and publishes
// the combined snapshot. When every source fails the previous snapshot is
// returned tagged stale.
func (e *Engine) RunCycle(ctx context.Context) (Snapshot, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.opts.CycleTimeout)
	defer cancel()

	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if !proceed {
		e.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return e.staleSnapshot()
	}
	if unlock != nil {
		defer unlock()
	}

	return e.executeCycle(ctx)
}

type fetchResult struct {
	quote source.Quote
	err   error
}

func (e *Engine) executeCycle(ctx context.Context) (Snapshot, error) {
	settings := e.Settings()
	entries := e.registry.Entries()
	results := e.fetchAll(ctx, entries)
	now := e.opts.Now()

	snap := Snapshot{
		Prices:    make(map[source.ID]PriceView, len(entries)),
		UpdatedAt: now,
	}
	statsChanged := false

	for i, entry := range entries {
		res := results[i]
		if res.err != nil {
			e.logger.Warn().Err(res.err).Str("source", string(entry.Meta.ID)).Msg("fetch failed, source skipped this cycle")
			if snap.Errors == nil {
				snap.Errors = make(map[source.ID]string)
			}
			snap.Errors[entry.Meta.ID] = res.err.Error()
			continue
		}

		view, changed := e.process(entry.Meta, res.quote, settings, now)
		statsChanged = statsChanged || changed
		snap.Prices[entry.Meta.ID] = view
	}

	if len(snap.Prices) == 0 {
		return e.staleSnapshot()
	}

	e.snapMu.Lock()
	stored := snap.clone()
	e.latest = &stored
	e.snapMu.Unlock()

	if e.publisher != nil {
		e.publisher.Publish(EventPriceUpdate, snap.clone())
	}
	if statsChanged {
		e.persist(ctx)
	}
	return snap, nil
}

// fetchAll queries every source concurrently; results keep registry order.
func (e *Engine) fetchAll(ctx context.Context, entries []source.Entry) []fetchResult {
	results := make([]fetchResult, len(entries))
	var g errgroup.Group
	for i, entry := range entries {
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
			defer cancel()

			q, err := entry.Fetcher.Fetch(fetchCtx)
			if err == nil && !q.Price.IsPositive() {
				err = fmt.Errorf("%w: non-positive price %s", source.ErrNoQuote, q.Price)
			}
			if err == nil {
				q.Source = entry.Meta.ID
				if q.ReceivedAt.IsZero() {
					q.ReceivedAt = e.opts.Now()
				}
			}
			results[i] = fetchResult{quote: q, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// process runs one sample through stats, threshold and fluctuation checks.
func (e *Engine) process(meta source.Meta, q source.Quote, settings config.Settings, now time.Time) (PriceView, bool) {
	st, changed := e.tracker.Update(meta.ID, q.Price, now, q.PrevClose)

	logger := e.logger.With().Str("source", string(meta.ID)).Str("price", q.Price.String()).Logger()
	logger.Debug().Msg("sample processed")

	notifier := e.currentNotifier()

	if alert, ok := alerting.ThresholdAlert(meta, q.Price, settings.LowThreshold, settings.HighThreshold, now); ok {
		if e.throttle.Allow(meta.ID, now, settings.Window()) {
			e.throttle.Record(meta.ID, now)
			e.dispatcher.Dispatch(alert, settings.NotifyChannel, notifier)
		} else {
			logger.Debug().Msg("threshold alert suppressed by cooldown")
		}
	}

	params := settings.FluctuationParams()
	if res := e.detector.Evaluate(meta.ID, q.Price, now, params); res.Triggered {
		logger.Info().Str("change", res.Change.String()).Str("reference", res.Reference.String()).Msg("fluctuation detected")
		e.dispatcher.Dispatch(alerting.FluctuationAlert(meta, q.Price, res, params, now), settings.NotifyChannel, notifier)
	}

	return buildView(meta, q, st), changed
}

func (e *Engine) staleSnapshot() (Snapshot, error) {
	snap, ok := e.Latest()
	if !ok {
		return Snapshot{}, ErrNoSnapshot
	}
	snap.Stale = true
	return snap, nil
}

// Latest returns the last snapshot produced by a cycle.
func (e *Engine) Latest() (Snapshot, bool) {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	if e.latest == nil {
		return Snapshot{}, false
	}
	return e.latest.clone(), true
}

// Settings returns a copy of the settings currently in effect.
func (e *Engine) Settings() config.Settings {
	return e.settings.Load().Clone()
}

// UpdateSettings merges patch into the current settings, persists the result
// and reschedules when the interval changed. Invalid patches leave the
// current settings in effect.
func (e *Engine) UpdateSettings(ctx context.Context, patch config.SettingsPatch) (config.Settings, error) {
	e.settingsMu.Lock()
	cur := e.Settings()
	next, err := config.ApplyPatch(cur, patch, e.opts.MinInterval, e.registry.IDs())
	if err != nil {
		e.settingsMu.Unlock()
		return cur, err
	}
	e.storeSettings(next)
	// rescheduling stays in store order
	if next.IntervalMs != cur.IntervalMs {
		e.scheduler.Reset(next.Interval())
	}
	e.settingsMu.Unlock()

	e.logger.Info().
		Int64("interval_ms", next.IntervalMs).
		Str("channel", next.NotifyChannel).
		Int("endpoints", len(next.BarkURLs)).
		Msg("settings updated")

	e.persist(ctx)
	return next, nil
}

func (e *Engine) storeSettings(s config.Settings) {
	s = s.Clone()
	e.settings.Store(&s)

	fanout := make(alerting.Fanout, 0, len(s.BarkURLs)+len(e.extra))
	for _, endpoint := range s.BarkURLs {
		fanout = append(fanout, alerting.NewBarkNotifier(endpoint, e.opts.PushGroup, e.opts.PushTimeout, e.logger))
	}
	fanout = append(fanout, e.extra...)
	e.notifier.Store(&fanout)
}

func (e *Engine) currentNotifier() alerting.Notifier {
	if f := e.notifier.Load(); f != nil && len(*f) > 0 {
		return *f
	}
	return nil
}

// TestNotification sends a fixed message straight to endpoint, or to the
// configured transport when endpoint is empty, bypassing throttle, channel
// filter and queue.
func (e *Engine) TestNotification(ctx context.Context, endpoint string) error {
	var notifier alerting.Notifier
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q is not an http(s) url", config.ErrInvalidSettings, endpoint)
		}
		notifier = alerting.NewBarkNotifier(endpoint, e.opts.PushGroup, e.opts.PushTimeout, e.logger)
	} else {
		notifier = e.currentNotifier()
	}
	if notifier == nil {
		return fmt.Errorf("%w: no notification endpoint configured", config.ErrInvalidSettings)
	}

	timeout := e.opts.PushTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return notifier.Notify(ctx, alerting.Notification{Title: testNotificationTitle, Body: testNotificationBody})
}

// Stats returns the daily stats of every source.
func (e *Engine) Stats() map[source.ID]stats.SourceStats {
	return e.tracker.Snapshot()
}

// LastAlert returns when the last threshold alert of id fired.
func (e *Engine) LastAlert(id source.ID) (time.Time, bool) {
	return e.throttle.LastFired(id)
}

// Window returns the fluctuation window of a source.
func (e *Engine) Window(id source.ID) []fluctuation.Sample {
	return e.detector.Window(id)
}

// Registry exposes the registered sources.
func (e *Engine) Registry() *source.Registry {
	return e.registry
}

// Interval returns the interval currently driving the scheduler.
func (e *Engine) Interval() time.Duration {
	return e.scheduler.Interval()
}

func (e *Engine) persist(ctx context.Context) {
	if e.store == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	// read under the lock: the last write carries the latest settings
	settings := e.Settings()
	state := storage.State{
		Settings:  &settings,
		Stats:     e.tracker.Snapshot(),
		UpdatedAt: e.opts.Now(),
	}
	if err := e.store.Save(ctx, state); err != nil {
		e.logger.Error().Err(err).Msg("failed to persist state")
	}
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.opts.AdvisoryLockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// alertPublisher forwards dispatched alerts to the live publisher.
type alertPublisher struct {
	p Publisher
}

func (a alertPublisher) BroadcastAlert(alert alerting.Alert) {
	if a.p != nil {
		a.p.Publish(EventAlert, alert)
	}
}
