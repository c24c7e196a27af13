package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gold-monitor/internal/alerting"
	"gold-monitor/internal/config"
	"gold-monitor/internal/hub"
	"gold-monitor/internal/server"
	"gold-monitor/internal/service"
	"gold-monitor/internal/source"
	"gold-monitor/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newRegistry registers the adapters listed in sources.enabled, in order.
func (a *App) newRegistry() (*source.Registry, error) {
	cfg := a.Config.Sources
	reg := source.NewRegistry()

	for _, id := range a.Config.EnabledSources() {
		var f source.Fetcher
		switch id {
		case source.CMB:
			f = source.NewCMB(source.CMBOptions{
				URL:       cfg.CMB.URL,
				Referer:   cfg.CMB.Referer,
				Timeout:   cfg.Timeout,
				UserAgent: cfg.UserAgent,
			}, a.Logger)
		case source.CCB:
			f = source.NewCCB(source.CCBOptions{
				SessionURL: cfg.CCB.SessionURL,
				PriceURL:   cfg.CCB.PriceURL,
				Referer:    cfg.CCB.Referer,
				Timeout:    cfg.Timeout,
				UserAgent:  cfg.UserAgent,
			}, a.Logger)
		case source.IntlCNY, source.IntlUSD:
			f = source.NewIntl(id, source.IntlOptions{
				BaseURL:   cfg.Intl.BaseURL,
				Code:      cfg.Intl.Code,
				Referer:   cfg.Intl.Referer,
				Timeout:   cfg.Timeout,
				UserAgent: cfg.UserAgent,
				Calc:      id == source.IntlCNY,
			}, a.Logger)
		case source.Chainlink:
			f = source.NewChainlink(source.ChainlinkOptions{
				RPCURL:     cfg.Chainlink.RPCURL,
				Aggregator: cfg.Chainlink.Aggregator,
				Decimals:   cfg.Chainlink.Decimals,
				Timeout:    cfg.Timeout,
			}, a.Logger)
		default:
			return nil, fmt.Errorf("no adapter for source %q", id)
		}
		if err := reg.Register(source.KnownMeta[id], f); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// extraNotifiers returns the transports configured outside runtime settings.
func (a *App) extraNotifiers() []alerting.Notifier {
	var out []alerting.Notifier
	if tg := a.Config.Alerting.Telegram; tg.Enabled {
		out = append(out, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, a.Config.Alerting.Timeout, a.Logger))
	}
	return out
}

func (a *App) engineOptions() (service.Options, error) {
	loc, err := a.Config.Location()
	if err != nil {
		return service.Options{}, err
	}
	return service.Options{
		Defaults:        a.Config.Defaults,
		MinInterval:     a.Config.Scheduler.MinInterval,
		StartupDelay:    a.Config.Scheduler.StartupDelay,
		CycleTimeout:    a.Config.Scheduler.CycleTimeout,
		FetchTimeout:    a.Config.Sources.Timeout,
		AdvisoryLockKey: a.Config.Scheduler.AdvisoryLockKey,
		Location:        loc,
		PushGroup:       a.Config.Alerting.Group,
		PushTimeout:     a.Config.Alerting.Timeout,
		QueueSize:       a.Config.Alerting.QueueSize,
	}, nil
}

// newEngine wires an engine over the configured sources and store.
func (a *App) newEngine(ctx context.Context, store storage.StateStore, pub service.Publisher) (*service.Engine, error) {
	reg, err := a.newRegistry()
	if err != nil {
		return nil, err
	}
	opts, err := a.engineOptions()
	if err != nil {
		return nil, err
	}
	return service.New(ctx, service.Deps{
		Registry:  reg,
		Store:     store,
		Publisher: pub,
		Extra:     a.extraNotifiers(),
	}, opts, a.Logger)
}

func (a *App) openStore(ctx context.Context) (storage.StateStore, func(), error) {
	store, err := storage.Open(ctx, a.Config, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close state store")
		}
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service: the engine, the live
// feed hub and the admin HTTP server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	feed := hub.New(hub.Options{ReplayTypes: []string{service.EventPriceUpdate}}, a.Logger)
	engine, err := a.newEngine(ctx, store, feed)
	if err != nil {
		return err
	}
	feed.SetHandler(func(ctx context.Context, msg hub.ClientMessage) error {
		if msg.Type != hub.CommandFetch {
			return fmt.Errorf("unsupported command %q", msg.Type)
		}
		_, err := engine.FetchNow(context.WithoutCancel(ctx))
		return err
	})

	srv := server.New(a.Config.Server, engine, feed, a.Logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	a.Logger.Info().
		Strs("sources", a.Config.Sources.Enabled).
		Str("addr", a.Config.Server.Addr).
		Str("storage", a.Config.Storage.Driver).
		Msg("starting monitoring service")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}
