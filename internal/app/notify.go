package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"gold-monitor/internal/config"
	"gold-monitor/internal/storage"
)

// Notify sends the test push to endpoint, or to every configured transport
// when endpoint is empty.
func (a *App) Notify(ctx context.Context, out io.Writer, endpoint string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := a.newEngine(ctx, store, nil)
	if err != nil {
		return err
	}
	if err := engine.TestNotification(ctx, endpoint); err != nil {
		return err
	}
	fmt.Fprintln(out, "测试通知已发送")
	return nil
}

// EffectiveSettings returns the persisted runtime settings when a valid
// record exists, otherwise the configured defaults.
func (a *App) EffectiveSettings(ctx context.Context) (config.Settings, error) {
	defaults := a.Config.Defaults.Normalize(a.Config.Scheduler.MinInterval)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return config.Settings{}, err
	}
	defer closeStore()

	state, err := store.Load(ctx)
	switch {
	case errors.Is(err, storage.ErrStateNotFound):
		return defaults, nil
	case err != nil:
		return config.Settings{}, err
	}
	if state.Settings == nil {
		return defaults, nil
	}

	restored := state.Settings.Normalize(a.Config.Scheduler.MinInterval)
	if err := restored.Validate(a.Config.EnabledSources()); err != nil {
		a.Logger.Warn().Err(err).Msg("persisted settings rejected, showing defaults")
		return defaults, nil
	}
	return restored, nil
}

// PrintSettings writes the effective settings as YAML.
func (a *App) PrintSettings(ctx context.Context, out io.Writer) error {
	settings, err := a.EffectiveSettings(ctx)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return err
	}
	return enc.Close()
}
