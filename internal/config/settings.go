package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gold-monitor/internal/alerting"
	"gold-monitor/internal/fluctuation"
	"gold-monitor/internal/source"
)

// ErrInvalidSettings is wrapped by every runtime settings validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the runtime-mutable monitoring parameters.
type Settings struct {
	IntervalMs           int64            `json:"interval" yaml:"interval" mapstructure:"interval"`
	LowThreshold         decimal.Decimal  `json:"lowThreshold" yaml:"lowThreshold" mapstructure:"low_threshold"`
	HighThreshold        decimal.Decimal  `json:"highThreshold" yaml:"highThreshold" mapstructure:"high_threshold"`
	FluctuationThreshold decimal.Decimal  `json:"fluctuationThreshold" yaml:"fluctuationThreshold" mapstructure:"fluctuation_threshold"`
	FluctuationMode      fluctuation.Mode `json:"fluctuationMode" yaml:"fluctuationMode" mapstructure:"fluctuation_mode"`
	// FluctuationWindow is expressed in minutes.
	FluctuationWindow float64  `json:"fluctuationWindow" yaml:"fluctuationWindow" mapstructure:"fluctuation_window"`
	NotifyChannel     string   `json:"notifyChannel" yaml:"notifyChannel" mapstructure:"notify_channel"`
	BarkURLs          []string `json:"barkUrls" yaml:"barkUrls" mapstructure:"bark_urls"`
}

// DefaultSettings mirrors the values used when no state record exists.
func DefaultSettings() Settings {
	return Settings{
		IntervalMs:           5000,
		LowThreshold:         decimal.NewFromInt(600),
		HighThreshold:        decimal.NewFromInt(700),
		FluctuationThreshold: decimal.RequireFromString("0.5"),
		FluctuationMode:      fluctuation.ModePercent,
		FluctuationWindow:    5,
		NotifyChannel:        alerting.ChannelAll,
		BarkURLs:             []string{},
	}
}

// UnmarshalJSON accepts the legacy single barkUrl field.
func (s *Settings) UnmarshalJSON(data []byte) error {
	type plain Settings
	aux := struct {
		*plain
		BarkURL string `json:"barkUrl"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(s.BarkURLs) == 0 && strings.TrimSpace(aux.BarkURL) != "" {
		s.BarkURLs = []string{strings.TrimSpace(aux.BarkURL)}
	}
	return nil
}

// Interval returns the cycle interval.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// Window returns the fluctuation window and threshold cooldown length.
func (s Settings) Window() time.Duration {
	return time.Duration(s.FluctuationWindow * float64(time.Minute))
}

// FluctuationParams converts the settings into detector parameters.
func (s Settings) FluctuationParams() fluctuation.Params {
	return fluctuation.Params{
		Threshold: s.FluctuationThreshold,
		Mode:      s.FluctuationMode,
		Window:    s.Window(),
	}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.BarkURLs = append(make([]string, 0, len(s.BarkURLs)), s.BarkURLs...)
	return out
}

// Validate checks the settings. known restricts notifyChannel to "all" or one
// of the listed ids; nil accepts any known source id.
func (s Settings) Validate(known []source.ID) error {
	if s.IntervalMs <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidSettings)
	}
	if s.FluctuationWindow <= 0 {
		return fmt.Errorf("%w: fluctuationWindow must be positive", ErrInvalidSettings)
	}
	if _, err := fluctuation.ParseMode(string(s.FluctuationMode)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if s.LowThreshold.IsNegative() || s.HighThreshold.IsNegative() || s.FluctuationThreshold.IsNegative() {
		return fmt.Errorf("%w: thresholds cannot be negative", ErrInvalidSettings)
	}
	if s.LowThreshold.IsPositive() && s.HighThreshold.IsPositive() && s.LowThreshold.GreaterThan(s.HighThreshold) {
		return fmt.Errorf("%w: lowThreshold %s is above highThreshold %s", ErrInvalidSettings, s.LowThreshold, s.HighThreshold)
	}
	if err := validateChannel(s.NotifyChannel, known); err != nil {
		return err
	}
	for _, raw := range s.BarkURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: bark url %q must be an http(s) url", ErrInvalidSettings, raw)
		}
	}
	return nil
}

func validateChannel(channel string, known []source.ID) error {
	if channel == alerting.ChannelAll {
		return nil
	}
	if known == nil {
		if _, err := source.ParseID(channel); err != nil {
			return fmt.Errorf("%w: notifyChannel %q is not a source id", ErrInvalidSettings, channel)
		}
		return nil
	}
	for _, id := range known {
		if string(id) == channel {
			return nil
		}
	}
	return fmt.Errorf("%w: notifyChannel %q is not an enabled source", ErrInvalidSettings, channel)
}

// SettingsPatch is a partial update; nil fields keep the current value.
type SettingsPatch struct {
	IntervalMs           *int64           `json:"interval"`
	LowThreshold         *decimal.Decimal `json:"lowThreshold"`
	HighThreshold        *decimal.Decimal `json:"highThreshold"`
	FluctuationThreshold *decimal.Decimal `json:"fluctuationThreshold"`
	FluctuationMode      *string          `json:"fluctuationMode"`
	FluctuationWindow    *float64         `json:"fluctuationWindow"`
	NotifyChannel        *string          `json:"notifyChannel"`
	BarkURLs             []string         `json:"barkUrls"`
	// BarkURL is the legacy single-endpoint field.
	BarkURL *string `json:"barkUrl"`
}

// ApplyPatch merges patch into cur, clamps the interval to floor, normalises
// and validates the result. On error cur is untouched.
func ApplyPatch(cur Settings, patch SettingsPatch, floor time.Duration, known []source.ID) (Settings, error) {
	next := cur.Clone()

	if patch.IntervalMs != nil {
		next.IntervalMs = *patch.IntervalMs
	}
	if patch.LowThreshold != nil {
		next.LowThreshold = *patch.LowThreshold
	}
	if patch.HighThreshold != nil {
		next.HighThreshold = *patch.HighThreshold
	}
	if patch.FluctuationThreshold != nil {
		next.FluctuationThreshold = *patch.FluctuationThreshold
	}
	if patch.FluctuationMode != nil {
		mode, err := fluctuation.ParseMode(*patch.FluctuationMode)
		if err != nil {
			return cur, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
		next.FluctuationMode = mode
	}
	if patch.FluctuationWindow != nil {
		next.FluctuationWindow = *patch.FluctuationWindow
	}
	if patch.NotifyChannel != nil {
		next.NotifyChannel = *patch.NotifyChannel
	}
	switch {
	case patch.BarkURLs != nil:
		next.BarkURLs = append([]string(nil), patch.BarkURLs...)
	case patch.BarkURL != nil:
		next.BarkURLs = []string{*patch.BarkURL}
	}

	next = next.Normalize(floor)
	if err := next.Validate(known); err != nil {
		return cur, err
	}
	return next, nil
}

// Normalize trims free-form fields, drops empty endpoints and raises a
// positive interval below floor to floor.
func (s Settings) Normalize(floor time.Duration) Settings {
	out := s.Clone()
	out.NotifyChannel = strings.ToLower(strings.TrimSpace(out.NotifyChannel))
	if out.NotifyChannel == "" {
		out.NotifyChannel = alerting.ChannelAll
	}
	if out.FluctuationMode == "" {
		out.FluctuationMode = fluctuation.ModePercent
	}

	urls := make([]string, 0, len(out.BarkURLs))
	seen := make(map[string]bool)
	for _, raw := range out.BarkURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			continue
		}
		seen[raw] = true
		urls = append(urls, raw)
	}
	out.BarkURLs = urls

	if floorMs := floor.Milliseconds(); out.IntervalMs > 0 && out.IntervalMs < floorMs {
		out.IntervalMs = floorMs
	}
	return out
}
