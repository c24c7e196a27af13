package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gold-monitor/internal/config"
	"gold-monitor/internal/source"
	"gold-monitor/internal/stats"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrStateNotFound is returned by Load when no state record exists yet.
	ErrStateNotFound = errors.New("storage: state record not found")
)

// State is the single durable record: runtime settings plus the daily
// stats of every source.
type State struct {
	Settings  *config.Settings                `json:"settings,omitempty"`
	Stats     map[source.ID]stats.SourceStats `json:"priceStats"`
	UpdatedAt time.Time                       `json:"updatedAt"`
}

// StateStore loads and saves the state record.
type StateStore interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
	Close() error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

func encodeState(state State) ([]byte, error) {
	if state.Stats == nil {
		state.Stats = map[source.ID]stats.SourceStats{}
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return payload, nil
}

func decodeState(payload []byte) (State, error) {
	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	if state.Stats == nil {
		state.Stats = map[source.ID]stats.SourceStats{}
	}
	return state, nil
}
