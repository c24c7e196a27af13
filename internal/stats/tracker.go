// Package stats keeps per-source daily high/low and yesterday's archive.
package stats

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gold-monitor/internal/source"
)

// DateLayout is the calendar-day key stored in SourceStats.Date.
const DateLayout = "2006-01-02"

// SourceStats is the daily statistics record of one source. Unset fields are
// represented by Valid=false rather than numeric placeholders.
type SourceStats struct {
	High      decimal.NullDecimal `json:"high"`
	Low       decimal.NullDecimal `json:"low"`
	Date      string              `json:"date"`
	PrevClose decimal.NullDecimal `json:"prevClose"`
	PrevHigh  decimal.NullDecimal `json:"prevHigh"`
	PrevLow   decimal.NullDecimal `json:"prevLow"`
	LastPrice decimal.NullDecimal `json:"lastPrice"`
}

// Equal reports field-wise equality.
func (s SourceStats) Equal(o SourceStats) bool {
	return s.Date == o.Date &&
		nullEqual(s.High, o.High) &&
		nullEqual(s.Low, o.Low) &&
		nullEqual(s.PrevClose, o.PrevClose) &&
		nullEqual(s.PrevHigh, o.PrevHigh) &&
		nullEqual(s.PrevLow, o.PrevLow) &&
		nullEqual(s.LastPrice, o.LastPrice)
}

// Baseline is the previous close used to express today's change: the
// upstream-supplied value when present, otherwise the archived one.
func (s SourceStats) Baseline(override decimal.NullDecimal) decimal.NullDecimal {
	if override.Valid {
		return override
	}
	return s.PrevClose
}

// Tracker maintains SourceStats for every source. Mutation happens only from
// the engine cycle; the mutex guards concurrent readers (HTTP, CLI).
type Tracker struct {
	mu    sync.RWMutex
	stats map[source.ID]SourceStats
	loc   *time.Location
}

// NewTracker seeds the tracker with previously persisted records. A nil
// location means the process-local zone.
func NewTracker(initial map[source.ID]SourceStats, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	stats := make(map[source.ID]SourceStats, len(initial))
	for id, s := range initial {
		stats[id] = s
	}
	return &Tracker{stats: stats, loc: loc}
}

// Update folds one price sample into the stats of id and reports whether any
// field changed. prevClose, when valid, replaces LastPrice as the archived
// close on rollover.
func (t *Tracker) Update(id source.ID, price decimal.Decimal, now time.Time, prevClose decimal.NullDecimal) (SourceStats, bool) {
	today := now.In(t.loc).Format(DateLayout)

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, exists := t.stats[id]
	next := prev

	switch {
	case !exists || prev.Date == "":
		// first sample ever: nothing to archive
		next.High = valid(price)
		next.Low = valid(price)
		next.Date = today
	case prev.Date != today:
		if prevClose.Valid {
			next.PrevClose = prevClose
		} else if prev.LastPrice.Valid {
			next.PrevClose = prev.LastPrice
		}
		if prev.High.Valid {
			next.PrevHigh = prev.High
		}
		if prev.Low.Valid {
			next.PrevLow = prev.Low
		}
		next.High = valid(price)
		next.Low = valid(price)
		next.Date = today
	default:
		if !next.High.Valid || price.GreaterThan(next.High.Decimal) {
			next.High = valid(price)
		}
		if !next.Low.Valid || price.LessThan(next.Low.Decimal) {
			next.Low = valid(price)
		}
	}
	next.LastPrice = valid(price)

	changed := !exists || !next.Equal(prev)
	t.stats[id] = next
	return next, changed
}

// Get returns the stats for id.
func (t *Tracker) Get(id source.ID) (SourceStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[id]
	return s, ok
}

// Snapshot copies all records, e.g. for persistence.
func (t *Tracker) Snapshot() map[source.ID]SourceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[source.ID]SourceStats, len(t.stats))
	for id, s := range t.stats {
		out[id] = s
	}
	return out
}

func valid(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
