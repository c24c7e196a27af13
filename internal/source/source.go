package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ID identifies one upstream price origin.
type ID string

const (
	CMB       ID = "cmb"
	CCB       ID = "ccb"
	IntlCNY   ID = "intl_cny"
	IntlUSD   ID = "intl_usd"
	Chainlink ID = "chainlink"
)

var (
	// ErrSessionExpired is returned by adapters whose upstream rejected the session twice in a row.
	ErrSessionExpired = errors.New("source: session expired")
	// ErrNoQuote indicates the upstream answered without a usable price.
	ErrNoQuote = errors.New("source: no quote in response")
)

// Quote is one normalized sample from a source.
type Quote struct {
	Source     ID                  `json:"source"`
	Price      decimal.Decimal     `json:"price"`
	Buy        decimal.NullDecimal `json:"buy"`
	Sell       decimal.NullDecimal `json:"sell"`
	Open       decimal.NullDecimal `json:"open"`
	High       decimal.NullDecimal `json:"high"`
	Low        decimal.NullDecimal `json:"low"`
	PrevClose  decimal.NullDecimal `json:"prevClose"`
	RawTime    string              `json:"time"`
	ReceivedAt time.Time           `json:"receivedAt"`
	Raw        json.RawMessage     `json:"-"`
}

// Fetcher retrieves the current quote from one upstream.
type Fetcher interface {
	Fetch(ctx context.Context) (Quote, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (Quote, error)

// Fetch calls f(ctx).
func (f FetcherFunc) Fetch(ctx context.Context) (Quote, error) { return f(ctx) }

// Meta carries display metadata for a source.
type Meta struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// Entry binds an adapter to its metadata.
type Entry struct {
	Meta    Meta
	Fetcher Fetcher
}

// Registry maps source identifiers to adapters. Order of registration is the
// processing order of a cycle.
type Registry struct {
	entries []Entry
	index   map[ID]int
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[ID]int)}
}

// Register adds an adapter; registering the same id twice is an error.
func (r *Registry) Register(meta Meta, f Fetcher) error {
	if meta.ID == "" {
		return errors.New("source id must not be empty")
	}
	if f == nil {
		return fmt.Errorf("source %s: fetcher must not be nil", meta.ID)
	}
	if _, ok := r.index[meta.ID]; ok {
		return fmt.Errorf("source %s already registered", meta.ID)
	}
	r.index[meta.ID] = len(r.entries)
	r.entries = append(r.entries, Entry{Meta: meta, Fetcher: f})
	return nil
}

// Entries returns registered adapters in registration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Lookup finds an entry by id.
func (r *Registry) Lookup(id ID) (Entry, bool) {
	i, ok := r.index[id]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Has reports whether id is registered.
func (r *Registry) Has(id ID) bool {
	_, ok := r.index[id]
	return ok
}

// IDs lists the registered identifiers, sorted.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.entries))
	for _, e := range r.entries {
		ids = append(ids, e.Meta.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// KnownMeta is the display metadata of every adapter this binary ships.
var KnownMeta = map[ID]Meta{
	CMB:       {ID: CMB, Name: "招商银行", Unit: "CNY/g"},
	CCB:       {ID: CCB, Name: "建设银行", Unit: "CNY/g"},
	IntlCNY:   {ID: IntlCNY, Name: "国际金价 (人民币)", Unit: "CNY/g"},
	IntlUSD:   {ID: IntlUSD, Name: "国际金价 (美元)", Unit: "USD/oz"},
	Chainlink: {ID: Chainlink, Name: "Chainlink XAU/USD", Unit: "USD/oz"},
}

// ParseID normalises a textual source identifier.
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := KnownMeta[id]; !ok {
		return "", fmt.Errorf("unknown source %q", s)
	}
	return id, nil
}

// looseDecimal accepts upstream numbers encoded either as JSON numbers or
// strings; empty strings and null decode as unset.
type looseDecimal struct {
	decimal.NullDecimal
}

func (l *looseDecimal) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	s = strings.Trim(s, `"`)
	if s == "" || s == "null" || s == "-" || s == "--" {
		l.Valid = false
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("parse decimal %q: %w", s, err)
	}
	l.Decimal = d
	l.Valid = true
	return nil
}

// clock part of "2006-01-02 15:04:05[.000]"
func timeOfDay(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndex(raw, " "); i >= 0 {
		raw = raw[i+1:]
	}
	if i := strings.Index(raw, "."); i >= 0 {
		raw = raw[:i]
	}
	return raw
}
