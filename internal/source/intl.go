package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// IntlOptions parameterise the international spot fetcher.
type IntlOptions struct {
	BaseURL   string
	Code      string
	Referer   string
	Timeout   time.Duration
	UserAgent string
	// Calc asks the upstream for the CNY-per-gram conversion instead of USD/oz.
	Calc bool
}

// Intl fetches international spot gold from the quote-center feed.
type Intl struct {
	id     ID
	opts   IntlOptions
	logger zerolog.Logger
	client *http.Client
	now    func() time.Time
}

// NewIntl constructs an international spot fetcher reporting under id.
func NewIntl(id ID, opts IntlOptions, logger zerolog.Logger) *Intl {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Code == "" {
		opts.Code = "JO_92233"
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &Intl{
		id:     id,
		opts:   opts,
		logger: logger.With().Str("component", "source_intl").Str("source", string(id)).Logger(),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Fetch retrieves and decodes the realTime quote for the configured code.
func (i *Intl) Fetch(ctx context.Context) (Quote, error) {
	if i.opts.BaseURL == "" {
		return Quote{}, fmt.Errorf("intl base url not configured")
	}

	u, err := url.Parse(i.opts.BaseURL)
	if err != nil {
		return Quote{}, fmt.Errorf("parse intl url: %w", err)
	}
	q := u.Query()
	q.Set("codes", i.opts.Code)
	if i.opts.Calc {
		q.Set("isCalc", "true")
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("User-Agent", i.opts.UserAgent)
	if i.opts.Referer != "" {
		req.Header.Set("Referer", i.opts.Referer)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("intl api error (%d)", resp.StatusCode)
	}

	rec, raw, err := parseIntlPayload(payload, i.opts.Code)
	if err != nil {
		return Quote{}, err
	}
	if !rec.Price.Valid {
		return Quote{}, ErrNoQuote
	}

	return Quote{
		Source:     i.id,
		Price:      rec.Price.Decimal,
		Open:       rec.Open.NullDecimal,
		High:       rec.High.NullDecimal,
		Low:        rec.Low.NullDecimal,
		PrevClose:  rec.Close.NullDecimal,
		RawTime:    intlTime(rec.Time),
		ReceivedAt: i.now(),
		Raw:        raw,
	}, nil
}

// parseIntlPayload extracts the object literal from a "var x = {...};" body.
func parseIntlPayload(payload []byte, code string) (intlRecord, json.RawMessage, error) {
	start := bytes.IndexByte(payload, '{')
	end := bytes.LastIndexByte(payload, '}')
	if start < 0 || end <= start {
		return intlRecord{}, nil, fmt.Errorf("intl payload has no object literal")
	}
	body := payload[start : end+1]

	var byCode map[string]json.RawMessage
	if err := json.Unmarshal(body, &byCode); err != nil {
		return intlRecord{}, nil, fmt.Errorf("decode intl payload: %w", err)
	}
	raw, ok := byCode[code]
	if !ok {
		return intlRecord{}, nil, fmt.Errorf("intl payload missing %s: %w", code, ErrNoQuote)
	}

	var rec intlRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return intlRecord{}, nil, fmt.Errorf("decode intl record: %w", err)
	}
	return rec, raw, nil
}

// the feed reports time as epoch milliseconds, occasionally as a quoted string
func intlTime(raw json.RawMessage) string {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return timeOfDay(s)
	}
	return time.UnixMilli(v).Format("15:04:05")
}

type intlRecord struct {
	Price looseDecimal    `json:"q63"`
	Open  looseDecimal    `json:"q1"`
	Close looseDecimal    `json:"q2"`
	High  looseDecimal    `json:"q3"`
	Low   looseDecimal    `json:"q4"`
	Time  json.RawMessage `json:"time"`
}

var _ Fetcher = (*Intl)(nil)
