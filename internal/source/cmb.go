package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// CMBOptions parameterise the China Merchants Bank fetcher.
type CMBOptions struct {
	URL       string
	Referer   string
	Timeout   time.Duration
	UserAgent string
}

// CMBFetcher fetches the bank's gold quote from the market-center endpoint.
type CMBFetcher struct {
	opts   CMBOptions
	logger zerolog.Logger
	client *http.Client
	now    func() time.Time
}

// NewCMB constructs a CMB fetcher.
func NewCMB(opts CMBOptions, logger zerolog.Logger) *CMBFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CMBFetcher{
		opts:   opts,
		logger: logger.With().Str("component", "source_cmb").Logger(),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Fetch posts the product query and normalises the FQAMBPRCZ1 record.
func (c *CMBFetcher) Fetch(ctx context.Context) (Quote, error) {
	if c.opts.URL == "" {
		return Quote{}, fmt.Errorf("cmb url not configured")
	}

	body, err := json.Marshal([]cmbRequest{{PrdType: "H", PrdCode: ""}})
	if err != nil {
		return Quote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if c.opts.Referer != "" {
		req.Header.Set("Referer", c.opts.Referer)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("cmb api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var res cmbResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return Quote{}, fmt.Errorf("decode cmb response: %w", err)
	}
	if !res.Success {
		if res.Msg != "" {
			return Quote{}, fmt.Errorf("cmb api error: %s", res.Msg)
		}
		return Quote{}, fmt.Errorf("cmb api returned success=false")
	}
	rec := res.Data.FQAMBPRCZ1
	if rec == nil || !rec.BuyPrice.Valid {
		return Quote{}, ErrNoQuote
	}

	q := Quote{
		Source:     CMB,
		Price:      rec.BuyPrice.Decimal,
		Buy:        rec.BuyPrice.NullDecimal,
		Sell:       rec.SellPrice.NullDecimal,
		RawTime:    timeOfDay(res.Data.NowTime),
		ReceivedAt: c.now(),
		Raw:        json.RawMessage(payload),
	}
	// the upstream reports today's absolute change, which yields yesterday's close
	if rec.Change.Valid {
		q.PrevClose.Decimal = rec.BuyPrice.Decimal.Sub(rec.Change.Decimal)
		q.PrevClose.Valid = true
	}
	return q, nil
}

type cmbRequest struct {
	PrdType string `json:"prdType"`
	PrdCode string `json:"prdCode"`
}

type cmbResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Data    struct {
		FQAMBPRCZ1 *cmbRecord `json:"FQAMBPRCZ1"`
		NowTime    string     `json:"NowTime"`
	} `json:"data"`
}

type cmbRecord struct {
	BuyPrice  looseDecimal `json:"zBuyPrc"`
	SellPrice looseDecimal `json:"zSelPrc"`
	Change    looseDecimal `json:"zDvlCur"`
}

var _ Fetcher = (*CMBFetcher)(nil)
