package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// markers of the login page the bank serves once the cookie is no longer accepted
var ccbSessionMarkers = []string{"WCCMainPlatV5", "网上银行"}

// CCBOptions parameterise the China Construction Bank fetcher.
type CCBOptions struct {
	SessionURL string
	PriceURL   string
	Referer    string
	Timeout    time.Duration
	UserAgent  string
}

// CCBFetcher fetches the bank's gold quote. The price endpoint only answers once a
// session cookie obtained from SessionURL is presented.
type CCBFetcher struct {
	opts   CCBOptions
	logger zerolog.Logger
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	cookies string
}

// NewCCB constructs a CCB fetcher.
func NewCCB(opts CCBOptions, logger zerolog.Logger) *CCBFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &CCBFetcher{
		opts:   opts,
		logger: logger.With().Str("component", "source_ccb").Logger(),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Fetch returns the current quote, bootstrapping the session when needed and
// retrying exactly once with a fresh session if the upstream rejects it.
func (c *CCBFetcher) Fetch(ctx context.Context) (Quote, error) {
	if c.opts.SessionURL == "" || c.opts.PriceURL == "" {
		return Quote{}, fmt.Errorf("ccb urls not configured")
	}

	q, err := c.fetchOnce(ctx)
	if !errors.Is(err, ErrSessionExpired) {
		return q, err
	}

	c.logger.Info().Msg("ccb session rejected, re-initialising and retrying")
	c.clearSession()
	q, err = c.fetchOnce(ctx)
	if errors.Is(err, ErrSessionExpired) {
		c.clearSession()
	}
	return q, err
}

func (c *CCBFetcher) fetchOnce(ctx context.Context) (Quote, error) {
	cookies, err := c.session(ctx)
	if err != nil {
		return Quote{}, err
	}

	endpoint := c.opts.PriceURL
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	endpoint += sep + "_=" + strconv.FormatInt(c.now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}
	if c.opts.Referer != "" {
		req.Header.Set("Referer", c.opts.Referer)
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

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Quote{}, fmt.Errorf("ccb status %d: %w", resp.StatusCode, ErrSessionExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("ccb api error (%d)", resp.StatusCode)
	}

	var rec ccbRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		if isCCBLoginPage(payload) {
			return Quote{}, fmt.Errorf("ccb login page returned: %w", ErrSessionExpired)
		}
		return Quote{}, fmt.Errorf("decode ccb response: %w", err)
	}
	if !rec.BuyPrice.Valid {
		return Quote{}, ErrNoQuote
	}

	return Quote{
		Source:     CCB,
		Price:      rec.BuyPrice.Decimal,
		Buy:        rec.BuyPrice.NullDecimal,
		Sell:       rec.SellPrice.NullDecimal,
		RawTime:    timeOfDay(rec.Tms),
		ReceivedAt: c.now(),
		Raw:        json.RawMessage(payload),
	}, nil
}

// session returns the cached cookie header, establishing one if absent.
func (c *CCBFetcher) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cookies != "" {
		return c.cookies, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.SessionURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ccb session bootstrap: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	parts := make([]string, 0, len(resp.Cookies()))
	for _, ck := range resp.Cookies() {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	c.cookies = strings.Join(parts, "; ")
	c.logger.Debug().Int("cookies", len(parts)).Msg("ccb session established")
	return c.cookies, nil
}

func (c *CCBFetcher) clearSession() {
	c.mu.Lock()
	c.cookies = ""
	c.mu.Unlock()
}

func isCCBLoginPage(payload []byte) bool {
	body := string(payload)
	for _, marker := range ccbSessionMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

type ccbRecord struct {
	BuyPrice  looseDecimal `json:"Cst_Buy_Prc"`
	SellPrice looseDecimal `json:"Cst_Sell_Prc"`
	Tms       string       `json:"Tms"`
}

var _ Fetcher = (*CCBFetcher)(nil)
