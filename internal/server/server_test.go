package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gold-monitor/internal/config"
	"gold-monitor/internal/server"
	"gold-monitor/internal/service"
	"gold-monitor/internal/source"
)

type priceFeed struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (p *priceFeed) set(v string) {
	p.mu.Lock()
	p.price = decimal.RequireFromString(v)
	p.err = nil
	p.mu.Unlock()
}

func (p *priceFeed) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *priceFeed) Fetch(ctx context.Context) (source.Quote, error) {
	if err := ctx.Err(); err != nil {
		return source.Quote{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return source.Quote{}, p.err
	}
	return source.Quote{Price: p.price}, nil
}

type fakeSubs struct{ n int }

func (f *fakeSubs) ServeWS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (f *fakeSubs) Clients() int { return f.n }

type env struct {
	engine  *service.Engine
	feed    *priceFeed
	handler http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	feed := &priceFeed{price: decimal.NewFromInt(650)}
	reg := source.NewRegistry()
	require.NoError(t, reg.Register(source.KnownMeta[source.CMB], feed))

	defaults := config.DefaultSettings()
	defaults.LowThreshold = decimal.Zero
	defaults.HighThreshold = decimal.Zero

	engine, err := service.New(context.Background(), service.Deps{Registry: reg}, service.Options{
		Defaults:    defaults,
		MinInterval: time.Second,
		Location:    time.UTC,
	}, zerolog.Nop())
	require.NoError(t, err)

	srv := server.New(config.ServerConfig{Addr: "127.0.0.1:0", Mode: "test"}, engine, &fakeSubs{n: 3}, zerolog.Nop())
	return &env{engine: engine, feed: feed, handler: srv.Handler()}
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestGetConfigReturnsSettings(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(5000), body["interval"])
	assert.Equal(t, "all", body["notifyChannel"])
	assert.Equal(t, "percent", body["fluctuationMode"])
}

func TestUpdateConfig(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/config", `{"interval": 200, "notifyChannel": "CMB", "barkUrl": "https://api.day.app/KEY"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	cfg := body["config"].(map[string]any)
	assert.Equal(t, float64(1000), cfg["interval"], "interval is clamped to the floor")
	assert.Equal(t, "cmb", cfg["notifyChannel"])
	assert.Equal(t, []any{"https://api.day.app/KEY"}, cfg["barkUrls"])

	assert.Equal(t, time.Second, e.engine.Settings().Interval())
}

func TestUpdateConfigRejectsInvalidSettings(t *testing.T) {
	e := newEnv(t)
	before := e.engine.Settings()

	cases := []string{
		`{"lowThreshold": 800, "highThreshold": 700}`,
		`{"notifyChannel": "ccb"}`,
		`{"fluctuationMode": "ratio"}`,
		`{"barkUrls": ["ftp://example.com"]}`,
	}
	for _, body := range cases {
		rec := e.do(t, http.MethodPost, "/api/config", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		out := decode(t, rec)
		assert.Equal(t, false, out["success"], body)
		assert.NotEmpty(t, out["message"], body)
	}

	rec := e.do(t, http.MethodPost, "/api/config", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, before, e.engine.Settings(), "rejected patches leave settings untouched")
}

func TestGetPrice(t *testing.T) {
	e := newEnv(t)

	e.feed.fail(errors.New("upstream down"))
	rec := e.do(t, http.MethodGet, "/api/price", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])

	e.feed.set("612.5")
	rec = e.do(t, http.MethodGet, "/api/price", "")
	require.Equal(t, http.StatusOK, rec.Code)
	prices := decode(t, rec)["prices"].(map[string]any)
	cmb := prices["cmb"].(map[string]any)
	assert.Equal(t, "612.5", cmb["price"])
	assert.Equal(t, "招商银行", cmb["name"])

	e.feed.fail(errors.New("upstream down"))
	rec = e.do(t, http.MethodGet, "/api/price", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["stale"])
}

func TestGetPriceSurvivesClientDisconnect(t *testing.T) {
	e := newEnv(t)
	e.feed.set("612")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/price", nil).WithContext(ctx)
	e.handler.ServeHTTP(httptest.NewRecorder(), req)

	snap, ok := e.engine.Latest()
	require.True(t, ok, "cycle must complete after the client went away")
	assert.True(t, snap.Prices[source.CMB].Price.Equal(decimal.NewFromInt(612)))
	st := e.engine.Stats()[source.CMB]
	assert.True(t, st.LastPrice.Decimal.Equal(decimal.NewFromInt(612)))
}

func TestGetStats(t *testing.T) {
	e := newEnv(t)
	e.feed.set("612")
	e.do(t, http.MethodGet, "/api/price", "")
	e.feed.set("615")
	e.do(t, http.MethodGet, "/api/price", "")

	rec := e.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode(t, rec)["stats"].(map[string]any)
	cmb := all["cmb"].(map[string]any)
	assert.Equal(t, "招商银行", cmb["name"])
	assert.Equal(t, "615", cmb["high"])
	assert.Equal(t, "612", cmb["low"])
}

func TestGetStatsReportsLastAlert(t *testing.T) {
	e := newEnv(t)
	e.feed.set("590")
	e.do(t, http.MethodGet, "/api/price", "")

	cmb := decode(t, e.do(t, http.MethodGet, "/api/stats", ""))["stats"].(map[string]any)["cmb"].(map[string]any)
	assert.NotContains(t, cmb, "lastAlertAt", "no alert has fired yet")

	rec := e.do(t, http.MethodPost, "/api/config", `{"lowThreshold": "600"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	e.do(t, http.MethodGet, "/api/price", "")

	cmb = decode(t, e.do(t, http.MethodGet, "/api/stats", ""))["stats"].(map[string]any)["cmb"].(map[string]any)
	raw, ok := cmb["lastAlertAt"].(string)
	require.True(t, ok, "threshold alert time is reported")
	at, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), at, time.Minute)
}

func TestGetChart(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/chart/cmb", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no samples yet")

	rec = e.do(t, http.MethodGet, "/api/chart/gold", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/chart/ccb", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "known but not registered")

	e.feed.set("650")
	e.do(t, http.MethodGet, "/api/price", "")
	e.feed.set("650.5")
	e.do(t, http.MethodGet, "/api/price", "")

	rec = e.do(t, http.MethodGet, "/api/chart/cmb?width=640&height=360", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestTestNotification(t *testing.T) {
	var hits atomic.Int32
	var gotPath atomic.Value
	bark := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer bark.Close()

	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/test-notification", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no endpoint configured")

	rec = e.do(t, http.MethodPost, "/api/test-bark", `{"url": "not a url"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/test-notification", `{"url": "`+bark.URL+`/KEY"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["success"])
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, strings.HasPrefix(gotPath.Load().(string), "/KEY/"))

	_, err := e.engine.UpdateSettings(context.Background(), config.SettingsPatch{BarkURLs: []string{bark.URL + "/KEY"}})
	require.NoError(t, err)
	rec = e.do(t, http.MethodPost, "/api/test-bark", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int32(2), hits.Load())
}

func TestTestNotificationTransportFailure(t *testing.T) {
	bark := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bark.Close()

	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/test-notification", `{"url": "`+bark.URL+`/KEY"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["connections"])
	assert.Equal(t, []any{"cmb"}, body["sources"])
}

func TestServeStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	srv := server.New(config.ServerConfig{Mode: "test", ShutdownTimeout: time.Second}, e.engine, nil, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
