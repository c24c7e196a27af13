package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const ccbQuoteJSON = `{"Cst_Buy_Prc":"608.12","Cst_Sell_Prc":"608.52","Tms":"2026-03-02 10:15:30.123"}`

type ccbUpstream struct {
	sessions   atomic.Int32
	priceCalls atomic.Int32
	// number of initial price calls answered with the login page
	expire int32
	status int
}

func (u *ccbUpstream) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		n := u.sessions.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "s" + string(rune('0'+n))})
		http.SetCookie(w, &http.Cookie{Name: "route", Value: "r1"})
	})
	mux.HandleFunc("/price", func(w http.ResponseWriter, r *http.Request) {
		n := u.priceCalls.Add(1)
		if r.Header.Get("Cookie") == "" {
			t.Errorf("price request sent without cookie")
		}
		if r.URL.Query().Get("_") == "" {
			t.Errorf("cache buster missing")
		}
		if n <= u.expire {
			if u.status != 0 {
				w.WriteHeader(u.status)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><form action=\"/tran/WCCMainPlatV5\">网上银行登录</form></html>"))
			return
		}
		_, _ = w.Write([]byte(ccbQuoteJSON))
	})
	return mux
}

func newTestCCB(url string) *CCBFetcher {
	return NewCCB(CCBOptions{
		SessionURL: url + "/session",
		PriceURL:   url + "/price",
		Timeout:    time.Second,
	}, noopLogger())
}

func TestCCBFetchBootstrapsSession(t *testing.T) {
	up := &ccbUpstream{}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	c := newTestCCB(srv.URL)
	q, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("608.12")) {
		t.Fatalf("unexpected price %s", q.Price)
	}
	if q.RawTime != "10:15:30" {
		t.Fatalf("unexpected raw time %q", q.RawTime)
	}
	if q.PrevClose.Valid {
		t.Fatal("ccb does not supply a previous close")
	}

	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("second fetch should succeed: %v", err)
	}
	if got := up.sessions.Load(); got != 1 {
		t.Fatalf("session should be reused, bootstrapped %d times", got)
	}
}

func TestCCBFetchRetriesOnceAfterLoginPage(t *testing.T) {
	up := &ccbUpstream{expire: 1}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	c := newTestCCB(srv.URL)
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("retry should recover: %v", err)
	}
	if got := up.sessions.Load(); got != 2 {
		t.Fatalf("expected a fresh session for the retry, got %d bootstraps", got)
	}
	if got := up.priceCalls.Load(); got != 2 {
		t.Fatalf("expected exactly two price calls, got %d", got)
	}
}

func TestCCBFetchRetriesOnForbidden(t *testing.T) {
	up := &ccbUpstream{expire: 1, status: http.StatusForbidden}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	c := newTestCCB(srv.URL)
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("retry should recover from 403: %v", err)
	}
}

func TestCCBFetchGivesUpAfterOneRetry(t *testing.T) {
	up := &ccbUpstream{expire: 10}
	srv := httptest.NewServer(up.handler(t))
	defer srv.Close()

	c := newTestCCB(srv.URL)
	_, err := c.Fetch(context.Background())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if got := up.priceCalls.Load(); got != 2 {
		t.Fatalf("expected exactly two price calls, got %d", got)
	}
}
