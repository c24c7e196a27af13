package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBarkNotifierSuccess(t *testing.T) {
	var gotPath, gotGroup string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotGroup = r.URL.Query().Get("group")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200})
	}))
	defer srv.Close()

	notifier := NewBarkNotifier(srv.URL+"/KEY/", "", time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Title: "价格过高预警", Body: "当前价格 701 高于 700"}); err != nil {
		t.Fatalf("Bark Notify 应成功: %v", err)
	}

	if !strings.HasPrefix(gotPath, "/KEY/价格过高预警/") {
		t.Fatalf("路径应包含 key 与标题, 实际 %s", gotPath)
	}
	if gotGroup != "GoldMonitor" {
		t.Fatalf("默认分组不正确: %q", gotGroup)
	}
}

func TestBarkNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	notifier := NewBarkNotifier(srv.URL, "g", time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Title: "t", Body: "b"}); err == nil {
		t.Fatal("HTTP 400 应报错")
	}

	if err := NewBarkNotifier("", "", time.Second, testLogger()).Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("empty endpoint should fail")
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Title: "价格暴涨预警", Body: "5 分钟内上涨 1.2%"}); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if text, _ := received["text"].(string); !strings.HasPrefix(text, "【黄金监控】价格暴涨预警\n") {
		t.Fatalf("text 应包含标题: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Bad Request: chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), Notification{Title: "t"})
	if err == nil {
		t.Fatal("ok=false 应报错")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("error should carry the API description: %v", err)
	}

	if err := NewTelegramNotifier("", "chat", srv.URL, time.Second, testLogger()).Notify(context.Background(), Notification{Title: "t"}); err == nil {
		t.Fatal("missing token should fail")
	}
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	var calls int
	failing := notifierFunc(func(ctx context.Context, n Notification) error {
		calls++
		return errors.New("boom")
	})
	ok := notifierFunc(func(ctx context.Context, n Notification) error {
		calls++
		return nil
	})

	err := Fanout{failing, nil, ok}.Notify(context.Background(), Notification{Title: "x"})
	if err == nil {
		t.Fatal("fanout should surface the failure")
	}
	if calls != 2 {
		t.Fatalf("every notifier should be attempted, got %d calls", calls)
	}
}

type notifierFunc func(ctx context.Context, n Notification) error

func (f notifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
