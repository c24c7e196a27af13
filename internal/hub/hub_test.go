package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func startHub(t *testing.T) (*Hub, string, context.CancelFunc) {
	t.Helper()
	h := New(Options{ReplayTypes: []string{"priceUpdate"}}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接 websocket 失败: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取消息失败: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("消息不是合法 JSON: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, h.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	h, url, cancel := startHub(t)
	defer cancel()

	a := dial(t, url)
	b := dial(t, url)
	waitClients(t, h, 2)

	h.Publish("alert", map[string]string{"title": "价格过高预警"})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Type != "alert" {
			t.Fatalf("unexpected message type %q", msg.Type)
		}
		data, _ := msg.Data.(map[string]any)
		if data["title"] != "价格过高预警" {
			t.Fatalf("unexpected payload %v", msg.Data)
		}
	}
}

func TestLatestPriceUpdateReplayedOnConnect(t *testing.T) {
	h, url, cancel := startHub(t)
	defer cancel()

	h.Publish("priceUpdate", map[string]int{"n": 1})
	h.Publish("priceUpdate", map[string]int{"n": 2})
	h.Publish("alert", "not replayed")

	conn := dial(t, url)
	msg := readMessage(t, conn)
	if msg.Type != "priceUpdate" {
		t.Fatalf("new subscriber should receive the latest priceUpdate, got %q", msg.Type)
	}
	data, _ := msg.Data.(map[string]any)
	if data["n"] != float64(2) {
		t.Fatalf("replay should carry the latest snapshot, got %v", msg.Data)
	}
}

func TestFetchCommandInvokesHandler(t *testing.T) {
	h, url, cancel := startHub(t)
	defer cancel()

	var calls atomic.Int32
	h.SetHandler(func(ctx context.Context, msg ClientMessage) error {
		if msg.Type != CommandFetch {
			return errors.New("unsupported command")
		}
		calls.Add(1)
		return nil
	})

	conn := dial(t, url)
	waitClients(t, h, 1)

	if err := conn.WriteJSON(ClientMessage{Type: CommandFetch}); err != nil {
		t.Fatalf("发送命令失败: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("fetch handler was not invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := conn.WriteJSON(ClientMessage{Type: "subscribe"}); err != nil {
		t.Fatalf("发送命令失败: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != "error" {
		t.Fatalf("failed command should be reported to the client, got %q", msg.Type)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	h, url, cancel := startHub(t)
	defer cancel()

	conn := dial(t, url)
	waitClients(t, h, 1)
	conn.Close()
	waitClients(t, h, 0)
}
