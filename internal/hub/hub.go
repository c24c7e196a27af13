// Package hub fans monitoring events out to WebSocket subscribers.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Message is the envelope written to subscribers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ClientMessage is a command sent by a subscriber, e.g. {"type":"fetch"}.
type ClientMessage struct {
	Type string `json:"type"`
}

// CommandFetch asks for an on-demand cycle.
const CommandFetch = "fetch"

// Handler reacts to a client command. A returned error is reported back to
// that client only.
type Handler func(ctx context.Context, msg ClientMessage) error

// Options tune the hub.
type Options struct {
	// ReplayTypes are event types whose latest message is sent to new subscribers.
	ReplayTypes []string
	BufferSize  int
}

// Hub owns the subscriber set. Registration, removal and broadcast are
// serialised through Run.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	clients    map[*Client]struct{}
	count      atomic.Int64

	replay   map[string]bool
	mu       sync.RWMutex
	last     map[string][]byte
	handler  Handler
	baseCtx  context.Context
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New constructs a hub; call Run before serving connections.
func New(opts Options, logger zerolog.Logger) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	replay := make(map[string]bool, len(opts.ReplayTypes))
	for _, t := range opts.ReplayTypes {
		replay[t] = true
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, opts.BufferSize),
		clients:    make(map[*Client]struct{}),
		replay:     replay,
		last:       make(map[string][]byte),
		baseCtx:    context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

// SetHandler installs the client command handler.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// Run is the hub loop. It returns when ctx is cancelled, closing every client.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.baseCtx = ctx
	h.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return ctx.Err()

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.count.Add(1)
			for _, payload := range h.replayMessages() {
				select {
				case client.send <- payload:
				default:
				}
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case payload := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- payload:
				default:
					// slow consumer
					h.logger.Warn().Str("remote", client.remote).Msg("subscriber too slow, disconnecting")
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	h.count.Add(-1)
	client.close()
}

func (h *Hub) replayMessages() [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][]byte, 0, len(h.last))
	for _, payload := range h.last {
		out = append(out, payload)
	}
	return out
}

// Publish encodes an event and queues it for every subscriber. It never
// blocks: when the broadcast buffer is full the event is dropped.
func (h *Hub) Publish(event string, data any) {
	payload, err := json.Marshal(Message{Type: event, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}

	if h.replay[event] {
		h.mu.Lock()
		h.last[event] = payload
		h.mu.Unlock()
	}

	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn().Str("event", event).Msg("broadcast buffer full, event dropped")
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to upgrade websocket")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		remote: r.RemoteAddr,
	}

	h.mu.RLock()
	ctx := h.baseCtx
	h.mu.RUnlock()

	select {
	case h.register <- client:
	case <-ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(ctx)
}

func (h *Hub) handle(ctx context.Context, client *Client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Debug().Err(err).Str("remote", client.remote).Msg("ignoring malformed client message")
		return
	}

	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		return
	}

	if err := handler(ctx, msg); err != nil {
		h.logger.Warn().Err(err).Str("command", msg.Type).Msg("client command failed")
		payload, _ := json.Marshal(Message{Type: "error", Data: map[string]string{"message": err.Error()}})
		client.trySend(payload)
	}
}
