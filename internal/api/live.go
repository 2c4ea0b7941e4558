package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/nexus-trading/chainintel/internal/sink"
	"github.com/rs/zerolog/log"
)

// Live event kinds.
const (
	KindSignal    = "signal"
	KindRiskScore = "risk_score"
	KindEntity    = "entity"
	KindAlert     = "alert"
)

// Envelope is one message on the live stream.
type Envelope struct {
	Kind     string          `json:"kind"`
	WindowID string          `json:"window_id,omitempty"`
	Action   string          `json:"action,omitempty"`
	At       time.Time       `json:"at"`
	Data     json.RawMessage `json:"data"`
}

type liveClient struct {
	send  chan []byte
	kinds map[string]bool // nil = everything
}

func (c *liveClient) wants(kind string) bool { return c.kinds == nil || c.kinds[kind] }

// Hub streams pipeline outputs to websocket clients. It is a sink.Sink, so
// it can sit in a sink.FanOut next to the durable outputs. A client that
// cannot keep up is disconnected.
type Hub struct {
	upgrader   websocket.Upgrader
	bufferSize int

	mu      sync.RWMutex
	clients map[*liveClient]struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewHub creates a hub. bufferSize is the per-client queue length.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		bufferSize: bufferSize,
		clients:    make(map[*liveClient]struct{}),
	}
}

// ServeHTTP upgrades the request. ?kinds=signal,alert narrows the stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("api: websocket upgrade failed")
		return
	}

	c := &liveClient{send: make(chan []byte, h.bufferSize)}
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		c.kinds = make(map[string]bool)
		for _, k := range strings.Split(raw, ",") {
			c.kinds[strings.TrimSpace(k)] = true
		}
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Debug().Str("remote", r.RemoteAddr).Int("clients", n).Msg("api: live client connected")

	done := make(chan struct{})
	go func() {
		// Reads only detect the peer going away.
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.remove(c)
		conn.Close()
	}()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			h.sent.Add(1)
		}
	}
}

func (h *Hub) remove(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ctx context.Context, kind, action string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(Envelope{
		Kind:     kind,
		WindowID: sink.WindowFrom(ctx),
		Action:   action,
		At:       time.Now().UTC(),
		Data:     data,
	})
	if err != nil {
		return err
	}

	var slow []*liveClient
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(kind) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.dropped.Add(1)
		h.remove(c)
	}
	return nil
}

func (h *Hub) PublishSignal(ctx context.Context, s model.Signal) error {
	return h.broadcast(ctx, KindSignal, "", s)
}

func (h *Hub) PublishRiskScore(ctx context.Context, rs model.RiskScore) error {
	return h.broadcast(ctx, KindRiskScore, "", rs)
}

func (h *Hub) PublishEntity(ctx context.Context, e model.Entity, action string) error {
	return h.broadcast(ctx, KindEntity, action, e)
}

func (h *Hub) Alert(ctx context.Context, severity, kind, message string, details map[string]string) error {
	return h.broadcast(ctx, KindAlert, severity, map[string]any{
		"kind":    kind,
		"message": message,
		"details": details,
	})
}

// HubStats holds live stream counters.
type HubStats struct {
	Clients int   `json:"clients"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped_clients"`
}

// Stats returns hub counters.
func (h *Hub) Stats() HubStats {
	return HubStats{Clients: h.Clients(), Sent: h.sent.Load(), Dropped: h.dropped.Load()}
}
