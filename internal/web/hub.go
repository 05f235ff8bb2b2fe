package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/bike-sensor/internal/metrics"
	"github.com/sweeney/bike-sensor/internal/telemetry"
)

const clientSendBuffer = 64

// Frame is the JSON message sent to websocket clients for each event.
type Frame struct {
	Event EventFrame `json:"event"`
	Stamp int64      `json:"stamp"` // Unix ms
}

// EventFrame carries one sensor event.
type EventFrame struct {
	Type      string  `json:"type"`
	Timestamp string  `json:"timestamp"`
	Device    string  `json:"device,omitempty"`
	Message   string  `json:"message,omitempty"`
	Channel   string  `json:"channel,omitempty"`
	MPR       float64 `json:"mpr,omitempty"`
	Synthetic bool    `json:"synthetic,omitempty"`
}

// NewFrame builds the websocket frame for ev.
func NewFrame(ev telemetry.Event) Frame {
	f := Frame{
		Event: EventFrame{
			Type:      string(ev.Type),
			Timestamp: ev.Time.UTC().Format(time.RFC3339Nano),
			Device:    ev.Device,
			Message:   ev.Message,
		},
		Stamp: ev.Time.UnixMilli(),
	}
	if ev.Type == telemetry.EventReading {
		f.Event.Channel = ev.Reading.Channel.String()
		f.Event.MPR = ev.Reading.MPR
		f.Event.Synthetic = ev.Reading.Synthetic
	}
	return f
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected websocket clients. Slow clients miss
// frames rather than stall the broadcaster.
type Hub struct {
	upgrader websocket.Upgrader
	greeting func() []byte

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub creates a Hub. greeting, if non-nil, produces the first message
// each new client receives.
func NewHub(greeting func() []byte) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		greeting: greeting,
		clients:  make(map[*wsClient]struct{}),
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("ws: upgrade")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	if h.greeting != nil {
		client.send <- h.greeting()
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(n))
	log.Debugf("ws: client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer h.remove(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	close(c.send)
	metrics.WebsocketClients.Set(float64(n))
	log.Debugf("ws: client disconnected (%d total)", n)
}

// Broadcast sends ev to every client without blocking.
func (h *Hub) Broadcast(ev telemetry.Event) {
	data, err := json.Marshal(NewFrame(ev))
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		close(c.send)
	}
	metrics.WebsocketClients.Set(0)
}
