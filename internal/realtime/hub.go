// Package realtime streams committed escrow transitions to WebSocket
// clients. Clients may narrow the stream to event types, escrow ids or
// parties by sending a Subscription message.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/lendbridge/internal/escrow"
	"github.com/mbd888/lendbridge/internal/metrics"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4 * 1024 // a Subscription, nothing larger
	sendBuffer     = 256
	broadcastQueue = 256
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType for real-time events. Escrow audit event types are used as is.
type EventType string

// Event is one message on the stream.
type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      *EscrowUpdate `json:"data"`
}

// EscrowUpdate is the payload of one committed transition.
type EscrowUpdate struct {
	EscrowID        string        `json:"escrowId"`
	ContractAddress string        `json:"contractAddress"`
	Status          escrow.Status `json:"status"`
	Borrower        string        `json:"borrowerAddress"`
	Lender          string        `json:"lenderAddress"`
	Amount          int64         `json:"amount"`
	TxHash          string        `json:"txHash,omitempty"`
}

// Subscription filters for a client
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	EscrowIDs  []string    `json:"escrowIds"` // Watch specific escrows
	Parties    []string    `json:"parties"`   // Borrower or lender addresses
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Stats is a snapshot of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub fans events out to connected clients. Only Run touches the client
// set for writes; HandleWebSocket reads its size.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; upgrades are refused after
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, broadcastQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run owns the client set until ctx is cancelled, then closes every
// client's send channel so its writer says goodbye.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.dropLocked(client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket client connected", "clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(client)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket client disconnected", "clients", n)

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

// fanOut delivers event to every matching client. A client whose buffer is
// full is disconnected rather than allowed to stall the others.
func (h *Hub) fanOut(event *Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode realtime event", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !h.shouldSend(client, event) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		h.dropLocked(client)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow websocket clients", "count", len(slow))
}

// dropLocked removes client once. h.mu must be held for writing.
func (h *Hub) dropLocked(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// shouldSend checks if event matches client's subscription
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	sub := client.subscription()
	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}
	if event.Data == nil {
		return len(sub.EscrowIDs) == 0 && len(sub.Parties) == 0
	}
	if len(sub.EscrowIDs) > 0 && !containsFold(sub.EscrowIDs, event.Data.EscrowID) {
		return false
	}
	if len(sub.Parties) > 0 &&
		!containsFold(sub.Parties, event.Data.Borrower) &&
		!containsFold(sub.Parties, event.Data.Lender) {
		return false
	}
	return true
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}

// Broadcast queues event for delivery. It reports false when the queue is
// full and the event was dropped.
func (h *Hub) Broadcast(event *Event) bool {
	select {
	case h.broadcast <- event:
		return true
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
		return false
	}
}

// EscrowChanged implements escrow.Notifier. It never blocks.
func (h *Hub) EscrowChanged(_ context.Context, e *escrow.Escrow, ev *escrow.Event) {
	ok := h.Broadcast(&Event{
		Type:      EventType(ev.Type),
		Timestamp: ev.CreatedAt,
		Data: &EscrowUpdate{
			EscrowID:        e.ID,
			ContractAddress: e.ContractAddress,
			Status:          e.Status,
			Borrower:        e.Borrower,
			Lender:          e.Lender,
			Amount:          e.Amount,
			TxHash:          ev.TxHash,
		},
	})
	result := "queued"
	if !ok {
		result = "dropped"
	}
	metrics.NotificationsTotal.WithLabelValues("websocket", result).Inc()
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request and streams events until the
// client goes away or the hub stops.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates until the connection fails.
// Messages that are not a Subscription are ignored.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if json.Unmarshal(message, &sub) != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump drains send and keeps the connection alive with pings. A
// closed send channel means the hub dropped the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
