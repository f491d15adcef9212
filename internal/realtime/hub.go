// Package realtime streams live campaign activity over WebSocket.
//
// Clients connect to /ws and send a Subscription naming the campaign ids
// and event types they want. The hub pushes periodic campaign rate
// summaries and fraud alerts as they are raised.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bidsense/bidengine/internal/fraud"
	"github.com/bidsense/bidengine/internal/metrics"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	maxMessageSize  = 8 << 10
	sendBuffer      = 64
	broadcastBuffer = 256

	// MaxClients is the default cap on concurrent connections.
	MaxClients = 10000

	// MaxSubscribedCampaigns bounds one client's campaign filter.
	MaxSubscribedCampaigns = 500
)

// expected disconnects, not worth a warning
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType for real-time events
type EventType string

const (
	EventCampaignRates EventType = "campaign_rates"
	EventFraudAlert    EventType = "fraud_alert"
)

// Event is one message pushed to subscribers.
type Event struct {
	Type       EventType   `json:"type"`
	CampaignID string      `json:"campaignId,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data"`
}

// Subscription filters what a client receives. Empty lists match everything.
type Subscription struct {
	CampaignIDs []string    `json:"campaignIds"`
	EventTypes  []EventType `json:"eventTypes"`
}

// Client is one connected subscriber.
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

func (c *Client) subscribe(sub Subscription) {
	if len(sub.CampaignIDs) > MaxSubscribedCampaigns {
		sub.CampaignIDs = sub.CampaignIDs[:MaxSubscribedCampaigns]
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Hub fans events out to connected clients. Run owns the client set;
// other goroutines reach it through the register, unregister and
// broadcast channels.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	origins    []string
	upgrader   websocket.Upgrader

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	slowDropped  atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins sets the browser origins allowed to connect. "*"
// allows any origin. Same-host and non-browser clients are always allowed.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.origins = origins }
}

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run serves register, unregister and broadcast requests until ctx ends,
// then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case ev := <-h.broadcast:
			h.fanout(ev)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := int64(len(h.clients))
	h.mu.Unlock()

	h.totalClients.Add(1)
	if n > h.peakClients.Load() {
		h.peakClients.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client connected", "total", n)
}

func (h *Hub) remove(cs ...*Client) {
	h.mu.Lock()
	for _, c := range cs {
		if h.clients[c] {
			delete(h.clients, c)
			close(c.send) // writePump answers with a close frame
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client disconnected", "total", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// fanout delivers ev to matching clients. A client whose send buffer is
// full is disconnected rather than allowed to stall the hub.
func (h *Hub) fanout(ev *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to encode realtime event", "type", ev.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !Matches(c.subscription(), ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.slowDropped.Add(int64(len(slow)))
		h.logger.Warn("dropping slow websocket clients", "count", len(slow))
		h.remove(slow...)
	}
}

// Matches reports whether event passes sub's filters.
func Matches(sub Subscription, event *Event) bool {
	if len(sub.EventTypes) > 0 && !contains(sub.EventTypes, event.Type) {
		return false
	}
	if len(sub.CampaignIDs) > 0 && !contains(sub.CampaignIDs, event.CampaignID) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Broadcast queues an event for all matching clients. Events are dropped
// when the queue is full.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// BroadcastRates pushes one campaign's rate summary.
func (h *Hub) BroadcastRates(campaignID string, at time.Time, rates interface{}) {
	h.Broadcast(&Event{
		Type:       EventCampaignRates,
		CampaignID: campaignID,
		Timestamp:  at,
		Data:       rates,
	})
}

// NotifyAlert pushes a new or updated fraud alert.
func (h *Hub) NotifyAlert(_ context.Context, a *fraud.Alert) {
	h.Broadcast(&Event{
		Type:       EventFraudAlert,
		CampaignID: a.CampaignID,
		Timestamp:  time.Now(),
		Data:       a,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"slowDropped":      h.slowDropped.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client. The initial
// campaign filter may be given as ?campaigns=a,b; clients replace their
// Subscription at any time by sending one as a JSON message.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	c.subscribe(Subscription{CampaignIDs: splitList(r.URL.Query().Get("campaigns"))})
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.subscribe(sub)
	}
}

func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
