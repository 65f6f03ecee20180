package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pricing/internal/metrics"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// Event types sent on the stream.
const (
	EventRecommendation = "recommendation"
	EventApproval       = "approval"
	EventHeartbeat      = "heartbeat"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendBuffer   = 32
	maxReadBytes = 512
)

// Event is one message on the stream.
type Event struct {
	Type             string           `json:"type"`
	RecommendationID string           `json:"recommendation_id,omitempty"`
	Status           pricing.Status   `json:"status,omitempty"`
	RiskLevel        string           `json:"risk_level,omitempty"`
	Threshold        string           `json:"approval_threshold,omitempty"`
	RecommendedPrice *float64         `json:"recommended_price,omitempty"`
	Decision         pricing.Decision `json:"decision,omitempty"`
	ApproverRole     string           `json:"approver_role,omitempty"`
	Succeeded        *bool            `json:"succeeded,omitempty"`
	Error            string           `json:"error,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans pipeline and approval events out to websocket subscribers.
// Clients that fall behind are dropped rather than slowing the pipeline.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub accepting browser connections from allowedOrigins.
// "*" allows any origin. Requests without an Origin header (non-browser
// clients) are always accepted.
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			a = strings.TrimSpace(a)
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		// Same host is always fine.
		return strings.EqualFold(u.Host, r.Host)
	}
}

// Start begins the heartbeat loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(pongWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.broadcast(Event{Type: EventHeartbeat, Timestamp: time.Now().UTC()})
			}
		}
	}()
}

// Close disconnects every client and stops the heartbeat.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	metrics.WebSocketClients.Set(0)
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	metrics.WebSocketClients.Inc()
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.String("remote", remoteHost(r)))

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

// remove unregisters c. It reports false when c was already gone.
func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Dec()
	return true
}

// readPump discards client messages and keeps the read deadline fresh so
// pongs are processed.
func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer h.remove(c)
	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			delete(h.clients, c)
			close(c.send)
			metrics.WebSocketClients.Dec()
			h.logger.Warn("dropping slow websocket client")
		}
	}
}

// RecommendationStored publishes a finished pipeline run.
func (h *Hub) RecommendationStored(_ context.Context, rec *pricing.Recommendation) {
	if rec == nil {
		return
	}
	h.broadcast(Event{
		Type:             EventRecommendation,
		RecommendationID: rec.ID,
		Status:           rec.Status,
		RiskLevel:        rec.RiskLevel.String(),
		Threshold:        rec.ApprovalThreshold.String(),
		RecommendedPrice: rec.RecommendedPrice,
		Timestamp:        time.Now().UTC(),
	})
}

// ApprovalRecorded publishes an approval attempt, failed ones included.
func (h *Hub) ApprovalRecorded(_ context.Context, record pricing.ApprovalRecord, rec *pricing.Recommendation) {
	succeeded := record.Succeeded
	ev := Event{
		Type:             EventApproval,
		RecommendationID: record.Action.RecommendationID,
		Decision:         record.Action.Decision,
		ApproverRole:     record.Action.ApproverRole.String(),
		Succeeded:        &succeeded,
		Error:            record.Error,
		Timestamp:        time.Now().UTC(),
	}
	if rec != nil {
		ev.Status = rec.Status
		ev.RecommendedPrice = rec.RecommendedPrice
	}
	h.broadcast(ev)
}
