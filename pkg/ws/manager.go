package ws

import (
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/pkg/events"
	"github.com/katiba-labs/katiba/pkg/metrics"
)

// Client represents a WebSocket subscriber connection.
type Client interface {
	Send(envelope *events.Envelope) error
	Close() error
}

// Manager handles WebSocket subscriber connections and per-bill broadcasting.
type Manager interface {
	// Subscribe registers a subscriber for a bill's event stream
	Subscribe(billID int64, subscriberID string, client Client)
	// Unsubscribe removes a subscriber from a bill's event stream
	Unsubscribe(billID int64, subscriberID string)
	// Broadcast sends an envelope to all subscribers of a bill
	Broadcast(billID int64, envelope *events.Envelope) error
	// GetClient retrieves a specific subscriber's client
	GetClient(billID int64, subscriberID string) (Client, bool)
	// DisconnectAll removes a subscriber from every bill stream
	DisconnectAll(subscriberID string)
}

type manager struct {
	mu      sync.RWMutex
	clients map[int64]map[string]Client // billID -> subscriberID -> client
	log     *zap.Logger
}

// NewManager creates a new WebSocket manager.
func NewManager(log *zap.Logger) Manager {
	return &manager{
		clients: make(map[int64]map[string]Client),
		log:     log,
	}
}

func (m *manager) Subscribe(billID int64, subscriberID string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.clients[billID] == nil {
		m.clients[billID] = make(map[string]Client)
	}
	m.clients[billID][subscriberID] = client
}

func (m *manager) Unsubscribe(billID int64, subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if clients, ok := m.clients[billID]; ok {
		delete(clients, subscriberID)
		if len(clients) == 0 {
			delete(m.clients, billID)
		}
	}
}

func (m *manager) DisconnectAll(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for billID, clients := range m.clients {
		delete(clients, subscriberID)
		if len(clients) == 0 {
			delete(m.clients, billID)
		}
	}
}

// Broadcast sends an envelope to all subscribers of a bill. A slow or failed
// subscriber does not stop delivery to the others.
func (m *manager) Broadcast(billID int64, envelope *events.Envelope) error {
	m.mu.RLock()
	clients, ok := m.clients[billID]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	targets := make([]Client, 0, len(clients))
	for _, client := range clients {
		targets = append(targets, client)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, client := range targets {
		if err := client.Send(envelope); err != nil {
			lastErr = err
			m.log.Error("Failed to send WebSocket message",
				zap.Int64("bill_id", billID),
				zap.Error(err))
		}
	}

	return lastErr
}

func (m *manager) GetClient(billID int64, subscriberID string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if clients, ok := m.clients[billID]; ok {
		client, ok := clients[subscriberID]
		return client, ok
	}
	return nil, false
}

// client implements the Client interface over a gorilla connection.
type client struct {
	conn *websocket.Conn
	log  *zap.Logger
	mu   sync.Mutex // protects conn writes
}

// NewClientFromRequest upgrades an HTTP request to a WebSocket connection and
// returns a client.
func NewClientFromRequest(w http.ResponseWriter, r *http.Request, log *zap.Logger) (Client, *websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // Allow non-browser clients
			}

			allowedOrigins := os.Getenv("WS_ALLOWED_ORIGINS")
			if allowedOrigins == "" {
				allowedOrigins = "localhost,127.0.0.1"
			}

			originHost := origin
			if strings.Contains(origin, "://") {
				parts := strings.Split(origin, "://")
				if len(parts) != 2 {
					return false
				}
				originHost = parts[1]
			}
			if strings.Contains(originHost, ":") {
				originHost = strings.Split(originHost, ":")[0]
			}

			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if allowed == "*" || allowed == originHost {
					return true
				}
				if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(originHost, allowed[1:]) {
					return true
				}
			}

			if log != nil {
				log.Warn("Rejected WebSocket connection",
					zap.String("origin", origin),
					zap.String("allowed_origins", allowedOrigins))
			}
			return false
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if log != nil {
			log.Error("WebSocket upgrade failed", zap.Error(err))
		}
		return nil, nil, err
	}
	metrics.ActiveSubscribers.Inc()
	return &client{conn: conn, log: log}, conn, nil
}

// NewDirectClient wraps an existing connection, for tests and internal use.
func NewDirectClient(conn *websocket.Conn, log *zap.Logger) Client {
	return &client{conn: conn, log: log}
}

// Send writes an envelope to the WebSocket client (thread-safe).
func (c *client) Send(envelope *events.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log != nil {
		c.log.Debug("Sending envelope to client",
			zap.String("kind", envelope.Kind),
			zap.String("correlation_id", envelope.CorrelationID))
	}
	return c.conn.WriteJSON(envelope)
}

// Close closes the WebSocket connection.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		metrics.ActiveSubscribers.Dec()
		return c.conn.Close()
	}
	return nil
}
