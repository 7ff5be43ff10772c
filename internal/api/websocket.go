package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/reimonlp/greenhouse/internal/auth"
	"github.com/reimonlp/greenhouse/internal/infrastructure/config"
	"github.com/reimonlp/greenhouse/internal/infrastructure/logging"
	"github.com/reimonlp/greenhouse/internal/metrics"
)

// Events the hub itself emits.
const (
	EventConnected = "connected"
	EventError     = "error"
	EventPong      = "pong"
)

// Connection audiences, used as the metrics label.
const (
	audienceObserver = "observer"
	audienceDevice   = "device"
)

// Fallbacks for a zero WebSocketConfig.
const (
	defaultSendBuffer     = 256
	defaultMaxMessageSize = 8 * 1024
	defaultPingInterval   = 30
	defaultPongTimeout    = 60
)

// Frame is one message on the real-time channel, in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outFrame is the outbound form of Frame; Data is marshalled as-is.
type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// DeviceInfo describes a connection that completed device:register.
type DeviceInfo struct {
	ConnID          string          `json:"conn_id"`
	DeviceID        string          `json:"device_id"`
	DeviceType      string          `json:"device_type,omitempty"`
	FirmwareVersion string          `json:"firmware_version,omitempty"`
	RegisteredAt    time.Time       `json:"registered_at"`
	LastMetrics     json.RawMessage `json:"last_metrics,omitempty"`
	LastMetricsAt   *time.Time      `json:"last_metrics_at,omitempty"`
}

// Hub tracks real-time connections and fans events out to them.
//
// Delivery is best-effort: a client whose send buffer is full misses the
// event. Nothing is queued for clients that are not connected.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	metrics *metrics.Collectors
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one connected WebSocket peer.
type WSClient struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	id          string
	connectedAt time.Time

	mu     sync.RWMutex
	device *DeviceInfo // set once the peer registers as a device
}

// messageHandler receives inbound frames and close notifications.
type messageHandler interface {
	handleMessage(c *WSClient, raw []byte)
	handleClose(c *WSClient)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a hub. m may be nil.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, m *metrics.Collectors) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// newClient wraps an upgraded connection.
func (h *Hub) newClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, h.cfg.SendBuffer),
		id:          uuid.NewString(),
		connectedAt: time.Now().UTC(),
	}
}

// Register adds a client to the hub. New clients count as observers.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.ConnectionOpened(audienceObserver)
	h.logger.Debug("websocket client connected", "conn_id", client.id, "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that removes the client from the map closes its send
// channel, so a concurrent shutdown cannot double-close it.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if !existed {
		return
	}
	close(client.send)
	h.metrics.ConnectionClosed(client.audience())
	h.logger.Debug("websocket client disconnected",
		"conn_id", client.id,
		"connected_for", time.Since(client.connectedAt).Round(time.Second),
		"clients", h.ClientCount(),
	)
}

// Broadcast sends an event to every connected client.
func (h *Hub) Broadcast(event string, payload any) {
	h.deliver(event, payload, false)
}

// BroadcastToDevices sends an event to registered device connections only.
func (h *Hub) BroadcastToDevices(event string, payload any) {
	h.deliver(event, payload, true)
}

func (h *Hub) deliver(event string, payload any, devicesOnly bool) {
	data, err := json.Marshal(outFrame{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "event", event, "error", err)
		return
	}

	// Snapshot under the hub lock, send without it.
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if devicesOnly && !client.IsDevice() {
			continue
		}
		client.trySend(data)
		sent++
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "event", event, "recipients", sent, "devices_only", devicesOnly)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Devices returns a snapshot of the registered device connections.
func (h *Hub) Devices() []DeviceInfo {
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	devices := make([]DeviceInfo, 0)
	for _, client := range clients {
		if info, ok := client.Device(); ok {
			devices = append(devices, info)
		}
	}
	return devices
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		h.metrics.ConnectionClosed(client.audience())
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the request to a real-time connection.
// Observers authenticate with an optional ?token= JWT; devices authenticate
// later, with device:register.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.admitter.AdmitObserver(r.URL.Query().Get("token")); err != nil {
		if auth.IsAuthError(err) {
			writeUnauthorized(w, err.Error())
			return
		}
		s.logger.Error("observer admission failed", "error", err)
		writeInternalError(w, "admission failed")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := s.hub.newClient(conn)
	s.hub.Register(client)
	client.emit(EventConnected, map[string]any{
		"message":   "Connected to greenhouse server",
		"conn_id":   client.id,
		"timestamp": time.Now().UTC(),
	})

	go client.writePump()
	go client.readPump(s)
}

// readPump reads frames until the connection fails, handing each to h.
func (c *WSClient) readPump(h messageHandler) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		h.handleClose(c)
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "conn_id", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "conn_id", c.id, "error", err)
			}
			return
		}
		// Controllers send application pings rather than answering
		// protocol pings, so any frame keeps the connection alive.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		h.handleMessage(c, message)
	}
}

// writePump writes queued frames and keepalive pings.
func (c *WSClient) writePump() {
	cfg := c.hub.cfg
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ID returns the connection id.
func (c *WSClient) ID() string {
	return c.id
}

// IsDevice reports whether the client has registered as a device.
func (c *WSClient) IsDevice() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device != nil
}

// Device returns the registration details of a device client.
func (c *WSClient) Device() (DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.device == nil {
		return DeviceInfo{}, false
	}
	return *c.device, true
}

// promote marks the client as a device and moves it between the
// connection gauges. A repeated registration only refreshes the details.
func (c *WSClient) promote(info DeviceInfo) {
	info.ConnID = c.id
	c.mu.Lock()
	first := c.device == nil
	c.device = &info
	c.mu.Unlock()

	if first {
		c.hub.metrics.ConnectionClosed(audienceObserver)
		c.hub.metrics.ConnectionOpened(audienceDevice)
	}
}

// recordMetrics stores the latest metrics report of a device client.
func (c *WSClient) recordMetrics(raw json.RawMessage, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return
	}
	c.device.LastMetrics = append(json.RawMessage(nil), raw...)
	c.device.LastMetricsAt = &at
}

func (c *WSClient) audience() string {
	if c.IsDevice() {
		return audienceDevice
	}
	return audienceObserver
}

// emit queues one frame for this client only.
func (c *WSClient) emit(event string, payload any) {
	data, err := json.Marshal(outFrame{Event: event, Data: payload})
	if err != nil {
		c.hub.logger.Error("failed to marshal message", "event", event, "conn_id", c.id, "error", err)
		return
	}
	c.trySend(data)
}

// emitError sends an error event with a machine-readable code.
func (c *WSClient) emitError(message, code string) {
	c.emit(EventError, map[string]string{"message": message, "code": code})
}

// trySend attempts to queue data for the client.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// disconnect removes the client from the hub. Frames already queued are
// still written before the write pump sends a close message.
func (c *WSClient) disconnect() {
	c.hub.Unregister(c)
}
