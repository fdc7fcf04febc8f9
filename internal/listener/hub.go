package listener

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/homecast-relay/internal/bus"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/logging"
)

// Frame types sent to listeners.
const (
	TypeConnected            = "connected"
	TypeCharacteristicUpdate = "characteristic_update"
	TypeReachabilityUpdate   = "reachability_update"
	TypePing                 = "ping"
	TypePong                 = "pong"

	// sendBufferSize is the per-client outbound message buffer size.
	sendBufferSize = 256

	directoryWait = 5 * time.Second
)

// Close codes sent to rejected listeners.
const (
	CloseMissingToken = 4000
	CloseInvalidToken = 4001
)

// Defaults applied by NewHub when the corresponding Config field is zero.
const (
	DefaultMaxMessageSize = 64 << 10
	DefaultPingInterval   = 30 * time.Second
	DefaultPongTimeout    = 60 * time.Second
)

// Frame is a state-change frame sent to listeners.
type Frame struct {
	Type               string          `json:"type"`
	DeviceID           string          `json:"deviceId,omitempty"`
	AccessoryID        string          `json:"accessoryId,omitempty"`
	CharacteristicType string          `json:"characteristicType,omitempty"`
	Value              json.RawMessage `json:"value,omitempty"`
	IsReachable        *bool           `json:"isReachable,omitempty"`
}

// ConnectedFrame is sent once after a listener is accepted.
type ConnectedFrame struct {
	Type             string  `json:"type"`
	ServerInstanceID string  `json:"serverInstanceId"`
	PubsubEnabled    bool    `json:"pubsubEnabled"`
	PubsubSlot       *string `json:"pubsubSlot"`
}

// Verifier checks a listener token and returns the user id.
type Verifier func(token string) (userID string, err error)

// Directory records listener sessions.
type Directory interface {
	AddListener(ctx context.Context, sessionID, userID, instanceID string) error
	RemoveListener(ctx context.Context, sessionID string) error
	Listeners(ctx context.Context, userID string) ([]string, error)
}

// Notifier is told whether a user has listeners anywhere.
type Notifier interface {
	NotifyListeners(userID string, listening bool)
}

// Config configures a Hub.
type Config struct {
	InstanceID string

	// Slot returns the bus slot held by this instance; nil in local-only
	// mode.
	Slot func() string

	MaxMessageSize int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// Hub manages listener connections.
type Hub struct {
	cfg      Config
	dir      Directory
	verify   Verifier
	notifier Notifier
	logger   *logging.Logger

	clients map[*Client]struct{}
	mu      sync.RWMutex
}

// Client is one connected listener.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	userID    string
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a listener hub.
func NewHub(cfg Config, dir Directory, verify Verifier, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	return &Hub{
		cfg:     cfg,
		dir:     dir,
		verify:  verify,
		logger:  logger,
		clients: make(map[*Client]struct{}),
	}
}

// SetNotifier sets who is told about listener placement changes.
func (h *Hub) SetNotifier(n Notifier) {
	h.notifier = n
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ServeWS upgrades a listener connection. The token comes from the
// "token" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("listener websocket upgrade failed", "error", err)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		closeWith(conn, CloseMissingToken, "Missing token")
		return
	}
	userID, err := h.verify(token)
	if err != nil {
		h.logger.Debug("listener token rejected", "error", err)
		closeWith(conn, CloseInvalidToken, "Invalid token")
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		sessionID: uuid.NewString(),
		userID:    userID,
	}
	if err := h.Register(r.Context(), client); err != nil {
		h.logger.Error("registering listener failed", "user_id", userID, "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "Session unavailable")
		return
	}

	client.trySend(h.connectedFrame())

	go client.writePump()
	go client.readPump()
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	//nolint:errcheck // Best-effort close frame
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	conn.Close() //nolint:errcheck // Closing
}

func (h *Hub) connectedFrame() []byte {
	frame := ConnectedFrame{Type: TypeConnected, ServerInstanceID: h.cfg.InstanceID}
	if h.cfg.Slot != nil {
		if s := h.cfg.Slot(); s != "" {
			frame.PubsubEnabled = true
			frame.PubsubSlot = &s
		}
	}
	data, _ := json.Marshal(frame) //nolint:errcheck // Fixed shape
	return data
}

// Register records the client in the directory and adds it to the hub.
func (h *Hub) Register(ctx context.Context, client *Client) error {
	if err := h.dir.AddListener(ctx, client.sessionID, client.userID, h.cfg.InstanceID); err != nil {
		return err
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("listener connected", "user_id", client.userID, "session_id", client.sessionID, "clients", h.ClientCount())
	if h.notifier != nil {
		h.notifier.NotifyListeners(client.userID, true)
	}
	return nil
}

// Unregister removes a client from the hub and the directory.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if !existed {
		return
	}
	close(client.send)

	ctx, cancel := context.WithTimeout(context.Background(), directoryWait)
	defer cancel()
	if err := h.dir.RemoveListener(ctx, client.sessionID); err != nil {
		h.logger.Warn("removing listener session failed", "session_id", client.sessionID, "error", err)
	}
	h.logger.Info("listener disconnected", "user_id", client.userID, "session_id", client.sessionID, "clients", h.ClientCount())

	if h.notifier == nil {
		return
	}
	instances, err := h.dir.Listeners(ctx, client.userID)
	if err != nil {
		h.logger.Warn("listener lookup failed", "user_id", client.userID, "error", err)
		return
	}
	h.notifier.NotifyListeners(client.userID, len(instances) > 0)
}

// Deliver sends updates to userID's listeners on this instance. It
// satisfies broadcast.LocalDelivery.
func (h *Hub) Deliver(userID string, updates []bus.Update) {
	h.mu.RLock()
	var clients []*Client
	for client := range h.clients {
		if client.userID == userID {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	for _, u := range updates {
		data, err := json.Marshal(frameFor(u))
		if err != nil {
			h.logger.Error("failed to marshal listener frame", "error", err)
			continue
		}
		for _, client := range clients {
			client.trySend(data)
		}
	}
}

func frameFor(u bus.Update) Frame {
	f := Frame{
		DeviceID:    u.DeviceID,
		AccessoryID: u.AccessoryID,
	}
	switch u.Type {
	case bus.UpdateReachability:
		f.Type = TypeReachabilityUpdate
		f.IsReachable = u.IsReachable
	default:
		f.Type = TypeCharacteristicUpdate
		f.CharacteristicType = u.CharacteristicType
		f.Value = u.Value
	}
	return f
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients. Their read pumps unregister them.
func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.conn.Close() //nolint:errcheck // Closing
	}
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close() //nolint:errcheck // Closing
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("listener read error", "error", err)
			} else {
				c.hub.logger.Debug("listener closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *Client) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // Closing
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage answers client pings. Anything else only keeps the
// connection alive.
func (c *Client) handleMessage(data []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Type == TypePing {
		c.trySend([]byte(`{"type":"` + TypePong + `"}`))
	}
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during delivery)
// and full buffers (slow client).
func (c *Client) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}
