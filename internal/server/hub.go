package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/dmdesk/internal/observe"
	"github.com/MrWong99/dmdesk/internal/queue"
	"github.com/MrWong99/dmdesk/internal/staging"
)

// Defaults for [HubConfig].
const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultSendBuffer   = 32
)

// HubConfig configures a [Hub].
type HubConfig struct {
	// Actions receives player actions sent over the socket. Optional; without
	// it inbound messages are ignored.
	Actions *queue.Queue[queue.PlayerAction]

	// Metrics is optional.
	Metrics *observe.Metrics

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// SendBuffer is the number of events buffered per client before it is
	// dropped as a slow consumer.
	SendBuffer int

	// AcceptOptions is passed to [websocket.Accept].
	AcceptOptions *websocket.AcceptOptions
}

// Hub keeps the push connections of every world and implements
// [staging.Notifier] on top of them.
type Hub struct {
	cfg HubConfig

	mu     sync.RWMutex
	worlds map[string]map[*client]struct{}
}

var _ staging.Notifier = (*Hub)(nil)

type client struct {
	worldID  string
	userID   string
	clientID string
	role     staging.Role

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// stop closes the client's done channel once.
func (c *client) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// NewHub creates an empty [Hub].
func NewHub(cfg HubConfig) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Hub{cfg: cfg, worlds: make(map[string]map[*client]struct{})}
}

// ServeWS upgrades the request and serves one client until it disconnects.
//
//	GET /worlds/{world}/ws?user_id=&client_id=&role=
//
// The identity query parameters are trusted as given. Deployments must put
// an auth proxy in front that rewrites them from the authenticated session;
// a connection claiming the DM role receives every DM event of the world.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	worldID := r.PathValue("world")
	q := r.URL.Query()
	role := staging.Role(q.Get("role"))
	if role == "" {
		role = staging.RolePlayer
	}
	if q.Get("client_id") == "" || !role.IsValid() {
		http.Error(w, "client_id and a valid role are required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, h.cfg.AcceptOptions)
	if err != nil {
		slog.Warn("hub: accept failed", "world_id", worldID, "err", err)
		return
	}

	c := &client{
		worldID:  worldID,
		userID:   q.Get("user_id"),
		clientID: q.Get("client_id"),
		role:     role,
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		done:     make(chan struct{}),
	}
	ctx := context.WithoutCancel(r.Context())
	h.register(ctx, c)
	defer h.unregister(ctx, c)

	go h.writeLoop(c)
	h.readLoop(ctx, c)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.worlds {
		for c := range clients {
			c.stop()
			c.conn.CloseNow()
		}
	}
}

// ConnectedClients returns the number of clients of a world.
func (h *Hub) ConnectedClients(worldID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.worlds[worldID])
}

// NotifyDM implements [staging.Notifier].
func (h *Hub) NotifyDM(ctx context.Context, worldID string, ev staging.Event) {
	h.broadcast(ctx, worldID, ev, func(c *client) bool { return c.role == staging.RoleDM })
}

// NotifyClient implements [staging.Notifier].
func (h *Hub) NotifyClient(ctx context.Context, worldID, clientID string, ev staging.Event) {
	if clientID == "" {
		return
	}
	h.broadcast(ctx, worldID, ev, func(c *client) bool { return c.clientID == clientID })
}

func (h *Hub) broadcast(ctx context.Context, worldID string, ev staging.Event, match func(*client) bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("hub: marshal event", "type", ev.Type, "err", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.worlds[worldID] {
		if !match(c) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("hub: dropping slow client", "world_id", worldID, "client_id", c.clientID, "event", ev.Type)
		h.unregister(ctx, c)
		go c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

func (h *Hub) register(ctx context.Context, c *client) {
	h.mu.Lock()
	clients, ok := h.worlds[c.worldID]
	if !ok {
		clients = make(map[*client]struct{})
		h.worlds[c.worldID] = clients
	}
	clients[c] = struct{}{}
	h.mu.Unlock()

	h.cfg.Metrics.ConnectedClients.Add(ctx, 1)
	slog.Info("hub: client connected", "world_id", c.worldID, "client_id", c.clientID, "user_id", c.userID, "role", c.role)
}

// unregister removes c once; later calls are no-ops.
func (h *Hub) unregister(ctx context.Context, c *client) {
	h.mu.Lock()
	clients := h.worlds[c.worldID]
	_, ok := clients[c]
	if ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.worlds, c.worldID)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.stop()
	h.cfg.Metrics.ConnectedClients.Add(ctx, -1)
	slog.Info("hub: client disconnected", "world_id", c.worldID, "client_id", c.clientID)
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Warn("hub: write failed", "world_id", c.worldID, "client_id", c.clientID, "err", err)
				c.stop()
				c.conn.CloseNow()
				return
			}
		}
	}
}

// inboundMessage is a player request sent over the socket.
type inboundMessage struct {
	Type       queue.ActionKind `json:"type"`
	SessionID  string           `json:"session_id"`
	PCID       string           `json:"pc_id"`
	PCName     string           `json:"pc_name"`
	RegionID   string           `json:"region_id"`
	LocationID string           `json:"location_id"`
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("hub: read ended", "client_id", c.clientID, "err", err)
			}
			return
		}
		h.handleInbound(c, data)
	}
}

func (h *Hub) handleInbound(c *client, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("hub: invalid inbound message", "client_id", c.clientID, "err", err)
		return
	}
	switch msg.Type {
	case queue.ActionEnterRegion, queue.ActionRequestResolution:
	default:
		slog.Warn("hub: unsupported inbound message", "client_id", c.clientID, "type", msg.Type)
		return
	}
	if h.cfg.Actions == nil || msg.RegionID == "" || msg.PCID == "" {
		return
	}
	id := h.cfg.Actions.Enqueue(queue.PlayerAction{
		Kind:       msg.Type,
		WorldID:    c.worldID,
		SessionID:  msg.SessionID,
		UserID:     c.userID,
		ClientID:   c.clientID,
		PCID:       msg.PCID,
		PCName:     msg.PCName,
		RegionID:   msg.RegionID,
		LocationID: msg.LocationID,
	})
	slog.Debug("hub: player action queued", "item_id", id, "client_id", c.clientID, "region_id", msg.RegionID)
}
