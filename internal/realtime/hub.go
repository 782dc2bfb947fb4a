package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/holonext/scenesync/pkg/logger"
	"github.com/holonext/scenesync/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	defaultBufferSize = 64
)

// Message is the JSON envelope exchanged with clients in both directions.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// EventHandler receives decoded client events. Implemented by the collab
// lifecycle manager.
type EventHandler interface {
	HandleConnect(connID string)
	HandleEvent(connID, event string, data json.RawMessage)
	HandleDisconnect(connID string)
}

// Hub owns all websocket connections and their room memberships, and
// fans outgoing events to the right audience. It satisfies the collab
// package's Transport interface.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*connection
	rooms    map[string]map[string]*connection
	handler  EventHandler
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub constructs a hub that additionally trusts the supplied frontend
// origin. Same-origin and loopback requests are always allowed.
func NewHub(allowedOrigin string) *Hub {
	allowedHost := hostWithoutPort(allowedOrigin)

	return &Hub{
		conns: make(map[string]*connection),
		rooms: make(map[string]map[string]*connection),
		log:   logger.WithModule("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				if originHost == requestHost || isLoopback(originHost) {
					return true
				}
				return allowedHost != "" && originHost == allowedHost
			},
		},
	}
}

// SetHandler installs the event handler. Must be called before Serve.
func (h *Hub) SetHandler(handler EventHandler) {
	h.handler = handler
}

// Serve upgrades the HTTP request, assigns the connection its id, and runs
// the read loop until the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &connection{
		hub:    h,
		socket: socket,
		id:     uuid.NewString(),
		send:   make(chan Message, defaultBufferSize),
	}

	h.mu.Lock()
	h.conns[client.id] = client
	h.mu.Unlock()
	metrics.ConnectedClients.Inc()

	if h.handler != nil {
		h.handler.HandleConnect(client.id)
	}

	go client.writeLoop()
	client.readLoop()
}

// Connected reports whether the connection id is still registered.
func (h *Hub) Connected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.conns[connID]
	return ok
}

// JoinRoom adds the connection to the room's broadcast audience.
func (h *Hub) JoinRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.conns[connID]
	if !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*connection)
	}
	h.rooms[room][connID] = client
}

// LeaveRoom removes the connection from the room, dropping the room once
// its last member is gone.
func (h *Hub) LeaveRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveRoomLocked(connID, room)
}

// Send delivers an event to a single connection, best-effort.
func (h *Hub) Send(connID, event string, data any) {
	h.mu.RLock()
	client, ok := h.conns[connID]
	h.mu.RUnlock()

	if !ok {
		return
	}
	h.enqueue(client, Message{Event: event, Data: data})
}

// BroadcastExcept delivers an event to every room member except one. A
// slow recipient is dropped rather than allowed to block the rest.
func (h *Hub) BroadcastExcept(room, exceptConnID, event string, data any) {
	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*connection, 0, len(members))
	for id, client := range members {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	msg := Message{Event: event, Data: data}
	for _, client := range targets {
		h.enqueue(client, msg)
	}
}

// Close tears down every connection, typically on server shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*connection, 0, len(h.conns))
	for _, client := range h.conns {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.close()
	}
}

func (h *Hub) leaveRoomLocked(connID, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) unregister(client *connection) {
	h.mu.Lock()
	if _, ok := h.conns[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, client.id)
	for room := range h.rooms {
		h.leaveRoomLocked(client.id, room)
	}
	h.mu.Unlock()

	metrics.ConnectedClients.Dec()
	if h.handler != nil {
		h.handler.HandleDisconnect(client.id)
	}
}

func (h *Hub) enqueue(client *connection, message Message) {
	delivered, open := client.trySend(message)
	if delivered || !open {
		return
	}
	h.log.Warn("dropping backpressure client", zap.String("conn", client.id))
	client.close()
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
