package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxkit/capture/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}

	host := u.Hostname()

	// Exact localhost matches
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	// Same-origin check (compare with request host)
	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	// Check private IP ranges using net.IP
	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// levelInterval throttles level pushes to websocket clients. Ticks arrive
// every 20ms; 100ms is plenty for a VU meter.
const levelInterval = 100 * time.Millisecond

// clientBufferSize is the per-client send queue. Slow clients drop messages
// rather than stall the engine.
const clientBufferSize = 16

// Hub fans engine updates out to websocket clients. It implements the
// capture engine's observer contract: OnLevel and OnStatus never block.
type Hub struct {
	mu        sync.Mutex
	clients   map[chan any]struct{}
	lastLevel time.Time
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[chan any]struct{})}
}

// Register adds a client send channel and returns an unregister func. The
// channel is closed on unregister; unregister is idempotent.
func (h *Hub) Register() (<-chan any, func()) {
	send := make(chan any, clientBufferSize)

	h.mu.Lock()
	h.clients[send] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return send, func() {
		once.Do(func() {
			// Closing under the lock keeps broadcasts from racing the close.
			h.mu.Lock()
			delete(h.clients, send)
			close(send)
			h.mu.Unlock()
		})
	}
}

// OnLevel pushes a throttled level update to all clients.
func (h *Hub) OnLevel(update types.LevelUpdate) {
	h.mu.Lock()
	now := time.Now()
	if now.Sub(h.lastLevel) < levelInterval {
		h.mu.Unlock()
		return
	}
	h.lastLevel = now
	h.broadcastLocked(types.WSLevelsMessage{Type: "levels", Levels: update})
	h.mu.Unlock()
}

// OnStatus pushes a coarse status transition to all clients.
func (h *Hub) OnStatus(status types.CoarseStatus) {
	h.mu.Lock()
	h.broadcastLocked(types.WSStatusMessage{Type: "status", Status: status})
	h.mu.Unlock()
}

// broadcastLocked sends to every client, dropping on full buffers.
// Caller must hold h.mu.
func (h *Hub) broadcastLocked(msg any) {
	for send := range h.clients {
		select {
		case send <- msg:
		default:
		}
	}
}
