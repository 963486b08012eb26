package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/limnolab/aquifer/pkg/cache"
	"github.com/limnolab/aquifer/pkg/serve"
	"github.com/limnolab/aquifer/pkg/warmer"
)

const (
	wsReadBuffer     = 1024
	wsWriteBuffer    = 1024
	wsBroadcastQueue = 256
	wsControlQueue   = 10
	wsWriteDeadline  = 10 * time.Second
	wsReadDeadline   = 60 * time.Second
	wsPingInterval   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client.
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  wsReadBuffer,
	WriteBufferSize: wsWriteBuffer,
}

// Hub fans stats snapshots out to websocket subscribers, typically the
// monitoring dashboard.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	log        *zap.SugaredLogger
	mu         sync.RWMutex
}

// NewHub builds a hub; logger may be nil. Run must be started for the
// hub to move messages.
func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, wsControlQueue),
		unregister: make(chan *websocket.Conn, wsControlQueue),
		broadcast:  make(chan []byte, wsBroadcastQueue),
		log:        logger,
	}
}

// Run is the hub's main loop. It returns when ctx is cancelled, closing
// every client connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.Close()
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("websocket client connected", "total", count)
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				_ = conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("websocket client disconnected", "total", count)
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			// Unregister failures without holding the lock.
			for _, conn := range failed {
				h.unregister <- conn
			}
		}
	}
}

// Broadcast queues a message for every subscriber. A full queue drops
// the message rather than blocking the caller.
func (h *Hub) Broadcast(v any) error {
	message, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- message:
	default:
		h.log.Debugw("broadcast queue full, dropping message")
	}
	return nil
}

// HasClients reports whether anyone is subscribed.
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// StatsSnapshot is the periodic websocket payload.
type StatsSnapshot struct {
	Type      string       `json:"type"`
	Timestamp int64        `json:"timestamp"`
	Cache     cache.Stats  `json:"cache"`
	Warming   warmer.Stats `json:"warming"`
}

// BroadcastStats pushes a stats snapshot to subscribers every interval
// until ctx is cancelled. Intervals with no subscribers skip the
// snapshot entirely.
func BroadcastStats(ctx context.Context, hub *Hub, eng *serve.Engine, w *warmer.Warmer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !hub.HasClients() {
				continue
			}
			snap := StatsSnapshot{
				Type:      "stats",
				Timestamp: time.Now().Unix(),
				Cache:     eng.CacheStats(),
				Warming:   w.Stats(),
			}
			if err := hub.Broadcast(snap); err != nil {
				hub.log.Warnw("stats broadcast failed", "error", err)
			}
		}
	}
}

// handleWebSocket upgrades the connection and parks it on the hub. The
// read loop only services control frames; the hub does all writing.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	h.hub.register <- conn

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		h.hub.unregister <- conn
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Debugw("websocket read ended", "error", err)
			}
			return
		}
	}
}
