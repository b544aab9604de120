// Package notify pushes risk profile updates to connected clients over
// WebSocket. The risk core only sees the Notifier interface; everything here
// is transport mechanics.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"lumachat/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the platform's session layer in front of this
	// endpoint; the hub accepts whatever that layer lets through.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks connected clients per user and fans risk updates out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]bool // uid -> connections
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]bool)}
}

// HandleWS upgrades the request and keeps the connection registered until the
// client goes away. The uid query parameter identifies the subscriber; in
// production it comes from the authenticated session in front of this core.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		http.Error(w, "missing uid", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("notify: websocket upgrade failed")
		return
	}

	c := &client{conn: conn}
	h.register(uid, c)
	metrics.NotifyClientsConnected.Inc()
	log.Debug().Str("uid", uid).Msg("notify: client connected")

	// Drain the connection; clients only listen, but reads are how we learn
	// the peer closed.
	go func() {
		defer func() {
			h.unregister(uid, c)
			conn.Close()
			metrics.NotifyClientsConnected.Dec()
			log.Debug().Str("uid", uid).Msg("notify: client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) register(uid string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[uid]
	if set == nil {
		set = make(map[*client]bool)
		h.clients[uid] = set
	}
	set[c] = true
}

func (h *Hub) unregister(uid string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.clients[uid]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, uid)
		}
	}
}

// Notify implements the risk core's sink: marshal once, fan out to every
// connection the user has open. Dead connections are dropped by their read
// loop; a failed write here is only logged.
func (h *Hub) Notify(uid string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("uid", uid).Msg("notify: marshal failed")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[uid]))
	for c := range h.clients[uid] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(data); err != nil {
			log.Debug().Err(err).Str("uid", uid).Msg("notify: write failed")
			continue
		}
		metrics.NotifyPushesTotal.Inc()
	}
}
