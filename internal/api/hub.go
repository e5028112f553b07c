package api

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tontap/internal/game"
	"tontap/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var _ game.Observer = (*Hub)(nil)

// Hub fans engine events out to each player's WebSocket connections and
// broadcasts leaderboard updates to everyone.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	count   int

	// OnCount is called with the connection count after every change.
	OnCount func(n int)
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

type leaderboardMessage struct {
	Kind    string                   `json:"type"`
	At      time.Time                `json:"at"`
	Entries []types.LeaderboardEntry `json:"leaderboard"`
}

// NewHub accepts upgrades from allowedOrigins, or from any origin when the
// list is empty or contains "*".
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{clients: map[string]map[*client]struct{}{}}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(strings.TrimRight(a, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return false
}

// Publish delivers e to the connections of e.UserID. It never blocks: a
// client whose buffer is full is dropped.
func (h *Hub) Publish(e game.Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		log.Printf("ws: marshal %s event: %v", e.Kind, err)
		return
	}
	h.mu.RLock()
	var slow []*client
	for c := range h.clients[e.UserID] {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.removeClient(c)
	}
}

// PublishLeaderboard broadcasts the current top list to every connection.
func (h *Hub) PublishLeaderboard(entries []types.LeaderboardEntry) {
	msg, err := json.Marshal(leaderboardMessage{Kind: "leaderboard", At: time.Now(), Entries: entries})
	if err != nil {
		return
	}
	h.mu.RLock()
	var slow []*client
	for _, set := range h.clients {
		for c := range set {
			select {
			case c.send <- msg:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.removeClient(c)
	}
}

// Serve upgrades the request and streams userID's events until the peer goes
// away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.addClient(c)

	go c.writePump()
	go c.readPump(h)
	return nil
}

// Count is the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Close disconnects everyone.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.clients
	h.clients = map[string]map[*client]struct{}{}
	h.count = 0
	h.mu.Unlock()
	for _, set := range all {
		for c := range set {
			close(c.send)
		}
	}
	h.notifyCount(0)
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	set := h.clients[c.userID]
	if set == nil {
		set = map[*client]struct{}{}
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.count++
	n := h.count
	h.mu.Unlock()
	h.notifyCount(n)
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	set := h.clients[c.userID]
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	h.count--
	n := h.count
	close(c.send)
	h.mu.Unlock()
	h.notifyCount(n)
}

func (h *Hub) notifyCount(n int) {
	if h.OnCount != nil {
		h.OnCount(n)
	}
}

// The client only sends pings; anything else is read and discarded.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: %s: %v", c.userID, err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
