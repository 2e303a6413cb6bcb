package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pushInterval = time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second // must be < pongWait
	writeWait    = 10 * time.Second
	maxMsgSize   = 4 * 1024
	sendBuffer   = 16
)

// The status feed is an operator-LAN surface, same trust model as the
// wide-open CORS policy on the JSON routes.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// eventFrame is one websocket message.
type eventFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// hub owns the websocket clients and pushes the status document to all
// of them once a second. A slow client drops frames rather than stall
// the feed.
type hub struct {
	payload func() any
	log     *slog.Logger

	mu      sync.Mutex
	clients map[string]*wsClient

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newHub(payload func() any) *hub {
	return &hub{
		payload: payload,
		log:     slog.With("component", "statusapi"),
		clients: make(map[string]*wsClient),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (h *hub) start() {
	go h.broadcastLoop()
}

func (h *hub) stop() {
	h.once.Do(func() { close(h.quit) })
	<-h.done

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *hub) broadcastLoop() {
	defer close(h.done)
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.quit:
			return
		case <-ticker.C:
			h.mu.Lock()
			n := len(h.clients)
			h.mu.Unlock()
			if n == 0 {
				continue
			}
			frame, err := json.Marshal(eventFrame{Type: "status", Data: h.payload()})
			if err != nil {
				h.log.Error("failed to encode status frame", "error", err)
				continue
			}
			h.broadcast(frame)
		}
	}
}

func (h *hub) broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// Client is not keeping up; skip this frame for it.
		}
	}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("status feed client connected", "client", c.id, "clients", n)
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("status feed client disconnected", "client", c.id, "clients", n)
}

// handleEvents upgrades the connection and serves the 1 Hz feed until
// the client goes away.
func (h *hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(c)

	// First frame immediately, so a dashboard renders without waiting
	// out the tick.
	if frame, err := json.Marshal(eventFrame{Type: "status", Data: h.payload()}); err == nil {
		c.send <- frame
	}

	go c.writePump()
	go c.readPump()
}

// wsClient is one feed subscriber. writePump owns all writes to the
// connection, readPump all reads; close is idempotent.
type wsClient struct {
	id   string
	hub  *hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		c.conn.Close()
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump drains the connection for control frames; the feed is
// one-way.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("status feed read failed", "client", c.id, "error", err)
			}
			return
		}
	}
}
