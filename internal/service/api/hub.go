package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lanchat/internal/model"
	transferRepo "lanchat/internal/repository/transfer"
)

const (
	EventTransfers = "transfers"
	EventOffer     = "offer"
	EventText      = "text"
	EventReceipt   = "receipt"
	EventPeer      = "peer"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

type (
	Event struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}

	ReceiptEvent struct {
		Peer model.Peer        `json:"peer"`
		Kind model.ReceiptKind `json:"kind"`
		ID   string            `json:"id"`
		At   int64             `json:"at,omitempty"`
	}

	client struct {
		conn *websocket.Conn
		send chan Event
	}

	// Hub fans node events and registry snapshots out to every connected
	// websocket. It implements node.Notifier.
	Hub struct {
		mu      sync.Mutex
		clients map[*client]struct{}
		log     *zap.Logger
	}
)

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     logger,
	}
}

func (h *Hub) IncomingText(msg model.IncomingText) {
	h.Broadcast(Event{Type: EventText, Data: msg})
}

func (h *Hub) FileOffer(offer model.FileOffer) {
	h.Broadcast(Event{Type: EventOffer, Data: offer})
}

func (h *Hub) Receipt(peer model.Peer, kind model.ReceiptKind, id string, at int64) {
	h.Broadcast(Event{Type: EventReceipt, Data: ReceiptEvent{Peer: peer, Kind: kind, ID: id, At: at}})
}

// Broadcast queues ev for every client. A client that cannot keep up is
// disconnected rather than allowed to stall the others.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.log.Debug("websocket client too slow, dropping")
			h.removeLocked(c)
		}
	}
}

// Follow publishes every registry change until the returned func is called.
func (h *Hub) Follow(reg *transferRepo.Registry) func() {
	updates, stop := reg.Subscribe()
	go func() {
		for m := range updates {
			h.Broadcast(Event{Type: EventTransfers, Data: m})
		}
	}()
	return stop
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// HandleWS upgrades the request and streams events, starting with the
// current transfer map.
func (h *Hub) HandleWS(reg *transferRepo.Registry) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // the API binds to a local address
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		c := &client{conn: conn, send: make(chan Event, sendBuffer)}
		c.send <- Event{Type: EventTransfers, Data: reg.Snapshot()}

		h.mu.Lock()
		h.clients[c] = struct{}{}
		h.mu.Unlock()

		go h.writePump(c)
		go h.readPump(c)
	}
}

// readPump only handles control frames; clients drive the node through the
// REST routes.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4 << 10)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.log.Debug("websocket closed", zap.Error(err))
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				h.log.Debug("websocket write failed", zap.Error(err))
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
