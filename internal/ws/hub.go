// Package ws is the event bus's subscriber transport: one global room for
// trade and book events, plus one room per authenticated user for wallet
// events. A connection never blocks the engine — it only ever receives
// already-committed events handed to it by the engine's Outbox.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fenex/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	pingInterval = 25 * time.Second
	pingMisses   = 2
	sendBuffer   = 64
)

// Hub fans out trade/book/wallet events to every connected subscriber. It
// implements engine.Outbox directly so the engine can publish into it
// without an adapter.
type Hub struct {
	mu      sync.RWMutex
	global  map[*conn]bool
	byUser  map[string]map[*conn]bool
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID string // empty for an anonymous connection
	misses int
}

func NewHub() *Hub {
	return &Hub{
		global: make(map[*conn]bool),
		byUser: make(map[string]map[*conn]bool),
	}
}

// PublishTrade implements engine.Outbox.
func (h *Hub) PublishTrade(t model.Trade) {
	h.broadcastGlobal(fmt.Sprintf("Trade Executed | price=%s qty=%s buy_order=%s sell_order=%s",
		t.Price.String(), t.Quantity.String(), t.BuyOrderID, t.SellOrderID))
}

// PublishBook implements engine.Outbox.
func (h *Hub) PublishBook(snapshot model.BookSnapshot) {
	b, err := json.Marshal(snapshot)
	if err != nil {
		log.Error().Err(err).Msg("ws: marshal book snapshot")
		return
	}
	h.broadcastGlobal("Order Book Update: " + string(b))
}

// PublishWallet implements engine.Outbox. Only the owning user's room
// receives it — wallet state is not a global event.
func (h *Hub) PublishWallet(delta model.WalletDelta) {
	b, err := json.Marshal(delta)
	if err != nil {
		log.Error().Err(err).Msg("ws: marshal wallet delta")
		return
	}
	msg := fmt.Sprintf("Wallet Update | User %s: %s", delta.UserID, string(b))
	h.mu.RLock()
	room := h.byUser[delta.UserID]
	conns := make([]*conn, 0, len(room))
	for c := range room {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.tryEnqueue([]byte(msg))
	}
}

func (h *Hub) broadcastGlobal(msg string) {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.global))
	for c := range h.global {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.tryEnqueue([]byte(msg))
	}
}

func (c *conn) tryEnqueue(b []byte) {
	select {
	case c.send <- b:
	default:
		log.Warn().Str("user_id", c.userID).Msg("ws: slow subscriber, dropping frame")
	}
}

// HandleWS upgrades the connection and registers it. userID is empty for an
// anonymous connection — it still receives global trade/book events but
// never wallet events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, userID string) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws: upgrade failed")
		return
	}
	c := &conn{ws: wsConn, send: make(chan []byte, sendBuffer), hub: h, userID: userID}

	h.mu.Lock()
	h.global[c] = true
	if userID != "" {
		room, ok := h.byUser[userID]
		if !ok {
			room = make(map[*conn]bool)
			h.byUser[userID] = room
		}
		room[c] = true
	}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadDeadline(time.Now().Add(pingInterval * (pingMisses + 1)))
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "pong" {
			c.misses = 0
			c.ws.SetReadDeadline(time.Now().Add(pingInterval * (pingMisses + 1)))
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.misses++
			if c.misses > pingMisses {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.global, c)
	if c.userID != "" {
		if room, ok := h.byUser[c.userID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.byUser, c.userID)
			}
		}
	}
	close(c.send)
}
