package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/itskum47/TradeForge/engine/bus"
)

const (
	maxWSClients = 200
	wsWriteWait  = 5 * time.Second
	wsSendBuffer = 64
	wsPingPeriod = 30 * time.Second
)

// EventHub relays engine events to websocket clients so the web layer can
// render live task and queue activity without polling.
type EventHub struct {
	log       zerolog.Logger
	broadcast chan []byte

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewEventHub subscribes to the full event stream and prepares the broadcast
// fan-out. Run must be called to start delivery.
func NewEventHub(eventBus *bus.Bus, log zerolog.Logger) *EventHub {
	h := &EventHub{
		log:       log.With().Str("component", "ws_hub").Logger(),
		broadcast: make(chan []byte, 256),
		clients:   make(map[*wsClient]struct{}),
	}
	eventBus.Subscribe("ws_hub", nil, func(ev bus.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- data:
		default:
			// Hub backlogged; clients catch up from the API.
		}
		return nil
	})
	return h
}

// Run fans broadcast frames out to every connected client until ctx ends.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case data := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Slow consumer; drop it rather than stall the hub.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *EventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *EventHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= maxWSClients {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *EventHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// handleWS upgrades the connection and streams events until the client goes
// away.
func (h *EventHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	if !h.register(c) {
		h.log.Warn().Msg("websocket client limit reached")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "client limit reached"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *EventHub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; its job is to notice the close.
func (h *EventHub) readLoop(c *wsClient) {
	defer h.unregister(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
