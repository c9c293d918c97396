package delivery

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ClientMessage is an inbound websocket frame. Clients bind to the
// subscriptions whose notifications they want to receive.
type ClientMessage struct {
	Action        string   `json:"action"`
	Subscriptions []string `json:"subscriptions"`
}

// Conn abstracts a websocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single websocket connection and its bound subscriptions.
type Client struct {
	ID            string
	Subscriptions []string
	Send          chan []byte
	conn          Conn
}

// Hub tracks websocket clients keyed by the subscription ids they are
// bound to. All operations are thread-safe.
type Hub struct {
	mu    sync.RWMutex
	bound map[string]map[*Client]struct{}
	all   map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		bound: make(map[string]map[*Client]struct{}),
		all:   make(map[*Client]struct{}),
	}
}

// Register adds a client and binds it to its initial subscriptions.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, id := range client.Subscriptions {
		h.bindLocked(client, id)
	}
}

// Unregister removes a client from every binding and closes its send
// channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, id := range client.Subscriptions {
		h.unbindLocked(client, id)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) bindLocked(client *Client, id string) {
	if h.bound[id] == nil {
		h.bound[id] = make(map[*Client]struct{})
	}
	h.bound[id][client] = struct{}{}
}

func (h *Hub) unbindLocked(client *Client, id string) {
	if clients, ok := h.bound[id]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.bound, id)
		}
	}
}

// Bind adds subscription bindings to an already-registered client.
func (h *Hub) Bind(client *Client, ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range ids {
		h.bindLocked(client, id)
	}
	client.Subscriptions = append(client.Subscriptions, ids...)
}

// Unbind removes subscription bindings from a client.
func (h *Hub) Unbind(client *Client, ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		removeSet[id] = struct{}{}
		h.unbindLocked(client, id)
	}
	remaining := client.Subscriptions[:0]
	for _, id := range client.Subscriptions {
		if _, rm := removeSet[id]; !rm {
			remaining = append(remaining, id)
		}
	}
	client.Subscriptions = remaining
}

// ProcessMessage dispatches an inbound client frame.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "bind-subscription":
		h.Bind(client, msg.Subscriptions)
	case "unbind-subscription":
		h.Unbind(client, msg.Subscriptions)
	}
}

// Broadcast sends a payload to every client bound to the subscription
// and reports how many received it. Clients with a full buffer are
// skipped rather than blocked on.
func (h *Hub) Broadcast(subscriptionID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.bound[subscriptionID] {
		select {
		case client.Send <- payload:
			sent++
		default:
		}
	}
	return sent
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// BoundCount returns the number of clients bound to a subscription.
func (h *Hub) BoundCount(subscriptionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bound[subscriptionID])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SocketHandler upgrades HTTP connections and pumps hub traffic.
type SocketHandler struct {
	hub *Hub
	log zerolog.Logger
}

func NewSocketHandler(hub *Hub, log zerolog.Logger) *SocketHandler {
	return &SocketHandler{hub: hub, log: log}
}

// Handle upgrades the request, registers the client, and starts the
// read/write pumps.
func (sh *SocketHandler) Handle(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:   uuid.NewString(),
		Send: make(chan []byte, 64),
		conn: &gorillaConn{ws},
	}
	sh.hub.Register(client)
	sh.log.Debug().Str("client", client.ID).Msg("websocket client connected")

	go sh.writePump(client, ws)
	go sh.readPump(client, ws)
	return nil
}

func (sh *SocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		sh.hub.Unregister(client)
		ws.Close()
		sh.log.Debug().Str("client", client.ID).Msg("websocket client disconnected")
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		sh.hub.ProcessMessage(client, msg)
	}
}

func (sh *SocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

type gorillaConn struct {
	conn *gorillawebsocket.Conn
}

func (g *gorillaConn) ReadMessage() (int, []byte, error) {
	return g.conn.ReadMessage()
}

func (g *gorillaConn) WriteMessage(messageType int, data []byte) error {
	return g.conn.WriteMessage(messageType, data)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}
