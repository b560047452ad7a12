package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512 * 1024

	// DefaultPinTimeout bounds how long a session waits for a client to answer a PIN request.
	DefaultPinTimeout = 2 * time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local agent, any origin
	},
}

// WSMessage is the envelope of every WebSocket frame.
type WSMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// Event is pushed to every client while a card session runs.
type Event struct {
	Event       string           `json:"event"`
	CardID      string           `json:"cardId,omitempty"`
	Message     *session.Message `json:"message,omitempty"`
	RemainingMs int64            `json:"remainingMs,omitempty"`
	Error       *ErrorBody       `json:"error,omitempty"`
}

type pinRequest struct {
	Kind session.PinKind `json:"kind"`
}

// WSClient is one connected WebSocket peer.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	ctx    context.Context
	cancel context.CancelFunc
}

// Hub tracks WebSocket clients and broadcasts session events to them. It is
// the session.Delegate of the card manager, so PIN requests are answered by
// whichever client replies first.
type Hub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex

	pinMu      sync.Mutex
	pending    map[string]chan string
	pinTimeout time.Duration
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		pending:    make(map[string]chan string),
		pinTimeout: DefaultPinTimeout,
	}
}

// SetPinTimeout changes how long RequestPIN waits for an answer.
func (h *Hub) SetPinTimeout(d time.Duration) {
	h.pinMu.Lock()
	h.pinTimeout = d
	h.pinMu.Unlock()
}

// Run is the hub loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer logging.RecoverAndLog("WebSocket hub", true)
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) publish(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		logging.Warn(logging.CatWebSocket, "Broadcast dropped", map[string]any{
			"type": msg.Type,
		})
	}
}

func (h *Hub) emit(e Event) {
	payload, _ := json.Marshal(e)
	h.publish(WSMessage{Type: "event", Payload: payload})
}

func (h *Hub) OnSessionStarted(cardID string, message *session.Message) {
	h.emit(Event{Event: "session_started", CardID: cardID, Message: message})
}

func (h *Hub) OnSecurityDelay(remaining time.Duration) {
	h.emit(Event{Event: "security_delay", RemainingMs: remaining.Milliseconds()})
}

func (h *Hub) OnTagConnected() { h.emit(Event{Event: "tag_connected"}) }

func (h *Hub) OnTagLost() { h.emit(Event{Event: "tag_lost"}) }

func (h *Hub) OnWrongCard() { h.emit(Event{Event: "wrong_card"}) }

func (h *Hub) OnSessionStopped(message *session.Message) {
	h.emit(Event{Event: "session_stopped", Message: message})
}

func (h *Hub) OnError(err error) {
	h.emit(Event{Event: "session_error", Error: errorBody(err)})
}

// RequestPIN asks connected clients for a PIN and waits for the first answer.
func (h *Hub) RequestPIN(ctx context.Context, kind session.PinKind) (string, error) {
	if h.Clients() == 0 {
		return "", errors.New("no client connected to enter a PIN")
	}

	id := uuid.NewString()
	answer := make(chan string, 1)
	h.pinMu.Lock()
	h.pending[id] = answer
	timeout := h.pinTimeout
	h.pinMu.Unlock()
	defer func() {
		h.pinMu.Lock()
		delete(h.pending, id)
		h.pinMu.Unlock()
	}()

	payload, _ := json.Marshal(pinRequest{Kind: kind})
	h.publish(WSMessage{Type: "pin_request", ID: id, Payload: payload})
	logging.Info(logging.CatWebSocket, "PIN requested", map[string]any{
		"request": id,
		"kind":    int(kind),
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pin := <-answer:
		return pin, nil
	case <-timer.C:
		return "", errors.New("PIN request timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// answerPIN delivers a client's reply to a pending request.
func (h *Hub) answerPIN(id, pin string) bool {
	h.pinMu.Lock()
	answer, ok := h.pending[id]
	delete(h.pending, id)
	h.pinMu.Unlock()
	if !ok {
		return false
	}
	answer <- pin
	return true
}

// handleWebSocket upgrades the connection and serves one client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &WSClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    s.hub,
		ctx:    ctx,
		cancel: cancel,
	}
	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"client":     client.id,
		"remoteAddr": r.RemoteAddr,
	})

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		cancel()
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(s)
}

func (c *WSClient) readPump(s *Server) {
	defer logging.RecoverAndLog("WebSocket readPump", false)
	defer func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"client": c.id,
					"error":  err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", map[string]any{
					"client": c.id,
				})
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", badRequest("invalid message format"))
			continue
		}
		c.handleMessage(s, msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer logging.RecoverAndLog("WebSocket writePump", false)
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

func (c *WSClient) handleMessage(s *Server, msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"client": c.id,
		"type":   msg.Type,
		"id":     msg.ID,
	})

	switch msg.Type {
	case "pin":
		var req struct {
			Pin string `json:"pin"`
		}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendError(msg.ID, badRequest("invalid payload"))
			return
		}
		if !c.hub.answerPIN(msg.ID, req.Pin) {
			c.sendError(msg.ID, badRequest("no pending PIN request "+msg.ID))
		}
	case "cancel":
		c.sendResponse(msg.ID, "cancel_result", map[string]bool{"cancelled": s.manager.Cancel()})
	case "readers":
		readers, err := s.listReaders()
		if err != nil {
			c.sendError(msg.ID, err)
			return
		}
		c.sendResponse(msg.ID, "readers_result", readers)
	case "version":
		c.sendResponse(msg.ID, "version_result", versionInfo())
	case "health":
		c.sendResponse(msg.ID, "health_result", s.health())
	default:
		op, ok := operations[msg.Type]
		if !ok {
			logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
				"type": msg.Type,
			})
			c.sendError(msg.ID, badRequest("unknown message type: "+msg.Type))
			return
		}
		id, resultType := msg.ID, msg.Type+"_result"
		err := op(c.ctx, s, msg.Payload, func(v any, err error) {
			if err != nil {
				c.sendError(id, err)
				return
			}
			c.sendResponse(id, resultType, v)
		})
		if err != nil {
			c.sendError(id, err)
		}
	}
}

// deliver queues a frame unless the client has gone away.
func (c *WSClient) deliver(data []byte) {
	defer func() {
		// send is closed once the hub drops the client
		recover()
	}()
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.sendError(id, err)
		return
	}
	data, _ := json.Marshal(WSMessage{Type: msgType, ID: id, Payload: body})
	c.deliver(data)
}

func (c *WSClient) sendError(id string, err error) {
	data, _ := json.Marshal(WSMessage{Type: "error", ID: id, Error: errorBody(err)})
	c.deliver(data)
}

// errorBody is the JSON form of an error.
func errorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	body := &ErrorBody{Message: err.Error()}
	var re *requestError
	if errors.As(err, &re) {
		body.Kind = "bad request"
		return body
	}
	if code := sdkerr.CodeOf(err); code != 0 {
		body.Code = int(code)
		body.Kind = code.String()
	}
	return body
}
