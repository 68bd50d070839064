// Package statusws pushes probe notifications to websocket clients and
// answers a small JSON-RPC surface (status snapshot, console commands).
package statusws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"klipper-analog-probe/pkg/log"
)

// Notification methods pushed to every client.
const (
	NotifyCalibration    = "notify_calibration"
	NotifyActivity       = "notify_activity"
	NotifySessionFlushed = "notify_session_flushed"
	NotifyProbeState     = "notify_probe_state"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	maxReadSize = 64 * 1024
	sendBuffer  = 64
)

// StatusFunc returns the current status snapshot.
type StatusFunc func() interface{}

// CommandFunc runs one console line and returns its output.
type CommandFunc func(ctx context.Context, line string) ([]string, error)

// Hub owns the connected clients.
type Hub struct {
	upgrader websocket.Upgrader
	status   StatusFunc
	command  CommandFunc
	logger   *log.Logger

	mu      sync.RWMutex
	clients map[int64]*client
	nextID  int64
	closed  bool
}

// NewHub creates a hub. Either callback may be nil, which disables the
// matching request method.
func NewHub(status StatusFunc, command CommandFunc) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		status:  status,
		command: command,
		logger:  log.GetLogger("statusws"),
		clients: make(map[int64]*client),
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Notify broadcasts a notification. Slow clients drop messages rather
// than stall the caller.
func (h *Hub) Notify(method string, params interface{}) {
	msg := rpcNotification{JSONRPC: "2.0", Method: method, Params: params}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.send(msg)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and runs the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	c := &client{
		id:     atomic.AddInt64(&h.nextID, 1),
		conn:   conn,
		hub:    h,
		sendCh: make(chan interface{}, sendBuffer),
		done:   make(chan struct{}),
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Debug("client %d connected", c.id)
	if h.status != nil {
		c.send(rpcNotification{JSONRPC: "2.0", Method: "notify_status", Params: h.status()})
	}

	go c.writePump()
	c.readPump(r.Context())
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.logger.Debug("client %d disconnected", c.id)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) dispatch(ctx context.Context, req rpcRequest) (interface{}, *rpcError) {
	switch req.Method {
	case "probe.status":
		if h.status == nil {
			break
		}
		return h.status(), nil
	case "probe.gcode":
		if h.command == nil {
			break
		}
		var p struct {
			Script string `json:"script"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Script == "" {
			return nil, &rpcError{Code: -32602, Message: "params.script is required"}
		}
		out, err := h.command(ctx, p.Script)
		if err != nil {
			return nil, &rpcError{Code: -32000, Message: err.Error()}
		}
		if out == nil {
			out = []string{}
		}
		return out, nil
	}
	return nil, &rpcError{Code: -32601, Message: "method not found: " + req.Method}
}

// client is one websocket connection with its own write goroutine.
type client struct {
	id     int64
	conn   *websocket.Conn
	hub    *Hub
	sendCh chan interface{}
	done   chan struct{}
	once   sync.Once
}

func (c *client) send(msg interface{}) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.hub.logger.Warn("dropping message to client %d (buffer full)", c.id)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxReadSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WithError(err).Debug("client %d read error", c.id)
			}
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
			continue
		}
		result, rerr := c.hub.dispatch(ctx, req)
		c.send(rpcResponse{JSONRPC: "2.0", Result: result, Error: rerr, ID: req.ID})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.WithError(err).Debug("client %d write error", c.id)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
