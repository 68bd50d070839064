package statusws

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
	Result interface{} `json:"result"`
	Error  *rpcError   `json:"error"`
	ID     interface{} `json:"id"`
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestInitialStatusAndNotify(t *testing.T) {
	h := NewHub(func() interface{} { return map[string]interface{}{"active": false} }, nil)
	conn := dial(t, h)

	m := read(t, conn)
	assert.Equal(t, "notify_status", m.Method)
	assert.Equal(t, map[string]interface{}{"active": false}, m.Params)

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	h.Notify(NotifyActivity, map[string]bool{"active": true})
	m = read(t, conn)
	assert.Equal(t, NotifyActivity, m.Method)
	assert.Equal(t, map[string]interface{}{"active": true}, m.Params)
}

func TestRequests(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	h := NewHub(
		func() interface{} { return "snapshot" },
		func(ctx context.Context, line string) ([]string, error) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
			if line == "BAD" {
				return nil, fmt.Errorf("unknown command: BAD")
			}
			return []string{"ok"}, nil
		},
	)
	conn := dial(t, h)
	read(t, conn) // initial status

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "method": "probe.status", "id": 1}))
	m := read(t, conn)
	assert.Equal(t, "snapshot", m.Result)
	assert.EqualValues(t, 1, m.ID)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "method": "probe.gcode", "id": 2,
		"params": map[string]string{"script": "MAKE_TARE"},
	}))
	m = read(t, conn)
	assert.Equal(t, []interface{}{"ok"}, m.Result)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "method": "probe.gcode", "id": 3,
		"params": map[string]string{"script": "BAD"},
	}))
	m = read(t, conn)
	require.NotNil(t, m.Error)
	assert.Equal(t, -32000, m.Error.Code)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "method": "nope", "id": 4}))
	m = read(t, conn)
	require.NotNil(t, m.Error)
	assert.Equal(t, -32601, m.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	m = read(t, conn)
	require.NotNil(t, m.Error)
	assert.Equal(t, -32700, m.Error.Code)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"MAKE_TARE", "BAD"}, lines)
}

func TestCloseDisconnectsClients(t *testing.T) {
	h := NewHub(nil, nil)
	conn := dial(t, h)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	h.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
