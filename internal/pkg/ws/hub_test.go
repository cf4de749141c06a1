package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// newScanServer 每个连接订阅 URL 查询参数中的 scan
func newScanServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := &Client{ScanID: r.URL.Query().Get("scan"), Conn: conn}
		hub.Register(client)
		defer hub.Unregister(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, scanID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/?scan=" + scanID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewHub(t *testing.T) {
	hub := NewHub(nil)

	assert.NotNil(t, hub)
	assert.Equal(t, 0, hub.ConnectionCount())
	assert.False(t, hub.HasSubscribers("a1b2c3d4"))
}

func TestHub_SendToScan_NoSubscribers(t *testing.T) {
	hub := NewHub(nil)

	err := hub.SendToScan("a1b2c3d4", &Message{Type: "test"})
	assert.NoError(t, err)
}

func TestHub_SendToScan(t *testing.T) {
	hub := NewHub(nil)
	server := newScanServer(t, hub)

	subscriber := dial(t, server, "scan1")
	other := dial(t, server, "scan2")
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 }, time.Second, 10*time.Millisecond)

	err := hub.SendToScan("scan1", &Message{Type: "scan_status", Data: map[string]string{"status": "running"}})
	require.NoError(t, err)

	subscriber.SetReadDeadline(time.Now().Add(time.Second))
	_, received, err := subscriber.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(received), "scan_status")
	assert.Contains(t, string(received), "running")

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "other scan must not receive the message")
}

func TestHub_MultipleConnectionsPerScan(t *testing.T) {
	hub := NewHub(nil)
	server := newScanServer(t, hub)

	dial(t, server, "scan1")
	last := dial(t, server, "scan1")
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.True(t, hub.HasSubscribers("scan1"))

	last.Close()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, hub.HasSubscribers("scan1"))
}

func TestHub_UnregisterTwice(t *testing.T) {
	hub := NewHub(nil)
	server := newScanServer(t, hub)

	dial(t, server, "scan1")
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.mu.RLock()
	var client *Client
	for c := range hub.scans["scan1"] {
		client = c
	}
	hub.mu.RUnlock()

	hub.Unregister(client)
	hub.Unregister(client)
	assert.Equal(t, 0, hub.ConnectionCount())
	assert.False(t, hub.HasSubscribers("scan1"))
}

func TestHub_CloseAll(t *testing.T) {
	hub := NewHub(nil)
	server := newScanServer(t, hub)

	first := dial(t, server, "scan1")
	dial(t, server, "scan2")
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.CloseAll()
	assert.Equal(t, 0, hub.ConnectionCount())

	first.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
