// Package ws 将扫描进度推送给 WebSocket 订阅者，每个连接只订阅一个扫描
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type Client struct {
	ScanID string
	Conn   *websocket.Conn
	mu     sync.Mutex // 同一时刻只允许一个写者
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Send 只向当前客户端发送
func (c *Client) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

type Hub struct {
	mu     sync.RWMutex
	scans  map[string]map[*Client]struct{}
	total  int
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		scans:  make(map[string]map[*Client]struct{}),
		logger: logger.With("component", "ws"),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.scans[client.ScanID]
	if subs == nil {
		subs = make(map[*Client]struct{})
		h.scans[client.ScanID] = subs
	}
	if _, ok := subs[client]; ok {
		return
	}
	subs[client] = struct{}{}
	h.total++
	h.logger.Debug("subscriber connected", "scan_id", client.ScanID, "subscribers", len(subs), "total", h.total)
}

// Unregister 可重复调用
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(client)
}

func (h *Hub) remove(client *Client) bool {
	subs, ok := h.scans[client.ScanID]
	if !ok {
		return false
	}
	if _, ok := subs[client]; !ok {
		return false
	}
	delete(subs, client)
	h.total--
	if len(subs) == 0 {
		delete(h.scans, client.ScanID)
	}
	h.logger.Debug("subscriber disconnected", "scan_id", client.ScanID)
	return true
}

// SendToScan 推送给扫描的所有订阅者，写失败的连接会被移除并关闭
func (h *Hub) SendToScan(scanID string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.scans[scanID]))
	for c := range h.scans[scanID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			h.logger.Warn("drop subscriber after write failure", "scan_id", scanID, "error", err)
			h.Unregister(c)
			c.Conn.Close()
		}
	}
	return nil
}

func (h *Hub) HasSubscribers(scanID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.scans[scanID]) > 0
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// CloseAll 向所有订阅者发送关闭帧并清空
// http.Server.Shutdown 不会关闭已接管的 WebSocket 连接
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Client
	for _, subs := range h.scans {
		for c := range subs {
			all = append(all, c)
		}
	}
	h.scans = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	frame := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range all {
		c.mu.Lock()
		_ = c.Conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
		c.mu.Unlock()
		c.Conn.Close()
	}
}
