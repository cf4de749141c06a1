package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rbutinar/power-bi-catalog/internal/pkg/response"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/ws"
	"github.com/rbutinar/power-bi-catalog/internal/service"
)

var upgrader = websocket.Upgrader{
	// 认证由路由上的中间件完成
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type WebSocketHandler struct {
	hub         *ws.Hub
	scanService *service.ScanService
	logger      *slog.Logger
}

func NewWebSocketHandler(hub *ws.Hub, scanService *service.ScanService, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		hub:         hub,
		scanService: scanService,
		logger:      logger,
	}
}

// Handle 订阅扫描任务进度，连接后先推送当前快照
// GET /api/v1/scans/:id/ws
func (h *WebSocketHandler) Handle(c *gin.Context) {
	scanID := c.Param("id")
	job, err := h.scanService.GetScan(scanID)
	if err != nil {
		response.NotFoundError(c, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "scan_id", scanID, "error", err)
		return
	}

	client := &ws.Client{
		ScanID: scanID,
		Conn:   conn,
	}

	// 先推送当前快照再订阅，之后的消息都比快照新
	snapshot := service.ProgressOf(job)
	if err := client.Send(&ws.Message{Type: snapshot.Type, Data: snapshot}); err != nil {
		conn.Close()
		return
	}
	h.hub.Register(client)

	// 保持连接，读取消息（主要用于检测断开）
	go func() {
		defer func() {
			h.hub.Unregister(client)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
