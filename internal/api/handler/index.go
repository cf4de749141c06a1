package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/rbutinar/power-bi-catalog/internal/pkg/response"
	"github.com/rbutinar/power-bi-catalog/internal/service"
)

type IndexHandler struct {
	sinkService *service.SinkService
}

func NewIndexHandler(sinkService *service.SinkService) *IndexHandler {
	return &IndexHandler{sinkService: sinkService}
}

// Stats 索引统计
// GET /api/v1/index/stats
func (h *IndexHandler) Stats(c *gin.Context) {
	stats, err := h.sinkService.Stats(c.Request.Context())
	if err != nil {
		response.ServerError(c, "")
		return
	}
	response.Success(c, stats)
}
