package handler

import (
	"errors"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/model/dto"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/pubsub"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/response"
	"github.com/rbutinar/power-bi-catalog/internal/service"
)

type ScanHandler struct {
	scanService *service.ScanService
}

func NewScanHandler(scanService *service.ScanService) *ScanHandler {
	return &ScanHandler{
		scanService: scanService,
	}
}

// Create 创建扫描任务
// POST /api/v1/scans
func (h *ScanHandler) Create(c *gin.Context) {
	var req dto.CreateScanRequest
	// 空请求体表示扫描全部可访问的工作区
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.ParamError(c, err.Error())
		return
	}

	job, err := h.scanService.CreateScan(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidMode):
			response.ParamError(c, err.Error())
		case errors.Is(err, service.ErrServiceClosed):
			response.UnavailableError(c, err.Error())
		default:
			response.ServerError(c, "")
		}
		return
	}

	response.SuccessWithMessage(c, "扫描已创建", job)
}

// List 获取扫描任务列表
// GET /api/v1/scans
func (h *ScanHandler) List(c *gin.Context) {
	status := c.Query("status")

	scans := h.scanService.ListScans()
	items := make([]*dto.ScanListItem, 0, len(scans))
	for _, s := range scans {
		if status != "" && s.Status != status {
			continue
		}
		items = append(items, toListItem(s))
	}

	response.Success(c, dto.ScanListResponse{
		Total: len(items),
		Scans: items,
	})
}

// Get 获取扫描任务详情
// GET /api/v1/scans/:id
func (h *ScanHandler) Get(c *gin.Context) {
	job, err := h.scanService.GetScan(c.Param("id"))
	if err != nil {
		response.NotFoundError(c, err.Error())
		return
	}

	response.Success(c, job)
}

// Cancel 取消扫描任务
// POST /api/v1/scans/:id/cancel
func (h *ScanHandler) Cancel(c *gin.Context) {
	job, err := h.scanService.CancelScan(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrScanNotFound):
			response.NotFoundError(c, err.Error())
		case errors.Is(err, service.ErrScanTerminal):
			// 附带终态快照，客户端无需再查询
			snap, _ := h.scanService.GetScan(c.Param("id"))
			response.ErrorWithData(c, response.CodeStateConflict, err.Error(), snap)
		default:
			response.ServerError(c, "")
		}
		return
	}

	response.SuccessWithMessage(c, "已请求取消", job)
}

// Delete 删除扫描任务及其文档
// DELETE /api/v1/scans/:id
func (h *ScanHandler) Delete(c *gin.Context) {
	err := h.scanService.DeleteScan(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrScanNotFound):
			response.NotFoundError(c, err.Error())
		case errors.Is(err, service.ErrScanRunning):
			response.ConflictError(c, err.Error())
		default:
			response.ServerError(c, "")
		}
		return
	}

	response.SuccessWithMessage(c, "删除成功", nil)
}

func toListItem(job *model.ScanJob) *dto.ScanListItem {
	return &dto.ScanListItem{
		ID:                job.ID,
		Name:              job.Name,
		Status:            job.Status,
		ProcessedDatasets: job.ProcessedDatasets,
		TotalDatasets:     job.TotalDatasets,
		Progress:          pubsub.Percent(job.ProcessedDatasets, job.TotalDatasets),
		CreatedAt:         job.CreatedAt.Format(time.RFC3339),
	}
}
