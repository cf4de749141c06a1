package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/model/dto"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/response"
)

func scanRouter(env *testEnv) *gin.Engine {
	h := NewScanHandler(env.Scans)
	router := gin.New()
	router.POST("/scans", h.Create)
	router.GET("/scans", h.List)
	router.GET("/scans/:id", h.Get)
	router.POST("/scans/:id/cancel", h.Cancel)
	router.DELETE("/scans/:id", h.Delete)
	return router
}

func TestScanHandler_Create_Success(t *testing.T) {
	env := setupEnv(t)
	router := scanRouter(env)

	w := performRequest(router, "POST", "/scans", dto.CreateScanRequest{Name: "nightly", Workspace: "Finance"})
	resp := parseResponse(t, w)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, response.CodeSuccess, resp.Code)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	id, _ := data["id"].(string)
	require.Len(t, id, 8)
	assert.Equal(t, "nightly", data["name"])

	job := env.waitFinished(t, id)
	assert.Equal(t, model.ScanStatusCompleted, job.Status)
	assert.Equal(t, 2, job.TotalDatasets)
}

func TestScanHandler_Create_EmptyBody(t *testing.T) {
	env := setupEnv(t)
	router := scanRouter(env)

	w := performRequest(router, "POST", "/scans", nil)
	resp := parseResponse(t, w)
	require.Equal(t, response.CodeSuccess, resp.Code)

	data := resp.Data.(map[string]interface{})
	job := env.waitFinished(t, data["id"].(string))
	assert.Equal(t, 3, job.TotalDatasets)
}

func TestScanHandler_Create_InvalidAuthMode(t *testing.T) {
	env := setupEnv(t)
	router := scanRouter(env)

	w := performRequest(router, "POST", "/scans", map[string]string{"auth_mode": "device"})
	resp := parseResponse(t, w)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, response.CodeParamError, resp.Code)
}

func TestScanHandler_Create_ServiceClosed(t *testing.T) {
	env := setupEnv(t)
	router := scanRouter(env)
	env.Scans.Close()

	w := performRequest(router, "POST", "/scans", dto.CreateScanRequest{})
	resp := parseResponse(t, w)

	assert.Equal(t, response.CodeUnavailable, resp.Code)
}

func TestScanHandler_List(t *testing.T) {
	env := setupEnv(t)
	router := scanRouter(env)

	first, err := env.Scans.CreateScan(context.Background(), &dto.CreateScanRequest{Name: "first", Workspace: "HR"})
	require.NoError(t, err)
	env.waitFinished(t, first.ID)

	w := performRequest(router, "GET", "/scans", nil)
	resp := parseResponse(t, w)
	require.Equal(t, response.CodeSuccess, resp.Code)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(1), data["total"])
	scans := data["scans"].([]interface{})
	require.Len(t, scans, 1)
	item := scans[0].(map[string]interface{})
	assert.Equal(t, first.ID, item["id"])
	assert.Equal(t, float64(100), item["progress"])

	w = performRequest(router, "GET", "/scans?status=running", nil)
	resp = parseResponse(t, w)
	data = resp.Data.(map[string]interface{})
	assert.Equal(t, float64(0), data["total"])
}

func TestScanHandler_Get(t *testing.T) {
	env := setupEnv(t)
	router := scanRouter(env)

	job, err := env.Scans.CreateScan(context.Background(), &dto.CreateScanRequest{Workspace: "HR"})
	require.NoError(t, err)
	env.waitFinished(t, job.ID)

	w := performRequest(router, "GET", "/scans/"+job.ID, nil)
	resp := parseResponse(t, w)
	require.Equal(t, response.CodeSuccess, resp.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, model.ScanStatusCompleted, data["status"])
	assert.Equal(t, float64(1), data["processed_datasets"])
}

func TestScanHandler_Get_NotFound(t *testing.T) {
	env := setupEnv(t)
	router := scanRouter(env)

	w := performRequest(router, "GET", "/scans/missing", nil)
	resp := parseResponse(t, w)

	assert.Equal(t, response.CodeResourceNotFound, resp.Code)
}

func TestScanHandler_Cancel(t *testing.T) {
	env := setupEnv(t)
	env.XMLA.Delay = 5 * time.Second
	router := scanRouter(env)

	job, err := env.Scans.CreateScan(context.Background(), &dto.CreateScanRequest{})
	require.NoError(t, err)

	w := performRequest(router, "POST", "/scans/"+job.ID+"/cancel", nil)
	resp := parseResponse(t, w)
	require.Equal(t, response.CodeSuccess, resp.Code)

	done := env.waitFinished(t, job.ID)
	assert.Equal(t, model.ScanStatusCancelled, done.Status)

	// 已结束的任务不能再取消
	w = performRequest(router, "POST", "/scans/"+job.ID+"/cancel", nil)
	resp = parseResponse(t, w)
	assert.Equal(t, response.CodeStateConflict, resp.Code)
	snap, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, model.ScanStatusCancelled, snap["status"])

	w = performRequest(router, "POST", "/scans/missing/cancel", nil)
	resp = parseResponse(t, w)
	assert.Equal(t, response.CodeResourceNotFound, resp.Code)
}

func TestScanHandler_Delete(t *testing.T) {
	env := setupEnv(t)
	router := scanRouter(env)

	job, err := env.Scans.CreateScan(context.Background(), &dto.CreateScanRequest{Workspace: "HR"})
	require.NoError(t, err)
	env.waitFinished(t, job.ID)

	w := performRequest(router, "DELETE", "/scans/"+job.ID, nil)
	resp := parseResponse(t, w)
	require.Equal(t, response.CodeSuccess, resp.Code)

	w = performRequest(router, "GET", "/scans/"+job.ID, nil)
	resp = parseResponse(t, w)
	assert.Equal(t, response.CodeResourceNotFound, resp.Code)

	w = performRequest(router, "DELETE", "/scans/"+job.ID, nil)
	resp = parseResponse(t, w)
	assert.Equal(t, response.CodeResourceNotFound, resp.Code)
}

func TestScanHandler_Delete_Running(t *testing.T) {
	env := setupEnv(t)
	env.XMLA.Delay = 5 * time.Second
	router := scanRouter(env)

	job, err := env.Scans.CreateScan(context.Background(), &dto.CreateScanRequest{})
	require.NoError(t, err)

	w := performRequest(router, "DELETE", "/scans/"+job.ID, nil)
	resp := parseResponse(t, w)
	assert.Equal(t, response.CodeStateConflict, resp.Code)
}
