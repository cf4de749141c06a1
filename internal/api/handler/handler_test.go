package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/rbutinar/power-bi-catalog/internal/extractor"
	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/credential"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/docstore"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/powerbi"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/response"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/retry"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/ws"
	"github.com/rbutinar/power-bi-catalog/internal/repository"
	"github.com/rbutinar/power-bi-catalog/internal/service"
	"github.com/rbutinar/power-bi-catalog/internal/testutil"
	"github.com/rbutinar/power-bi-catalog/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubTokens struct{}

func (stubTokens) AcquireToken(ctx context.Context, mode credential.Mode, audience credential.Audience) (*credential.Token, error) {
	return &credential.Token{Mode: mode, Audience: audience, AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}, nil
}

type stubDiscovery struct {
	workspaces []model.Workspace
	datasets   map[string][]model.Dataset
}

func (s *stubDiscovery) ListWorkspaces(ctx context.Context, filter powerbi.Filter) ([]model.Workspace, error) {
	var out []model.Workspace
	for _, w := range s.workspaces {
		if filter.Match(w.ID, w.Name) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *stubDiscovery) ListDatasets(ctx context.Context, w model.Workspace, filter powerbi.Filter) ([]model.Dataset, error) {
	var out []model.Dataset
	for _, ds := range s.datasets[w.ID] {
		if filter.Match(ds.ID, ds.Name) {
			out = append(out, ds)
		}
	}
	return out, nil
}

func financeDiscovery() *stubDiscovery {
	finance := testutil.TestWorkspace()
	hr := testutil.TestWorkspace(testutil.WithWorkspaceID("ws-hr", "HR"))
	return &stubDiscovery{
		workspaces: []model.Workspace{*finance, *hr},
		datasets: map[string][]model.Dataset{
			finance.ID: {
				*testutil.TestDataset(finance.ID, testutil.WithDatasetID("ds-sales", "Sales Model")),
				*testutil.TestDataset(finance.ID, testutil.WithDatasetID("ds-budget", "Budget Model")),
			},
			hr.ID: {
				*testutil.TestDataset(hr.ID, testutil.WithDatasetID("ds-headcount", "Headcount")),
			},
		},
	}
}

// testEnv 处理器测试依赖
type testEnv struct {
	DB    *gorm.DB
	XMLA  *testutil.FakeXMLA
	Hub   *ws.Hub
	Scans *service.ScanService
	Sink  *service.SinkService
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	store, err := docstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	runRepo := repository.NewScanRunRepository(db)
	sink := service.NewSinkService(store, repository.NewIndexRepository(db), runRepo, nil)
	fake := testutil.NewFakeXMLA()
	ex := extractor.New(fake, extractor.WithRetry(retry.Fixed(1, 0)))
	hub := ws.NewHub(nil)
	disc := financeDiscovery()

	scans := service.NewScanService(nil, stubTokens{}, func(credential.Mode) service.Discovery { return disc },
		worker.NewInProcessRunner(ex), sink, runRepo, service.NewProgressBroadcaster(hub, nil, nil),
		service.ScanOptions{Concurrency: 2, Ingest: true}, nil)
	t.Cleanup(scans.Close)

	return &testEnv{DB: db, XMLA: fake, Hub: hub, Scans: scans, Sink: sink}
}

func (e *testEnv) waitFinished(t *testing.T, id string) *model.ScanJob {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := e.Scans.GetScan(id)
		return err == nil && model.IsTerminalStatus(j.Status)
	}, 10*time.Second, 10*time.Millisecond)
	e.Scans.Wait()
	job, err := e.Scans.GetScan(id)
	require.NoError(t, err)
	return job
}

func performRequest(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		b, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) *response.Response {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}
