package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/model/dto"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/credential"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/powerbi"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/pubsub"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/scanerr"
	"github.com/rbutinar/power-bi-catalog/internal/repository"
	"github.com/rbutinar/power-bi-catalog/internal/telemetry"
	"github.com/rbutinar/power-bi-catalog/internal/worker"
)

var (
	ErrScanNotFound  = errors.New("扫描任务不存在")
	ErrScanTerminal  = errors.New("扫描任务已结束")
	ErrScanRunning   = errors.New("扫描任务仍在运行")
	ErrServiceClosed = errors.New("扫描服务已关闭")
	ErrInvalidMode   = errors.New("不支持的认证模式")
)

// TokenSource 按模式和受众获取访问令牌
type TokenSource interface {
	AcquireToken(ctx context.Context, mode credential.Mode, audience credential.Audience) (*credential.Token, error)
}

// Discovery 枚举工作区和语义模型
type Discovery interface {
	ListWorkspaces(ctx context.Context, filter powerbi.Filter) ([]model.Workspace, error)
	ListDatasets(ctx context.Context, ws model.Workspace, filter powerbi.Filter) ([]model.Dataset, error)
}

// DiscoveryFactory 为认证模式创建枚举客户端
type DiscoveryFactory func(mode credential.Mode) Discovery

// ProgressNotifier 接收任务进度
type ProgressNotifier interface {
	PublishProgress(ctx context.Context, msg *pubsub.ProgressMessage) error
}

// ScanOptions 编排参数
type ScanOptions struct {
	Concurrency int
	UnitTimeout time.Duration
	AuthMode    credential.Mode
	RunnerName  string
	Ingest      bool
}

type ScanService struct {
	jobs      JobStore
	tokens    TokenSource
	discovery DiscoveryFactory
	runner    worker.Runner
	sink      *SinkService
	runRepo   *repository.ScanRunRepository
	notifier  ProgressNotifier
	opts      ScanOptions
	logger    *slog.Logger

	rootCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool

	// 快照与发布成对串行，保证推送的进度单调
	notifyMu sync.Mutex
}

func NewScanService(
	jobs JobStore,
	tokens TokenSource,
	discovery DiscoveryFactory,
	runner worker.Runner,
	sink *SinkService,
	runRepo *repository.ScanRunRepository,
	notifier ProgressNotifier,
	opts ScanOptions,
	logger *slog.Logger,
) *ScanService {
	if jobs == nil {
		jobs = NewMemoryJobStore()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.AuthMode == "" {
		opts.AuthMode = credential.ModeService
	}
	if opts.RunnerName == "" {
		opts.RunnerName = "inprocess"
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ScanService{
		jobs:      jobs,
		tokens:    tokens,
		discovery: discovery,
		runner:    runner,
		sink:      sink,
		runRepo:   runRepo,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With("component", "scan"),
		rootCtx:   ctx,
		cancelAll: cancel,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// CreateScan 创建并异步执行扫描任务
func (s *ScanService) CreateScan(ctx context.Context, req *dto.CreateScanRequest) (*model.ScanJob, error) {
	mode := s.opts.AuthMode
	if req.AuthMode != "" {
		m, err := credential.ParseMode(req.AuthMode)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidMode, req.AuthMode)
		}
		mode = m
	}
	ingest := s.opts.Ingest
	if req.Ingest != nil {
		ingest = *req.Ingest
	}

	name := sanitizeName(req.Name)
	if name == "" {
		name = "scan_" + time.Now().Format("2006-01-02_15-04-05")
	}
	filter := model.ScanFilter{
		Workspace:   strings.TrimSpace(req.Workspace),
		WorkspaceID: strings.TrimSpace(req.WorkspaceID),
		Dataset:     strings.TrimSpace(req.Dataset),
		DatasetID:   strings.TrimSpace(req.DatasetID),
	}
	job := model.NewScanJob(uuid.New().String()[:8], name, strings.TrimSpace(req.Description), filter)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServiceClosed
	}
	jobCtx, cancel := context.WithCancel(s.rootCtx)
	s.cancels[job.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.jobs.Put(job)
	if err := s.runRepo.Create(model.NewScanRun(job.Snapshot())); err != nil {
		s.logger.Warn("create scan run record failed", "scan_id", job.ID, "error", err)
	}
	telemetry.ScanStarted()

	go func() {
		defer s.wg.Done()
		defer s.release(job.ID)
		s.run(jobCtx, job, mode, ingest)
	}()

	return job.Snapshot(), nil
}

var unsafeNameChars = regexp.MustCompile(`[^\w\-.]+`)

// sanitizeName 任务名可用作文件名
func sanitizeName(name string) string {
	name = unsafeNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	name = strings.Trim(name, "._")
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}

func (s *ScanService) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
}

// plan 一个工作区及其待提取的语义模型
type plan struct {
	workspace model.Workspace
	datasets  []model.Dataset
}

func (s *ScanService) run(ctx context.Context, job *model.ScanJob, mode credential.Mode, ingest bool) {
	log := s.logger.With("scan_id", job.ID, "name", job.Name)

	if err := job.Start(); err != nil {
		log.Error("start scan failed", "error", err)
		return
	}
	if err := s.runRepo.UpdateStatus(job.ID, model.ScanStatusRunning); err != nil {
		log.Warn("update scan run failed", "error", err)
	}
	s.notify(job, pubsub.TypeScanStatus, nil)
	log.Info("scan started", "filter", job.Filter, "auth_mode", mode)

	restToken, err := s.tokens.AcquireToken(ctx, mode, credential.AudienceREST)
	if err != nil {
		s.fail(job, model.StageAuth, err)
		return
	}

	plans, ok := s.discover(ctx, job, mode)
	if !ok {
		return
	}

	total := 0
	for _, p := range plans {
		total += len(p.datasets)
	}
	job.SetTotals(len(plans), total)
	s.notify(job, pubsub.TypeScanStatus, nil)
	log.Info("discovery finished", "workspaces", len(plans), "datasets", total)

	s.dispatch(ctx, job, plans, mode, restToken)

	if job.Cancelled() {
		s.finish(job, model.ScanStatusCancelled, "cancelled by request", 0)
		return
	}

	snap := job.Snapshot()
	var msg string
	if snap.Outcomes.Failed > 0 {
		msg = fmt.Sprintf("%d of %d datasets failed", snap.Outcomes.Failed, snap.TotalDatasets)
	}

	ingested := 0
	if ingest {
		stats, err := s.sink.IngestJob(ctx, job.ID)
		ingested = stats.Documents
		if err != nil {
			se := scanerr.Classify(err)
			job.AddError(model.UnitError{Stage: model.StageSink, Kind: string(se.Kind), Message: err.Error()})
			ingestMsg := "index ingest failed: " + err.Error()
			if msg != "" {
				msg += "; " + ingestMsg
			} else {
				msg = ingestMsg
			}
			log.Error("index ingest failed", "error", err)
		}
		telemetry.DocumentsIngested(stats.Documents)
	}
	s.finish(job, model.ScanStatusCompleted, msg, ingested)
}

// discover 枚举阶段：部分失败时保留已获取的结果继续
func (s *ScanService) discover(ctx context.Context, job *model.ScanJob, mode credential.Mode) ([]plan, bool) {
	client := s.discovery(mode)
	wsFilter := powerbi.Filter{ID: job.Filter.WorkspaceID, Name: job.Filter.Workspace}
	dsFilter := powerbi.Filter{ID: job.Filter.DatasetID, Name: job.Filter.Dataset}

	workspaces, err := client.ListWorkspaces(ctx, wsFilter)
	if err != nil {
		if len(workspaces) == 0 {
			s.fail(job, model.StageDiscovery, err)
			return nil, false
		}
		s.recordError(job, model.UnitError{Stage: model.StageDiscovery}, err)
	}

	seen := make(map[string]bool)
	plans := make([]plan, 0, len(workspaces))
	for _, ws := range workspaces {
		if ctx.Err() != nil {
			break
		}
		datasets, err := client.ListDatasets(ctx, ws, dsFilter)
		if err != nil {
			s.recordError(job, model.UnitError{
				WorkspaceID:   ws.ID,
				WorkspaceName: ws.Name,
				Stage:         model.StageDiscovery,
			}, err)
		}
		p := plan{workspace: ws}
		for _, ds := range datasets {
			// 同一语义模型只提取一次
			if seen[ds.ID] {
				continue
			}
			seen[ds.ID] = true
			p.datasets = append(p.datasets, ds)
		}
		plans = append(plans, p)
	}
	return plans, true
}

func (s *ScanService) dispatch(ctx context.Context, job *model.ScanJob, plans []plan, mode credential.Mode, restToken *credential.Token) {
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)

	skipped := 0
	for _, p := range plans {
		if len(p.datasets) == 0 {
			job.WorkspaceDone()
			continue
		}

		var (
			wsMu      sync.Mutex
			remaining = len(p.datasets)
		)
		done := func() {
			wsMu.Lock()
			remaining--
			last := remaining == 0
			wsMu.Unlock()
			if last {
				job.WorkspaceDone()
			}
		}

		for _, ds := range p.datasets {
			if job.Cancelled() || ctx.Err() != nil {
				skipped++
				done()
				continue
			}
			ws, ds := p.workspace, ds
			g.Go(func() error {
				defer done()
				// g.Go 在池满时阻塞，排队期间可能已被取消
				if job.Cancelled() || ctx.Err() != nil {
					job.Skip(1)
					return nil
				}
				s.runUnit(ctx, job, ws, ds, mode, restToken)
				return nil
			})
		}
	}
	_ = g.Wait()

	if skipped > 0 {
		job.Skip(skipped)
	}
}

func (s *ScanService) runUnit(ctx context.Context, job *model.ScanJob, ws model.Workspace, ds model.Dataset, mode credential.Mode, restToken *credential.Token) {
	started := time.Now()
	log := s.logger.With("scan_id", job.ID, "workspace", ws.Name, "dataset", ds.Name)

	unitCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.opts.UnitTimeout > 0 {
		unitCtx, cancel = context.WithTimeout(ctx, s.opts.UnitTimeout)
	}
	defer cancel()

	progress := func(stage, message string) {
		s.notifyUnit(job, pubsub.TypeUnitStage, ws, ds, stage, "", message)
	}

	var doc *model.Document
	tok := restToken
	if mode == credential.ModeService {
		t, err := s.tokens.AcquireToken(unitCtx, mode, credential.AudienceXMLA)
		if err != nil {
			se := scanerr.Classify(err)
			doc = model.FailedDocument(&ws, &ds, string(se.Kind), se.Reason, message(se))
		}
		tok = t
	}
	if doc == nil {
		doc = s.runner.Run(unitCtx, worker.Unit{JobID: job.ID, Workspace: ws, Dataset: ds, Token: tok}, progress)
	}

	// 任务取消时中断的单元不写文档
	if errors.Is(ctx.Err(), context.Canceled) {
		job.Skip(1)
		log.Info("unit interrupted by cancellation")
		return
	}
	if errors.Is(unitCtx.Err(), context.DeadlineExceeded) && doc.Outcome != model.OutcomeSuccess {
		doc = model.FailedDocument(&ws, &ds, string(scanerr.KindTimeout), "",
			fmt.Sprintf("extraction exceeded %s", s.opts.UnitTimeout))
	}
	s.complete(ctx, job, ws, ds, doc, started, log)
}

func (s *ScanService) complete(ctx context.Context, job *model.ScanJob, ws model.Workspace, ds model.Dataset, doc *model.Document, started time.Time, log *slog.Logger) {
	doc.JobID = job.ID
	if _, err := s.sink.Write(ctx, doc); err != nil {
		s.recordError(job, model.UnitError{
			WorkspaceID:   ws.ID,
			WorkspaceName: ws.Name,
			DatasetID:     ds.ID,
			DatasetName:   ds.Name,
			Stage:         model.StageSink,
		}, err)
	}
	job.RecordOutcome(doc)

	kind := ""
	if doc.Error != nil {
		kind = doc.Error.Kind
	}
	took := time.Since(started)
	telemetry.UnitFinished(s.opts.RunnerName, doc.Outcome, kind, took)
	log.Info("unit finished", "outcome", doc.Outcome, "kind", kind, "took", took)

	msg := ""
	if doc.Error != nil {
		msg = doc.Error.Message
	}
	s.notifyUnit(job, pubsub.TypeUnitDone, ws, ds, "", doc.Outcome, msg)
}

func (s *ScanService) recordError(job *model.ScanJob, ue model.UnitError, err error) {
	se := scanerr.Classify(err)
	ue.Kind = string(se.Kind)
	ue.Reason = se.Reason
	ue.Message = message(se)
	job.AddError(ue)
	s.logger.Warn("scan error", "scan_id", job.ID, "stage", ue.Stage,
		"workspace", ue.WorkspaceName, "dataset", ue.DatasetName, "error", err)
}

func message(se *scanerr.Error) string {
	if se.Message != "" {
		return se.Message
	}
	return se.Error()
}

func (s *ScanService) fail(job *model.ScanJob, stage string, err error) {
	s.recordError(job, model.UnitError{Stage: stage}, err)
	status := model.ScanStatusFailed
	if job.Cancelled() {
		status = model.ScanStatusCancelled
	}
	s.finish(job, status, fmt.Sprintf("%s failed: %s", stage, scanerr.Classify(err).Error()), 0)
}

func (s *ScanService) finish(job *model.ScanJob, status, message string, ingested int) {
	if err := job.Finish(status, message); err != nil {
		s.logger.Error("finish scan failed", "scan_id", job.ID, "error", err)
	}
	snap := job.Snapshot()

	run := model.NewScanRun(snap)
	run.DocumentsIngested = ingested
	if err := s.runRepo.Update(run); err != nil {
		s.logger.Warn("update scan run record failed", "scan_id", job.ID, "error", err)
	}
	telemetry.ScanFinished(snap.Status)
	s.notify(job, pubsub.TypeScanStatus, nil)

	s.logger.Info("scan finished", "scan_id", job.ID, "status", snap.Status,
		"succeeded", snap.Outcomes.Succeeded, "partial", snap.Outcomes.Partial,
		"failed", snap.Outcomes.Failed, "skipped", snap.Outcomes.Skipped,
		"errors", len(snap.Errors))
}

func (s *ScanService) notify(job *model.ScanJob, typ string, fill func(*pubsub.ProgressMessage)) {
	if s.notifier == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	msg := ProgressOf(job.Snapshot())
	msg.Type = typ
	if fill != nil {
		fill(msg)
	}
	// 进度推送失败不影响任务
	if err := s.notifier.PublishProgress(context.Background(), msg); err != nil {
		s.logger.Debug("publish progress failed", "scan_id", msg.ScanID, "error", err)
	}
}

func (s *ScanService) notifyUnit(job *model.ScanJob, typ string, ws model.Workspace, ds model.Dataset, stage, outcome, message string) {
	s.notify(job, typ, func(m *pubsub.ProgressMessage) {
		m.Stage = stage
		m.WorkspaceID = ws.ID
		m.DatasetID = ds.ID
		m.DatasetName = ds.Name
		m.Outcome = outcome
		m.Message = message
	})
}

// GetScan 获取任务快照
func (s *ScanService) GetScan(id string) (*model.ScanJob, error) {
	job, ok := s.jobs.Get(id)
	if !ok {
		return nil, ErrScanNotFound
	}
	return job.Snapshot(), nil
}

// ListScans 按创建时间倒序列出任务
func (s *ScanService) ListScans() []*model.ScanJob {
	jobs := s.jobs.List()
	snaps := make([]*model.ScanJob, 0, len(jobs))
	for _, j := range jobs {
		snaps = append(snaps, j.Snapshot())
	}
	sort.Slice(snaps, func(i, k int) bool {
		if snaps[i].CreatedAt.Equal(snaps[k].CreatedAt) {
			return snaps[i].ID > snaps[k].ID
		}
		return snaps[i].CreatedAt.After(snaps[k].CreatedAt)
	})
	return snaps
}

// Running 是否有未结束的任务名以 prefix 开头
func (s *ScanService) Running(prefix string) bool {
	for _, j := range s.jobs.List() {
		snap := j.Snapshot()
		if !model.IsTerminalStatus(snap.Status) && strings.HasPrefix(snap.Name, prefix) {
			return true
		}
	}
	return false
}

// CancelScan 请求取消，运行中的单元被中断
func (s *ScanService) CancelScan(id string) (*model.ScanJob, error) {
	job, ok := s.jobs.Get(id)
	if !ok {
		return nil, ErrScanNotFound
	}
	if !job.RequestCancel() {
		return nil, ErrScanTerminal
	}

	s.mu.Lock()
	cancel := s.cancels[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("scan cancel requested", "scan_id", id)
	return job.Snapshot(), nil
}

// DeleteScan 删除已结束的任务及其文档
func (s *ScanService) DeleteScan(ctx context.Context, id string) error {
	job, ok := s.jobs.Get(id)
	if !ok {
		return ErrScanNotFound
	}
	if !model.IsTerminalStatus(job.Snapshot().Status) {
		return ErrScanRunning
	}
	if err := s.sink.DeleteDocuments(ctx, id); err != nil {
		return err
	}
	if err := s.runRepo.Delete(id); err != nil {
		return err
	}
	s.jobs.Delete(id)
	return nil
}

// Close 取消全部任务并等待退出
func (s *ScanService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for _, j := range s.jobs.List() {
		j.RequestCancel()
	}
	s.cancelAll()
	s.wg.Wait()
}

// Wait 等待当前全部任务结束
func (s *ScanService) Wait() {
	s.wg.Wait()
}
