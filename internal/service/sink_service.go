package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/docstore"
	"github.com/rbutinar/power-bi-catalog/internal/repository"
)

var (
	ErrInvalidDocument = errors.New("文档格式无效")
)

// IngestStats 导入统计
type IngestStats struct {
	Documents int `json:"documents"`
	Succeeded int `json:"succeeded"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
}

func (s *IngestStats) add(doc *model.Document) {
	s.Documents++
	switch doc.Outcome {
	case model.OutcomeSuccess:
		s.Succeeded++
	case model.OutcomePartial:
		s.Partial++
	case model.OutcomeFailed:
		s.Failed++
	}
}

type SinkService struct {
	store     docstore.Store
	indexRepo *repository.IndexRepository
	runRepo   *repository.ScanRunRepository
	logger    *slog.Logger

	mu sync.Mutex
}

func NewSinkService(
	store docstore.Store,
	indexRepo *repository.IndexRepository,
	runRepo *repository.ScanRunRepository,
	logger *slog.Logger,
) *SinkService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SinkService{
		store:     store,
		indexRepo: indexRepo,
		runRepo:   runRepo,
		logger:    logger.With("component", "sink"),
	}
}

func outcomeRank(outcome string) int {
	switch outcome {
	case model.OutcomeSuccess:
		return 2
	case model.OutcomePartial:
		return 1
	default:
		return 0
	}
}

// Write 写入 (任务, 语义模型) 的文档，已有更好的结果时保留原文档
func (s *SinkService) Write(ctx context.Context, doc *model.Document) (bool, error) {
	if err := validateDocument(doc); err != nil {
		return false, err
	}
	key := docstore.DocumentKey(doc.JobID, doc.Dataset.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		var prev model.Document
		if json.Unmarshal(existing, &prev) == nil && outcomeRank(prev.Outcome) > outcomeRank(doc.Outcome) {
			s.logger.Warn("keep existing document",
				"job_id", doc.JobID, "dataset_id", doc.Dataset.ID,
				"existing", prev.Outcome, "incoming", doc.Outcome)
			return false, nil
		}
	case !errors.Is(err, docstore.ErrNotFound):
		return false, fmt.Errorf("read document %s: %w", key, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return false, err
	}
	if err := s.store.Put(ctx, key, data); err != nil {
		return false, fmt.Errorf("write document %s: %w", key, err)
	}
	return true, nil
}

// Ingest 逐个文档导入索引，遇到第一个失败即停止
func (s *SinkService) Ingest(ctx context.Context, docs []*model.Document) (IngestStats, error) {
	var stats IngestStats
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := validateDocument(doc); err != nil {
			return stats, err
		}
		if err := s.indexRepo.IngestDocument(ctx, doc); err != nil {
			return stats, fmt.Errorf("ingest dataset %s: %w", doc.Dataset.ID, err)
		}
		stats.add(doc)
	}
	return stats, nil
}

// LoadDocuments 读取任务的全部文档
func (s *SinkService) LoadDocuments(ctx context.Context, jobID string) ([]*model.Document, error) {
	keys, err := s.store.List(ctx, docstore.DocumentsPrefix(jobID))
	if err != nil {
		return nil, err
	}

	docs := make([]*model.Document, 0, len(keys))
	for _, key := range keys {
		if !docstore.IsDocumentKey(key) {
			continue
		}
		data, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", key, err)
		}
		var doc model.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, key, err)
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// ListJobs 存储中出现过的任务 ID
func (s *SinkService) ListJobs(ctx context.Context) ([]string, error) {
	keys, err := s.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var jobs []string
	for _, key := range keys {
		if !docstore.IsDocumentKey(key) {
			continue
		}
		job, _, _ := strings.Cut(key, "/")
		if !seen[job] {
			seen[job] = true
			jobs = append(jobs, job)
		}
	}
	sort.Strings(jobs)
	return jobs, nil
}

// IngestJob 导入一个任务的全部文档并更新运行记录
func (s *SinkService) IngestJob(ctx context.Context, jobID string) (IngestStats, error) {
	docs, err := s.LoadDocuments(ctx, jobID)
	if err != nil {
		return IngestStats{}, err
	}

	stats, err := s.Ingest(ctx, docs)
	if err != nil {
		return stats, err
	}

	if err := s.recordRun(jobID, stats); err != nil {
		return stats, err
	}
	s.logger.Info("job ingested", "job_id", jobID,
		"documents", stats.Documents, "succeeded", stats.Succeeded,
		"partial", stats.Partial, "failed", stats.Failed)
	return stats, nil
}

// Stats 索引统计
func (s *SinkService) Stats(ctx context.Context) (*repository.IndexStats, error) {
	return s.indexRepo.Stats(ctx)
}

// DeleteDocuments 删除任务写入的全部文档
func (s *SinkService) DeleteDocuments(ctx context.Context, jobID string) error {
	return s.store.DeletePrefix(ctx, docstore.JobPrefix(jobID))
}

func (s *SinkService) recordRun(jobID string, stats IngestStats) error {
	run, err := s.runRepo.GetByID(jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// 其他机器产生的扫描目录
		run = &model.ScanRun{
			ID:            jobID,
			Name:          jobID,
			Status:        model.ScanStatusCompleted,
			TotalDatasets: stats.Documents,
			Succeeded:     stats.Succeeded,
			Partial:       stats.Partial,
			Failed:        stats.Failed,
			Success:       true,
		}
		if err := s.runRepo.Create(run); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return s.runRepo.SetDocumentsIngested(jobID, stats.Documents)
}

func validateDocument(doc *model.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil", ErrInvalidDocument)
	}
	if doc.SchemaVersion < 1 || doc.SchemaVersion > model.DocumentSchemaVersion {
		return fmt.Errorf("%w: schema_version %d", ErrInvalidDocument, doc.SchemaVersion)
	}
	if doc.JobID == "" || doc.Dataset.ID == "" || doc.Workspace.ID == "" {
		return fmt.Errorf("%w: missing job, workspace or dataset id", ErrInvalidDocument)
	}
	switch doc.Outcome {
	case model.OutcomeSuccess, model.OutcomePartial, model.OutcomeFailed:
	default:
		return fmt.Errorf("%w: outcome %q", ErrInvalidDocument, doc.Outcome)
	}
	return nil
}
