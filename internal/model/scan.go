package model

import (
	"fmt"
	"sync"
	"time"
)

// 扫描任务状态
const (
	ScanStatusPending   = "pending"
	ScanStatusRunning   = "running"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
	ScanStatusCancelled = "cancelled"
)

var validTransitions = map[string][]string{
	ScanStatusPending: {ScanStatusRunning, ScanStatusFailed, ScanStatusCancelled},
	ScanStatusRunning: {ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled},
}

func isValidTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus 终态不可再变更
func IsTerminalStatus(status string) bool {
	return status == ScanStatusCompleted || status == ScanStatusFailed || status == ScanStatusCancelled
}

// ScanFilter 工作区/语义模型过滤条件，空值表示不过滤
type ScanFilter struct {
	Workspace   string `json:"workspace,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Dataset     string `json:"dataset,omitempty"`
	DatasetID   string `json:"dataset_id,omitempty"`
}

// UnitError 单个工作区或语义模型上的错误
type UnitError struct {
	WorkspaceID   string    `json:"workspace_id,omitempty"`
	WorkspaceName string    `json:"workspace_name,omitempty"`
	DatasetID     string    `json:"dataset_id,omitempty"`
	DatasetName   string    `json:"dataset_name,omitempty"`
	Stage         string    `json:"stage"`
	Kind          string    `json:"kind"`
	Reason        string    `json:"reason,omitempty"`
	Message       string    `json:"message"`
	At            time.Time `json:"at"`
}

// 错误发生阶段
const (
	StageAuth       = "auth"
	StageDiscovery  = "discovery"
	StageExtraction = "extraction"
	StageSink       = "sink"
)

// ScanTally 按提取结果计数
type ScanTally struct {
	Succeeded int `json:"succeeded"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ScanJob 扫描任务，只由编排器修改；读取请使用 Snapshot
type ScanJob struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	Description         string      `json:"description,omitempty"`
	Filter              ScanFilter  `json:"filter"`
	Status              string      `json:"status"`
	ProcessedWorkspaces int         `json:"processed_workspaces"`
	TotalWorkspaces     int         `json:"total_workspaces"`
	ProcessedDatasets   int         `json:"processed_datasets"`
	TotalDatasets       int         `json:"total_datasets"`
	Outcomes            ScanTally   `json:"outcomes"`
	Errors              []UnitError `json:"errors"`
	ErrorMessage        string      `json:"error_message,omitempty"`
	CancelRequested     bool        `json:"cancel_requested"`
	CreatedAt           time.Time   `json:"created_at"`
	StartedAt           *time.Time  `json:"started_at,omitempty"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`

	mu sync.Mutex
}

// NewScanJob 创建待执行任务
func NewScanJob(id, name, description string, filter ScanFilter) *ScanJob {
	return &ScanJob{
		ID:          id,
		Name:        name,
		Description: description,
		Filter:      filter,
		Status:      ScanStatusPending,
		Errors:      []UnitError{},
		CreatedAt:   time.Now().UTC(),
	}
}

func (j *ScanJob) transition(to string) error {
	if !isValidTransition(j.Status, to) {
		return fmt.Errorf("invalid scan transition %s -> %s", j.Status, to)
	}
	j.Status = to
	return nil
}

// Start pending -> running
func (j *ScanJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(ScanStatusRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.StartedAt = &now
	return nil
}

// Finish 进入终态
func (j *ScanJob) Finish(status, message string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !IsTerminalStatus(status) {
		return fmt.Errorf("%s is not a terminal status", status)
	}
	if err := j.transition(status); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.ErrorMessage = message
	return nil
}

// RequestCancel 设置取消标记，终态任务返回 false
func (j *ScanJob) RequestCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if IsTerminalStatus(j.Status) {
		return false
	}
	j.CancelRequested = true
	return true
}

// Cancelled 是否已请求取消
func (j *ScanJob) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.CancelRequested
}

// SetTotals 发现完成后确定总数
func (j *ScanJob) SetTotals(workspaces, datasets int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.TotalWorkspaces = workspaces
	j.TotalDatasets = datasets
}

// WorkspaceDone 一个工作区的所有语义模型已处理
func (j *ScanJob) WorkspaceDone() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ProcessedWorkspaces < j.TotalWorkspaces {
		j.ProcessedWorkspaces++
	}
}

// RecordOutcome 记录一个语义模型的提取结果
func (j *ScanJob) RecordOutcome(doc *Document) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ProcessedDatasets < j.TotalDatasets {
		j.ProcessedDatasets++
	}
	switch doc.Outcome {
	case OutcomeSuccess:
		j.Outcomes.Succeeded++
	case OutcomePartial:
		j.Outcomes.Partial++
		for facet, e := range doc.FacetErrors {
			j.Errors = append(j.Errors, UnitError{
				WorkspaceID:   doc.Workspace.ID,
				WorkspaceName: doc.Workspace.Name,
				DatasetID:     doc.Dataset.ID,
				DatasetName:   doc.Dataset.Name,
				Stage:         StageExtraction + ":" + facet,
				Kind:          e.Kind,
				Reason:        e.Reason,
				Message:       e.Message,
				At:            time.Now().UTC(),
			})
		}
	default:
		j.Outcomes.Failed++
		ue := UnitError{
			WorkspaceID:   doc.Workspace.ID,
			WorkspaceName: doc.Workspace.Name,
			DatasetID:     doc.Dataset.ID,
			DatasetName:   doc.Dataset.Name,
			Stage:         StageExtraction,
			At:            time.Now().UTC(),
		}
		if doc.Error != nil {
			ue.Kind, ue.Reason, ue.Message = doc.Error.Kind, doc.Error.Reason, doc.Error.Message
		}
		j.Errors = append(j.Errors, ue)
	}
}

// Skip 取消后未派发的语义模型计为已处理（跳过）
func (j *ScanJob) Skip(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if rest := j.TotalDatasets - j.ProcessedDatasets; n > rest {
		n = rest
	}
	if n <= 0 {
		return
	}
	j.ProcessedDatasets += n
	j.Outcomes.Skipped += n
}

// AddError 记录非提取阶段的错误
func (j *ScanJob) AddError(e UnitError) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	j.Errors = append(j.Errors, e)
}

// Snapshot 返回一致的只读副本
func (j *ScanJob) Snapshot() *ScanJob {
	j.mu.Lock()
	defer j.mu.Unlock()

	errs := make([]UnitError, len(j.Errors))
	copy(errs, j.Errors)

	return &ScanJob{
		ID:                  j.ID,
		Name:                j.Name,
		Description:         j.Description,
		Filter:              j.Filter,
		Status:              j.Status,
		ProcessedWorkspaces: j.ProcessedWorkspaces,
		TotalWorkspaces:     j.TotalWorkspaces,
		ProcessedDatasets:   j.ProcessedDatasets,
		TotalDatasets:       j.TotalDatasets,
		Outcomes:            j.Outcomes,
		Errors:              errs,
		ErrorMessage:        j.ErrorMessage,
		CancelRequested:     j.CancelRequested,
		CreatedAt:           j.CreatedAt,
		StartedAt:           copyTime(j.StartedAt),
		CompletedAt:         copyTime(j.CompletedAt),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// ScanRun 每个扫描任务一条运行记录
type ScanRun struct {
	ID                string     `gorm:"primaryKey;size:32" json:"id"`
	Name              string     `gorm:"size:255" json:"name"`
	Status            string     `gorm:"size:16;index" json:"status"`
	WorkspaceFilter   string     `gorm:"size:255" json:"workspace_filter,omitempty"`
	DatasetFilter     string     `gorm:"size:255" json:"dataset_filter,omitempty"`
	TotalWorkspaces   int        `json:"total_workspaces"`
	TotalDatasets     int        `json:"total_datasets"`
	Succeeded         int        `json:"succeeded"`
	Partial           int        `json:"partial"`
	Failed            int        `json:"failed"`
	Skipped           int        `json:"skipped"`
	DocumentsIngested int        `json:"documents_ingested"`
	ErrorMessage      string     `gorm:"type:text" json:"error_message,omitempty"`
	Success           bool       `json:"success"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func (ScanRun) TableName() string {
	return "scan_runs"
}

// NewScanRun 由任务快照生成运行记录
func NewScanRun(job *ScanJob) *ScanRun {
	run := &ScanRun{
		ID:              job.ID,
		Name:            job.Name,
		Status:          job.Status,
		WorkspaceFilter: firstNonEmpty(job.Filter.WorkspaceID, job.Filter.Workspace),
		DatasetFilter:   firstNonEmpty(job.Filter.DatasetID, job.Filter.Dataset),
		TotalWorkspaces: job.TotalWorkspaces,
		TotalDatasets:   job.TotalDatasets,
		Succeeded:       job.Outcomes.Succeeded,
		Partial:         job.Outcomes.Partial,
		Failed:          job.Outcomes.Failed,
		Skipped:         job.Outcomes.Skipped,
		ErrorMessage:    job.ErrorMessage,
		Success:         job.Status == ScanStatusCompleted,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
	return run
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
