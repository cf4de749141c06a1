package model

import (
	"time"
)

// DocumentSchemaVersion 文档格式版本
const DocumentSchemaVersion = 1

// 提取结果
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

// 元数据 facet
const (
	FacetTables        = "tables"
	FacetColumns       = "columns"
	FacetMeasures      = "measures"
	FacetRelationships = "relationships"
)

// Facets 固定的提取顺序
var Facets = []string{FacetTables, FacetColumns, FacetMeasures, FacetRelationships}

// OutcomeError 分类后的错误
type OutcomeError struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// DocumentWorkspace 文档中的工作区快照
type DocumentWorkspace struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Type                  string `json:"type"`
	IsOnDedicatedCapacity bool   `json:"is_on_dedicated_capacity"`
}

// DocumentDataset 文档中的语义模型快照
type DocumentDataset struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	ConfiguredBy  string     `json:"configured_by,omitempty"`
	IsRefreshable bool       `json:"is_refreshable"`
	CreatedDate   *time.Time `json:"created_date,omitempty"`
	ModifiedDate  *time.Time `json:"modified_date,omitempty"`
}

// Document 每个 (扫描任务, 语义模型) 一份的提取结果
// DataSources 为 nil 表示未能读取，空切片表示没有数据源
type Document struct {
	SchemaVersion int                      `json:"schema_version"`
	JobID         string                   `json:"job_id"`
	Outcome       string                   `json:"outcome"`
	Workspace     DocumentWorkspace        `json:"workspace"`
	Dataset       DocumentDataset          `json:"dataset"`
	ExtractedAt   time.Time                `json:"extracted_at"`
	Tables        []Table                  `json:"tables"`
	Measures      []Measure                `json:"measures"`
	Relationships []Relationship           `json:"relationships"`
	DataSources   []DataSource             `json:"data_sources"`
	FacetErrors   map[string]*OutcomeError `json:"facet_errors,omitempty"`
	Error         *OutcomeError            `json:"error,omitempty"`
	Warnings      []string                 `json:"warnings,omitempty"`
}

// NewDocument 创建空文档
func NewDocument(ws *Workspace, ds *Dataset) *Document {
	doc := &Document{
		SchemaVersion: DocumentSchemaVersion,
		Outcome:       OutcomeSuccess,
		ExtractedAt:   time.Now().UTC(),
		Tables:        []Table{},
		Measures:      []Measure{},
		Relationships: []Relationship{},
	}
	if ws != nil {
		doc.Workspace = DocumentWorkspace{
			ID:                    ws.ID,
			Name:                  ws.Name,
			Type:                  ws.Type,
			IsOnDedicatedCapacity: ws.IsOnDedicatedCapacity,
		}
	}
	if ds != nil {
		doc.Dataset = DocumentDataset{
			ID:            ds.ID,
			Name:          ds.Name,
			ConfiguredBy:  ds.ConfiguredBy,
			IsRefreshable: ds.IsRefreshable,
			CreatedDate:   ds.CreatedDate,
			ModifiedDate:  ds.ModifiedDate,
		}
	}
	return doc
}

// FailedDocument 失败结果文档
func FailedDocument(ws *Workspace, ds *Dataset, kind, reason, message string) *Document {
	doc := NewDocument(ws, ds)
	doc.Fail(kind, reason, message)
	return doc
}

// Fail 标记为失败
func (d *Document) Fail(kind, reason, message string) {
	d.Outcome = OutcomeFailed
	d.Error = &OutcomeError{Kind: kind, Reason: reason, Message: message}
}

// SetFacetError 记录单个 facet 的错误
func (d *Document) SetFacetError(facet string, e *OutcomeError) {
	if d.FacetErrors == nil {
		d.FacetErrors = make(map[string]*OutcomeError)
	}
	d.FacetErrors[facet] = e
}

// FacetFailed facet 是否提取失败
func (d *Document) FacetFailed(facet string) bool {
	if d.Outcome == OutcomeFailed {
		return true
	}
	_, ok := d.FacetErrors[facet]
	return ok
}

// ColumnCount 列总数
func (d *Document) ColumnCount() int {
	n := 0
	for _, t := range d.Tables {
		n += len(t.Columns)
	}
	return n
}

// WorkspaceModel 还原为工作区记录
func (d *Document) WorkspaceModel() *Workspace {
	return &Workspace{
		ID:                    d.Workspace.ID,
		Name:                  d.Workspace.Name,
		Type:                  d.Workspace.Type,
		IsOnDedicatedCapacity: d.Workspace.IsOnDedicatedCapacity,
	}
}

// DatasetModel 还原为语义模型记录
func (d *Document) DatasetModel() *Dataset {
	return &Dataset{
		ID:            d.Dataset.ID,
		Name:          d.Dataset.Name,
		WorkspaceID:   d.Workspace.ID,
		ConfiguredBy:  d.Dataset.ConfiguredBy,
		IsRefreshable: d.Dataset.IsRefreshable,
		CreatedDate:   d.Dataset.CreatedDate,
		ModifiedDate:  d.Dataset.ModifiedDate,
	}
}
