package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Workspace 工作区
type Workspace struct {
	ID                    string    `gorm:"primaryKey;size:64" json:"id"`
	Name                  string    `gorm:"size:255;not null;index" json:"name"`
	Type                  string    `gorm:"size:32" json:"type"`
	State                 string    `gorm:"size:32" json:"state"`
	IsOnDedicatedCapacity bool      `json:"is_on_dedicated_capacity"`
	CapacityID            string    `gorm:"size:64" json:"capacity_id,omitempty"`
	DatasetCount          int       `json:"dataset_count"`
	LastScanID            string    `gorm:"size:32" json:"last_scan_id,omitempty"`
	IndexedAt             time.Time `json:"indexed_at"`
}

func (Workspace) TableName() string {
	return "workspaces"
}

// CapacityBacked 是否支持 XMLA 读取
func (w *Workspace) CapacityBacked() bool {
	return w.IsOnDedicatedCapacity
}

// IsPersonal 个人工作区
func (w *Workspace) IsPersonal() bool {
	return w.Type == WorkspaceTypePersonal
}

const (
	WorkspaceTypeWorkspace = "Workspace"
	WorkspaceTypePersonal  = "PersonalGroup"
)

// Dataset 语义模型，同时记录最近一次提取结果
type Dataset struct {
	ID            string     `gorm:"primaryKey;size:64" json:"id"`
	Name          string     `gorm:"size:255;not null;index" json:"name"`
	WorkspaceID   string     `gorm:"size:64;index" json:"workspace_id"`
	ConfiguredBy  string     `gorm:"size:255" json:"configured_by,omitempty"`
	IsRefreshable bool       `json:"is_refreshable"`
	CreatedDate   *time.Time `json:"created_date,omitempty"`
	ModifiedDate  *time.Time `json:"modified_date,omitempty"`

	Outcome           string      `gorm:"size:16;index" json:"outcome,omitempty"`
	ErrorKind         string      `gorm:"size:32" json:"error_kind,omitempty"`
	ErrorMessage      string      `gorm:"type:text" json:"error_message,omitempty"`
	FacetErrors       FacetErrors `gorm:"type:text" json:"facet_errors,omitempty"`
	TableCount        int         `json:"table_count"`
	ColumnCount       int         `json:"column_count"`
	MeasureCount      int         `json:"measure_count"`
	RelationshipCount int         `json:"relationship_count"`
	DataSourceCount   int         `json:"data_source_count"`
	LastScanID        string      `gorm:"size:32" json:"last_scan_id,omitempty"`
	ExtractedAt       *time.Time  `json:"extracted_at,omitempty"`
}

func (Dataset) TableName() string {
	return "datasets"
}

// Table 表；Synthetic 表示表 facet 失败后按 TableID 归组，Name 为原始 ID
type Table struct {
	DatasetID   string   `gorm:"primaryKey;size:64" json:"-"`
	Name        string   `gorm:"primaryKey;size:191" json:"name"`
	Description string   `gorm:"type:text" json:"description,omitempty"`
	IsHidden    bool     `json:"is_hidden"`
	RowCount    int64    `json:"row_count"`
	ColumnCount int      `json:"column_count"`
	Columns     []Column `gorm:"-" json:"columns"`
	Synthetic   bool     `gorm:"-" json:"synthetic,omitempty"`
}

func (Table) TableName() string {
	return "model_tables"
}

// Column 列
type Column struct {
	DatasetID    string `gorm:"primaryKey;size:64" json:"-"`
	Table        string `gorm:"primaryKey;size:191;column:table_name" json:"table"`
	Name         string `gorm:"primaryKey;size:191" json:"name"`
	DataType     string `gorm:"size:32" json:"data_type"`
	IsHidden     bool   `json:"is_hidden"`
	IsKey        bool   `json:"is_key"`
	DataCategory string `gorm:"size:64" json:"data_category,omitempty"`
	Description  string `gorm:"type:text" json:"description,omitempty"`
	Expression   string `gorm:"type:text" json:"expression,omitempty"`
}

func (Column) TableName() string {
	return "model_columns"
}

// Measure 度量值
type Measure struct {
	DatasetID     string `gorm:"primaryKey;size:64" json:"-"`
	Name          string `gorm:"primaryKey;size:191" json:"name"`
	Table         string `gorm:"size:191;column:table_name" json:"table"`
	Expression    string `gorm:"type:text" json:"expression"`
	FormatString  string `gorm:"size:255" json:"format_string,omitempty"`
	DisplayFolder string `gorm:"size:255" json:"display_folder,omitempty"`
	IsHidden      bool   `json:"is_hidden"`
	Description   string `gorm:"type:text" json:"description,omitempty"`
}

func (Measure) TableName() string {
	return "measures"
}

// Relationship 表间关系
type Relationship struct {
	DatasetID   string `gorm:"primaryKey;size:64" json:"-"`
	FromTable   string `gorm:"primaryKey;size:150" json:"from_table"`
	FromColumn  string `gorm:"primaryKey;size:150" json:"from_column"`
	ToTable     string `gorm:"primaryKey;size:150" json:"to_table"`
	ToColumn    string `gorm:"primaryKey;size:150" json:"to_column"`
	CrossFilter string `gorm:"size:32" json:"cross_filtering_behavior"`
	Cardinality string `gorm:"size:32" json:"cardinality,omitempty"`
	IsActive    bool   `json:"is_active"`
}

func (Relationship) TableName() string {
	return "relationships"
}

// DataSource 语义模型的数据源，连接串中的口令已脱敏
type DataSource struct {
	DatasetID         string `gorm:"primaryKey;size:64" json:"-"`
	Name              string `gorm:"primaryKey;size:191" json:"name"`
	Type              string `gorm:"size:32" json:"type"`
	ConnectionString  string `gorm:"type:text" json:"connection_string,omitempty"`
	ImpersonationMode string `gorm:"size:64" json:"impersonation_mode,omitempty"`
	Description       string `gorm:"type:text" json:"description,omitempty"`
}

func (DataSource) TableName() string {
	return "data_sources"
}

// FacetErrors 按 facet 记录的提取错误（JSON 存储）
type FacetErrors map[string]*OutcomeError

func (f FacetErrors) Value() (driver.Value, error) {
	if len(f) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (f *FacetErrors) Scan(value interface{}) error {
	if value == nil {
		*f = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("invalid type for FacetErrors")
	}
	if len(data) == 0 {
		*f = nil
		return nil
	}
	return json.Unmarshal(data, f)
}
