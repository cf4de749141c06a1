package testutil

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/rbutinar/power-bi-catalog/internal/model"
)

// FixedTime 固定的提取时间
var FixedTime = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// TestWorkspace 构造工作区（Premium，不入库）
func TestWorkspace(opts ...func(*model.Workspace)) *model.Workspace {
	ws := &model.Workspace{
		ID:                    "ws-finance",
		Name:                  "Finance",
		Type:                  model.WorkspaceTypeWorkspace,
		State:                 "Active",
		IsOnDedicatedCapacity: true,
		CapacityID:            "cap-1",
	}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

// WithWorkspaceID 设置工作区 ID 和名称
func WithWorkspaceID(id, name string) func(*model.Workspace) {
	return func(w *model.Workspace) {
		w.ID = id
		w.Name = name
	}
}

// WithSharedCapacity 设置为共享容量
func WithSharedCapacity() func(*model.Workspace) {
	return func(w *model.Workspace) {
		w.IsOnDedicatedCapacity = false
		w.CapacityID = ""
	}
}

// WithPersonal 设置为个人工作区
func WithPersonal() func(*model.Workspace) {
	return func(w *model.Workspace) {
		w.Type = model.WorkspaceTypePersonal
		w.IsOnDedicatedCapacity = false
	}
}

// TestDataset 构造语义模型（不入库）
func TestDataset(workspaceID string, opts ...func(*model.Dataset)) *model.Dataset {
	ds := &model.Dataset{
		ID:            fmt.Sprintf("ds-%s-sales", workspaceID),
		Name:          "Sales Model",
		WorkspaceID:   workspaceID,
		ConfiguredBy:  "owner@contoso.com",
		IsRefreshable: true,
	}
	for _, opt := range opts {
		opt(ds)
	}
	return ds
}

// WithDatasetID 设置语义模型 ID 和名称
func WithDatasetID(id, name string) func(*model.Dataset) {
	return func(d *model.Dataset) {
		d.ID = id
		d.Name = name
	}
}

// TestDocument 构造一份成功的提取文档：Sales(3 列) 与 Date(2 列)，一个数据源
func TestDocument(jobID string, ws *model.Workspace, ds *model.Dataset, opts ...func(*model.Document)) *model.Document {
	doc := model.NewDocument(ws, ds)
	doc.JobID = jobID
	doc.ExtractedAt = FixedTime
	doc.Tables = []model.Table{
		{
			Name:     "Sales",
			RowCount: 1200,
			Columns: []model.Column{
				{Name: "OrderID", DataType: "Int64", IsKey: true},
				{Name: "Amount", DataType: "Decimal"},
				{Name: "OrderDate", DataType: "DateTime"},
			},
		},
		{
			Name:     "Date",
			IsHidden: true,
			RowCount: 365,
			Columns: []model.Column{
				{Name: "Date", DataType: "DateTime", IsKey: true},
				{Name: "Year", DataType: "Int64"},
			},
		},
	}
	for i := range doc.Tables {
		doc.Tables[i].ColumnCount = len(doc.Tables[i].Columns)
		for j := range doc.Tables[i].Columns {
			doc.Tables[i].Columns[j].Table = doc.Tables[i].Name
		}
	}
	doc.Measures = []model.Measure{
		{Name: "Total Sales", Table: "Sales", Expression: "SUM(Sales[Amount])", FormatString: "#,0.00"},
	}
	doc.Relationships = []model.Relationship{
		{FromTable: "Sales", FromColumn: "OrderDate", ToTable: "Date", ToColumn: "Date",
			CrossFilter: "OneDirection", Cardinality: "ManyToOne", IsActive: true},
	}
	doc.DataSources = []model.DataSource{
		{Name: "Warehouse", Type: "Provider", ConnectionString: "Data Source=sql01;Password=***", ImpersonationMode: "ImpersonateServiceAccount"},
	}
	for _, opt := range opts {
		opt(doc)
	}
	return doc
}

// WithFacetError 标记某个 facet 失败并清空其内容
func WithFacetError(facet, kind, message string) func(*model.Document) {
	return func(d *model.Document) {
		switch facet {
		case model.FacetTables:
			d.Tables = []model.Table{}
		case model.FacetColumns:
			for i := range d.Tables {
				d.Tables[i].Columns = nil
				d.Tables[i].ColumnCount = 0
			}
		case model.FacetMeasures:
			d.Measures = []model.Measure{}
		case model.FacetRelationships:
			d.Relationships = []model.Relationship{}
		}
		d.SetFacetError(facet, &model.OutcomeError{Kind: kind, Message: message})
		d.Outcome = model.OutcomePartial
	}
}

// WithFailure 标记整个文档失败
func WithFailure(kind, message string) func(*model.Document) {
	return func(d *model.Document) {
		d.Tables = []model.Table{}
		d.Measures = []model.Measure{}
		d.Relationships = []model.Relationship{}
		d.DataSources = nil
		d.Fail(kind, "", message)
	}
}

// TestScanRun 创建测试运行记录
func TestScanRun(t *testing.T, db *gorm.DB, id, status string) *model.ScanRun {
	t.Helper()

	run := &model.ScanRun{
		ID:        id,
		Name:      "scan_" + id,
		Status:    status,
		Success:   status == model.ScanStatusCompleted,
		CreatedAt: time.Now(),
	}

	if err := db.Create(run).Error; err != nil {
		t.Fatalf("Failed to create test scan run: %v", err)
	}

	return run
}
