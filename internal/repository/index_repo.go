package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rbutinar/power-bi-catalog/internal/model"
)

const batchSize = 200

// IndexRepository 元数据索引
type IndexRepository struct {
	db *gorm.DB
}

func NewIndexRepository(db *gorm.DB) *IndexRepository {
	return &IndexRepository{db: db}
}

// IndexStats 索引统计
type IndexStats struct {
	Workspaces      int64          `json:"workspaces"`
	Datasets        int64          `json:"datasets"`
	Tables          int64          `json:"tables"`
	Columns         int64          `json:"columns"`
	Measures        int64          `json:"measures"`
	Relationships   int64          `json:"relationships"`
	DataSources     int64          `json:"data_sources"`
	FailedDatasets  int64          `json:"failed_datasets"`
	PartialDatasets int64          `json:"partial_datasets"`
	LastRun         *model.ScanRun `json:"last_run,omitempty"`
}

func upsert(keys []string, updates []string) clause.OnConflict {
	cols := make([]clause.Column, len(keys))
	for i, k := range keys {
		cols[i] = clause.Column{Name: k}
	}
	return clause.OnConflict{Columns: cols, DoUpdates: clause.AssignmentColumns(updates)}
}

// IngestDocument 在单个事务中写入一份文档，可重复执行
func (r *IndexRepository) IngestDocument(ctx context.Context, doc *model.Document) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ws := doc.WorkspaceModel()
		ws.LastScanID = doc.JobID
		ws.IndexedAt = doc.ExtractedAt
		if err := tx.Clauses(upsert([]string{"id"},
			[]string{"name", "type", "is_on_dedicated_capacity", "last_scan_id", "indexed_at"})).
			Create(ws).Error; err != nil {
			return err
		}

		ds := doc.DatasetModel()
		extractedAt := doc.ExtractedAt
		ds.LastScanID = doc.JobID
		ds.ExtractedAt = &extractedAt
		ds.Outcome = doc.Outcome
		ds.FacetErrors = doc.FacetErrors
		if doc.Error != nil {
			ds.ErrorKind = doc.Error.Kind
			ds.ErrorMessage = doc.Error.Message
		}
		if err := tx.Clauses(upsert([]string{"id"}, []string{
			"name", "workspace_id", "configured_by", "is_refreshable", "created_date", "modified_date",
			"outcome", "error_kind", "error_message", "facet_errors", "last_scan_id", "extracted_at",
		})).Create(ds).Error; err != nil {
			return err
		}

		// 失败结果只记录错误，保留已有元数据
		if doc.Outcome != model.OutcomeFailed {
			if err := r.replaceFacets(tx, doc); err != nil {
				return err
			}
		}

		if err := r.refreshDatasetCounts(tx, ds.ID); err != nil {
			return err
		}
		return r.refreshWorkspaceCount(tx, ws.ID)
	})
}

func (r *IndexRepository) replaceFacets(tx *gorm.DB, doc *model.Document) error {
	datasetID := doc.Dataset.ID
	tablesOK := !doc.FacetFailed(model.FacetTables)

	if tablesOK {
		tables := make([]model.Table, 0, len(doc.Tables))
		keys := make([]string, 0, len(doc.Tables))
		for _, t := range doc.Tables {
			t.DatasetID = datasetID
			t.ColumnCount = len(t.Columns)
			tables = append(tables, t)
			keys = append(keys, t.Name)
		}
		if len(tables) > 0 {
			if err := tx.Clauses(upsert([]string{"dataset_id", "name"},
				[]string{"description", "is_hidden", "row_count", "column_count"})).
				CreateInBatches(&tables, batchSize).Error; err != nil {
				return err
			}
		}
		if err := deleteStale(tx, &model.Table{}, datasetID, "name", keys); err != nil {
			return err
		}
	}

	// 列依赖表 facet 才能归属
	if tablesOK && !doc.FacetFailed(model.FacetColumns) {
		var columns []model.Column
		keep := make(map[columnKey]bool)
		for _, t := range doc.Tables {
			for _, c := range t.Columns {
				c.DatasetID = datasetID
				c.Table = t.Name
				columns = append(columns, c)
				keep[columnKey{c.Table, c.Name}] = true
			}
		}
		if len(columns) > 0 {
			if err := tx.Clauses(upsert([]string{"dataset_id", "table_name", "name"},
				[]string{"data_type", "is_hidden", "is_key", "data_category", "description", "expression"})).
				CreateInBatches(&columns, batchSize).Error; err != nil {
				return err
			}
		}
		var existing []model.Column
		if err := tx.Select("table_name", "name").Where("dataset_id = ?", datasetID).Find(&existing).Error; err != nil {
			return err
		}
		for _, c := range existing {
			if keep[columnKey{c.Table, c.Name}] {
				continue
			}
			if err := tx.Where("dataset_id = ? AND table_name = ? AND name = ?", datasetID, c.Table, c.Name).
				Delete(&model.Column{}).Error; err != nil {
				return err
			}
		}
	}

	if !doc.FacetFailed(model.FacetMeasures) {
		measures := make([]model.Measure, 0, len(doc.Measures))
		keys := make([]string, 0, len(doc.Measures))
		for _, m := range doc.Measures {
			m.DatasetID = datasetID
			measures = append(measures, m)
			keys = append(keys, m.Name)
		}
		if len(measures) > 0 {
			if err := tx.Clauses(upsert([]string{"dataset_id", "name"},
				[]string{"table_name", "expression", "format_string", "display_folder", "is_hidden", "description"})).
				CreateInBatches(&measures, batchSize).Error; err != nil {
				return err
			}
		}
		if err := deleteStale(tx, &model.Measure{}, datasetID, "name", keys); err != nil {
			return err
		}
	}

	if !doc.FacetFailed(model.FacetRelationships) {
		rels := make([]model.Relationship, 0, len(doc.Relationships))
		keep := make(map[string]bool)
		for _, rel := range doc.Relationships {
			rel.DatasetID = datasetID
			rels = append(rels, rel)
			keep[relationshipKey(rel)] = true
		}
		if len(rels) > 0 {
			if err := tx.Clauses(upsert([]string{"dataset_id", "from_table", "from_column", "to_table", "to_column"},
				[]string{"cross_filter", "cardinality", "is_active"})).
				CreateInBatches(&rels, batchSize).Error; err != nil {
				return err
			}
		}
		var existing []model.Relationship
		if err := tx.Select("from_table", "from_column", "to_table", "to_column").
			Where("dataset_id = ?", datasetID).Find(&existing).Error; err != nil {
			return err
		}
		for _, rel := range existing {
			if keep[relationshipKey(rel)] {
				continue
			}
			if err := tx.Where("dataset_id = ? AND from_table = ? AND from_column = ? AND to_table = ? AND to_column = ?",
				datasetID, rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn).
				Delete(&model.Relationship{}).Error; err != nil {
				return err
			}
		}
	}

	// nil 表示数据源未能读取，保留已有记录
	if doc.DataSources != nil {
		sources := make([]model.DataSource, 0, len(doc.DataSources))
		keys := make([]string, 0, len(doc.DataSources))
		for _, src := range doc.DataSources {
			src.DatasetID = datasetID
			sources = append(sources, src)
			keys = append(keys, src.Name)
		}
		if len(sources) > 0 {
			if err := tx.Clauses(upsert([]string{"dataset_id", "name"},
				[]string{"type", "connection_string", "impersonation_mode", "description"})).
				CreateInBatches(&sources, batchSize).Error; err != nil {
				return err
			}
		}
		if err := deleteStale(tx, &model.DataSource{}, datasetID, "name", keys); err != nil {
			return err
		}
	}
	return nil
}

type columnKey struct{ table, name string }

func relationshipKey(r model.Relationship) string {
	return r.FromTable + "\x00" + r.FromColumn + "\x00" + r.ToTable + "\x00" + r.ToColumn
}

func deleteStale(tx *gorm.DB, m interface{}, datasetID, column string, keep []string) error {
	q := tx.Where("dataset_id = ?", datasetID)
	if len(keep) > 0 {
		q = q.Where(column+" NOT IN ?", keep)
	}
	return q.Delete(m).Error
}

func (r *IndexRepository) refreshDatasetCounts(tx *gorm.DB, datasetID string) error {
	var tables, columns, measures, rels, sources int64
	if err := tx.Model(&model.Table{}).Where("dataset_id = ?", datasetID).Count(&tables).Error; err != nil {
		return err
	}
	if err := tx.Model(&model.Column{}).Where("dataset_id = ?", datasetID).Count(&columns).Error; err != nil {
		return err
	}
	if err := tx.Model(&model.Measure{}).Where("dataset_id = ?", datasetID).Count(&measures).Error; err != nil {
		return err
	}
	if err := tx.Model(&model.Relationship{}).Where("dataset_id = ?", datasetID).Count(&rels).Error; err != nil {
		return err
	}
	if err := tx.Model(&model.DataSource{}).Where("dataset_id = ?", datasetID).Count(&sources).Error; err != nil {
		return err
	}
	return tx.Model(&model.Dataset{}).Where("id = ?", datasetID).Updates(map[string]interface{}{
		"table_count":        tables,
		"column_count":       columns,
		"measure_count":      measures,
		"relationship_count": rels,
		"data_source_count":  sources,
	}).Error
}

func (r *IndexRepository) refreshWorkspaceCount(tx *gorm.DB, workspaceID string) error {
	var n int64
	if err := tx.Model(&model.Dataset{}).Where("workspace_id = ?", workspaceID).Count(&n).Error; err != nil {
		return err
	}
	return tx.Model(&model.Workspace{}).Where("id = ?", workspaceID).Update("dataset_count", n).Error
}

// GetDataset 获取语义模型索引记录
func (r *IndexRepository) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	var ds model.Dataset
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&ds).Error; err != nil {
		return nil, err
	}
	return &ds, nil
}

// GetWorkspace 获取工作区索引记录
func (r *IndexRepository) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	var ws model.Workspace
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&ws).Error; err != nil {
		return nil, err
	}
	return &ws, nil
}

// ListTables 获取语义模型的表
func (r *IndexRepository) ListTables(ctx context.Context, datasetID string) ([]model.Table, error) {
	var tables []model.Table
	err := r.db.WithContext(ctx).Where("dataset_id = ?", datasetID).Order("name ASC").Find(&tables).Error
	return tables, err
}

// ListDataSources 获取语义模型的数据源
func (r *IndexRepository) ListDataSources(ctx context.Context, datasetID string) ([]model.DataSource, error) {
	var sources []model.DataSource
	err := r.db.WithContext(ctx).Where("dataset_id = ?", datasetID).Order("name ASC").Find(&sources).Error
	return sources, err
}

// ListMeasures 获取语义模型的度量值
func (r *IndexRepository) ListMeasures(ctx context.Context, datasetID string) ([]model.Measure, error) {
	var measures []model.Measure
	err := r.db.WithContext(ctx).Where("dataset_id = ?", datasetID).Order("name ASC").Find(&measures).Error
	return measures, err
}

// Stats 索引统计
func (r *IndexRepository) Stats(ctx context.Context) (*IndexStats, error) {
	db := r.db.WithContext(ctx)
	stats := &IndexStats{}

	counts := []struct {
		model interface{}
		where string
		arg   interface{}
		dst   *int64
	}{
		{&model.Workspace{}, "", nil, &stats.Workspaces},
		{&model.Dataset{}, "", nil, &stats.Datasets},
		{&model.Table{}, "", nil, &stats.Tables},
		{&model.Column{}, "", nil, &stats.Columns},
		{&model.Measure{}, "", nil, &stats.Measures},
		{&model.Relationship{}, "", nil, &stats.Relationships},
		{&model.DataSource{}, "", nil, &stats.DataSources},
		{&model.Dataset{}, "outcome = ?", model.OutcomeFailed, &stats.FailedDatasets},
		{&model.Dataset{}, "outcome = ?", model.OutcomePartial, &stats.PartialDatasets},
	}
	for _, c := range counts {
		q := db.Model(c.model)
		if c.where != "" {
			q = q.Where(c.where, c.arg)
		}
		if err := q.Count(c.dst).Error; err != nil {
			return nil, err
		}
	}

	var last model.ScanRun
	err := db.Order("created_at DESC").First(&last).Error
	switch {
	case err == nil:
		stats.LastRun = &last
	case err != gorm.ErrRecordNotFound:
		return nil, err
	}
	return stats, nil
}
