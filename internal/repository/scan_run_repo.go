package repository

import (
	"gorm.io/gorm"

	"github.com/rbutinar/power-bi-catalog/internal/model"
)

type ScanRunRepository struct {
	db *gorm.DB
}

func NewScanRunRepository(db *gorm.DB) *ScanRunRepository {
	return &ScanRunRepository{db: db}
}

func (r *ScanRunRepository) Create(run *model.ScanRun) error {
	return r.db.Create(run).Error
}

func (r *ScanRunRepository) GetByID(id string) (*model.ScanRun, error) {
	var run model.ScanRun
	err := r.db.Where("id = ?", id).First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *ScanRunRepository) Update(run *model.ScanRun) error {
	return r.db.Save(run).Error
}

func (r *ScanRunRepository) UpdateStatus(id string, status string) error {
	return r.db.Model(&model.ScanRun{}).Where("id = ?", id).Update("status", status).Error
}

// SetDocumentsIngested 记录导入的文档数
func (r *ScanRunRepository) SetDocumentsIngested(id string, n int) error {
	return r.db.Model(&model.ScanRun{}).Where("id = ?", id).Update("documents_ingested", n).Error
}

// List 最近的运行记录
func (r *ScanRunRepository) List(limit int) ([]*model.ScanRun, error) {
	var runs []*model.ScanRun
	q := r.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&runs).Error
	return runs, err
}

// GetUnfinished 获取未结束的运行记录
func (r *ScanRunRepository) GetUnfinished() ([]*model.ScanRun, error) {
	var runs []*model.ScanRun
	err := r.db.Where("status IN ?", []string{model.ScanStatusPending, model.ScanStatusRunning}).
		Order("created_at ASC").
		Find(&runs).Error
	return runs, err
}

func (r *ScanRunRepository) Delete(id string) error {
	return r.db.Where("id = ?", id).Delete(&model.ScanRun{}).Error
}
