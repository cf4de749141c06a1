package dto

// CreateScanRequest 创建扫描请求
type CreateScanRequest struct {
	Name        string `json:"name,omitempty" binding:"omitempty,max=120"`
	Description string `json:"description,omitempty" binding:"omitempty,max=2000"`
	Workspace   string `json:"workspace,omitempty" binding:"omitempty,max=255"`
	WorkspaceID string `json:"workspace_id,omitempty" binding:"omitempty,max=64"`
	Dataset     string `json:"dataset,omitempty" binding:"omitempty,max=255"`
	DatasetID   string `json:"dataset_id,omitempty" binding:"omitempty,max=64"`
	// AuthMode 为空时使用配置中的模式
	AuthMode string `json:"auth_mode,omitempty" binding:"omitempty,oneof=service interactive"`
	// Ingest 完成后是否导入索引，默认导入
	Ingest *bool `json:"ingest,omitempty"`
}

// ScanListItem 扫描列表项
type ScanListItem struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Status            string `json:"status"`
	ProcessedDatasets int    `json:"processed_datasets"`
	TotalDatasets     int    `json:"total_datasets"`
	Progress          int    `json:"progress"`
	CreatedAt         string `json:"created_at"`
}

// ScanListResponse 扫描列表响应
type ScanListResponse struct {
	Total int             `json:"total"`
	Scans []*ScanListItem `json:"scans"`
}
