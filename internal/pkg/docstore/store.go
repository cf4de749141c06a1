// Package docstore 按 {job_id}/documents/{dataset_id}.json 保存提取文档
package docstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rbutinar/power-bi-catalog/config"
)

var ErrNotFound = errors.New("document not found")

// ErrInvalidKey 会越出存储根目录的 key
var ErrInvalidKey = errors.New("invalid document key")

// Store 以 / 分隔 key 的对象存储
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List 返回前缀下的全部 key（已排序）
	List(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// New 按配置创建存储后端
func New(ctx context.Context, cfg *config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.ScanDir)
	case "oss":
		return NewOSS(&cfg.OSS)
	case "s3":
		return NewS3(ctx, &cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// JobPrefix 任务的全部数据
func JobPrefix(jobID string) string {
	return jobID + "/"
}

func DocumentsPrefix(jobID string) string {
	return jobID + "/documents/"
}

// DocumentKey (任务, 语义模型) 的文档 key
func DocumentKey(jobID, datasetID string) string {
	return path.Join(jobID, "documents", datasetID+".json")
}

func IsDocumentKey(key string) bool {
	return strings.HasSuffix(key, ".json") && strings.Contains(key, "/documents/")
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}
