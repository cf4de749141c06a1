package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/rbutinar/power-bi-catalog/config"
)

// OSS 阿里云 OSS 存储
type OSS struct {
	bucket *oss.Bucket
	prefix string
}

func NewOSS(cfg *config.OSSConfig) (*OSS, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OSS client: %w", err)
	}

	bucket, err := client.Bucket(cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	return &OSS{bucket: bucket, prefix: cfg.Prefix}, nil
}

func (s *OSS) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := s.bucket.PutObject(joinPrefix(s.prefix, key), bytes.NewReader(data),
		oss.ContentType("application/json"), oss.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to upload document: %w", err)
	}
	return nil
}

func (s *OSS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	body, err := s.bucket.GetObject(joinPrefix(s.prefix, key), oss.WithContext(ctx))
	if err != nil {
		var se oss.ServiceError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download document: %w", err)
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (s *OSS) List(ctx context.Context, prefix string) ([]string, error) {
	full := joinPrefix(s.prefix, prefix)
	var keys []string
	token := ""
	for {
		res, err := s.bucket.ListObjectsV2(oss.Prefix(full), oss.ContinuationToken(token), oss.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range res.Objects {
			keys = append(keys, s.trim(obj.Key))
		}
		if !res.IsTruncated {
			break
		}
		token = res.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *OSS) DeletePrefix(ctx context.Context, prefix string) error {
	if err := validateKey(prefix); err != nil {
		return err
	}
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	// DeleteObjects 单次最多 1000 个
	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))
		batch := make([]string, 0, end-start)
		for _, k := range keys[start:end] {
			batch = append(batch, joinPrefix(s.prefix, k))
		}
		if _, err := s.bucket.DeleteObjects(batch, oss.DeleteObjectsQuiet(true), oss.WithContext(ctx)); err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}
	}
	return nil
}

func (s *OSS) trim(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, strings.TrimSuffix(s.prefix, "/")+"/")
}
