package cron

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/model/dto"
)

// ScanTrigger 创建扫描任务
type ScanTrigger interface {
	CreateScan(ctx context.Context, req *dto.CreateScanRequest) (*model.ScanJob, error)
	Running(prefix string) bool
}

type Service struct {
	trigger    ScanTrigger
	name       string
	interval   time.Duration
	scanDir    string
	tempExpire time.Duration
	logger     *slog.Logger
	stopChan   chan struct{}
}

// NewService interval 为 0 时不调度扫描；scanDir 为空时不清理
func NewService(
	trigger ScanTrigger,
	name string,
	interval time.Duration,
	scanDir string,
	tempExpire time.Duration,
	logger *slog.Logger,
) *Service {
	if name == "" {
		name = "scheduled"
	}
	if tempExpire <= 0 {
		tempExpire = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		trigger:    trigger,
		name:       name,
		interval:   interval,
		scanDir:    scanDir,
		tempExpire: tempExpire,
		logger:     logger.With("component", "cron"),
		stopChan:   make(chan struct{}),
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	if s.interval > 0 && s.trigger != nil {
		go s.runSchedule()
	}
	if s.scanDir != "" {
		go s.runCleanup()
	}
	s.logger.Info("cron service started", "schedule_interval", s.interval, "scan_dir", s.scanDir)
}

// Stop 停止定时任务
func (s *Service) Stop() {
	close(s.stopChan)
	s.logger.Info("cron service stopped")
}

// runSchedule 按固定间隔创建扫描
func (s *Service) runSchedule() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.RunNow(); err != nil {
				s.logger.Error("scheduled scan failed to start", "error", err)
			}
		}
	}
}

// RunNow 立即触发一次定时扫描；上一次仍在运行时跳过并返回 nil
func (s *Service) RunNow() (*model.ScanJob, error) {
	if s.trigger.Running(s.name + "_") {
		s.logger.Info("previous scheduled scan still running, skip", "name", s.name)
		return nil, nil
	}
	job, err := s.trigger.CreateScan(context.Background(), &dto.CreateScanRequest{
		Name: s.name + "_" + time.Now().Format("2006-01-02_15-04-05"),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("scheduled scan started", "scan_id", job.ID, "name", job.Name)
	return job, nil
}

// runCleanup 每小时清理一次写入中断留下的临时文件
func (s *Service) runCleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if n := s.cleanupTempFiles(); n > 0 {
				s.logger.Info("cleanup summary", "temp_files", n)
			}
		}
	}
}

// cleanupTempFiles 删除 scanDir 下过期的 .tmp-* 文件
func (s *Service) cleanupTempFiles() int {
	if _, err := os.Stat(s.scanDir); os.IsNotExist(err) {
		return 0
	}

	cleaned := 0
	err := filepath.WalkDir(s.scanDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if time.Since(info.ModTime()) <= s.tempExpire {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("cleanup: failed to remove temp file", "path", path, "error", err)
			return nil
		}
		cleaned++
		return nil
	})
	if err != nil {
		s.logger.Warn("cleanup: walk failed", "dir", s.scanDir, "error", err)
	}
	return cleaned
}
