package service

import (
	"sync"

	"github.com/rbutinar/power-bi-catalog/internal/model"
)

// JobStore 扫描任务的进程内登记
type JobStore interface {
	Get(id string) (*model.ScanJob, bool)
	Put(job *model.ScanJob)
	List() []*model.ScanJob
	Delete(id string)
}

// MemoryJobStore 基于 map 的任务登记，重启后丢失
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.ScanJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*model.ScanJob)}
}

func (s *MemoryJobStore) Get(id string) (*model.ScanJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *MemoryJobStore) Put(job *model.ScanJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *MemoryJobStore) List() []*model.ScanJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*model.ScanJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	return jobs
}

func (s *MemoryJobStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}
