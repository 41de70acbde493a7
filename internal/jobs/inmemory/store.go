package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/jobs"
)

// Store is an in-memory JobStore. Data is lost on restart.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.AnalyzeInboxJob
}

// NewStore creates a new in-memory job store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*jobs.AnalyzeInboxJob),
	}
}

// SaveJob implements the JobStore interface.
func (s *Store) SaveJob(ctx context.Context, job *jobs.AnalyzeInboxJob) error {
	if job.JobID == "" {
		return domain.Validationf("SaveJob", "job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobCopy := *job
	s.jobs[job.JobID] = &jobCopy
	return nil
}

// GetJob implements the JobStore interface.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.AnalyzeInboxJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, domain.NotFoundf("GetJob", "job %s not found", jobID)
	}
	jobCopy := *job
	return &jobCopy, nil
}

// ListJobs implements the JobStore interface. Jobs are ordered by creation.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.AnalyzeInboxJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*jobs.AnalyzeInboxJob
	for _, job := range s.jobs {
		if filter.TeamID != "" && job.TeamID != filter.TeamID {
			continue
		}
		if filter.InboxID != "" && job.InboxID != filter.InboxID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobCopy := *job
		result = append(result, &jobCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].JobID < result[j].JobID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*jobs.AnalyzeInboxJob{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

var _ jobs.JobStore = (*Store)(nil)
