package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[jobKey]domain.Job
	now  func() time.Time
}

type jobKey struct {
	owner string
	id    string
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[jobKey]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey{owner: job.OwnerID, id: job.ID}
	if _, exists := s.jobs[key]; exists {
		return domain.ErrJobExists
	}

	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.ModifiedAt.IsZero() {
		job.ModifiedAt = job.CreatedAt
	}
	s.jobs[key] = job.Clone()
	return nil
}

func (s *MemoryJobStore) Update(_ context.Context, ownerID, jobID string, patch domain.JobPatch) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey{owner: ownerID, id: jobID}
	job, ok := s.jobs[key]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}

	job = patch.Apply(job, s.now())
	s.jobs[key] = job
	return job.Clone(), nil
}

func (s *MemoryJobStore) Get(_ context.Context, ownerID, jobID string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobKey{owner: ownerID, id: jobID}]
	if !ok {
		return domain.Job{}, false, nil
	}
	return job.Clone(), true, nil
}

func (s *MemoryJobStore) List(_ context.Context, ownerID string, filter domain.ListFilter) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectLocked(ownerID, filter, nil), nil
}

func (s *MemoryJobStore) DeleteMany(_ context.Context, ownerID string, filter domain.DeleteFilter) (domain.DeleteSummary, error) {
	if !filter.Force && !filter.HasSelector() {
		return domain.RefusedDelete(filter.DryRun), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := s.selectLocked(ownerID, filter.ListFilter, filter.MatchesID)
	ids := make([]string, 0, len(matched))
	for _, job := range matched {
		ids = append(ids, job.ID)
	}

	summary := domain.DeleteSummary{
		DryRun:    filter.DryRun,
		Attempted: len(ids),
		IDs:       ids,
	}
	if filter.DryRun {
		return summary, nil
	}

	for _, batch := range chunk(ids, deleteBatchSize) {
		for _, jobID := range batch {
			delete(s.jobs, jobKey{owner: ownerID, id: jobID})
		}
		summary.Deleted += len(batch)
	}
	return summary, nil
}

func (s *MemoryJobStore) selectLocked(ownerID string, filter domain.ListFilter, idMatch func(string) bool) []domain.Job {
	out := make([]domain.Job, 0)
	for key, job := range s.jobs {
		if key.owner != ownerID || !filter.Matches(job) {
			continue
		}
		if idMatch != nil && !idMatch(job.ID) {
			continue
		}
		out = append(out, job.Clone())
	}
	sortJobs(out, filter)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}
