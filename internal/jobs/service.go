package jobs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/id"
	"github.com/dunamismax/genflow/internal/queue"
	"github.com/dunamismax/genflow/internal/store"
	"github.com/rs/zerolog"
)

type folderCleaner interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

type Config struct {
	Store      store.JobStore
	Dispatcher queue.Dispatcher
	// Storage is optional. When set, deleting a job also removes its inputs
	// and results from the bucket.
	Storage folderCleaner
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Service is the caller-facing surface over jobs: submit, poll, list, delete.
type Service struct {
	store      store.JobStore
	dispatcher queue.Dispatcher
	storage    folderCleaner
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("job store is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		storage:    cfg.Storage,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// Submit validates req, records a queued job and schedules it. A job whose
// enqueue fails is written failed before the error is returned, so nobody
// polls a job that will never run.
func (s *Service) Submit(ctx context.Context, req domain.SubmitRequest) (domain.Job, error) {
	if err := req.Validate(); err != nil {
		return domain.Job{}, err
	}

	now := s.now()
	refs := make([]string, 0, len(req.Images))
	for _, ref := range req.Images {
		refs = append(refs, strings.TrimSpace(ref))
	}

	job := domain.Job{
		ID:          id.New(),
		OwnerID:     req.OwnerID,
		Status:      domain.JobStatusQueued,
		InputRefs:   refs,
		Prompt:      req.Prompt,
		Provider:    strings.TrimSpace(req.Provider),
		Options:     req.Options,
		CallbackURL: strings.TrimSpace(req.CallbackURL),
		Results:     []domain.JobResult{},
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}

	err := s.dispatcher.Enqueue(ctx, queue.GenerationPayload{
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		InputRefs:   job.InputRefs,
		Prompt:      job.Prompt,
		Provider:    job.Provider,
		RequestedAt: now,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Str("owner_id", job.OwnerID).Msg("enqueue failed")
		jobErr := &domain.JobError{
			Kind:    domain.ErrorKindInternal,
			Status:  "INTERNAL",
			Reason:  "enqueue_failed",
			Message: err.Error(),
		}
		if _, updateErr := s.store.Update(ctx, job.OwnerID, job.ID, domain.JobPatch{Status: domain.JobStatusFailed, Error: jobErr}); updateErr != nil {
			s.logger.Error().Err(updateErr).Str("job_id", job.ID).Msg("mark unqueued job failed")
		}
		return domain.Job{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	s.logger.Info().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Int("inputs", len(refs)).Msg("job submitted")
	return job, nil
}

func (s *Service) Get(ctx context.Context, ownerID, jobID string) (domain.Job, error) {
	job, ok, err := s.store.Get(ctx, ownerID, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, ownerID string, filter domain.ListFilter) ([]domain.Job, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner_id is required", domain.ErrValidation)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, filter.Status)
	}
	jobs, err := s.store.List(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes the owner's jobs matching filter. A filter with no selector
// is refused unless Force is set.
func (s *Service) Delete(ctx context.Context, ownerID string, filter domain.DeleteFilter) (domain.DeleteSummary, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.DeleteSummary{}, fmt.Errorf("%w: owner_id is required", domain.ErrValidation)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.DeleteSummary{}, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, filter.Status)
	}

	summary, err := s.store.DeleteMany(ctx, ownerID, filter)
	if err != nil {
		return domain.DeleteSummary{}, fmt.Errorf("delete jobs: %w", err)
	}
	if summary.DryRun || s.storage == nil {
		return summary, nil
	}

	for _, jobID := range summary.IDs {
		prefix := path.Join("user", ownerID, "jobs", jobID) + "/"
		removed, err := s.storage.DeletePrefix(ctx, prefix)
		if err != nil {
			// The documents are already gone; leftover objects are only logged.
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("delete job objects")
			continue
		}
		s.logger.Debug().Str("job_id", jobID).Int("objects", removed).Msg("job objects removed")
	}
	return summary, nil
}
