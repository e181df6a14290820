package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
)

func seedJobs(t *testing.T, s *MemoryJobStore, owner string, n int, status domain.JobStatus) []domain.Job {
	t.Helper()

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	jobs := make([]domain.Job, 0, n)
	for i := 0; i < n; i++ {
		job := domain.Job{
			ID:        fmt.Sprintf("job-%02d", i),
			OwnerID:   owner,
			Status:    status,
			InputRefs: []string{"img.png"},
			Prompt:    "test",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Create(context.Background(), job); err != nil {
			t.Fatalf("seed job %s: %v", job.ID, err)
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func TestMemoryJobStoreCreateRejectsDuplicate(t *testing.T) {
	s := NewMemoryJobStore()
	job := domain.Job{ID: "job-1", OwnerID: "user-1", Status: domain.JobStatusQueued}

	if err := s.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(context.Background(), job); !errors.Is(err, domain.ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}

	// Same id under another owner is a different document.
	other := job
	other.OwnerID = "user-2"
	if err := s.Create(context.Background(), other); err != nil {
		t.Fatalf("create for second owner: %v", err)
	}
}

func TestMemoryJobStoreUpdateMergesAndStamps(t *testing.T) {
	s := NewMemoryJobStore()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return created.Add(time.Hour) }

	if err := s.Create(context.Background(), domain.Job{
		ID:         "job-1",
		OwnerID:    "user-1",
		Status:     domain.JobStatusQueued,
		Prompt:     "test",
		CreatedAt:  created,
		ModifiedAt: created,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	job, err := s.Update(context.Background(), "user-1", "job-1", domain.JobPatch{Status: domain.JobStatusRunning})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if job.Status != domain.JobStatusRunning {
		t.Fatalf("expected running, got %s", job.Status)
	}
	if job.Prompt != "test" {
		t.Fatalf("expected merge to keep prompt, got %q", job.Prompt)
	}
	if !job.ModifiedAt.Equal(created.Add(time.Hour)) {
		t.Fatalf("expected modified_at stamped, got %v", job.ModifiedAt)
	}

	if _, err := s.Update(context.Background(), "user-2", "job-1", domain.JobPatch{}); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for other owner, got %v", err)
	}
}

func TestMemoryJobStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryJobStore()
	seedJobs(t, s, "user-1", 1, domain.JobStatusQueued)

	job, ok, err := s.Get(context.Background(), "user-1", "job-00")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	job.InputRefs[0] = "mutated"

	again, _, _ := s.Get(context.Background(), "user-1", "job-00")
	if again.InputRefs[0] != "img.png" {
		t.Fatalf("expected stored job to be isolated from caller mutation, got %q", again.InputRefs[0])
	}

	if _, ok, err := s.Get(context.Background(), "user-1", "missing"); ok || err != nil {
		t.Fatalf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryJobStoreListFiltersAndOrders(t *testing.T) {
	s := NewMemoryJobStore()
	seedJobs(t, s, "user-1", 5, domain.JobStatusQueued)
	seedJobs(t, s, "user-2", 2, domain.JobStatusQueued)
	if _, err := s.Update(context.Background(), "user-1", "job-03", domain.JobPatch{Status: domain.JobStatusFailed}); err != nil {
		t.Fatalf("update: %v", err)
	}

	all, err := s.List(context.Background(), "user-1", domain.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 jobs for user-1, got %d", len(all))
	}
	if all[0].ID != "job-04" {
		t.Fatalf("expected newest first, got %s", all[0].ID)
	}

	failed, _ := s.List(context.Background(), "user-1", domain.ListFilter{Status: domain.JobStatusFailed})
	if len(failed) != 1 || failed[0].ID != "job-03" {
		t.Fatalf("expected only job-03 failed, got %+v", failed)
	}

	limited, _ := s.List(context.Background(), "user-1", domain.ListFilter{Ascending: true, Limit: 2})
	if len(limited) != 2 || limited[0].ID != "job-00" || limited[1].ID != "job-01" {
		t.Fatalf("expected oldest two jobs, got %+v", limited)
	}

	cutoff := time.Date(2025, 1, 1, 12, 2, 0, 0, time.UTC)
	before, _ := s.List(context.Background(), "user-1", domain.ListFilter{CreatedBefore: cutoff})
	if len(before) != 2 {
		t.Fatalf("expected 2 jobs created before cutoff, got %d", len(before))
	}
}

func TestMemoryJobStoreDeleteManyRefusesWithoutFilter(t *testing.T) {
	s := NewMemoryJobStore()
	seedJobs(t, s, "user-1", 3, domain.JobStatusQueued)

	summary, err := s.DeleteMany(context.Background(), "user-1", domain.DeleteFilter{})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if summary.Attempted != 0 || summary.Deleted != 0 {
		t.Fatalf("expected nothing attempted, got %+v", summary)
	}
	if summary.Warning == "" {
		t.Fatal("expected a warning on refused delete")
	}

	remaining, _ := s.List(context.Background(), "user-1", domain.ListFilter{})
	if len(remaining) != 3 {
		t.Fatalf("expected all jobs kept, got %d", len(remaining))
	}
}

func TestMemoryJobStoreDeleteManyDryRunAndForce(t *testing.T) {
	s := NewMemoryJobStore()
	seedJobs(t, s, "user-1", 3, domain.JobStatusSucceeded)
	seedJobs(t, s, "user-2", 1, domain.JobStatusSucceeded)

	dry, err := s.DeleteMany(context.Background(), "user-1", domain.DeleteFilter{
		ListFilter: domain.ListFilter{Status: domain.JobStatusSucceeded},
		DryRun:     true,
	})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !dry.DryRun || dry.Attempted != 3 || dry.Deleted != 0 || len(dry.IDs) != 3 {
		t.Fatalf("unexpected dry run summary: %+v", dry)
	}

	byID, _ := s.DeleteMany(context.Background(), "user-1", domain.DeleteFilter{IDs: []string{"job-01"}})
	if byID.Deleted != 1 || byID.IDs[0] != "job-01" {
		t.Fatalf("expected job-01 deleted, got %+v", byID)
	}

	forced, _ := s.DeleteMany(context.Background(), "user-1", domain.DeleteFilter{Force: true})
	if forced.Deleted != 2 {
		t.Fatalf("expected remaining 2 deleted, got %+v", forced)
	}

	other, _ := s.List(context.Background(), "user-2", domain.ListFilter{})
	if len(other) != 1 {
		t.Fatalf("expected other owner untouched, got %d", len(other))
	}
}
