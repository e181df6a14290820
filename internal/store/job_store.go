package store

import (
	"context"
	"sort"

	"github.com/dunamismax/genflow/internal/domain"
)

// JobStore persists job documents keyed by (owner, job id). It enforces no
// status discipline; the worker runner owns that.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Update(ctx context.Context, ownerID, jobID string, patch domain.JobPatch) (domain.Job, error)
	Get(ctx context.Context, ownerID, jobID string) (domain.Job, bool, error)
	List(ctx context.Context, ownerID string, filter domain.ListFilter) ([]domain.Job, error)
	DeleteMany(ctx context.Context, ownerID string, filter domain.DeleteFilter) (domain.DeleteSummary, error)
}

const deleteBatchSize = 500

func sortJobs(jobs []domain.Job, filter domain.ListFilter) {
	field := filter.OrderField()
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i].CreatedAt, jobs[j].CreatedAt
		if field == domain.OrderByModifiedAt {
			a, b = jobs[i].ModifiedAt, jobs[j].ModifiedAt
		}
		if a.Equal(b) {
			if filter.Ascending {
				return jobs[i].ID < jobs[j].ID
			}
			return jobs[i].ID > jobs[j].ID
		}
		if filter.Ascending {
			return a.Before(b)
		}
		return a.After(b)
	})
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
