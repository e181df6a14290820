package domain

import (
	"strings"
	"time"
)

const (
	OrderByCreatedAt  = "created_at"
	OrderByModifiedAt = "modified_at"
)

type ListFilter struct {
	Status        JobStatus
	CreatedAfter  time.Time
	CreatedBefore time.Time
	OrderBy       string
	Ascending     bool
	Limit         int
}

func (f ListFilter) OrderField() string {
	if strings.EqualFold(strings.TrimSpace(f.OrderBy), OrderByModifiedAt) {
		return OrderByModifiedAt
	}
	return OrderByCreatedAt
}

// Matches applies the status and time-range predicates. Ordering and the row
// limit are the caller's business.
func (f ListFilter) Matches(job Job) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if !f.CreatedAfter.IsZero() && !job.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !job.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

type DeleteFilter struct {
	ListFilter
	IDs    []string
	DryRun bool
	Force  bool
}

// HasSelector reports whether at least one narrowing filter is present.
func (f DeleteFilter) HasSelector() bool {
	return f.Status != "" ||
		len(f.IDs) > 0 ||
		!f.CreatedAfter.IsZero() ||
		!f.CreatedBefore.IsZero() ||
		f.Limit > 0
}

func (f DeleteFilter) MatchesID(id string) bool {
	if len(f.IDs) == 0 {
		return true
	}
	for _, candidate := range f.IDs {
		if candidate == id {
			return true
		}
	}
	return false
}

type DeleteSummary struct {
	DryRun    bool     `json:"dry_run"`
	Attempted int      `json:"attempted_count"`
	Deleted   int      `json:"deleted_count"`
	IDs       []string `json:"ids"`
	Warning   string   `json:"warning,omitempty"`
}

const RefusedDeleteWarning = "refused: no filters and no limit; pass force=true to delete all jobs"

func RefusedDelete(dryRun bool) DeleteSummary {
	return DeleteSummary{
		DryRun:  dryRun,
		IDs:     []string{},
		Warning: RefusedDeleteWarning,
	}
}
