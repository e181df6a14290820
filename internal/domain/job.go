package domain

import (
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusSucceeded, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition allows forward moves only. Re-writing running over running is
// permitted so a redelivered task can resume a job whose worker died.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if from == to {
		return from == JobStatusRunning
	}
	return to.rank() > from.rank()
}

type Job struct {
	ID          string         `json:"job_id"`
	OwnerID     string         `json:"owner_id"`
	Status      JobStatus      `json:"status"`
	InputRefs   []string       `json:"input_refs"`
	Prompt      string         `json:"prompt"`
	Provider    string         `json:"provider"`
	Options     map[string]any `json:"options,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Results     []JobResult    `json:"results"`
	Error       *JobError      `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ModifiedAt  time.Time      `json:"modified_at"`
}

type JobResult struct {
	ResultID    string `json:"result_id"`
	StoragePath string `json:"storage_path,omitempty"`
	URL         string `json:"url,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Error       string `json:"error,omitempty"`
}

// JobPatch is merged onto a stored job. Zero-valued fields are left untouched.
type JobPatch struct {
	Status  JobStatus
	Results []JobResult
	Error   *JobError
}

func (p JobPatch) Apply(job Job, now time.Time) Job {
	if p.Status != "" {
		job.Status = p.Status
	}
	if p.Results != nil {
		job.Results = append([]JobResult(nil), p.Results...)
	}
	if p.Error != nil {
		e := *p.Error
		job.Error = &e
	}
	job.ModifiedAt = now
	return job
}

// Clone returns a deep copy so stores can hand out jobs without aliasing.
func (j Job) Clone() Job {
	out := j
	out.InputRefs = append([]string(nil), j.InputRefs...)
	out.Results = append([]JobResult(nil), j.Results...)
	if j.Options != nil {
		out.Options = make(map[string]any, len(j.Options))
		for k, v := range j.Options {
			out.Options[k] = v
		}
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return out
}

type SubmitRequest struct {
	OwnerID     string         `json:"-"`
	Images      []string       `json:"images"`
	Prompt      string         `json:"prompt"`
	Provider    string         `json:"provider,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	if len(r.Images) == 0 {
		return fmt.Errorf("%w: images must contain at least one image", ErrValidation)
	}
	for i, ref := range r.Images {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return fmt.Errorf("%w: images[%d] is empty", ErrValidation, i)
		}
		switch ClassifyInputRef(ref) {
		case InputRefDisk:
			return fmt.Errorf("%w: images[%d] is a local path", ErrValidation, i)
		case InputRefObject:
			if !OwnsObjectKey(r.OwnerID, ref) {
				return fmt.Errorf("%w: images[%d] must be a URL or a key under %s", ErrValidation, i, OwnerFolder(strings.TrimSpace(r.OwnerID)))
			}
		}
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if cb := strings.TrimSpace(r.CallbackURL); cb != "" &&
		!strings.HasPrefix(cb, "http://") && !strings.HasPrefix(cb, "https://") {
		return fmt.Errorf("%w: callback_url must be an http(s) URL", ErrValidation)
	}
	return nil
}
