package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

type ErrorKind string

const (
	ErrorKindValidation             ErrorKind = "validation"
	ErrorKindProviderAPI            ErrorKind = "provider_api"
	ErrorKindTransient              ErrorKind = "transient"
	ErrorKindInternal               ErrorKind = "internal"
	ErrorKindPartialMaterialization ErrorKind = "partial_materialization"
)

// JobError is the failure record persisted on a failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Status  string    `json:"status,omitempty"`
	Reason  string    `json:"reason"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func (e *JobError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Kind, e.Reason, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Message)
}

// ProviderAPIError is returned by provider clients when the upstream service
// rejected the call with a structured body.
type ProviderAPIError struct {
	Status  string
	Code    int
	Reason  string
	Message string
	Details any
}

func (e *ProviderAPIError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("provider api error status=%s code=%d reason=%s: %s", e.Status, e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("provider api error status=%s reason=%s: %s", e.Status, e.Reason, e.Message)
}
