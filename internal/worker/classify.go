package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"

	"github.com/dunamismax/genflow/internal/domain"
)

// classify shapes any invocation failure into the persisted error record.
func classify(err error) *domain.JobError {
	if err == nil {
		return nil
	}

	var jobErr *domain.JobError
	if errors.As(err, &jobErr) {
		out := *jobErr
		return &out
	}

	var apiErr *domain.ProviderAPIError
	if errors.As(err, &apiErr) {
		return &domain.JobError{
			Kind:    domain.ErrorKindProviderAPI,
			Status:  apiErr.Status,
			Reason:  apiErr.Reason,
			Message: apiErr.Message,
			Details: apiErr.Details,
		}
	}

	if isTransient(err) {
		return &domain.JobError{
			Kind:    domain.ErrorKindTransient,
			Status:  "UNAVAILABLE",
			Reason:  typeName(rootCause(err)),
			Message: err.Error(),
		}
	}

	return &domain.JobError{
		Kind:    domain.ErrorKindInternal,
		Status:  "INTERNAL",
		Reason:  typeName(rootCause(err)),
		Message: err.Error(),
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func typeName(err error) string {
	if err == nil {
		return "unknown"
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

func panicError(r any) *domain.JobError {
	return &domain.JobError{
		Kind:    domain.ErrorKindInternal,
		Status:  "INTERNAL",
		Reason:  "panic",
		Message: fmt.Sprint(r),
	}
}
