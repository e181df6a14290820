package worker

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
)

type stagingStorage interface {
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	CopyObject(ctx context.Context, srcKey, destFolder string) (string, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// stageInputs turns the job's input refs into URLs a provider can fetch.
// Object keys must sit under the owner's folder; they are copied next to the
// job and signed. Local files are read only from under the configured input
// root, then uploaded and signed. URLs pass through. Without storage only URLs
// and owned keys pass through unchanged.
func (r *Runner) stageInputs(ctx context.Context, ownerID, jobID string, refs []string) ([]string, error) {
	folder := path.Join("user", ownerID, "jobs", jobID, "inputs")
	out := make([]string, 0, len(refs))
	for i, ref := range refs {
		ref = strings.TrimSpace(ref)
		var key string
		switch domain.ClassifyInputRef(ref) {
		case domain.InputRefURL:
			out = append(out, ref)
			continue
		case domain.InputRefDisk:
			local, err := r.localInput(ref)
			if err != nil {
				return nil, rejectedInput(i, err.Error())
			}
			if r.staging == nil {
				return nil, rejectedInput(i, "local inputs need object storage")
			}
			data, err := os.ReadFile(local)
			if err != nil {
				return nil, fmt.Errorf("read input %d: %w", i, err)
			}
			key = path.Join(folder, fmt.Sprintf("%02d_%s", i+1, filepath.Base(local)))
			contentType := mime.TypeByExtension(filepath.Ext(local))
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			if err := r.staging.WriteObject(ctx, key, data, contentType); err != nil {
				return nil, fmt.Errorf("upload input %d: %w", i, err)
			}
		case domain.InputRefObject:
			src := strings.TrimPrefix(ref, "/")
			if !domain.OwnsObjectKey(ownerID, src) {
				return nil, rejectedInput(i, "object "+src+" is outside "+domain.OwnerFolder(ownerID))
			}
			if r.staging == nil {
				out = append(out, ref)
				continue
			}
			exists, err := r.staging.ObjectExists(ctx, src)
			if err != nil {
				return nil, fmt.Errorf("check input %d: %w", i, err)
			}
			if !exists {
				return nil, fmt.Errorf("input %d: object %s not found", i, src)
			}
			copied, err := r.staging.CopyObject(ctx, src, folder)
			if err != nil {
				return nil, fmt.Errorf("copy input %d: %w", i, err)
			}
			key = copied
		}

		signed, err := r.staging.PresignedGetURL(ctx, key, r.inputURLTTL)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		out = append(out, signed)
	}
	return out, nil
}

// localInput resolves a disk ref and confirms it lies inside the input root,
// following symlinks on both sides.
func (r *Runner) localInput(ref string) (string, error) {
	if r.localInputRoot == "" {
		return "", errors.New("local inputs are disabled")
	}
	root, err := filepath.EvalSymlinks(r.localInputRoot)
	if err != nil {
		return "", fmt.Errorf("resolve input root: %v", err)
	}
	local := strings.TrimPrefix(ref, "file://")
	if !filepath.IsAbs(local) {
		local = filepath.Join(root, local)
	}
	resolved, err := filepath.EvalSymlinks(local)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %v", local, err)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the input root", local)
	}
	return resolved, nil
}

func rejectedInput(i int, msg string) error {
	return &domain.JobError{
		Kind:    domain.ErrorKindValidation,
		Status:  "INVALID_ARGUMENT",
		Reason:  "input_rejected",
		Message: fmt.Sprintf("input %d: %s", i, msg),
	}
}
