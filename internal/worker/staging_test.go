package worker

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
	"github.com/rs/zerolog"
)

type fakeStaging struct {
	copied  []string
	written map[string]string
	missing map[string]bool
}

func (s *fakeStaging) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	return !s.missing[objectKey], nil
}

func (s *fakeStaging) CopyObject(_ context.Context, srcKey, destFolder string) (string, error) {
	s.copied = append(s.copied, srcKey)
	return path.Join(destFolder, path.Base(srcKey)), nil
}

func (s *fakeStaging) WriteObject(_ context.Context, objectKey string, _ []byte, contentType string) error {
	if s.written == nil {
		s.written = make(map[string]string)
	}
	s.written[objectKey] = contentType
	return nil
}

func (s *fakeStaging) PresignedGetURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://signed.example/" + objectKey, nil
}

func TestStageInputs(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "face.png")
	if err := os.WriteFile(local, []byte("png"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	staging := &fakeStaging{}
	r := &Runner{staging: staging, inputURLTTL: time.Hour, localInputRoot: dir, logger: zerolog.Nop()}

	got, err := r.stageInputs(context.Background(), "user-1", "job-1", []string{
		"https://cdn.example/a.png",
		"user/user-1/uploads/u1/cat.png",
		local,
	})
	if err != nil {
		t.Fatalf("stageInputs returned error: %v", err)
	}

	want := []string{
		"https://cdn.example/a.png",
		"https://signed.example/user/user-1/jobs/job-1/inputs/cat.png",
		"https://signed.example/user/user-1/jobs/job-1/inputs/03_face.png",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d refs, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ref %d = %s, want %s", i, got[i], want[i])
		}
	}
	if ct := staging.written["user/user-1/jobs/job-1/inputs/03_face.png"]; ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestStageInputsWithoutStorage(t *testing.T) {
	r := &Runner{}
	refs := []string{"user/u/uploads/x.png", "https://cdn.example/a.png"}
	got, err := r.stageInputs(context.Background(), "u", "j", refs)
	if err != nil || len(got) != 2 || got[0] != refs[0] {
		t.Fatalf("expected pass-through, got %v %v", got, err)
	}
}

func TestStageInputsMissingFile(t *testing.T) {
	r := &Runner{staging: &fakeStaging{}, localInputRoot: t.TempDir()}
	if _, err := r.stageInputs(context.Background(), "u", "j", []string{"./does-not-exist.png"}); err == nil {
		t.Fatal("expected error for missing local file")
	}
}

func TestStageInputsMissingObject(t *testing.T) {
	staging := &fakeStaging{missing: map[string]bool{"user/u/uploads/gone.png": true}}
	r := &Runner{staging: staging}
	if _, err := r.stageInputs(context.Background(), "u", "j", []string{"user/u/uploads/gone.png"}); err == nil {
		t.Fatal("expected error for missing object")
	}
	if len(staging.copied) != 0 {
		t.Fatalf("missing object should not be copied, got %v", staging.copied)
	}
}

func TestStageInputsRejectsForeignAndLocalRefs(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "hostname")
	if err := os.WriteFile(secret, []byte("host"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.Symlink(secret, filepath.Join(root, "link.png")); err != nil {
		t.Fatalf("symlink fixture: %v", err)
	}

	cases := map[string]struct {
		root string
		ref  string
	}{
		"other owner key":       {ref: "user/victim/jobs/j9/results/secret.png"},
		"dot segments":          {ref: "user/attacker/../victim/a.png"},
		"disk without root":     {ref: "/etc/hostname"},
		"file url without root": {ref: "file:///etc/hostname"},
		"outside root":          {root: root, ref: secret},
		"relative escape":       {root: root, ref: "../" + filepath.Base(outside) + "/hostname"},
		"symlink escape":        {root: root, ref: "./link.png"},
	}
	for name, tc := range cases {
		staging := &fakeStaging{}
		r := &Runner{staging: staging, localInputRoot: tc.root, inputURLTTL: time.Hour}

		_, err := r.stageInputs(context.Background(), "attacker", "job-1", []string{tc.ref})
		var jobErr *domain.JobError
		if !errors.As(err, &jobErr) || jobErr.Kind != domain.ErrorKindValidation {
			t.Fatalf("%s: expected validation job error, got %v", name, err)
		}
		if len(staging.copied) != 0 || len(staging.written) != 0 {
			t.Fatalf("%s: nothing should be staged, copied=%v written=%v", name, staging.copied, staging.written)
		}
	}
}

func TestStageInputsRejectsForeignKeyWithoutStorage(t *testing.T) {
	r := &Runner{}
	if _, err := r.stageInputs(context.Background(), "attacker", "j", []string{"user/victim/a.png"}); err == nil {
		t.Fatal("expected foreign key to be rejected")
	}
}
