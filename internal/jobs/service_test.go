package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/genflow/internal/collect"
	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/generate"
	"github.com/dunamismax/genflow/internal/models"
	"github.com/dunamismax/genflow/internal/provider"
	"github.com/dunamismax/genflow/internal/queue"
	"github.com/dunamismax/genflow/internal/store"
	"github.com/dunamismax/genflow/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	payloads []queue.GenerationPayload
	err      error
}

func (d *recordingDispatcher) Enqueue(_ context.Context, payload queue.GenerationPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.payloads = append(d.payloads, payload)
	return nil
}

func (d *recordingDispatcher) Close() error { return nil }

type recordingCleaner struct {
	prefixes []string
}

func (c *recordingCleaner) DeletePrefix(_ context.Context, prefix string) (int, error) {
	c.prefixes = append(c.prefixes, prefix)
	return 2, nil
}

func newTestService(t *testing.T, jobStore store.JobStore, dispatcher queue.Dispatcher, cleaner folderCleaner) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Store:      jobStore,
		Dispatcher: dispatcher,
		Storage:    cleaner,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestSubmitQueuesJob(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	dispatcher := &recordingDispatcher{}
	svc := newTestService(t, jobStore, dispatcher, nil)

	job, err := svc.Submit(context.Background(), domain.SubmitRequest{
		OwnerID: "user-1",
		Images:  []string{" user/user-1/uploads/img1.png "},
		Prompt:  "test",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if job.Status != domain.JobStatusQueued || job.ID == "" {
		t.Fatalf("unexpected job %#v", job)
	}

	stored, err := svc.Get(context.Background(), "user-1", job.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if stored.Status != domain.JobStatusQueued || stored.InputRefs[0] != "user/user-1/uploads/img1.png" {
		t.Fatalf("unexpected stored job %#v", stored)
	}
	if len(dispatcher.payloads) != 1 || dispatcher.payloads[0].JobID != job.ID || dispatcher.payloads[0].OwnerID != "user-1" {
		t.Fatalf("unexpected payloads %#v", dispatcher.payloads)
	}
}

func TestSubmitRejectsEmptyImages(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	dispatcher := &recordingDispatcher{}
	svc := newTestService(t, jobStore, dispatcher, nil)

	_, err := svc.Submit(context.Background(), domain.SubmitRequest{OwnerID: "user-1", Prompt: "test"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	jobs, err := svc.List(context.Background(), "user-1", domain.ListFilter{})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(jobs) != 0 || len(dispatcher.payloads) != 0 {
		t.Fatalf("rejected submit must not create or enqueue, got %d jobs", len(jobs))
	}
}

func TestSubmitMarksJobFailedWhenEnqueueFails(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	dispatcher := &recordingDispatcher{err: errors.New("redis down")}
	svc := newTestService(t, jobStore, dispatcher, nil)

	_, err := svc.Submit(context.Background(), domain.SubmitRequest{
		OwnerID: "user-1",
		Images:  []string{"user/user-1/uploads/img1.png"},
		Prompt:  "test",
	})
	if err == nil {
		t.Fatal("expected enqueue error")
	}

	jobs, _ := svc.List(context.Background(), "user-1", domain.ListFilter{})
	if len(jobs) != 1 {
		t.Fatalf("expected the job to be kept, got %d", len(jobs))
	}
	if jobs[0].Status != domain.JobStatusFailed || jobs[0].Error == nil || jobs[0].Error.Reason != "enqueue_failed" {
		t.Fatalf("unexpected job %#v", jobs[0])
	}
}

func TestGetMissingJob(t *testing.T) {
	svc := newTestService(t, store.NewMemoryJobStore(), &recordingDispatcher{}, nil)
	if _, err := svc.Get(context.Background(), "user-1", "nope"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestDeleteWithoutFiltersIsRefused(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	cleaner := &recordingCleaner{}
	svc := newTestService(t, jobStore, &recordingDispatcher{}, cleaner)

	if _, err := svc.Submit(context.Background(), domain.SubmitRequest{OwnerID: "user-1", Images: []string{"user/user-1/uploads/a.png"}, Prompt: "p"}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	summary, err := svc.Delete(context.Background(), "user-1", domain.DeleteFilter{})
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if summary.Attempted != 0 || summary.Deleted != 0 || summary.Warning == "" {
		t.Fatalf("unexpected summary %#v", summary)
	}
	if len(cleaner.prefixes) != 0 {
		t.Fatalf("refused delete must not touch storage")
	}
	jobs, _ := svc.List(context.Background(), "user-1", domain.ListFilter{})
	if len(jobs) != 1 {
		t.Fatalf("refused delete removed jobs")
	}
}

func TestDeleteRemovesJobFolders(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	cleaner := &recordingCleaner{}
	svc := newTestService(t, jobStore, &recordingDispatcher{}, cleaner)

	job, err := svc.Submit(context.Background(), domain.SubmitRequest{OwnerID: "user-1", Images: []string{"user/user-1/uploads/a.png"}, Prompt: "p"})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	dry, err := svc.Delete(context.Background(), "user-1", domain.DeleteFilter{IDs: []string{job.ID}, DryRun: true})
	if err != nil || dry.Attempted != 1 || dry.Deleted != 0 || len(cleaner.prefixes) != 0 {
		t.Fatalf("unexpected dry run %#v err=%v prefixes=%v", dry, err, cleaner.prefixes)
	}

	summary, err := svc.Delete(context.Background(), "user-1", domain.DeleteFilter{IDs: []string{job.ID}})
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if summary.Deleted != 1 {
		t.Fatalf("unexpected summary %#v", summary)
	}
	want := "user/user-1/jobs/" + job.ID + "/"
	if len(cleaner.prefixes) != 1 || cleaner.prefixes[0] != want {
		t.Fatalf("expected prefix %s, got %v", want, cleaner.prefixes)
	}
}

func TestSubmitRunsToCompletionOnLocalDispatcher(t *testing.T) {
	jobStore := store.NewMemoryJobStore()

	stub := provider.Func(func(_ context.Context, _ string, input map[string]any) (collect.Value, error) {
		if input["prompt"] != "test" {
			t.Errorf("unexpected provider input %#v", input)
		}
		return collect.URLValue("https://cdn.example/out-1.png"), nil
	})
	invoker := generate.NewInvoker(models.Default(), map[string]provider.Provider{
		models.BackendReplicate: stub,
		models.BackendGemini:    stub,
	}, generate.Options{CallTimeout: time.Second, Logger: zerolog.Nop()})

	runner, err := worker.NewRunner(worker.RunnerConfig{
		Store:        jobStore,
		Invoker:      invoker,
		Metrics:      worker.NewMetrics(prometheus.NewRegistry()),
		Logger:       zerolog.Nop(),
		DefaultModel: models.NanoBanana,
	})
	if err != nil {
		t.Fatalf("NewRunner returned error: %v", err)
	}

	dispatcher, err := queue.NewLocalDispatcher(2, runner.Handle, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLocalDispatcher returned error: %v", err)
	}
	svc := newTestService(t, jobStore, dispatcher, nil)

	job, err := svc.Submit(context.Background(), domain.SubmitRequest{
		OwnerID: "user-1",
		Images:  []string{"https://img.example/img1.png"},
		Prompt:  "test",
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued on submit, got %s", job.Status)
	}

	if err := dispatcher.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	done, err := svc.Get(context.Background(), "user-1", job.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if done.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%#v)", done.Status, done.Error)
	}
	if len(done.Results) != 1 || done.Results[0].URL != "https://cdn.example/out-1.png" {
		t.Fatalf("unexpected results %#v", done.Results)
	}
}
