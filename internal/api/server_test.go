package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/jobs"
	"github.com/dunamismax/genflow/internal/queue"
	"github.com/dunamismax/genflow/internal/ratelimit"
	"github.com/dunamismax/genflow/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type fakeDispatcher struct {
	err      error
	payloads []queue.GenerationPayload
}

func (d *fakeDispatcher) Enqueue(_ context.Context, payload queue.GenerationPayload) error {
	if d.err != nil {
		return d.err
	}
	d.payloads = append(d.payloads, payload)
	return nil
}

func (d *fakeDispatcher) Close() error { return nil }

type fakeSigner struct{}

func (fakeSigner) PresignedPutURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://minio.example/genflow/" + objectKey + "?X-Amz-Signature=abc", nil
}

type testServer struct {
	handler    http.Handler
	jobStore   *store.MemoryJobStore
	dispatcher *fakeDispatcher
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	jobStore := store.NewMemoryJobStore()
	dispatcher := &fakeDispatcher{}
	svc, err := jobs.NewService(jobs.Config{Store: jobStore, Dispatcher: dispatcher, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	opts.Jobs = svc
	opts.Logger = zerolog.Nop()
	opts.Registry = prometheus.NewRegistry()
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	return &testServer{handler: srv.Handler(), jobStore: jobStore, dispatcher: dispatcher}
}

func (ts *testServer) do(method, target, owner, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndGetJob(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(http.MethodPost, "/v1/jobs", "user-1", `{"images":["user/user-1/uploads/img1.png"],"prompt":"test"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if accepted.Status != "queued" || accepted.JobID == "" {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/v1/jobs/"+accepted.JobID, "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var job domain.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID != accepted.JobID || job.OwnerID != "user-1" || job.Prompt != "test" {
		t.Fatalf("unexpected job %#v", job)
	}

	if rec := ts.do(http.MethodGet, "/v1/jobs/"+accepted.JobID, "user-2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("other owners must not see the job, got %d", rec.Code)
	}
}

func TestSubmitRejectsEmptyImages(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(http.MethodPost, "/v1/jobs", "user-1", `{"images":[],"prompt":"test"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	listed, _ := ts.jobStore.List(context.Background(), "user-1", domain.ListFilter{})
	if len(listed) != 0 || len(ts.dispatcher.payloads) != 0 {
		t.Fatalf("validation failure must not create a job")
	}
}

func TestSubmitRejectsInputsTheOwnerCannotRead(t *testing.T) {
	ts := newTestServer(t, Options{})

	for _, ref := range []string{
		"user/user-2/jobs/j9/results/secret.png",
		"/proc/self/environ",
		"file:///etc/hostname",
		"../user-2/a.png",
	} {
		body := `{"images":["` + ref + `"],"prompt":"p"}`
		if rec := ts.do(http.MethodPost, "/v1/jobs", "user-1", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", ref, rec.Code)
		}
	}
	if len(ts.dispatcher.payloads) != 0 {
		t.Fatalf("rejected inputs must not be dispatched")
	}
}

func TestSubmitRequiresOwner(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(http.MethodPost, "/v1/jobs", "", `{"images":["user/user-1/uploads/a.png"],"prompt":"test"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSubmitReportsEnqueueFailure(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.dispatcher.err = errors.New("redis down")

	rec := ts.do(http.MethodPost, "/v1/jobs", "user-1", `{"images":["user/user-1/uploads/a.png"],"prompt":"test"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestListJobsFiltersByStatus(t *testing.T) {
	ts := newTestServer(t, Options{})
	for i := 0; i < 2; i++ {
		if rec := ts.do(http.MethodPost, "/v1/jobs", "user-1", `{"images":["user/user-1/uploads/a.png"],"prompt":"p"}`); rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d: %d", i, rec.Code)
		}
	}

	rec := ts.do(http.MethodGet, "/v1/jobs?status=queued&limit=1", "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("expected limit to apply, got %d", body.Count)
	}

	if rec := ts.do(http.MethodGet, "/v1/jobs?created_after=yesterday", "user-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timestamp, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/v1/jobs?status=paused", "user-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestDeleteWithoutFiltersIsRefused(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.do(http.MethodPost, "/v1/jobs", "user-1", `{"images":["user/user-1/uploads/a.png"],"prompt":"p"}`)

	rec := ts.do(http.MethodDelete, "/v1/jobs", "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var summary domain.DeleteSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Attempted != 0 || summary.Deleted != 0 || summary.Warning == "" {
		t.Fatalf("unexpected summary %#v", summary)
	}

	rec = ts.do(http.MethodDelete, "/v1/jobs?force=true", "user-1", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Deleted != 1 {
		t.Fatalf("forced delete should remove the job, got %#v", summary)
	}
}

func TestCreateUpload(t *testing.T) {
	ts := newTestServer(t, Options{Storage: fakeSigner{}})

	rec := ts.do(http.MethodPost, "/v1/uploads", "user-1", `{"filename":"../cat.png"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ObjectKey string `json:"object_key"`
		URL       string `json:"presigned_put_url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.ObjectKey, "user/user-1/uploads/") || !strings.HasSuffix(body.ObjectKey, "/cat.png") {
		t.Fatalf("unexpected object key %s", body.ObjectKey)
	}
	if body.URL == "" {
		t.Fatal("expected presigned url")
	}
}

func TestCreateUploadWithoutStorage(t *testing.T) {
	ts := newTestServer(t, Options{})
	if rec := ts.do(http.MethodPost, "/v1/uploads", "user-1", `{"filename":"cat.png"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	limiter, err := ratelimit.NewLocalLimiter(1, time.Hour)
	if err != nil {
		t.Fatalf("NewLocalLimiter returned error: %v", err)
	}
	ts := newTestServer(t, Options{RateLimiter: limiter})

	body := `{"images":["user/user-1/uploads/a.png"],"prompt":"p"}`
	if rec := ts.do(http.MethodPost, "/v1/jobs", "user-1", body); rec.Code != http.StatusAccepted {
		t.Fatalf("first submit: %d", rec.Code)
	}
	rec := ts.do(http.MethodPost, "/v1/jobs", "user-1", body)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/v1/jobs", "user-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("reads must not be limited, got %d", rec.Code)
	}
	other := `{"images":["user/user-2/uploads/a.png"],"prompt":"p"}`
	if rec := ts.do(http.MethodPost, "/v1/jobs", "user-2", other); rec.Code != http.StatusAccepted {
		t.Fatalf("limit is per owner, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.do(http.MethodGet, "/healthz", "", "")

	rec := ts.do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "genflow_api_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/jobs":      "/v1/jobs",
		"/v1/jobs/":     "/v1/jobs",
		"/v1/jobs/abc":  "/v1/jobs/{id}",
		"/v1/uploads":   "/v1/uploads",
		"/healthz":      "/healthz",
		"/wp-login.php": "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
