package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/id"
	"github.com/dunamismax/genflow/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type jobService interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (domain.Job, error)
	Get(ctx context.Context, ownerID, jobID string) (domain.Job, error)
	List(ctx context.Context, ownerID string, filter domain.ListFilter) ([]domain.Job, error)
	Delete(ctx context.Context, ownerID string, filter domain.DeleteFilter) (domain.DeleteSummary, error)
}

type uploadSigner interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type Options struct {
	Logger zerolog.Logger
	Jobs   jobService
	// Storage enables POST /v1/uploads. Nil leaves the route answering 503.
	Storage       uploadSigner
	UploadTTL     time.Duration
	OwnerIDHeader string
	RateLimiter   RateLimiter
	Registry      *prometheus.Registry
}

type Server struct {
	logger      zerolog.Logger
	jobs        jobService
	storage     uploadSigner
	uploadTTL   time.Duration
	ownerHeader string
	rateLimiter RateLimiter
	metrics     *metrics
	tracer      trace.Tracer
	mux         *http.ServeMux
}

func NewServer(opts Options) (*Server, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}
	if opts.UploadTTL <= 0 {
		opts.UploadTTL = 15 * time.Minute
	}
	if strings.TrimSpace(opts.OwnerIDHeader) == "" {
		opts.OwnerIDHeader = "X-Owner-ID"
	}
	if opts.Registry == nil {
		opts.Registry = telemetry.NewRegistry()
	}

	s := &Server{
		logger:      opts.Logger,
		jobs:        opts.Jobs,
		storage:     opts.Storage,
		uploadTTL:   opts.UploadTTL,
		ownerHeader: opts.OwnerIDHeader,
		rateLimiter: opts.RateLimiter,
		metrics:     newMetrics(opts.Registry),
		tracer:      otel.Tracer("genflow/api"),
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	s.mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("DELETE /v1/jobs", s.handleDeleteJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/uploads", s.handleCreateUpload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get(s.ownerHeader))
	if owner == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + s.ownerHeader + " header"})
		return "", false
	}
	return owner, true
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerID(w, r)
	if !ok {
		return
	}

	var req domain.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.jobsSubmitted.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req.OwnerID = owner

	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			s.metrics.jobsSubmitted.WithLabelValues("rejected").Inc()
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.metrics.jobsSubmitted.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Str("owner_id", owner).Msg("submit job failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "failed to schedule job"})
		return
	}

	s.metrics.jobsSubmitted.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"status_url": "/v1/jobs/" + job.ID,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerID(w, r)
	if !ok {
		return
	}

	jobID := strings.TrimSpace(r.PathValue("id"))
	job, err := s.jobs.Get(r.Context(), owner, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("fetch job failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerID(w, r)
	if !ok {
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	jobs, err := s.jobs.List(r.Context(), owner, filter)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error().Err(err).Str("owner_id", owner).Msg("list jobs failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleDeleteJobs(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerID(w, r)
	if !ok {
		return
	}

	list, err := parseListFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	filter := domain.DeleteFilter{ListFilter: list}
	q := r.URL.Query()
	for _, raw := range q["ids"] {
		for _, jobID := range strings.Split(raw, ",") {
			if jobID = strings.TrimSpace(jobID); jobID != "" {
				filter.IDs = append(filter.IDs, jobID)
			}
		}
	}
	if filter.DryRun, err = queryBool(q.Get("dry_run")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dry_run: " + err.Error()})
		return
	}
	if filter.Force, err = queryBool(q.Get("force")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "force: " + err.Error()})
		return
	}

	summary, err := s.jobs.Delete(r.Context(), owner, filter)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error().Err(err).Str("owner_id", owner).Msg("delete jobs failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete jobs"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type uploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
}

// handleCreateUpload hands out a presigned PUT URL. The returned object key
// can be passed as an image ref when submitting a job.
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerID(w, r)
	if !ok {
		return
	}
	if s.storage == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "object storage is not configured"})
		return
	}

	var req uploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	name := path.Base(strings.TrimSpace(req.Filename))
	if name == "." || name == "/" || name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "filename is required"})
		return
	}

	objectKey := path.Join("user", owner, "uploads", id.New(), name)
	url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.uploadTTL)
	if err != nil {
		s.logger.Error().Err(err).Str("owner_id", owner).Msg("generate presigned url failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate upload URL"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"object_key":        objectKey,
		"presigned_put_url": url,
		"expires_at":        time.Now().UTC().Add(s.uploadTTL),
	})
}

func parseListFilter(r *http.Request) (domain.ListFilter, error) {
	q := r.URL.Query()
	filter := domain.ListFilter{
		Status:  domain.JobStatus(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		OrderBy: strings.TrimSpace(q.Get("order_by")),
	}

	var err error
	if filter.CreatedAfter, err = queryTime(q.Get("created_after")); err != nil {
		return domain.ListFilter{}, fmt.Errorf("created_after: %w", err)
	}
	if filter.CreatedBefore, err = queryTime(q.Get("created_before")); err != nil {
		return domain.ListFilter{}, fmt.Errorf("created_before: %w", err)
	}
	if filter.Ascending, err = queryBool(q.Get("ascending")); err != nil {
		return domain.ListFilter{}, fmt.Errorf("ascending: %w", err)
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return domain.ListFilter{}, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func queryTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("expected an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}

func queryBool(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
