package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/generate"
	"github.com/dunamismax/genflow/internal/id"
	"github.com/dunamismax/genflow/internal/models"
	"github.com/dunamismax/genflow/internal/queue"
	"github.com/dunamismax/genflow/internal/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	EventJobSucceeded = "job.succeeded"
	EventJobFailed    = "job.failed"
)

type invoker interface {
	InvokeWithRetry(ctx context.Context, req generate.Request, policy generate.RetryPolicy) generate.Result
	InvokeAll(ctx context.Context, reqs []generate.Request, opts generate.FanOutOptions) []generate.Result
}

type materializer interface {
	Materialize(ctx context.Context, res generate.Result, destFolder string) []domain.JobResult
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type RunnerConfig struct {
	Store        store.JobStore
	Invoker      invoker
	Materializer materializer
	Staging      stagingStorage
	Webhook      webhookSender
	Metrics      *Metrics
	Models       *models.Registry
	Logger       zerolog.Logger

	Retry          generate.RetryPolicy
	FanOut         generate.FanOutOptions
	DefaultModel   string
	ModelVersion   string
	LocalOutputDir string
	// LocalInputRoot is the only directory disk input refs may be read from.
	// Empty disables disk inputs.
	LocalInputRoot string
	InputURLTTL    time.Duration
}

// Runner drives one job from queued to a terminal state.
type Runner struct {
	store        store.JobStore
	invoker      invoker
	materializer materializer
	staging      stagingStorage
	webhook      webhookSender
	metrics      *Metrics
	models       *models.Registry
	logger       zerolog.Logger
	tracer       trace.Tracer

	retry          generate.RetryPolicy
	fanOut         generate.FanOutOptions
	defaultModel   string
	modelVersion   string
	outputDir      string
	localInputRoot string
	inputURLTTL    time.Duration
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.InputURLTTL <= 0 {
		cfg.InputURLTTL = time.Hour
	}
	if cfg.Models == nil {
		cfg.Models = models.Default()
	}

	return &Runner{
		store:          cfg.Store,
		invoker:        cfg.Invoker,
		materializer:   cfg.Materializer,
		staging:        cfg.Staging,
		webhook:        cfg.Webhook,
		metrics:        cfg.Metrics,
		models:         cfg.Models,
		logger:         cfg.Logger,
		tracer:         otel.Tracer("genflow/worker"),
		retry:          cfg.Retry,
		fanOut:         cfg.FanOut,
		defaultModel:   cfg.DefaultModel,
		modelVersion:   cfg.ModelVersion,
		outputDir:      cfg.LocalOutputDir,
		localInputRoot: cfg.LocalInputRoot,
		inputURLTTL:    cfg.InputURLTTL,
	}, nil
}

// Handle adapts Execute to the local dispatcher.
func (r *Runner) Handle(ctx context.Context, payload queue.GenerationPayload) {
	if _, err := r.Execute(ctx, payload); err != nil {
		r.logger.Error().Err(err).Str("job_id", payload.JobID).Msg("generation run aborted")
	}
}

// Execute runs the job named by payload and returns the status it ends in.
// Failures of the generation itself are written to the job, not returned. An
// error means the job store could not be read or written and nothing terminal
// was recorded.
func (r *Runner) Execute(ctx context.Context, payload queue.GenerationPayload) (status domain.JobStatus, err error) {
	startedAt := time.Now()
	log := r.logger.With().Str("job_id", payload.JobID).Str("owner_id", payload.OwnerID).Logger()

	ctx, span := r.tracer.Start(ctx, "worker.execute", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.owner_id", payload.OwnerID),
	)
	defer span.End()

	job, ok, err := r.store.Get(ctx, payload.OwnerID, payload.JobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load job")
		return "", fmt.Errorf("load job: %w", err)
	}
	if !ok {
		span.SetStatus(codes.Error, "job not found")
		return "", fmt.Errorf("load job %s: %w", payload.JobID, domain.ErrJobNotFound)
	}
	if job.Status.Terminal() {
		log.Info().Str("status", string(job.Status)).Msg("job already terminal, ignoring delivery")
		r.metrics.redeliveryTotal.Inc()
		return job.Status, nil
	}

	model := job.Provider
	if model == "" {
		model = r.defaultModel
	}
	span.SetAttributes(attribute.String("job.model", model))
	log = log.With().Str("model", model).Logger()
	if !r.models.Known(model) {
		log.Warn().Msg("model is not registered, payload is passed through unfiltered")
	}

	if job.Status != domain.JobStatusRunning {
		if !domain.CanTransition(job.Status, domain.JobStatusRunning) {
			return job.Status, fmt.Errorf("job %s has invalid status %q", job.ID, job.Status)
		}
		if _, err := r.store.Update(ctx, job.OwnerID, job.ID, domain.JobPatch{Status: domain.JobStatusRunning}); err != nil {
			span.RecordError(err)
			return job.Status, fmt.Errorf("mark job running: %w", err)
		}
		job.Status = domain.JobStatusRunning
	}

	r.metrics.activeJobs.Inc()
	defer func() {
		r.metrics.activeJobs.Dec()
		if status.Terminal() {
			r.metrics.jobsTotal.WithLabelValues(model, string(status)).Inc()
			r.metrics.jobDuration.WithLabelValues(model, string(status)).Observe(time.Since(startedAt).Seconds())
		}
	}()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("generation run panicked")
			span.SetStatus(codes.Error, "panic")
			status, err = r.fail(ctx, job, panicError(rec))
		}
	}()

	log.Info().Int("inputs", len(job.InputRefs)).Msg("generation started")

	inputs, err := r.stageInputs(ctx, job.OwnerID, job.ID, job.InputRefs)
	if err != nil {
		log.Warn().Err(err).Msg("stage inputs")
		jobErr := classify(err)
		if jobErr.Kind == domain.ErrorKindInternal {
			jobErr.Reason = "input_staging"
		}
		return r.fail(ctx, job, jobErr)
	}

	generations := r.generate(ctx, job, model, inputs)

	var (
		results  []domain.JobResult
		firstErr error
		outputs  int
	)
	for _, res := range generations {
		r.metrics.providerCalls.WithLabelValues(model).Observe(float64(res.Attempts))
		if res.Err != nil {
			log.Warn().Err(res.Err).Str("generation_id", res.GenerationID).Int("attempts", res.Attempts).Msg("generation failed")
			span.RecordError(res.Err)
			if firstErr == nil {
				firstErr = res.Err
			}
			if len(generations) > 1 {
				results = append(results, domain.JobResult{
					ResultID: id.Result(res.GenerationID, 0),
					Error:    res.Err.Error(),
				})
			}
			continue
		}
		if len(res.Items) == 0 {
			continue
		}
		outputs += len(res.Items)
		results = append(results, r.materialize(ctx, job, res)...)
	}

	if outputs == 0 {
		if firstErr != nil {
			span.SetStatus(codes.Error, "generation failed")
			return r.fail(ctx, job, classify(firstErr))
		}
		span.SetStatus(codes.Error, "no outputs")
		return r.fail(ctx, job, &domain.JobError{
			Kind:    domain.ErrorKindProviderAPI,
			Status:  "NO_OUTPUT",
			Reason:  "empty_output",
			Message: "provider returned no outputs",
		})
	}

	usable := 0
	var firstResultErr string
	for _, result := range results {
		if result.Error == "" {
			usable++
			r.metrics.outputsTotal.WithLabelValues("stored").Inc()
			continue
		}
		r.metrics.outputsTotal.WithLabelValues("failed").Inc()
		if firstResultErr == "" {
			firstResultErr = result.Error
		}
	}

	if usable == 0 {
		span.SetStatus(codes.Error, "materialization failed")
		return r.fail(ctx, job, &domain.JobError{
			Kind:    domain.ErrorKindTransient,
			Status:  "UNAVAILABLE",
			Reason:  "materialization_failed",
			Message: firstResultErr,
			Details: results,
		})
	}

	updated, err := r.store.Update(ctx, job.OwnerID, job.ID, domain.JobPatch{
		Status:  domain.JobStatusSucceeded,
		Results: results,
	})
	if err != nil {
		span.RecordError(err)
		return domain.JobStatusRunning, fmt.Errorf("mark job succeeded: %w", err)
	}

	log.Info().Int("outputs", len(results)).Int("stored", usable).Msg("generation succeeded")
	span.SetStatus(codes.Ok, "succeeded")
	r.notify(ctx, updated, EventJobSucceeded)
	return domain.JobStatusSucceeded, nil
}

// generate runs one generation over all inputs, or one per input when the job
// asks for per_image and has more than one input.
func (r *Runner) generate(ctx context.Context, job domain.Job, model string, inputs []string) []generate.Result {
	options, perImage := splitPerImage(job.Options)
	outputDir := func(genID string) string {
		if r.outputDir == "" {
			return ""
		}
		return filepath.Join(r.outputDir, genID)
	}

	if !perImage || len(inputs) < 2 {
		req := generate.Request{
			GenerationID: job.ID,
			Prompt:       job.Prompt,
			Model:        model,
			Version:      r.modelVersion,
			Payload:      buildPayload(model, options, inputs),
			OutputDir:    outputDir(job.ID),
		}
		return []generate.Result{r.invoker.InvokeWithRetry(ctx, req, r.retry)}
	}

	reqs := make([]generate.Request, 0, len(inputs))
	for i, input := range inputs {
		genID := fmt.Sprintf("%s-%03d", job.ID, i+1)
		reqs = append(reqs, generate.Request{
			GenerationID: genID,
			Prompt:       job.Prompt,
			Model:        model,
			Version:      r.modelVersion,
			Payload:      buildPayload(model, options, []string{input}),
			OutputDir:    outputDir(genID),
		})
	}
	opts := r.fanOut
	opts.Retry = r.retry
	return r.invoker.InvokeAll(ctx, reqs, opts)
}

func (r *Runner) materialize(ctx context.Context, job domain.Job, res generate.Result) []domain.JobResult {
	if r.materializer != nil {
		return r.materializer.Materialize(ctx, res, path.Join("user", job.OwnerID, "jobs", job.ID, "results"))
	}

	// Without object storage the provider URLs, or local copies, are recorded
	// as they are.
	results := make([]domain.JobResult, 0, len(res.Items))
	for i, item := range res.Items {
		result := domain.JobResult{
			ResultID: id.Result(res.GenerationID, i+1),
			URL:      item.URL,
			MIMEType: item.MIMEHint,
		}
		if len(res.Files) == len(res.Items) {
			result.StoragePath = res.Files[i]
		}
		if result.URL == "" && result.StoragePath == "" {
			result.Error = "output has no url and object storage is not configured"
		}
		results = append(results, result)
	}
	return results
}

func (r *Runner) fail(ctx context.Context, job domain.Job, jobErr *domain.JobError) (domain.JobStatus, error) {
	updated, err := r.store.Update(ctx, job.OwnerID, job.ID, domain.JobPatch{
		Status: domain.JobStatusFailed,
		Error:  jobErr,
	})
	if err != nil {
		return job.Status, fmt.Errorf("mark job failed: %w", err)
	}

	r.logger.Warn().
		Str("job_id", job.ID).
		Str("kind", string(jobErr.Kind)).
		Str("reason", jobErr.Reason).
		Msg("generation job failed")
	r.notify(ctx, updated, EventJobFailed)
	return domain.JobStatusFailed, nil
}

func (r *Runner) notify(ctx context.Context, job domain.Job, event string) {
	if r.webhook == nil || job.CallbackURL == "" {
		return
	}
	if err := r.webhook.Send(ctx, job.CallbackURL, event, job); err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Str("event", event).Msg("webhook delivery failed")
	}
}

// IsPermanent reports whether err from Execute should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound)
}
