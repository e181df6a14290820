// Package generate builds provider payloads, calls the provider and collects
// its outputs, with linear-backoff retries and a bounded fan-out helper.
package generate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/genflow/internal/collect"
	"github.com/dunamismax/genflow/internal/models"
	"github.com/dunamismax/genflow/internal/provider"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultCallTimeout = 2 * time.Minute

// Throttle paces provider calls per key.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

type Request struct {
	GenerationID string
	Prompt       string
	Model        string
	Version      string
	Payload      map[string]any
	OutputDir    string
}

func (r Request) ref() string {
	if r.Version == "" {
		return r.Model
	}
	return r.Model + ":" + r.Version
}

type Result struct {
	GenerationID string
	Prompt       string
	Model        string
	Inputs       map[string]any
	Items        []collect.Item
	URLs         []string
	Files        []string
	Attempts     int
	Err          error
}

func (r Result) OK() bool {
	return r.Err == nil
}

type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

type Options struct {
	CallTimeout time.Duration
	Throttle    Throttle
	HTTPClient  *http.Client
	Logger      zerolog.Logger
	// Sleep replaces the backoff wait in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Invoker struct {
	registry    *models.Registry
	providers   map[string]provider.Provider
	callTimeout time.Duration
	throttle    Throttle
	httpClient  *http.Client
	logger      zerolog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	tracer      trace.Tracer
}

// NewInvoker wires a registry to the provider clients keyed by backend name.
func NewInvoker(registry *models.Registry, providers map[string]provider.Provider, opts Options) *Invoker {
	if registry == nil {
		registry = models.Default()
	}

	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: callTimeout}
	}

	return &Invoker{
		registry:    registry,
		providers:   providers,
		callTimeout: callTimeout,
		throttle:    opts.Throttle,
		httpClient:  httpClient,
		logger:      opts.Logger,
		sleep:       sleep,
		tracer:      otel.Tracer("genflow/generate"),
	}
}

// Invoke performs a single attempt.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (Result, error) {
	res := Result{
		GenerationID: req.GenerationID,
		Prompt:       req.Prompt,
		Model:        req.Model,
	}

	cfg := inv.registry.Resolve(req.Model)
	res.Inputs = cfg.Normalize(req.Prompt, req.Payload)

	p, ok := inv.providers[cfg.Backend]
	if !ok || p == nil {
		return res, fmt.Errorf("no provider configured for backend %q", cfg.Backend)
	}

	ctx, span := inv.tracer.Start(ctx, "generate.invoke", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("generation.id", req.GenerationID),
		attribute.String("generation.model", req.Model),
		attribute.String("generation.backend", cfg.Backend),
	)
	defer span.End()

	if inv.throttle != nil {
		if err := inv.throttle.Wait(ctx, req.Model); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "throttle")
			return res, fmt.Errorf("wait for provider capacity: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.callTimeout)
	defer cancel()

	out, err := p.Run(callCtx, req.ref(), res.Inputs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")
		return res, err
	}

	res.Items = collect.Collect(out)
	urls, files, err := collect.SaveLocal(ctx, inv.httpClient, res.Items, req.GenerationID, req.OutputDir)
	if err != nil {
		inv.logger.Warn().Err(err).Str("generation_id", req.GenerationID).Msg("save outputs locally")
	}
	res.URLs = urls
	res.Files = files
	span.SetAttributes(attribute.Int("generation.outputs", len(res.Items)))
	return res, nil
}

// InvokeWithRetry makes up to policy.MaxRetries additional attempts, waiting
// BaseBackoff*attempt between them. It never returns an error; the last
// provider failure is carried in Result.Err with no outputs, even when the
// backoff is cut short by ctx.
func (inv *Invoker) InvokeWithRetry(ctx context.Context, req Request, policy RetryPolicy) Result {
	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	log := inv.logger.With().Str("generation_id", req.GenerationID).Str("model", req.Model).Logger()

	var last Result
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		log.Debug().Int("attempt", attempt).Msg("calling provider")

		res, err := inv.Invoke(ctx, req)
		res.Attempts = attempt
		if err == nil {
			return res
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("provider call failed")
		last = failed(res, err)

		if attempt > maxRetries {
			break
		}
		if err := inv.sleep(ctx, policy.BaseBackoff*time.Duration(attempt)); err != nil {
			last.Err = fmt.Errorf("%w (retry aborted: %v)", last.Err, err)
			break
		}
	}
	return last
}

func failed(res Result, err error) Result {
	res.Err = err
	res.Items = nil
	res.URLs = []string{}
	res.Files = []string{}
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
