// Package materialize copies provider outputs into object storage and mints
// signed retrieval URLs for them.
package materialize

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/genflow/internal/collect"
	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/generate"
	"github.com/dunamismax/genflow/internal/id"
	"github.com/rs/zerolog"
)

const (
	defaultURLTTL         = 24 * time.Hour
	defaultUploadAttempts = 2
	defaultUploadBackoff  = 500 * time.Millisecond
)

type ObjectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type Config struct {
	URLTTL         time.Duration
	UploadAttempts int
	UploadBackoff  time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
	Sleep          func(ctx context.Context, d time.Duration) error
}

type Materializer struct {
	storage        ObjectWriter
	prober         Prober
	urlTTL         time.Duration
	uploadAttempts int
	uploadBackoff  time.Duration
	httpClient     *http.Client
	logger         zerolog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
}

func New(storage ObjectWriter, cfg Config) (*Materializer, error) {
	if storage == nil {
		return nil, fmt.Errorf("object storage is required")
	}

	prober, err := newProber()
	if err != nil {
		return nil, fmt.Errorf("initialize image prober: %w", err)
	}

	m := &Materializer{
		storage:        storage,
		prober:         prober,
		urlTTL:         cfg.URLTTL,
		uploadAttempts: cfg.UploadAttempts,
		uploadBackoff:  cfg.UploadBackoff,
		httpClient:     cfg.HTTPClient,
		logger:         cfg.Logger,
		sleep:          cfg.Sleep,
	}
	if m.urlTTL <= 0 {
		m.urlTTL = defaultURLTTL
	}
	if m.uploadAttempts < 1 {
		m.uploadAttempts = defaultUploadAttempts
	}
	if m.uploadBackoff <= 0 {
		m.uploadBackoff = defaultUploadBackoff
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: time.Minute}
	}
	if m.sleep == nil {
		m.sleep = sleepContext
	}
	return m, nil
}

// Materialize stores every output of res under destFolder. One record is
// returned per output, in order; a failed output carries Error and does not
// stop the others.
func (m *Materializer) Materialize(ctx context.Context, res generate.Result, destFolder string) []domain.JobResult {
	destFolder = strings.Trim(destFolder, "/")
	out := make([]domain.JobResult, 0, len(res.Items))

	for i, item := range res.Items {
		record := domain.JobResult{ResultID: id.Result(res.GenerationID, i+1)}
		if err := m.materializeOne(ctx, item, destFolder, &record); err != nil {
			record.Error = err.Error()
			m.logger.Warn().
				Err(err).
				Str("generation_id", res.GenerationID).
				Int("output", i+1).
				Msg("materialize output")
		}
		out = append(out, record)
	}
	return out
}

func (m *Materializer) materializeOne(ctx context.Context, item collect.Item, destFolder string, record *domain.JobResult) error {
	data, contentType, err := collect.Fetch(ctx, m.httpClient, item)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("output is empty")
	}

	info, probeErr := m.prober.Probe(data)
	record.MIMEType = detectMIME(item.MIMEHint, contentType, info.MIMEType)
	record.Width = info.Width
	record.Height = info.Height
	if record.MIMEType == "" {
		if probeErr != nil {
			return fmt.Errorf("detect output type: %w", probeErr)
		}
		record.MIMEType = "image/png"
	}

	ext := collect.ExtensionForMIME(record.MIMEType)
	if ext == "" {
		ext = "png"
	}
	objectKey := path.Join(destFolder, record.ResultID+"."+ext)

	if err := m.upload(ctx, objectKey, data, record.MIMEType); err != nil {
		return err
	}
	record.StoragePath = objectKey

	signed, err := m.storage.PresignedGetURL(ctx, objectKey, m.urlTTL)
	if err != nil {
		return err
	}
	record.URL = signed
	return nil
}

func (m *Materializer) upload(ctx context.Context, objectKey string, data []byte, contentType string) error {
	var lastErr error
	for attempt := 1; attempt <= m.uploadAttempts; attempt++ {
		lastErr = m.storage.WriteObject(ctx, objectKey, data, contentType)
		if lastErr == nil {
			return nil
		}
		if attempt == m.uploadAttempts {
			break
		}
		if err := m.sleep(ctx, m.uploadBackoff*time.Duration(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("upload after %d attempts: %w", m.uploadAttempts, lastErr)
}

// detectMIME prefers the provider hint, then the download content type, then
// what the bytes decode as.
func detectMIME(hint, contentType, probed string) string {
	for _, candidate := range []string{hint, contentType, probed} {
		if collect.ExtensionForMIME(candidate) != "" {
			if candidate == "image/jpg" {
				return "image/jpeg"
			}
			if i := strings.Index(candidate, ";"); i >= 0 {
				return strings.TrimSpace(candidate[:i])
			}
			return candidate
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
