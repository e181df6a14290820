package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/genflow/internal/collect"
	"github.com/dunamismax/genflow/internal/domain"
)

const defaultReplicateBaseURL = "https://api.replicate.com"

type ReplicateConfig struct {
	Token        string
	BaseURL      string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Replicate runs models through the predictions API, waiting synchronously
// where the service allows it and polling otherwise.
type Replicate struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	pollInterval time.Duration
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func NewReplicate(cfg ReplicateConfig) (*Replicate, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("replicate api token is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultReplicateBaseURL
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Replicate{
		httpClient:   httpClient,
		baseURL:      baseURL,
		token:        cfg.Token,
		pollInterval: pollInterval,
	}, nil
}

func (r *Replicate) Run(ctx context.Context, ref string, input map[string]any) (collect.Value, error) {
	model, version := SplitRef(ref)
	if model == "" {
		return collect.Value{}, fmt.Errorf("model reference is required")
	}

	endpoint := fmt.Sprintf("%s/v1/models/%s/predictions", r.baseURL, model)
	body := map[string]any{"input": input}
	if version != "" {
		endpoint = r.baseURL + "/v1/predictions"
		body["version"] = version
	}

	headers := r.headers()
	headers["Prefer"] = "wait"

	status, data, err := postJSON(ctx, r.httpClient, endpoint, headers, body)
	if err != nil {
		return collect.Value{}, fmt.Errorf("create prediction: %w", err)
	}
	if status < 200 || status > 299 {
		return collect.Value{}, replicateAPIError(status, data)
	}

	var pred prediction
	if err := json.Unmarshal(data, &pred); err != nil {
		return collect.Value{}, fmt.Errorf("decode prediction: %w", err)
	}

	for !terminalPrediction(pred.Status) {
		select {
		case <-ctx.Done():
			return collect.Value{}, ctx.Err()
		case <-time.After(r.pollInterval):
		}

		next, err := r.poll(ctx, pred)
		if err != nil {
			return collect.Value{}, err
		}
		pred = next
	}

	if pred.Status != "succeeded" {
		return collect.Value{}, &domain.ProviderAPIError{
			Status:  strings.ToUpper(pred.Status),
			Reason:  "prediction_" + pred.Status,
			Message: predictionMessage(pred.Error),
			Details: map[string]any{"prediction_id": pred.ID},
		}
	}

	return collect.DecodeJSON(pred.Output), nil
}

func (r *Replicate) poll(ctx context.Context, pred prediction) (prediction, error) {
	endpoint := pred.URLs.Get
	if endpoint == "" {
		if pred.ID == "" {
			return prediction{}, fmt.Errorf("prediction has no id to poll")
		}
		endpoint = fmt.Sprintf("%s/v1/predictions/%s", r.baseURL, pred.ID)
	}

	status, data, err := getJSON(ctx, r.httpClient, endpoint, r.headers())
	if err != nil {
		return prediction{}, fmt.Errorf("poll prediction %s: %w", pred.ID, err)
	}
	if status < 200 || status > 299 {
		return prediction{}, replicateAPIError(status, data)
	}

	var next prediction
	if err := json.Unmarshal(data, &next); err != nil {
		return prediction{}, fmt.Errorf("decode prediction: %w", err)
	}
	return next, nil
}

func (r *Replicate) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + r.token}
}

func terminalPrediction(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	default:
		return false
	}
}

func replicateAPIError(status int, body []byte) error {
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(body, &problem)

	apiErr := &domain.ProviderAPIError{
		Status:  http.StatusText(status),
		Code:    status,
		Reason:  problem.Title,
		Message: problem.Detail,
	}
	if apiErr.Reason == "" {
		apiErr.Reason = strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func predictionMessage(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
