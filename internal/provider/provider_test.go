package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/genflow/internal/collect"
	"github.com/dunamismax/genflow/internal/domain"
)

func TestSplitRef(t *testing.T) {
	model, version := SplitRef("google/nano-banana:abc123")
	if model != "google/nano-banana" || version != "abc123" {
		t.Fatalf("unexpected split %q %q", model, version)
	}
	model, version = SplitRef("google/nano-banana")
	if model != "google/nano-banana" || version != "" {
		t.Fatalf("unexpected split %q %q", model, version)
	}
}

func TestReplicateRunWaitsAndPolls(t *testing.T) {
	var polls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("missing auth header")
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/models/google/nano-banana/predictions":
			if r.Header.Get("Prefer") != "wait" {
				t.Errorf("expected Prefer: wait")
			}
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["input"].(map[string]any)["prompt"] != "p" {
				t.Errorf("unexpected body %#v", body)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":     "pred-1",
				"status": "processing",
				"urls":   map[string]any{"get": srv.URL + "/v1/predictions/pred-1"},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/predictions/pred-1":
			if polls.Add(1) < 2 {
				_ = json.NewEncoder(w).Encode(map[string]any{"id": "pred-1", "status": "processing"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":     "pred-1",
				"status": "succeeded",
				"output": []string{"https://cdn/a.png", "https://cdn/b.png"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := NewReplicate(ReplicateConfig{Token: "token", BaseURL: srv.URL, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewReplicate returned error: %v", err)
	}

	v, err := client.Run(context.Background(), "google/nano-banana", map[string]any{"prompt": "p"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	items := collect.Collect(v)
	if len(items) != 2 || items[0].URL != "https://cdn/a.png" {
		t.Fatalf("unexpected items %#v", items)
	}
}

func TestReplicateVersionedRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/predictions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["version"] != "v2" {
			t.Errorf("expected version in body, got %#v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "p", "status": "succeeded", "output": "https://cdn/x.png"})
	}))
	defer srv.Close()

	client, _ := NewReplicate(ReplicateConfig{Token: "t", BaseURL: srv.URL})
	v, err := client.Run(context.Background(), "acme/model:v2", map[string]any{"prompt": "p"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if v.Kind != collect.KindURL {
		t.Fatalf("expected url output, got %s", v.Kind)
	}
}

func TestReplicateAPIErrorIsStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"title":"Input validation failed","detail":"prompt is required","status":422}`))
	}))
	defer srv.Close()

	client, _ := NewReplicate(ReplicateConfig{Token: "t", BaseURL: srv.URL})
	_, err := client.Run(context.Background(), "acme/model", map[string]any{})

	var apiErr *domain.ProviderAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ProviderAPIError, got %v", err)
	}
	if apiErr.Code != 422 || apiErr.Reason != "Input validation failed" || apiErr.Message != "prompt is required" {
		t.Fatalf("unexpected api error %#v", apiErr)
	}
}

func TestReplicateFailedPrediction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "p", "status": "failed", "error": "NSFW content detected"})
	}))
	defer srv.Close()

	client, _ := NewReplicate(ReplicateConfig{Token: "t", BaseURL: srv.URL})
	_, err := client.Run(context.Background(), "acme/model", map[string]any{})

	var apiErr *domain.ProviderAPIError
	if !errors.As(err, &apiErr) || apiErr.Status != "FAILED" || apiErr.Message != "NSFW content detected" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestGeminiReturnsInlineImages(t *testing.T) {
	png := []byte("\x89PNG fake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/input.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("input"))
		case strings.HasSuffix(r.URL.Path, ":generateContent"):
			if r.Header.Get("x-goog-api-key") != "key" {
				t.Errorf("missing api key header")
			}
			var body struct {
				Contents []struct {
					Parts []geminiPart `json:"parts"`
				} `json:"contents"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if len(body.Contents) != 1 || len(body.Contents[0].Parts) != 2 {
				t.Errorf("unexpected request body %#v", body)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"candidates": []any{map[string]any{
					"content": map[string]any{"parts": []any{
						map[string]any{"text": "here you go"},
						map[string]any{"inlineData": map[string]any{
							"mimeType": "image/png",
							"data":     base64.StdEncoding.EncodeToString(png),
						}},
					}},
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, _ := NewGemini(GeminiConfig{APIKey: "key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	v, err := client.Run(context.Background(), "gemini-2.5-flash-image", map[string]any{
		"prompt":      "p",
		"image_input": []string{srv.URL + "/input.png"},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	items := collect.Collect(v)
	if len(items) != 1 || items[0].MIMEHint != "image/png" {
		t.Fatalf("unexpected items %#v", items)
	}
	data, _, err := collect.Fetch(context.Background(), nil, items[0])
	if err != nil || string(data) != string(png) {
		t.Fatalf("unexpected inline bytes %q %v", data, err)
	}
}

func TestGeminiAPIErrorIsStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED","details":[{"reason":"RATE_LIMIT_EXCEEDED"}]}}`))
	}))
	defer srv.Close()

	client, _ := NewGemini(GeminiConfig{APIKey: "key", BaseURL: srv.URL})
	_, err := client.Run(context.Background(), "gemini-2.5-flash-image", map[string]any{"prompt": "p"})

	var apiErr *domain.ProviderAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ProviderAPIError, got %v", err)
	}
	if apiErr.Status != "RESOURCE_EXHAUSTED" || apiErr.Reason != "RATE_LIMIT_EXCEEDED" || apiErr.Code != 429 {
		t.Fatalf("unexpected api error %#v", apiErr)
	}
	if apiErr.Details == nil {
		t.Fatalf("expected details to be kept")
	}
}
