// Package provider holds the clients for the external image-generation
// services. Every client returns its output as a collect.Value and surfaces
// structured upstream rejections as *domain.ProviderAPIError.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dunamismax/genflow/internal/collect"
)

const maxResponseBytes = 32 << 20

type Provider interface {
	Run(ctx context.Context, ref string, input map[string]any) (collect.Value, error)
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context, ref string, input map[string]any) (collect.Value, error)

func (f Func) Run(ctx context.Context, ref string, input map[string]any) (collect.Value, error) {
	return f(ctx, ref, input)
}

// SplitRef splits "owner/name:version" into its model and version parts.
func SplitRef(ref string) (string, string) {
	ref = strings.TrimSpace(ref)
	if i := strings.LastIndex(ref, ":"); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(client, req)
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := collect.ReadLimited(resp.Body, maxResponseBytes)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
