package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dunamismax/genflow/internal/collect"
	"github.com/dunamismax/genflow/internal/domain"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	maxInputImageBytes   = 20 << 20
)

type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Gemini calls generateContent with the prompt and input images inlined and
// returns the inline image parts of the first candidate.
type Gemini struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Gemini{httpClient: httpClient, baseURL: baseURL, apiKey: cfg.APIKey}, nil
}

func (g *Gemini) Run(ctx context.Context, ref string, input map[string]any) (collect.Value, error) {
	model, _ := SplitRef(ref)
	if model == "" {
		return collect.Value{}, fmt.Errorf("model reference is required")
	}

	prompt, _ := input["prompt"].(string)
	parts := []geminiPart{{Text: prompt}}
	for _, imageURL := range imageInputs(input["image_input"]) {
		inline, err := g.inlineImage(ctx, imageURL)
		if err != nil {
			return collect.Value{}, err
		}
		parts = append(parts, geminiPart{InlineData: inline})
	}

	generationConfig := map[string]any{"responseModalities": []string{"IMAGE"}}
	if ar, ok := input["aspect_ratio"].(string); ok && ar != "" {
		generationConfig["imageConfig"] = map[string]any{"aspectRatio": ar}
	}

	body := map[string]any{
		"contents":         []map[string]any{{"role": "user", "parts": parts}},
		"generationConfig": generationConfig,
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, url.PathEscape(model))
	status, data, err := postJSON(ctx, g.httpClient, endpoint, map[string]string{"x-goog-api-key": g.apiKey}, body)
	if err != nil {
		return collect.Value{}, fmt.Errorf("generate content: %w", err)
	}
	if status < 200 || status > 299 {
		return collect.Value{}, geminiAPIError(status, data)
	}

	var resp geminiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return collect.Value{}, fmt.Errorf("decode generate content response: %w", err)
	}

	if resp.PromptFeedback.BlockReason != "" {
		return collect.Value{}, &domain.ProviderAPIError{
			Status:  "BLOCKED",
			Reason:  resp.PromptFeedback.BlockReason,
			Message: "prompt was blocked by the provider",
		}
	}

	var outputs []collect.Value
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return collect.Value{}, fmt.Errorf("decode inline image: %w", err)
			}
			outputs = append(outputs, collect.FileValue(collect.BytesFile{
				Data:     raw,
				MIMEType: part.InlineData.MIMEType,
			}))
		}
		if len(outputs) > 0 {
			break
		}
	}

	if len(outputs) == 0 {
		reason := "no_image"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
			reason = resp.Candidates[0].FinishReason
		}
		return collect.Value{}, &domain.ProviderAPIError{
			Status:  "NO_OUTPUT",
			Reason:  reason,
			Message: "response contained no image parts",
		}
	}

	return collect.ListValue(outputs...), nil
}

func (g *Gemini) inlineImage(ctx context.Context, imageURL string) (*geminiInlineData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build input image request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch input image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch input image: unexpected status %d", resp.StatusCode)
	}

	data, err := collect.ReadLimited(resp.Body, maxInputImageBytes)
	if err != nil {
		return nil, fmt.Errorf("read input image: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}

	return &geminiInlineData{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}, nil
}

func imageInputs(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func geminiAPIError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
			Details []struct {
				Reason string `json:"reason"`
			} `json:"details"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)

	apiErr := &domain.ProviderAPIError{
		Status:  envelope.Error.Status,
		Code:    envelope.Error.Code,
		Message: envelope.Error.Message,
	}
	if apiErr.Code == 0 {
		apiErr.Code = status
	}
	if apiErr.Status == "" {
		apiErr.Status = http.StatusText(status)
	}
	for _, d := range envelope.Error.Details {
		if d.Reason != "" {
			apiErr.Reason = d.Reason
			break
		}
	}
	if apiErr.Reason == "" {
		apiErr.Reason = apiErr.Status
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		if e, ok := raw["error"].(map[string]any); ok {
			apiErr.Details = e["details"]
		}
	}
	return apiErr
}
