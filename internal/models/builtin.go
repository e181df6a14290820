package models

import (
	"fmt"
	"strings"
)

const (
	NanoBanana       = "google/nano-banana"
	ImagenUltra      = "google/imagen-4-ultra"
	GeminiFlashImage = "gemini-2.5-flash-image"

	AspectMatchInput = "match_input_image"
)

var safetyLevels = map[string]struct{}{
	"block_none":             {},
	"block_low":              {},
	"block_medium":           {},
	"block_high":             {},
	"block_only_high":        {},
	"block_low_and_above":    {},
	"block_medium_and_above": {},
}

func Default() *Registry {
	return NewRegistry(
		Config{
			ID:      ImagenUltra,
			Backend: BackendReplicate,
			DefaultInputs: map[string]any{
				"aspect_ratio":        "4:5",
				"output_format":       "png",
				"safety_filter_level": "block_only_high",
			},
			AllowedKeys: keySet(
				"prompt", "num_outputs", "aspect_ratio", "output_format", "seed",
				"negative_prompt", "safety_filter_level", "image", "image_url", "strength",
				"width", "height",
			),
			Aliases: map[string]string{
				"ar":     "aspect_ratio",
				"fmt":    "output_format",
				"safety": "safety_filter_level",
			},
			Adapter: imagenUltraAdapter,
		},
		Config{
			ID:      NanoBanana,
			Backend: BackendReplicate,
			DefaultInputs: map[string]any{
				"aspect_ratio":  AspectMatchInput,
				"output_format": "jpg",
			},
			AllowedKeys: keySet("prompt", "image_input", "aspect_ratio", "output_format"),
			Aliases: map[string]string{
				"images":     "image_input",
				"image":      "image_input",
				"image_url":  "image_input",
				"image_urls": "image_input",
				"ar":         "aspect_ratio",
				"fmt":        "output_format",
			},
			Adapter: nanoBananaAdapter,
		},
		Config{
			ID:          GeminiFlashImage,
			Backend:     BackendGemini,
			AllowedKeys: keySet("prompt", "image_input", "aspect_ratio", "output_format"),
			Aliases: map[string]string{
				"images":     "image_input",
				"image":      "image_input",
				"image_url":  "image_input",
				"image_urls": "image_input",
				"ar":         "aspect_ratio",
			},
			Adapter: geminiAdapter,
		},
	)
}

// imagenUltraAdapter prefers aspect_ratio over explicit dimensions.
func imagenUltraAdapter(payload map[string]any) map[string]any {
	if ar, ok := payload["aspect_ratio"]; ok && !isEmpty(ar) {
		delete(payload, "width")
		delete(payload, "height")
	}
	if _, ok := payload["output_format"]; ok {
		payload["output_format"] = normalizeFormat(payload["output_format"], "png")
	}
	if level, ok := payload["safety_filter_level"]; ok && !isEmpty(level) {
		normalized := strings.ToLower(strings.TrimSpace(fmt.Sprint(level)))
		if _, valid := safetyLevels[normalized]; !valid {
			normalized = "block_only_high"
		}
		payload["safety_filter_level"] = normalized
	}
	return payload
}

func nanoBananaAdapter(payload map[string]any) map[string]any {
	coerceImageInput(payload)
	if _, ok := payload["output_format"]; ok {
		payload["output_format"] = normalizeFormat(payload["output_format"], "jpg")
	}
	if ar, ok := payload["aspect_ratio"].(string); ok {
		payload["aspect_ratio"] = strings.TrimSpace(ar)
	}
	return payload
}

// geminiAdapter drops match_input_image, which Gemini infers on its own.
func geminiAdapter(payload map[string]any) map[string]any {
	coerceImageInput(payload)
	if ar, ok := payload["aspect_ratio"].(string); ok {
		ar = strings.TrimSpace(ar)
		if ar == "" || ar == AspectMatchInput {
			delete(payload, "aspect_ratio")
		} else {
			payload["aspect_ratio"] = ar
		}
	}
	if _, ok := payload["output_format"]; ok {
		payload["output_format"] = normalizeFormat(payload["output_format"], "png")
	}
	return payload
}

// coerceImageInput turns a single string or a loosely typed list into []string,
// dropping empty entries.
func coerceImageInput(payload map[string]any) {
	switch v := payload["image_input"].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			delete(payload, "image_input")
			return
		}
		payload["image_input"] = []string{v}
	case []string:
		payload["image_input"] = compactStrings(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		payload["image_input"] = compactStrings(out)
	}
}

func compactStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func normalizeFormat(v any, fallback string) string {
	switch strings.ToLower(strings.TrimSpace(fmt.Sprint(v))) {
	case "jpg", "jpeg":
		return "jpg"
	case "png":
		return "png"
	case "webp":
		return "webp"
	default:
		return fallback
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
