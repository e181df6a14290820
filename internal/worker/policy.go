package worker

import "github.com/dunamismax/genflow/internal/models"

// policyFor returns the request-type defaults layered under the job's own
// options for model.
func policyFor(model string) map[string]any {
	switch model {
	case models.NanoBanana:
		return map[string]any{
			"aspect_ratio":  models.AspectMatchInput,
			"output_format": "png",
		}
	case models.GeminiFlashImage:
		return map[string]any{}
	case models.ImagenUltra:
		return map[string]any{
			"aspect_ratio":  "1:1",
			"output_format": "png",
		}
	default:
		return map[string]any{"output_format": "png"}
	}
}

func buildPayload(model string, options map[string]any, inputs []string) map[string]any {
	payload := policyFor(model)
	for k, v := range options {
		payload[k] = v
	}
	if len(inputs) > 0 {
		payload["image_input"] = append([]string(nil), inputs...)
	}
	return payload
}

// OptionPerImage asks for one generation per input image instead of a single
// generation over all of them.
const OptionPerImage = "per_image"

func splitPerImage(options map[string]any) (map[string]any, bool) {
	raw, ok := options[OptionPerImage]
	if !ok {
		return options, false
	}
	out := make(map[string]any, len(options)-1)
	for k, v := range options {
		if k != OptionPerImage {
			out[k] = v
		}
	}
	on, _ := raw.(bool)
	return out, on
}
