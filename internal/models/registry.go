// Package models holds the per-model payload rules applied before a provider
// call: defaults, aliases, an allow-list and a final adapter.
//
// Payloads are Go maps and carry no key order, so alias collisions cannot be
// settled by "later key wins". An explicitly given canonical key always beats
// its aliases, and among several aliases of one key the lexicographically
// last alias wins.
package models

import (
	"sort"
	"strings"
)

const (
	BackendReplicate = "replicate"
	BackendGemini    = "gemini"
)

// Adapter performs model-specific coercions on an already merged payload.
type Adapter func(payload map[string]any) map[string]any

type Config struct {
	ID            string
	Backend       string
	DefaultInputs map[string]any
	AllowedKeys   map[string]struct{}
	Aliases       map[string]string
	AllowUnknown  bool
	Adapter       Adapter
}

func (c Config) clone() Config {
	out := c
	out.DefaultInputs = copyPayload(c.DefaultInputs)
	if c.AllowedKeys != nil {
		out.AllowedKeys = make(map[string]struct{}, len(c.AllowedKeys))
		for k := range c.AllowedKeys {
			out.AllowedKeys[k] = struct{}{}
		}
	}
	if c.Aliases != nil {
		out.Aliases = make(map[string]string, len(c.Aliases))
		for k, v := range c.Aliases {
			out.Aliases[k] = v
		}
	}
	return out
}

// Registry is built once at startup and never mutated afterwards.
type Registry struct {
	configs map[string]Config
}

func NewRegistry(configs ...Config) *Registry {
	r := &Registry{configs: make(map[string]Config, len(configs))}
	for _, cfg := range configs {
		id := strings.TrimSpace(cfg.ID)
		if id == "" {
			continue
		}
		cfg.ID = id
		if cfg.Backend == "" {
			cfg.Backend = BackendReplicate
		}
		r.configs[id] = cfg.clone()
	}
	return r
}

// Resolve never fails: unknown models get a pass-through config on the
// replicate backend.
func (r *Registry) Resolve(modelID string) Config {
	modelID = strings.TrimSpace(modelID)
	if r != nil {
		if cfg, ok := r.configs[modelID]; ok {
			return cfg.clone()
		}
	}
	return Config{
		ID:            modelID,
		Backend:       BackendReplicate,
		DefaultInputs: map[string]any{},
		AllowedKeys:   map[string]struct{}{},
		Aliases:       map[string]string{},
		AllowUnknown:  true,
	}
}

func (r *Registry) Known(modelID string) bool {
	if r == nil {
		return false
	}
	_, ok := r.configs[strings.TrimSpace(modelID)]
	return ok
}

func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Normalize builds the exact payload handed to the provider for modelID.
func (r *Registry) Normalize(modelID, prompt string, payload map[string]any) map[string]any {
	return r.Resolve(modelID).Normalize(prompt, payload)
}

func (c Config) Normalize(prompt string, payload map[string]any) map[string]any {
	merged := copyPayload(c.DefaultInputs)
	if merged == nil {
		merged = make(map[string]any)
	}

	for k, v := range applyAliases(payload, c.Aliases) {
		merged[k] = v
	}

	merged["prompt"] = prompt

	if len(c.AllowedKeys) > 0 && !c.AllowUnknown {
		for k := range merged {
			if _, ok := c.AllowedKeys[k]; !ok {
				delete(merged, k)
			}
		}
	}

	if c.Adapter != nil {
		merged = c.Adapter(merged)
	}
	return merged
}

// applyAliases rewrites keys to their canonical names. A canonical key given
// explicitly beats any alias of it; among aliases of one canonical key the
// lexicographically last alias wins.
func applyAliases(payload map[string]any, aliases map[string]string) map[string]any {
	out := make(map[string]any, len(payload))
	if len(payload) == 0 {
		return out
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	explicit := make(map[string]struct{}, len(payload))
	for _, k := range keys {
		if _, aliased := aliases[k]; !aliased {
			explicit[k] = struct{}{}
		}
	}

	for _, k := range keys {
		canonical, aliased := aliases[k]
		if !aliased {
			out[k] = copyValue(payload[k])
			continue
		}
		if _, ok := explicit[canonical]; ok {
			continue
		}
		out[canonical] = copyValue(payload[k])
	}
	return out
}

func copyPayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyPayload(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func keySet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}
