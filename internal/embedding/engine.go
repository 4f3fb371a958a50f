// Package embedding turns enriched profile payloads into feature vectors
// for the qualifier. Supports two backends: Ollama (local) and Google
// GenAI (cloud).
package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"prospectd/internal/config"
	"prospectd/internal/logging"
)

// ErrUnavailable marks a transient provider failure. The profile keeps its
// enriched state and is embedded again on a later tick.
var ErrUnavailable = errors.New("embedding engine unavailable")

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai", "":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		logging.Get(logging.CategoryEmbedding).Error("Unsupported embedding provider: %s", cfg.Provider)
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// ProfileText flattens an enrichment payload into the text a profile is
// embedded from. Keys are sorted so the same payload always produces the
// same text, which matters because embeddings are computed once and never
// recomputed.
func ProfileText(payload json.RawMessage) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return string(payload)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := fields[k]
		if v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if val == "" {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", k, val)
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprintf("%v", item))
			}
			fmt.Fprintf(&b, "%s: %s\n", k, strings.Join(parts, "; "))
		default:
			fmt.Fprintf(&b, "%s: %v\n", k, val)
		}
	}
	return strings.TrimSpace(b.String())
}
