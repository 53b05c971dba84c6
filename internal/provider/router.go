// ABOUTME: Routes completion requests across configured backends with ordered fallback
// ABOUTME: Parses JSON response envelopes with fence-strip retry and derives a confidence score

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrUnknownProvider indicates a provider name with no configured backend.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrAllProvidersFailed indicates every backend in the fallback chain failed.
var ErrAllProvidersFailed = errors.New("all providers failed")

// Confidence assigned when the response envelope could not be parsed and the
// raw text was taken as content wholesale.
const fallbackConfidence = 0.3

// Result is a routed completion: the extracted content plus telemetry.
// Confidence is a derived heuristic used only for telemetry and ranking,
// never for control flow.
type Result struct {
	Content    string
	Provider   string
	Confidence float64
	Usage      *Usage
}

// Router abstracts the configured completion backends behind one call
// signature and performs ordered fallback on failure.
type Router struct {
	backends map[string]Backend
	priority []string // fallback order; fixed at construction
	logger   *slog.Logger
}

// NewRouter creates a router over the given backends. priority fixes the
// fallback order and must list only registered backend names.
func NewRouter(backends map[string]Backend, priority []string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		backends: backends,
		priority: priority,
		logger:   logger.With("component", "provider"),
	}
}

// Providers returns the configured provider names in priority order.
func (r *Router) Providers() []string {
	out := make([]string, len(r.priority))
	copy(out, r.priority)
	return out
}

// Complete calls a single provider. An empty model selects the backend's
// default. Parse failures of the response envelope never propagate; the raw
// text becomes the content with a reduced confidence score.
func (r *Router) Complete(ctx context.Context, providerName, prompt, systemPrompt, model string) (*Result, error) {
	backend, ok := r.backends[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}

	completion, err := backend.Generate(ctx, prompt, systemPrompt, model)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", providerName, err)
	}

	result := parseResponse(completion.Content)
	result.Provider = providerName
	result.Usage = completion.Usage
	return result, nil
}

// CompleteWithFallback tries the preferred provider first, then the
// remaining providers in the fixed priority order, skipping the one already
// tried. It fails only when every configured provider failed.
func (r *Router) CompleteWithFallback(ctx context.Context, prompt, systemPrompt, preferredProvider string) (*Result, error) {
	order := make([]string, 0, len(r.priority)+1)
	if _, ok := r.backends[preferredProvider]; ok {
		order = append(order, preferredProvider)
	}
	for _, name := range r.priority {
		if name == preferredProvider {
			continue
		}
		order = append(order, name)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrAllProvidersFailed)
	}

	var errs []error
	for _, name := range order {
		result, err := r.Complete(ctx, name, prompt, systemPrompt, "")
		if err == nil {
			if name != preferredProvider {
				r.logger.Info("provider fallback succeeded",
					"preferred", preferredProvider,
					"used", name)
			}
			return result, nil
		}
		r.logger.Warn("provider failed, trying next",
			"provider", name,
			"error", err)
		errs = append(errs, err)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
}

// responseEnvelope is the JSON shape models are asked to reply in.
type responseEnvelope struct {
	Content string `json:"content"`
}

// parseResponse extracts content from a model reply. Models are expected to
// answer with a JSON envelope carrying at least a content field; when they
// wrap it in prose or markdown fences instead, the fenced wrapper is
// stripped and parsing retried once. As a last resort the entire raw text
// becomes the content with a reduced confidence score.
func parseResponse(raw string) *Result {
	if env, ok := tryParseEnvelope(raw); ok {
		return &Result{Content: env.Content, Confidence: scoreConfidence(env.Content)}
	}

	stripped := stripCodeFence(raw)
	if stripped != raw {
		if env, ok := tryParseEnvelope(stripped); ok {
			return &Result{Content: env.Content, Confidence: scoreConfidence(env.Content)}
		}
	}

	return &Result{Content: raw, Confidence: fallbackConfidence}
}

func tryParseEnvelope(s string) (*responseEnvelope, bool) {
	var env responseEnvelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &env); err != nil {
		return nil, false
	}
	if env.Content == "" {
		return nil, false
	}
	return &env, true
}

// stripCodeFence removes one leading and trailing markdown code fence,
// including an optional language tag on the opening fence.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	// Drop the language tag up to the first newline
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// scoreConfidence derives a telemetry-only confidence heuristic: longer,
// complete responses score higher than short or truncated ones.
func scoreConfidence(content string) float64 {
	trimmed := strings.TrimSpace(content)
	switch {
	case trimmed == "":
		return 0.1
	case len(trimmed) < 20:
		return 0.5
	case len(trimmed) < 100:
		return 0.7
	}

	// Long responses that end mid-sentence look truncated
	last := trimmed[len(trimmed)-1]
	if strings.ContainsRune(".!?`\"')", rune(last)) {
		return 0.9
	}
	return 0.75
}
