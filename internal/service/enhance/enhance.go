// Package enhance refines recognized text with a hosted language model.
// Every call fails open: on any error the input text is returned unchanged.
package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-sentence-service/internal/language"
	"ai-speech-sentence-service/internal/observability/logging"
	"ai-speech-sentence-service/internal/observability/metrics"
)

// Provider identifies the hosted model vendor.
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderGroq     Provider = "groq"
	ProviderDeepSeek Provider = "deepseek"
	ProviderGemini   Provider = "gemini"
)

// DefaultModels lists each provider's models in fallback order.
var DefaultModels = map[Provider][]string{
	ProviderGroq:     {"llama-3.3-70b-versatile", "llama-3.1-8b-instant", "mixtral-8x7b-32768"},
	ProviderDeepSeek: {"deepseek-chat", "deepseek-reasoner"},
	ProviderOpenAI:   {"gpt-4o-mini"},
	ProviderGemini:   {"gemini-2.5-flash", "gemini-2.0-flash", "gemini-1.5-flash"},
}

var defaultBaseURLs = map[Provider]string{
	ProviderGroq:     "https://api.groq.com/openai/v1/",
	ProviderDeepSeek: "https://api.deepseek.com/v1/",
}

var (
	// ErrRateLimited marks a model that answered HTTP 429.
	ErrRateLimited = errors.New("model rate limited")
	// ErrUnknownProvider is returned by New for an unsupported provider.
	ErrUnknownProvider = errors.New("unknown enhancement provider")
	// ErrEmptyResponse is returned when a model produced no text.
	ErrEmptyResponse = errors.New("model returned no text")
)

// Config configures a Client.
type Config struct {
	Provider    Provider
	APIKey      string
	BaseURL     string   // empty = provider default
	Models      []string // empty = DefaultModels[Provider]
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// DefaultConfig returns the request defaults for p.
func DefaultConfig(p Provider) Config {
	return Config{
		Provider:    p,
		Models:      DefaultModels[p],
		Timeout:     15 * time.Second,
		Temperature: 0.3,
		MaxTokens:   500,
	}
}

// backend sends one prompt to one model.
type backend interface {
	complete(ctx context.Context, model, system, prompt string) (string, error)
}

// Entity is a named thing found in analyzed text.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Analysis is the structured reading of a transcript.
type Analysis struct {
	RefinedText string   `json:"refinedText"`
	Intent      string   `json:"intent,omitempty"`
	Entities    []Entity `json:"entities,omitempty"`
	Summary     string   `json:"summary,omitempty"`
}

// Client refines text through one provider, falling back across the
// provider's models when one is rate limited.
type Client struct {
	provider Provider
	models   []string
	backend  backend
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	cursor int
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client for cfg.Provider. Without an API key the client is
// disabled and returns every input unchanged.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		provider: cfg.Provider,
		models:   cfg.Models,
		timeout:  cfg.Timeout,
		logger:   logging.WithComponent("enhance").With().Str("provider", string(cfg.Provider)).Logger(),
		metrics:  metrics.DefaultMetrics,
	}
	for _, o := range opts {
		o(c)
	}
	if len(c.models) == 0 {
		c.models = DefaultModels[cfg.Provider]
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 500
	}

	switch cfg.Provider {
	case ProviderOpenAI, ProviderGroq, ProviderDeepSeek:
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultBaseURLs[cfg.Provider]
		}
	case ProviderGemini:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}

	if cfg.APIKey == "" {
		c.logger.Warn().Msg("No API key configured, enhancement disabled")
		return c, nil
	}

	if cfg.Provider == ProviderGemini {
		b, err := newGeminiBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.backend = b
	} else {
		c.backend = newOpenAIBackend(cfg)
	}
	return c, nil
}

// Enabled reports whether requests are sent at all.
func (c *Client) Enabled() bool {
	return c != nil && c.backend != nil && len(c.models) > 0
}

// Provider returns the configured provider.
func (c *Client) Provider() Provider { return c.provider }

// CurrentModel returns the model the next request will use.
func (c *Client) CurrentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.models) == 0 {
		return ""
	}
	return c.models[c.cursor]
}

// Refine fixes spelling, grammar and punctuation in text, keeping its
// language. It returns text unchanged on any failure.
func (c *Client) Refine(ctx context.Context, text, languageTag string) string {
	if !c.Enabled() || strings.TrimSpace(text) == "" {
		return text
	}
	out, err := c.generate(ctx, refineSystemPrompt, refinePrompt(text, languageTag))
	if err != nil {
		c.logger.Warn().Err(err).Str("languageTag", languageTag).Msg("Refine failed, keeping original text")
		return text
	}
	out = unquote(out)
	if out == "" {
		return text
	}
	return out
}

// Analyze extracts intent, entities and a summary from text. On failure the
// result carries only the original text.
func (c *Client) Analyze(ctx context.Context, text, languageTag string) Analysis {
	fallback := Analysis{RefinedText: text}
	if !c.Enabled() || strings.TrimSpace(text) == "" {
		return fallback
	}
	out, err := c.generate(ctx, analyzeSystemPrompt, analyzePrompt(text, languageTag))
	if err != nil {
		c.logger.Warn().Err(err).Msg("Analyze failed")
		return fallback
	}
	a, err := parseAnalysis(out)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Analyze returned unparseable output")
		return fallback
	}
	if a.RefinedText == "" {
		a.RefinedText = text
	}
	return a
}

// generate tries the current model and, on a rate limit, each following
// model once. Running off the end resets the cursor to the first model.
func (c *Client) generate(ctx context.Context, system, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var lastErr error
	for tries := 0; tries < len(c.models); tries++ {
		idx, model := c.current()
		start := time.Now()
		out, err := c.backend.complete(ctx, model, system, prompt)
		latency := time.Since(start).Seconds()

		switch {
		case err == nil && strings.TrimSpace(out) == "":
			c.metrics.RecordEnhance(string(c.provider), model, "empty", latency)
			return "", ErrEmptyResponse
		case err == nil:
			c.metrics.RecordEnhance(string(c.provider), model, "ok", latency)
			return strings.TrimSpace(out), nil
		case errors.Is(err, ErrRateLimited):
			c.metrics.RecordEnhance(string(c.provider), model, "rate_limited", latency)
			lastErr = err
			next, ok := c.advance(idx)
			if !ok {
				c.logger.Warn().Str("model", model).Msg("All models rate limited, resetting to first model")
				return "", lastErr
			}
			c.logger.Info().Str("model", model).Str("next", next).Msg("Model rate limited, falling back")
		default:
			c.metrics.RecordEnhance(string(c.provider), model, "error", latency)
			return "", fmt.Errorf("%s: %w", model, err)
		}
	}
	return "", lastErr
}

func (c *Client) current() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor, c.models[c.cursor]
}

// advance moves past the model at idx. It reports false, and rewinds to the
// first model, when idx was the last one.
func (c *Client) advance(idx int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor != idx {
		// Another request already moved on.
		return c.models[c.cursor], true
	}
	if idx >= len(c.models)-1 {
		c.cursor = 0
		return c.models[0], false
	}
	c.cursor = idx + 1
	return c.models[c.cursor], true
}

const refineSystemPrompt = "You correct speech-to-text transcripts. " +
	"Fix spelling and grammar, add punctuation, and repair words that were misrecognized given the context. " +
	"Keep the speaker's meaning and the original language. " +
	"Return ONLY the corrected text, without explanations or quotes."

const analyzeSystemPrompt = "You analyze speech-to-text transcripts and answer with JSON only."

func refinePrompt(text, tag string) string {
	return fmt.Sprintf("Language: %s\nTranscript: %q", languageName(tag), text)
}

func analyzePrompt(text, tag string) string {
	return fmt.Sprintf(`Analyze the transcript and return JSON in this format:
{
  "refinedText": "the corrected text",
  "intent": "question | command | statement | greeting",
  "entities": [{"type": "kind", "value": "value"}],
  "summary": "a short summary"
}
Language: %s
Transcript: %q
Return ONLY the JSON.`, languageName(tag), text)
}

func languageName(tag string) string {
	if l, ok := language.Lookup(tag); ok {
		return l.Name
	}
	return tag
}

// parseAnalysis reads the first JSON object in out, ignoring markdown fences
// and any prose around it.
func parseAnalysis(out string) (Analysis, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return Analysis{}, fmt.Errorf("no JSON object in response")
	}
	var a Analysis
	if err := json.Unmarshal([]byte(out[start:end+1]), &a); err != nil {
		return Analysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	return a, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
