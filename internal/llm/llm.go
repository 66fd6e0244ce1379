// Package llm is the reasoning client used by the question pipeline: it sends
// a rendered prompt to a chat model and returns the raw completion text.
// Callers parse the text themselves; nothing here assumes it is well formed.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"text/template"

	"github.com/shubhpsd/data-viz/internal/config"
)

const (
	ProviderOpenAI = "openai-compatible"
	ProviderOllama = "ollama"
)

var ErrEmptyCompletion = errors.New("model returned empty completion")

// Prompt is one rendered request: system instructions plus the user turn.
type Prompt struct {
	Name   string
	System string
	User   string
}

type Client interface {
	Invoke(ctx context.Context, prompt Prompt) (string, error)
}

// StatusError is a non-2xx response from the model endpoint.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s completion failed status=%d body=%s", e.Provider, e.StatusCode, body)
}

// Retryable reports whether the status indicates a quota or server-side fault.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Template renders a Prompt from a pair of text/template sources.
type Template struct {
	name   string
	system *template.Template
	user   *template.Template
}

func MustTemplate(name, system, user string) *Template {
	return &Template{
		name:   name,
		system: template.Must(template.New(name + ".system").Option("missingkey=error").Parse(system)),
		user:   template.Must(template.New(name + ".user").Option("missingkey=error").Parse(user)),
	}
}

func (t *Template) Name() string {
	return t.name
}

func (t *Template) Render(vars any) (Prompt, error) {
	var system, user bytes.Buffer
	if err := t.system.Execute(&system, vars); err != nil {
		return Prompt{}, fmt.Errorf("render %s system prompt: %w", t.name, err)
	}
	if err := t.user.Execute(&user, vars); err != nil {
		return Prompt{}, fmt.Errorf("render %s user prompt: %w", t.name, err)
	}
	return Prompt{
		Name:   t.name,
		System: strings.TrimSpace(system.String()),
		User:   strings.TrimSpace(user.String()),
	}, nil
}

// New builds the configured provider wrapped in the retry policy.
func New(cfg config.AIConfig, logger *slog.Logger) (Client, error) {
	var (
		provider Client
		name     string
		err      error
	)
	switch cfg.Provider {
	case config.AIProviderOpenAI:
		provider, err = NewOpenAIClient(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
		name = ProviderOpenAI
	case config.AIProviderOllama:
		provider, err = NewOllamaClient(OllamaConfig{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
		name = ProviderOllama
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s client: %w", name, err)
	}
	return NewRetrying(provider, RetryConfig{
		Provider:   name,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	}), nil
}
