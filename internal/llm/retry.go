package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shubhpsd/data-viz/internal/observability"
)

type RetryConfig struct {
	Provider string
	// Timeout bounds each attempt, not the whole call.
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	Logger          *slog.Logger
}

// Retrying applies a per-attempt timeout and exponential backoff to another
// Client. Only transport faults, timeouts, 429 and 5xx responses are retried.
type Retrying struct {
	next   Client
	cfg    RetryConfig
	logger *slog.Logger
}

func NewRetrying(next Client, cfg RetryConfig) *Retrying {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Provider == "" {
		cfg.Provider = "unknown"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Retrying{next: next, cfg: cfg, logger: logger}
}

func (r *Retrying) Invoke(ctx context.Context, prompt Prompt) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialInterval
	policy.MaxInterval = 10 * r.cfg.InitialInterval
	policy.MaxElapsedTime = 0

	var (
		text    string
		attempt int
	)
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		out, err := r.next.Invoke(attemptCtx, prompt)
		if err == nil {
			text = out
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		observability.ObserveLLMCall(r.cfg.Provider, "retry")
		observability.WithTrace(ctx, r.logger).Warn("retrying model call",
			slog.String("prompt", prompt.Name),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.MaxRetries)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		observability.ObserveLLMCall(r.cfg.Provider, "error")
		return "", fmt.Errorf("%s %s call failed after %d attempt(s): %w", r.cfg.Provider, prompt.Name, attempt, err)
	}
	observability.ObserveLLMCall(r.cfg.Provider, "ok")
	return text, nil
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}
