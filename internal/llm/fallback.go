package llm

import (
	"context"
	"errors"
	"log/slog"
)

// ChatWithFallback tries each model in order and returns the first
// successful response. It is meant for short, read-only calls
// (classification, briefing) where switching models mid-request has
// no side effects. The last error is returned when every model fails.
func ChatWithFallback(ctx context.Context, c Client, models []string, messages []Message, logger *slog.Logger, opts ...CallOption) (*ChatResponse, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var lastErr error
	for i, model := range models {
		if model == "" {
			continue
		}
		resp, err := c.Chat(ctx, model, messages, nil, opts...)
		if err == nil {
			if i > 0 {
				logger.Info("fallback model answered", "model", model, "attempt", i+1)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logger.Warn("model call failed, trying next", "model", model, "error", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no models configured")
	}
	return nil, lastErr
}
