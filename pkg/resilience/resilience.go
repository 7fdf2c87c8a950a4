// Package resilience retries transient failures with capped exponential backoff.
package resilience

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Backoff bounds a retry loop
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the startup connection policy: 1s, 2s, 4s, 8s.
var DefaultBackoff = Backoff{
	Initial:     1 * time.Second,
	Max:         30 * time.Second,
	MaxAttempts: 5,
}

// Delay returns the wait before attempt n (n >= 2)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := b.Initial
	for i := 2; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Retry runs fn until it succeeds, attempts run out or ctx is done
func Retry(ctx context.Context, log *zap.Logger, operation string, b Backoff, fn func(ctx context.Context) error) error {
	if log == nil {
		log = zap.NewNop()
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := b.Delay(attempt)
			log.Warn("Retrying operation",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.String("error_type", classifyError(lastErr)),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w (last error: %v)", operation, ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				log.Info("Operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, b.MaxAttempts, lastErr)
}

// classifyError buckets errors for log fields
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "unauthenticated"):
		return "permission"
	default:
		return "other"
	}
}
