package retryx

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/duckling-run/duckling/internal/logx"
)

// Config configures bounded exponential backoff with jitter (C3).
type Config struct {
	MaxAttempts  int // retries beyond the first attempt; default 3
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // fraction of delay randomized either way; default 0.10 (§6 "10% jitter")
}

// DefaultConfig matches §6/§7: maxRetries=3, 10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.10,
	}
}

// Func is a retryable operation.
type Func func(ctx context.Context) error

// Do runs fn, retrying non-permanent errors with exponential backoff
// and jitter up to cfg.MaxAttempts additional attempts. A nil logger is
// replaced with a no-op logger.
func Do(ctx context.Context, cfg Config, logger logx.Logger, fn Func) error {
	if logger == nil {
		logger = logx.Nop{}
	}
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded after %d attempts", attempt+1)
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			logger.Warn("max retries (%d) exhausted: %v", cfg.MaxAttempts+1, err)
			break
		}

		delay := backoff(attempt, cfg)
		logger.Debug("attempt %d failed (%v), retrying in %v", attempt+1, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// DoResult is the generic variant of Do for operations that return a value.
func DoResult[T any](ctx context.Context, cfg Config, logger logx.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result := zero
	err := Do(ctx, cfg, logger, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}

func backoff(attempt int, cfg Config) time.Duration {
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.JitterFactor > 0 {
		jitter := float64(delay) * cfg.JitterFactor
		delay += time.Duration((rand.Float64()*2 - 1) * jitter)
		if delay < 0 {
			delay = cfg.BaseDelay
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return delay
}
