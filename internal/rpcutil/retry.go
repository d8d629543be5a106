package rpcutil

import (
	"context"
	"strings"
	"time"

	"github.com/tollgatepay/server/internal/logger"
)

// retryConfig defines retry behavior for chain RPC operations.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
	}
}

// WithRetry wraps an RPC operation with exponential backoff. Only
// transient failures (network trouble, rate limits, 5xx) are retried;
// everything else returns immediately.
func WithRetry[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	return withRetry(ctx, defaultRetryConfig(), operation)
}

func withRetry[T any](ctx context.Context, cfg retryConfig, operation func() (T, error)) (T, error) {
	var result T
	var err error

	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		result, err = operation()
		if err == nil {
			return result, nil
		}

		if ctx.Err() != nil {
			return result, err
		}
		if !isRetryableError(err) {
			return result, err
		}
		if attempt == cfg.maxRetries {
			break
		}

		delay := cfg.baseDelay * time.Duration(1<<uint(attempt))
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", cfg.maxRetries+1).
			Dur("retry_delay", delay).
			Msg("rpc.operation_retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	return result, err
}

// transientMarkers are substrings of error text the EVM and Solana RPC
// clients surface for failures a retry can cure: transport trouble,
// rate limiting, gateway-side 5xx. Anything else (not found, reverted,
// bad signature) is a verdict on the settlement, not the connection.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"network",
	"rate limit",
	"too many requests",
	"429",
	"throttle",
	"502",
	"503",
	"504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
