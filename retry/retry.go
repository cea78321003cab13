// Package retry provides bounded exponential backoff for transient RPC
// failures. Settlement uses it only for the pre-broadcast phase; a
// transaction that may have reached the network is never resubmitted.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // backoff ceiling
	Multiplier   float64       // backoff growth factor
}

// DefaultPolicy suits short RPC reads (nonce fetch, gas estimate,
// price lookup).
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
}

// Classifier reports whether an error is worth another attempt.
type Classifier func(error) bool

// Do runs fn up to policy.MaxAttempts times, backing off between
// attempts and honoring context cancellation. A non-retryable error
// returns immediately.
func Do[T any](ctx context.Context, policy Policy, retryable Classifier, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := policy.InitialDelay

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt < policy.MaxAttempts-1 {
			select {
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * policy.Multiplier)
				if delay > policy.MaxDelay {
					delay = policy.MaxDelay
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("retries exhausted: %w", lastErr)
}

// Transient classifies the usual transient RPC failures: timeouts,
// connection resets and refusals, and rate limiting.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporarily unavailable",
		"too many requests",
		"rate limit",
		"503",
		"502",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
