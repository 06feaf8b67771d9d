/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package resilience retries consumer-side calls to a VM manager.
// Managers themselves never retry.
package resilience

import (
	"context"
	"time"

	"github.com/projectbeskar/vmpool/internal/config"
	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/util"
)

// NoRetryConfig returns a configuration with a single attempt
func NoRetryConfig() config.RetryConfig {
	return config.RetryConfig{MaxAttempts: 1, Multiplier: 1}
}

// IsRetryable determines if an error is retryable.
// Only categorized provider errors are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return contracts.IsRetryable(err)
}

// RetryFunc represents a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// RetryHook is called before waiting for the next attempt
type RetryHook func(attempt int, err error, delay time.Duration)

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error or runs out of attempts
func Retry(ctx context.Context, cfg config.RetryConfig, fn RetryFunc) error {
	return RetryWithHook(ctx, cfg, fn, nil)
}

// RetryWithHook is Retry with a callback before every wait
func RetryWithHook(ctx context.Context, cfg config.RetryConfig, fn RetryFunc, hook RetryHook) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	backoff := util.BackoffFromRetry(cfg)

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		// Don't delay after the last attempt
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := util.CalculateBackoff(backoff, attempt)
		if hook != nil {
			hook(attempt, err, delay)
		}
		if err := util.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}
