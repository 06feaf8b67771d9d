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

package logging

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/projectbeskar/vmpool/internal/config"
)

// ContextKey represents the type for context keys
type ContextKey string

const (
	// CorrelationIDKey is the context key for correlation IDs
	CorrelationIDKey ContextKey = "correlationID"
	// ProviderKey is the context key for the provider name
	ProviderKey ContextKey = "provider"
	// RegionKey is the context key for the logical region
	RegionKey ContextKey = "region"
	// VMKey is the context key for the provider VM id
	VMKey ContextKey = "vm"
	// OperationKey is the context key for the lifecycle operation
	OperationKey ContextKey = "operation"
)

// New builds a zap-backed logr.Logger from the logging configuration
func New(cfg config.LogConfig) (logr.Logger, error) {
	zapConfig := zap.NewProductionConfig()

	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig.Encoding = "json"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapConfig.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	if cfg.Sampling {
		zapConfig.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	} else {
		zapConfig.Sampling = nil
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to build logger: %w", err)
	}

	return zapr.NewLogger(zapLogger), nil
}

// parseLevel maps a level name to a zap level, defaulting to info
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// IntoContext stores the logger in the context
func IntoContext(ctx context.Context, logger logr.Logger) context.Context {
	return logr.NewContext(ctx, logger)
}

// FromContext returns the context logger enriched with correlation fields.
// A context without a logger yields a discarding logger.
func FromContext(ctx context.Context) logr.Logger {
	return enrichLogger(ctx, logr.FromContextOrDiscard(ctx))
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithProvider adds provider and region correlation to context
func WithProvider(ctx context.Context, provider, region string) context.Context {
	ctx = context.WithValue(ctx, ProviderKey, provider)
	return context.WithValue(ctx, RegionKey, region)
}

// WithVM adds the VM id to context
func WithVM(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, VMKey, id)
}

// WithOperation adds the lifecycle operation to context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

// enrichLogger adds correlation fields from context to logger
func enrichLogger(ctx context.Context, logger logr.Logger) logr.Logger {
	fields := make([]interface{}, 0, 10)

	for _, key := range []ContextKey{CorrelationIDKey, ProviderKey, RegionKey, VMKey, OperationKey} {
		if val := ctx.Value(key); val != nil {
			fields = append(fields, string(key), val)
		}
	}

	if len(fields) > 0 {
		return logger.WithValues(fields...)
	}
	return logger
}

// Redactor provides secure logging by redacting sensitive information
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with common sensitive patterns
func NewRedactor() *Redactor {
	patterns := []*regexp.Regexp{
		// Passwords in URLs
		regexp.MustCompile(`://[^:/]*:([^@]*?)@`),
		// Bearer tokens in headers
		regexp.MustCompile(`(?i)bearer\s+([A-Za-z0-9._~+/=-]+)`),
		// API keys, tokens and VM credentials
		regexp.MustCompile(`(?i)(?:api[_-]?key|token|secret|password|passwd|pass)\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
		// Cloud-init user data may contain secrets
		regexp.MustCompile(`(?i)(?:user[_-]?data|userdata)\s*[:=]\s*["']?([^"'\n]{20,})["']?`),
	}

	return &Redactor{patterns: patterns}
}

// Redact removes sensitive information from strings
func (r *Redactor) Redact(input string) string {
	result := input
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			submatches := pattern.FindStringSubmatch(match)
			if len(submatches) > 1 && submatches[1] != "" {
				return strings.Replace(match, submatches[1], "[REDACTED]", 1)
			}
			return match
		})
	}
	return result
}

// RedactMap redacts values in a map
func (r *Redactor) RedactMap(input map[string]string) map[string]string {
	if input == nil {
		return nil
	}

	result := make(map[string]string, len(input))
	for k, v := range input {
		if isSensitiveKey(k) {
			result[k] = "[REDACTED]"
		} else {
			result[k] = r.Redact(v)
		}
	}
	return result
}

var globalRedactor = NewRedactor()

// RedactString is a convenience function for global redaction
func RedactString(input string) string {
	return globalRedactor.Redact(input)
}

// RedactMap is a convenience function for global map redaction
func RedactMap(input map[string]string) map[string]string {
	return globalRedactor.RedactMap(input)
}

// RedactError returns err with its message redacted, or nil
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	return redactedError{msg: RedactString(err.Error()), cause: err}
}

// redactedError keeps the chain for errors.Is/As while printing the redacted message
type redactedError struct {
	msg   string
	cause error
}

func (e redactedError) Error() string { return e.msg }

func (e redactedError) Unwrap() error { return e.cause }

// RedactValues redacts a logr key/value list. Values of sensitive keys are
// masked, strings and errors are passed through the redactor.
func RedactValues(keysAndValues ...interface{}) []interface{} {
	out := make([]interface{}, len(keysAndValues))
	copy(out, keysAndValues)
	for i := 1; i < len(out); i += 2 {
		if key, ok := out[i-1].(string); ok && isSensitiveKey(key) {
			out[i] = "[REDACTED]"
			continue
		}
		switch v := out[i].(type) {
		case string:
			out[i] = RedactString(v)
		case error:
			out[i] = RedactString(v.Error())
		case fmt.Stringer:
			out[i] = RedactString(v.String())
		}
	}
	return out
}

// isSensitiveKey checks if a key name indicates sensitive data
func isSensitiveKey(key string) bool {
	sensitiveKeys := []string{
		"password", "passwd", "pass", "secret", "token", "auth",
		"credential", "api_key", "apikey", "userdata", "user_data",
	}

	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}
