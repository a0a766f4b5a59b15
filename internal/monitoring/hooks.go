package monitoring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hengadev/keyguard"
)

// ObservabilityHook receives key-management events. Metadata carries only
// identifiers and counts, never key material or plaintext.
type ObservabilityHook interface {
	// Called before a backend or service operation starts
	OnProcessStart(ctx context.Context, operation string, metadata map[string]any)

	// Called after the operation completes (success or failure)
	OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any)

	// Called when errors occur
	OnError(ctx context.Context, operation string, err error, metadata map[string]any)

	// Called for key lifecycle events: generate, rotate, deactivate, evict, purge, delete
	OnKeyOperation(ctx context.Context, operation string, keyID string, metadata map[string]any)
}

// NoOpObservabilityHook is a no-op implementation of ObservabilityHook
type NoOpObservabilityHook struct{}

func (n *NoOpObservabilityHook) OnProcessStart(ctx context.Context, operation string, metadata map[string]any) {
}
func (n *NoOpObservabilityHook) OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any) {
}
func (n *NoOpObservabilityHook) OnError(ctx context.Context, operation string, err error, metadata map[string]any) {
}
func (n *NoOpObservabilityHook) OnKeyOperation(ctx context.Context, operation string, keyID string, metadata map[string]any) {
}

// LoggingObservabilityHook writes every event to a slog logger.
type LoggingObservabilityHook struct {
	logger *slog.Logger
}

// NewLoggingObservabilityHook creates a new logging observability hook
func NewLoggingObservabilityHook(logger *slog.Logger) *LoggingObservabilityHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObservabilityHook{logger: logger}
}

func (l *LoggingObservabilityHook) OnProcessStart(ctx context.Context, operation string, metadata map[string]any) {
	l.logger.DebugContext(ctx, "operation started", "operation", operation, "metadata", metadata)
}

func (l *LoggingObservabilityHook) OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any) {
	if err != nil {
		l.logger.WarnContext(ctx, "operation failed",
			"operation", operation, "duration", duration, "error_class", ErrorClass(err), "metadata", metadata)
		return
	}
	l.logger.DebugContext(ctx, "operation completed", "operation", operation, "duration", duration, "metadata", metadata)
}

func (l *LoggingObservabilityHook) OnError(ctx context.Context, operation string, err error, metadata map[string]any) {
	l.logger.ErrorContext(ctx, "operation error",
		"operation", operation, "error", err, "error_class", ErrorClass(err), "metadata", metadata)
}

func (l *LoggingObservabilityHook) OnKeyOperation(ctx context.Context, operation string, keyID string, metadata map[string]any) {
	l.logger.InfoContext(ctx, "key operation", "operation", operation, "key_id", keyID, "metadata", metadata)
}

// MetricsObservabilityHook collects metrics for operations
type MetricsObservabilityHook struct {
	collector MetricsCollector
}

// NewMetricsObservabilityHook creates a new metrics observability hook
func NewMetricsObservabilityHook(collector MetricsCollector) *MetricsObservabilityHook {
	if collector == nil {
		collector = &NoOpMetricsCollector{}
	}
	return &MetricsObservabilityHook{collector: collector}
}

func (m *MetricsObservabilityHook) OnProcessStart(ctx context.Context, operation string, metadata map[string]any) {
	m.collector.IncrementCounter("keyguard.operation.started", tagsFor(operation, metadata))
}

func (m *MetricsObservabilityHook) OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any) {
	tags := tagsFor(operation, metadata)
	if err != nil {
		tags["status"] = "error"
		m.collector.IncrementCounter("keyguard.operation.failed", tags)
	} else {
		tags["status"] = "success"
		m.collector.IncrementCounter("keyguard.operation.succeeded", tags)
	}
	m.collector.RecordTiming("keyguard.operation.duration", duration, tags)
}

func (m *MetricsObservabilityHook) OnError(ctx context.Context, operation string, err error, metadata map[string]any) {
	m.collector.IncrementCounter("keyguard.errors", map[string]string{
		"operation": operation,
		"class":     ErrorClass(err),
	})
}

func (m *MetricsObservabilityHook) OnKeyOperation(ctx context.Context, operation string, keyID string, metadata map[string]any) {
	m.collector.IncrementCounter("keyguard.key_operations", map[string]string{"operation": operation})
}

func tagsFor(operation string, metadata map[string]any) map[string]string {
	tags := map[string]string{"operation": operation}
	if backend, ok := metadata["backend"].(string); ok {
		tags["backend"] = backend
	}
	return tags
}

// ErrorClass names the taxonomy bucket of err for logs and metric tags.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, keyguard.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, keyguard.ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, keyguard.ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, keyguard.ErrFieldDecryptionFailed):
		return "field_decryption_failed"
	case errors.Is(err, keyguard.ErrPersistenceFailure):
		return "persistence_failure"
	case errors.Is(err, keyguard.ErrNoActiveKey):
		return "no_active_key"
	case keyguard.IsConfigurationError(err):
		return "configuration"
	default:
		return "other"
	}
}

// CompositeObservabilityHook combines multiple hooks
type CompositeObservabilityHook struct {
	hooks []ObservabilityHook
}

// NewCompositeObservabilityHook creates a new composite hook
func NewCompositeObservabilityHook(hooks ...ObservabilityHook) *CompositeObservabilityHook {
	return &CompositeObservabilityHook{hooks: hooks}
}

func (c *CompositeObservabilityHook) OnProcessStart(ctx context.Context, operation string, metadata map[string]any) {
	for _, hook := range c.hooks {
		hook.OnProcessStart(ctx, operation, metadata)
	}
}

func (c *CompositeObservabilityHook) OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any) {
	for _, hook := range c.hooks {
		hook.OnProcessComplete(ctx, operation, duration, err, metadata)
	}
}

func (c *CompositeObservabilityHook) OnError(ctx context.Context, operation string, err error, metadata map[string]any) {
	for _, hook := range c.hooks {
		hook.OnError(ctx, operation, err, metadata)
	}
}

func (c *CompositeObservabilityHook) OnKeyOperation(ctx context.Context, operation string, keyID string, metadata map[string]any) {
	for _, hook := range c.hooks {
		hook.OnKeyOperation(ctx, operation, keyID, metadata)
	}
}
