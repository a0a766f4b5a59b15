package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/monitoring"
	"github.com/hengadev/keyguard/internal/reliability"
)

const tracerName = "github.com/hengadev/keyguard/providers"

// InstrumentOptions configures the decorator returned by Instrument.
type InstrumentOptions struct {
	// Backend is recorded on spans and hook metadata.
	Backend keyguard.BackendKind

	// Timeout bounds each call. Zero disables the bound.
	Timeout time.Duration

	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer

	// Hook defaults to a no-op hook.
	Hook monitoring.ObservabilityHook

	// Breaker, when set, fails calls fast while the backend is down.
	Breaker *reliability.CircuitBreaker
}

// InstrumentedKMS decorates a backend with per-call deadlines, tracing and
// observability hooks. It satisfies keyguard.KeyManagementService.
type InstrumentedKMS struct {
	next    keyguard.KeyManagementService
	backend string
	timeout time.Duration
	tracer  trace.Tracer
	hook    monitoring.ObservabilityHook
	breaker *reliability.CircuitBreaker
}

// Instrument wraps kms. Wrapping an already instrumented backend wraps it again.
func Instrument(kms keyguard.KeyManagementService, opts InstrumentOptions) *InstrumentedKMS {
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Hook == nil {
		opts.Hook = &monitoring.NoOpObservabilityHook{}
	}
	return &InstrumentedKMS{
		next:    kms,
		backend: string(opts.Backend),
		timeout: opts.Timeout,
		tracer:  opts.Tracer,
		hook:    opts.Hook,
		breaker: opts.Breaker,
	}
}

// Unwrap returns the decorated backend.
func (k *InstrumentedKMS) Unwrap() keyguard.KeyManagementService {
	return k.next
}

// Breaker returns the circuit breaker, or nil when none is configured.
func (k *InstrumentedKMS) Breaker() *reliability.CircuitBreaker {
	return k.breaker
}

func (k *InstrumentedKMS) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	var out []byte
	err := k.call(ctx, "encrypt", keyID, func(ctx context.Context) error {
		var err error
		out, err = k.next.Encrypt(ctx, keyID, plaintext)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (k *InstrumentedKMS) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	var out []byte
	err := k.call(ctx, "decrypt", keyID, func(ctx context.Context) error {
		var err error
		out, err = k.next.Decrypt(ctx, keyID, ciphertext)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (k *InstrumentedKMS) GenerateKey(ctx context.Context, alias string) (string, error) {
	var keyID string
	err := k.call(ctx, "generate_key", alias, func(ctx context.Context) error {
		var err error
		keyID, err = k.next.GenerateKey(ctx, alias)
		return err
	})
	if err != nil {
		return "", err
	}
	k.hook.OnKeyOperation(ctx, "generate", keyID, map[string]any{"backend": k.backend, "alias": alias})
	return keyID, nil
}

func (k *InstrumentedKMS) DescribeKey(ctx context.Context, keyID string) (*keyguard.KeyMetadata, error) {
	var meta *keyguard.KeyMetadata
	err := k.call(ctx, "describe_key", keyID, func(ctx context.Context) error {
		var err error
		meta, err = k.next.DescribeKey(ctx, keyID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (k *InstrumentedKMS) ListKeys(ctx context.Context) ([]keyguard.KeyMetadata, error) {
	var keys []keyguard.KeyMetadata
	err := k.call(ctx, "list_keys", "", func(ctx context.Context) error {
		var err error
		keys, err = k.next.ListKeys(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (k *InstrumentedKMS) DeleteKey(ctx context.Context, keyID string) error {
	err := k.call(ctx, "delete_key", keyID, func(ctx context.Context) error {
		return k.next.DeleteKey(ctx, keyID)
	})
	if err != nil {
		return err
	}
	k.hook.OnKeyOperation(ctx, "delete", keyID, map[string]any{"backend": k.backend})
	return nil
}

func (k *InstrumentedKMS) call(ctx context.Context, op, keyID string, fn func(context.Context) error) error {
	ctx, span := k.tracer.Start(ctx, "keyguard.kms."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("keyguard.backend", k.backend),
			attribute.String("keyguard.key_id", keyID),
		),
	)
	defer span.End()

	meta := map[string]any{"backend": k.backend, "key_id": keyID}
	k.hook.OnProcessStart(ctx, op, meta)
	start := time.Now()

	run := func(ctx context.Context) error {
		if k.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, k.timeout)
			defer cancel()
		}
		err := fn(ctx)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !keyguard.IsRetryableError(err) {
			err = fmt.Errorf("%w: %s timed out after %s: %w", keyguard.ErrBackendUnavailable, op, k.timeout, err)
		}
		return err
	}

	var err error
	if k.breaker != nil {
		err = k.breaker.Execute(ctx, run)
	} else {
		err = run(ctx)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, monitoring.ErrorClass(err))
		k.hook.OnError(ctx, op, err, meta)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	k.hook.OnProcessComplete(ctx, op, time.Since(start), err, meta)
	return err
}

var _ keyguard.KeyManagementService = (*InstrumentedKMS)(nil)
