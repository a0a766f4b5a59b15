package providers

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/monitoring"
	"github.com/hengadev/keyguard/internal/reliability"
)

// stubKMS answers every call through fn so tests can shape latency and errors.
type stubKMS struct {
	calls atomic.Int32
	fn    func(ctx context.Context) error
}

func (s *stubKMS) do(ctx context.Context) error {
	s.calls.Add(1)
	if s.fn == nil {
		return nil
	}
	return s.fn(ctx)
}

func (s *stubKMS) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	return append([]byte("ct:"), plaintext...), nil
}

func (s *stubKMS) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	return ciphertext[3:], nil
}

func (s *stubKMS) GenerateKey(ctx context.Context, alias string) (string, error) {
	if err := s.do(ctx); err != nil {
		return "", err
	}
	return "key-" + alias, nil
}

func (s *stubKMS) DescribeKey(ctx context.Context, keyID string) (*keyguard.KeyMetadata, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	return &keyguard.KeyMetadata{KeyID: keyID, KeyState: keyguard.KeyStateEnabled}, nil
}

func (s *stubKMS) ListKeys(ctx context.Context) ([]keyguard.KeyMetadata, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	return []keyguard.KeyMetadata{{KeyID: "a"}}, nil
}

func (s *stubKMS) DeleteKey(ctx context.Context, keyID string) error {
	return s.do(ctx)
}

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	sr := tracetest.NewSpanRecorder()
	return sr, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range span.Attributes() {
		if kv.Key == attribute.Key(key) {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestInstrument_RoundTripRecordsSpans(t *testing.T) {
	ctx := context.Background()
	sr, tp := newRecorder()
	metrics := monitoring.NewInMemoryMetricsCollector()

	kms := Instrument(&stubKMS{}, InstrumentOptions{
		Backend: keyguard.BackendAWS,
		Tracer:  tp.Tracer("test"),
		Hook:    monitoring.NewMetricsObservabilityHook(metrics),
	})

	ct, err := kms.Encrypt(ctx, "alias/master", []byte("dek"))
	require.NoError(t, err)
	pt, err := kms.Decrypt(ctx, "alias/master", ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("dek"), pt)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "keyguard.kms.encrypt", spans[0].Name())
	assert.Equal(t, "keyguard.kms.decrypt", spans[1].Name())
	assert.Equal(t, "aws", spanAttr(spans[0], "keyguard.backend"))
	assert.Equal(t, "alias/master", spanAttr(spans[0], "keyguard.key_id"))
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	tags := map[string]string{"operation": "encrypt", "backend": "aws", "status": "success"}
	assert.Equal(t, int64(1), metrics.GetCounter("keyguard.operation.succeeded", tags))
}

func TestInstrument_KeyLifecycleHooks(t *testing.T) {
	ctx := context.Background()
	metrics := monitoring.NewInMemoryMetricsCollector()
	kms := Instrument(&stubKMS{}, InstrumentOptions{Hook: monitoring.NewMetricsObservabilityHook(metrics)})

	id, err := kms.GenerateKey(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, "key-master", id)
	require.NoError(t, kms.DeleteKey(ctx, id))

	_, err = kms.DescribeKey(ctx, id)
	require.NoError(t, err)
	keys, err := kms.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	assert.Equal(t, int64(1), metrics.GetCounter("keyguard.key_operations", map[string]string{"operation": "generate"}))
	assert.Equal(t, int64(1), metrics.GetCounter("keyguard.key_operations", map[string]string{"operation": "delete"}))
}

func TestInstrument_ErrorsPassThrough(t *testing.T) {
	sr, tp := newRecorder()
	metrics := monitoring.NewInMemoryMetricsCollector()
	stub := &stubKMS{fn: func(context.Context) error {
		return fmt.Errorf("%w: failed to encrypt with key 'k'", keyguard.ErrKeyNotFound)
	}}
	kms := Instrument(stub, InstrumentOptions{
		Tracer: tp.Tracer("test"),
		Hook:   monitoring.NewMetricsObservabilityHook(metrics),
	})

	_, err := kms.Encrypt(context.Background(), "k", []byte("x"))
	assert.ErrorIs(t, err, keyguard.ErrKeyNotFound)
	assert.False(t, keyguard.IsRetryableError(err))

	_, err = kms.GenerateKey(context.Background(), "k")
	require.Error(t, err)
	assert.Zero(t, metrics.GetCounter("keyguard.key_operations", map[string]string{"operation": "generate"}))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "key_not_found", spans[0].Status().Description)
	assert.Equal(t, int64(1), metrics.GetCounter("keyguard.errors", map[string]string{"operation": "encrypt", "class": "key_not_found"}))
	assert.Equal(t, int64(1), metrics.GetCounter("keyguard.errors", map[string]string{"operation": "generate_key", "class": "key_not_found"}))
}

func TestInstrument_TimeoutIsBackendUnavailable(t *testing.T) {
	stub := &stubKMS{fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	kms := Instrument(stub, InstrumentOptions{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := kms.Encrypt(context.Background(), "k", []byte("x"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, keyguard.ErrBackendUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, keyguard.IsRetryableError(err))
}

func TestInstrument_TimeoutKeepsBackendClassification(t *testing.T) {
	stub := &stubKMS{fn: func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("%w: failed to decrypt with key 'k': %w", keyguard.ErrBackendUnavailable, ctx.Err())
	}}
	kms := Instrument(stub, InstrumentOptions{Timeout: 10 * time.Millisecond})

	_, err := kms.Decrypt(context.Background(), "k", []byte("ct:x"))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "timed out")
	assert.ErrorIs(t, err, keyguard.ErrBackendUnavailable)
}

func TestInstrument_CircuitBreakerFailsFast(t *testing.T) {
	outage := fmt.Errorf("%w: connection refused", keyguard.ErrBackendUnavailable)
	stub := &stubKMS{fn: func(context.Context) error { return outage }}
	breaker := reliability.NewCircuitBreaker("aws", reliability.CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          time.Hour,
	})
	kms := Instrument(stub, InstrumentOptions{Breaker: breaker})
	ctx := context.Background()

	for range 2 {
		_, err := kms.Encrypt(ctx, "k", []byte("x"))
		assert.ErrorIs(t, err, outage)
	}
	assert.Equal(t, reliability.StateOpen, breaker.State())

	_, err := kms.Encrypt(ctx, "k", []byte("x"))
	assert.True(t, reliability.IsCircuitOpenError(err))
	assert.ErrorIs(t, err, keyguard.ErrBackendUnavailable)
	assert.Equal(t, int32(2), stub.calls.Load())
	assert.Same(t, breaker, kms.Breaker())
}

func TestInstrument_MissingKeysDoNotTripBreaker(t *testing.T) {
	stub := &stubKMS{fn: func(context.Context) error { return keyguard.ErrKeyNotFound }}
	breaker := reliability.NewCircuitBreaker("vault", reliability.CircuitBreakerConfig{FailureThreshold: 1})
	kms := Instrument(stub, InstrumentOptions{Breaker: breaker})

	for range 3 {
		_, err := kms.DescribeKey(context.Background(), "missing")
		assert.True(t, errors.Is(err, keyguard.ErrKeyNotFound))
	}
	assert.Equal(t, reliability.StateClosed, breaker.State())
}

func TestInstrument_Unwrap(t *testing.T) {
	stub := &stubKMS{}
	assert.Same(t, stub, Instrument(stub, InstrumentOptions{}).Unwrap())
}
