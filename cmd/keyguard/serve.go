package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/health"
	"github.com/hengadev/keyguard/internal/monitoring"
	"github.com/hengadev/keyguard/internal/reliability"
	"github.com/hengadev/keyguard/providers"
	"github.com/hengadev/keyguard/signing"
)

const shutdownTimeout = 30 * time.Second

type serveFlags struct {
	addr         string
	otelEndpoint string
	otelInsecure bool
	sampling     float64
}

func newServeCmd(a *app) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, signing-key and field endpoints over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, f)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&f.otelEndpoint, "otel-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP gRPC endpoint; tracing is off when empty")
	cmd.Flags().BoolVar(&f.otelInsecure, "otel-insecure", false, "Disable TLS to the OTLP endpoint")
	cmd.Flags().Float64Var(&f.sampling, "otel-sampling", 1.0, "Trace sampling rate between 0 and 1")
	return cmd
}

func (a *app) serve(ctx context.Context, f serveFlags) error {
	tp, err := monitoring.InitTracer(ctx, monitoring.TracingConfig{
		Enabled:      f.otelEndpoint != "",
		Endpoint:     f.otelEndpoint,
		ServiceName:  "keyguard",
		SamplingRate: f.sampling,
		Insecure:     f.otelInsecure,
	})
	if err != nil {
		return err
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("failed to shut down tracer", "error", err)
			}
		}()
		a.trace = true
		if err := a.setupLogger(os.Stderr); err != nil {
			return err
		}
	}

	metrics := monitoring.NewInMemoryMetricsCollector()
	a.hook = monitoring.NewCompositeObservabilityHook(
		monitoring.NewLoggingObservabilityHook(a.logger),
		monitoring.NewMetricsObservabilityHook(metrics),
	)

	p, cfg, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	fields, err := a.fieldService(p, cfg)
	if err != nil {
		return err
	}
	defer fields.Close()

	keys := signing.NewLazy(func(ctx context.Context) (*signing.Manager, error) {
		return a.signingManager(ctx, p, cfg)
	})
	defer keys.Destroy()
	m, err := keys.Get(ctx)
	if err != nil {
		return err
	}
	m.Start()

	checker, err := healthChecker(p, cfg, func() string {
		m, err := keys.Get(ctx)
		if err != nil {
			return ""
		}
		return m.CurrentKeyID()
	})
	if err != nil {
		return err
	}

	s := &server{fields: fields, keys: keys, health: checker, metrics: metrics, logger: a.logger}
	srv := &http.Server{
		Addr:              f.addr,
		Handler:           otelhttp.NewHandler(s.routes(), "keyguard"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", "addr", f.addr, "backend", string(p.Kind))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}

func healthChecker(p *providers.Provider, cfg keyguard.Config, currentKeyID func() string) (*health.HealthChecker, error) {
	hc := health.NewHealthChecker(keyguard.Version)
	checks := []*health.HealthCheck{
		health.BackendHealthCheck(p.KMS, cfg.MasterKeyAlias),
		health.StoreHealthCheck(p.Store),
		health.SigningHealthCheck(currentKeyID),
	}
	if breaker := p.KMS.Breaker(); breaker != nil {
		checks = append(checks, health.CircuitBreakerHealthCheck("backend_circuit", func() bool {
			return breaker.State() == reliability.StateClosed
		}))
	}
	for _, c := range checks {
		if err := hc.RegisterCheck(c); err != nil {
			return nil, err
		}
	}
	return hc, nil
}
