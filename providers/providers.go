// Package providers selects the key backend and key-material store for a
// process and decorates the backend with deadlines, tracing and hooks.
//
// Selection happens once, from keyguard.Config:
//
//	aws    AWS KMS         + AWS Secrets Manager
//	gcp    Google Cloud KMS + SQLite
//	vault  Vault Transit   + Vault KV v2
//	local  local backend   + SQLite
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/internal/clock"
	"github.com/hengadev/keyguard/internal/monitoring"
	"github.com/hengadev/keyguard/internal/reliability"
	"github.com/hengadev/keyguard/providers/awskms"
	"github.com/hengadev/keyguard/providers/awssecrets"
	"github.com/hengadev/keyguard/providers/gcpkms"
	"github.com/hengadev/keyguard/providers/local"
	"github.com/hengadev/keyguard/providers/sqlitestore"
	"github.com/hengadev/keyguard/providers/vaultkv"
	"github.com/hengadev/keyguard/providers/vaulttransit"
)

// Provider is the backend and store pair chosen for this process.
type Provider struct {
	Kind  keyguard.BackendKind
	KMS   *InstrumentedKMS
	Store keyguard.SecretStore

	closers []func() error
}

// Close releases backend clients and the store, most recently opened first.
func (p *Provider) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

type openOptions struct {
	logger  *slog.Logger
	hook    monitoring.ObservabilityHook
	tracer  trace.Tracer
	clock   clock.Clock
	scrypt  *[3]int
	breaker bool
	vault   *vaulttransit.ClientConfig
}

// Option customizes Open.
type Option func(o *openOptions) error

func WithLogger(logger *slog.Logger) Option {
	return func(o *openOptions) error {
		o.logger = logger
		return nil
	}
}

func WithHook(hook monitoring.ObservabilityHook) Option {
	return func(o *openOptions) error {
		o.hook = hook
		return nil
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *openOptions) error {
		o.tracer = tracer
		return nil
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *openOptions) error {
		o.clock = c
		return nil
	}
}

// WithLocalScrypt overrides the scrypt cost of the local backend.
func WithLocalScrypt(n, r, p int) Option {
	return func(o *openOptions) error {
		if n < 2 || n&(n-1) != 0 {
			return fmt.Errorf("%w: scrypt N must be a power of two greater than 1, got %d", keyguard.ErrInvalidConfiguration, n)
		}
		o.scrypt = &[3]int{n, r, p}
		return nil
	}
}

// WithoutCircuitBreaker disables the breaker placed in front of remote backends.
func WithoutCircuitBreaker() Option {
	return func(o *openOptions) error {
		o.breaker = false
		return nil
	}
}

// WithVaultClient replaces the VAULT_* environment variables.
func WithVaultClient(cfg vaulttransit.ClientConfig) Option {
	return func(o *openOptions) error {
		o.vault = &cfg
		return nil
	}
}

// Open validates cfg and connects the selected backend and store.
func Open(ctx context.Context, cfg keyguard.Config, opts ...Option) (*Provider, error) {
	o := openOptions{breaker: true}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.hook == nil {
		o.hook = monitoring.NewLoggingObservabilityHook(o.logger)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Provider{Kind: cfg.Backend}
	kms, err := p.open(ctx, cfg, o)
	if err != nil {
		p.Close()
		return nil, err
	}

	var breaker *reliability.CircuitBreaker
	if o.breaker && cfg.Backend != keyguard.BackendLocal {
		bc := reliability.DefaultCircuitBreakerConfig()
		bc.Clock = o.clock
		bc.OnStateChange = func(name string, from, to reliability.CircuitState) {
			o.logger.Warn("backend circuit state changed", "backend", name, "from", from.String(), "to", to.String())
		}
		breaker = reliability.NewCircuitBreaker(string(cfg.Backend), bc)
	}

	p.KMS = Instrument(kms, InstrumentOptions{
		Backend: cfg.Backend,
		Timeout: cfg.CallTimeout,
		Tracer:  o.tracer,
		Hook:    o.hook,
		Breaker: breaker,
	})

	o.logger.Info("key backend selected", "backend", string(cfg.Backend), "production", cfg.Production)
	return p, nil
}

func (p *Provider) open(ctx context.Context, cfg keyguard.Config, o openOptions) (keyguard.KeyManagementService, error) {
	switch cfg.Backend {
	case keyguard.BackendAWS:
		kms, err := awskms.New(ctx, awskms.Config{Region: cfg.AWSRegion})
		if err != nil {
			return nil, err
		}
		store, err := awssecrets.New(ctx, awssecrets.Config{Region: cfg.AWSRegion})
		if err != nil {
			return nil, err
		}
		p.Store = store
		return kms, nil

	case keyguard.BackendGCP:
		kms, err := gcpkms.New(ctx, gcpkms.Config{
			Project:  cfg.GCPProject,
			Location: cfg.GCPLocation,
			KeyRing:  cfg.GCPKeyRing,
		})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, kms.Close)
		if err := p.openSQLite(ctx, cfg); err != nil {
			return nil, err
		}
		return kms, nil

	case keyguard.BackendVault:
		clientCfg := vaulttransit.ClientConfigFromEnv()
		if o.vault != nil {
			clientCfg = *o.vault
		}
		clientCfg.Logger = o.logger
		client, stop, err := vaulttransit.NewClient(ctx, clientCfg)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func() error { stop(); return nil })
		p.Store = vaultkv.New(client, vaultkv.Config{Mount: cfg.VaultKVMount})
		return vaulttransit.New(client, vaulttransit.Config{Mount: cfg.VaultTransitMount}), nil

	case keyguard.BackendLocal:
		if err := p.openSQLite(ctx, cfg); err != nil {
			return nil, err
		}
		lc := local.Config{
			Secret:     cfg.LocalSecret,
			Salt:       cfg.LocalSalt,
			Production: cfg.Production,
			Store:      p.Store,
			Logger:     o.logger,
			Clock:      o.clock,
		}
		if o.scrypt != nil {
			lc.ScryptN, lc.ScryptR, lc.ScryptP = o.scrypt[0], o.scrypt[1], o.scrypt[2]
		}
		kms, err := local.New(ctx, lc)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, kms.Close)
		return kms, nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", keyguard.ErrInvalidConfiguration, cfg.Backend)
}

func (p *Provider) openSQLite(ctx context.Context, cfg keyguard.Config) error {
	store, err := sqlitestore.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	p.closers = append(p.closers, store.Close)
	p.Store = store
	return nil
}
