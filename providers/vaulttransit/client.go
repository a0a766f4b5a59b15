package vaulttransit

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/keyguard"
)

// ClientConfig describes how to reach and authenticate against Vault.
type ClientConfig struct {
	Address   string
	Namespace string

	// Token takes precedence over AppRole credentials.
	Token    string
	RoleID   string
	SecretID string

	Logger *slog.Logger
}

// ClientConfigFromEnv reads the standard Vault environment variables:
// VAULT_ADDR, VAULT_NAMESPACE, VAULT_TOKEN, VAULT_ROLE_ID and VAULT_SECRET_ID.
func ClientConfigFromEnv() ClientConfig {
	return ClientConfig{
		Address:   os.Getenv("VAULT_ADDR"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
		Token:     os.Getenv("VAULT_TOKEN"),
		RoleID:    os.Getenv("VAULT_ROLE_ID"),
		SecretID:  os.Getenv("VAULT_SECRET_ID"),
	}
}

// NewClient creates an authenticated Vault client shared by the Transit
// backend and the KV v2 store.
//
// Authentication priority:
//  1. Token, used directly
//  2. RoleID and SecretID, exchanged through AppRole login; a renewable
//     token is kept alive by a lifetime watcher until the returned stop
//     function is called
//
// The stop function is never nil.
func NewClient(ctx context.Context, cfg ClientConfig) (*api.Client, func(), error) {
	noop := func() {}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Address == "" {
		return nil, noop, fmt.Errorf("%w: VAULT_ADDR is required", keyguard.ErrInvalidConfiguration)
	}
	config := api.DefaultConfig()
	config.Address = cfg.Address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, noop, fmt.Errorf("%w: failed to create Vault client: %w", keyguard.ErrBackendUnavailable, err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
		return client, noop, nil
	}

	if cfg.RoleID == "" || cfg.SecretID == "" {
		return nil, noop, fmt.Errorf("%w: no Vault authentication configured (set VAULT_TOKEN or VAULT_ROLE_ID+VAULT_SECRET_ID)",
			keyguard.ErrInvalidConfiguration)
	}

	resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]any{
		"role_id":   cfg.RoleID,
		"secret_id": cfg.SecretID,
	})
	if err != nil {
		return nil, noop, fmt.Errorf("%w: AppRole login failed: %w", keyguard.ErrBackendUnavailable, err)
	}
	if resp == nil || resp.Auth == nil {
		return nil, noop, fmt.Errorf("%w: no auth info returned from AppRole login", keyguard.ErrInvalidConfiguration)
	}
	client.SetToken(resp.Auth.ClientToken)

	if !resp.Auth.Renewable {
		return client, noop, nil
	}

	watcher, err := client.NewLifetimeWatcher(&api.LifetimeWatcherInput{Secret: resp})
	if err != nil {
		logger.Warn("vault token renewal disabled", "error", err)
		return client, noop, nil
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	go watcher.Start()
	go func() {
		defer watcher.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case err := <-watcher.DoneCh():
				if err != nil {
					logger.Error("vault token renewal stopped", "error", err)
				}
				return
			case <-watcher.RenewCh():
				logger.Debug("vault token renewed")
			}
		}
	}()

	return client, cancel, nil
}
