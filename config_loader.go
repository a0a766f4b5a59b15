package keyguard

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadConfigFromEnvironment loads configuration from environment variables.
//
// Backend selection follows two flags:
//   - KEYGUARD_USE_CLOUD_KMS=true selects the cloud KMS named by
//     KEYGUARD_CLOUD_PROVIDER (aws or gcp, default aws)
//   - KEYGUARD_USE_VAULT=true selects Vault Transit
//   - neither selects the local fallback backend
//
// Setting both flags is rejected. KEYGUARD_PRODUCTION=true forbids the local
// backend.
//
// Example usage (12-factor app):
//
//	// export KEYGUARD_USE_VAULT=true
//	// export KEYGUARD_PRODUCTION=true
//	// export VAULT_ADDR=https://vault.internal:8200
//
//	cfg, err := keyguard.LoadConfigFromEnvironment()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnvironment() (Config, error) {
	useCloud, err := getEnvBool(EnvUseCloudKMS)
	if err != nil {
		return Config{}, err
	}
	useVault, err := getEnvBool(EnvUseVault)
	if err != nil {
		return Config{}, err
	}
	production, err := getEnvBool(EnvProduction)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Production:        production,
		MasterKeyAlias:    os.Getenv(EnvMasterKeyAlias),
		AWSRegion:         os.Getenv(EnvAWSRegion),
		GCPProject:        os.Getenv(EnvGCPProject),
		GCPLocation:       os.Getenv(EnvGCPLocation),
		GCPKeyRing:        os.Getenv(EnvGCPKeyRing),
		VaultTransitMount: os.Getenv(EnvVaultTransitMount),
		VaultKVMount:      os.Getenv(EnvVaultKVMount),
		LocalSecret:       os.Getenv(EnvLocalSecret),
		LocalSalt:         os.Getenv(EnvLocalSalt),
		DBPath:            os.Getenv(EnvDBPath),
		RegistryFile:      os.Getenv(EnvRegistryFile),
	}

	switch {
	case useCloud && useVault:
		return Config{}, fmt.Errorf("%w: %s and %s are mutually exclusive", ErrInvalidConfiguration, EnvUseCloudKMS, EnvUseVault)
	case useCloud:
		provider := strings.ToLower(getEnvOrDefault(EnvCloudProvider, DefaultCloudProvider))
		cfg.Backend = BackendKind(provider)
		if cfg.Backend != BackendAWS && cfg.Backend != BackendGCP {
			return Config{}, fmt.Errorf("%w: %s must be aws or gcp, got %q", ErrInvalidConfiguration, EnvCloudProvider, provider)
		}
	case useVault:
		cfg.Backend = BackendVault
	default:
		cfg.Backend = BackendLocal
	}

	if raw := os.Getenv(EnvCallTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfiguration, EnvCallTimeout, err)
		}
		cfg.CallTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvBool treats an unset variable as false.
func getEnvBool(key string) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean, got %q", ErrInvalidConfiguration, key, value)
	}
	return b, nil
}
