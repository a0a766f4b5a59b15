package keyguard

import "time"

// Environment variable names read by LoadConfigFromEnvironment.
const (
	EnvUseCloudKMS    = "KEYGUARD_USE_CLOUD_KMS"
	EnvCloudProvider  = "KEYGUARD_CLOUD_PROVIDER"
	EnvUseVault       = "KEYGUARD_USE_VAULT"
	EnvProduction     = "KEYGUARD_PRODUCTION"
	EnvRegistryFile   = "KEYGUARD_REGISTRY_FILE"
	EnvMasterKeyAlias = "KEYGUARD_MASTER_KEY_ALIAS"
	EnvCallTimeout    = "KEYGUARD_CALL_TIMEOUT"

	EnvAWSRegion = "KEYGUARD_AWS_REGION"

	EnvGCPProject  = "KEYGUARD_GCP_PROJECT"
	EnvGCPLocation = "KEYGUARD_GCP_LOCATION"
	EnvGCPKeyRing  = "KEYGUARD_GCP_KEY_RING"

	EnvVaultTransitMount = "KEYGUARD_VAULT_TRANSIT_MOUNT"
	EnvVaultKVMount      = "KEYGUARD_VAULT_KV_MOUNT"

	EnvLocalSecret = "KEYGUARD_LOCAL_SECRET"
	EnvLocalSalt   = "KEYGUARD_LOCAL_SALT"
	EnvDBPath      = "KEYGUARD_DB_PATH"
)

// Defaults applied by Config.Validate.
const (
	DefaultCloudProvider     = "aws"
	DefaultMasterKeyAlias    = "keyguard-master"
	DefaultCallTimeout       = 10 * time.Second
	DefaultGCPLocation       = "global"
	DefaultGCPKeyRing        = "keyguard"
	DefaultVaultTransitMount = "transit"
	DefaultVaultKVMount      = "secret"
	DefaultDBPath            = ".keyguard/keys.db"

	// Development-only fallbacks for the local backend. Production refuses
	// the local backend outright, so these never protect real data.
	DefaultLocalSecret = "keyguard-development-secret"
	DefaultLocalSalt   = "keyguard-development-salt"
)

// Secret store path prefixes.
const (
	DataKeyPathPrefix    = "data-keys/"
	SigningKeyPathPrefix = "jwt-keys/"
	LocalKeyPathPrefix   = "local-kms/keys/"
)
