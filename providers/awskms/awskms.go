// Package awskms provides the AWS Key Management Service (KMS) backend for keyguard.
//
// Keys are symmetric KMS keys. Friendly names are KMS aliases ("alias/<name>");
// every method accepts a key id, key ARN, alias name or bare alias.
package awskms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"github.com/hengadev/keyguard"
)

const (
	// DefaultDeletionWindowDays is the grace window AWS applies before destroying a key.
	DefaultDeletionWindowDays int32 = 30
	minDeletionWindowDays     int32 = 7
	maxDeletionWindowDays     int32 = 30

	aliasPrefix = "alias/"
	keyDesc     = "keyguard managed key"
)

// kmsClient interface for AWS KMS operations (allows mocking)
type kmsClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	CreateAlias(ctx context.Context, params *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	ListKeys(ctx context.Context, params *kms.ListKeysInput, optFns ...func(*kms.Options)) (*kms.ListKeysOutput, error)
	ListAliases(ctx context.Context, params *kms.ListAliasesInput, optFns ...func(*kms.Options)) (*kms.ListAliasesOutput, error)
	ScheduleKeyDeletion(ctx context.Context, params *kms.ScheduleKeyDeletionInput, optFns ...func(*kms.Options)) (*kms.ScheduleKeyDeletionOutput, error)
}

// KMSService implements keyguard.KeyManagementService using AWS KMS.
type KMSService struct {
	client         kmsClient
	region         string
	deletionWindow int32
}

// Config holds configuration for AWS KMS service.
type Config struct {
	// Region is the AWS region (e.g., "us-east-1")
	// If empty, uses AWS_REGION environment variable or AWS config file
	Region string

	// AWSConfig is an optional pre-configured AWS config
	// If provided, Region is ignored
	AWSConfig *aws.Config

	// DeletionWindowDays is the pending window for DeleteKey, between 7 and 30.
	// Zero means DefaultDeletionWindowDays.
	DeletionWindowDays int32
}

// New creates a new AWS KMS service instance.
//
// Usage:
//
//	// Using default AWS configuration
//	kmsService, err := awskms.New(ctx, awskms.Config{})
//
//	// With specific region
//	kmsService, err := awskms.New(ctx, awskms.Config{Region: "us-east-1"})
func New(ctx context.Context, cfg Config) (*KMSService, error) {
	window := cfg.DeletionWindowDays
	if window == 0 {
		window = DefaultDeletionWindowDays
	}
	if window < minDeletionWindowDays || window > maxDeletionWindowDays {
		return nil, fmt.Errorf("%w: deletion window must be between %d and %d days, got %d",
			keyguard.ErrInvalidConfiguration, minDeletionWindowDays, maxDeletionWindowDays, window)
	}

	var awsConfig aws.Config
	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}

		var err error
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", keyguard.ErrBackendUnavailable, err)
		}
	}

	return newWithClient(kms.NewFromConfig(awsConfig), awsConfig.Region, window), nil
}

func newWithClient(client kmsClient, region string, window int32) *KMSService {
	return &KMSService{client: client, region: region, deletionWindow: window}
}

// keyRef normalizes a reference so bare aliases gain the "alias/" prefix.
// Key ids (UUIDs and multi-region "mrk-" ids), ARNs and prefixed aliases pass through.
func keyRef(ref string) string {
	switch {
	case strings.HasPrefix(ref, aliasPrefix), strings.HasPrefix(ref, "arn:"), strings.HasPrefix(ref, "mrk-"):
		return ref
	}
	if _, err := uuid.Parse(ref); err == nil {
		return ref
	}
	return aliasPrefix + ref
}

// Encrypt encrypts plaintext (at most 4 KiB) directly under the KMS key.
// The returned bytes are the raw KMS ciphertext blob.
func (k *KMSService) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: key id cannot be empty", keyguard.ErrInvalidConfiguration)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", keyguard.ErrEncryptionFailed)
	}

	ref := keyRef(keyID)
	result, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(ref),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, mapError("encrypt with", ref, err)
	}
	if len(result.CiphertextBlob) == 0 {
		return nil, fmt.Errorf("%w: no ciphertext returned from KMS", keyguard.ErrBackendUnavailable)
	}
	return result.CiphertextBlob, nil
}

// Decrypt decrypts a ciphertext blob produced by Encrypt. Passing keyID makes
// KMS reject blobs that belong to a different key.
func (k *KMSService) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", keyguard.ErrDecryptionFailed)
	}

	input := &kms.DecryptInput{CiphertextBlob: ciphertext}
	ref := ""
	if keyID != "" {
		ref = keyRef(keyID)
		input.KeyId = aws.String(ref)
	}

	result, err := k.client.Decrypt(ctx, input)
	if err != nil {
		return nil, mapError("decrypt with", ref, err)
	}
	if result.Plaintext == nil {
		return nil, fmt.Errorf("%w: no plaintext returned from KMS", keyguard.ErrBackendUnavailable)
	}
	return result.Plaintext, nil
}

// GenerateKey creates a symmetric KMS key and, when alias is set, points
// "alias/<alias>" at it.
func (k *KMSService) GenerateKey(ctx context.Context, alias string) (string, error) {
	input := &kms.CreateKeyInput{
		Description: aws.String(keyDesc),
		KeyUsage:    types.KeyUsageTypeEncryptDecrypt,
		KeySpec:     types.KeySpecSymmetricDefault,
		MultiRegion: aws.Bool(false),
		Tags:        []types.Tag{{TagKey: aws.String("managed-by"), TagValue: aws.String("keyguard")}},
	}
	if alias != "" {
		input.Description = aws.String(keyDesc + ": " + strings.TrimPrefix(alias, aliasPrefix))
	}

	result, err := k.client.CreateKey(ctx, input)
	if err != nil {
		return "", mapError("create", "key", err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned after creation", keyguard.ErrBackendUnavailable)
	}
	keyID := *result.KeyMetadata.KeyId

	if alias != "" {
		name := aliasPrefix + strings.TrimPrefix(alias, aliasPrefix)
		_, err := k.client.CreateAlias(ctx, &kms.CreateAliasInput{
			AliasName:   aws.String(name),
			TargetKeyId: aws.String(keyID),
		})
		if err != nil {
			var exists *types.AlreadyExistsException
			if errors.As(err, &exists) {
				err = fmt.Errorf("%w: alias %s already exists", keyguard.ErrInvalidConfiguration, name)
			} else {
				err = mapError("create alias", name, err)
			}
			return "", errors.Join(err, k.discard(ctx, keyID))
		}
	}

	return keyID, nil
}

// discard schedules deletion of a key that was created but never became
// addressable, with the shortest window AWS allows.
func (k *KMSService) discard(ctx context.Context, keyID string) error {
	_, err := k.client.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(keyID),
		PendingWindowInDays: aws.Int32(minDeletionWindowDays),
	})
	if err != nil {
		return mapError("discard", keyID, err)
	}
	return nil
}

// DescribeKey returns metadata for a key id, ARN or alias.
func (k *KMSService) DescribeKey(ctx context.Context, keyID string) (*keyguard.KeyMetadata, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: key id cannot be empty", keyguard.ErrInvalidConfiguration)
	}

	ref := keyRef(keyID)
	result, err := k.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(ref)})
	if err != nil {
		return nil, mapError("describe", ref, err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return nil, fmt.Errorf("%w: no key metadata returned for %s", keyguard.ErrBackendUnavailable, ref)
	}

	meta := toMetadata(result.KeyMetadata)
	if strings.HasPrefix(ref, aliasPrefix) {
		meta.Alias = strings.TrimPrefix(ref, aliasPrefix)
	}
	return &meta, nil
}

// ListKeys returns every key in the account and region, with aliases attached.
// AWS-managed keys ("alias/aws/...") are skipped.
func (k *KMSService) ListKeys(ctx context.Context) ([]keyguard.KeyMetadata, error) {
	aliases := make(map[string]string)
	aliasPages := kms.NewListAliasesPaginator(k.client, &kms.ListAliasesInput{})
	for aliasPages.HasMorePages() {
		page, err := aliasPages.NextPage(ctx)
		if err != nil {
			return nil, mapError("list", "aliases", err)
		}
		for _, a := range page.Aliases {
			if a.TargetKeyId == nil || a.AliasName == nil {
				continue
			}
			aliases[*a.TargetKeyId] = strings.TrimPrefix(*a.AliasName, aliasPrefix)
		}
	}

	var keys []keyguard.KeyMetadata
	keyPages := kms.NewListKeysPaginator(k.client, &kms.ListKeysInput{})
	for keyPages.HasMorePages() {
		page, err := keyPages.NextPage(ctx)
		if err != nil {
			return nil, mapError("list", "keys", err)
		}
		for _, entry := range page.Keys {
			if entry.KeyId == nil {
				continue
			}
			if alias := aliases[*entry.KeyId]; strings.HasPrefix(alias, "aws/") {
				continue
			}
			out, err := k.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: entry.KeyId})
			if err != nil {
				return nil, mapError("describe", *entry.KeyId, err)
			}
			if out.KeyMetadata == nil {
				continue
			}
			meta := toMetadata(out.KeyMetadata)
			meta.Alias = aliases[*entry.KeyId]
			keys = append(keys, meta)
		}
	}
	return keys, nil
}

// DeleteKey schedules the key for deletion after the configured window.
// Aliases are resolved first since ScheduleKeyDeletion only accepts key ids.
func (k *KMSService) DeleteKey(ctx context.Context, keyID string) error {
	meta, err := k.DescribeKey(ctx, keyID)
	if err != nil {
		return err
	}

	_, err = k.client.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(meta.KeyID),
		PendingWindowInDays: aws.Int32(k.deletionWindow),
	})
	if err != nil {
		return mapError("schedule deletion of", meta.KeyID, err)
	}
	return nil
}

// Region returns the AWS region this KMS service is configured for.
func (k *KMSService) Region() string {
	return k.region
}

func toMetadata(m *types.KeyMetadata) keyguard.KeyMetadata {
	meta := keyguard.KeyMetadata{
		KeyID:       aws.ToString(m.KeyId),
		Algorithm:   string(m.KeySpec),
		KeyState:    toState(m.KeyState),
		Description: aws.ToString(m.Description),
	}
	if meta.Algorithm == string(types.KeySpecSymmetricDefault) {
		meta.Algorithm = "AES_256"
	}
	if m.CreationDate != nil {
		meta.CreatedAt = *m.CreationDate
	}
	return meta
}

func toState(s types.KeyState) keyguard.KeyState {
	switch s {
	case types.KeyStateEnabled:
		return keyguard.KeyStateEnabled
	case types.KeyStatePendingDeletion, types.KeyStatePendingReplicaDeletion:
		return keyguard.KeyStatePendingDeletion
	default:
		return keyguard.KeyStateDisabled
	}
}

// mapError translates AWS KMS exceptions into the keyguard error taxonomy.
func mapError(op, ref string, err error) error {
	var (
		notFound     *types.NotFoundException
		disabled     *types.DisabledException
		invalidState *types.KMSInvalidStateException
		badCipher    *types.InvalidCiphertextException
		wrongKey     *types.IncorrectKeyException
		badUsage     *types.InvalidKeyUsageException
	)

	switch {
	case errors.As(err, &notFound), errors.As(err, &disabled), errors.As(err, &invalidState):
		return fmt.Errorf("%w: failed to %s KMS key %s: %w", keyguard.ErrKeyNotFound, op, ref, err)
	case errors.As(err, &badCipher), errors.As(err, &wrongKey):
		return fmt.Errorf("%w: failed to %s KMS key %s: %w", keyguard.ErrAuthenticationFailed, op, ref, err)
	case errors.As(err, &badUsage):
		return fmt.Errorf("%w: failed to %s KMS key %s: %w", keyguard.ErrInvalidConfiguration, op, ref, err)
	default:
		return fmt.Errorf("%w: failed to %s KMS key %s: %w", keyguard.ErrBackendUnavailable, op, ref, err)
	}
}

var _ keyguard.KeyManagementService = (*KMSService)(nil)
