// Package awssecrets implements keyguard.SecretStore on AWS Secrets Manager.
//
// Each keyguard path becomes one secret named "<prefix><path>" holding the
// value as SecretBinary.
package awssecrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/hengadev/keyguard"
)

// DefaultNamePrefix namespaces keyguard secrets in the account.
const DefaultNamePrefix = "keyguard/"

// secretsManagerClient interface for AWS Secrets Manager operations (allows mocking)
type secretsManagerClient interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// Config holds configuration for AWS Secrets Manager service.
type Config struct {
	// Region is the AWS region (e.g., "us-east-1")
	// If empty, uses AWS_REGION environment variable or AWS config file
	Region string

	// AWSConfig is an optional pre-configured AWS config
	// If provided, Region is ignored
	AWSConfig *aws.Config

	// NamePrefix is prepended to every path; DefaultNamePrefix when empty.
	NamePrefix string
}

// SecretsManagerStore implements keyguard.SecretStore using AWS Secrets Manager.
type SecretsManagerStore struct {
	client secretsManagerClient
	region string
	prefix string
}

// New creates a new AWS Secrets Manager store instance.
//
// Usage:
//
//	store, err := awssecrets.New(ctx, awssecrets.Config{Region: "us-east-1"})
func New(ctx context.Context, cfg Config) (*SecretsManagerStore, error) {
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
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", keyguard.ErrPersistenceFailure, err)
		}
	}

	return newWithClient(secretsmanager.NewFromConfig(awsConfig), awsConfig.Region, cfg.NamePrefix), nil
}

func newWithClient(client secretsManagerClient, region, prefix string) *SecretsManagerStore {
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	return &SecretsManagerStore{client: client, region: region, prefix: prefix}
}

// SecretName returns the Secrets Manager name used for path.
//
// Example: "jwt-keys/jwt_key_1" → "keyguard/jwt-keys/jwt_key_1"
func (s *SecretsManagerStore) SecretName(path string) string {
	return s.prefix + path
}

// PutSecret updates the secret, creating it on first write.
func (s *SecretsManagerStore) PutSecret(ctx context.Context, path string, value []byte) error {
	if path == "" {
		return fmt.Errorf("%w: secret path cannot be empty", keyguard.ErrInvalidConfiguration)
	}
	name := s.SecretName(path)

	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretBinary: value,
	})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("%w: failed to update '%s' in Secrets Manager: %w", keyguard.ErrPersistenceFailure, name, err)
	}

	_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		Description:  aws.String("keyguard key material"),
		SecretBinary: value,
		Tags:         []types.Tag{{Key: aws.String("managed-by"), Value: aws.String("keyguard")}},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create '%s' in Secrets Manager: %w", keyguard.ErrPersistenceFailure, name, err)
	}
	return nil
}

func (s *SecretsManagerStore) GetSecret(ctx context.Context, path string) ([]byte, error) {
	name := s.SecretName(path)

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", keyguard.ErrSecretNotFound, path)
		}
		return nil, fmt.Errorf("%w: failed to read '%s' from Secrets Manager: %w", keyguard.ErrPersistenceFailure, name, err)
	}

	if result.SecretBinary != nil {
		return result.SecretBinary, nil
	}
	if result.SecretString != nil {
		return []byte(*result.SecretString), nil
	}
	return nil, fmt.Errorf("%w: %s", keyguard.ErrSecretNotFound, path)
}

func (s *SecretsManagerStore) ListSecrets(ctx context.Context, prefix string) ([]string, error) {
	namePrefix := s.SecretName(prefix)
	paginator := secretsmanager.NewListSecretsPaginator(s.client, &secretsmanager.ListSecretsInput{
		Filters: []types.Filter{{
			Key:    types.FilterNameStringTypeName,
			Values: []string{namePrefix},
		}},
	})

	var paths []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list secrets: %w", keyguard.ErrPersistenceFailure, err)
		}
		for _, entry := range page.SecretList {
			name := aws.ToString(entry.Name)
			// The name filter is case-insensitive; keep exact matches only.
			if entry.DeletedDate != nil || !strings.HasPrefix(name, namePrefix) {
				continue
			}
			paths = append(paths, strings.TrimPrefix(name, s.prefix))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// DeleteSecret removes the secret without a recovery window so the name can
// be reused immediately.
func (s *SecretsManagerStore) DeleteSecret(ctx context.Context, path string) error {
	name := s.SecretName(path)

	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(name),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("%w: failed to delete '%s' from Secrets Manager: %w", keyguard.ErrPersistenceFailure, name, err)
	}
	return nil
}

// Region returns the AWS region this Secrets Manager store is configured for.
func (s *SecretsManagerStore) Region() string {
	return s.region
}

var _ keyguard.SecretStore = (*SecretsManagerStore)(nil)
