// Package gcpkms provides the Google Cloud KMS backend for keyguard.
//
// Keys are symmetric CryptoKeys inside one key ring. The alias doubles as the
// CryptoKey id and is also recorded in the "alias" label. The key ring must
// already exist.
package gcpkms

import (
	"context"
	"fmt"
	"strings"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"
	"github.com/hengadev/keyguard"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	aliasLabel     = "alias"
	managedByLabel = "managed-by"
)

// cryptoKeyIterator is the subset of *kms.CryptoKeyIterator used for listing.
type cryptoKeyIterator interface {
	Next() (*kmspb.CryptoKey, error)
}

// kmsClient interface for Cloud KMS operations (allows mocking)
type kmsClient interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest, opts ...gax.CallOption) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
	GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest, opts ...gax.CallOption) (*kmspb.CryptoKey, error)
	CreateCryptoKey(ctx context.Context, req *kmspb.CreateCryptoKeyRequest, opts ...gax.CallOption) (*kmspb.CryptoKey, error)
	ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest, opts ...gax.CallOption) cryptoKeyIterator
	DestroyCryptoKeyVersion(ctx context.Context, req *kmspb.DestroyCryptoKeyVersionRequest, opts ...gax.CallOption) (*kmspb.CryptoKeyVersion, error)
	Close() error
}

// grpcClient narrows the iterator return type of the generated client.
type grpcClient struct {
	*kms.KeyManagementClient
}

func (c grpcClient) ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest, opts ...gax.CallOption) cryptoKeyIterator {
	return c.KeyManagementClient.ListCryptoKeys(ctx, req, opts...)
}

// Config holds configuration for the Cloud KMS backend.
type Config struct {
	Project  string
	Location string // defaults to "global"
	KeyRing  string // defaults to "keyguard"

	// ClientOptions are passed to the Cloud KMS client (credentials, endpoint).
	ClientOptions []option.ClientOption
}

// KMSService implements keyguard.KeyManagementService using Google Cloud KMS.
type KMSService struct {
	client  kmsClient
	keyRing string
}

// New dials Cloud KMS and returns a service scoped to the configured key ring.
func New(ctx context.Context, cfg Config) (*KMSService, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("%w: GCP project is required", keyguard.ErrInvalidConfiguration)
	}
	if cfg.Location == "" {
		cfg.Location = keyguard.DefaultGCPLocation
	}
	if cfg.KeyRing == "" {
		cfg.KeyRing = keyguard.DefaultGCPKeyRing
	}

	client, err := kms.NewKeyManagementClient(ctx, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Cloud KMS client: %w", keyguard.ErrBackendUnavailable, err)
	}

	keyRing := fmt.Sprintf("projects/%s/locations/%s/keyRings/%s", cfg.Project, cfg.Location, cfg.KeyRing)
	return newWithClient(grpcClient{client}, keyRing), nil
}

func newWithClient(client kmsClient, keyRing string) *KMSService {
	return &KMSService{client: client, keyRing: keyRing}
}

// KeyRing returns the full resource name of the key ring.
func (s *KMSService) KeyRing() string {
	return s.keyRing
}

// Close releases the underlying gRPC connection.
func (s *KMSService) Close() error {
	return s.client.Close()
}

// keyName resolves an alias or short id to a CryptoKey resource name.
func (s *KMSService) keyName(ref string) string {
	if strings.HasPrefix(ref, "projects/") {
		return ref
	}
	return s.keyRing + "/cryptoKeys/" + ref
}

func (s *KMSService) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: key id cannot be empty", keyguard.ErrInvalidConfiguration)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", keyguard.ErrEncryptionFailed)
	}

	resp, err := s.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      s.keyName(keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, mapError("encrypt", keyID, err)
	}
	return resp.Ciphertext, nil
}

func (s *KMSService) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: key id cannot be empty", keyguard.ErrInvalidConfiguration)
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", keyguard.ErrDecryptionFailed)
	}

	resp, err := s.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       s.keyName(keyID),
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, mapError("decrypt", keyID, err)
	}
	return resp.Plaintext, nil
}

// GenerateKey creates a symmetric CryptoKey. An empty alias gets a generated
// "keyguard-<uuid>" id.
func (s *KMSService) GenerateKey(ctx context.Context, alias string) (string, error) {
	id := alias
	if id == "" {
		id = "keyguard-" + uuid.NewString()
	}

	labels := map[string]string{managedByLabel: "keyguard"}
	if alias != "" {
		labels[aliasLabel] = alias
	}

	key, err := s.client.CreateCryptoKey(ctx, &kmspb.CreateCryptoKeyRequest{
		Parent:      s.keyRing,
		CryptoKeyId: id,
		CryptoKey: &kmspb.CryptoKey{
			Purpose: kmspb.CryptoKey_ENCRYPT_DECRYPT,
			VersionTemplate: &kmspb.CryptoKeyVersionTemplate{
				Algorithm: kmspb.CryptoKeyVersion_GOOGLE_SYMMETRIC_ENCRYPTION,
			},
			Labels: labels,
		},
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return "", fmt.Errorf("%w: key '%s' already exists", keyguard.ErrInvalidConfiguration, id)
		}
		return "", mapError("generate key", id, err)
	}
	return key.Name, nil
}

func (s *KMSService) DescribeKey(ctx context.Context, keyID string) (*keyguard.KeyMetadata, error) {
	key, err := s.client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: s.keyName(keyID)})
	if err != nil {
		return nil, mapError("describe key", keyID, err)
	}
	meta := toMetadata(key)
	return &meta, nil
}

func (s *KMSService) ListKeys(ctx context.Context) ([]keyguard.KeyMetadata, error) {
	it := s.client.ListCryptoKeys(ctx, &kmspb.ListCryptoKeysRequest{Parent: s.keyRing})

	var keys []keyguard.KeyMetadata
	for {
		key, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapError("list keys", s.keyRing, err)
		}
		keys = append(keys, toMetadata(key))
	}
	return keys, nil
}

// DeleteKey schedules destruction of the primary version. Cloud KMS keeps the
// version in DESTROY_SCHEDULED for the key's destroy-scheduled duration.
func (s *KMSService) DeleteKey(ctx context.Context, keyID string) error {
	key, err := s.client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: s.keyName(keyID)})
	if err != nil {
		return mapError("delete key", keyID, err)
	}
	if key.Primary == nil {
		return keyguard.NewKeyNotFoundError(keyID)
	}

	if _, err := s.client.DestroyCryptoKeyVersion(ctx, &kmspb.DestroyCryptoKeyVersionRequest{
		Name: key.Primary.Name,
	}); err != nil {
		return mapError("delete key", keyID, err)
	}
	return nil
}

func toMetadata(key *kmspb.CryptoKey) keyguard.KeyMetadata {
	meta := keyguard.KeyMetadata{
		KeyID:    key.Name,
		Alias:    key.Labels[aliasLabel],
		KeyState: keyguard.KeyStateDisabled,
	}
	if key.VersionTemplate != nil {
		meta.Algorithm = key.VersionTemplate.Algorithm.String()
	}
	if key.CreateTime != nil {
		meta.CreatedAt = key.CreateTime.AsTime()
	}
	if key.Primary != nil {
		meta.KeyState = toState(key.Primary.State)
	}
	return meta
}

func toState(s kmspb.CryptoKeyVersion_CryptoKeyVersionState) keyguard.KeyState {
	switch s {
	case kmspb.CryptoKeyVersion_ENABLED:
		return keyguard.KeyStateEnabled
	case kmspb.CryptoKeyVersion_DESTROY_SCHEDULED, kmspb.CryptoKeyVersion_DESTROYED:
		return keyguard.KeyStatePendingDeletion
	default:
		return keyguard.KeyStateDisabled
	}
}

// mapError maps gRPC status codes onto the keyguard error taxonomy.
func mapError(op, ref string, err error) error {
	switch status.Code(err) {
	case codes.NotFound, codes.FailedPrecondition:
		return fmt.Errorf("%w: failed to %s with key '%s': %w", keyguard.ErrKeyNotFound, op, ref, err)
	case codes.InvalidArgument:
		if op == "decrypt" {
			return fmt.Errorf("%w: failed to %s with key '%s': %w", keyguard.ErrAuthenticationFailed, op, ref, err)
		}
	}
	return fmt.Errorf("%w: failed to %s with key '%s': %w", keyguard.ErrBackendUnavailable, op, ref, err)
}

var _ keyguard.KeyManagementService = (*KMSService)(nil)
