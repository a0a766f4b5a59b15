// Package keyguard provides pluggable key management, envelope encryption of
// sensitive database fields and rotating HMAC signing keys for Go services.
//
// The root package holds the contracts and shared types. Implementations live
// in sub-packages:
//
//   - providers: backend selection (Open) and the instrumented decorator
//   - providers/awskms, providers/gcpkms: cloud KMS backends
//   - providers/vaulttransit: Vault Transit backend
//   - providers/local: local development fallback (scrypt + AES-GCM/CBC)
//   - providers/awssecrets, providers/vaultkv, providers/sqlitestore: key-material stores
//   - fieldcrypt: field and record encryption over a sensitive-field registry
//   - signing: HMAC signing-key manager with timed rotation
//
// # Key Features
//
//   - One backend contract, selected once per process from configuration
//   - Envelope encryption: a data key wrapped by a backend master key
//   - Fresh IV per encryption, GCM authentication tags split out at rest
//   - Sensitive-field registry consulted on every read/write path
//   - Signing-key rotation with a bounded active set and a verification window
//   - Typed errors with a safe public message for user-facing surfaces
//
// # Quick Start
//
//	cfg, err := keyguard.LoadConfigFromEnvironment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	p, err := providers.Open(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	svc, err := fieldcrypt.New(p.KMS, p.Store, fieldcrypt.Config{Registry: keyguard.DefaultRegistry()})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	stored, err := svc.EncryptField(ctx, "tax_id", "123-45-6789")
//
// # Error Handling
//
// Errors wrap the sentinels declared in this package. Use errors.Is or the
// Is* helpers to classify them:
//
//	plain, err := svc.DecryptField(ctx, "tax_id", stored)
//	if err != nil {
//	    if keyguard.IsRetryableError(err) {
//	        // backend unreachable, try again later
//	    }
//	    http.Error(w, keyguard.PublicMessage(err), http.StatusInternalServerError)
//	}
package keyguard
