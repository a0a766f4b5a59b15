package fieldcrypt

import (
	"context"
	"fmt"
	"maps"

	"github.com/hengadev/errsx"

	"github.com/hengadev/keyguard"
)

// Record is one database row keyed by column name.
type Record map[string]any

// EncryptSensitiveFields returns a copy of rec in which every sensitive field
// of table holding a plaintext string is encrypted. Nil values and values
// already encrypted are kept as is; any other non-string value fails with
// keyguard.ErrInvalidFieldType. rec is never modified.
func (s *Service) EncryptSensitiveFields(ctx context.Context, table string, rec Record) (Record, error) {
	out := maps.Clone(rec)
	for _, field := range s.registry.Fields(table) {
		value, ok, err := sensitiveString(out, field)
		if err != nil {
			return nil, err
		}
		if !ok || keyguard.IsEncrypted(value) {
			continue
		}
		enc, err := s.EncryptField(ctx, field, value)
		if err != nil {
			return nil, err
		}
		out[field] = enc
	}
	return out, nil
}

// DecryptSensitiveFields returns a copy of rec in which every encrypted
// sensitive field of table is decrypted. Plaintext values from rows written
// before encryption was enabled are kept as is.
func (s *Service) DecryptSensitiveFields(ctx context.Context, table string, rec Record) (Record, error) {
	out := maps.Clone(rec)
	for _, field := range s.registry.Fields(table) {
		value, ok, err := sensitiveString(out, field)
		if err != nil {
			return nil, err
		}
		if !ok || !keyguard.IsEncrypted(value) {
			continue
		}
		dec, err := s.DecryptField(ctx, field, value)
		if err != nil {
			return nil, err
		}
		out[field] = dec
	}
	return out, nil
}

func sensitiveString(rec Record, field string) (string, bool, error) {
	v, ok := rec[field]
	if !ok || v == nil {
		return "", false, nil
	}
	str, ok := v.(string)
	if !ok {
		return "", false, keyguard.NewInvalidFieldTypeError(field, fmt.Sprintf("%T", v))
	}
	return str, true, nil
}

// BatchError reports the records of a batch that failed. Their slots in the
// returned slice are nil; every other slot holds a converted record.
type BatchError struct {
	Operation string
	Table     string
	Total     int
	Failed    []int
	Errs      errsx.Map

	causes []error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s %s: %d of %d records failed: %v", e.Operation, e.Table, len(e.Failed), e.Total, e.Errs)
}

func (e *BatchError) Unwrap() []error {
	return e.causes
}

// EncryptRecords applies EncryptSensitiveFields to each record independently,
// preserving order. See BatchError for partial failures.
func (s *Service) EncryptRecords(ctx context.Context, table string, records []Record) ([]Record, error) {
	return s.batch(ctx, "encrypt", table, records, s.EncryptSensitiveFields)
}

// DecryptRecords applies DecryptSensitiveFields to each record independently,
// preserving order. See BatchError for partial failures.
func (s *Service) DecryptRecords(ctx context.Context, table string, records []Record) ([]Record, error) {
	return s.batch(ctx, "decrypt", table, records, s.DecryptSensitiveFields)
}

func (s *Service) batch(
	ctx context.Context,
	op, table string,
	records []Record,
	convert func(context.Context, string, Record) (Record, error),
) ([]Record, error) {
	out := make([]Record, len(records))
	var batchErr *BatchError

	for i, rec := range records {
		converted, err := convert(ctx, table, rec)
		if err != nil {
			if batchErr == nil {
				batchErr = &BatchError{Operation: op, Table: table, Total: len(records), Errs: errsx.Map{}}
			}
			batchErr.Failed = append(batchErr.Failed, i)
			batchErr.Errs.Set(fmt.Sprintf("record %d", i), err)
			batchErr.causes = append(batchErr.causes, err)
			continue
		}
		out[i] = converted
	}

	if batchErr != nil {
		s.logger.WarnContext(ctx, "batch partially failed",
			"operation", op, "table", table, "failed", len(batchErr.Failed), "total", len(records))
		return out, batchErr
	}
	return out, nil
}
