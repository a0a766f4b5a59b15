package keyguard

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry maps table names to the fields that must always be stored
// encrypted. A Registry is immutable after construction and safe for
// concurrent reads.
type Registry struct {
	tables map[string]map[string]struct{}
	order  map[string][]string
}

// NewRegistry builds a registry from a table → fields mapping. Table and
// field names are trimmed; blank entries are ignored.
func NewRegistry(tables map[string][]string) *Registry {
	r := &Registry{
		tables: make(map[string]map[string]struct{}, len(tables)),
		order:  make(map[string][]string, len(tables)),
	}
	for table, fields := range tables {
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		set := make(map[string]struct{}, len(fields))
		var ordered []string
		for _, f := range fields {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if _, dup := set[f]; dup {
				continue
			}
			set[f] = struct{}{}
			ordered = append(ordered, f)
		}
		if len(ordered) == 0 {
			continue
		}
		r.tables[table] = set
		r.order[table] = ordered
	}
	return r
}

// DefaultRegistry returns the built-in sensitive-field registry covering
// identity numbers, financial accounts, credentials and webhook secrets.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string][]string{
		"users":            {"tax_id", "national_id", "date_of_birth"},
		"employees":        {"tax_id", "national_id", "bank_account_number", "bank_routing_number", "salary"},
		"contractors":      {"tax_id", "bank_account_number", "bank_routing_number"},
		"vendors":          {"tax_id", "bank_account_number", "iban", "swift_code"},
		"customers":        {"tax_id", "credit_card_last4"},
		"payment_methods":  {"account_number", "routing_number", "card_token"},
		"api_keys":         {"key_secret"},
		"integrations":     {"api_key", "api_secret", "access_token", "refresh_token", "client_secret"},
		"webhooks":         {"secret", "signing_secret"},
		"marketplace_apps": {"client_secret", "webhook_secret"},
	})
}

type registryFile struct {
	Tables map[string][]string `yaml:"tables"`
}

// LoadRegistryFile reads a YAML registry of the form:
//
//	tables:
//	  users: [tax_id, national_id]
//	  webhooks: [secret]
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read registry file: %w", ErrInvalidConfiguration, err)
	}
	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("%w: failed to parse registry file: %w", ErrInvalidConfiguration, err)
	}
	if len(rf.Tables) == 0 {
		return nil, fmt.Errorf("%w: registry file %s declares no tables", ErrInvalidConfiguration, path)
	}
	return NewRegistry(rf.Tables), nil
}

// LoadRegistry returns the registry named by cfg.RegistryFile, or the default.
func LoadRegistry(cfg Config) (*Registry, error) {
	if cfg.RegistryFile == "" {
		return DefaultRegistry(), nil
	}
	return LoadRegistryFile(cfg.RegistryFile)
}

// Fields returns the sensitive fields of table in declaration order, or nil.
func (r *Registry) Fields(table string) []string {
	fields := r.order[table]
	if fields == nil {
		return nil
	}
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// IsSensitive reports whether field of table must be stored encrypted.
func (r *Registry) IsSensitive(table, field string) bool {
	_, ok := r.tables[table][field]
	return ok
}

// HasTable reports whether table has any sensitive fields.
func (r *Registry) HasTable(table string) bool {
	_, ok := r.tables[table]
	return ok
}

// Tables returns every registered table name, sorted.
func (r *Registry) Tables() []string {
	out := make([]string, 0, len(r.tables))
	for t := range r.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
