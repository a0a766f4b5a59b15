package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/fieldcrypt"
	"github.com/hengadev/keyguard/internal/monitoring"
	"github.com/hengadev/keyguard/providers"
	"github.com/hengadev/keyguard/signing"
)

// app carries the global flags and the wiring shared by every subcommand.
type app struct {
	logLevel  string
	logFormat string
	output    string
	trace     bool

	logger *slog.Logger
	// hook receives backend and signing-key events; nil leaves the defaults.
	hook monitoring.ObservabilityHook

	// extra options for providers.Open; tests use them to cheapen scrypt.
	openOpts []providers.Option
}

func newRootCmd(openOpts ...providers.Option) *cobra.Command {
	a := &app{openOpts: openOpts}

	root := &cobra.Command{
		Use:   "keyguard",
		Short: "keyguard - key backends, field encryption and signing keys",
		Long: `keyguard manages the keys of the business application:
  1. Key backends (AWS KMS, Cloud KMS, Vault Transit, local fallback)
  2. Envelope encryption of sensitive database fields
  3. Rotating HMAC signing keys for session tokens

The backend is selected from KEYGUARD_* environment variables; a .env file
in the working directory is loaded first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is normal outside development.
			_ = godotenv.Load()
			return a.setupLogger(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "Log format: text, json")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "text", "Output format: text, json")

	root.AddCommand(newKeysCmd(a))
	root.AddCommand(newFieldCmd(a))
	root.AddCommand(newJWTCmd(a))
	root.AddCommand(newServeCmd(a))
	root.AddCommand(newVersionCmd(a))

	return root
}

func (a *app) setupLogger(w io.Writer) error {
	level, err := monitoring.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	format, err := monitoring.ParseFormat(a.logFormat)
	if err != nil {
		return err
	}
	a.logger = monitoring.NewLogger(monitoring.LoggerConfig{
		Level:     level,
		Format:    format,
		Output:    w,
		Component: "cli",
		Trace:     a.trace,
	})
	slog.SetDefault(a.logger)
	return nil
}

// open loads the configuration and connects the selected backend.
func (a *app) open(ctx context.Context) (*providers.Provider, keyguard.Config, error) {
	cfg, err := keyguard.LoadConfigFromEnvironment()
	if err != nil {
		return nil, cfg, err
	}
	opts := []providers.Option{providers.WithLogger(a.logger)}
	if a.hook != nil {
		opts = append(opts, providers.WithHook(a.hook))
	}
	opts = append(opts, a.openOpts...)
	p, err := providers.Open(ctx, cfg, opts...)
	if err != nil {
		return nil, cfg, err
	}
	return p, cfg, nil
}

func (a *app) fieldService(p *providers.Provider, cfg keyguard.Config) (*fieldcrypt.Service, error) {
	registry, err := keyguard.LoadRegistry(cfg)
	if err != nil {
		return nil, err
	}
	return fieldcrypt.New(p.KMS, p.Store, fieldcrypt.Config{
		MasterKeyAlias: cfg.MasterKeyAlias,
		Registry:       registry,
		Logger:         a.logger,
	})
}

func (a *app) signingManager(ctx context.Context, p *providers.Provider, cfg keyguard.Config) (*signing.Manager, error) {
	return signing.New(ctx, p.KMS, p.Store, signing.Config{
		MasterKeyAlias: cfg.MasterKeyAlias,
		Production:     cfg.Production,
		Hook:           a.hook,
		Logger:         a.logger,
	})
}

// print writes v as indented JSON when --output=json, otherwise text.
func (a *app) print(w io.Writer, v any, text string) error {
	if a.output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.print(cmd.OutOrStdout(), keyguard.FullVersionInfo(), keyguard.VersionInfo())
		},
	}
}
