package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hengadev/keyguard"
)

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage backend keys",
	}
	cmd.AddCommand(newKeysGenerateCmd(a))
	cmd.AddCommand(newKeysDescribeCmd(a))
	cmd.AddCommand(newKeysListCmd(a))
	cmd.AddCommand(newKeysDeleteCmd(a))
	cmd.AddCommand(newKeysPurgeCmd(a))
	return cmd
}

func newKeysGenerateCmd(a *app) *cobra.Command {
	var alias string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a backend key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, _, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			keyID, err := p.KMS.GenerateKey(ctx, alias)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]string{"keyId": keyID, "alias": alias}, keyID)
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "Friendly alias for the key")
	return cmd
}

func newKeysDescribeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <key-id-or-alias>",
		Short: "Show key metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, _, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			meta, err := p.KMS.DescribeKey(ctx, args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), meta, formatKeys([]keyguard.KeyMetadata{*meta}))
		},
	}
}

func newKeysListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backend keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, _, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			keys, err := p.KMS.ListKeys(ctx)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), keys, formatKeys(keys))
		},
	}
}

func newKeysDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Schedule a backend key for deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, _, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.KMS.DeleteKey(ctx, args[0]); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(),
				map[string]string{"keyId": args[0], "keyState": string(keyguard.KeyStatePendingDeletion)},
				fmt.Sprintf("Key %s scheduled for deletion", args[0]))
		},
	}
}

// purger is implemented by backends whose grace window ends on operator
// request rather than on a deletion date.
type purger interface {
	Purge(ctx context.Context, keyID string) error
}

func newKeysPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <key-id>",
		Short: "Permanently destroy a key already scheduled for deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, _, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			backend, ok := p.KMS.Unwrap().(purger)
			if !ok {
				return fmt.Errorf("%w: the %s backend purges keys itself once the grace window ends", keyguard.ErrInvalidConfiguration, p.Kind)
			}
			if err := backend.Purge(ctx, args[0]); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(),
				map[string]string{"keyId": args[0], "keyState": "purged"},
				fmt.Sprintf("Key %s purged", args[0]))
		},
	}
}

func formatKeys(keys []keyguard.KeyMetadata) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tALIAS\tALGORITHM\tSTATE\tCREATED")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			k.KeyID, k.Alias, k.Algorithm, k.KeyState, k.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}
