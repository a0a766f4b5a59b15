package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newJWTCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jwt",
		Short: "Inspect and rotate signing keys",
	}
	cmd.AddCommand(newJWTStatsCmd(a))
	cmd.AddCommand(newJWTRotateCmd(a))
	return cmd
}

func newJWTStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show signing key statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, cfg, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			m, err := a.signingManager(ctx, p, cfg)
			if err != nil {
				return err
			}
			defer m.Destroy()

			s := m.Stats()
			text := fmt.Sprintf("current key:   %s\nactive keys:   %d\ntotal keys:    %d\nnext rotation: %s",
				s.CurrentKeyID, s.ActiveKeys, s.TotalKeys, s.NextRotation.UTC().Format(time.RFC3339))
			return a.print(cmd.OutOrStdout(), s, text)
		},
	}
}

func newJWTRotateCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate signing keys now",
		Long: `Run one rotation pass: deactivate aged keys, generate a new current key and
evict keys beyond the active cap. --force also deactivates the current key,
for suspected compromise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, cfg, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			m, err := a.signingManager(ctx, p, cfg)
			if err != nil {
				return err
			}
			defer m.Destroy()

			rotate := m.RotateKeys
			if force {
				rotate = m.ForceRotateKeys
			}
			keyID, err := rotate(ctx)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{"currentKeyId": keyID, "forced": force}, keyID)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Also deactivate the current key")
	return cmd
}
