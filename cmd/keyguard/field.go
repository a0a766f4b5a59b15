package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/fieldcrypt"
)

type fieldFlags struct {
	table string
	field string
}

func newFieldCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "field",
		Short: "Encrypt or decrypt sensitive fields",
		Long: `Encrypt or decrypt one field value, or every sensitive field of a record.

With --field the value is taken from the argument or stdin. With only
--table, stdin holds a JSON object and the sensitive fields of that table
are converted.`,
	}
	cmd.AddCommand(newFieldConvertCmd(a, "encrypt"))
	cmd.AddCommand(newFieldConvertCmd(a, "decrypt"))
	return cmd
}

func newFieldConvertCmd(a *app, op string) *cobra.Command {
	var f fieldFlags
	cmd := &cobra.Command{
		Use:   op + " [value]",
		Short: strings.ToUpper(op[:1]) + op[1:] + " a field value or record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.field == "" && f.table == "" {
				return errors.New("--field or --table is required")
			}
			input, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			p, cfg, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			svc, err := a.fieldService(p, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			if f.field == "" {
				return convertRecord(cmd, svc, op, f.table, input)
			}
			if f.table != "" && !svc.Registry().IsSensitive(f.table, f.field) {
				return fmt.Errorf("%w: field '%s' is not sensitive in table '%s'", keyguard.ErrInvalidConfiguration, f.field, f.table)
			}

			var out string
			if op == "encrypt" {
				out, err = svc.EncryptField(ctx, f.field, input)
			} else {
				out, err = svc.DecryptField(ctx, f.field, input)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&f.table, "table", "", "Table whose sensitive-field registry applies")
	cmd.Flags().StringVar(&f.field, "field", "", "Field name")
	return cmd
}

func convertRecord(cmd *cobra.Command, svc *fieldcrypt.Service, op, table, input string) error {
	dec := json.NewDecoder(strings.NewReader(input))
	dec.UseNumber()
	var rec fieldcrypt.Record
	if err := dec.Decode(&rec); err != nil {
		return fmt.Errorf("%w: record must be a JSON object: %w", keyguard.ErrInvalidFormat, err)
	}

	var (
		out fieldcrypt.Record
		err error
	)
	if op == "encrypt" {
		out, err = svc.EncryptSensitiveFields(cmd.Context(), table, rec)
	} else {
		out, err = svc.DecryptSensitiveFields(cmd.Context(), table, rec)
	}
	if err != nil {
		return err
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
}

// readInput returns the single argument, or stdin without its trailing newline.
func readInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(bytes.TrimRight(raw, "\r\n")), nil
}
