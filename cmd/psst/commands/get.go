package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewGetCommand(cfg *Config) *cobra.Command {
	var (
		output     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "get <paste-id>",
		Short: "Read a paste (one-time)",
		Long: `Retrieve a paste. The paste is burned by this read.

Encrypted pastes are printed as received; decrypt them with the client that
created them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(cfg)
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
			defer cancel()
			res, err := client.Retrieve(ctx, args[0])
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && len(apiErr.SecretCategories) > 0 {
					return errors.Errorf("paste was withheld because it looked like it contained: %s",
						strings.Join(apiErr.SecretCategories, ", "))
				}
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			if res.IsEncrypted {
				fmt.Fprintln(cmd.ErrOrStderr(), "note: paste is encrypted; content is base64 ciphertext")
			}
			if output != "" {
				if err := os.WriteFile(output, []byte(res.Content), 0600); err != nil {
					return errors.Wrapf(err, "write %s", output)
				}
				fmt.Fprintf(out, "Saved to %s\n", output)
				return nil
			}
			fmt.Fprint(out, res.Content)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Save content to a file instead of printing it")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the full response as JSON")
	return cmd
}
