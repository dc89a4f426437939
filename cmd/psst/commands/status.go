package commands

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

func NewStatusCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status <paste-id>",
		Short: "Show paste metadata without reading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(cfg)
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
			defer cancel()
			st, err := client.Status(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}
