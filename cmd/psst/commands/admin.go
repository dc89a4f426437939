package commands

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var errDevOnly = errors.New("this command talks to the stores directly and requires DEV_MODE=true")

func openAdmin(cmd *cobra.Command, cfg *Config) (Admin, func(), error) {
	if !cfg.DevMode {
		return nil, nil, errDevOnly
	}
	if cfg.OpenAdmin == nil {
		return nil, nil, errors.New("no store configured")
	}
	return cfg.OpenAdmin(cmd.Context())
}

// NewListCommand lists recent pastes (development only).
func NewListCommand(cfg *Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent pastes (DEV_MODE only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, closeFn, err := openAdmin(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			items, err := admin.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "no pastes")
				return nil
			}
			for _, st := range items {
				fmt.Fprintf(out, "- %s | encrypted=%t | used=%t | expired=%t | tier=%s | expires=%s\n",
					st.ID, st.IsEncrypted, st.Consumed, st.Expired, st.Tier, st.ExpiresAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of pastes to show")
	return cmd
}

// NewDeleteCommand removes a paste and its blob (development only).
func NewDeleteCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <paste-id>",
		Short: "Delete a paste (DEV_MODE only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, closeFn, err := openAdmin(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := admin.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paste %q deleted.\n", args[0])
			return nil
		},
	}
}
