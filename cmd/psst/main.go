package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"psst/cfg"
	"psst/cmd/psst/commands"
	"psst/svc/app"
	"psst/svc/svc"
	"psst/svc/util"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	util.InitLogTo(io.Discard, "error", false)

	var profilePath string
	c := &commands.Config{
		DevMode:   os.Getenv("DEV_MODE") == "true",
		OpenAdmin: openAdmin,
	}

	rootCmd := &cobra.Command{
		Use:           "psst",
		Short:         "Share one-time, self-destructing pastes",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.ApplyProfile(profilePath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.APIURL, "api-url", os.Getenv("PSST_API_URL"), "API base URL")
	rootCmd.PersistentFlags().DurationVar(&c.Timeout, "timeout", 0, "Request timeout (default 15s)")
	rootCmd.PersistentFlags().StringVar(&profilePath, "profile", commands.DefaultProfilePath(), "YAML profile with api_url and timeout")

	rootCmd.AddCommand(
		commands.NewCreateCommand(c),
		commands.NewGetCommand(c),
		commands.NewStatusCommand(c),
	)
	if c.DevMode {
		rootCmd.AddCommand(
			commands.NewListCommand(c),
			commands.NewDeleteCommand(c),
		)
	}
	return rootCmd.Execute()
}

// openAdmin connects to the stores named by the server environment.
func openAdmin(ctx context.Context) (commands.Admin, func(), error) {
	sc, err := cfg.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(sc); err != nil {
		return nil, nil, err
	}
	stack, err := app.Open(ctx, sc)
	if err != nil {
		return nil, nil, err
	}
	paste := svc.NewPaste(stack.Meta, stack.Blobs, nil, sc)
	return paste, func() {
		paste.Shutdown()
		stack.Close()
		sc.Wipe()
	}, nil
}
