package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"agrivetpos/backend/internal/app"
	"agrivetpos/backend/internal/config"
)

// Builder wires the application for a single command invocation.
type Builder func(ctx context.Context) (*app.App, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
	build  Builder
}

var ValidFormats = []string{"text", "json"}

// DefaultBuilder loads configuration from the environment the same way the
// server does.
func DefaultBuilder(ctx context.Context) (*app.App, error) {
	cfg := config.Load()
	return app.Build(ctx, cfg, config.NewLogger(cfg.LogLevel))
}

// NewRootCommand creates the posctl command tree.
func NewRootCommand(build Builder) *cobra.Command {
	if build == nil {
		build = DefaultBuilder
	}
	opts := &RootOptions{build: build}

	cmd := &cobra.Command{
		Use:           "posctl",
		Short:         "Operate the POS backend",
		Long:          "Maintenance commands for the POS backend: schema migration, scheduled jobs and account management.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewUsersCommand(opts))

	return cmd
}

// withApp builds the application, runs fn and releases the backends.
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := o.build(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if !a.UsesPostgres() {
		a.Log.Warn("DATABASE_URL is not set, running against the seeded in-memory store")
	}
	return fn(ctx, a)
}

// emit writes v as JSON, or the text line when the text format is selected.
func (o *RootOptions) emit(w io.Writer, v any, text string) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}
