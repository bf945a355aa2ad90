package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"agrivetpos/backend/internal/app"
)

var errNoDatabase = errors.New("DATABASE_URL must point at postgres to migrate")

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !a.UsesPostgres() {
					return errNoDatabase
				}
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				return rootOpts.emit(cmd.OutOrStdout(), map[string]string{"status": "migrated"}, "schema applied")
			})
		},
	}
}
