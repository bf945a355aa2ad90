package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"agrivetpos/backend/internal/app"
	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/service"
)

type jobFunc func(j *service.Jobs, ctx context.Context) (domain.JobResult, error)

var jobTable = []struct {
	use   string
	short string
	run   jobFunc
}{
	{"sweep-promotions", "Move promotions between scheduled, active and expired", (*service.Jobs).UpdatePromotionStatuses},
	{"expire-rewards", "Expire rewards past their end date", (*service.Jobs).ExpireStaleRewards},
	{"release-reservations", "Release reservations past their expiry", (*service.Jobs).ReleaseExpiredReservations},
}

// NewJobsCommand groups the scheduled maintenance jobs so cron can call them.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run scheduled maintenance jobs",
	}

	all := make([]jobFunc, 0, len(jobTable))
	for _, job := range jobTable {
		all = append(all, job.run)
		cmd.AddCommand(&cobra.Command{
			Use:   job.use,
			Short: job.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return rootOpts.runJobs(cmd, job.run)
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Run every maintenance job in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.runJobs(cmd, all...)
		},
	})

	return cmd
}

func (o *RootOptions) runJobs(cmd *cobra.Command, jobs ...jobFunc) error {
	return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
		results := make([]domain.JobResult, 0, len(jobs))
		for _, run := range jobs {
			result, err := run(a.Service.Jobs, ctx)
			if err != nil {
				return err
			}
			results = append(results, result)
		}
		if o.Format == "json" {
			return o.emit(cmd.OutOrStdout(), results, "")
		}
		for _, r := range results {
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %d affected\n", r.Job, r.Affected); err != nil {
				return err
			}
		}
		return nil
	})
}
