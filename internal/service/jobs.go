package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"agrivetpos/backend/internal/domain"
)

const (
	JobPromotionStatuses   = "promotion_statuses"
	JobExpireRewards       = "expire_rewards"
	JobReleaseReservations = "release_reservations"
)

// Jobs are the scheduled maintenance entry points. Each is safe to run
// repeatedly; a second run at the same instant affects nothing.
type Jobs struct {
	inventory *InventoryLedger
	usage     *UsageTracker
	log       logrus.FieldLogger
	now       func() time.Time
}

func (j *Jobs) UpdatePromotionStatuses(ctx context.Context) (domain.JobResult, error) {
	return j.run(ctx, JobPromotionStatuses, j.usage.SweepPromotionStatuses)
}

func (j *Jobs) ExpireStaleRewards(ctx context.Context) (domain.JobResult, error) {
	return j.run(ctx, JobExpireRewards, j.usage.ExpireStaleRewards)
}

func (j *Jobs) ReleaseExpiredReservations(ctx context.Context) (domain.JobResult, error) {
	return j.run(ctx, JobReleaseReservations, j.inventory.ReleaseExpiredReservations)
}

func (j *Jobs) run(ctx context.Context, name string, fn func(context.Context, time.Time) (int, error)) (domain.JobResult, error) {
	now := j.now()
	affected, err := fn(ctx, now)
	if err != nil {
		j.log.WithField("job", name).WithError(err).Error("job failed")
		return domain.JobResult{}, err
	}
	j.log.WithFields(logrus.Fields{"job": name, "affected": affected}).Info("job finished")
	return domain.JobResult{Job: name, Affected: affected, RanAt: now.Format(time.RFC3339)}, nil
}
