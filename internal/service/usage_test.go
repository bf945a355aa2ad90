package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
)

func feedsCart() domain.CartSummary {
	return domain.CartSummary{
		SubtotalCents: 3300,
		Lines: []domain.CartSummaryLine{
			{ProductID: "prod-a", CategoryID: "feeds", LineTotalCents: 2800},
			{ProductID: "prod-b", CategoryID: "vet-meds", LineTotalCents: 500},
		},
	}
}

func promo(id string) domain.UsageTarget {
	return domain.UsageTarget{Kind: domain.UsageKindPromotion, ID: id}
}

func reward(id string) domain.UsageTarget {
	return domain.UsageTarget{Kind: domain.UsageKindReward, ID: id}
}

func TestCheckEligibilityReasons(t *testing.T) {
	repo := seedStore()
	now := time.Now().UTC()
	born := time.Date(1990, now.Month(), 1, 0, 0, 0, 0, time.UTC)
	otherMonth := born.AddDate(0, 1, 0)
	repo.PutCustomer(domain.Customer{ID: "cust-bday", Tier: "silver", Birthday: &born})
	repo.PutCustomer(domain.Customer{ID: "cust-other", Tier: "silver", Birthday: &otherMonth, CompletedTransactions: 1})
	repo.PutPromotion(domain.Promotion{ID: "promo-later", Status: domain.PromotionUpcoming, StartDate: now.AddDate(0, 0, 3), EndDate: now.AddDate(0, 0, 9)})
	repo.PutPromotion(domain.Promotion{ID: "promo-bday", StartDate: now.AddDate(0, 0, -1), BirthdayMonthOnly: true, DiscountType: domain.DiscountFixed, DiscountValue: 50})
	repo.PutPromotion(domain.Promotion{ID: "promo-first", StartDate: now.AddDate(0, 0, -1), FirstPurchaseOnly: true})
	repo.PutPromotion(domain.Promotion{ID: "promo-min", StartDate: now.AddDate(0, 0, -1), MinPurchaseCents: 5000})
	repo.PutPromotion(domain.Promotion{ID: "promo-tools", StartDate: now.AddDate(0, 0, -1), CategoryIDs: []string{"tools"}})
	repo.PutPromotion(domain.Promotion{ID: "promo-gold", StartDate: now.AddDate(0, 0, -1), Tiers: []string{"gold"}})
	svc := newTestService(t, repo)
	ctx := context.Background()

	gold, err := repo.GetCustomer(ctx, "cust-1")
	require.NoError(t, err)
	newbie, err := repo.GetCustomer(ctx, "cust-new")
	require.NoError(t, err)
	bday, err := repo.GetCustomer(ctx, "cust-bday")
	require.NoError(t, err)
	other, err := repo.GetCustomer(ctx, "cust-other")
	require.NoError(t, err)

	cases := []struct {
		name     string
		target   domain.UsageTarget
		customer *domain.Customer
		eligible bool
		reason   string
	}{
		{"active percent promo", promo("promo-feeds"), nil, true, ""},
		{"global limit reached", promo("promo-full"), gold, false, "usage limit reached"},
		{"not started", promo("promo-later"), gold, false, "promotion is upcoming"},
		{"birthday month", promo("promo-bday"), bday, true, ""},
		{"wrong birthday month", promo("promo-bday"), other, false, "birthday month only"},
		{"first purchase", promo("promo-first"), newbie, true, ""},
		{"returning customer", promo("promo-first"), gold, false, "first purchase only"},
		{"guest first purchase", promo("promo-first"), nil, false, "first purchase only"},
		{"minimum purchase", promo("promo-min"), gold, false, "minimum purchase not met"},
		{"no matching category", promo("promo-tools"), gold, false, "no qualifying items in cart"},
		{"tier member", promo("promo-gold"), gold, true, ""},
		{"tier outsider", promo("promo-gold"), newbie, false, "customer tier not eligible"},
		{"reward for gold", reward("reward-gold"), gold, true, ""},
		{"reward for guest", reward("reward-gold"), nil, false, "rewards require a customer"},
		{"reward wrong tier", reward("reward-gold"), newbie, false, "customer tier not eligible"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := svc.Usage.CheckEligibility(ctx, tc.target, tc.customer, feedsCart(), now)
			require.NoError(t, err)
			assert.Equal(t, tc.eligible, result.Eligible)
			assert.Equal(t, tc.reason, result.Reason)
		})
	}
}

func TestCheckEligibilityUnknownTarget(t *testing.T) {
	svc := newTestService(t, seedStore())

	_, err := svc.Usage.CheckEligibility(context.Background(), promo("missing"), nil, feedsCart(), time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPromotionDiscount(t *testing.T) {
	cart := feedsCart()

	percent := domain.Promotion{DiscountType: domain.DiscountPercent, DiscountValue: 10, CategoryIDs: []string{"feeds"}}
	assert.Equal(t, int64(280), PromotionDiscount(percent, cart))

	rounding := domain.Promotion{DiscountType: domain.DiscountPercent, DiscountValue: 12.5}
	assert.Equal(t, int64(413), PromotionDiscount(rounding, cart))

	capped := domain.Promotion{DiscountType: domain.DiscountFixed, DiscountValue: 900, ProductIDs: []string{"prod-b"}}
	assert.Equal(t, int64(500), PromotionDiscount(capped, cart))

	none := domain.Promotion{DiscountType: domain.DiscountFixed, DiscountValue: 900, ProductIDs: []string{"prod-x"}}
	assert.Equal(t, int64(0), PromotionDiscount(none, cart))
}

func TestRecordUsageNeverExceedsLimit(t *testing.T) {
	repo := seedStore()
	repo.PutPromotion(domain.Promotion{ID: "promo-five", StartDate: time.Now().AddDate(0, 0, -1), MaxUses: intPtr(5)})
	svc := newTestService(t, repo)

	var recorded, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.Usage.RecordUsage(context.Background(), promo("promo-five"), "", 1)
			var usageErr *UsageError
			switch {
			case err == nil:
				atomic.AddInt32(&recorded, 1)
			case errors.As(err, &usageErr):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), recorded)
	assert.Equal(t, int32(20), rejected)
	current, err := repo.GetPromotion(context.Background(), "promo-five")
	require.NoError(t, err)
	assert.Equal(t, 5, current.TotalUses)
}

func TestRecordUsagePerCustomerLimit(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Usage.RecordUsage(ctx, reward("reward-gold"), "cust-1", 1))
	err := svc.Usage.RecordUsage(ctx, reward("reward-gold"), "cust-1", 1)
	assert.ErrorIs(t, err, store.ErrUsageLimitExceeded)

	require.NoError(t, svc.Usage.RecordUsage(ctx, reward("reward-gold"), "cust-new", 1))

	require.NoError(t, svc.Usage.ReleaseUsage(ctx, reward("reward-gold"), "cust-1", 1))
	require.NoError(t, svc.Usage.RecordUsage(ctx, reward("reward-gold"), "cust-1", 1))
}

func TestReleaseUsageFloorsAtZero(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)
	ctx := context.Background()

	require.NoError(t, svc.Usage.ReleaseUsage(ctx, promo("promo-feeds"), "", 3))
	current, err := repo.GetPromotion(ctx, "promo-feeds")
	require.NoError(t, err)
	assert.Equal(t, 0, current.TotalUses)
}

func TestSweepPromotionStatusesIsIdempotent(t *testing.T) {
	repo := seedStore()
	now := time.Now().UTC()
	repo.PutPromotion(domain.Promotion{ID: "promo-soon", Status: domain.PromotionUpcoming, StartDate: now.Add(time.Hour), EndDate: now.Add(48 * time.Hour)})
	repo.PutPromotion(domain.Promotion{ID: "promo-old", Status: domain.PromotionActive, StartDate: now.AddDate(0, -1, 0), EndDate: now.Add(-time.Hour)})
	svc := newTestService(t, repo)
	ctx := context.Background()

	changed, err := svc.Usage.SweepPromotionStatuses(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	changed, err = svc.Usage.SweepPromotionStatuses(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	soon, err := repo.GetPromotion(ctx, "promo-soon")
	require.NoError(t, err)
	assert.Equal(t, domain.PromotionActive, soon.Status)
	old, err := repo.GetPromotion(ctx, "promo-old")
	require.NoError(t, err)
	assert.Equal(t, domain.PromotionExpired, old.Status)
	assert.Equal(t, domain.PromotionExpired, PromotionStatusAt(*old, now))
}

func TestExpireStaleRewards(t *testing.T) {
	repo := seedStore()
	past := time.Now().UTC().Add(-time.Minute)
	repo.PutReward(domain.Reward{ID: "reward-stale", Status: domain.RewardActive, ValueCents: 100, ExpiresAt: &past})
	svc := newTestService(t, repo)
	ctx := context.Background()

	expired, err := svc.Usage.ExpireStaleRewards(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	expired, err = svc.Usage.ExpireStaleRewards(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}
