package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
)

// UsageTracker evaluates promotion and reward eligibility and keeps the
// global and per-customer usage counters inside their limits.
type UsageTracker struct {
	repo  store.Repository
	log   logrus.FieldLogger
	now   func() time.Time
	retry retryPolicy
}

// CheckEligibility answers whether target can be applied to cart for
// customer at now. customer is nil for guest orders. A false result always
// carries a reason; an error means the answer could not be computed.
func (u *UsageTracker) CheckEligibility(ctx context.Context, target domain.UsageTarget, customer *domain.Customer, cart domain.CartSummary, now time.Time) (domain.Eligibility, error) {
	switch target.Kind {
	case domain.UsageKindPromotion:
		promo, err := u.repo.GetPromotion(ctx, target.ID)
		if err != nil {
			return domain.Eligibility{}, err
		}
		return u.promotionEligibility(ctx, promo, customer, cart, now)
	case domain.UsageKindReward:
		reward, err := u.repo.GetReward(ctx, target.ID)
		if err != nil {
			return domain.Eligibility{}, err
		}
		return u.rewardEligibility(ctx, reward, customer, cart, now)
	}
	return domain.Eligibility{}, invalid("kind", "must be promotion or reward")
}

func (u *UsageTracker) promotionEligibility(ctx context.Context, promo *domain.Promotion, customer *domain.Customer, cart domain.CartSummary, now time.Time) (domain.Eligibility, error) {
	if status := domain.PromotionStatusAt(*promo, now); status != domain.PromotionActive {
		return ineligible("promotion is " + status), nil
	}
	if promo.MaxUses != nil && promo.TotalUses >= *promo.MaxUses {
		return ineligible("usage limit reached"), nil
	}
	if customer != nil && promo.MaxUsesPerCustomer != nil {
		used, err := u.repo.CustomerUsageCount(ctx, domain.UsageTarget{Kind: domain.UsageKindPromotion, ID: promo.ID}, customer.ID)
		if err != nil {
			return domain.Eligibility{}, err
		}
		if used >= *promo.MaxUsesPerCustomer {
			return ineligible("customer usage limit reached"), nil
		}
	}
	if qualifyingSubtotal(promo, cart) == 0 {
		return ineligible("no qualifying items in cart"), nil
	}
	if cart.SubtotalCents < promo.MinPurchaseCents {
		return ineligible("minimum purchase not met"), nil
	}
	if promo.FirstPurchaseOnly && (customer == nil || customer.CompletedTransactions > 0) {
		return ineligible("first purchase only"), nil
	}
	if promo.BirthdayMonthOnly && (customer == nil || customer.Birthday == nil || customer.Birthday.Month() != now.Month()) {
		return ineligible("birthday month only"), nil
	}
	if len(promo.Tiers) > 0 && (customer == nil || !slices.Contains(promo.Tiers, customer.Tier)) {
		return ineligible("customer tier not eligible"), nil
	}
	return domain.Eligibility{Eligible: true}, nil
}

func (u *UsageTracker) rewardEligibility(ctx context.Context, reward *domain.Reward, customer *domain.Customer, cart domain.CartSummary, now time.Time) (domain.Eligibility, error) {
	if customer == nil {
		return ineligible("rewards require a customer"), nil
	}
	if reward.Status != domain.RewardActive {
		return ineligible("reward is " + reward.Status), nil
	}
	if reward.ExpiresAt != nil && !reward.ExpiresAt.After(now) {
		return ineligible("reward is expired"), nil
	}
	if reward.MaxUses != nil && reward.TotalUses >= *reward.MaxUses {
		return ineligible("usage limit reached"), nil
	}
	if reward.MaxUsesPerCustomer != nil {
		used, err := u.repo.CustomerUsageCount(ctx, domain.UsageTarget{Kind: domain.UsageKindReward, ID: reward.ID}, customer.ID)
		if err != nil {
			return domain.Eligibility{}, err
		}
		if used >= *reward.MaxUsesPerCustomer {
			return ineligible("customer usage limit reached"), nil
		}
	}
	if cart.SubtotalCents < reward.MinPurchaseCents {
		return ineligible("minimum purchase not met"), nil
	}
	if len(reward.Tiers) > 0 && !slices.Contains(reward.Tiers, customer.Tier) {
		return ineligible("customer tier not eligible"), nil
	}
	return domain.Eligibility{Eligible: true}, nil
}

func ineligible(reason string) domain.Eligibility {
	return domain.Eligibility{Eligible: false, Reason: reason}
}

// Discount prices an eligible target against cart. The result never
// exceeds the part of the cart the target applies to.
func (u *UsageTracker) Discount(ctx context.Context, target domain.UsageTarget, cart domain.CartSummary) (int64, error) {
	switch target.Kind {
	case domain.UsageKindPromotion:
		promo, err := u.repo.GetPromotion(ctx, target.ID)
		if err != nil {
			return 0, err
		}
		return PromotionDiscount(*promo, cart), nil
	case domain.UsageKindReward:
		reward, err := u.repo.GetReward(ctx, target.ID)
		if err != nil {
			return 0, err
		}
		return min(reward.ValueCents, cart.SubtotalCents), nil
	}
	return 0, invalid("kind", "must be promotion or reward")
}

func PromotionDiscount(promo domain.Promotion, cart domain.CartSummary) int64 {
	base := qualifyingSubtotal(&promo, cart)
	if base <= 0 {
		return 0
	}

	var discount int64
	switch promo.DiscountType {
	case domain.DiscountPercent:
		discount = decimal.NewFromInt(base).
			Mul(decimal.NewFromFloat(promo.DiscountValue)).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
	case domain.DiscountFixed:
		discount = decimal.NewFromFloat(promo.DiscountValue).Round(0).IntPart()
	}
	return max(min(discount, base), 0)
}

// qualifyingSubtotal sums the cart lines a promotion targets. With no
// product or category filter the whole cart qualifies.
func qualifyingSubtotal(promo *domain.Promotion, cart domain.CartSummary) int64 {
	if len(promo.ProductIDs) == 0 && len(promo.CategoryIDs) == 0 {
		return cart.SubtotalCents
	}
	var total int64
	for _, line := range cart.Lines {
		if slices.Contains(promo.ProductIDs, line.ProductID) || slices.Contains(promo.CategoryIDs, line.CategoryID) {
			total += line.LineTotalCents
		}
	}
	return total
}

// RecordUsage counts qty uses of target in one conditional storage update
// that checks both the global and the per-customer limit.
func (u *UsageTracker) RecordUsage(ctx context.Context, target domain.UsageTarget, customerID string, qty int) error {
	if qty < 1 {
		return invalid("quantity", "must be positive")
	}
	perCustomer, err := u.perCustomerLimit(ctx, target)
	if err != nil {
		return err
	}
	err = u.repo.IncrementUsage(ctx, target, customerID, qty, perCustomer)
	if errors.Is(err, store.ErrUsageLimitExceeded) {
		return &UsageError{Kind: target.Kind, ID: target.ID, Reason: "usage limit reached"}
	}
	return err
}

// ReleaseUsage gives back qty uses. Counters never drop below zero.
func (u *UsageTracker) ReleaseUsage(ctx context.Context, target domain.UsageTarget, customerID string, qty int) error {
	return u.retry.do(ctx, func(ctx context.Context) error {
		return u.repo.DecrementUsage(ctx, target, customerID, qty)
	})
}

// Compensate releases recorded usages newest first.
func (u *UsageTracker) Compensate(ctx context.Context, targets []domain.UsageTarget, customerID string) error {
	var failed []error
	for i := len(targets) - 1; i >= 0; i-- {
		target := targets[i]
		if err := u.ReleaseUsage(ctx, target, customerID, 1); err != nil {
			u.log.WithFields(logrus.Fields{"kind": target.Kind, "id": target.ID, "customer_id": customerID}).
				WithError(err).Error("usage compensation failed")
			failed = append(failed, fmt.Errorf("release %s %s: %w", target.Kind, target.ID, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %w", ErrCompensationIncomplete, errors.Join(failed...))
	}
	return nil
}

func (u *UsageTracker) perCustomerLimit(ctx context.Context, target domain.UsageTarget) (*int, error) {
	switch target.Kind {
	case domain.UsageKindPromotion:
		promo, err := u.repo.GetPromotion(ctx, target.ID)
		if err != nil {
			return nil, err
		}
		return promo.MaxUsesPerCustomer, nil
	case domain.UsageKindReward:
		reward, err := u.repo.GetReward(ctx, target.ID)
		if err != nil {
			return nil, err
		}
		return reward.MaxUsesPerCustomer, nil
	}
	return nil, invalid("kind", "must be promotion or reward")
}

// SweepPromotionStatuses moves promotions along upcoming, active and
// expired according to their date window.
func (u *UsageTracker) SweepPromotionStatuses(ctx context.Context, now time.Time) (int, error) {
	return u.repo.SyncPromotionStatuses(ctx, now)
}

func (u *UsageTracker) ExpireStaleRewards(ctx context.Context, now time.Time) (int, error) {
	return u.repo.ExpireRewards(ctx, now)
}

// PromotionStatusAt is the status a promotion should have at now.
func PromotionStatusAt(promo domain.Promotion, now time.Time) string {
	return domain.PromotionStatusAt(promo, now)
}
