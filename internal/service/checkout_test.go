package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrivetpos/backend/internal/config"
	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.SaleCompletedEvent
	err    error
}

func (n *recordingNotifier) SaleCompleted(_ context.Context, event domain.SaleCompletedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func stockOf(t *testing.T, svc *Service, productID string) domain.InventoryRecord {
	t.Helper()
	levels, err := svc.Inventory.Levels(context.Background(), testBranch, []string{productID})
	require.NoError(t, err)
	return levels[productID]
}

func TestCheckoutCashSale(t *testing.T) {
	repo := seedStore()
	notifier := &recordingNotifier{}
	svc := newTestService(t, repo, func(o *Options) { o.Notifier = notifier })

	receipt, err := svc.ProcessCheckout(context.Background(), cashCheckout("idem-1", 3000,
		domain.CartLine{ProductID: "prod-a", Quantity: 2, UnitPriceCents: 1400},
	))
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentStatusCompleted, receipt.Status)
	assert.Equal(t, int64(2800), receipt.SubtotalCents)
	assert.Equal(t, int64(2800), receipt.TotalCents)
	assert.Equal(t, int64(200), receipt.ChangeCents)
	assert.Equal(t, 2, receipt.Items)
	assert.Equal(t, "TXN-MAIN-BRANCH-000001", receipt.TransactionNumber)
	assert.False(t, receipt.Duplicate)

	assert.Equal(t, 8, stockOf(t, svc, "prod-a").OnHand)
	assert.Equal(t, int64(2800), receipt.Session.TotalSalesCents)
	assert.Equal(t, int64(1), receipt.Session.TotalTransactions)

	tx, err := repo.FindTransactionByID(context.Background(), receipt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, tx.PaymentStatus)
	assert.True(t, tx.IsGuestOrder)
	require.Len(t, tx.Items, 1)
	assert.Equal(t, int64(2800), tx.Items[0].LineTotalCents)
	require.Len(t, tx.Payments, 1)
	assert.Equal(t, domain.PaymentStatusCompleted, tx.Payments[0].Status)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, receipt.TransactionID, notifier.events[0].TransactionID)
}

func TestCheckoutTotalsWithDiscountsAndTax(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)

	req := cashCheckout("idem-tax", 10000,
		domain.CartLine{ProductID: "prod-a", Quantity: 2},
		domain.CartLine{ProductID: "prod-c", Quantity: 1, DiscountCents: 200},
	)
	req.CustomerID = "cust-1"
	req.OrderDiscountCents = 100
	req.TaxRatePercent = 12
	req.PromotionIDs = []string{"promo-feeds"}
	req.RewardIDs = []string{"reward-gold"}

	receipt, err := svc.ProcessCheckout(context.Background(), req)
	require.NoError(t, err)

	// subtotal 2800 + (2000 - 200 line discount); discounts: order 100, 10% of feeds 280, reward 300
	assert.Equal(t, int64(4600), receipt.SubtotalCents)
	assert.Equal(t, int64(680), receipt.DiscountCents)
	assert.Equal(t, int64(470), receipt.TaxCents)
	assert.Equal(t, int64(4390), receipt.TotalCents)
	assert.Equal(t, receipt.SubtotalCents-receipt.DiscountCents+receipt.TaxCents, receipt.TotalCents)
	assert.Len(t, receipt.AppliedUsages, 2)

	tx, err := repo.FindTransactionByID(context.Background(), receipt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, tx.SubtotalCents, sumLineTotals(tx))

	feeds, err := repo.GetPromotion(context.Background(), "promo-feeds")
	require.NoError(t, err)
	assert.Equal(t, 1, feeds.TotalUses)
	assert.Equal(t, int64(680), receipt.Session.TotalDiscountsCents)
	assert.Equal(t, int64(470), receipt.Session.TotalTaxesCents)
}

func sumLineTotals(tx *domain.Transaction) int64 {
	var sum int64
	for _, item := range tx.Items {
		sum += item.LineTotalCents
	}
	return sum
}

func TestCheckoutLineDiscountReducesSubtotal(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)

	receipt, err := svc.ProcessCheckout(context.Background(), cashCheckout("idem-line-disc", 2000,
		domain.CartLine{ProductID: "prod-c", Quantity: 1, DiscountCents: 200},
	))
	require.NoError(t, err)
	assert.Equal(t, int64(1800), receipt.SubtotalCents)
	assert.Equal(t, int64(0), receipt.DiscountCents)
	assert.Equal(t, int64(1800), receipt.TotalCents)
	assert.Equal(t, int64(200), receipt.ChangeCents)

	tx, err := repo.FindTransactionByID(context.Background(), receipt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), sumLineTotals(tx))
	assert.Equal(t, tx.SubtotalCents, sumLineTotals(tx))
}

func TestCheckoutUsesCatalogPrice(t *testing.T) {
	svc := newTestService(t, seedStore())

	receipt, err := svc.ProcessCheckout(context.Background(), cashCheckout("idem-price", 5000,
		domain.CartLine{ProductID: "prod-a", Quantity: 1, UnitPriceCents: 1},
	))
	require.NoError(t, err)
	assert.Equal(t, int64(1400), receipt.TotalCents)
}

func TestCheckoutValidationWritesNothing(t *testing.T) {
	cases := []struct {
		name string
		req  domain.CheckoutRequest
	}{
		{"empty cart", cashCheckout("v1", 1000)},
		{"unknown product", cashCheckout("v2", 1000, domain.CartLine{ProductID: "nope", Quantity: 1})},
		{"zero quantity", cashCheckout("v3", 1000, domain.CartLine{ProductID: "prod-a", Quantity: 0})},
		{"short cash", cashCheckout("v4", 1000, domain.CartLine{ProductID: "prod-a", Quantity: 1})},
		{"card without reference", func() domain.CheckoutRequest {
			r := cashCheckout("v5", 0, domain.CartLine{ProductID: "prod-a", Quantity: 1})
			r.Payment.Method = domain.PaymentMethodCard
			return r
		}()},
		{"unknown method", func() domain.CheckoutRequest {
			r := cashCheckout("v6", 5000, domain.CartLine{ProductID: "prod-a", Quantity: 1})
			r.Payment.Method = "barter"
			return r
		}()},
		{"unknown customer", func() domain.CheckoutRequest {
			r := cashCheckout("v7", 5000, domain.CartLine{ProductID: "prod-a", Quantity: 1})
			r.CustomerID = "ghost"
			return r
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := seedStore()
			svc := newTestService(t, repo)

			_, err := svc.ProcessCheckout(context.Background(), tc.req)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, 0, repo.CountTransactions())
			assert.Equal(t, 0, repo.CountOpenSessions("cashier-1", testBranch))
			assert.Equal(t, 10, stockOf(t, svc, "prod-a").OnHand)
		})
	}
}

func TestCheckoutNonCashPayment(t *testing.T) {
	svc := newTestService(t, seedStore())

	req := cashCheckout("idem-gcash", 0, domain.CartLine{ProductID: "prod-b", Quantity: 1})
	req.Payment = domain.PaymentInstruction{Method: domain.PaymentMethodGCash, ReferenceNumber: "GC-123"}
	receipt, err := svc.ProcessCheckout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentMethodGCash, receipt.PaymentMethod)
	assert.Equal(t, receipt.TotalCents, receipt.TenderedCents)
	assert.Equal(t, int64(0), receipt.ChangeCents)
}

func TestConcurrentCheckoutsForLastUnit(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)

	keys := []string{"race-1", "race-2"}
	errs := make([]error, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			req := cashCheckout(key, 1000, domain.CartLine{ProductID: "prod-b", Quantity: 1})
			req.CashierID = "cashier-" + key
			_, errs[i] = svc.ProcessCheckout(context.Background(), req)
		}(i, key)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrInsufficientStock)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, stockOf(t, svc, "prod-b").OnHand)
	assert.Empty(t, repo.ReconciliationIssues())
}

func TestCheckoutIdempotentRetry(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)
	req := cashCheckout("idem-retry", 3000, domain.CartLine{ProductID: "prod-a", Quantity: 2})

	first, err := svc.ProcessCheckout(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.ProcessCheckout(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, repo.CountTransactions())
	assert.Equal(t, 8, stockOf(t, svc, "prod-a").OnHand)
	assert.Equal(t, int64(2800), second.Session.TotalSalesCents)

	lookup, err := svc.LookupByIdempotency(context.Background(), "idem-retry")
	require.NoError(t, err)
	assert.True(t, lookup.Found)
	assert.Equal(t, first.TransactionID, lookup.Receipt.TransactionID)

	missing, err := svc.LookupByIdempotency(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, missing.Found)
}

func TestCheckoutConcurrentSameKey(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)
	req := cashCheckout("idem-burst", 3000, domain.CartLine{ProductID: "prod-a", Quantity: 1})

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipt, err := svc.ProcessCheckout(context.Background(), req)
			if assert.NoError(t, err) {
				ids[i] = receipt.TransactionID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, repo.CountTransactions())
	assert.Equal(t, 9, stockOf(t, svc, "prod-a").OnHand)
}

func TestCheckoutCompensatesWhenSessionUpdateFails(t *testing.T) {
	repo := newFaultyStore(seedStore())
	svc := newTestService(t, repo, func(o *Options) { o.CompensationMaxAttempts = 2 })
	repo.on("IncrementSessionTotals", always)

	req := cashCheckout("idem-comp", 5000,
		domain.CartLine{ProductID: "prod-a", Quantity: 2},
		domain.CartLine{ProductID: "prod-c", Quantity: 1},
	)
	req.PromotionIDs = []string{"promo-feeds"}

	_, err := svc.ProcessCheckout(context.Background(), req)
	var checkoutErr *CheckoutError
	require.ErrorAs(t, err, &checkoutErr)
	assert.Equal(t, StageSessionUpdated, checkoutErr.Stage)
	assert.NotErrorIs(t, err, ErrCompensationIncomplete)

	assert.Equal(t, 10, stockOf(t, svc, "prod-a").OnHand)
	assert.Equal(t, 5, stockOf(t, svc, "prod-c").OnHand)
	feeds, err := repo.GetPromotion(context.Background(), "promo-feeds")
	require.NoError(t, err)
	assert.Equal(t, 0, feeds.TotalUses)

	tx, err := repo.FindTransactionByID(context.Background(), checkoutErr.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, tx.PaymentStatus)
	assert.Equal(t, StageSessionUpdated, tx.FailureStage)
	assert.Empty(t, repo.ReconciliationIssues())

	// Same key, same failure, no second attempt.
	repo.on("IncrementSessionTotals", func(int) error { return nil })
	_, retryErr := svc.ProcessCheckout(context.Background(), req)
	var replayed *CheckoutError
	require.ErrorAs(t, retryErr, &replayed)
	assert.Equal(t, checkoutErr.TransactionID, replayed.TransactionID)
	assert.Equal(t, 1, repo.CountTransactions())
}

func TestCheckoutCompensatesPartialInventory(t *testing.T) {
	repo := newFaultyStore(seedStore())
	svc := newTestService(t, repo)
	repo.on("DecrementStock", func(call int) error {
		if call == 2 {
			return store.ErrInsufficientStock
		}
		return nil
	})

	_, err := svc.ProcessCheckout(context.Background(), cashCheckout("idem-partial", 5000,
		domain.CartLine{ProductID: "prod-a", Quantity: 1},
		domain.CartLine{ProductID: "prod-c", Quantity: 1},
	))
	var checkoutErr *CheckoutError
	require.ErrorAs(t, err, &checkoutErr)
	assert.Equal(t, StageInventoryApplied, checkoutErr.Stage)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	assert.Equal(t, 10, stockOf(t, svc, "prod-a").OnHand)
	assert.Equal(t, 5, stockOf(t, svc, "prod-c").OnHand)
}

func TestCheckoutEscalatesIncompleteCompensation(t *testing.T) {
	repo := newFaultyStore(seedStore())
	svc := newTestService(t, repo, func(o *Options) { o.CompensationMaxAttempts = 2 })
	repo.on("IncrementSessionTotals", always)
	repo.on("IncrementStock", always)

	_, err := svc.ProcessCheckout(context.Background(), cashCheckout("idem-escalate", 5000,
		domain.CartLine{ProductID: "prod-a", Quantity: 1},
	))
	var checkoutErr *CheckoutError
	require.ErrorAs(t, err, &checkoutErr)
	assert.ErrorIs(t, err, ErrCompensationIncomplete)

	issues := repo.ReconciliationIssues()
	require.Len(t, issues, 1)
	assert.Equal(t, checkoutErr.TransactionID, issues[0].TransactionID)
	assert.Equal(t, StageSessionUpdated, issues[0].Stage)

	tx, err := repo.FindTransactionByID(context.Background(), checkoutErr.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, tx.PaymentStatus)
}

func TestCheckoutFailsBeforeStockWhenPaymentRowFails(t *testing.T) {
	repo := newFaultyStore(seedStore())
	svc := newTestService(t, repo)
	repo.on("AddPayment", always)

	_, err := svc.ProcessCheckout(context.Background(), cashCheckout("idem-pay", 5000,
		domain.CartLine{ProductID: "prod-a", Quantity: 1},
	))
	var checkoutErr *CheckoutError
	require.ErrorAs(t, err, &checkoutErr)
	assert.Equal(t, StagePaymentPersisted, checkoutErr.Stage)
	assert.Equal(t, 10, stockOf(t, svc, "prod-a").OnHand)
	assert.Equal(t, 0, repo.calls["DecrementStock"])
}

func TestCheckoutUsageLimitAbortPolicy(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)

	req := cashCheckout("idem-abort", 5000, domain.CartLine{ProductID: "prod-a", Quantity: 1})
	req.PromotionIDs = []string{"promo-full"}
	_, err := svc.ProcessCheckout(context.Background(), req)

	var usageErr *UsageError
	require.ErrorAs(t, err, &usageErr)
	assert.ErrorIs(t, err, store.ErrUsageLimitExceeded)
	assert.Equal(t, 0, repo.CountTransactions())
	full, err := repo.GetPromotion(context.Background(), "promo-full")
	require.NoError(t, err)
	assert.Equal(t, 100, full.TotalUses)
}

func TestCheckoutUsageLimitDropPolicy(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo, func(o *Options) { o.UsageLimitPolicy = config.UsagePolicyDrop })

	req := cashCheckout("idem-drop", 5000, domain.CartLine{ProductID: "prod-a", Quantity: 1})
	req.PromotionIDs = []string{"promo-full"}
	receipt, err := svc.ProcessCheckout(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(0), receipt.DiscountCents)
	assert.Equal(t, int64(1400), receipt.TotalCents)
	require.Len(t, receipt.DroppedUsages, 1)
	assert.Equal(t, "promo-full", receipt.DroppedUsages[0].ID)
	assert.Equal(t, "usage limit reached", receipt.DroppedUsages[0].Reason)

	full, err := repo.GetPromotion(context.Background(), "promo-full")
	require.NoError(t, err)
	assert.Equal(t, 100, full.TotalUses)
}

func TestCheckoutLostUsageRace(t *testing.T) {
	for _, policy := range []string{config.UsagePolicyAbort, config.UsagePolicyDrop} {
		t.Run(policy, func(t *testing.T) {
			repo := newFaultyStore(seedStore())
			svc := newTestService(t, repo, func(o *Options) { o.UsageLimitPolicy = policy })
			// Another checkout takes the last use between the pre-check and the increment.
			repo.on("IncrementUsage", func(int) error { return store.ErrUsageLimitExceeded })

			req := cashCheckout("idem-race-"+policy, 5000, domain.CartLine{ProductID: "prod-a", Quantity: 1})
			req.PromotionIDs = []string{"promo-one"}
			receipt, err := svc.ProcessCheckout(context.Background(), req)

			if policy == config.UsagePolicyAbort {
				var checkoutErr *CheckoutError
				require.ErrorAs(t, err, &checkoutErr)
				assert.Equal(t, StageUsageApplied, checkoutErr.Stage)
				assert.ErrorIs(t, err, store.ErrUsageLimitExceeded)
				assert.Equal(t, 10, stockOf(t, svc, "prod-a").OnHand)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, int64(0), receipt.DiscountCents)
			assert.Equal(t, int64(1400), receipt.TotalCents)
			assert.Equal(t, int64(3600), receipt.ChangeCents)
			assert.Empty(t, receipt.AppliedUsages)
			require.Len(t, receipt.DroppedUsages, 1)
			assert.Equal(t, int64(1400), receipt.Session.TotalSalesCents)
			assert.Equal(t, int64(0), receipt.Session.TotalDiscountsCents)

			tx, err := repo.FindTransactionByID(context.Background(), receipt.TransactionID)
			require.NoError(t, err)
			assert.Empty(t, tx.Usages)
			assert.Equal(t, int64(0), tx.DiscountCents)
			assert.Equal(t, int64(1400), tx.TotalCents)
			require.Len(t, tx.Payments, 1)
			assert.Equal(t, int64(1400), tx.Payments[0].AmountCents)
			assert.Equal(t, int64(3600), tx.Payments[0].ChangeCents)
			one, err := repo.GetPromotion(context.Background(), "promo-one")
			require.NoError(t, err)
			assert.Equal(t, 0, one.TotalUses)
		})
	}
}

func TestCheckoutLostUsageRaceFailsWhenCashNoLongerCovers(t *testing.T) {
	repo := newFaultyStore(seedStore())
	svc := newTestService(t, repo, func(o *Options) { o.UsageLimitPolicy = config.UsagePolicyDrop })
	repo.on("IncrementUsage", func(int) error { return store.ErrUsageLimitExceeded })

	// Exact cash for the discounted price of 1300.
	req := cashCheckout("idem-race-short", 1300, domain.CartLine{ProductID: "prod-a", Quantity: 1})
	req.PromotionIDs = []string{"promo-one"}
	_, err := svc.ProcessCheckout(context.Background(), req)

	var checkoutErr *CheckoutError
	require.ErrorAs(t, err, &checkoutErr)
	assert.Equal(t, StageUsageApplied, checkoutErr.Stage)
	assert.ErrorIs(t, err, store.ErrUsageLimitExceeded)
	assert.Equal(t, 10, stockOf(t, svc, "prod-a").OnHand)

	tx, err := repo.FindTransactionByID(context.Background(), checkoutErr.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, tx.PaymentStatus)
}

func TestFirstPurchasePromotionAppliesOnce(t *testing.T) {
	repo := seedStore()
	now := time.Now().UTC()
	repo.PutPromotion(domain.Promotion{
		ID: "promo-first", Code: "WELCOME", Status: domain.PromotionActive,
		DiscountType: domain.DiscountFixed, DiscountValue: 100, FirstPurchaseOnly: true,
		StartDate: now.AddDate(0, 0, -1), EndDate: now.AddDate(0, 0, 7),
	})
	svc := newTestService(t, repo)
	ctx := context.Background()

	firstPurchase := func(key string) (*domain.Receipt, error) {
		req := cashCheckout(key, 5000, domain.CartLine{ProductID: "prod-a", Quantity: 1})
		req.CustomerID = "cust-new"
		req.PromotionIDs = []string{"promo-first"}
		return svc.ProcessCheckout(ctx, req)
	}

	first, err := firstPurchase("idem-first-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), first.DiscountCents)
	customer, err := repo.GetCustomer(ctx, "cust-new")
	require.NoError(t, err)
	assert.Equal(t, 1, customer.CompletedTransactions)

	_, err = firstPurchase("idem-first-2")
	var usageErr *UsageError
	require.ErrorAs(t, err, &usageErr)
	assert.Equal(t, "promo-first", usageErr.ID)

	// Voiding the only purchase makes the customer a first-time buyer again.
	_, err = svc.VoidTransaction(managerCtx(), first.TransactionID, domain.VoidRequest{Reason: "returned"})
	require.NoError(t, err)
	customer, err = repo.GetCustomer(ctx, "cust-new")
	require.NoError(t, err)
	assert.Equal(t, 0, customer.CompletedTransactions)

	again, err := firstPurchase("idem-first-3")
	require.NoError(t, err)
	assert.Equal(t, int64(100), again.DiscountCents)
}

func TestVoidEvictsCachedReceipt(t *testing.T) {
	receipts := newMapReceiptCache()
	svc := newTestService(t, seedStore(), func(o *Options) { o.Receipts = receipts })
	ctx := context.Background()

	req := cashCheckout("idem-void-cache", 5000, domain.CartLine{ProductID: "prod-a", Quantity: 1})
	receipt, err := svc.ProcessCheckout(ctx, req)
	require.NoError(t, err)
	require.True(t, receipts.has("idem-void-cache"))

	_, err = svc.VoidTransaction(managerCtx(), receipt.TransactionID, domain.VoidRequest{Reason: "wrong item"})
	require.NoError(t, err)
	assert.False(t, receipts.has("idem-void-cache"))

	replayed, err := svc.ProcessCheckout(ctx, req)
	require.NoError(t, err)
	assert.True(t, replayed.Duplicate)
	assert.Equal(t, domain.PaymentStatusVoided, replayed.Status)
	assert.False(t, receipts.has("idem-void-cache"))
}

func TestCheckoutConsumesReservation(t *testing.T) {
	svc := newTestService(t, seedStore())
	ctx := context.Background()

	reservation, err := svc.Inventory.Reserve(ctx, domain.ReserveRequest{ProductID: "prod-a", Quantity: 3})
	require.NoError(t, err)

	_, err = svc.ProcessCheckout(ctx, cashCheckout("idem-rsv-bad", 10000,
		domain.CartLine{ProductID: "prod-a", Quantity: 2, ReservationID: reservation.ID},
	))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = svc.ProcessCheckout(ctx, cashCheckout("idem-rsv", 10000,
		domain.CartLine{ProductID: "prod-a", Quantity: 3, ReservationID: reservation.ID},
	))
	require.NoError(t, err)

	record := stockOf(t, svc, "prod-a")
	assert.Equal(t, 7, record.OnHand)
	assert.Equal(t, 7, record.Available)
}

func TestCheckoutNotifierFailureDoesNotFailSale(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("broker down")}
	svc := newTestService(t, seedStore(), func(o *Options) { o.Notifier = notifier })

	receipt, err := svc.ProcessCheckout(context.Background(), cashCheckout("idem-notify", 2000,
		domain.CartLine{ProductID: "prod-a", Quantity: 1},
	))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, receipt.Status)
	assert.Len(t, notifier.events, 1)
}

func TestCheckoutDetachesFromCancellationAfterHeader(t *testing.T) {
	repo := newFaultyStore(seedStore())
	svc := newTestService(t, repo)
	ctx, cancel := context.WithCancel(context.Background())
	repo.on("DecrementStock", func(int) error {
		cancel()
		return nil
	})

	receipt, err := svc.ProcessCheckout(ctx, cashCheckout("idem-cancel", 2000,
		domain.CartLine{ProductID: "prod-a", Quantity: 1},
	))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, receipt.Status)
}

func TestVoidTransaction(t *testing.T) {
	repo := seedStore()
	svc := newTestService(t, repo)

	req := cashCheckout("idem-void", 5000, domain.CartLine{ProductID: "prod-a", Quantity: 2})
	req.PromotionIDs = []string{"promo-feeds"}
	receipt, err := svc.ProcessCheckout(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.VoidTransaction(context.Background(), receipt.TransactionID, domain.VoidRequest{Reason: "wrong item"})
	assert.ErrorIs(t, err, ErrForbidden)

	voided, err := svc.VoidTransaction(managerCtx(), receipt.TransactionID, domain.VoidRequest{Reason: "wrong item"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusVoided, voided.PaymentStatus)

	assert.Equal(t, 10, stockOf(t, svc, "prod-a").OnHand)
	feeds, err := repo.GetPromotion(context.Background(), "promo-feeds")
	require.NoError(t, err)
	assert.Equal(t, 0, feeds.TotalUses)
	session, err := svc.Sessions.GetSession(context.Background(), receipt.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.TotalCents, session.TotalReturnsCents)

	_, err = svc.VoidTransaction(managerCtx(), receipt.TransactionID, domain.VoidRequest{})
	assert.ErrorIs(t, err, store.ErrTransactionFinalized)
}
