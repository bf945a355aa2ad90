package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
	"agrivetpos/backend/internal/store/memory"
)

const testBranch = memory.DefaultBranchID

var errInjected = errors.New("injected failure")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func intPtr(v int) *int { return &v }

// seedStore loads a small deterministic catalog.
func seedStore() *memory.Store {
	repo := memory.New()
	now := time.Now().UTC()

	repo.PutProduct(domain.Product{ID: "prod-a", SKU: "A", Name: "Layer Mash 50kg", Unit: "sack", CategoryID: "feeds", PriceCents: 1400, Active: true})
	repo.PutProduct(domain.Product{ID: "prod-b", SKU: "B", Name: "Vitamin Drops", Unit: "bottle", CategoryID: "vet-meds", PriceCents: 500, Active: true})
	repo.PutProduct(domain.Product{ID: "prod-c", SKU: "C", Name: "Feeding Trough", Unit: "piece", CategoryID: "tools", PriceCents: 2000, Active: true})
	repo.SetStock(testBranch, "prod-a", 10)
	repo.SetStock(testBranch, "prod-b", 1)
	repo.SetStock(testBranch, "prod-c", 5)

	repo.PutCustomer(domain.Customer{ID: "cust-1", Name: "Ana Reyes", Tier: "gold", CompletedTransactions: 3})
	repo.PutCustomer(domain.Customer{ID: "cust-new", Name: "Ben Cruz", Tier: "silver"})

	window := func(p domain.Promotion) domain.Promotion {
		p.Status = domain.PromotionActive
		p.StartDate = now.AddDate(0, 0, -1)
		p.EndDate = now.AddDate(0, 0, 7)
		return p
	}
	repo.PutPromotion(window(domain.Promotion{ID: "promo-full", Code: "FULL", DiscountType: domain.DiscountFixed, DiscountValue: 100, MaxUses: intPtr(100), TotalUses: 100}))
	repo.PutPromotion(window(domain.Promotion{ID: "promo-feeds", Code: "FEEDS10", DiscountType: domain.DiscountPercent, DiscountValue: 10, CategoryIDs: []string{"feeds"}}))
	repo.PutPromotion(window(domain.Promotion{ID: "promo-one", Code: "ONE", DiscountType: domain.DiscountFixed, DiscountValue: 100, MaxUses: intPtr(1)}))
	repo.PutReward(domain.Reward{ID: "reward-gold", Name: "Gold voucher", Status: domain.RewardActive, ValueCents: 300, Tiers: []string{"gold"}, MaxUsesPerCustomer: intPtr(1)})
	return repo
}

func newTestService(t *testing.T, repo store.Repository, mutate ...func(*Options)) *Service {
	t.Helper()
	opts := Options{
		DefaultBranchID:     testBranch,
		CompensationBackoff: time.Millisecond,
		Logger:              quietLogger(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return New(repo, opts)
}

func cashCheckout(key string, tendered int64, items ...domain.CartLine) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		IdempotencyKey: key,
		CashierID:      "cashier-1",
		BranchID:       testBranch,
		Items:          items,
		Payment:        domain.PaymentInstruction{Method: domain.PaymentMethodCash, CashTenderedCents: tendered},
	}
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "manager", Role: domain.RoleManager})
}

// faultyStore wraps the memory store and fails selected methods. A hook
// receives the 1-based call number and returns the error to inject.
type faultyStore struct {
	*memory.Store
	mu    sync.Mutex
	calls map[string]int
	hooks map[string]func(call int) error
}

func newFaultyStore(base *memory.Store) *faultyStore {
	return &faultyStore{Store: base, calls: map[string]int{}, hooks: map[string]func(int) error{}}
}

func (f *faultyStore) on(method string, hook func(call int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[method] = hook
}

func (f *faultyStore) fault(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if hook, ok := f.hooks[method]; ok {
		return hook(f.calls[method])
	}
	return nil
}

func always(int) error { return errInjected }

func onCall(n int) func(int) error {
	return func(call int) error {
		if call == n {
			return errInjected
		}
		return nil
	}
}

func (f *faultyStore) DecrementStock(ctx context.Context, productID string, branchID string, qty int) (*domain.InventoryRecord, error) {
	if err := f.fault("DecrementStock"); err != nil {
		return nil, err
	}
	return f.Store.DecrementStock(ctx, productID, branchID, qty)
}

func (f *faultyStore) IncrementStock(ctx context.Context, productID string, branchID string, qty int) (*domain.InventoryRecord, error) {
	if err := f.fault("IncrementStock"); err != nil {
		return nil, err
	}
	return f.Store.IncrementStock(ctx, productID, branchID, qty)
}

func (f *faultyStore) IncrementUsage(ctx context.Context, target domain.UsageTarget, customerID string, qty int, perCustomerLimit *int) error {
	if err := f.fault("IncrementUsage"); err != nil {
		return err
	}
	return f.Store.IncrementUsage(ctx, target, customerID, qty, perCustomerLimit)
}

func (f *faultyStore) IncrementSessionTotals(ctx context.Context, id string, delta domain.SessionDelta) (*domain.Session, error) {
	if err := f.fault("IncrementSessionTotals"); err != nil {
		return nil, err
	}
	return f.Store.IncrementSessionTotals(ctx, id, delta)
}

func (f *faultyStore) AddPayment(ctx context.Context, payment domain.Payment) error {
	if err := f.fault("AddPayment"); err != nil {
		return err
	}
	return f.Store.AddPayment(ctx, payment)
}

// mapReceiptCache is an in-process ReceiptCache that ignores TTLs.
type mapReceiptCache struct {
	mu       sync.Mutex
	receipts map[string]domain.Receipt
}

func newMapReceiptCache() *mapReceiptCache {
	return &mapReceiptCache{receipts: map[string]domain.Receipt{}}
}

func (c *mapReceiptCache) Get(_ context.Context, key string) (*domain.Receipt, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[key]
	if !ok {
		return nil, false, nil
	}
	return &receipt, true, nil
}

func (c *mapReceiptCache) Set(_ context.Context, key string, value *domain.Receipt, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[key] = *value
	return nil
}

func (c *mapReceiptCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.receipts, key)
	return nil
}

func (c *mapReceiptCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.receipts[key]
	return ok
}
