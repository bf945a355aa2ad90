package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
)

const DefaultBranchID = "main-branch"

// Store keeps every table in maps behind one mutex. Each method holds the
// lock for its whole guard-and-mutate step, which gives the same atomicity
// as the single conditional UPDATE statements of the postgres store.
type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	customers        map[string]domain.Customer
	inventory        map[string]*domain.InventoryRecord
	reservations     map[string]*domain.Reservation
	sessions         map[string]*domain.Session
	openSessionByKey map[string]string
	transactions     map[string]*domain.Transaction
	txByIdem         map[string]string
	txNumbers        map[string]struct{}
	promotions       map[string]*domain.Promotion
	rewards          map[string]*domain.Reward
	customerUsage    map[string]int
	sequences        map[string]int64
	issues           []domain.ReconciliationIssue
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:         make(map[string]domain.Product),
		customers:        make(map[string]domain.Customer),
		inventory:        make(map[string]*domain.InventoryRecord),
		reservations:     make(map[string]*domain.Reservation),
		sessions:         make(map[string]*domain.Session),
		openSessionByKey: make(map[string]string),
		transactions:     make(map[string]*domain.Transaction),
		txByIdem:         make(map[string]string),
		txNumbers:        make(map[string]struct{}),
		promotions:       make(map[string]*domain.Promotion),
		rewards:          make(map[string]*domain.Reward),
		customerUsage:    make(map[string]int),
		sequences:        make(map[string]int64),
		issues:           make([]domain.ReconciliationIssue, 0, 8),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD; hardcoded dev defaults are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials, set SEED_*_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"manager", managerPwd, domain.RoleManager},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	for _, p := range []domain.Product{
		{ID: "prod-feed-starter", SKU: "FEED-STR-25", Name: "Broiler Starter Feed 25kg", Unit: "sack", CategoryID: "feeds", PriceCents: 140000, Active: true},
		{ID: "prod-feed-grower", SKU: "FEED-GRW-25", Name: "Hog Grower Feed 25kg", Unit: "sack", CategoryID: "feeds", PriceCents: 128000, Active: true},
		{ID: "prod-vit-b", SKU: "VET-VITB-100", Name: "Vitamin B Complex 100ml", Unit: "bottle", CategoryID: "vet-meds", PriceCents: 35000, Active: true},
		{ID: "prod-dewormer", SKU: "VET-DWM-50", Name: "Oral Dewormer 50ml", Unit: "bottle", CategoryID: "vet-meds", PriceCents: 22000, Active: true},
		{ID: "prod-seed-corn", SKU: "SEED-CORN-1", Name: "Hybrid Corn Seed 1kg", Unit: "pack", CategoryID: "seeds", PriceCents: 56000, Active: true},
		{ID: "prod-sprayer", SKU: "TOOL-SPR-16", Name: "Knapsack Sprayer 16L", Unit: "piece", CategoryID: "tools", PriceCents: 185000, Active: true},
	} {
		s.products[p.ID] = p
		s.inventory[inventoryKey(DefaultBranchID, p.ID)] = &domain.InventoryRecord{
			ProductID: p.ID,
			BranchID:  DefaultBranchID,
			OnHand:    50,
			Available: 50,
			UpdatedAt: time.Now().UTC(),
		}
	}

	s.customers["cust-juan"] = domain.Customer{ID: "cust-juan", Name: "Juan Dela Cruz", Tier: "gold", CompletedTransactions: 12}
	s.customers["cust-maria"] = domain.Customer{ID: "cust-maria", Name: "Maria Santos", Tier: "silver"}

	now := time.Now().UTC()
	limit := 100
	perCustomer := 1
	s.promotions["promo-feeds-10"] = &domain.Promotion{
		ID: "promo-feeds-10", Code: "FEEDS10", Name: "10% off feeds", Status: domain.PromotionActive,
		DiscountType: domain.DiscountPercent, DiscountValue: 10,
		StartDate: now.AddDate(0, 0, -7), EndDate: now.AddDate(0, 1, 0),
		MaxUses: &limit, CategoryIDs: []string{"feeds"},
	}
	s.promotions["promo-welcome"] = &domain.Promotion{
		ID: "promo-welcome", Code: "WELCOME", Name: "First purchase 50 off", Status: domain.PromotionActive,
		DiscountType: domain.DiscountFixed, DiscountValue: 5000,
		StartDate: now.AddDate(0, 0, -30), EndDate: now.AddDate(1, 0, 0),
		MaxUsesPerCustomer: &perCustomer, FirstPurchaseOnly: true,
	}
	s.rewards["reward-gold-100"] = &domain.Reward{
		ID: "reward-gold-100", Name: "Gold member 100 voucher", Status: domain.RewardActive,
		ValueCents: 10000, MaxUsesPerCustomer: &perCustomer, Tiers: []string{"gold"},
	}

	return s
}

// Seeding helpers used by tests and demo wiring.

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) PutCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = c
}

func (s *Store) PutPromotion(p domain.Promotion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promotions[p.ID] = &p
}

func (s *Store) PutReward(r domain.Reward) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards[r.ID] = &r
}

func (s *Store) SetStock(branchID string, productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory[inventoryKey(branchID, productID)] = &domain.InventoryRecord{
		ProductID: productID,
		BranchID:  branchID,
		OnHand:    qty,
		Available: qty,
		UpdatedAt: time.Now().UTC(),
	}
}

func (s *Store) ReconciliationIssues() []domain.ReconciliationIssue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.issues)
}

func (s *Store) CountTransactions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transactions)
}

func (s *Store) CountOpenSessions(cashierID string, branchID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, session := range s.sessions {
		if session.CashierID == cashierID && session.BranchID == branchID && session.Status == domain.SessionStatusOpen {
			count++
		}
	}
	return count
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok && product.Active {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (s *Store) NextSequence(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[name]++
	return s.sequences[name], nil
}

func (s *Store) CreateSession(_ context.Context, session domain.Session) (*domain.Session, error) {
	if session.ID == "" || session.CashierID == "" || session.BranchID == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(session.CashierID, session.BranchID)
	if session.Status == domain.SessionStatusOpen {
		if _, exists := s.openSessionByKey[key]; exists {
			return nil, store.ErrConflict
		}
		s.openSessionByKey[key] = session.ID
	}
	saved := session
	s.sessions[session.ID] = &saved
	out := saved
	return &out, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *session
	return &out, nil
}

func (s *Store) FindOpenSession(_ context.Context, cashierID string, branchID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openSessionByKey[sessionKey(cashierID, branchID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *s.sessions[id]
	return &out, nil
}

func (s *Store) IncrementSessionTotals(_ context.Context, id string, delta domain.SessionDelta) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status == domain.SessionStatusClosed {
		return nil, store.ErrSessionAlreadyClosed
	}
	session.TotalSalesCents += delta.SalesCents
	session.TotalDiscountsCents += delta.DiscountsCents
	session.TotalTaxesCents += delta.TaxesCents
	session.TotalReturnsCents += delta.ReturnsCents
	session.TotalTransactions += delta.Transactions
	out := *session
	return &out, nil
}

func (s *Store) CloseSession(_ context.Context, id string, endingCashCents int64, closedBy string, closedAt time.Time) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionStatusOpen {
		return nil, store.ErrSessionAlreadyClosed
	}
	ending := endingCashCents
	at := closedAt
	session.Status = domain.SessionStatusClosed
	session.EndingCashCents = &ending
	session.ClosedAt = &at
	session.ClosedBy = closedBy
	delete(s.openSessionByKey, sessionKey(session.CashierID, session.BranchID))
	out := *session
	return &out, nil
}

func (s *Store) SetSessionStatus(_ context.Context, id string, from string, to string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != from {
		if session.Status == domain.SessionStatusClosed {
			return nil, store.ErrSessionAlreadyClosed
		}
		return nil, store.ErrConflict
	}
	key := sessionKey(session.CashierID, session.BranchID)
	if to == domain.SessionStatusOpen {
		if _, exists := s.openSessionByKey[key]; exists {
			return nil, store.ErrConflict
		}
		s.openSessionByKey[key] = session.ID
	}
	if from == domain.SessionStatusOpen {
		delete(s.openSessionByKey, key)
	}
	session.Status = to
	out := *session
	return &out, nil
}

func (s *Store) GetInventory(_ context.Context, branchID string, productIDs []string) (map[string]domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.InventoryRecord, len(productIDs))
	for _, id := range productIDs {
		if record, ok := s.inventory[inventoryKey(branchID, id)]; ok {
			result[id] = *record
		}
	}
	return result, nil
}

func (s *Store) DecrementStock(_ context.Context, productID string, branchID string, qty int) (*domain.InventoryRecord, error) {
	if qty < 1 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.inventory[inventoryKey(branchID, productID)]
	if !ok || record.Available < qty || record.OnHand < qty {
		return nil, store.ErrInsufficientStock
	}
	record.OnHand -= qty
	record.Available -= qty
	record.UpdatedAt = time.Now().UTC()
	out := *record
	return &out, nil
}

func (s *Store) IncrementStock(_ context.Context, productID string, branchID string, qty int) (*domain.InventoryRecord, error) {
	if qty < 1 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := inventoryKey(branchID, productID)
	record, ok := s.inventory[key]
	if !ok {
		record = &domain.InventoryRecord{ProductID: productID, BranchID: branchID}
		s.inventory[key] = record
	}
	record.OnHand += qty
	record.Available += qty
	record.UpdatedAt = time.Now().UTC()
	out := *record
	return &out, nil
}

func (s *Store) CreateReservation(_ context.Context, reservation domain.Reservation) (*domain.Reservation, error) {
	if reservation.ID == "" || reservation.Quantity < 1 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.inventory[inventoryKey(reservation.BranchID, reservation.ProductID)]
	if !ok || record.Available < reservation.Quantity {
		return nil, store.ErrInsufficientStock
	}
	record.Available -= reservation.Quantity
	record.UpdatedAt = time.Now().UTC()

	reservation.Status = domain.ReservationActive
	saved := reservation
	s.reservations[reservation.ID] = &saved
	out := saved
	return &out, nil
}

func (s *Store) GetReservation(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reservation, ok := s.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *reservation
	return &out, nil
}

func (s *Store) ConsumeReservation(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, ok := s.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if reservation.Status != domain.ReservationActive || !reservation.ExpiresAt.After(time.Now().UTC()) {
		return nil, store.ErrInsufficientStock
	}
	record, ok := s.inventory[inventoryKey(reservation.BranchID, reservation.ProductID)]
	if !ok || record.OnHand < reservation.Quantity {
		return nil, store.ErrInsufficientStock
	}
	record.OnHand -= reservation.Quantity
	record.UpdatedAt = time.Now().UTC()
	reservation.Status = domain.ReservationConsumed
	out := *reservation
	return &out, nil
}

func (s *Store) RestoreReservation(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, ok := s.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if reservation.Status != domain.ReservationConsumed {
		return nil, store.ErrConflict
	}
	record, ok := s.inventory[inventoryKey(reservation.BranchID, reservation.ProductID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	record.OnHand += reservation.Quantity
	record.UpdatedAt = time.Now().UTC()
	reservation.Status = domain.ReservationActive
	out := *reservation
	return &out, nil
}

func (s *Store) ReleaseReservation(_ context.Context, id string, status string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, ok := s.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if reservation.Status != domain.ReservationActive {
		return nil, store.ErrConflict
	}
	s.releaseLocked(reservation, status)
	out := *reservation
	return &out, nil
}

func (s *Store) ReleaseExpiredReservations(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, reservation := range s.reservations {
		if reservation.Status == domain.ReservationActive && !reservation.ExpiresAt.After(now) {
			s.releaseLocked(reservation, domain.ReservationExpired)
			released++
		}
	}
	return released, nil
}

func (s *Store) releaseLocked(reservation *domain.Reservation, status string) {
	if record, ok := s.inventory[inventoryKey(reservation.BranchID, reservation.ProductID)]; ok {
		record.Available = min(record.Available+reservation.Quantity, record.OnHand)
		record.UpdatedAt = time.Now().UTC()
	}
	reservation.Status = status
}

func (s *Store) GetPromotion(_ context.Context, id string) (*domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	promo, ok := s.promotions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *promo
	out.ProductIDs = slices.Clone(promo.ProductIDs)
	out.CategoryIDs = slices.Clone(promo.CategoryIDs)
	out.Tiers = slices.Clone(promo.Tiers)
	return &out, nil
}

func (s *Store) GetReward(_ context.Context, id string) (*domain.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reward, ok := s.rewards[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *reward
	out.Tiers = slices.Clone(reward.Tiers)
	return &out, nil
}

func (s *Store) CustomerUsageCount(_ context.Context, target domain.UsageTarget, customerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.customerUsage[usageKey(target, customerID)], nil
}

func (s *Store) IncrementUsage(_ context.Context, target domain.UsageTarget, customerID string, qty int, perCustomerLimit *int) error {
	if qty < 1 {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total, maxUses, err := s.usageCounterLocked(target)
	if err != nil {
		return err
	}
	if maxUses != nil && *total+qty > *maxUses {
		return store.ErrUsageLimitExceeded
	}
	key := usageKey(target, customerID)
	if customerID != "" && perCustomerLimit != nil && s.customerUsage[key]+qty > *perCustomerLimit {
		return fmt.Errorf("%w: per customer", store.ErrUsageLimitExceeded)
	}
	*total += qty
	if customerID != "" {
		s.customerUsage[key] += qty
	}
	return nil
}

func (s *Store) DecrementUsage(_ context.Context, target domain.UsageTarget, customerID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	total, _, err := s.usageCounterLocked(target)
	if err != nil {
		return err
	}
	*total = max(*total-qty, 0)
	if customerID != "" {
		key := usageKey(target, customerID)
		s.customerUsage[key] = max(s.customerUsage[key]-qty, 0)
	}
	return nil
}

func (s *Store) usageCounterLocked(target domain.UsageTarget) (*int, *int, error) {
	switch target.Kind {
	case domain.UsageKindPromotion:
		promo, ok := s.promotions[target.ID]
		if !ok {
			return nil, nil, store.ErrNotFound
		}
		return &promo.TotalUses, promo.MaxUses, nil
	case domain.UsageKindReward:
		reward, ok := s.rewards[target.ID]
		if !ok {
			return nil, nil, store.ErrNotFound
		}
		return &reward.TotalUses, reward.MaxUses, nil
	}
	return nil, nil, store.ErrInvalid
}

func (s *Store) SyncPromotionStatuses(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, promo := range s.promotions {
		next := domain.PromotionStatusAt(*promo, now)
		if next != promo.Status {
			promo.Status = next
			changed++
		}
	}
	return changed, nil
}

func (s *Store) ExpireRewards(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, reward := range s.rewards {
		if reward.Status == domain.RewardActive && reward.ExpiresAt != nil && !reward.ExpiresAt.After(now) {
			reward.Status = domain.RewardExpired
			expired++
		}
	}
	return expired, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" || tx.TransactionNumber == "" || tx.SessionID == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if _, exists := s.txByIdem[tx.IdempotencyKey]; exists {
			return nil, store.ErrConflict
		}
	}
	if _, exists := s.txNumbers[tx.TransactionNumber]; exists {
		return nil, store.ErrConflict
	}

	saved := cloneTransaction(&tx)
	saved.Items = nil
	saved.Payments = nil
	s.transactions[tx.ID] = saved
	s.txNumbers[tx.TransactionNumber] = struct{}{}
	if tx.IdempotencyKey != "" {
		s.txByIdem[tx.IdempotencyKey] = tx.ID
	}
	return cloneTransaction(saved), nil
}

func (s *Store) AddTransactionItems(_ context.Context, transactionID string, items []domain.TransactionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[transactionID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.IsTerminal() {
		return store.ErrTransactionFinalized
	}
	tx.Items = append(tx.Items, items...)
	return nil
}

func (s *Store) AddPayment(_ context.Context, payment domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[payment.TransactionID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.IsTerminal() {
		return store.ErrTransactionFinalized
	}
	tx.Payments = append(tx.Payments, payment)
	return nil
}

func (s *Store) RepriceTransaction(_ context.Context, id string, r domain.Repricing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return store.ErrNotFound
	}
	if tx.IsTerminal() {
		return store.ErrTransactionFinalized
	}
	if r.TotalCents != tx.SubtotalCents-r.DiscountCents+r.TaxCents {
		return store.ErrInvalid
	}
	tx.DiscountCents = r.DiscountCents
	tx.TaxCents = r.TaxCents
	tx.TotalCents = r.TotalCents
	tx.Usages = slices.Clone(r.Usages)
	for i := range tx.Payments {
		tx.Payments[i].AmountCents = r.TotalCents
		tx.Payments[i].TenderedCents = r.TenderedCents
		tx.Payments[i].ChangeCents = r.ChangeCents
	}
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) FinalizeTransaction(_ context.Context, id string, from string, to string, stage string, reason string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.PaymentStatus != from {
		return nil, store.ErrTransactionFinalized
	}
	tx.PaymentStatus = to
	tx.FailureStage = stage
	tx.FailureReason = reason
	tx.UpdatedAt = time.Now().UTC()
	for i := range tx.Payments {
		tx.Payments[i].Status = to
	}
	if customer, ok := s.customers[tx.CustomerID]; ok {
		switch {
		case to == domain.PaymentStatusCompleted:
			customer.CompletedTransactions++
		case from == domain.PaymentStatusCompleted && customer.CompletedTransactions > 0:
			customer.CompletedTransactions--
		}
		s.customers[tx.CustomerID] = customer
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.txByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(s.transactions[id]), nil
}

func (s *Store) CreateReconciliationIssue(_ context.Context, issue domain.ReconciliationIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = append(s.issues, issue)
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func inventoryKey(branchID string, productID string) string {
	return branchID + "|" + productID
}

func sessionKey(cashierID string, branchID string) string {
	return cashierID + "|" + branchID
}

func usageKey(target domain.UsageTarget, customerID string) string {
	return target.Kind + "|" + target.ID + "|" + customerID
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Items = slices.Clone(src.Items)
	dst.Payments = slices.Clone(src.Payments)
	dst.Usages = slices.Clone(src.Usages)
	return &dst
}
