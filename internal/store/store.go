package store

import (
	"context"
	"errors"
	"time"

	"agrivetpos/backend/internal/domain"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalid              = errors.New("invalid request")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrUsageLimitExceeded   = errors.New("usage limit exceeded")
	ErrSessionAlreadyClosed = errors.New("session already closed")
	ErrTransactionFinalized = errors.New("transaction already finalized")
)

type CatalogStore interface {
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
}

// SequenceStore hands out gap-tolerant, strictly increasing numbers per name.
type SequenceStore interface {
	NextSequence(ctx context.Context, name string) (int64, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	FindOpenSession(ctx context.Context, cashierID string, branchID string) (*domain.Session, error)
	IncrementSessionTotals(ctx context.Context, id string, delta domain.SessionDelta) (*domain.Session, error)
	CloseSession(ctx context.Context, id string, endingCashCents int64, closedBy string, closedAt time.Time) (*domain.Session, error)
	SetSessionStatus(ctx context.Context, id string, from string, to string) (*domain.Session, error)
}

type InventoryStore interface {
	GetInventory(ctx context.Context, branchID string, productIDs []string) (map[string]domain.InventoryRecord, error)
	DecrementStock(ctx context.Context, productID string, branchID string, qty int) (*domain.InventoryRecord, error)
	IncrementStock(ctx context.Context, productID string, branchID string, qty int) (*domain.InventoryRecord, error)
	CreateReservation(ctx context.Context, reservation domain.Reservation) (*domain.Reservation, error)
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	ConsumeReservation(ctx context.Context, id string) (*domain.Reservation, error)
	RestoreReservation(ctx context.Context, id string) (*domain.Reservation, error)
	ReleaseReservation(ctx context.Context, id string, status string) (*domain.Reservation, error)
	ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error)
}

type UsageStore interface {
	GetPromotion(ctx context.Context, id string) (*domain.Promotion, error)
	GetReward(ctx context.Context, id string) (*domain.Reward, error)
	CustomerUsageCount(ctx context.Context, target domain.UsageTarget, customerID string) (int, error)
	IncrementUsage(ctx context.Context, target domain.UsageTarget, customerID string, qty int, perCustomerLimit *int) error
	DecrementUsage(ctx context.Context, target domain.UsageTarget, customerID string, qty int) error
	SyncPromotionStatuses(ctx context.Context, now time.Time) (int, error)
	ExpireRewards(ctx context.Context, now time.Time) (int, error)
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	AddTransactionItems(ctx context.Context, transactionID string, items []domain.TransactionItem) error
	AddPayment(ctx context.Context, payment domain.Payment) error
	RepriceTransaction(ctx context.Context, id string, r domain.Repricing) error
	// FinalizeTransaction moves the payment status from -> to. Completing a
	// customer's sale counts it towards their completed purchases; voiding it
	// takes it back.
	FinalizeTransaction(ctx context.Context, id string, from string, to string, stage string, reason string) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	CreateReconciliationIssue(ctx context.Context, issue domain.ReconciliationIssue) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	CatalogStore
	SequenceStore
	SessionStore
	InventoryStore
	UsageStore
	TransactionStore
	UserStore
}
