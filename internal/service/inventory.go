package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
	"agrivetpos/backend/internal/xid"
)

// InventoryLedger applies stock movements through conditional storage
// updates. No read-then-write happens in application code.
type InventoryLedger struct {
	repo     store.Repository
	log      logrus.FieldLogger
	now      func() time.Time
	ttl      time.Duration
	retry    retryPolicy
	branchID string
}

// SaleLine is one product quantity to take out of stock, optionally against
// a reservation made earlier.
type SaleLine struct {
	ProductID     string
	Quantity      int
	ReservationID string
}

func (l *InventoryLedger) Levels(ctx context.Context, branchID string, productIDs []string) (map[string]domain.InventoryRecord, error) {
	return l.repo.GetInventory(ctx, defaultString(branchID, l.branchID), productIDs)
}

// Reserve holds quantity for a cart. Only available is reduced; on_hand
// moves when the reservation is consumed by a sale.
func (l *InventoryLedger) Reserve(ctx context.Context, req domain.ReserveRequest) (*domain.Reservation, error) {
	req.BranchID = defaultString(req.BranchID, l.branchID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	now := l.now()
	reservation, err := l.repo.CreateReservation(ctx, domain.Reservation{
		ID:        xid.New("rsv"),
		ProductID: req.ProductID,
		BranchID:  req.BranchID,
		Quantity:  req.Quantity,
		Reference: req.Reference,
		ExpiresAt: now.Add(l.ttl),
		CreatedAt: now,
	})
	if errors.Is(err, store.ErrInsufficientStock) {
		return nil, &StockError{ProductID: req.ProductID, BranchID: req.BranchID, Requested: req.Quantity}
	}
	return reservation, err
}

func (l *InventoryLedger) ReleaseReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	if reservationID == "" {
		return nil, invalid("reservation_id", "is required")
	}
	return l.repo.ReleaseReservation(ctx, reservationID, domain.ReservationReleased)
}

func (l *InventoryLedger) ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	return l.repo.ReleaseExpiredReservations(ctx, now)
}

// Decrement removes qty from on_hand and available only if enough is
// available. Concurrent callers can never drive either below zero.
func (l *InventoryLedger) Decrement(ctx context.Context, productID string, branchID string, qty int) (*domain.InventoryRecord, error) {
	if qty < 1 {
		return nil, invalid("quantity", "must be positive")
	}
	branchID = defaultString(branchID, l.branchID)
	record, err := l.repo.DecrementStock(ctx, productID, branchID, qty)
	if errors.Is(err, store.ErrInsufficientStock) {
		return nil, &StockError{ProductID: productID, BranchID: branchID, Requested: qty}
	}
	return record, err
}

func (l *InventoryLedger) ConsumeReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	reservation, err := l.repo.ConsumeReservation(ctx, reservationID)
	if errors.Is(err, store.ErrInsufficientStock) {
		return nil, fmt.Errorf("reservation %s is no longer active: %w", reservationID, err)
	}
	return reservation, err
}

func (l *InventoryLedger) Increment(ctx context.Context, productID string, branchID string, qty int) (*domain.InventoryRecord, error) {
	if qty < 1 {
		return nil, invalid("quantity", "must be positive")
	}
	return l.repo.IncrementStock(ctx, productID, defaultString(branchID, l.branchID), qty)
}

func (l *InventoryLedger) Restock(ctx context.Context, req domain.RestockRequest) (*domain.InventoryRecord, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	record, err := l.Increment(ctx, req.ProductID, req.BranchID, req.Quantity)
	if err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{"product_id": req.ProductID, "branch_id": record.BranchID, "quantity": req.Quantity}).Info("stock received")
	return record, nil
}

// ApplySale takes every line out of stock in order. When a line fails the
// movements applied so far are returned inside a *PartialApplyError and
// are left for the caller to compensate.
func (l *InventoryLedger) ApplySale(ctx context.Context, branchID string, lines []SaleLine) ([]domain.StockMovement, error) {
	branchID = defaultString(branchID, l.branchID)
	applied := make([]domain.StockMovement, 0, len(lines))
	for _, line := range lines {
		movement := domain.StockMovement{
			ProductID:     line.ProductID,
			BranchID:      branchID,
			Quantity:      line.Quantity,
			ReservationID: line.ReservationID,
		}

		var err error
		if line.ReservationID != "" {
			_, err = l.ConsumeReservation(ctx, line.ReservationID)
		} else {
			_, err = l.Decrement(ctx, line.ProductID, branchID, line.Quantity)
		}
		if err != nil {
			return applied, &PartialApplyError{Applied: applied, Failed: movement, Err: err}
		}
		applied = append(applied, movement)
	}
	return applied, nil
}

// Compensate reverses movements newest first. Each step is retried; steps
// that still fail are collected and reported as ErrCompensationIncomplete.
func (l *InventoryLedger) Compensate(ctx context.Context, movements []domain.StockMovement) error {
	var failed []error
	for i := len(movements) - 1; i >= 0; i-- {
		movement := movements[i]
		err := l.retry.do(ctx, func(ctx context.Context) error {
			if movement.ReservationID != "" {
				_, err := l.repo.RestoreReservation(ctx, movement.ReservationID)
				if errors.Is(err, store.ErrConflict) {
					// already restored by an earlier attempt
					return nil
				}
				return err
			}
			_, err := l.repo.IncrementStock(ctx, movement.ProductID, movement.BranchID, movement.Quantity)
			return err
		})
		if err != nil {
			l.log.WithFields(logrus.Fields{
				"product_id":     movement.ProductID,
				"branch_id":      movement.BranchID,
				"quantity":       movement.Quantity,
				"reservation_id": movement.ReservationID,
			}).WithError(err).Error("stock compensation failed")
			failed = append(failed, fmt.Errorf("restore %s x%d: %w", movement.ProductID, movement.Quantity, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %w", ErrCompensationIncomplete, errors.Join(failed...))
	}
	return nil
}
