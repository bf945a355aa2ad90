package service

import (
	"errors"
	"fmt"

	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
)

// ErrCompensationIncomplete means a rollback step kept failing after every
// retry. The transaction is recorded for manual reconciliation.
var ErrCompensationIncomplete = errors.New("compensation incomplete")

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return store.ErrInvalid }

func invalid(field string, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type StockError struct {
	ProductID string
	BranchID  string
	Requested int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s at branch %s (requested %d)", e.ProductID, e.BranchID, e.Requested)
}

func (e *StockError) Unwrap() error { return store.ErrInsufficientStock }

type UsageError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s %s cannot be applied: %s", e.Kind, e.ID, e.Reason)
}

func (e *UsageError) Unwrap() error { return store.ErrUsageLimitExceeded }

// CheckoutError reports a checkout that failed after its header row was
// written. TransactionID points at the failed row.
type CheckoutError struct {
	Stage         string
	TransactionID string
	Err           error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("checkout %s failed at %s: %v", e.TransactionID, e.Stage, e.Err)
}

func (e *CheckoutError) Unwrap() error { return e.Err }

// PartialApplyError lists the stock movements that succeeded before Failed
// could not be applied. Applied is what a caller has to compensate.
type PartialApplyError struct {
	Applied []domain.StockMovement
	Failed  domain.StockMovement
	Err     error
}

func (e *PartialApplyError) Error() string {
	return fmt.Sprintf("stock applied for %d line(s) before product %s failed: %v", len(e.Applied), e.Failed.ProductID, e.Err)
}

func (e *PartialApplyError) Unwrap() error { return e.Err }
