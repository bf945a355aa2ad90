package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
)

// VoidTransaction reverses a completed sale: stock goes back on the shelf,
// promotion and reward uses are released and the amount is booked as a
// return on the originating session.
func (s *Service) VoidTransaction(ctx context.Context, transactionID string, req domain.VoidRequest) (*domain.Transaction, error) {
	if err := requireRole(ctx, domain.RoleManager, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if transactionID == "" {
		return nil, invalid("transaction_id", "is required")
	}
	reason := defaultString(req.Reason, "unspecified")

	tx, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.PaymentStatus != domain.PaymentStatusCompleted {
		return nil, fmt.Errorf("%w: transaction is %s", store.ErrTransactionFinalized, tx.PaymentStatus)
	}

	voided, err := s.repo.FinalizeTransaction(ctx, tx.ID, domain.PaymentStatusCompleted, domain.PaymentStatusVoided, "void", reason)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	log := s.log.WithFields(logrus.Fields{"transaction_id": tx.ID, "reason": reason})

	if tx.IdempotencyKey != "" {
		if err := s.receipts.Delete(ctx, tx.IdempotencyKey); err != nil {
			log.WithError(err).Warn("failed to evict cached receipt")
		}
	}

	var problems []error
	movements := make([]domain.StockMovement, 0, len(tx.Items))
	for _, item := range tx.Items {
		// A consumed reservation is settled; the stock comes back as plain on_hand.
		movements = append(movements, domain.StockMovement{ProductID: item.ProductID, BranchID: tx.BranchID, Quantity: item.Quantity})
	}
	if err := s.Inventory.Compensate(ctx, movements); err != nil {
		problems = append(problems, err)
	}
	if err := s.Usage.Compensate(ctx, tx.Usages, tx.CustomerID); err != nil {
		problems = append(problems, err)
	}

	err = s.retry.do(ctx, func(ctx context.Context) error {
		_, err := s.Sessions.ApplyTransactionTotals(ctx, tx.SessionID, domain.SessionDelta{ReturnsCents: tx.TotalCents})
		return err
	})
	if errors.Is(err, store.ErrSessionAlreadyClosed) {
		log.Warn("session already closed, return not booked on session totals")
	} else if err != nil {
		problems = append(problems, fmt.Errorf("book return on session: %w", err))
	}

	if len(problems) > 0 {
		s.escalate(ctx, tx.ID, "void", errors.Join(problems...))
	}

	actor, _ := ActorFromContext(ctx)
	log.WithField("actor", actor.Username).Info("transaction voided")
	voided.Items = tx.Items
	voided.Payments = tx.Payments
	for i := range voided.Payments {
		voided.Payments[i].Status = domain.PaymentStatusVoided
	}
	return voided, nil
}

func (s *Service) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, invalid("transaction_id", "is required")
	}
	return s.repo.FindTransactionByID(ctx, transactionID)
}
