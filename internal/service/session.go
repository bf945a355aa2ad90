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

// SessionManager owns the open/closed lifecycle of cashier sessions and the
// running totals each completed transaction adds to them.
type SessionManager struct {
	repo     store.Repository
	log      logrus.FieldLogger
	now      func() time.Time
	branchID string
}

// GetOrCreateOpenSession returns the single open session for the cashier at
// the branch, creating it when none exists. Two concurrent callers both end
// up with the same session: the loser of the insert race re-reads the row.
func (m *SessionManager) GetOrCreateOpenSession(ctx context.Context, req domain.SessionOpenRequest) (*domain.Session, error) {
	req.CashierID = strings.TrimSpace(req.CashierID)
	req.BranchID = defaultString(req.BranchID, m.branchID)
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	existing, err := m.repo.FindOpenSession(ctx, req.CashierID, req.BranchID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	seq, err := m.repo.NextSequence(ctx, "session:"+req.BranchID)
	if err != nil {
		return nil, fmt.Errorf("allocate session number: %w", err)
	}
	session := domain.Session{
		ID:                xid.New("ses"),
		SessionNumber:     xid.Number("SES", req.BranchID, seq),
		CashierID:         req.CashierID,
		BranchID:          req.BranchID,
		TerminalID:        req.TerminalID,
		Status:            domain.SessionStatusOpen,
		OpenedAt:          m.now(),
		StartingCashCents: req.StartingCashCents,
	}

	created, err := m.repo.CreateSession(ctx, session)
	if errors.Is(err, store.ErrConflict) {
		m.log.WithFields(logrus.Fields{"cashier_id": req.CashierID, "branch_id": req.BranchID}).
			Debug("open session created concurrently, re-reading")
		return m.repo.FindOpenSession(ctx, req.CashierID, req.BranchID)
	}
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"session_id":     created.ID,
		"session_number": created.SessionNumber,
		"cashier_id":     created.CashierID,
		"branch_id":      created.BranchID,
	}).Info("session opened")
	return created, nil
}

// ApplyTransactionTotals adds delta to the session counters in one
// storage-side increment. A negated delta reverses an earlier application.
func (m *SessionManager) ApplyTransactionTotals(ctx context.Context, sessionID string, delta domain.SessionDelta) (*domain.Session, error) {
	if sessionID == "" {
		return nil, invalid("session_id", "is required")
	}
	return m.repo.IncrementSessionTotals(ctx, sessionID, delta)
}

func (m *SessionManager) CloseSession(ctx context.Context, sessionID string, req domain.SessionCloseRequest) (*domain.ClosedSessionSummary, error) {
	if sessionID == "" {
		return nil, invalid("session_id", "is required")
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if req.ClosedBy == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			req.ClosedBy = actor.Username
		}
	}

	closedAt := m.now()
	session, err := m.repo.CloseSession(ctx, sessionID, req.EndingCashCents, req.ClosedBy, closedAt)
	if err != nil {
		return nil, err
	}

	expected := session.StartingCashCents + session.TotalSalesCents
	summary := &domain.ClosedSessionSummary{
		Session:           *session,
		ExpectedCashCents: expected,
		CashVarianceCents: req.EndingCashCents - expected,
		DurationSeconds:   int64(closedAt.Sub(session.OpenedAt).Seconds()),
	}

	entry := m.log.WithFields(logrus.Fields{
		"session_id":    session.ID,
		"cash_variance": summary.CashVarianceCents,
		"transactions":  session.TotalTransactions,
	})
	if summary.CashVarianceCents != 0 {
		entry.Warn("session closed with cash variance")
	} else {
		entry.Info("session closed")
	}
	return summary, nil
}

func (m *SessionManager) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if sessionID == "" {
		return nil, invalid("session_id", "is required")
	}
	return m.repo.GetSession(ctx, sessionID)
}

func (m *SessionManager) GetOpenSession(ctx context.Context, cashierID string, branchID string) (*domain.Session, error) {
	if strings.TrimSpace(cashierID) == "" {
		return nil, invalid("cashier_id", "is required")
	}
	return m.repo.FindOpenSession(ctx, cashierID, defaultString(branchID, m.branchID))
}

// SuspendSession parks an open session; checkouts cannot attach to it until
// it is resumed.
func (m *SessionManager) SuspendSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return m.repo.SetSessionStatus(ctx, sessionID, domain.SessionStatusOpen, domain.SessionStatusSuspended)
}

// ResumeSession reopens a suspended session. It conflicts when the cashier
// has opened another session at the branch in the meantime.
func (m *SessionManager) ResumeSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return m.repo.SetSessionStatus(ctx, sessionID, domain.SessionStatusSuspended, domain.SessionStatusOpen)
}
