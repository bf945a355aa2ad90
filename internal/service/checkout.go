package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"agrivetpos/backend/internal/config"
	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
	"agrivetpos/backend/internal/xid"
)

// Checkout pipeline stages, in order. A failed transaction records the
// stage it was trying to reach.
const (
	StageValidating           = "validating"
	StageSessionReady         = "session_ready"
	StageTransactionPersisted = "transaction_persisted"
	StageItemsPersisted       = "items_persisted"
	StagePaymentPersisted     = "payment_persisted"
	StageInventoryApplied     = "inventory_applied"
	StageUsageApplied         = "usage_applied"
	StageSessionUpdated       = "session_updated"
	StageConfirmed            = "confirmed"
)

type checkoutPlan struct {
	branchID  string
	customer  *domain.Customer
	items     []domain.TransactionItem
	saleLines []SaleLine
	usages    []domain.UsageTarget
	dropped   []domain.DroppedUsage

	// usageDiscounts[i] is what usages[i] takes off the order.
	usageDiscounts []int64
	orderDiscount  int64
	taxRate        float64
	method         string
	cashTendered   int64

	// subtotal is net of line discounts, so it equals the sum of line totals.
	subtotal int64
	discount int64
	tax      int64
	total    int64
	tendered int64
	change   int64
}

// price fills the money fields given the promotion and reward discount in
// force. It fails when the cash tendered does not cover the total.
func (p *checkoutPlan) price(usageDiscount int64) error {
	p.discount = min(p.orderDiscount+usageDiscount, p.subtotal)
	taxBase := p.subtotal - p.discount
	p.tax = decimal.NewFromInt(taxBase).
		Mul(decimal.NewFromFloat(p.taxRate)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	p.total = taxBase + p.tax

	if p.method != domain.PaymentMethodCash {
		p.tendered = p.total
		p.change = 0
		return nil
	}
	if p.cashTendered < p.total {
		return invalid("payment.cash_tendered_cents", "is less than the total")
	}
	p.tendered = p.cashTendered
	p.change = p.tendered - p.total
	return nil
}

// ProcessCheckout turns a cart into a completed transaction. Either every
// effect (stock, usage counters, session totals) is applied and the
// transaction is completed, or the applied effects are rolled back and the
// transaction is marked failed with the stage that broke.
//
// Requests are idempotent on IdempotencyKey: a retry returns the receipt of
// the first attempt, or the same failure if that attempt failed.
func (s *Service) ProcessCheckout(ctx context.Context, req domain.CheckoutRequest) (*domain.Receipt, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}
	req.CashierID = strings.TrimSpace(req.CashierID)
	req.BranchID = defaultString(req.BranchID, s.branchID)
	req.Payment.Method = strings.ToLower(defaultString(req.Payment.Method, domain.PaymentMethodCash))
	req.PromotionIDs = dedupe(req.PromotionIDs)
	req.RewardIDs = dedupe(req.RewardIDs)

	if receipt, err := s.replay(ctx, req.IdempotencyKey, true); receipt != nil || err != nil {
		return receipt, err
	}

	unlock, err := s.locker.Lock(ctx, "checkout:"+req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: checkout %s is already being processed: %v", store.ErrConflict, req.IdempotencyKey, err)
	}
	defer unlock()

	// The holder of the lock before us may have finished the same request.
	if receipt, err := s.replay(ctx, req.IdempotencyKey, false); receipt != nil || err != nil {
		return receipt, err
	}

	plan, err := s.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	session, err := s.Sessions.GetOrCreateOpenSession(ctx, domain.SessionOpenRequest{
		CashierID:         req.CashierID,
		BranchID:          plan.branchID,
		TerminalID:        req.TerminalID,
		StartingCashCents: req.StartingCashCents,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageSessionReady, err)
	}

	return s.execute(ctx, req, plan, session)
}

// plan validates the request and prices it from the catalog. Nothing is
// written; every rejection here leaves no trace in storage.
func (s *Service) plan(ctx context.Context, req domain.CheckoutRequest) (*checkoutPlan, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if !isSupportedPaymentMethod(req.Payment.Method) {
		return nil, invalid("payment.method", "is not supported")
	}
	if req.Payment.Method != domain.PaymentMethodCash && strings.TrimSpace(req.Payment.ReferenceNumber) == "" {
		return nil, invalid("payment.reference_number", "is required for non-cash payments")
	}

	plan := &checkoutPlan{
		branchID:      req.BranchID,
		orderDiscount: req.OrderDiscountCents,
		taxRate:       req.TaxRatePercent,
		method:        req.Payment.Method,
		cashTendered:  req.Payment.CashTenderedCents,
	}

	productIDs := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		productIDs = append(productIDs, line.ProductID)
	}
	productIDs = dedupe(productIDs)
	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	needed := make(map[string]int, len(productIDs))
	summary := domain.CartSummary{Lines: make([]domain.CartSummaryLine, 0, len(req.Items))}
	for i, line := range req.Items {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, invalid(fmt.Sprintf("items[%d].product_id", i), "is not an active product")
		}
		if line.UnitPriceCents != 0 && line.UnitPriceCents != product.PriceCents {
			s.log.WithFields(logrus.Fields{
				"product_id":    product.ID,
				"client_price":  line.UnitPriceCents,
				"catalog_price": product.PriceCents,
			}).Warn("client price differs from catalog, using catalog")
		}

		gross := int64(line.Quantity) * product.PriceCents
		if line.DiscountCents > gross {
			return nil, invalid(fmt.Sprintf("items[%d].discount_cents", i), "exceeds line amount")
		}

		if line.ReservationID != "" {
			if err := s.checkReservation(ctx, line, plan.branchID, i); err != nil {
				return nil, err
			}
		} else {
			needed[product.ID] += line.Quantity
		}

		plan.items = append(plan.items, domain.TransactionItem{
			ID:             xid.New("txi"),
			ProductID:      product.ID,
			ProductName:    product.Name,
			SKU:            product.SKU,
			Unit:           product.Unit,
			Quantity:       line.Quantity,
			UnitPriceCents: product.PriceCents,
			DiscountCents:  line.DiscountCents,
			LineTotalCents: gross - line.DiscountCents,
			ReservationID:  line.ReservationID,
		})
		plan.saleLines = append(plan.saleLines, SaleLine{ProductID: product.ID, Quantity: line.Quantity, ReservationID: line.ReservationID})
		summary.Lines = append(summary.Lines, domain.CartSummaryLine{ProductID: product.ID, CategoryID: product.CategoryID, LineTotalCents: gross - line.DiscountCents})
		plan.subtotal += gross - line.DiscountCents
	}
	summary.SubtotalCents = plan.subtotal

	levels, err := s.Inventory.Levels(ctx, plan.branchID, productIDs)
	if err != nil {
		return nil, err
	}
	for productID, qty := range needed {
		if levels[productID].Available < qty {
			return nil, &StockError{ProductID: productID, BranchID: plan.branchID, Requested: qty}
		}
	}

	if req.CustomerID != "" {
		customer, err := s.repo.GetCustomer(ctx, req.CustomerID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalid("customer_id", "is unknown")
		}
		if err != nil {
			return nil, err
		}
		plan.customer = customer
	}

	usageDiscount, err := s.planUsages(ctx, req, plan, summary)
	if err != nil {
		return nil, err
	}

	if err := plan.price(usageDiscount); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *Service) checkReservation(ctx context.Context, line domain.CartLine, branchID string, index int) error {
	field := fmt.Sprintf("items[%d].reservation_id", index)
	reservation, err := s.repo.GetReservation(ctx, line.ReservationID)
	if errors.Is(err, store.ErrNotFound) {
		return invalid(field, "is unknown")
	}
	if err != nil {
		return err
	}
	if reservation.Status != domain.ReservationActive || !reservation.ExpiresAt.After(s.now()) {
		return invalid(field, "is no longer active")
	}
	if reservation.ProductID != line.ProductID || reservation.BranchID != branchID || reservation.Quantity != line.Quantity {
		return invalid(field, "does not match the line")
	}
	return nil
}

// planUsages checks every requested promotion and reward. Ineligible ones
// are dropped or rejected depending on the usage limit policy.
func (s *Service) planUsages(ctx context.Context, req domain.CheckoutRequest, plan *checkoutPlan, summary domain.CartSummary) (int64, error) {
	targets := make([]domain.UsageTarget, 0, len(req.PromotionIDs)+len(req.RewardIDs))
	for _, id := range req.PromotionIDs {
		targets = append(targets, domain.UsageTarget{Kind: domain.UsageKindPromotion, ID: id})
	}
	for _, id := range req.RewardIDs {
		targets = append(targets, domain.UsageTarget{Kind: domain.UsageKindReward, ID: id})
	}

	var total int64
	now := s.now()
	for _, target := range targets {
		eligibility, err := s.Usage.CheckEligibility(ctx, target, plan.customer, summary, now)
		if errors.Is(err, store.ErrNotFound) {
			return 0, invalid(target.Kind+"_id", target.ID+" is unknown")
		}
		if err != nil {
			return 0, err
		}
		if !eligibility.Eligible {
			if s.policy == config.UsagePolicyDrop {
				plan.dropped = append(plan.dropped, domain.DroppedUsage{UsageTarget: target, Reason: eligibility.Reason})
				continue
			}
			return 0, &UsageError{Kind: target.Kind, ID: target.ID, Reason: eligibility.Reason}
		}

		discount, err := s.Usage.Discount(ctx, target, summary)
		if err != nil {
			return 0, err
		}
		total += discount
		plan.usages = append(plan.usages, target)
		plan.usageDiscounts = append(plan.usageDiscounts, discount)
	}
	return total, nil
}

// execute runs the write stages. Once the header row exists the pipeline
// no longer follows caller cancellation so it always ends in a terminal
// state.
func (s *Service) execute(ctx context.Context, req domain.CheckoutRequest, plan *checkoutPlan, session *domain.Session) (*domain.Receipt, error) {
	seq, err := s.repo.NextSequence(ctx, "transaction:"+plan.branchID)
	if err != nil {
		return nil, fmt.Errorf("allocate transaction number: %w", err)
	}

	now := s.now()
	header := domain.Transaction{
		ID:                xid.New("tx"),
		TransactionNumber: xid.Number("TXN", plan.branchID, seq),
		SessionID:         session.ID,
		CashierID:         req.CashierID,
		BranchID:          plan.branchID,
		TerminalID:        req.TerminalID,
		CustomerID:        req.CustomerID,
		IsGuestOrder:      req.CustomerID == "",
		IdempotencyKey:    req.IdempotencyKey,
		SubtotalCents:     plan.subtotal,
		DiscountCents:     plan.discount,
		TaxCents:          plan.tax,
		TotalCents:        plan.total,
		PaymentMethod:     req.Payment.Method,
		PaymentStatus:     domain.PaymentStatusPending,
		FulfillmentStatus: domain.FulfillmentPickedUp,
		Usages:            plan.usages,
		TransactionDate:   now,
		UpdatedAt:         now,
	}

	created, err := s.repo.CreateTransaction(ctx, header)
	if errors.Is(err, store.ErrConflict) {
		// Another instance persisted the same key first.
		if receipt, replayErr := s.replay(ctx, req.IdempotencyKey, false); receipt != nil || replayErr != nil {
			return receipt, replayErr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageTransactionPersisted, err)
	}

	ctx = context.WithoutCancel(ctx)
	run := &pipelineRun{svc: s, tx: created, customerID: req.CustomerID, log: s.log.WithFields(logrus.Fields{
		"transaction_id":     created.ID,
		"transaction_number": created.TransactionNumber,
		"idempotency_key":    req.IdempotencyKey,
	})}

	for i := range plan.items {
		plan.items[i].TransactionID = created.ID
	}
	if err := s.repo.AddTransactionItems(ctx, created.ID, plan.items); err != nil {
		return nil, run.fail(ctx, StageItemsPersisted, err)
	}

	payment := domain.Payment{
		ID:              xid.New("pay"),
		TransactionID:   created.ID,
		Method:          req.Payment.Method,
		AmountCents:     plan.total,
		TenderedCents:   plan.tendered,
		ChangeCents:     plan.change,
		ReferenceNumber: req.Payment.ReferenceNumber,
		Status:          domain.PaymentStatusPending,
		ProcessedAt:     now,
	}
	if err := s.repo.AddPayment(ctx, payment); err != nil {
		return nil, run.fail(ctx, StagePaymentPersisted, err)
	}

	movements, err := s.Inventory.ApplySale(ctx, plan.branchID, plan.saleLines)
	if err != nil {
		var partial *PartialApplyError
		if errors.As(err, &partial) {
			run.movements = partial.Applied
		}
		return nil, run.fail(ctx, StageInventoryApplied, err)
	}
	run.movements = movements

	applied := make([]domain.UsageTarget, 0, len(plan.usages))
	var keptDiscount int64
	var lost error
	for i, target := range plan.usages {
		err := s.Usage.RecordUsage(ctx, target, req.CustomerID, 1)
		var usageErr *UsageError
		if errors.As(err, &usageErr) && s.policy == config.UsagePolicyDrop {
			run.log.WithFields(logrus.Fields{"kind": target.Kind, "id": target.ID}).Warn("usage limit reached during checkout, dropping")
			plan.dropped = append(plan.dropped, domain.DroppedUsage{UsageTarget: target, Reason: usageErr.Reason})
			lost = err
			continue
		}
		if err != nil {
			return nil, run.fail(ctx, StageUsageApplied, err)
		}
		applied = append(applied, target)
		keptDiscount += plan.usageDiscounts[i]
		run.usages = applied
	}
	if lost != nil {
		// The sale goes ahead without the dropped discounts, so the pending
		// header and payment are priced again before anything is confirmed.
		if err := plan.price(keptDiscount); err != nil {
			return nil, run.fail(ctx, StageUsageApplied, fmt.Errorf("%w: %w", lost, err))
		}
		repricing := domain.Repricing{
			DiscountCents: plan.discount,
			TaxCents:      plan.tax,
			TotalCents:    plan.total,
			TenderedCents: plan.tendered,
			ChangeCents:   plan.change,
			Usages:        applied,
		}
		if err := s.repo.RepriceTransaction(ctx, created.ID, repricing); err != nil {
			return nil, run.fail(ctx, StageUsageApplied, err)
		}
		payment.AmountCents = plan.total
		payment.TenderedCents = plan.tendered
		payment.ChangeCents = plan.change
	}

	delta := domain.SessionDelta{
		SalesCents:     plan.total,
		DiscountsCents: plan.discount,
		TaxesCents:     plan.tax,
		Transactions:   1,
	}
	updatedSession, err := s.Sessions.ApplyTransactionTotals(ctx, session.ID, delta)
	if err != nil {
		return nil, run.fail(ctx, StageSessionUpdated, err)
	}
	run.sessionID = session.ID
	run.delta = &delta

	confirmed, err := s.repo.FinalizeTransaction(ctx, created.ID, domain.PaymentStatusPending, domain.PaymentStatusCompleted, "", "")
	if err != nil {
		return nil, run.fail(ctx, StageConfirmed, err)
	}
	confirmed.Items = plan.items
	payment.Status = domain.PaymentStatusCompleted
	confirmed.Payments = []domain.Payment{payment}
	confirmed.Usages = applied

	receipt := toReceipt(confirmed, updatedSession, false)
	receipt.DroppedUsages = plan.dropped

	if err := s.receipts.Set(ctx, req.IdempotencyKey, receipt, s.receiptTTL); err != nil {
		run.log.WithError(err).Warn("failed to cache receipt")
	}
	s.publishSale(ctx, confirmed)

	run.log.WithFields(logrus.Fields{
		"total_cents": confirmed.TotalCents,
		"payment":     confirmed.PaymentMethod,
		"session_id":  session.ID,
		"dropped":     len(plan.dropped),
	}).Info("checkout completed")
	return receipt, nil
}

// pipelineRun tracks what a checkout has applied so far, which is exactly
// what a failure has to undo.
type pipelineRun struct {
	svc        *Service
	tx         *domain.Transaction
	customerID string
	movements  []domain.StockMovement
	usages     []domain.UsageTarget
	sessionID  string
	delta      *domain.SessionDelta
	log        logrus.FieldLogger
}

// fail rolls back applied effects newest first, marks the transaction
// failed and returns the error the caller sees. Rollback steps that cannot
// be completed are escalated as a reconciliation issue.
func (r *pipelineRun) fail(ctx context.Context, stage string, cause error) error {
	s := r.svc
	var compensation []error

	if r.delta != nil {
		err := s.retry.do(ctx, func(ctx context.Context) error {
			_, err := s.Sessions.ApplyTransactionTotals(ctx, r.sessionID, r.delta.Negate())
			return err
		})
		if err != nil {
			compensation = append(compensation, fmt.Errorf("revert session totals: %w", err))
		}
	}
	if len(r.usages) > 0 {
		if err := s.Usage.Compensate(ctx, r.usages, r.customerID); err != nil {
			compensation = append(compensation, err)
		}
	}
	if len(r.movements) > 0 {
		if err := s.Inventory.Compensate(ctx, r.movements); err != nil {
			compensation = append(compensation, err)
		}
	}

	reason := cause.Error()
	err := s.retry.do(ctx, func(ctx context.Context) error {
		_, err := s.repo.FinalizeTransaction(ctx, r.tx.ID, domain.PaymentStatusPending, domain.PaymentStatusFailed, stage, reason)
		return err
	})
	if err != nil {
		compensation = append(compensation, fmt.Errorf("mark transaction failed: %w", err))
	}

	r.log.WithFields(logrus.Fields{"stage": stage, "reason": reason}).Warn("checkout failed")

	if len(compensation) == 0 {
		return &CheckoutError{Stage: stage, TransactionID: r.tx.ID, Err: cause}
	}

	incomplete := errors.Join(compensation...)
	if !errors.Is(incomplete, ErrCompensationIncomplete) {
		incomplete = fmt.Errorf("%w: %w", ErrCompensationIncomplete, incomplete)
	}
	s.escalate(ctx, r.tx.ID, stage, incomplete)
	return &CheckoutError{Stage: stage, TransactionID: r.tx.ID, Err: errors.Join(cause, incomplete)}
}

func (s *Service) escalate(ctx context.Context, transactionID string, stage string, err error) {
	config.LogError(s.log, "checkout", "escalate", "compensation incomplete, manual reconciliation required",
		logrus.Fields{"transaction_id": transactionID, "stage": stage}, err)

	issue := domain.ReconciliationIssue{
		ID:            xid.New("rec"),
		TransactionID: transactionID,
		Stage:         stage,
		Detail:        err.Error(),
		CreatedAt:     s.now(),
	}
	if recErr := s.repo.CreateReconciliationIssue(ctx, issue); recErr != nil {
		config.LogError(s.log, "checkout", "escalate", "failed to record reconciliation issue", issue, recErr)
	}
}

// replay answers a request whose key was seen before. It returns nil, nil
// when the key is new, or when the first attempt is still running and
// waitPending is set so the caller queues on the key lock instead.
func (s *Service) replay(ctx context.Context, key string, waitPending bool) (*domain.Receipt, error) {
	if cached, ok, err := s.receipts.Get(ctx, key); err != nil {
		s.log.WithError(err).Warn("receipt cache lookup failed")
	} else if ok {
		cached.Duplicate = true
		return cached, nil
	}

	tx, err := s.repo.FindTransactionByIdempotency(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	switch tx.PaymentStatus {
	case domain.PaymentStatusFailed:
		return nil, &CheckoutError{Stage: tx.FailureStage, TransactionID: tx.ID, Err: errors.New(tx.FailureReason)}
	case domain.PaymentStatusPending:
		if waitPending {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: checkout %s is still in progress", store.ErrConflict, tx.ID)
	}

	session, err := s.repo.GetSession(ctx, tx.SessionID)
	if err != nil {
		return nil, err
	}
	receipt := toReceipt(tx, session, true)
	if tx.PaymentStatus == domain.PaymentStatusCompleted {
		if err := s.receipts.Set(ctx, key, receipt, s.receiptTTL); err != nil {
			s.log.WithError(err).Warn("failed to cache receipt")
		}
	}
	return receipt, nil
}

// LookupByIdempotency reports the outcome of a checkout by key without
// starting one.
func (s *Service) LookupByIdempotency(ctx context.Context, key string) (domain.CheckoutLookupResponse, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.CheckoutLookupResponse{}, invalid("idempotency_key", "is required")
	}

	if cached, ok, err := s.receipts.Get(ctx, key); err == nil && ok {
		return domain.CheckoutLookupResponse{Found: true, Receipt: cached}, nil
	}

	tx, err := s.repo.FindTransactionByIdempotency(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutLookupResponse{Found: false}, nil
	}
	if err != nil {
		return domain.CheckoutLookupResponse{}, err
	}
	session, err := s.repo.GetSession(ctx, tx.SessionID)
	if err != nil {
		return domain.CheckoutLookupResponse{}, err
	}
	return domain.CheckoutLookupResponse{Found: true, Receipt: toReceipt(tx, session, false)}, nil
}

func (s *Service) publishSale(ctx context.Context, tx *domain.Transaction) {
	err := s.notifier.SaleCompleted(ctx, domain.SaleCompletedEvent{
		TransactionID:     tx.ID,
		TransactionNumber: tx.TransactionNumber,
		BranchID:          tx.BranchID,
		CashierID:         tx.CashierID,
		CustomerID:        tx.CustomerID,
		TotalCents:        tx.TotalCents,
		PaymentMethod:     tx.PaymentMethod,
		TransactionDate:   tx.TransactionDate,
	})
	if err != nil {
		s.log.WithField("transaction_id", tx.ID).WithError(err).Warn("failed to publish sale.completed")
	}
}

func toReceipt(tx *domain.Transaction, session *domain.Session, duplicate bool) *domain.Receipt {
	itemCount := 0
	for _, item := range tx.Items {
		itemCount += item.Quantity
	}

	receipt := &domain.Receipt{
		TransactionID:     tx.ID,
		TransactionNumber: tx.TransactionNumber,
		Status:            tx.PaymentStatus,
		SubtotalCents:     tx.SubtotalCents,
		DiscountCents:     tx.DiscountCents,
		TaxCents:          tx.TaxCents,
		TotalCents:        tx.TotalCents,
		PaymentMethod:     tx.PaymentMethod,
		Items:             itemCount,
		AppliedUsages:     slices.Clone(tx.Usages),
		Duplicate:         duplicate,
		TransactionDate:   tx.TransactionDate,
	}
	if len(tx.Payments) > 0 {
		receipt.TenderedCents = tx.Payments[0].TenderedCents
		receipt.ChangeCents = tx.Payments[0].ChangeCents
	}
	if session != nil {
		receipt.Session = *session
	}
	return receipt
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
