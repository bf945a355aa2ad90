package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
)

// CheckEligibility answers whether a promotion or reward would apply to the
// given cart, priced from the catalog the same way checkout prices it.
func (s *Service) CheckEligibility(ctx context.Context, target domain.UsageTarget, req domain.EligibilityRequest) (domain.Eligibility, error) {
	if strings.TrimSpace(target.ID) == "" {
		return domain.Eligibility{}, invalid(target.Kind+"_id", "is required")
	}
	for i, line := range req.Items {
		if err := validateStruct(line); err != nil {
			return domain.Eligibility{}, fmt.Errorf("items[%d]: %w", i, err)
		}
	}

	summary, err := s.cartSummary(ctx, req.Items)
	if err != nil {
		return domain.Eligibility{}, err
	}

	var customer *domain.Customer
	if req.CustomerID != "" {
		customer, err = s.repo.GetCustomer(ctx, req.CustomerID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.Eligibility{}, invalid("customer_id", "is unknown")
		}
		if err != nil {
			return domain.Eligibility{}, err
		}
	}

	return s.Usage.CheckEligibility(ctx, target, customer, summary, s.now())
}

func (s *Service) cartSummary(ctx context.Context, lines []domain.CartLine) (domain.CartSummary, error) {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, dedupe(ids))
	if err != nil {
		return domain.CartSummary{}, err
	}

	summary := domain.CartSummary{Lines: make([]domain.CartSummaryLine, 0, len(lines))}
	for i, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return domain.CartSummary{}, invalid(fmt.Sprintf("items[%d].product_id", i), "is not an active product")
		}
		lineTotal := max(int64(line.Quantity)*product.PriceCents-line.DiscountCents, 0)
		summary.Lines = append(summary.Lines, domain.CartSummaryLine{
			ProductID:      product.ID,
			CategoryID:     product.CategoryID,
			LineTotalCents: lineTotal,
		})
		summary.SubtotalCents += lineTotal
	}
	return summary, nil
}
