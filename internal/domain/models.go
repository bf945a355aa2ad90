package domain

import "time"

type Product struct {
	ID         string `json:"id"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Unit       string `json:"unit"`
	CategoryID string `json:"category_id"`
	PriceCents int64  `json:"price_cents"`
	Active     bool   `json:"active"`
}

// Customer carries the attributes promotion targeting is evaluated against.
type Customer struct {
	ID                    string     `json:"id"`
	Name                  string     `json:"name"`
	Tier                  string     `json:"tier"`
	Birthday              *time.Time `json:"birthday,omitempty"`
	CompletedTransactions int        `json:"completed_transactions"`
}

type InventoryRecord struct {
	ProductID string    `json:"product_id"`
	BranchID  string    `json:"branch_id"`
	OnHand    int       `json:"on_hand"`
	Available int       `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Reservation struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	BranchID  string    `json:"branch_id"`
	Quantity  int       `json:"quantity"`
	Reference string    `json:"reference,omitempty"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

type ReserveRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	BranchID  string `json:"branch_id"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	Reference string `json:"reference"`
}

type RestockRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	BranchID  string `json:"branch_id"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

// StockMovement is one applied ledger mutation; Quantity is what left on_hand.
type StockMovement struct {
	ProductID     string `json:"product_id"`
	BranchID      string `json:"branch_id"`
	Quantity      int    `json:"quantity"`
	ReservationID string `json:"reservation_id,omitempty"`
}

type Session struct {
	ID                  string     `json:"id"`
	SessionNumber       string     `json:"session_number"`
	CashierID           string     `json:"cashier_id"`
	BranchID            string     `json:"branch_id"`
	TerminalID          string     `json:"terminal_id,omitempty"`
	Status              string     `json:"status"`
	OpenedAt            time.Time  `json:"opened_at"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
	StartingCashCents   int64      `json:"starting_cash_cents"`
	EndingCashCents     *int64     `json:"ending_cash_cents,omitempty"`
	TotalSalesCents     int64      `json:"total_sales_cents"`
	TotalDiscountsCents int64      `json:"total_discounts_cents"`
	TotalReturnsCents   int64      `json:"total_returns_cents"`
	TotalTaxesCents     int64      `json:"total_taxes_cents"`
	TotalTransactions   int64      `json:"total_transactions"`
	ClosedBy            string     `json:"closed_by,omitempty"`
}

type SessionOpenRequest struct {
	CashierID         string `json:"cashier_id" validate:"required"`
	BranchID          string `json:"branch_id"`
	TerminalID        string `json:"terminal_id"`
	StartingCashCents int64  `json:"starting_cash_cents" validate:"gte=0"`
}

type SessionCloseRequest struct {
	EndingCashCents int64  `json:"ending_cash_cents" validate:"gte=0"`
	ClosedBy        string `json:"closed_by"`
}

// SessionDelta is the contribution of one transaction to its session totals.
type SessionDelta struct {
	SalesCents     int64
	DiscountsCents int64
	TaxesCents     int64
	ReturnsCents   int64
	Transactions   int64
}

func (d SessionDelta) Negate() SessionDelta {
	return SessionDelta{
		SalesCents:     -d.SalesCents,
		DiscountsCents: -d.DiscountsCents,
		TaxesCents:     -d.TaxesCents,
		ReturnsCents:   -d.ReturnsCents,
		Transactions:   -d.Transactions,
	}
}

type ClosedSessionSummary struct {
	Session           Session `json:"session"`
	ExpectedCashCents int64   `json:"expected_cash_cents"`
	CashVarianceCents int64   `json:"cash_variance_cents"`
	DurationSeconds   int64   `json:"duration_seconds"`
}

type Transaction struct {
	ID                string            `json:"id"`
	TransactionNumber string            `json:"transaction_number"`
	SessionID         string            `json:"session_id"`
	CashierID         string            `json:"cashier_id"`
	BranchID          string            `json:"branch_id"`
	TerminalID        string            `json:"terminal_id,omitempty"`
	CustomerID        string            `json:"customer_id,omitempty"`
	IsGuestOrder      bool              `json:"is_guest_order"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty"`
	SubtotalCents     int64             `json:"subtotal_cents"`
	DiscountCents     int64             `json:"discount_cents"`
	TaxCents          int64             `json:"tax_cents"`
	TotalCents        int64             `json:"total_cents"`
	PaymentMethod     string            `json:"payment_method"`
	PaymentStatus     string            `json:"payment_status"`
	FulfillmentStatus string            `json:"fulfillment_status"`
	FailureStage      string            `json:"failure_stage,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	Usages            []UsageTarget     `json:"usages,omitempty"`
	TransactionDate   time.Time         `json:"transaction_date"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Items             []TransactionItem `json:"items"`
	Payments          []Payment         `json:"payments"`
}

// IsTerminal reports whether the payment status no longer accepts mutation.
func (t Transaction) IsTerminal() bool {
	switch t.PaymentStatus {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusVoided:
		return true
	}
	return false
}

type TransactionItem struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transaction_id"`
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	SKU            string `json:"sku"`
	Unit           string `json:"unit"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	DiscountCents  int64  `json:"discount_cents"`
	LineTotalCents int64  `json:"line_total"`
	ReservationID  string `json:"reservation_id,omitempty"`
}

type Payment struct {
	ID              string    `json:"id"`
	TransactionID   string    `json:"transaction_id"`
	Method          string    `json:"method"`
	AmountCents     int64     `json:"amount_cents"`
	TenderedCents   int64     `json:"tendered_cents"`
	ChangeCents     int64     `json:"change_cents"`
	ReferenceNumber string    `json:"reference_number,omitempty"`
	Status          string    `json:"status"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// Repricing replaces the money fields of a pending transaction and its
// payment when a discount falls away mid-checkout. Subtotal and line items
// are unchanged.
type Repricing struct {
	DiscountCents int64
	TaxCents      int64
	TotalCents    int64
	TenderedCents int64
	ChangeCents   int64
	Usages        []UsageTarget
}

type Promotion struct {
	ID                 string    `json:"id"`
	Code               string    `json:"code"`
	Name               string    `json:"name"`
	Status             string    `json:"status"`
	DiscountType       string    `json:"discount_type"`
	DiscountValue      float64   `json:"discount_value"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	MaxUses            *int      `json:"max_uses,omitempty"`
	TotalUses          int       `json:"total_uses"`
	MaxUsesPerCustomer *int      `json:"max_uses_per_customer,omitempty"`
	ProductIDs         []string  `json:"product_ids,omitempty"`
	CategoryIDs        []string  `json:"category_ids,omitempty"`
	MinPurchaseCents   int64     `json:"min_purchase_cents"`
	FirstPurchaseOnly  bool      `json:"first_purchase_only"`
	BirthdayMonthOnly  bool      `json:"birthday_month_only"`
	Tiers              []string  `json:"tiers,omitempty"`
}

type Reward struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Status             string     `json:"status"`
	ValueCents         int64      `json:"value_cents"`
	MaxUses            *int       `json:"max_uses,omitempty"`
	TotalUses          int        `json:"total_uses"`
	MaxUsesPerCustomer *int       `json:"max_uses_per_customer,omitempty"`
	MinPurchaseCents   int64      `json:"min_purchase_cents"`
	Tiers              []string   `json:"tiers,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

// UsageTarget names one promotion or reward applied to a transaction.
type UsageTarget struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// CartSummary is the priced view of a cart that targeting conditions read.
type CartSummary struct {
	SubtotalCents int64
	Lines         []CartSummaryLine
}

type CartSummaryLine struct {
	ProductID      string
	CategoryID     string
	LineTotalCents int64
}

type EligibilityRequest struct {
	CustomerID string     `json:"customer_id"`
	Items      []CartLine `json:"items"`
}

type CartLine struct {
	ProductID      string `json:"product_id" validate:"required"`
	Quantity       int    `json:"quantity" validate:"gt=0"`
	UnitPriceCents int64  `json:"unit_price_cents" validate:"gte=0"`
	DiscountCents  int64  `json:"discount_cents" validate:"gte=0"`
	ReservationID  string `json:"reservation_id,omitempty"`
}

type PaymentInstruction struct {
	Method            string `json:"method" validate:"required"`
	CashTenderedCents int64  `json:"cash_tendered_cents" validate:"gte=0"`
	ReferenceNumber   string `json:"reference_number,omitempty"`
}

type CheckoutRequest struct {
	IdempotencyKey     string             `json:"idempotency_key"`
	CashierID          string             `json:"cashier_id" validate:"required"`
	BranchID           string             `json:"branch_id"`
	TerminalID         string             `json:"terminal_id"`
	CustomerID         string             `json:"customer_id,omitempty"`
	StartingCashCents  int64              `json:"starting_cash_cents" validate:"gte=0"`
	OrderDiscountCents int64              `json:"order_discount_cents" validate:"gte=0"`
	TaxRatePercent     float64            `json:"tax_rate_percent" validate:"gte=0,lte=100"`
	PromotionIDs       []string           `json:"promotion_ids,omitempty"`
	RewardIDs          []string           `json:"reward_ids,omitempty"`
	Items              []CartLine         `json:"items" validate:"required,min=1,dive"`
	Payment            PaymentInstruction `json:"payment"`
}

type Receipt struct {
	TransactionID     string         `json:"transaction_id"`
	TransactionNumber string         `json:"transaction_number"`
	Status            string         `json:"status"`
	SubtotalCents     int64          `json:"subtotal_cents"`
	DiscountCents     int64          `json:"discount_cents"`
	TaxCents          int64          `json:"tax_cents"`
	TotalCents        int64          `json:"total_cents"`
	TenderedCents     int64          `json:"tendered_cents"`
	ChangeCents       int64          `json:"change_cents"`
	PaymentMethod     string         `json:"payment_method"`
	Items             int            `json:"item_count"`
	AppliedUsages     []UsageTarget  `json:"applied_usages,omitempty"`
	DroppedUsages     []DroppedUsage `json:"dropped_usages,omitempty"`
	Session           Session        `json:"session"`
	Duplicate         bool           `json:"duplicate"`
	TransactionDate   time.Time      `json:"transaction_date"`
}

type DroppedUsage struct {
	UsageTarget
	Reason string `json:"reason"`
}

type CheckoutLookupResponse struct {
	Found   bool     `json:"found"`
	Receipt *Receipt `json:"receipt,omitempty"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
}

// SaleCompletedEvent is emitted to the notification collaborator.
type SaleCompletedEvent struct {
	TransactionID     string    `json:"transaction_id"`
	TransactionNumber string    `json:"transaction_number"`
	BranchID          string    `json:"branch_id"`
	CashierID         string    `json:"cashier_id"`
	CustomerID        string    `json:"customer_id,omitempty"`
	TotalCents        int64     `json:"total_cents"`
	PaymentMethod     string    `json:"payment_method"`
	TransactionDate   time.Time `json:"transaction_date"`
}

type ReconciliationIssue struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Stage         string    `json:"stage"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type JobResult struct {
	Job      string `json:"job"`
	Affected int    `json:"affected"`
	RanAt    string `json:"ran_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	SessionStatusOpen      = "open"
	SessionStatusClosed    = "closed"
	SessionStatusSuspended = "suspended"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusVoided    = "voided"
)

const (
	FulfillmentPickedUp = "picked_up"
	FulfillmentPending  = "pending"
)

const (
	PaymentMethodCash  = "cash"
	PaymentMethodCard  = "card"
	PaymentMethodGCash = "gcash"
	PaymentMethodBank  = "bank_transfer"
)

const (
	ReservationActive   = "active"
	ReservationConsumed = "consumed"
	ReservationReleased = "released"
	ReservationExpired  = "expired"
)

const (
	PromotionUpcoming = "upcoming"
	PromotionActive   = "active"
	PromotionExpired  = "expired"
	PromotionInactive = "inactive"
)

const (
	RewardActive   = "active"
	RewardExpired  = "expired"
	RewardInactive = "inactive"
)

const (
	DiscountPercent = "percent"
	DiscountFixed   = "fixed"
)

const (
	UsageKindPromotion = "promotion"
	UsageKindReward    = "reward"
)

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)
