package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, unit, category_id, price_cents, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Unit, &p.CategoryID, &p.PriceCents, &p.Active); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var (
		customer domain.Customer
		birthday sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, tier, birthday, completed_transactions
		FROM customers
		WHERE id = $1
	`, id).Scan(&customer.ID, &customer.Name, &customer.Tier, &birthday, &customer.CompletedTransactions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if birthday.Valid {
		b := birthday.Time.UTC()
		customer.Birthday = &b
	}
	return &customer, nil
}

func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sequences (name, value)
		VALUES ($1, 1)
		ON CONFLICT (name)
		DO UPDATE SET value = sequences.value + 1
		RETURNING value
	`, name).Scan(&value)
	return value, err
}

const sessionColumns = `id, session_number, cashier_id, branch_id, terminal_id, status, opened_at, closed_at, closed_by,
	starting_cash_cents, ending_cash_cents, total_sales_cents, total_discounts_cents, total_returns_cents,
	total_taxes_cents, total_transactions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		session  domain.Session
		closedAt sql.NullTime
		ending   sql.NullInt64
	)
	err := row.Scan(
		&session.ID, &session.SessionNumber, &session.CashierID, &session.BranchID, &session.TerminalID,
		&session.Status, &session.OpenedAt, &closedAt, &session.ClosedBy,
		&session.StartingCashCents, &ending, &session.TotalSalesCents, &session.TotalDiscountsCents,
		&session.TotalReturnsCents, &session.TotalTaxesCents, &session.TotalTransactions,
	)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	if ending.Valid {
		v := ending.Int64
		session.EndingCashCents = &v
	}
	return &session, nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error) {
	if session.ID == "" || session.CashierID == "" || session.BranchID == "" {
		return nil, store.ErrInvalid
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (
			id, session_number, cashier_id, branch_id, terminal_id, status, opened_at, starting_cash_cents
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+sessionColumns,
		session.ID, session.SessionNumber, session.CashierID, session.BranchID, session.TerminalID,
		session.Status, session.OpenedAt, session.StartingCashCents,
	)
	created, err := scanSession(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) FindOpenSession(ctx context.Context, cashierID string, branchID string) (*domain.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE cashier_id = $1 AND branch_id = $2 AND status = 'open'
	`, cashierID, branchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) IncrementSessionTotals(ctx context.Context, id string, delta domain.SessionDelta) (*domain.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET total_sales_cents = total_sales_cents + $2,
			total_discounts_cents = total_discounts_cents + $3,
			total_taxes_cents = total_taxes_cents + $4,
			total_returns_cents = total_returns_cents + $5,
			total_transactions = total_transactions + $6
		WHERE id = $1 AND status <> 'closed'
		RETURNING `+sessionColumns,
		id, delta.SalesCents, delta.DiscountsCents, delta.TaxesCents, delta.ReturnsCents, delta.Transactions,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.sessionMiss(ctx, id, store.ErrSessionAlreadyClosed)
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) CloseSession(ctx context.Context, id string, endingCashCents int64, closedBy string, closedAt time.Time) (*domain.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET status = 'closed', ending_cash_cents = $2, closed_by = $3, closed_at = $4
		WHERE id = $1 AND status = 'open'
		RETURNING `+sessionColumns,
		id, endingCashCents, closedBy, closedAt,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.sessionMiss(ctx, id, store.ErrSessionAlreadyClosed)
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) SetSessionStatus(ctx context.Context, id string, from string, to string) (*domain.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET status = $3
		WHERE id = $1 AND status = $2
		RETURNING `+sessionColumns,
		id, from, to,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.sessionMiss(ctx, id, store.ErrConflict)
		}
		return nil, err
	}
	return session, nil
}

// sessionMiss explains why a guarded session update matched no row.
func (s *Store) sessionMiss(ctx context.Context, id string, otherwise error) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if status == domain.SessionStatusClosed {
		return store.ErrSessionAlreadyClosed
	}
	return otherwise
}

func (s *Store) GetInventory(ctx context.Context, branchID string, productIDs []string) (map[string]domain.InventoryRecord, error) {
	result := make(map[string]domain.InventoryRecord, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, branch_id, on_hand, available, updated_at
		FROM inventory
		WHERE branch_id = $1 AND product_id = ANY($2)
	`, branchID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var record domain.InventoryRecord
		if err := rows.Scan(&record.ProductID, &record.BranchID, &record.OnHand, &record.Available, &record.UpdatedAt); err != nil {
			return nil, err
		}
		result[record.ProductID] = record
	}
	return result, rows.Err()
}

func (s *Store) DecrementStock(ctx context.Context, productID string, branchID string, qty int) (*domain.InventoryRecord, error) {
	if qty < 1 {
		return nil, store.ErrInvalid
	}

	var record domain.InventoryRecord
	err := s.db.QueryRowContext(ctx, `
		UPDATE inventory
		SET on_hand = on_hand - $3, available = available - $3, updated_at = now()
		WHERE product_id = $1 AND branch_id = $2 AND available >= $3 AND on_hand >= $3
		RETURNING product_id, branch_id, on_hand, available, updated_at
	`, productID, branchID, qty).Scan(&record.ProductID, &record.BranchID, &record.OnHand, &record.Available, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrInsufficientStock
		}
		return nil, err
	}
	return &record, nil
}

func (s *Store) IncrementStock(ctx context.Context, productID string, branchID string, qty int) (*domain.InventoryRecord, error) {
	if qty < 1 {
		return nil, store.ErrInvalid
	}

	var record domain.InventoryRecord
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO inventory (product_id, branch_id, on_hand, available, updated_at)
		VALUES ($1,$2,$3,$3,now())
		ON CONFLICT (product_id, branch_id)
		DO UPDATE SET on_hand = inventory.on_hand + EXCLUDED.on_hand,
			available = inventory.available + EXCLUDED.available,
			updated_at = now()
		RETURNING product_id, branch_id, on_hand, available, updated_at
	`, productID, branchID, qty).Scan(&record.ProductID, &record.BranchID, &record.OnHand, &record.Available, &record.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

const reservationColumns = `id, product_id, branch_id, quantity, reference, status, expires_at, created_at`

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var r domain.Reservation
	if err := row.Scan(&r.ID, &r.ProductID, &r.BranchID, &r.Quantity, &r.Reference, &r.Status, &r.ExpiresAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateReservation holds quantity against available and records the hold in one statement.
func (s *Store) CreateReservation(ctx context.Context, reservation domain.Reservation) (*domain.Reservation, error) {
	if reservation.ID == "" || reservation.Quantity < 1 {
		return nil, store.ErrInvalid
	}
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = time.Now().UTC()
	}

	created, err := scanReservation(s.db.QueryRowContext(ctx, `
		WITH held AS (
			UPDATE inventory
			SET available = available - $4, updated_at = now()
			WHERE product_id = $2 AND branch_id = $3 AND available >= $4
			RETURNING product_id, branch_id
		)
		INSERT INTO inventory_reservations (`+reservationColumns+`)
		SELECT $1, held.product_id, held.branch_id, $4, $5, 'active', $6, $7
		FROM held
		RETURNING `+reservationColumns,
		reservation.ID, reservation.ProductID, reservation.BranchID, reservation.Quantity,
		reservation.Reference, reservation.ExpiresAt, reservation.CreatedAt,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrInsufficientStock
		}
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	reservation, err := scanReservation(s.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM inventory_reservations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return reservation, nil
}

func (s *Store) ConsumeReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.transitionReservation(ctx, id, func(tx *sql.Tx, r *domain.Reservation) error {
		if r.Status != domain.ReservationActive || !r.ExpiresAt.After(time.Now().UTC()) {
			return store.ErrInsufficientStock
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE inventory
			SET on_hand = on_hand - $3, updated_at = now()
			WHERE product_id = $1 AND branch_id = $2 AND on_hand >= $3 AND available <= on_hand - $3
		`, r.ProductID, r.BranchID, r.Quantity)
		if err := requireAffected(res, err, store.ErrInsufficientStock); err != nil {
			return err
		}
		r.Status = domain.ReservationConsumed
		return nil
	})
}

func (s *Store) RestoreReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.transitionReservation(ctx, id, func(tx *sql.Tx, r *domain.Reservation) error {
		if r.Status != domain.ReservationConsumed {
			return store.ErrConflict
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE inventory
			SET on_hand = on_hand + $3, updated_at = now()
			WHERE product_id = $1 AND branch_id = $2
		`, r.ProductID, r.BranchID, r.Quantity)
		if err := requireAffected(res, err, store.ErrNotFound); err != nil {
			return err
		}
		r.Status = domain.ReservationActive
		return nil
	})
}

func (s *Store) ReleaseReservation(ctx context.Context, id string, status string) (*domain.Reservation, error) {
	return s.transitionReservation(ctx, id, func(tx *sql.Tx, r *domain.Reservation) error {
		if r.Status != domain.ReservationActive {
			return store.ErrConflict
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE inventory
			SET available = LEAST(available + $3, on_hand), updated_at = now()
			WHERE product_id = $1 AND branch_id = $2
		`, r.ProductID, r.BranchID, r.Quantity); err != nil {
			return err
		}
		r.Status = status
		return nil
	})
}

// transitionReservation locks the reservation row, lets apply adjust inventory
// and the reservation status, then persists the new status.
func (s *Store) transitionReservation(ctx context.Context, id string, apply func(tx *sql.Tx, r *domain.Reservation) error) (*domain.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	reservation, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM inventory_reservations
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := apply(tx, reservation); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE inventory_reservations SET status = $2 WHERE id = $1`, id, reservation.Status); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reservation, nil
}

func (s *Store) ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	var released int
	err := s.db.QueryRowContext(ctx, `
		WITH expired AS (
			UPDATE inventory_reservations
			SET status = 'expired'
			WHERE status = 'active' AND expires_at <= $1
			RETURNING product_id, branch_id, quantity
		), totals AS (
			SELECT product_id, branch_id, SUM(quantity) AS qty
			FROM expired
			GROUP BY product_id, branch_id
		), restored AS (
			UPDATE inventory AS i
			SET available = LEAST(i.available + t.qty, i.on_hand), updated_at = now()
			FROM totals AS t
			WHERE i.product_id = t.product_id AND i.branch_id = t.branch_id
			RETURNING i.product_id
		)
		SELECT COUNT(*) FROM expired
	`, now).Scan(&released)
	return released, err
}

func (s *Store) GetPromotion(ctx context.Context, id string) (*domain.Promotion, error) {
	var (
		promo                          domain.Promotion
		endDate                        sql.NullTime
		maxUses, maxPerCustomer        sql.NullInt64
		productIDs, categoryIDs, tiers []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, status, discount_type, discount_value, start_date, end_date,
			max_uses, total_uses, max_uses_per_customer, product_ids, category_ids,
			min_purchase_cents, first_purchase_only, birthday_month_only, tiers
		FROM promotions
		WHERE id = $1
	`, id).Scan(
		&promo.ID, &promo.Code, &promo.Name, &promo.Status, &promo.DiscountType, &promo.DiscountValue,
		&promo.StartDate, &endDate, &maxUses, &promo.TotalUses, &maxPerCustomer, &productIDs, &categoryIDs,
		&promo.MinPurchaseCents, &promo.FirstPurchaseOnly, &promo.BirthdayMonthOnly, &tiers,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if endDate.Valid {
		promo.EndDate = endDate.Time.UTC()
	}
	promo.MaxUses = intPtr(maxUses)
	promo.MaxUsesPerCustomer = intPtr(maxPerCustomer)
	if err := decodeStrings(productIDs, &promo.ProductIDs); err != nil {
		return nil, err
	}
	if err := decodeStrings(categoryIDs, &promo.CategoryIDs); err != nil {
		return nil, err
	}
	if err := decodeStrings(tiers, &promo.Tiers); err != nil {
		return nil, err
	}
	return &promo, nil
}

func (s *Store) GetReward(ctx context.Context, id string) (*domain.Reward, error) {
	var (
		reward                  domain.Reward
		maxUses, maxPerCustomer sql.NullInt64
		expiresAt               sql.NullTime
		tiers                   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, value_cents, max_uses, total_uses, max_uses_per_customer,
			min_purchase_cents, tiers, expires_at
		FROM rewards
		WHERE id = $1
	`, id).Scan(
		&reward.ID, &reward.Name, &reward.Status, &reward.ValueCents, &maxUses, &reward.TotalUses,
		&maxPerCustomer, &reward.MinPurchaseCents, &tiers, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	reward.MaxUses = intPtr(maxUses)
	reward.MaxUsesPerCustomer = intPtr(maxPerCustomer)
	if expiresAt.Valid {
		at := expiresAt.Time.UTC()
		reward.ExpiresAt = &at
	}
	if err := decodeStrings(tiers, &reward.Tiers); err != nil {
		return nil, err
	}
	return &reward, nil
}

// usageTables maps a usage kind onto its counter table, per-customer table and key column.
func usageTables(kind string) (counter string, perCustomer string, column string, err error) {
	switch kind {
	case domain.UsageKindPromotion:
		return "promotions", "promotion_usage", "promotion_id", nil
	case domain.UsageKindReward:
		return "rewards", "reward_usage", "reward_id", nil
	}
	return "", "", "", store.ErrInvalid
}

func (s *Store) CustomerUsageCount(ctx context.Context, target domain.UsageTarget, customerID string) (int, error) {
	_, perCustomer, column, err := usageTables(target.Kind)
	if err != nil {
		return 0, err
	}

	var uses int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT uses FROM %s WHERE %s = $1 AND customer_id = $2
	`, perCustomer, column), target.ID, customerID).Scan(&uses)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uses, err
}

// IncrementUsage bumps the global counter under its max_uses guard and then the
// per-customer counter under perCustomerLimit. The counter row lock taken by the
// first update serializes concurrent callers for the same target.
func (s *Store) IncrementUsage(ctx context.Context, target domain.UsageTarget, customerID string, qty int, perCustomerLimit *int) error {
	if qty < 1 {
		return store.ErrInvalid
	}
	counter, perCustomer, column, err := usageTables(target.Kind)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET total_uses = total_uses + $2, updated_at = now()
		WHERE id = $1 AND (max_uses IS NULL OR total_uses + $2 <= max_uses)
	`, counter), target.ID, qty)
	if err := requireAffected(res, err, nil); err != nil {
		if !errors.Is(err, errNoRows) {
			return err
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, counter), target.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrUsageLimitExceeded
	}

	if customerID != "" {
		if perCustomerLimit != nil && qty > *perCustomerLimit {
			return fmt.Errorf("%w: per customer", store.ErrUsageLimitExceeded)
		}
		var uses int
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %[1]s (%[2]s, customer_id, uses)
			VALUES ($1, $2, $3)
			ON CONFLICT (%[2]s, customer_id)
			DO UPDATE SET uses = %[1]s.uses + EXCLUDED.uses
			WHERE $4::integer IS NULL OR %[1]s.uses + EXCLUDED.uses <= $4::integer
			RETURNING uses
		`, perCustomer, column), target.ID, customerID, qty, nullInt(perCustomerLimit)).Scan(&uses)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: per customer", store.ErrUsageLimitExceeded)
			}
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) DecrementUsage(ctx context.Context, target domain.UsageTarget, customerID string, qty int) error {
	counter, perCustomer, column, err := usageTables(target.Kind)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET total_uses = GREATEST(total_uses - $2, 0), updated_at = now() WHERE id = $1
	`, counter), target.ID, qty)
	if err := requireAffected(res, err, store.ErrNotFound); err != nil {
		return err
	}
	if customerID != "" {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET uses = GREATEST(uses - $3, 0) WHERE %s = $1 AND customer_id = $2
		`, perCustomer, column), target.ID, customerID, qty); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SyncPromotionStatuses mirrors domain.PromotionStatusAt in SQL.
func (s *Store) SyncPromotionStatuses(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE promotions AS p
		SET status = computed.next, updated_at = now()
		FROM (
			SELECT id,
				CASE
					WHEN status = 'inactive' THEN 'inactive'
					WHEN $1::timestamptz < start_date THEN 'upcoming'
					WHEN end_date IS NOT NULL AND $1::timestamptz > end_date THEN 'expired'
					ELSE 'active'
				END AS next
			FROM promotions
		) AS computed
		WHERE p.id = computed.id AND p.status <> computed.next
	`, now)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *Store) ExpireRewards(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rewards
		SET status = 'expired', updated_at = now()
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *Store) CreateTransaction(ctx context.Context, t domain.Transaction) (*domain.Transaction, error) {
	if t.ID == "" || t.TransactionNumber == "" || t.SessionID == "" {
		return nil, store.ErrInvalid
	}
	usages, err := encodeJSON(t.Usages)
	if err != nil {
		return nil, err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.TransactionDate
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, transaction_number, session_id, cashier_id, branch_id, terminal_id, customer_id,
			is_guest_order, idempotency_key, subtotal_cents, discount_cents, tax_cents, total_cents,
			payment_method, payment_status, fulfillment_status, failure_stage, failure_reason,
			usages, transaction_date, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`,
		t.ID, t.TransactionNumber, t.SessionID, t.CashierID, t.BranchID, t.TerminalID, nullIfEmpty(t.CustomerID),
		t.IsGuestOrder, nullIfEmpty(t.IdempotencyKey), t.SubtotalCents, t.DiscountCents, t.TaxCents, t.TotalCents,
		t.PaymentMethod, t.PaymentStatus, t.FulfillmentStatus, t.FailureStage, t.FailureReason,
		usages, t.TransactionDate, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	created := t
	created.Items = nil
	created.Payments = nil
	return &created, nil
}

func (s *Store) AddTransactionItems(ctx context.Context, transactionID string, items []domain.TransactionItem) error {
	return s.mutatePending(ctx, transactionID, func(tx *sql.Tx) error {
		for _, item := range items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO transaction_items (
					id, transaction_id, product_id, product_name, sku, unit, quantity,
					unit_price_cents, discount_cents, line_total, reservation_id
				)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			`, item.ID, transactionID, item.ProductID, item.ProductName, item.SKU, item.Unit, item.Quantity,
				item.UnitPriceCents, item.DiscountCents, item.LineTotalCents, item.ReservationID)
			if err != nil {
				if isUniqueViolation(err) {
					return store.ErrConflict
				}
				return err
			}
		}
		return nil
	})
}

func (s *Store) AddPayment(ctx context.Context, payment domain.Payment) error {
	return s.mutatePending(ctx, payment.TransactionID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (
				id, transaction_id, method, amount_cents, tendered_cents, change_cents,
				reference_number, status, processed_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, payment.ID, payment.TransactionID, payment.Method, payment.AmountCents, payment.TenderedCents,
			payment.ChangeCents, payment.ReferenceNumber, payment.Status, payment.ProcessedAt)
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	})
}

func (s *Store) RepriceTransaction(ctx context.Context, id string, r domain.Repricing) error {
	encoded, err := encodeJSON(r.Usages)
	if err != nil {
		return err
	}
	return s.mutatePending(ctx, id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET discount_cents = $2, tax_cents = $3, total_cents = $4, usages = $5, updated_at = now()
			WHERE id = $1 AND subtotal_cents - $2 + $3 = $4
		`, id, r.DiscountCents, r.TaxCents, r.TotalCents, encoded)
		if err := requireAffected(res, err, store.ErrInvalid); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE payments SET amount_cents = $2, tendered_cents = $3, change_cents = $4
			WHERE transaction_id = $1
		`, id, r.TotalCents, r.TenderedCents, r.ChangeCents)
		return err
	})
}

// mutatePending runs fn while holding the transaction row, refusing terminal transactions.
func (s *Store) mutatePending(ctx context.Context, id string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT payment_status FROM transactions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if (domain.Transaction{PaymentStatus: status}).IsTerminal() {
		return store.ErrTransactionFinalized
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FinalizeTransaction(ctx context.Context, id string, from string, to string, stage string, reason string) (*domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET payment_status = $3, failure_stage = $4, failure_reason = $5, updated_at = now()
		WHERE id = $1 AND payment_status = $2
	`, id, from, to, stage, reason)
	if err := requireAffected(res, err, nil); err != nil {
		if !errors.Is(err, errNoRows) {
			return nil, err
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrTransactionFinalized
	}
	if _, err := tx.ExecContext(ctx, `UPDATE payments SET status = $2 WHERE transaction_id = $1`, id, to); err != nil {
		return nil, err
	}
	if err := countCompletedPurchase(ctx, tx, id, from, to); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.FindTransactionByID(ctx, id)
}

// countCompletedPurchase keeps customers.completed_transactions in step with
// the customer's completed sales.
func countCompletedPurchase(ctx context.Context, tx *sql.Tx, id string, from string, to string) error {
	var delta int
	switch {
	case to == domain.PaymentStatusCompleted:
		delta = 1
	case from == domain.PaymentStatusCompleted:
		delta = -1
	default:
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE customers c
		SET completed_transactions = GREATEST(c.completed_transactions + $2, 0)
		FROM transactions t
		WHERE t.id = $1 AND c.id = t.customer_id
	`, id, delta)
	return err
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	var (
		t          domain.Transaction
		customerID sql.NullString
		idemKey    sql.NullString
		usages     []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_number, session_id, cashier_id, branch_id, terminal_id, customer_id,
			is_guest_order, idempotency_key, subtotal_cents, discount_cents, tax_cents, total_cents,
			payment_method, payment_status, fulfillment_status, failure_stage, failure_reason,
			usages, transaction_date, updated_at
		FROM transactions
		WHERE id = $1
	`, id).Scan(
		&t.ID, &t.TransactionNumber, &t.SessionID, &t.CashierID, &t.BranchID, &t.TerminalID, &customerID,
		&t.IsGuestOrder, &idemKey, &t.SubtotalCents, &t.DiscountCents, &t.TaxCents, &t.TotalCents,
		&t.PaymentMethod, &t.PaymentStatus, &t.FulfillmentStatus, &t.FailureStage, &t.FailureReason,
		&usages, &t.TransactionDate, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	t.CustomerID = customerID.String
	t.IdempotencyKey = idemKey.String
	if len(usages) > 0 {
		if err := json.Unmarshal(usages, &t.Usages); err != nil {
			return nil, fmt.Errorf("decode usages: %w", err)
		}
	}

	items, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, product_name, sku, unit, quantity, unit_price_cents, discount_cents,
			line_total, reservation_id
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer items.Close()
	for items.Next() {
		item := domain.TransactionItem{TransactionID: id}
		if err := items.Scan(&item.ID, &item.ProductID, &item.ProductName, &item.SKU, &item.Unit, &item.Quantity,
			&item.UnitPriceCents, &item.DiscountCents, &item.LineTotalCents, &item.ReservationID); err != nil {
			return nil, err
		}
		t.Items = append(t.Items, item)
	}
	if err := items.Err(); err != nil {
		return nil, err
	}

	payments, err := s.db.QueryContext(ctx, `
		SELECT id, method, amount_cents, tendered_cents, change_cents, reference_number, status, processed_at
		FROM payments
		WHERE transaction_id = $1
		ORDER BY processed_at
	`, id)
	if err != nil {
		return nil, err
	}
	defer payments.Close()
	for payments.Next() {
		p := domain.Payment{TransactionID: id}
		if err := payments.Scan(&p.ID, &p.Method, &p.AmountCents, &p.TenderedCents, &p.ChangeCents,
			&p.ReferenceNumber, &p.Status, &p.ProcessedAt); err != nil {
			return nil, err
		}
		t.Payments = append(t.Payments, p)
	}
	if err := payments.Err(); err != nil {
		return nil, err
	}

	return &t, nil
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM transactions WHERE idempotency_key = $1`, key).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return s.FindTransactionByID(ctx, id)
}

func (s *Store) CreateReconciliationIssue(ctx context.Context, issue domain.ReconciliationIssue) error {
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_issues (id, transaction_id, stage, detail, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, issue.ID, issue.TransactionID, issue.Stage, issue.Detail, issue.CreatedAt)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2, updated_at = now() WHERE username = $1
	`, username, password)
	return requireAffected(res, err, store.ErrNotFound)
}

var errNoRows = errors.New("no rows affected")

// requireAffected turns a zero-row update into missing, or errNoRows when missing is nil.
func requireAffected(res sql.Result, err error, missing error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if missing == nil {
			return errNoRows
		}
		return missing
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return "[]", nil
	}
	return string(raw), nil
}

func decodeStrings(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return err
	}
	if len(values) > 0 {
		*dst = values
	}
	return nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
