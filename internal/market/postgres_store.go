package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the production Store. Claim and Close fold their
// preconditions into the UPDATE's WHERE clause.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderSelect = `
	SELECT id, user_id, side, token, amount::text, remaining::text,
	       unit_price::text, currency, COALESCE(locked_amount, 0)::text,
	       status, created_at, expires_at, closed_at
	FROM orders`

func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	locked := any(nil)
	if o.Side == SideSell {
		locked = o.LockedAmount
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
		  (id, user_id, side, token, amount, remaining, unit_price, currency, locked_amount, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11, $12)`,
		o.ID, o.UserID, string(o.Side), o.Token, o.Amount, o.Remaining,
		o.UnitPrice, o.Currency, locked, string(o.Status), o.CreatedAt, o.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx, orderSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) Claim(ctx context.Context, id, qty string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE orders
		SET remaining = remaining - $2::numeric,
		    locked_amount = CASE WHEN side = 'sell' THEN locked_amount - $2::numeric ELSE locked_amount END,
		    status = CASE WHEN remaining - $2::numeric > 0 THEN 'partial' ELSE 'filled' END,
		    closed_at = CASE WHEN remaining - $2::numeric > 0 THEN NULL ELSE NOW() END
		WHERE id = $1 AND status IN ('active', 'partial') AND remaining >= $2::numeric
		RETURNING id, user_id, side, token, amount::text, remaining::text,
		          unit_price::text, currency, COALESCE(locked_amount, 0)::text,
		          status, created_at, expires_at, closed_at`,
		id, qty)
	o, err := scanOrder(row)
	if errors.Is(err, ErrOrderNotFound) {
		// Distinguish a missing order from a failed precondition.
		existing, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if !existing.Open() {
			return nil, ErrOrderNotOpen
		}
		return nil, ErrExceedsRemaining
	}
	return o, err
}

func (s *PostgresStore) Restore(ctx context.Context, id, qty string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET remaining = remaining + $2::numeric,
		    locked_amount = CASE WHEN side = 'sell' THEN locked_amount + $2::numeric ELSE locked_amount END,
		    status = CASE WHEN remaining + $2::numeric >= amount THEN 'active' ELSE 'partial' END,
		    closed_at = NULL
		WHERE id = $1 AND status IN ('active', 'partial', 'filled')`,
		id, qty)
	if err != nil {
		return fmt.Errorf("restoring order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotOpen
	}
	return nil
}

func (s *PostgresStore) Close(ctx context.Context, id string, status Status, at time.Time) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $2, closed_at = $3
		WHERE id = $1 AND status IN ('active', 'partial')
		RETURNING id, user_id, side, token, amount::text, remaining::text,
		          unit_price::text, currency, COALESCE(locked_amount, 0)::text,
		          status, created_at, expires_at, closed_at`,
		id, string(status), at)
	o, err := scanOrder(row)
	if errors.Is(err, ErrOrderNotFound) {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrOrderNotOpen
	}
	return o, err
}

func (s *PostgresStore) ListOpen(ctx context.Context, tok string, side Side, limit int) ([]*Order, error) {
	query := orderSelect + ` WHERE token = $1 AND status IN ('active', 'partial')`
	args := []any{tok}
	if side != "" {
		query += ` AND side = $2`
		args = append(args, string(side))
	}
	query += fmt.Sprintf(` ORDER BY created_at LIMIT %d`, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, orderSelect+`
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing user orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListOpenExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, orderSelect+`
		WHERE status IN ('active', 'partial') AND expires_at < $1
		ORDER BY expires_at LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	o := &Order{}
	var side, status string
	var closedAt sql.NullTime
	err := row.Scan(&o.ID, &o.UserID, &side, &o.Token, &o.Amount, &o.Remaining,
		&o.UnitPrice, &o.Currency, &o.LockedAmount, &status, &o.CreatedAt, &o.ExpiresAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	o.Side = Side(side)
	o.Status = Status(status)
	if closedAt.Valid {
		t := closedAt.Time
		o.ClosedAt = &t
	}
	if o.Side == SideBuy {
		o.LockedAmount = ""
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
