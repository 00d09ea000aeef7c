package trade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the production Store. The dispute sub-document is a
// JSONB column; escalation sweeps query it with JSON operators.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeSelect = `
	SELECT id, order_id, buyer_id, seller_id, token, amount::text,
	       unit_price::text, currency, total_value::text, status,
	       escrow_status, dispute, created_at, expires_at, time_limit_at,
	       payment_made_at, completed_at, closed_at
	FROM trades`

func (s *PostgresStore) Create(ctx context.Context, t *Trade) error {
	dispute, err := disputeJSON(t.Dispute)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trades
		  (id, order_id, buyer_id, seller_id, token, amount, unit_price, currency,
		   total_value, status, escrow_status, dispute, created_at, expires_at,
		   time_limit_at, payment_made_at, completed_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9::numeric,
		        $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.OrderID, t.BuyerID, t.SellerID, t.Token, t.Amount, t.UnitPrice,
		t.Currency, t.TotalValue, string(t.Status), string(t.EscrowStatus), dispute,
		t.CreatedAt, t.ExpiresAt, t.TimeLimitAt,
		nullTime(t.PaymentMadeAt), nullTime(t.CompletedAt), nullTime(t.ClosedAt))
	if err != nil {
		return fmt.Errorf("inserting trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	return scanTrade(s.db.QueryRowContext(ctx, tradeSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) Update(ctx context.Context, t *Trade) error {
	dispute, err := disputeJSON(t.Dispute)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades
		SET status = $2, escrow_status = $3, dispute = $4,
		    payment_made_at = $5, completed_at = $6, closed_at = $7
		WHERE id = $1`,
		t.ID, string(t.Status), string(t.EscrowStatus), dispute,
		nullTime(t.PaymentMadeAt), nullTime(t.CompletedAt), nullTime(t.ClosedAt))
	if err != nil {
		return fmt.Errorf("updating trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	rows, err := s.db.QueryContext(ctx, tradeSelect+`
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing user trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	rows, err := s.db.QueryContext(ctx, tradeSelect+`
		WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("listing trades by status: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	rows, err := s.db.QueryContext(ctx, tradeSelect+`
		WHERE (status IN ('escrow_locked', 'payment_pending') AND expires_at < $1)
		   OR (status = 'payment_made' AND time_limit_at < $1)
		ORDER BY expires_at LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListDisputesToEscalate(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	rows, err := s.db.QueryContext(ctx, tradeSelect+`
		WHERE status = 'disputed'
		  AND dispute IS NOT NULL
		  AND dispute->>'status' IN ('open', 'investigating', 'under_review', 'awaiting_evidence')
		  AND dispute->>'escalatedAt' IS NULL
		  AND (dispute->>'escalateAt')::timestamptz <= $1
		ORDER BY (dispute->>'openedAt')::timestamptz LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing disputes to escalate: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListDisputed(ctx context.Context, limit int) ([]*Trade, error) {
	rows, err := s.db.QueryContext(ctx, tradeSelect+`
		WHERE dispute IS NOT NULL
		ORDER BY (dispute->>'openedAt')::timestamptz DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing disputed trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func disputeJSON(d *Dispute) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshaling dispute: %w", err)
	}
	return b, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner) (*Trade, error) {
	t := &Trade{}
	var status, escrowStatus string
	var dispute []byte
	var paymentMadeAt, completedAt, closedAt sql.NullTime
	err := row.Scan(&t.ID, &t.OrderID, &t.BuyerID, &t.SellerID, &t.Token, &t.Amount,
		&t.UnitPrice, &t.Currency, &t.TotalValue, &status, &escrowStatus, &dispute,
		&t.CreatedAt, &t.ExpiresAt, &t.TimeLimitAt, &paymentMadeAt, &completedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning trade: %w", err)
	}
	t.Status = Status(status)
	t.EscrowStatus = EscrowStatus(escrowStatus)
	if len(dispute) > 0 {
		d := &Dispute{}
		if err := json.Unmarshal(dispute, d); err != nil {
			return nil, fmt.Errorf("unmarshaling dispute: %w", err)
		}
		t.Dispute = d
	}
	if paymentMadeAt.Valid {
		v := paymentMadeAt.Time
		t.PaymentMadeAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if closedAt.Valid {
		v := closedAt.Time
		t.ClosedAt = &v
	}
	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ Store = (*PostgresStore)(nil)
