package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tomascrow/peervault/internal/pagination"
)

// PostgresStore is the production Store. Balance preconditions are
// folded into the UPDATE's WHERE clause, so a check-then-write race is
// impossible regardless of isolation level; NUMERIC(30,8) columns carry
// the amounts exactly.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ensureBalance(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, userID, tok string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO balances (user_id, token, available, locked, updated_at)
		VALUES ($1, $2, 0, 0, NOW())
		ON CONFLICT (user_id, token) DO NOTHING`,
		userID, tok)
	return err
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID, tok string) (*Balance, error) {
	b := &Balance{UserID: userID, Token: tok}
	err := s.db.QueryRowContext(ctx, `
		SELECT available::text, locked::text, updated_at
		FROM balances WHERE user_id = $1 AND token = $2`,
		userID, tok).Scan(&b.Available, &b.Locked, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		b.Available, b.Locked = "0.00000000", "0.00000000"
		b.UpdatedAt = time.Now().UTC()
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying balance: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Credit(ctx context.Context, userID, tok, amount string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, token, available, locked, updated_at)
		VALUES ($1, $2, $3::numeric, 0, NOW())
		ON CONFLICT (user_id, token) DO UPDATE
		SET available = balances.available + EXCLUDED.available, updated_at = NOW()`,
		userID, tok, amount)
	if err != nil {
		return fmt.Errorf("crediting balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) LockFunds(ctx context.Context, userID, tok, amount string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE balances
		SET available = available - $3::numeric,
		    locked = locked + $3::numeric,
		    updated_at = NOW()
		WHERE user_id = $1 AND token = $2 AND available >= $3::numeric`,
		userID, tok, amount)
	if err != nil {
		return fmt.Errorf("locking funds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (s *PostgresStore) SettleFunds(ctx context.Context, fromUser, toUser, tok, amount string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning settle tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET locked = locked - $3::numeric, updated_at = NOW()
		WHERE user_id = $1 AND token = $2 AND locked >= $3::numeric`,
		fromUser, tok, amount)
	if err != nil {
		return fmt.Errorf("debiting locked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientLocked
	}

	if err := s.ensureBalance(ctx, tx, toUser, tok); err != nil {
		return fmt.Errorf("ensuring recipient balance: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE balances
		SET available = available + $3::numeric, updated_at = NOW()
		WHERE user_id = $1 AND token = $2`,
		toUser, tok, amount)
	if err != nil {
		return fmt.Errorf("crediting recipient: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ReturnFunds(ctx context.Context, userID, tok, amount string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE balances
		SET locked = locked - $3::numeric,
		    available = available + $3::numeric,
		    updated_at = NOW()
		WHERE user_id = $1 AND token = $2 AND locked >= $3::numeric`,
		userID, tok, amount)
	if err != nil {
		return fmt.Errorf("returning funds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientLocked
	}
	return nil
}

func (s *PostgresStore) UnlockFunds(ctx context.Context, userID, tok, amount string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE balances
		SET locked = locked - $3::numeric, updated_at = NOW()
		WHERE user_id = $1 AND token = $2 AND locked >= $3::numeric`,
		userID, tok, amount)
	if err != nil {
		return fmt.Errorf("unlocking funds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientLocked
	}
	return nil
}

func (s *PostgresStore) AdjustAvailable(ctx context.Context, userID, tok, delta string) error {
	if err := s.ensureBalance(ctx, s.db, userID, tok); err != nil {
		return fmt.Errorf("ensuring balance: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE balances
		SET available = available + $3::numeric, updated_at = NOW()
		WHERE user_id = $1 AND token = $2 AND available + $3::numeric >= 0`,
		userID, tok, delta)
	if err != nil {
		return fmt.Errorf("adjusting balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (s *PostgresStore) RebalanceCAS(ctx context.Context, userID, tok, newAvailable, newLocked, expectedAvailable, expectedLocked string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE balances
		SET available = $3::numeric, locked = $4::numeric, updated_at = NOW()
		WHERE user_id = $1 AND token = $2
		  AND available = $5::numeric AND locked = $6::numeric`,
		userID, tok, newAvailable, newLocked, expectedAvailable, expectedLocked)
	if err != nil {
		return fmt.Errorf("rebalancing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBalanceChanged
	}
	return nil
}

func (s *PostgresStore) SumAllBalances(ctx context.Context, tok string) (string, string, error) {
	var avail, locked string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available), 0)::text, COALESCE(SUM(locked), 0)::text
		FROM balances WHERE token = $1`,
		tok).Scan(&avail, &locked)
	if err != nil {
		return "", "", fmt.Errorf("summing balances: %w", err)
	}
	return avail, locked, nil
}

func (s *PostgresStore) SumOpenLocks(ctx context.Context, userID, tok string) (string, error) {
	var sum string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE kind WHEN 'lock' THEN amount ELSE -amount END), 0)::text
		FROM escrow_transactions
		WHERE user_id = $1 AND token = $2 AND status = 'completed'
		  AND kind IN ('lock', 'release', 'refund')`,
		userID, tok).Scan(&sum)
	if err != nil {
		return "", fmt.Errorf("summing open locks: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) ListBalances(ctx context.Context, tok string, limit int) ([]*Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, token, available::text, locked::text, updated_at
		FROM balances WHERE token = $1
		ORDER BY user_id LIMIT $2`,
		tok, limit)
	if err != nil {
		return nil, fmt.Errorf("listing balances: %w", err)
	}
	defer rows.Close()

	var out []*Balance
	for rows.Next() {
		b := &Balance{}
		if err := rows.Scan(&b.UserID, &b.Token, &b.Available, &b.Locked, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions
		  (id, user_id, trade_ref, kind, token, amount, counterparty, status, reason, transfer_hash, created_at, completed_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::numeric, NULLIF($7, ''), $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12)`,
		tx.ID, tx.UserID, tx.TradeRef, string(tx.Kind), tx.Token, tx.Amount,
		tx.Counterparty, string(tx.Status), tx.Reason, tx.TransferHash,
		tx.CreatedAt, nullTime(tx.CompletedAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate transaction %s: %w", tx.ID, err)
		}
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, txSelect+` WHERE id = $1`, id)
	return scanTx(row)
}

func (s *PostgresStore) CompleteTransaction(ctx context.Context, id string, status TxStatus, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrow_transactions
		SET status = $2, completed_at = $3
		WHERE id = $1`,
		id, string(status), completedAt)
	if err != nil {
		return fmt.Errorf("completing transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindByRef(ctx context.Context, tradeRef string, kind Kind) (*Transaction, error) {
	if tradeRef == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, txSelect+`
		WHERE trade_ref = $1 AND kind = $2 AND status != 'failed'
		ORDER BY created_at DESC LIMIT 1`,
		tradeRef, string(kind))
	return scanTx(row)
}

func (s *PostgresStore) ListPendingTransfers(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, txSelect+`
		WHERE status = 'pending' AND transfer_hash IS NOT NULL
		ORDER BY created_at LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending transfers: %w", err)
	}
	defer rows.Close()
	return scanTxs(rows)
}

func (s *PostgresStore) ListStaleLocks(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, txSelect+`
		WHERE kind = 'lock' AND status = 'completed' AND created_at < $1
		  AND trade_ref IS NOT NULL
		  AND NOT EXISTS (
		    SELECT 1 FROM escrow_transactions later
		    WHERE (later.trade_ref = escrow_transactions.trade_ref
		           OR later.trade_ref LIKE escrow_transactions.trade_ref || '/rehome/%')
		      AND later.kind IN ('release', 'refund')
		      AND later.status = 'completed'
		  )
		ORDER BY created_at LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale locks: %w", err)
	}
	defer rows.Close()
	return scanTxs(rows)
}

func (s *PostgresStore) History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = s.db.QueryContext(ctx, txSelect+`
			WHERE (user_id = $1 OR counterparty = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4`,
			userID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, txSelect+`
			WHERE user_id = $1 OR counterparty = $1
			ORDER BY created_at DESC, id DESC LIMIT $2`,
			userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()
	return scanTxs(rows)
}

const txSelect = `
	SELECT id, user_id, trade_ref, kind, token, amount::text, counterparty,
	       status, reason, transfer_hash, created_at, completed_at
	FROM escrow_transactions`

type scanner interface {
	Scan(dest ...any) error
}

func scanTx(row scanner) (*Transaction, error) {
	tx := &Transaction{}
	var tradeRef, counterparty, reason, transferHash sql.NullString
	var kind, status string
	var completedAt sql.NullTime
	err := row.Scan(&tx.ID, &tx.UserID, &tradeRef, &kind, &tx.Token, &tx.Amount,
		&counterparty, &status, &reason, &transferHash, &tx.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}
	tx.TradeRef = tradeRef.String
	tx.Kind = Kind(kind)
	tx.Counterparty = counterparty.String
	tx.Status = TxStatus(status)
	tx.Reason = reason.String
	tx.TransferHash = transferHash.String
	if completedAt.Valid {
		t := completedAt.Time
		tx.CompletedAt = &t
	}
	return tx, nil
}

func scanTxs(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
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
