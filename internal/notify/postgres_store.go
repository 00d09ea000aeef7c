package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// PostgresSubscriptionStore is the production SubscriptionStore.
type PostgresSubscriptionStore struct {
	db *sql.DB
}

func NewPostgresSubscriptionStore(db *sql.DB) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db}
}

func (s *PostgresSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, user_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.UserID, sub.URL, sub.Secret, pq.Array(sub.Events), sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func (s *PostgresSubscriptionStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, url, secret, events, active, created_at, last_success, COALESCE(last_error, '')
		FROM webhook_subscriptions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var events pq.StringArray
		var lastSuccess sql.NullTime
		err := rows.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, &events,
			&sub.Active, &sub.CreatedAt, &lastSuccess, &sub.LastError)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		sub.Events = events
		if lastSuccess.Valid {
			t := lastSuccess.Time
			sub.LastSuccess = &t
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresSubscriptionStore) Update(ctx context.Context, sub *Subscription) error {
	var lastSuccess sql.NullTime
	if sub.LastSuccess != nil {
		lastSuccess = sql.NullTime{Time: *sub.LastSuccess, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET url = $2, secret = $3, events = $4, active = $5, last_success = $6, last_error = NULLIF($7, '')
		WHERE id = $1`,
		sub.ID, sub.URL, sub.Secret, pq.Array(sub.Events), sub.Active, lastSuccess, sub.LastError)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PostgresSubscriptionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

var _ SubscriptionStore = (*PostgresSubscriptionStore)(nil)
