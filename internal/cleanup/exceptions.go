package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrExceptionNotFound = errors.New("reconciliation exception not found")

// Exception excludes a user from balance-drift correction until it
// expires. Used while a deposit or withdrawal is known to be in flight
// so the worker does not "correct" a balance that is legitimately
// mid-move.
type Exception struct {
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Active reports whether the exception still applies at now.
func (e *Exception) Active(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// ExceptionStore persists drift exceptions. Put replaces any existing
// exception for the user.
type ExceptionStore interface {
	Put(ctx context.Context, e *Exception) error
	Get(ctx context.Context, userID string) (*Exception, error)
	Delete(ctx context.Context, userID string) error
	List(ctx context.Context) ([]*Exception, error)
}

// MemoryExceptionStore is the in-memory ExceptionStore.
type MemoryExceptionStore struct {
	mu         sync.RWMutex
	exceptions map[string]*Exception
}

func NewMemoryExceptionStore() *MemoryExceptionStore {
	return &MemoryExceptionStore{exceptions: make(map[string]*Exception)}
}

func (s *MemoryExceptionStore) Put(_ context.Context, e *Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.exceptions[e.UserID] = &c
	return nil
}

func (s *MemoryExceptionStore) Get(_ context.Context, userID string) (*Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.exceptions[userID]
	if !ok {
		return nil, ErrExceptionNotFound
	}
	c := *e
	return &c, nil
}

func (s *MemoryExceptionStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exceptions[userID]; !ok {
		return ErrExceptionNotFound
	}
	delete(s.exceptions, userID)
	return nil
}

func (s *MemoryExceptionStore) List(_ context.Context) ([]*Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Exception, 0, len(s.exceptions))
	for _, e := range s.exceptions {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// PostgresExceptionStore is the production ExceptionStore.
type PostgresExceptionStore struct {
	db *sql.DB
}

func NewPostgresExceptionStore(db *sql.DB) *PostgresExceptionStore {
	return &PostgresExceptionStore{db: db}
}

func (s *PostgresExceptionStore) Put(ctx context.Context, e *Exception) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_exceptions (user_id, reason, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET reason = EXCLUDED.reason, created_by = EXCLUDED.created_by,
		    created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		e.UserID, e.Reason, e.CreatedBy, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upserting exception: %w", err)
	}
	return nil
}

func (s *PostgresExceptionStore) Get(ctx context.Context, userID string) (*Exception, error) {
	e := &Exception{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, reason, created_by, created_at, expires_at
		FROM reconciliation_exceptions WHERE user_id = $1`,
		userID).Scan(&e.UserID, &e.Reason, &e.CreatedBy, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExceptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting exception: %w", err)
	}
	return e, nil
}

func (s *PostgresExceptionStore) Delete(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reconciliation_exceptions WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deleting exception: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExceptionNotFound
	}
	return nil
}

func (s *PostgresExceptionStore) List(ctx context.Context) ([]*Exception, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, reason, created_by, created_at, expires_at
		FROM reconciliation_exceptions ORDER BY expires_at`)
	if err != nil {
		return nil, fmt.Errorf("listing exceptions: %w", err)
	}
	defer rows.Close()

	var out []*Exception
	for rows.Next() {
		e := &Exception{}
		if err := rows.Scan(&e.UserID, &e.Reason, &e.CreatedBy, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning exception: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ ExceptionStore = (*MemoryExceptionStore)(nil)
	_ ExceptionStore = (*PostgresExceptionStore)(nil)
)
