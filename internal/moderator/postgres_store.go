package moderator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tomascrow/peervault/internal/trade"
)

// PostgresStore is the production Store. Workload accounting is done
// with conditional single-statement updates so concurrent assignments
// cannot exceed the cap.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const moderatorSelect = `
	SELECT user_id, display_name, active, online, specializations,
	       total_assigned, total_resolved, current_workload,
	       success_rate, avg_resolution_minutes, created_at, last_seen_at
	FROM moderators`

func (s *PostgresStore) Create(ctx context.Context, m *Moderator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderators
		  (user_id, display_name, active, online, specializations,
		   total_assigned, total_resolved, current_workload,
		   success_rate, avg_resolution_minutes, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.UserID, m.DisplayName, m.Active, m.Online, pq.Array(categoryStrings(m.Specializations)),
		m.Stats.TotalAssigned, m.Stats.TotalResolved, m.Stats.CurrentWorkload,
		m.Stats.SuccessRate, m.Stats.AvgResolutionMinutes, m.CreatedAt, m.LastSeenAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrModeratorExists
		}
		return fmt.Errorf("inserting moderator: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Moderator, error) {
	return scanModerator(s.db.QueryRowContext(ctx, moderatorSelect+` WHERE user_id = $1`, userID))
}

func (s *PostgresStore) Update(ctx context.Context, m *Moderator) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE moderators
		SET display_name = $2, active = $3, specializations = $4
		WHERE user_id = $1`,
		m.UserID, m.DisplayName, m.Active, pq.Array(categoryStrings(m.Specializations)))
	if err != nil {
		return fmt.Errorf("updating moderator: %w", err)
	}
	return affected(res)
}

func (s *PostgresStore) List(ctx context.Context) ([]*Moderator, error) {
	rows, err := s.db.QueryContext(ctx, moderatorSelect+` ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("listing moderators: %w", err)
	}
	defer rows.Close()

	var out []*Moderator
	for rows.Next() {
		m, err := scanModerator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Assign(ctx context.Context, userID string, max int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE moderators
		SET current_workload = current_workload + 1,
		    total_assigned = total_assigned + 1
		WHERE user_id = $1 AND current_workload < $2`,
		userID, max)
	if err != nil {
		return fmt.Errorf("assigning moderator: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, userID); gerr != nil {
			return gerr
		}
		return ErrAtCapacity
	}
	return nil
}

func (s *PostgresStore) Unassign(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE moderators
		SET current_workload = GREATEST(current_workload - 1, 0)
		WHERE user_id = $1`,
		userID)
	if err != nil {
		return fmt.Errorf("unassigning moderator: %w", err)
	}
	return affected(res)
}

func (s *PostgresStore) RecordResolution(ctx context.Context, userID string, took time.Duration, upheld bool) error {
	// Every SET expression reads the pre-update row, so the running
	// averages use the old total_resolved.
	res, err := s.db.ExecContext(ctx, `
		UPDATE moderators
		SET current_workload = GREATEST(current_workload - 1, 0),
		    avg_resolution_minutes =
		      (avg_resolution_minutes * total_resolved + $2) / (total_resolved + 1),
		    success_rate =
		      (success_rate * total_resolved + CASE WHEN $3 THEN 1.0 ELSE 0.0 END) / (total_resolved + 1),
		    total_resolved = total_resolved + 1
		WHERE user_id = $1`,
		userID, took.Minutes(), upheld)
	if err != nil {
		return fmt.Errorf("recording resolution: %w", err)
	}
	return affected(res)
}

func (s *PostgresStore) SetPresence(ctx context.Context, userID string, online bool, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE moderators SET online = $2, last_seen_at = $3 WHERE user_id = $1`,
		userID, online, seenAt)
	if err != nil {
		return fmt.Errorf("setting presence: %w", err)
	}
	return affected(res)
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrModeratorNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanModerator(row scanner) (*Moderator, error) {
	m := &Moderator{}
	var specs []string
	err := row.Scan(&m.UserID, &m.DisplayName, &m.Active, &m.Online, pq.Array(&specs),
		&m.Stats.TotalAssigned, &m.Stats.TotalResolved, &m.Stats.CurrentWorkload,
		&m.Stats.SuccessRate, &m.Stats.AvgResolutionMinutes, &m.CreatedAt, &m.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModeratorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning moderator: %w", err)
	}
	for _, s := range specs {
		m.Specializations = append(m.Specializations, trade.Category(s))
	}
	return m, nil
}

func categoryStrings(cats []trade.Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}

var _ Store = (*PostgresStore)(nil)
