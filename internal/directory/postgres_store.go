package directory

import (
	"context"
	"database/sql"
)

// PostgresStore persists directory records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed directory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, address, display_name, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			address      = COALESCE(NULLIF($2, ''), users.address),
			display_name = $3`,
		u.ID, u.Address, u.DisplayName, u.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var address sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, address, display_name, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &address, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Address = address.String
	return u, nil
}

func (p *PostgresStore) GetByAddress(ctx context.Context, address string) (*User, error) {
	u := &User{}
	var addr sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, address, display_name, created_at FROM users WHERE address = $1`, address,
	).Scan(&u.ID, &addr, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Address = addr.String
	return u, nil
}

func (p *PostgresStore) SetAddress(ctx context.Context, id, address string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE users SET address = $2 WHERE id = $1`, id, address)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*User, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, display_name, created_at
		FROM users ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*User
	for rows.Next() {
		u := &User{}
		var address sql.NullString
		if err := rows.Scan(&u.ID, &address, &u.DisplayName, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Address = address.String
		result = append(result, u)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
