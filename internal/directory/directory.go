// Package directory is the identity/account directory: it maps opaque
// user identifiers to their linked external-ledger addresses.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrAddressTaken  = errors.New("address already linked to another user")
	ErrAlreadyLinked = errors.New("user already has a linked address")
)

// User is a directory record.
type User struct {
	ID          string    `json:"id"`
	Address     string    `json:"address,omitempty"` // linked chain address, lowercase
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists directory records.
type Store interface {
	Create(ctx context.Context, user *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByAddress(ctx context.Context, address string) (*User, error)
	SetAddress(ctx context.Context, id, address string) error
	List(ctx context.Context, limit int) ([]*User, error)
}

// Resolver is the read-only view the ledger and cleanup worker depend on.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (*User, error)
}

// Service implements directory business logic.
type Service struct {
	store Store
}

// NewService creates a directory service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register creates a user record, linking an address if provided.
func (s *Service) Register(ctx context.Context, id, address, displayName string) (*User, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address != "" {
		if existing, err := s.store.GetByAddress(ctx, address); err == nil && existing.ID != id {
			return nil, ErrAddressTaken
		}
	}

	user := &User{
		ID:          id,
		Address:     address,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}
	if err := s.store.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Resolve returns the directory record for a user.
func (s *Service) Resolve(ctx context.Context, userID string) (*User, error) {
	return s.store.Get(ctx, userID)
}

// LinkAddress links a chain address to an existing user.
func (s *Service) LinkAddress(ctx context.Context, userID, address string) error {
	address = strings.ToLower(strings.TrimSpace(address))
	if existing, err := s.store.GetByAddress(ctx, address); err == nil && existing.ID != userID {
		return ErrAddressTaken
	}
	return s.store.SetAddress(ctx, userID, address)
}

// List returns directory records, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, limit)
}

// Compile-time assertion that Service implements Resolver.
var _ Resolver = (*Service)(nil)
