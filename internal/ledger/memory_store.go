package ledger

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tomascrow/peervault/internal/pagination"
	"github.com/tomascrow/peervault/internal/token"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance    // userID/token -> balance
	txs      []*Transaction         // append order
	txByID   map[string]*Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		txByID:   make(map[string]*Transaction),
	}
}

func (s *MemoryStore) balance(userID, tok string) *Balance {
	key := userID + "/" + tok
	b, ok := s.balances[key]
	if !ok {
		b = &Balance{
			UserID:    userID,
			Token:     tok,
			Available: "0.00000000",
			Locked:    "0.00000000",
			UpdatedAt: time.Now().UTC(),
		}
		s.balances[key] = b
	}
	return b
}

func copyBalance(b *Balance) *Balance {
	c := *b
	return &c
}

func copyTx(tx *Transaction) *Transaction {
	c := *tx
	if tx.CompletedAt != nil {
		t := *tx.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s *MemoryStore) GetBalance(_ context.Context, userID, tok string) (*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.balances[userID+"/"+tok]; ok {
		return copyBalance(b), nil
	}
	return &Balance{UserID: userID, Token: tok, Available: "0.00000000", Locked: "0.00000000", UpdatedAt: time.Now().UTC()}, nil
}

func (s *MemoryStore) Credit(_ context.Context, userID, tok, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balance(userID, tok)
	b.Available = token.Add(b.Available, amount)
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) LockFunds(_ context.Context, userID, tok, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balance(userID, tok)
	if token.Cmp(b.Available, amount) < 0 {
		return ErrInsufficientFunds
	}
	b.Available = token.Sub(b.Available, amount)
	b.Locked = token.Add(b.Locked, amount)
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SettleFunds(_ context.Context, fromUser, toUser, tok, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.balance(fromUser, tok)
	if token.Cmp(from.Locked, amount) < 0 {
		return ErrInsufficientLocked
	}
	to := s.balance(toUser, tok)
	now := time.Now().UTC()
	from.Locked = token.Sub(from.Locked, amount)
	from.UpdatedAt = now
	to.Available = token.Add(to.Available, amount)
	to.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ReturnFunds(_ context.Context, userID, tok, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balance(userID, tok)
	if token.Cmp(b.Locked, amount) < 0 {
		return ErrInsufficientLocked
	}
	b.Locked = token.Sub(b.Locked, amount)
	b.Available = token.Add(b.Available, amount)
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UnlockFunds(_ context.Context, userID, tok, amount string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balance(userID, tok)
	if token.Cmp(b.Locked, amount) < 0 {
		return ErrInsufficientLocked
	}
	b.Locked = token.Sub(b.Locked, amount)
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AdjustAvailable(_ context.Context, userID, tok, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := token.ParseSigned(delta)
	if !ok {
		return ErrInvalidAmount
	}
	b := s.balance(userID, tok)
	cur, _ := token.Parse(b.Available)
	next := new(big.Int).Add(cur, d)
	if next.Sign() < 0 {
		return ErrInsufficientFunds
	}
	b.Available = token.Format(next)
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RebalanceCAS(_ context.Context, userID, tok, newAvailable, newLocked, expectedAvailable, expectedLocked string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balance(userID, tok)
	if token.Cmp(b.Available, expectedAvailable) != 0 || token.Cmp(b.Locked, expectedLocked) != 0 {
		return ErrBalanceChanged
	}
	b.Available = newAvailable
	b.Locked = newLocked
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SumAllBalances(_ context.Context, tok string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	avail, locked := "0.00000000", "0.00000000"
	for _, b := range s.balances {
		if b.Token != tok {
			continue
		}
		avail = token.Add(avail, b.Available)
		locked = token.Add(locked, b.Locked)
	}
	return avail, locked, nil
}

func (s *MemoryStore) SumOpenLocks(_ context.Context, userID, tok string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := "0.00000000"
	for _, tx := range s.txs {
		if tx.UserID != userID || tx.Token != tok || tx.Status != TxCompleted {
			continue
		}
		switch tx.Kind {
		case KindLock:
			sum = token.Add(sum, tx.Amount)
		case KindRelease, KindRefund:
			sum = token.Sub(sum, tx.Amount)
		}
	}
	return sum, nil
}

func (s *MemoryStore) ListBalances(_ context.Context, tok string, limit int) ([]*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Balance
	for _, b := range s.balances {
		if b.Token == tok {
			out = append(out, copyBalance(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendTransaction(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copyTx(tx)
	s.txs = append(s.txs, c)
	s.txByID[c.ID] = c
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTx(tx), nil
}

func (s *MemoryStore) CompleteTransaction(_ context.Context, id string, status TxStatus, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txByID[id]
	if !ok {
		return ErrNotFound
	}
	tx.Status = status
	tx.CompletedAt = &completedAt
	return nil
}

func (s *MemoryStore) FindByRef(_ context.Context, tradeRef string, kind Kind) (*Transaction, error) {
	if tradeRef == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if tx.TradeRef == tradeRef && tx.Kind == kind && tx.Status != TxFailed {
			return copyTx(tx), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListPendingTransfers(_ context.Context, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, tx := range s.txs {
		if tx.Status == TxPending && tx.TransferHash != "" {
			out = append(out, copyTx(tx))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStaleLocks(_ context.Context, before time.Time, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settled := make(map[string]bool)
	for _, tx := range s.txs {
		if tx.Status != TxCompleted || (tx.Kind != KindRelease && tx.Kind != KindRefund) {
			continue
		}
		ref := tx.TradeRef
		if i := strings.Index(ref, "/rehome/"); i >= 0 {
			ref = ref[:i]
		}
		settled[ref] = true
	}
	var out []*Transaction
	for _, tx := range s.txs {
		if tx.Kind != KindLock || tx.Status != TxCompleted {
			continue
		}
		if !tx.CreatedAt.Before(before) || settled[tx.TradeRef] {
			continue
		}
		out = append(out, copyTx(tx))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) History(_ context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if tx.UserID != userID && tx.Counterparty != userID {
			continue
		}
		if before != nil {
			if tx.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if tx.CreatedAt.Equal(before.CreatedAt) && tx.ID >= before.ID {
				continue
			}
		}
		out = append(out, copyTx(tx))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
