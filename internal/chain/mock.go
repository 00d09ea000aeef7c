package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// Mock is an in-memory external ledger for demo mode and tests.
// Balances are set directly; transfers confirm or fail according to
// the configured outcome, after Advance is called.
type Mock struct {
	mu        sync.Mutex
	balances  map[string]*big.Int
	transfers map[string]TransferState
	nextFail  bool
	seq       int
}

// NewMock creates an empty mock chain.
func NewMock() *Mock {
	return &Mock{
		balances:  make(map[string]*big.Int),
		transfers: make(map[string]TransferState),
	}
}

// SetBalance sets the balance of an address in smallest units.
func (m *Mock) SetBalance(address string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[strings.ToLower(address)] = new(big.Int).Set(amount)
}

// FailNextTransfer makes the next submitted transfer fail on confirmation.
func (m *Mock) FailNextTransfer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFail = true
}

func (m *Mock) BalanceOf(_ context.Context, address string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *Mock) Transfer(_ context.Context, toAddress string, amount *big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	hash := fmt.Sprintf("0xmock%08d", m.seq)
	if m.nextFail {
		m.transfers[hash] = TransferFailed
		m.nextFail = false
		return hash, nil
	}
	m.transfers[hash] = TransferConfirmed

	addr := strings.ToLower(toAddress)
	if b, ok := m.balances[addr]; ok {
		m.balances[addr] = new(big.Int).Add(b, amount)
	} else {
		m.balances[addr] = new(big.Int).Set(amount)
	}
	return hash, nil
}

func (m *Mock) TransferStatus(_ context.Context, hash string) (TransferState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.transfers[hash]; ok {
		return s, nil
	}
	return "", ErrTransferNotFound
}

// Compile-time assertion that Mock implements Client.
var _ Client = (*Mock)(nil)
