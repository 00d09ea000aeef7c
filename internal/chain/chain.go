// Package chain abstracts the external ledger the escrow desk custodies
// tokens on. The rest of the system only needs "balance of address" and
// "transfer to address, eventually confirmed or failed"; everything else
// about the chain is this package's problem.
package chain

import (
	"context"
	"errors"
	"math/big"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrNotConfigured    = errors.New("chain custody not configured")
)

// TransferState is the observed state of a submitted transfer.
type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferConfirmed TransferState = "confirmed"
	TransferFailed    TransferState = "failed"
)

// Client is the read/write interface to the external ledger.
//
// BalanceOf may be stale (eventually consistent). Transfer is asynchronous:
// it returns a transfer hash once the transaction is accepted for
// inclusion; completion or failure is observed later via TransferStatus.
type Client interface {
	// BalanceOf returns the token balance of an address in smallest units.
	BalanceOf(ctx context.Context, address string) (*big.Int, error)

	// Transfer submits a token transfer from the platform custody wallet
	// to the given address and returns the transaction hash.
	Transfer(ctx context.Context, toAddress string, amount *big.Int) (string, error)

	// TransferStatus reports the current state of a submitted transfer.
	TransferStatus(ctx context.Context, hash string) (TransferState, error)
}
