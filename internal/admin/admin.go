// Package admin provides admin-only endpoints for resolving stuck
// financial states: custody transfers that never confirmed and trades
// sitting past their deadlines.
package admin

import (
	"context"

	"github.com/tomascrow/peervault/internal/chain"
	"github.com/tomascrow/peervault/internal/trade"
)

// EscrowAdmin is the slice of the escrow manager the admin surface
// needs for transfer resolution.
type EscrowAdmin interface {
	PendingTransfers(ctx context.Context, limit int) ([]chain.PendingTransfer, error)
	ResolveTransfer(ctx context.Context, txID string, confirmed bool) error
}

// TradeAdmin exposes the overdue-trade view and forced expiry.
type TradeAdmin interface {
	ListOverdue(ctx context.Context, limit int) ([]*trade.Trade, error)
	Expire(ctx context.Context, id string) (*trade.Trade, error)
}
