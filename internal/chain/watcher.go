package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// PendingTransfer is a ledger-side escrow transaction whose chain leg
// has been submitted but not yet observed as confirmed or failed.
type PendingTransfer struct {
	TxID string
	Hash string
}

// TransferResolver is satisfied by the escrow manager so the watcher
// doesn't import the ledger package.
type TransferResolver interface {
	PendingTransfers(ctx context.Context, limit int) ([]PendingTransfer, error)
	ResolveTransfer(ctx context.Context, txID string, confirmed bool) error
}

// Watcher polls the external ledger for the fate of submitted transfers
// and resolves the corresponding escrow transactions. Release operations
// stay pending (funds locked) until the watcher sees a receipt.
type Watcher struct {
	client   Client
	resolver TransferResolver
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewWatcher creates a transfer confirmation watcher.
func NewWatcher(client Client, resolver TransferResolver, logger *slog.Logger) *Watcher {
	return &Watcher{
		client:   client,
		resolver: resolver,
		interval: 15 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the watcher loop is actively running.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start begins the confirmation loop. Call in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeCheck(ctx)
		}
	}
}

// Stop signals the watcher to stop.
func (w *Watcher) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Watcher) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in transfer watcher", "panic", fmt.Sprint(r))
		}
	}()
	w.checkPending(ctx)
}

func (w *Watcher) checkPending(ctx context.Context) {
	pending, err := w.resolver.PendingTransfers(ctx, 100)
	if err != nil {
		w.logger.Warn("failed to list pending transfers", "error", err)
		return
	}

	for _, p := range pending {
		state, err := w.client.TransferStatus(ctx, p.Hash)
		if err != nil {
			w.logger.Warn("failed to query transfer status",
				"txId", p.TxID, "hash", p.Hash, "error", err)
			continue
		}

		switch state {
		case TransferPending:
			continue
		case TransferConfirmed:
			if err := w.resolver.ResolveTransfer(ctx, p.TxID, true); err != nil {
				w.logger.Warn("failed to resolve confirmed transfer",
					"txId", p.TxID, "error", err)
				continue
			}
			w.logger.Info("transfer confirmed", "txId", p.TxID, "hash", p.Hash)
		case TransferFailed:
			if err := w.resolver.ResolveTransfer(ctx, p.TxID, false); err != nil {
				w.logger.Warn("failed to resolve failed transfer",
					"txId", p.TxID, "error", err)
				continue
			}
			w.logger.Warn("transfer failed on chain, funds remain escrowed",
				"txId", p.TxID, "hash", p.Hash)
		}
	}
}
