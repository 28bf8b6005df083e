package paychain

import (
	"context"
	"fmt"
	"time"

	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/centralbank/paychain/backend/pkg/notify"
	"github.com/centralbank/paychain/backend/pkg/offline"
	"github.com/centralbank/paychain/backend/pkg/store"
)

func (n *Node) markDirty() {
	select {
	case n.dirty <- struct{}{}:
	default:
	}
}

// Degraded reports whether the last save failed.
func (n *Node) Degraded() bool { return n.degraded.Load() }

// ReconcileAnchors resubmits proofs for settled reservations the anchor has
// no record of, such as those settled just before a crash. It returns the
// number resubmitted and does nothing unless the anchor is an AnchorChecker.
func (n *Node) ReconcileAnchors() int {
	checker, ok := n.anchor.(AnchorChecker)
	if !ok {
		return 0
	}
	count := 0
	for _, r := range n.Engine.Reservations() {
		if r.Status != offline.StatusSettled || r.TransactionID == "" {
			continue
		}
		anchored, err := checker.SettlementAnchored(r.ID)
		if err != nil {
			n.logger.Printf("anchor: check %s: %v", r.ID, err)
			continue
		}
		if anchored {
			continue
		}
		tx, found := n.Ledger.Transaction(r.TransactionID)
		if !found {
			n.logger.Printf("anchor: reservation %s has no transaction %s", r.ID, r.TransactionID)
			continue
		}
		n.anchorAsync(n.proofFor(r, tx))
		count++
	}
	if count > 0 {
		n.logger.Printf("anchor: resubmitted %d settlement proofs", count)
	}
	return count
}

// Load restores the last saved state. An empty store leaves the node fresh.
func (n *Node) Load(ctx context.Context) error {
	s, err := n.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load: %v", ledger.ErrPersistenceFailure, err)
	}
	if s == nil {
		return nil
	}
	n.Ledger.Restore(s.Ledger)
	n.Engine.Restore(s.Reservations)
	n.logger.Printf("store: restored %d accounts, %d transactions, %d reservations saved at %s",
		len(s.Ledger.Accounts), len(s.Ledger.Transactions), len(s.Reservations), s.SavedAt.Format(time.RFC3339))
	return nil
}

// Flush saves the current state. A failure flips the node to degraded and
// leaves the in-memory state as it is; the next flush retries.
func (n *Node) Flush(ctx context.Context) error {
	n.saveMu.Lock()
	defer n.saveMu.Unlock()

	var snap ledger.Snapshot
	reservations := n.Engine.Checkpoint(func() { snap = n.Ledger.Snapshot() })
	state := &store.State{Ledger: snap, Reservations: reservations, SavedAt: n.clock.Now()}

	if err := n.store.Save(ctx, state); err != nil {
		if !n.degraded.Swap(true) {
			n.notifier.Notify(notify.Event{
				Type:     notify.EventSystem,
				Title:    "Persistence degraded",
				Message:  err.Error(),
				Priority: notify.PriorityHigh,
			})
		}
		n.logger.Printf("store: save failed: %v", err)
		return fmt.Errorf("%w: %v", ledger.ErrPersistenceFailure, err)
	}
	if n.degraded.Swap(false) {
		n.logger.Printf("store: save recovered")
	}
	return nil
}

// Run drives the background schedules until ctx is cancelled: peer
// discovery and relay retry while offline, settlement while online, expiry
// sweep, security scan and debounced persistence.
func (n *Node) Run(ctx context.Context) {
	every := func(d time.Duration, fn func()) {
		if d <= 0 {
			return
		}
		go func() {
			t := time.NewTicker(d)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					fn()
				}
			}
		}()
	}

	every(n.cfg.DiscoveryInterval, func() {
		if n.Engine.Online() {
			return
		}
		n.Engine.DiscoverPeers()
		n.Engine.RelayPending()
	})
	every(n.cfg.SettlementInterval, func() { n.Engine.Sync() })
	every(n.cfg.SweepInterval, func() { n.Sweep() })
	every(n.cfg.ScanInterval, func() {
		if report := n.Guard.Scan(); len(report.Issues) > 0 {
			n.logger.Printf("security: scan found %d issues", len(report.Issues))
		}
	})

	n.persistLoop(ctx)
}

func (n *Node) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.dirty:
		}
		if d := n.cfg.PersistDebounce; d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		n.Flush(ctx)
	}
}

// Close stops accepting relay work, waits for in-flight anchors and writes a
// final snapshot.
func (n *Node) Close(ctx context.Context) error {
	n.Engine.Close()
	n.anchors.Wait()
	return n.Flush(ctx)
}
