package security

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/centralbank/paychain/backend/pkg/clock"
	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/centralbank/paychain/backend/pkg/notify"
	"github.com/shopspring/decimal"
)

const (
	alice = "+254700000001"
	bob   = "+254700000002"
)

type fakeLedger struct {
	balances map[string]decimal.Decimal
	history  map[[2]string]bool
	accounts []ledger.AccountSummary
	txs      []ledger.Transaction
}

func (f *fakeLedger) Balance(id string) decimal.Decimal { return f.balances[id] }

func (f *fakeLedger) HasHistory(a, b string) bool {
	return f.history[[2]string{a, b}] || f.history[[2]string{b, a}]
}

func (f *fakeLedger) Accounts() []ledger.AccountSummary { return f.accounts }

func (f *fakeLedger) TransactionsSince(t time.Time) []ledger.Transaction {
	var out []ledger.Transaction
	for _, tx := range f.txs {
		if !tx.Timestamp.Before(t) {
			out = append(out, tx)
		}
	}
	return out
}

type eventLog struct{ events []notify.Event }

func (e *eventLog) Notify(ev notify.Event) { e.events = append(e.events, ev) }

func (e *eventLog) count(t notify.EventType) int {
	n := 0
	for _, ev := range e.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newTestGuard() (*Guard, *fakeLedger, *clock.Mock, *eventLog) {
	fl := &fakeLedger{
		balances: map[string]decimal.Decimal{alice: decimal.NewFromInt(100), bob: decimal.NewFromInt(100)},
		history:  map[[2]string]bool{},
	}
	clk := clock.NewMock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	events := &eventLog{}
	g := New(fl, DefaultPolicy(), WithClock(clk), WithNotifier(events), WithLogger(log.New(io.Discard, "", 0)))
	return g, fl, clk, events
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	g, _, clk, events := newTestGuard()

	for i := 0; i < 4; i++ {
		if err := g.BeforeLogin(alice); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i+1, err)
		}
		g.AfterLoginResult(alice, false)
		clk.Advance(10 * time.Second)
	}
	if g.IsLocked(alice) {
		t.Fatal("four failures must not lock")
	}
	if events.count(notify.EventSecurityAlert) != 2 {
		t.Fatalf("expected brute force alerts on the 3rd and 4th failure, got %d", events.count(notify.EventSecurityAlert))
	}

	g.AfterLoginResult(alice, false)
	err := g.BeforeLogin(alice)
	if !errors.Is(err, ledger.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	var le *ledger.LockedError
	if !errors.As(err, &le) || le.MinutesRemaining() != 30 {
		t.Fatalf("expected 30 minutes remaining, got %v", err)
	}
	if events.count(notify.EventAccountLocked) != 1 {
		t.Fatal("expected one lock notification")
	}
	if err := g.BeforeTransfer(alice, bob, decimal.NewFromInt(1)); !errors.Is(err, ledger.ErrLocked) {
		t.Fatalf("locked accounts cannot transfer, got %v", err)
	}

	clk.Advance(29 * time.Minute)
	if !g.IsLocked(alice) {
		t.Fatal("lock must hold for the full duration")
	}
	clk.Advance(time.Minute)
	if err := g.BeforeLogin(alice); err != nil {
		t.Fatalf("expected auto-unlock, got %v", err)
	}
	g.AfterLoginResult(alice, false)
	if g.IsLocked(alice) {
		t.Fatal("failure history must be cleared on unlock")
	}
}

func TestSuccessClearsFailures(t *testing.T) {
	g, _, _, _ := newTestGuard()
	for i := 0; i < 4; i++ {
		g.AfterLoginResult(alice, false)
	}
	g.AfterLoginResult(alice, true)
	g.AfterLoginResult(alice, false)
	if g.IsLocked(alice) {
		t.Fatal("a successful login must reset the failure count")
	}
}

func TestWrongTransferPasswordCountsTowardLockout(t *testing.T) {
	g, _, _, _ := newTestGuard()
	for i := 0; i < 5; i++ {
		g.AfterTransferResult(alice, ledger.ErrInvalidCredential)
	}
	g.AfterTransferResult(bob, &ledger.InsufficientBalanceError{})
	if !g.IsLocked(alice) {
		t.Fatal("expected alice to be locked")
	}
	if g.IsLocked(bob) {
		t.Fatal("insufficient balance is not a credential failure")
	}
}

func TestBeforeTransferFlags(t *testing.T) {
	t.Run("large share of balance", func(t *testing.T) {
		g, _, _, events := newTestGuard()
		err := g.BeforeTransfer(alice, bob, decimal.NewFromInt(95))
		if !errors.Is(err, ledger.ErrSuspiciousRejected) {
			t.Fatalf("expected ErrSuspiciousRejected, got %v", err)
		}
		anomalies := g.Anomalies()
		if len(anomalies) != 1 || anomalies[0].Type != AnomalySuspiciousTransaction || anomalies[0].Severity != SeverityHigh {
			t.Fatalf("unexpected anomalies %+v", anomalies)
		}
		if events.count(notify.EventSuspiciousActivity) != 1 {
			t.Fatal("expected a suspicious activity event")
		}
	})
	t.Run("new recipient over limit", func(t *testing.T) {
		g, fl, _, _ := newTestGuard()
		fl.balances[alice] = decimal.NewFromInt(1000)
		if err := g.BeforeTransfer(alice, bob, decimal.NewFromInt(150)); !errors.Is(err, ledger.ErrSuspiciousRejected) {
			t.Fatalf("expected ErrSuspiciousRejected, got %v", err)
		}
		fl.history[[2]string{bob, alice}] = true
		if err := g.BeforeTransfer(alice, bob, decimal.NewFromInt(150)); err != nil {
			t.Fatalf("known recipient should pass, got %v", err)
		}
	})
	t.Run("ordinary transfer", func(t *testing.T) {
		g, _, _, _ := newTestGuard()
		if err := g.BeforeTransfer(alice, bob, decimal.NewFromInt(30)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(g.Anomalies()) != 0 {
			t.Fatal("no anomaly expected")
		}
	})
	t.Run("record only", func(t *testing.T) {
		g, _, _, _ := newTestGuard()
		g.policy.RejectSuspicious = false
		if err := g.BeforeTransfer(alice, bob, decimal.NewFromInt(95)); err != nil {
			t.Fatalf("flag must not reject when rejection is off, got %v", err)
		}
		if a := g.Anomalies(); len(a) != 1 || a[0].Action != "recorded" {
			t.Fatalf("expected a recorded anomaly, got %+v", a)
		}
	})
}

func TestBeforeFund(t *testing.T) {
	g, _, _, _ := newTestGuard()
	g.BeforeFund(alice, decimal.NewFromInt(500))
	g.BeforeFund(alice, decimal.NewFromInt(5000))
	a := g.Anomalies()
	if len(a) != 1 || a[0].Type != AnomalySuspiciousFunding || a[0].Severity != SeverityMedium {
		t.Fatalf("unexpected anomalies %+v", a)
	}
}

func TestScan(t *testing.T) {
	g, fl, clk, _ := newTestGuard()
	now := clk.Now()
	for i := 0; i < 10; i++ {
		fl.txs = append(fl.txs,
			ledger.Transaction{Type: ledger.TxTransfer, From: bob, To: alice, Timestamp: now.Add(-time.Duration(i) * time.Minute)},
			ledger.Transaction{Type: ledger.TxFee, From: bob, Timestamp: now},
		)
	}
	fl.txs = append(fl.txs, ledger.Transaction{Type: ledger.TxTransfer, From: alice, To: bob, Timestamp: now.Add(-2 * time.Hour)})
	fl.accounts = []ledger.AccountSummary{
		{ID: alice, Balance: decimal.NewFromInt(50), LastActivity: now.Add(-8 * 24 * time.Hour)},
		{ID: bob, Balance: decimal.NewFromInt(50), LastActivity: now},
		{ID: ledger.DefaultFeeCollector, Balance: decimal.NewFromInt(5), System: true, LastActivity: now.Add(-30 * 24 * time.Hour)},
		{ID: "+254700000009", Balance: decimal.Zero, LastActivity: now.Add(-30 * 24 * time.Hour)},
	}
	for i := 0; i < 5; i++ {
		g.AfterLoginResult(alice, false)
	}

	r := g.Scan()
	if r.LockedAccounts != 1 || r.FailedAttemptAccounts != 1 {
		t.Fatalf("unexpected lock counts %+v", r)
	}
	if len(r.RateAnomalies) != 1 || r.RateAnomalies[0].Account != bob || r.RateAnomalies[0].Count != 10 {
		t.Fatalf("unexpected rate anomalies %+v", r.RateAnomalies)
	}
	if len(r.DormantWithBalance) != 1 || r.DormantWithBalance[0].Account != alice {
		t.Fatalf("unexpected dormant accounts %+v", r.DormantWithBalance)
	}
	if len(r.Issues) != 3 {
		t.Fatalf("expected 3 issues, got %v", r.Issues)
	}

	clk.Advance(31 * time.Minute)
	if r := g.Scan(); r.LockedAccounts != 0 {
		t.Fatal("scan must lift expired locks")
	}
}

func TestEmergencyUnlockAllAndReport(t *testing.T) {
	g, _, _, _ := newTestGuard()
	for _, id := range []string{alice, bob} {
		for i := 0; i < 5; i++ {
			g.AfterLoginResult(id, false)
		}
	}

	rep := g.Report()
	if len(rep.Locked) != 2 || rep.Locked[0].MinutesRemaining != 30 {
		t.Fatalf("unexpected locked list %+v", rep.Locked)
	}
	if rep.FailedAttempts["+254***000001"] != 5 {
		t.Fatalf("expected masked failure counts, got %v", rep.FailedAttempts)
	}
	if len(rep.RecentAnomalies) != 8 {
		t.Fatalf("expected 8 anomalies, got %d", len(rep.RecentAnomalies))
	}
	for i := 0; i < 5; i++ {
		g.BeforeFund(alice, decimal.NewFromInt(5000))
	}
	if got := len(g.Report().RecentAnomalies); got != 10 {
		t.Fatalf("report must keep only the last 10 anomalies, got %d", got)
	}

	if n := g.EmergencyUnlockAll(); n != 2 {
		t.Fatalf("expected 2 unlocked, got %d", n)
	}
	if g.IsLocked(alice) || g.IsLocked(bob) {
		t.Fatal("all locks must be cleared")
	}
	audit := g.AuditLog()
	if audit[len(audit)-1].Event != "EMERGENCY_UNLOCK_ALL" {
		t.Fatalf("emergency unlock must be audited, last entry %+v", audit[len(audit)-1])
	}
}

func TestMask(t *testing.T) {
	if got := mask("+254712345678"); got != "+254***345678" {
		t.Fatalf("unexpected mask %q", got)
	}
}
