package paychain

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/centralbank/paychain/backend/pkg/clock"
	"github.com/centralbank/paychain/backend/pkg/fabricclient"
	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/centralbank/paychain/backend/pkg/notify"
	"github.com/centralbank/paychain/backend/pkg/offline"
	"github.com/centralbank/paychain/backend/pkg/store"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

const (
	alice = "+254700000001"
	bob   = "+254700000002"
	pw    = "secret123"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(e notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(t notify.EventType, account string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t && (account == "" || e.Account == account) {
			n++
		}
	}
	return n
}

type fakeAnchor struct {
	mu     sync.Mutex
	proofs []fabricclient.SettlementProof
}

func (a *fakeAnchor) AnchorSettlement(_ context.Context, p fabricclient.SettlementProof) error {
	a.mu.Lock()
	a.proofs = append(a.proofs, p)
	a.mu.Unlock()
	return nil
}

// checkingAnchor reports the reservations in known as already anchored.
type checkingAnchor struct {
	fakeAnchor
	known map[string]bool
}

func (a *checkingAnchor) SettlementAnchored(id string) (bool, error) {
	return a.known[id], nil
}

type flakyStore struct {
	*store.Memory
	fail atomic.Bool
}

func (s *flakyStore) Save(ctx context.Context, st *store.State) error {
	if s.fail.Load() {
		return errors.New("connection refused")
	}
	return s.Memory.Save(ctx, st)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Ledger.BcryptCost = bcrypt.MinCost
	cfg.RelaySecret = "test-secret"
	return cfg
}

func newNode(t *testing.T, clk *clock.Mock, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{
		WithClock(clk),
		WithLogger(log.New(io.Discard, "", 0)),
		WithRelayLatency(func() time.Duration { return 0 }),
	}, opts...)
	n, err := New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return n
}

func newClock() *clock.Mock {
	return clock.NewMock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
}

func register(t *testing.T, n *Node, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := n.Register(id, pw); err != nil {
			t.Fatalf("unexpected register error: %v", err)
		}
	}
}

func TestNewRejectsEmptyRelaySecret(t *testing.T) {
	cfg := testConfig()
	cfg.RelaySecret = ""
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error for an empty relay secret")
	}
}

func TestLoginLockout(t *testing.T) {
	clk := newClock()
	n := newNode(t, clk)
	register(t, n, alice)

	for i := 0; i < 5; i++ {
		if _, err := n.Login(alice, "wrong-password"); !errors.Is(err, ledger.ErrInvalidCredential) {
			t.Fatalf("attempt %d: expected invalid credential, got %v", i+1, err)
		}
	}
	_, err := n.Login(alice, pw)
	var locked *ledger.LockedError
	if !errors.As(err, &locked) || locked.MinutesRemaining() != 30 {
		t.Fatalf("expected a 30 minute lock, got %v", err)
	}

	clk.Advance(31 * time.Minute)
	if _, err := n.Login(alice, pw); err != nil {
		t.Fatalf("unexpected error after lock expiry: %v", err)
	}

	for i := 0; i < 6; i++ {
		n.Login("+254799999999", "whatever")
	}
	if n.Guard.IsLocked("+254799999999") {
		t.Fatal("unknown accounts must not accumulate failed attempts")
	}
}

func TestTransferNotifiesRecipient(t *testing.T) {
	events := &recorder{}
	n := newNode(t, newClock(), WithNotifier(events))
	register(t, n, alice, bob)

	receipt, err := n.Transfer(alice, bob, d("40"), pw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !receipt.Fee.Equal(d("0.40")) {
		t.Fatalf("unexpected fee %s", receipt.Fee)
	}
	if got := n.Ledger.Balance(alice); !got.Equal(d("59.60")) {
		t.Fatalf("alice balance = %s, want 59.60", got)
	}
	if events.count(notify.EventIncomingPayment, bob) != 1 {
		t.Fatal("expected one incoming payment event for bob")
	}
}

func TestTransferRejectedAsSuspicious(t *testing.T) {
	n := newNode(t, newClock())
	register(t, n, alice, bob)

	_, err := n.Transfer(alice, bob, d("95"), pw)
	if !errors.Is(err, ledger.ErrSuspiciousRejected) {
		t.Fatalf("expected suspicious rejection, got %v", err)
	}
	if got := n.Ledger.Balance(alice); !got.Equal(d("100")) {
		t.Fatalf("alice balance = %s, want 100", got)
	}
	if len(n.Guard.Anomalies()) != 1 {
		t.Fatalf("expected one anomaly, got %d", len(n.Guard.Anomalies()))
	}
}

func TestWrongTransferPasswordCountsTowardLockout(t *testing.T) {
	n := newNode(t, newClock())
	register(t, n, alice, bob)

	for i := 0; i < 5; i++ {
		if _, err := n.Transfer(alice, bob, d("1"), "wrong-password"); !errors.Is(err, ledger.ErrInvalidCredential) {
			t.Fatalf("attempt %d: expected invalid credential, got %v", i+1, err)
		}
	}
	if _, err := n.Transfer(alice, bob, d("1"), pw); !errors.Is(err, ledger.ErrLocked) {
		t.Fatalf("expected locked, got %v", err)
	}
	if _, err := n.SendOffline(alice, bob, d("1"), pw); !errors.Is(err, ledger.ErrLocked) {
		t.Fatalf("expected locked for offline send, got %v", err)
	}
}

func TestPayRoutesByConnectionMode(t *testing.T) {
	n := newNode(t, newClock())
	t.Cleanup(n.Engine.Close)
	register(t, n, alice, bob)

	p, err := n.Pay(alice, bob, d("10"), pw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Mode != offline.ModeOnline || p.Receipt == nil || p.Reservation != nil {
		t.Fatalf("expected an online receipt, got %+v", p)
	}

	if err := n.SetMode(offline.ModeBluetooth); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err = n.Pay(alice, bob, d("10"), pw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Mode != offline.ModeBluetooth || p.Reservation == nil || p.Receipt != nil {
		t.Fatalf("expected an offline reservation, got %+v", p)
	}
	if p.Reservation.Status != offline.StatusPending {
		t.Fatalf("unexpected reservation status %s", p.Reservation.Status)
	}
	if s := n.Status(); s.Online || s.PendingReservations != 1 || s.Degraded {
		t.Fatalf("unexpected status %+v", s)
	}
}

func TestReconnectSettlesAndAnchors(t *testing.T) {
	anchor := &fakeAnchor{}
	n := newNode(t, newClock(), WithAnchor(anchor))
	register(t, n, alice, bob)

	n.SetMode(offline.ModeWiFi)
	r, err := n.SendOffline(alice, bob, d("30"), pw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.SetMode(offline.ModeOnline); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if got := n.Ledger.Balance(bob); !got.Equal(d("130")) {
		t.Fatalf("bob balance = %s, want 130", got)
	}
	anchor.mu.Lock()
	defer anchor.mu.Unlock()
	if len(anchor.proofs) != 1 {
		t.Fatalf("expected one anchored proof, got %d", len(anchor.proofs))
	}
	p := anchor.proofs[0]
	if p.ReservationID != r.ID || p.Amount != "30" || p.Fee != "0.3" || p.Signature != r.Signature || p.TransactionID == "" {
		t.Fatalf("unexpected proof %+v", p)
	}
}

func TestReconcileAnchorsResubmitsMissingProofs(t *testing.T) {
	clk := newClock()
	mem := store.NewMemory()
	n := newNode(t, clk, WithStore(mem))
	register(t, n, alice, bob)

	n.SetMode(offline.ModeWiFi)
	first, err := n.SendOffline(alice, bob, d("10"), pw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := n.SendOffline(alice, bob, d("15"), pw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.SetMode(offline.ModeOnline); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	anchor := &checkingAnchor{known: map[string]bool{first.ID: true}}
	restored := newNode(t, clk, WithStore(mem), WithAnchor(anchor))
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if got := restored.ReconcileAnchors(); got != 1 {
		t.Fatalf("resubmitted %d proofs, want 1", got)
	}
	if err := restored.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	anchor.mu.Lock()
	defer anchor.mu.Unlock()
	if len(anchor.proofs) != 1 || anchor.proofs[0].ReservationID != second.ID {
		t.Fatalf("unexpected proofs %+v", anchor.proofs)
	}
}

func TestReconcileAnchorsWithoutChecker(t *testing.T) {
	n := newNode(t, newClock(), WithAnchor(&fakeAnchor{}))
	t.Cleanup(n.Engine.Close)
	if got := n.ReconcileAnchors(); got != 0 {
		t.Fatalf("resubmitted %d proofs, want 0", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	clk := newClock()
	mem := store.NewMemory()
	n := newNode(t, clk, WithStore(mem))
	register(t, n, alice, bob)

	if _, err := n.Transfer(alice, bob, d("40"), pw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n.SetMode(offline.ModeBluetooth)
	r, err := n.SendOffline(alice, bob, d("20"), pw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	restored := newNode(t, clk, WithStore(mem))
	t.Cleanup(restored.Engine.Close)
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if got := restored.Ledger.Balance(alice); !got.Equal(d("39.40")) {
		t.Fatalf("restored alice balance = %s, want 39.40", got)
	}
	got, ok := restored.Engine.Reservation(r.ID)
	if !ok || got.Status != offline.StatusPending {
		t.Fatalf("expected pending reservation after restore, got %+v", got)
	}
	if _, err := restored.Login(alice, pw); err != nil {
		t.Fatalf("unexpected login error after restore: %v", err)
	}

	clk.Advance(25 * time.Hour)
	count, total := restored.Sweep()
	if count != 1 || !total.Equal(d("20.20")) {
		t.Fatalf("unexpected sweep %d %s", count, total)
	}
	if got := restored.Ledger.Balance(alice); !got.Equal(d("59.60")) {
		t.Fatalf("alice balance after sweep = %s, want 59.60", got)
	}
}

func TestLoadFromEmptyStore(t *testing.T) {
	n := newNode(t, newClock())
	if err := n.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Stats().Users != 0 {
		t.Fatalf("expected no users, got %d", n.Stats().Users)
	}
}

func TestFlushFailureDegrades(t *testing.T) {
	events := &recorder{}
	fs := &flakyStore{Memory: store.NewMemory()}
	n := newNode(t, newClock(), WithStore(fs), WithNotifier(events))
	t.Cleanup(n.Engine.Close)
	register(t, n, alice)

	fs.fail.Store(true)
	for i := 0; i < 2; i++ {
		if err := n.Flush(context.Background()); !errors.Is(err, ledger.ErrPersistenceFailure) {
			t.Fatalf("expected persistence failure, got %v", err)
		}
	}
	if !n.Status().Degraded {
		t.Fatal("expected degraded status")
	}
	if events.count(notify.EventSystem, "") != 1 {
		t.Fatal("expected a single degraded notification")
	}
	if got := n.Ledger.Balance(alice); !got.Equal(d("100")) {
		t.Fatalf("a failed save must not touch balances, got %s", got)
	}

	fs.fail.Store(false)
	if err := n.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Degraded() {
		t.Fatal("expected recovery after a successful save")
	}
}

func TestRunPersistsCommittedMutations(t *testing.T) {
	mem := store.NewMemory()
	cfg := testConfig()
	cfg.DiscoveryInterval, cfg.SettlementInterval, cfg.SweepInterval, cfg.ScanInterval = 0, 0, 0, 0
	cfg.PersistDebounce = 5 * time.Millisecond
	n, err := New(cfg, WithStore(mem), WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(n.Engine.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	register(t, n, alice)
	deadline := time.Now().Add(2 * time.Second)
	for mem.Saves() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if mem.Saves() == 0 {
		t.Fatal("expected the registration to be saved")
	}
	s, err := mem.Load(context.Background())
	if err != nil || s == nil {
		t.Fatalf("unexpected load result %v, %v", s, err)
	}
	found := false
	for _, acc := range s.Ledger.Accounts {
		found = found || acc.ID == alice
	}
	if !found {
		t.Fatal("saved state is missing the registered account")
	}
}
