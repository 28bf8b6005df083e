// Package paychain wires the ledger, the security guard and the offline
// settlement engine into one node: guarded operations, persistence,
// notifications, settlement anchoring and the background schedules.
package paychain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/centralbank/paychain/backend/pkg/clock"
	"github.com/centralbank/paychain/backend/pkg/fabricclient"
	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/centralbank/paychain/backend/pkg/notify"
	"github.com/centralbank/paychain/backend/pkg/offline"
	"github.com/centralbank/paychain/backend/pkg/security"
	"github.com/centralbank/paychain/backend/pkg/store"
	"github.com/shopspring/decimal"
)

const anchorTimeout = 30 * time.Second

// Anchor records settlement proofs outside the ledger. *fabricclient.Client
// satisfies it.
type Anchor interface {
	AnchorSettlement(ctx context.Context, p fabricclient.SettlementProof) error
}

// AnchorChecker is an Anchor that can report whether a reservation's proof is
// already recorded.
type AnchorChecker interface {
	SettlementAnchored(reservationID string) (bool, error)
}

var (
	_ Anchor        = (*fabricclient.Client)(nil)
	_ AnchorChecker = (*fabricclient.Client)(nil)
)

type Config struct {
	Ledger      ledger.Policy
	Offline     offline.Policy
	Security    security.Policy
	RelaySecret string

	DiscoveryInterval  time.Duration
	SettlementInterval time.Duration
	SweepInterval      time.Duration
	ScanInterval       time.Duration
	PersistDebounce    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Ledger:             ledger.DefaultPolicy(),
		Offline:            offline.DefaultPolicy(),
		Security:           security.DefaultPolicy(),
		RelaySecret:        "paychain-relay-secret",
		DiscoveryInterval:  10 * time.Second,
		SettlementInterval: 5 * time.Second,
		SweepInterval:      time.Minute,
		ScanInterval:       time.Minute,
		PersistDebounce:    500 * time.Millisecond,
	}
}

type Node struct {
	Ledger *ledger.Ledger
	Guard  *security.Guard
	Engine *offline.Engine

	cfg      Config
	clock    clock.Clock
	logger   *log.Logger
	notifier notify.Notifier
	store    store.Store
	anchor   Anchor
	scanner  offline.Scanner
	latency  func() time.Duration

	dirty    chan struct{}
	saveMu   sync.Mutex
	degraded atomic.Bool
	anchors  sync.WaitGroup
}

type Option func(*Node)

func WithClock(c clock.Clock) Option { return func(n *Node) { n.clock = c } }

func WithLogger(l *log.Logger) Option { return func(n *Node) { n.logger = l } }

func WithNotifier(nt notify.Notifier) Option { return func(n *Node) { n.notifier = nt } }

func WithStore(s store.Store) Option { return func(n *Node) { n.store = s } }

func WithAnchor(a Anchor) Option { return func(n *Node) { n.anchor = a } }

func WithScanner(s offline.Scanner) Option { return func(n *Node) { n.scanner = s } }

func WithRelayLatency(fn func() time.Duration) Option { return func(n *Node) { n.latency = fn } }

func New(cfg Config, opts ...Option) (*Node, error) {
	sealer, err := offline.NewSealer([]byte(cfg.RelaySecret))
	if err != nil {
		return nil, fmt.Errorf("relay sealer: %w", err)
	}
	n := &Node{
		cfg:      cfg,
		clock:    clock.Real(),
		logger:   log.Default(),
		notifier: notify.Discard,
		store:    store.NewMemory(),
		dirty:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.Ledger = ledger.New(cfg.Ledger,
		ledger.WithClock(n.clock),
		ledger.WithNotifier(n.notifier),
		ledger.WithLogger(n.logger),
		ledger.WithCommitHook(n.markDirty),
	)
	n.Guard = security.New(n.Ledger, cfg.Security,
		security.WithClock(n.clock),
		security.WithNotifier(n.notifier),
		security.WithLogger(n.logger),
	)
	engineOpts := []offline.Option{
		offline.WithClock(n.clock),
		offline.WithNotifier(n.notifier),
		offline.WithLogger(n.logger),
		offline.WithSettledHook(n.settled),
		offline.WithChangeHook(n.markDirty),
	}
	if n.scanner != nil {
		engineOpts = append(engineOpts, offline.WithScanner(n.scanner))
	}
	if n.latency != nil {
		engineOpts = append(engineOpts, offline.WithLatency(n.latency))
	}
	n.Engine = offline.New(n.Ledger, sealer, cfg.Offline, engineOpts...)
	return n, nil
}

// Register opens an account with the starting grant.
func (n *Node) Register(id, password string) (ledger.Account, error) {
	return n.Ledger.Register(id, password)
}

// Login authenticates id unless the guard holds it locked. Only a wrong
// password counts as a failed attempt.
func (n *Node) Login(id, password string) (ledger.Account, error) {
	if err := n.Guard.BeforeLogin(id); err != nil {
		return ledger.Account{}, err
	}
	acc, err := n.Ledger.Authenticate(id, password)
	switch {
	case err == nil:
		n.Guard.AfterLoginResult(id, true)
	case errors.Is(err, ledger.ErrInvalidCredential):
		n.Guard.AfterLoginResult(id, false)
	}
	return acc, err
}

// Transfer moves funds online after the guard's checks and tells the
// recipient.
func (n *Node) Transfer(from, to string, amount decimal.Decimal, password string) (ledger.TransferReceipt, error) {
	if err := n.Guard.BeforeTransfer(from, to, amount); err != nil {
		return ledger.TransferReceipt{}, err
	}
	receipt, err := n.Ledger.Transfer(from, to, amount, password)
	n.Guard.AfterTransferResult(from, err)
	if err != nil {
		return ledger.TransferReceipt{}, err
	}
	n.notifier.Notify(notify.Event{
		Type:     notify.EventIncomingPayment,
		Account:  receipt.Recipient,
		Title:    "Payment received",
		Message:  fmt.Sprintf("Received %s from %s", receipt.Amount.StringFixed(2), from),
		Priority: notify.PriorityHigh,
		Data:     map[string]string{"transaction_id": receipt.TransactionID, "from": from},
	})
	return receipt, nil
}

// SendOffline reserves funds for a payment that travels over the peer mesh.
func (n *Node) SendOffline(from, to string, amount decimal.Decimal, password string) (offline.Reservation, error) {
	if err := n.Guard.BeforeTransfer(from, to, amount); err != nil {
		return offline.Reservation{}, err
	}
	r, err := n.Engine.CreateReservation(from, to, amount, password)
	n.Guard.AfterTransferResult(from, err)
	return r, err
}

// Payment is the outcome of Pay: exactly one of Receipt and Reservation is
// set.
type Payment struct {
	Mode        offline.Mode            `json:"mode"`
	Receipt     *ledger.TransferReceipt `json:"receipt,omitempty"`
	Reservation *offline.Reservation    `json:"reservation,omitempty"`
}

// Pay transfers online when the node is connected and reserves an offline
// payment otherwise.
func (n *Node) Pay(from, to string, amount decimal.Decimal, password string) (Payment, error) {
	mode := n.Engine.Mode()
	if mode == offline.ModeOnline {
		receipt, err := n.Transfer(from, to, amount, password)
		if err != nil {
			return Payment{}, err
		}
		return Payment{Mode: mode, Receipt: &receipt}, nil
	}
	r, err := n.SendOffline(from, to, amount, password)
	if err != nil {
		return Payment{}, err
	}
	return Payment{Mode: mode, Reservation: &r}, nil
}

func (n *Node) Fund(id string, amount decimal.Decimal) (ledger.Transaction, error) {
	n.Guard.BeforeFund(id, amount)
	return n.Ledger.Fund(id, amount)
}

func (n *Node) Receive(r offline.Reservation) error { return n.Engine.Receive(r) }

func (n *Node) Settle(id string) (ledger.Transaction, error) { return n.Engine.Settle(id) }

// Sweep expires reservations past their horizon and returns their holds.
func (n *Node) Sweep() (int, decimal.Decimal) { return n.Engine.ExpireSweep(n.clock.Now()) }

func (n *Node) EmergencyRelease(account string) (decimal.Decimal, error) {
	return n.Engine.EmergencyRelease(account)
}

func (n *Node) SetMode(m offline.Mode) error { return n.Engine.SetConnectionMode(m) }

// Status is the engine's connection state plus whether the last save failed.
type Status struct {
	offline.ConnectionState
	Degraded bool `json:"degraded"`
}

func (n *Node) Status() Status {
	return Status{ConnectionState: n.Engine.ConnectionStatus(), Degraded: n.Degraded()}
}

func (n *Node) Scan() security.ScanReport { return n.Guard.Scan() }

func (n *Node) Report() security.Report { return n.Guard.Report() }

func (n *Node) UnlockAll() int { return n.Guard.EmergencyUnlockAll() }

func (n *Node) Stats() ledger.Stats { return n.Ledger.Stats() }

// settled anchors a settlement proof in the background. Anchor failures are
// logged and never touch the ledger.
func (n *Node) settled(r offline.Reservation, tx ledger.Transaction) {
	if n.anchor == nil {
		return
	}
	n.anchorAsync(n.proofFor(r, tx))
}

func (n *Node) proofFor(r offline.Reservation, tx ledger.Transaction) fabricclient.SettlementProof {
	proof := fabricclient.SettlementProof{
		ReservationID: r.ID,
		TransactionID: tx.ID,
		From:          r.From,
		To:            r.To,
		Amount:        r.Amount.String(),
		Fee:           r.Fee.String(),
		Signature:     r.Signature,
		SettledAt:     n.clock.Now(),
	}
	if r.SettledAt != nil {
		proof.SettledAt = *r.SettledAt
	}
	return proof
}

func (n *Node) anchorAsync(proof fabricclient.SettlementProof) {
	n.anchors.Add(1)
	go func() {
		defer n.anchors.Done()
		ctx, cancel := context.WithTimeout(context.Background(), anchorTimeout)
		defer cancel()
		if err := n.anchor.AnchorSettlement(ctx, proof); err != nil {
			n.logger.Printf("anchor: reservation %s: %v", proof.ReservationID, err)
			return
		}
		n.logger.Printf("anchor: reservation %s anchored", proof.ReservationID)
	}()
}
