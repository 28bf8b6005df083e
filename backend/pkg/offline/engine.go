// Package offline lets a sender commit to a transfer while disconnected.
// Funds are held on the sender at reservation time, the reservation travels
// through nearby peers, and the ledger credits the recipient exactly once
// when connectivity returns. A reservation that is never delivered expires
// and its hold goes back to the sender.
package offline

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/centralbank/paychain/backend/pkg/clock"
	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/centralbank/paychain/backend/pkg/notify"
	"github.com/shopspring/decimal"
)

// Ledger is the part of the ledger the engine drives.
type Ledger interface {
	Hold(from, to string, amount decimal.Decimal, password string) (ledger.Hold, error)
	Release(id string, total decimal.Decimal) error
	SettleIncoming(s ledger.Settlement) (ledger.Transaction, error)
}

var _ Ledger = (*ledger.Ledger)(nil)

// Engine owns every reservation until it settles or expires. e.mu is held
// across ledger calls, so the lock order is engine then ledger.
type Engine struct {
	ledger   Ledger
	sealer   *Sealer
	policy   Policy
	clock    clock.Clock
	notifier notify.Notifier
	logger   *log.Logger
	latency  func() time.Duration
	scanner  Scanner
	settled  []func(Reservation, ledger.Transaction)
	changed  []func()

	mu           sync.Mutex
	reservations map[string]*Reservation
	mode         Mode
	peers        peerSet

	inflight sync.WaitGroup
	closed   chan struct{}
	once     sync.Once
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithScanner(s Scanner) Option { return func(e *Engine) { e.scanner = s } }

// WithLatency replaces the simulated per-hop relay delay.
func WithLatency(fn func() time.Duration) Option { return func(e *Engine) { e.latency = fn } }

// WithSettledHook registers fn to run after a reservation settles, outside
// the engine lock.
func WithSettledHook(fn func(Reservation, ledger.Transaction)) Option {
	return func(e *Engine) { e.settled = append(e.settled, fn) }
}

// WithChangeHook registers fn to run after any reservation state change.
func WithChangeHook(fn func()) Option { return func(e *Engine) { e.changed = append(e.changed, fn) } }

func New(l Ledger, sealer *Sealer, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		ledger:       l,
		sealer:       sealer,
		policy:       policy,
		clock:        clock.Real(),
		notifier:     notify.Discard,
		logger:       log.Default(),
		reservations: make(map[string]*Reservation),
		mode:         ModeOnline,
		peers:        newPeerSet(),
		closed:       make(chan struct{}),
	}
	e.latency = e.randomLatency
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) randomLatency() time.Duration {
	span := e.policy.MaxLatency - e.policy.MinLatency
	if span <= 0 {
		return e.policy.MinLatency
	}
	return e.policy.MinLatency + rand.N(span)
}

func (e *Engine) fireChanged() {
	for _, fn := range e.changed {
		fn()
	}
}

// CreateReservation holds amount+fee on the sender and records a pending
// reservation, then relays it to any peer in range.
func (e *Engine) CreateReservation(from, to string, amount decimal.Decimal, password string) (Reservation, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if !amount.IsPositive() {
		return Reservation{}, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	}
	if amount.GreaterThan(e.policy.MaxAmount) {
		return Reservation{}, fmt.Errorf("%w: offline transfers are limited to %s", ErrOfflineLimit, e.policy.MaxAmount)
	}

	e.mu.Lock()
	now := e.clock.Now()
	recent := 0
	for _, r := range e.reservations {
		if r.From == from && now.Sub(r.CreatedAt) < time.Hour {
			recent++
		}
	}
	if recent >= e.policy.MaxPerHour {
		e.mu.Unlock()
		return Reservation{}, fmt.Errorf("%w: at most %d offline transfers per hour", ErrOfflineLimit, e.policy.MaxPerHour)
	}

	hold, err := e.ledger.Hold(from, to, amount, password)
	if err != nil {
		e.mu.Unlock()
		return Reservation{}, err
	}
	r := &Reservation{
		ID:             ledger.NewID("OFFLINE_TX", hold.HeldAt),
		From:           from,
		To:             to,
		FromAddress:    hold.FromAddress,
		Amount:         hold.Amount,
		Fee:            hold.Fee,
		Total:          hold.Total,
		Signature:      ledger.Sign(from, to, hold.Amount, hold.HeldAt),
		Status:         StatusPending,
		CreatedAt:      hold.HeldAt,
		ExpiresAt:      hold.HeldAt.Add(e.policy.Horizon),
		ConnectionMode: e.mode,
	}
	r.EncryptedPayload, err = e.sealer.Seal(r.ID, Payload{Amount: r.Amount, Recipient: r.To, Timestamp: r.CreatedAt})
	if err != nil {
		if rerr := e.ledger.Release(from, hold.Total); rerr != nil {
			e.logger.Printf("offline: failed to release hold for %s after seal error: %v", from, rerr)
		}
		e.mu.Unlock()
		return Reservation{}, fmt.Errorf("failed to seal payload: %w", err)
	}
	e.reservations[r.ID] = r
	out := *r
	e.mu.Unlock()

	e.logger.Printf("offline: reservation %s created, %s held from %s", out.ID, out.Total, from)
	e.fireChanged()
	e.Relay(out.ID)
	return out, nil
}

// Receive accepts a delivered reservation on the recipient side. Delivering
// the same id twice yields ErrAlreadyReceived.
func (e *Engine) Receive(r Reservation) error {
	return e.receive(r, "direct")
}

func (e *Engine) receive(in Reservation, via string) error {
	if in.ID == "" || in.From == "" || in.To == "" || in.Signature == "" || in.EncryptedPayload == "" {
		return fmt.Errorf("%w: reservation is missing required fields", ledger.ErrInvalidInput)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidInput)
	}

	e.mu.Lock()
	now := e.clock.Now()
	r, ok := e.reservations[in.ID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: reservation %s", ledger.ErrNotFound, in.ID)
	}
	if r.Status == StatusExpired || !now.Before(r.ExpiresAt) || (!in.ExpiresAt.IsZero() && !now.Before(in.ExpiresAt)) {
		e.mu.Unlock()
		return ledger.ErrReservationExpired
	}
	if r.Status != StatusPending {
		e.mu.Unlock()
		return ErrAlreadyReceived
	}
	if err := e.verifyLocked(r, in); err != nil {
		e.mu.Unlock()
		return err
	}
	r.Status = StatusReceived
	r.ReceivedAt = &now
	r.ReceivedVia = via
	out := *r
	e.mu.Unlock()

	e.logger.Printf("offline: reservation %s received via %s", out.ID, via)
	e.notifier.Notify(notify.Event{
		Type:     notify.EventIncomingPayment,
		Account:  out.To,
		Title:    "Offline payment received",
		Message:  fmt.Sprintf("%s from %s, settles when online", out.Amount.StringFixed(2), out.From),
		Priority: notify.PriorityHigh,
		Data:     map[string]string{"reservation_id": out.ID, "via": via},
	})
	e.fireChanged()
	return nil
}

// verifyLocked checks a delivered copy against the held reservation.
func (e *Engine) verifyLocked(r *Reservation, in Reservation) error {
	if in.From != r.From || in.To != r.To || !in.Amount.Equal(r.Amount) || in.Signature != r.Signature {
		return fmt.Errorf("%w: %s does not match the held reservation", ledger.ErrInvalidInput, in.ID)
	}
	if ledger.Sign(in.From, in.To, in.Amount, r.CreatedAt) != in.Signature {
		return fmt.Errorf("%w: signature mismatch on %s", ledger.ErrInvalidInput, in.ID)
	}
	p, err := e.sealer.Open(in.ID, in.EncryptedPayload)
	if err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrInvalidInput, err)
	}
	if !p.Amount.Equal(r.Amount) || p.Recipient != r.To {
		return fmt.Errorf("%w: payload does not match %s", ledger.ErrInvalidInput, in.ID)
	}
	return nil
}

// Settle credits the recipient for a received reservation. Settling an
// already settled reservation returns the original transaction.
func (e *Engine) Settle(id string) (ledger.Transaction, error) {
	e.mu.Lock()
	r, ok := e.reservations[id]
	if !ok {
		e.mu.Unlock()
		return ledger.Transaction{}, fmt.Errorf("%w: reservation %s", ledger.ErrNotFound, id)
	}
	now := e.clock.Now()
	switch {
	case r.Status != StatusSettled && e.mode != ModeOnline:
		e.mu.Unlock()
		return ledger.Transaction{}, ErrOffline
	case r.Status == StatusPending:
		e.mu.Unlock()
		return ledger.Transaction{}, ErrNotReceived
	case r.Status == StatusExpired:
		e.mu.Unlock()
		return ledger.Transaction{}, ledger.ErrReservationExpired
	case r.Status == StatusReceived && !now.Before(r.ExpiresAt):
		e.mu.Unlock()
		return ledger.Transaction{}, ledger.ErrReservationExpired
	}

	wasSettled := r.Status == StatusSettled
	tx, err := e.ledger.SettleIncoming(ledger.Settlement{
		ReservationID:  r.ID,
		From:           r.From,
		To:             r.To,
		Amount:         r.Amount,
		Fee:            r.Fee,
		Signature:      r.Signature,
		CreatedAt:      r.CreatedAt,
		ConnectionMode: string(r.ConnectionMode),
	})
	if err != nil && !errors.Is(err, ledger.ErrAlreadySettled) {
		e.mu.Unlock()
		return ledger.Transaction{}, err
	}
	if !wasSettled {
		r.Status = StatusSettled
		r.SettledAt = &now
		r.TransactionID = tx.ID
	}
	out := *r
	e.mu.Unlock()

	if wasSettled {
		return tx, nil
	}
	e.logger.Printf("offline: reservation %s settled as %s", out.ID, tx.ID)
	e.notifier.Notify(notify.Event{
		Type:    notify.EventOfflineSettled,
		Account: out.From,
		Title:   "Offline payment settled",
		Message: fmt.Sprintf("%s to %s confirmed", out.Amount.StringFixed(2), out.To),
		Data:    map[string]string{"reservation_id": out.ID, "transaction_id": tx.ID},
	})
	for _, fn := range e.settled {
		fn(out, tx)
	}
	e.fireChanged()
	return tx, nil
}

// ProcessReceived settles every received reservation and returns how many
// settled.
func (e *Engine) ProcessReceived() int {
	if !e.Online() {
		return 0
	}
	n := 0
	for _, id := range e.idsWithStatus(StatusReceived) {
		if _, err := e.Settle(id); err != nil {
			e.logger.Printf("offline: failed to settle %s: %v", id, err)
			continue
		}
		n++
	}
	return n
}

func (e *Engine) idsWithStatus(statuses ...Status) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, r := range e.reservations {
		for _, s := range statuses {
			if r.Status == s {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// ExpireSweep releases the hold of every reservation past its expiry that
// has not settled, and returns the count and total released.
func (e *Engine) ExpireSweep(now time.Time) (int, decimal.Decimal) {
	e.mu.Lock()
	count, total := 0, decimal.Zero
	for _, r := range e.reservations {
		if r.terminal() || now.Before(r.ExpiresAt) {
			continue
		}
		if err := e.releaseLocked(r, now); err != nil {
			e.logger.Printf("offline: failed to release %s: %v", r.ID, err)
			continue
		}
		count++
		total = total.Add(r.Total)
	}
	e.mu.Unlock()

	if count > 0 {
		e.logger.Printf("offline: expired %d reservations, released %s", count, total)
		e.fireChanged()
	}
	return count, total
}

func (e *Engine) releaseLocked(r *Reservation, now time.Time) error {
	if err := e.ledger.Release(r.From, r.Total); err != nil {
		return err
	}
	r.Status = StatusExpired
	r.ReleasedAt = &now
	return nil
}

// EmergencyRelease expires all of an account's own pending reservations and
// returns the total handed back.
func (e *Engine) EmergencyRelease(account string) (decimal.Decimal, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return decimal.Zero, fmt.Errorf("%w: account is required", ledger.ErrInvalidInput)
	}
	e.mu.Lock()
	now := e.clock.Now()
	total := decimal.Zero
	var firstErr error
	for _, r := range e.reservations {
		if r.From != account || r.Status != StatusPending {
			continue
		}
		if err := e.releaseLocked(r, now); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total = total.Add(r.Total)
	}
	e.mu.Unlock()

	e.logger.Printf("offline: emergency release for %s returned %s", account, total)
	e.fireChanged()
	return total, firstErr
}

func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode == ModeOnline
}

func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetConnectionMode switches transport. Coming back online runs Sync.
func (e *Engine) SetConnectionMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err)
	}
	e.mu.Lock()
	prev := e.mode
	e.mode = m
	e.mu.Unlock()

	if prev != m {
		e.logger.Printf("offline: connection mode %s -> %s", prev, m)
	}
	if m == ModeOnline && prev != ModeOnline {
		e.Sync()
	}
	return nil
}

// Sync runs when the network is reachable: pending reservations are
// delivered over the network, received ones settle, and expired holds are
// released. It returns the number settled.
func (e *Engine) Sync() int {
	if !e.Online() {
		return 0
	}
	for _, id := range e.idsWithStatus(StatusPending) {
		r, ok := e.Reservation(id)
		if !ok {
			continue
		}
		if err := e.receive(r, "network"); err != nil && !errors.Is(err, ErrAlreadyReceived) {
			e.logger.Printf("offline: network delivery of %s failed: %v", id, err)
		}
	}
	n := e.ProcessReceived()
	e.ExpireSweep(e.clock.Now())
	return n
}

func (e *Engine) Reservation(id string) (Reservation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

type History struct {
	Sent     []Reservation `json:"sent"`
	Received []Reservation `json:"received"`
}

// History lists an account's sent reservations and the ones delivered to
// it, newest first.
func (e *Engine) History(account string) History {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := History{Sent: []Reservation{}, Received: []Reservation{}}
	for _, r := range e.reservations {
		if r.From == account {
			h.Sent = append(h.Sent, *r)
		}
		if r.To == account && (r.Status == StatusReceived || r.Status == StatusSettled) {
			h.Received = append(h.Received, *r)
		}
	}
	newest := func(s []Reservation) {
		sort.Slice(s, func(i, j int) bool { return s[i].CreatedAt.After(s[j].CreatedAt) })
	}
	newest(h.Sent)
	newest(h.Received)
	return h
}

type ConnectionState struct {
	Online              bool `json:"online"`
	Mode                Mode `json:"mode"`
	AvailablePeers      int  `json:"available_peers"`
	PendingReservations int  `json:"pending_reservations"`
	PendingReceipts     int  `json:"pending_receipts"`
	Bluetooth           bool `json:"bluetooth_available"`
	WiFi                bool `json:"wifi_available"`
}

func (e *Engine) ConnectionStatus() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := ConnectionState{
		Online:         e.mode == ModeOnline,
		Mode:           e.mode,
		AvailablePeers: len(e.peers.peers),
	}
	for _, r := range e.reservations {
		switch r.Status {
		case StatusPending:
			s.PendingReservations++
		case StatusReceived:
			s.PendingReceipts++
		}
	}
	for _, p := range e.peers.peers {
		switch p.Transport {
		case TransportBluetooth:
			s.Bluetooth = true
		case TransportWiFi:
			s.WiFi = true
		}
	}
	return s
}

// Reservations copies every reservation for persistence.
func (e *Engine) Reservations() []Reservation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reservationsLocked()
}

// Checkpoint runs capture and copies the reservation table under the engine
// lock, so no hold, release or settlement lands between the two.
func (e *Engine) Checkpoint(capture func()) []Reservation {
	e.mu.Lock()
	defer e.mu.Unlock()
	capture()
	return e.reservationsLocked()
}

func (e *Engine) reservationsLocked() []Reservation {
	out := make([]Reservation, 0, len(e.reservations))
	for _, r := range e.reservations {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Restore replaces the reservation table. Holds are already reflected in the
// restored ledger, so no balance moves.
func (e *Engine) Restore(rs []Reservation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reservations = make(map[string]*Reservation, len(rs))
	for i := range rs {
		r := rs[i]
		e.reservations[r.ID] = &r
	}
}
