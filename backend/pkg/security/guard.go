// Package security gates logins and transfers: failed-attempt tracking,
// timed lockout, suspicious-transfer flags and periodic scans.
package security

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/centralbank/paychain/backend/pkg/clock"
	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/centralbank/paychain/backend/pkg/notify"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerReader is the read-only view of the ledger the guard consults.
type LedgerReader interface {
	Balance(id string) decimal.Decimal
	HasHistory(a, b string) bool
	Accounts() []ledger.AccountSummary
	TransactionsSince(t time.Time) []ledger.Transaction
}

type AnomalyType string

const (
	AnomalySuspiciousTransaction AnomalyType = "SUSPICIOUS_TRANSACTION"
	AnomalyBruteForce            AnomalyType = "BRUTE_FORCE_ATTEMPT"
	AnomalySuspiciousFunding     AnomalyType = "SUSPICIOUS_FUNDING"
	AnomalyAccountLocked         AnomalyType = "ACCOUNT_LOCKED"
	AnomalyRate                  AnomalyType = "HIGH_TRANSACTION_RATE"
	AnomalyDormant               AnomalyType = "DORMANT_WITH_BALANCE"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func severityOf(t AnomalyType) Severity {
	switch t {
	case AnomalySuspiciousTransaction, AnomalyBruteForce:
		return SeverityHigh
	case AnomalySuspiciousFunding, AnomalyAccountLocked:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

type Anomaly struct {
	ID        string            `json:"id"`
	Type      AnomalyType       `json:"type"`
	Account   string            `json:"account"`
	Details   map[string]string `json:"details,omitempty"`
	Severity  Severity          `json:"severity"`
	Action    string            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
}

type AuditEntry struct {
	Event     string    `json:"event"`
	Account   string    `json:"account,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Guard struct {
	ledger   LedgerReader
	policy   Policy
	clock    clock.Clock
	notifier notify.Notifier
	logger   *log.Logger

	mu        sync.Mutex
	failures  map[string][]time.Time
	locks     map[string]time.Time
	anomalies []Anomaly
	audit     []AuditEntry
}

type Option func(*Guard)

func WithClock(c clock.Clock) Option { return func(g *Guard) { g.clock = c } }

func WithNotifier(n notify.Notifier) Option { return func(g *Guard) { g.notifier = n } }

func WithLogger(l *log.Logger) Option { return func(g *Guard) { g.logger = l } }

func New(l LedgerReader, policy Policy, opts ...Option) *Guard {
	g := &Guard{
		ledger:   l,
		policy:   policy,
		clock:    clock.Real(),
		notifier: notify.Discard,
		logger:   log.Default(),
		failures: make(map[string][]time.Time),
		locks:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var maskPattern = regexp.MustCompile(`(\+\d{3})(\d{3})(\d{3})`)

func mask(id string) string {
	return maskPattern.ReplaceAllString(id, "$1***$3")
}

// activeLock returns the lock in force for id, lifting it if it has expired.
// Callers hold g.mu.
func (g *Guard) activeLock(id string, now time.Time) error {
	until, ok := g.locks[id]
	if !ok {
		return nil
	}
	if now.Before(until) {
		return &ledger.LockedError{Remaining: until.Sub(now)}
	}
	g.unlockLocked(id, now, "AUTO_UNLOCK")
	return nil
}

func (g *Guard) unlockLocked(id string, now time.Time, event string) {
	delete(g.locks, id)
	delete(g.failures, id)
	g.auditLocked(event, id, "", now)
}

func (g *Guard) auditLocked(event, id, detail string, now time.Time) {
	e := AuditEntry{Event: event, Account: mask(id), Detail: detail, Timestamp: now}
	g.audit = append(g.audit, e)
	if limit := g.policy.MaxAudit; limit > 0 && len(g.audit) > limit {
		g.audit = g.audit[len(g.audit)-limit:]
	}
}

func (g *Guard) anomalyLocked(t AnomalyType, id, action string, details map[string]string, now time.Time) Anomaly {
	a := Anomaly{
		ID:        uuid.NewString(),
		Type:      t,
		Account:   id,
		Details:   details,
		Severity:  severityOf(t),
		Action:    action,
		Timestamp: now,
	}
	g.anomalies = append(g.anomalies, a)
	if limit := g.policy.MaxAnomalies; limit > 0 && len(g.anomalies) > limit {
		g.anomalies = g.anomalies[len(g.anomalies)-limit:]
	}
	return a
}

// BeforeLogin fails with *ledger.LockedError while id is locked.
func (g *Guard) BeforeLogin(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeLock(id, g.clock.Now())
}

// IsLocked reports whether id is currently locked.
func (g *Guard) IsLocked(id string) bool {
	return g.BeforeLogin(id) != nil
}

func (g *Guard) AfterLoginResult(id string, success bool) {
	g.mu.Lock()
	now := g.clock.Now()
	if success {
		delete(g.failures, id)
		g.auditLocked("LOGIN_SUCCESS", id, "", now)
		g.mu.Unlock()
		return
	}
	g.auditLocked("LOGIN_FAILED", id, "", now)
	events := g.recordFailureLocked(id, now)
	g.mu.Unlock()

	for _, e := range events {
		g.notifier.Notify(e)
	}
}

// recordFailureLocked appends a failed attempt and returns the events it
// triggers. Callers hold g.mu.
func (g *Guard) recordFailureLocked(id string, now time.Time) []notify.Event {
	g.failures[id] = append(g.failures[id], now)
	attempts := g.failures[id]

	recent := 0
	for _, at := range attempts {
		if now.Sub(at) <= g.policy.BruteForceWindow {
			recent++
		}
	}

	var events []notify.Event
	if recent >= g.policy.BruteForceThreshold {
		g.anomalyLocked(AnomalyBruteForce, id, "flagged", map[string]string{
			"recent_attempts": fmt.Sprint(recent),
			"window":          g.policy.BruteForceWindow.String(),
		}, now)
		g.logger.Printf("security: brute force suspected on %s (%d attempts)", mask(id), recent)
		events = append(events, notify.Event{
			Type:     notify.EventSecurityAlert,
			Account:  id,
			Title:    "Multiple failed attempts",
			Message:  fmt.Sprintf("%d failed attempts in the last %s", recent, g.policy.BruteForceWindow),
			Priority: notify.PriorityHigh,
		})
	}

	if len(attempts) >= g.policy.LockThreshold {
		if _, already := g.locks[id]; !already {
			until := now.Add(g.policy.LockDuration)
			g.locks[id] = until
			g.anomalyLocked(AnomalyAccountLocked, id, "locked", map[string]string{
				"failed_attempts": fmt.Sprint(len(attempts)),
				"until":           until.Format(time.RFC3339),
			}, now)
			g.auditLocked("ACCOUNT_LOCKED", id, until.Format(time.RFC3339), now)
			g.logger.Printf("security: locked %s until %s", mask(id), until.Format(time.RFC3339))
			events = append(events, notify.Event{
				Type:     notify.EventAccountLocked,
				Account:  id,
				Title:    "Account locked",
				Message:  fmt.Sprintf("Too many failed attempts. Try again in %d minutes", int(g.policy.LockDuration.Minutes())),
				Priority: notify.PriorityHigh,
			})
		}
	}
	return events
}

// BeforeTransfer rejects transfers from locked accounts and flags transfers
// that are large relative to the sender's balance or go to a new recipient
// above the limit. Flagged transfers are rejected with
// ledger.ErrSuspiciousRejected unless RejectSuspicious is off.
func (g *Guard) BeforeTransfer(from, to string, amount decimal.Decimal) error {
	g.mu.Lock()
	err := g.activeLock(from, g.clock.Now())
	g.mu.Unlock()
	if err != nil {
		return err
	}

	balance := g.ledger.Balance(from)
	var reason string
	switch {
	case amount.GreaterThan(balance.Mul(g.policy.LargeTransferRatio)):
		reason = fmt.Sprintf("amount %s exceeds %s%% of balance %s", amount, g.policy.LargeTransferRatio.Shift(2), balance)
	case amount.GreaterThan(g.policy.NewRecipientLimit) && !g.ledger.HasHistory(from, to):
		reason = fmt.Sprintf("amount %s to a new recipient exceeds %s", amount, g.policy.NewRecipientLimit)
	default:
		return nil
	}

	action := "recorded"
	if g.policy.RejectSuspicious {
		action = "rejected"
	}
	g.mu.Lock()
	now := g.clock.Now()
	g.anomalyLocked(AnomalySuspiciousTransaction, from, action, map[string]string{
		"to":     to,
		"amount": amount.String(),
		"reason": reason,
	}, now)
	g.auditLocked("SUSPICIOUS_TRANSFER", from, reason, now)
	g.mu.Unlock()

	g.logger.Printf("security: suspicious transfer from %s %s: %s", mask(from), action, reason)
	g.notifier.Notify(notify.Event{
		Type:     notify.EventSuspiciousActivity,
		Account:  from,
		Title:    "Suspicious transaction",
		Message:  reason,
		Priority: notify.PriorityHigh,
		Data:     map[string]string{"to": to, "amount": amount.String(), "action": action},
	})
	if g.policy.RejectSuspicious {
		return fmt.Errorf("%w: %s", ledger.ErrSuspiciousRejected, reason)
	}
	return nil
}

// AfterTransferResult records the outcome of a guarded transfer. A wrong
// transaction password counts toward lockout.
func (g *Guard) AfterTransferResult(from string, err error) {
	g.mu.Lock()
	now := g.clock.Now()
	var events []notify.Event
	switch {
	case err == nil:
		g.auditLocked("TRANSFER_SUCCESS", from, "", now)
	case errors.Is(err, ledger.ErrInvalidCredential):
		g.auditLocked("TRANSFER_FAILED", from, "invalid credential", now)
		events = g.recordFailureLocked(from, now)
	default:
		g.auditLocked("TRANSFER_FAILED", from, err.Error(), now)
	}
	g.mu.Unlock()

	for _, e := range events {
		g.notifier.Notify(e)
	}
}

// BeforeFund flags unusually large funding. It never rejects.
func (g *Guard) BeforeFund(id string, amount decimal.Decimal) {
	if !amount.GreaterThan(g.policy.SuspiciousFunding) {
		return
	}
	g.mu.Lock()
	g.anomalyLocked(AnomalySuspiciousFunding, id, "recorded", map[string]string{"amount": amount.String()}, g.clock.Now())
	g.mu.Unlock()
	g.notifier.Notify(notify.Event{
		Type:    notify.EventSuspiciousActivity,
		Account: id,
		Title:   "Large funding",
		Message: fmt.Sprintf("Funding of %s exceeds %s", amount, g.policy.SuspiciousFunding),
	})
}

// EmergencyUnlockAll lifts every lock and clears all failure histories.
func (g *Guard) EmergencyUnlockAll() int {
	g.mu.Lock()
	now := g.clock.Now()
	n := len(g.locks)
	for id := range g.locks {
		g.auditLocked("EMERGENCY_UNLOCK", id, "", now)
	}
	g.locks = make(map[string]time.Time)
	g.failures = make(map[string][]time.Time)
	g.auditLocked("EMERGENCY_UNLOCK_ALL", "", fmt.Sprintf("%d accounts", n), now)
	g.mu.Unlock()

	g.logger.Printf("security: emergency unlock released %d accounts", n)
	g.notifier.Notify(notify.Event{
		Type:    notify.EventSystem,
		Title:   "Emergency unlock",
		Message: fmt.Sprintf("%d accounts unlocked", n),
	})
	return n
}

func (g *Guard) Anomalies() []Anomaly {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Anomaly(nil), g.anomalies...)
}

func (g *Guard) AuditLog() []AuditEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]AuditEntry(nil), g.audit...)
}
