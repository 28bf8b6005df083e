package security

import (
	"fmt"
	"sort"
	"time"

	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/shopspring/decimal"
)

type RateAnomaly struct {
	Account string `json:"account"`
	Count   int    `json:"count"`
}

type DormantAccount struct {
	Account      string          `json:"account"`
	Balance      decimal.Decimal `json:"balance"`
	LastActivity time.Time       `json:"last_activity"`
}

// ScanReport is the result of one security sweep. A scan never changes
// ledger state.
type ScanReport struct {
	Timestamp             time.Time        `json:"timestamp"`
	LockedAccounts        int              `json:"locked_accounts"`
	FailedAttemptAccounts int              `json:"failed_attempt_accounts"`
	SuspiciousActivities  int              `json:"suspicious_activities"`
	RateAnomalies         []RateAnomaly    `json:"rate_anomalies"`
	DormantWithBalance    []DormantAccount `json:"dormant_with_balance"`
	Issues                []string         `json:"issues"`
}

type LockInfo struct {
	Account          string    `json:"account"`
	Until            time.Time `json:"until"`
	MinutesRemaining int       `json:"minutes_remaining"`
}

type Report struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Locked          []LockInfo     `json:"locked"`
	FailedAttempts  map[string]int `json:"failed_attempts"`
	RecentAnomalies []Anomaly      `json:"recent_anomalies"`
	Scan            ScanReport     `json:"scan"`
}

// Scan lifts expired locks and reports locked accounts, high transaction
// rates and dormant accounts still holding a balance.
func (g *Guard) Scan() ScanReport {
	now := g.clock.Now()
	txs := g.ledger.TransactionsSince(now.Add(-g.policy.RateWindow))
	accounts := g.ledger.Accounts()

	g.mu.Lock()
	for id, until := range g.locks {
		if !now.Before(until) {
			g.unlockLocked(id, now, "AUTO_UNLOCK")
		}
	}
	r := ScanReport{
		Timestamp:             now,
		LockedAccounts:        len(g.locks),
		FailedAttemptAccounts: len(g.failures),
		RateAnomalies:         []RateAnomaly{},
		DormantWithBalance:    []DormantAccount{},
		Issues:                []string{},
	}
	for _, a := range g.anomalies {
		if a.Type == AnomalySuspiciousTransaction && now.Sub(a.Timestamp) <= g.policy.RateWindow {
			r.SuspiciousActivities++
		}
	}

	counts := make(map[string]int)
	for _, tx := range txs {
		if tx.Type == ledger.TxFee || tx.From == ledger.SystemSender {
			continue
		}
		counts[tx.From]++
	}
	for id, n := range counts {
		if n >= g.policy.RateThreshold {
			r.RateAnomalies = append(r.RateAnomalies, RateAnomaly{Account: id, Count: n})
			g.anomalyLocked(AnomalyRate, id, "reported", map[string]string{"count": fmt.Sprint(n)}, now)
		}
	}
	sort.Slice(r.RateAnomalies, func(i, j int) bool { return r.RateAnomalies[i].Account < r.RateAnomalies[j].Account })

	for _, acc := range accounts {
		if acc.System || !acc.Balance.IsPositive() {
			continue
		}
		if now.Sub(acc.LastActivity) > g.policy.DormantAfter {
			r.DormantWithBalance = append(r.DormantWithBalance, DormantAccount{
				Account:      acc.ID,
				Balance:      acc.Balance,
				LastActivity: acc.LastActivity,
			})
		}
	}
	g.auditLocked("SECURITY_SCAN", "", "", now)
	g.mu.Unlock()

	if r.LockedAccounts > 0 {
		r.Issues = append(r.Issues, fmt.Sprintf("%d locked accounts", r.LockedAccounts))
	}
	if r.SuspiciousActivities > 0 {
		r.Issues = append(r.Issues, fmt.Sprintf("%d suspicious transactions in the last %s", r.SuspiciousActivities, g.policy.RateWindow))
	}
	if len(r.RateAnomalies) > 0 {
		r.Issues = append(r.Issues, fmt.Sprintf("%d accounts with high transaction rate", len(r.RateAnomalies)))
	}
	if len(r.DormantWithBalance) > 0 {
		r.Issues = append(r.Issues, fmt.Sprintf("%d dormant accounts holding balance", len(r.DormantWithBalance)))
	}
	if len(r.Issues) > 0 {
		g.logger.Printf("security: scan found %d issues: %v", len(r.Issues), r.Issues)
	}
	return r
}

// Report combines the current lock table, failure counts, the ten most
// recent anomalies and a fresh scan.
func (g *Guard) Report() Report {
	scan := g.Scan()

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	rep := Report{
		GeneratedAt:    now,
		Locked:         []LockInfo{},
		FailedAttempts: make(map[string]int, len(g.failures)),
		Scan:           scan,
	}
	for id, until := range g.locks {
		lockErr := ledger.LockedError{Remaining: until.Sub(now)}
		rep.Locked = append(rep.Locked, LockInfo{
			Account:          mask(id),
			Until:            until,
			MinutesRemaining: lockErr.MinutesRemaining(),
		})
	}
	sort.Slice(rep.Locked, func(i, j int) bool { return rep.Locked[i].Until.Before(rep.Locked[j].Until) })
	for id, attempts := range g.failures {
		rep.FailedAttempts[mask(id)] = len(attempts)
	}
	start := len(g.anomalies) - 10
	if start < 0 {
		start = 0
	}
	rep.RecentAnomalies = append([]Anomaly{}, g.anomalies[start:]...)
	return rep
}
