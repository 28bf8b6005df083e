// Package ledger is the single source of truth for phone-number accounts,
// balances and confirmed transactions.
//
// Every balance check and the debit or credit it authorizes happen under one
// write lock, so two concurrent debits from the same account can never both
// pass a check that only one of them can satisfy.
package ledger

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/centralbank/paychain/backend/pkg/clock"
	"github.com/centralbank/paychain/backend/pkg/notify"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

type Ledger struct {
	mu          sync.RWMutex
	accounts    map[string]*Account
	txs         map[string]*Transaction
	order       []string
	settled     map[string]string
	blockHeight int64

	policy   Policy
	clock    clock.Clock
	notifier notify.Notifier
	logger   *log.Logger
	hooks    []func()
}

type Option func(*Ledger)

func WithClock(c clock.Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithNotifier(n notify.Notifier) Option { return func(l *Ledger) { l.notifier = n } }

func WithLogger(lg *log.Logger) Option { return func(l *Ledger) { l.logger = lg } }

// WithCommitHook registers fn to run after every committed mutation. Hooks
// run outside the ledger lock.
func WithCommitHook(fn func()) Option {
	return func(l *Ledger) { l.hooks = append(l.hooks, fn) }
}

func New(policy Policy, opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*Account),
		txs:      make(map[string]*Transaction),
		settled:  make(map[string]string),
		policy:   policy.withDefaults(),
		clock:    clock.Real(),
		notifier: notify.Discard,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ensureFeeCollector()
	return l
}

func (l *Ledger) Policy() Policy { return l.policy }

func (l *Ledger) ensureFeeCollector() {
	id := l.policy.FeeCollector
	if _, ok := l.accounts[id]; ok {
		l.accounts[id].System = true
		return
	}
	l.accounts[id] = &Account{
		ID:            id,
		WalletAddress: WalletAddress(id),
		Balance:       decimal.Zero,
		Active:        true,
		System:        true,
		CreatedAt:     l.clock.Now(),
	}
}

func (l *Ledger) committed() {
	for _, fn := range l.hooks {
		fn()
	}
}

func (l *Ledger) Register(id, password string) (Account, error) {
	id = strings.TrimSpace(id)
	if !validID(id) {
		return Account{}, invalidf("phone number %q is not valid", id)
	}
	if len(password) < minPasswordLength {
		return Account{}, invalidf("password must be at least %d characters", minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), l.policy.BcryptCost)
	if err != nil {
		return Account{}, fmt.Errorf("failed to hash password: %w", err)
	}

	l.mu.Lock()
	if _, exists := l.accounts[id]; exists {
		l.mu.Unlock()
		return Account{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, id)
	}
	acc := &Account{
		ID:            id,
		WalletAddress: WalletAddress(id),
		PasswordHash:  string(hash),
		Balance:       l.policy.StartingBalance,
		Active:        true,
		CreatedAt:     l.clock.Now(),
	}
	l.accounts[id] = acc
	out := acc.clone()
	l.mu.Unlock()

	l.committed()
	return out, nil
}

func (l *Ledger) Authenticate(id, password string) (Account, error) {
	id = strings.TrimSpace(id)
	l.mu.RLock()
	acc, ok := l.accounts[id]
	var hash string
	var active, system bool
	if ok {
		hash, active, system = acc.PasswordHash, acc.Active, acc.System
	}
	l.mu.RUnlock()

	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if system {
		return Account{}, ErrInvalidCredential
	}
	if !active {
		return Account{}, ErrSuspended
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Account{}, ErrInvalidCredential
	}

	l.mu.Lock()
	if current, ok := l.accounts[id]; ok {
		acc = current
	}
	now := l.clock.Now()
	acc.LastLogin = &now
	out := acc.clone()
	l.mu.Unlock()

	l.committed()
	return out, nil
}

// Balance never fails: unknown accounts read as zero. A negative stored
// balance is corrected to zero and reported as an integrity alert.
func (l *Ledger) Balance(id string) decimal.Decimal {
	l.mu.RLock()
	acc, ok := l.accounts[id]
	var bal decimal.Decimal
	if ok {
		bal = acc.Balance
	}
	l.mu.RUnlock()
	if !ok {
		return decimal.Zero
	}
	if !bal.IsNegative() {
		return bal
	}

	l.mu.Lock()
	if current, ok := l.accounts[id]; ok {
		acc = current
	}
	corrected := acc.Balance.IsNegative()
	if corrected {
		acc.Balance = decimal.Zero
	}
	l.mu.Unlock()
	if corrected {
		l.logger.Printf("ledger: integrity fault, negative balance %s on %s clamped to 0", bal, id)
		l.notifier.Notify(notify.Event{
			Type:     notify.EventIntegrityAlert,
			Account:  id,
			Title:    "Balance integrity fault",
			Message:  fmt.Sprintf("Stored balance %s was negative and has been reset to 0", bal),
			Priority: notify.PriorityHigh,
			Data:     map[string]string{"stored_balance": bal.String()},
		})
		l.committed()
	}
	return decimal.Zero
}

func (l *Ledger) Exists(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[id]
	return ok
}

// SetActive suspends or reinstates an account. Suspended accounts cannot
// log in or send.
func (l *Ledger) SetActive(id string, active bool) error {
	l.mu.Lock()
	acc, ok := l.accounts[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if acc.System {
		l.mu.Unlock()
		return invalidf("system account %s cannot be suspended", id)
	}
	acc.Active = active
	l.mu.Unlock()

	l.committed()
	return nil
}

// checkDebit validates a debit request and the sender's credential. The
// password comparison runs outside the lock.
func (l *Ledger) checkDebit(from, to string, amount decimal.Decimal, password string) error {
	if !amount.IsPositive() {
		return invalidf("amount must be positive")
	}
	if from == to {
		return invalidf("cannot send to yourself")
	}
	l.mu.RLock()
	sender, okFrom := l.accounts[from]
	_, okTo := l.accounts[to]
	var hash string
	var active, system bool
	if okFrom {
		hash, active, system = sender.PasswordHash, sender.Active, sender.System
	}
	l.mu.RUnlock()

	if !okFrom {
		return fmt.Errorf("%w: sender %s", ErrNotFound, from)
	}
	if !okTo {
		return fmt.Errorf("%w: recipient %s", ErrNotFound, to)
	}
	if system {
		return ErrInvalidCredential
	}
	if !active {
		return ErrSuspended
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrInvalidCredential
	}
	return nil
}

// debitLocked subtracts amount+fee from the sender. Callers hold l.mu. The
// active flag is checked again here since checkDebit ran under a read lock.
func (l *Ledger) debitLocked(from string, amount decimal.Decimal) (*Account, decimal.Decimal, decimal.Decimal, error) {
	sender, ok := l.accounts[from]
	if !ok {
		return nil, decimal.Zero, decimal.Zero, fmt.Errorf("%w: sender %s", ErrNotFound, from)
	}
	if !sender.Active {
		return nil, decimal.Zero, decimal.Zero, ErrSuspended
	}
	fee := l.policy.Fee(amount)
	total := amount.Add(fee)
	if sender.Balance.LessThan(total) {
		return nil, decimal.Zero, decimal.Zero, &InsufficientBalanceError{
			Required:  total,
			Fee:       fee,
			Available: sender.Balance,
		}
	}
	sender.Balance = sender.Balance.Sub(total)
	return sender, fee, total, nil
}

func (l *Ledger) appendLocked(tx *Transaction, owners ...string) {
	l.txs[tx.ID] = tx
	l.order = append(l.order, tx.ID)
	for _, id := range owners {
		if acc, ok := l.accounts[id]; ok {
			acc.TransactionIDs = append(acc.TransactionIDs, tx.ID)
		}
	}
}

// Transfer moves amount from one account to another and pays the fee to the
// fee collector. The transfer and its fee transaction share a block height.
func (l *Ledger) Transfer(from, to string, amount decimal.Decimal, password string) (TransferReceipt, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if err := l.checkDebit(from, to, amount, password); err != nil {
		return TransferReceipt{}, err
	}

	l.mu.Lock()
	recipient, ok := l.accounts[to]
	if !ok {
		l.mu.Unlock()
		return TransferReceipt{}, fmt.Errorf("%w: recipient %s", ErrNotFound, to)
	}
	sender, fee, total, err := l.debitLocked(from, amount)
	if err != nil {
		l.mu.Unlock()
		return TransferReceipt{}, err
	}
	collector := l.accounts[l.policy.FeeCollector]
	recipient.Balance = recipient.Balance.Add(amount)
	collector.Balance = collector.Balance.Add(fee)

	now := l.clock.Now()
	l.blockHeight++
	main := &Transaction{
		ID:          NewID("TX", now),
		Type:        TxTransfer,
		From:        from,
		To:          to,
		FromAddress: sender.WalletAddress,
		ToAddress:   recipient.WalletAddress,
		Amount:      amount,
		Fee:         fee,
		Total:       total,
		Timestamp:   now,
		BlockHeight: l.blockHeight,
		Status:      StatusConfirmed,
		Signature:   Sign(from, to, amount, now),
	}
	feeTx := l.feeTransaction(sender, collector, fee, main.ID, now)
	l.appendLocked(main, from, to)
	l.appendLocked(feeTx, from, collector.ID)
	sender.touch(now)
	recipient.touch(now)

	receipt := TransferReceipt{
		TransactionID: main.ID,
		FeeTxID:       feeTx.ID,
		Recipient:     to,
		Amount:        amount,
		Fee:           fee,
		Total:         total,
		BlockHeight:   main.BlockHeight,
	}
	l.mu.Unlock()

	l.committed()
	return receipt, nil
}

func (l *Ledger) feeTransaction(payer, collector *Account, fee decimal.Decimal, related string, now time.Time) *Transaction {
	return &Transaction{
		ID:          NewID("TX", now),
		Type:        TxFee,
		From:        payer.ID,
		To:          collector.ID,
		FromAddress: payer.WalletAddress,
		ToAddress:   collector.WalletAddress,
		Amount:      fee,
		Fee:         decimal.Zero,
		Total:       fee,
		Timestamp:   now,
		BlockHeight: l.blockHeight,
		Status:      StatusConfirmed,
		Signature:   Sign(payer.ID, collector.ID, fee, now),
		RelatedTx:   related,
	}
}

// Fund credits an account from the synthetic system sender. No fee applies.
func (l *Ledger) Fund(id string, amount decimal.Decimal) (Transaction, error) {
	id = strings.TrimSpace(id)
	if !amount.IsPositive() {
		return Transaction{}, invalidf("amount must be positive")
	}
	l.mu.Lock()
	acc, ok := l.accounts[id]
	if !ok {
		l.mu.Unlock()
		return Transaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	acc.Balance = acc.Balance.Add(amount)
	now := l.clock.Now()
	l.blockHeight++
	tx := &Transaction{
		ID:          NewID("TX", now),
		Type:        TxFunding,
		From:        SystemSender,
		To:          id,
		FromAddress: SystemAddress,
		ToAddress:   acc.WalletAddress,
		Amount:      amount,
		Fee:         decimal.Zero,
		Total:       amount,
		Timestamp:   now,
		BlockHeight: l.blockHeight,
		Status:      StatusConfirmed,
		Signature:   Sign(SystemSender, id, amount, now),
	}
	l.appendLocked(tx, id)
	acc.touch(now)
	out := *tx
	l.mu.Unlock()

	l.committed()
	return out, nil
}

// Hold debits amount+fee from the sender for an offline reservation. It runs
// the same checks as Transfer but credits no one and records no transaction.
func (l *Ledger) Hold(from, to string, amount decimal.Decimal, password string) (Hold, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if err := l.checkDebit(from, to, amount, password); err != nil {
		return Hold{}, err
	}
	l.mu.Lock()
	if _, ok := l.accounts[to]; !ok {
		l.mu.Unlock()
		return Hold{}, fmt.Errorf("%w: recipient %s", ErrNotFound, to)
	}
	sender, fee, total, err := l.debitLocked(from, amount)
	if err != nil {
		l.mu.Unlock()
		return Hold{}, err
	}
	now := l.clock.Now()
	sender.touch(now)
	h := Hold{
		From:        from,
		To:          to,
		FromAddress: sender.WalletAddress,
		Amount:      amount,
		Fee:         fee,
		Total:       total,
		HeldAt:      now,
	}
	l.mu.Unlock()

	l.committed()
	return h, nil
}

// Release returns a held total to its sender.
func (l *Ledger) Release(id string, total decimal.Decimal) error {
	if !total.IsPositive() {
		return invalidf("release amount must be positive")
	}
	l.mu.Lock()
	acc, ok := l.accounts[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	acc.Balance = acc.Balance.Add(total)
	l.mu.Unlock()

	l.committed()
	return nil
}

// SettleIncoming credits the recipient and the fee collector for a held
// reservation. The sender is not debited again. A reservation id settles at
// most once; repeats return the original transaction with ErrAlreadySettled.
func (l *Ledger) SettleIncoming(s Settlement) (Transaction, error) {
	if s.ReservationID == "" || s.From == "" || s.To == "" {
		return Transaction{}, invalidf("settlement is missing required fields")
	}
	if !s.Amount.IsPositive() {
		return Transaction{}, invalidf("amount must be positive")
	}
	if !s.Fee.Equal(l.policy.Fee(s.Amount)) {
		return Transaction{}, invalidf("fee %s does not match policy", s.Fee)
	}
	if Sign(s.From, s.To, s.Amount, s.CreatedAt) != s.Signature {
		return Transaction{}, invalidf("signature mismatch for %s", s.ReservationID)
	}

	l.mu.Lock()
	if txID, ok := l.settled[s.ReservationID]; ok {
		out := *l.txs[txID]
		l.mu.Unlock()
		return out, ErrAlreadySettled
	}
	recipient, ok := l.accounts[s.To]
	if !ok {
		l.mu.Unlock()
		return Transaction{}, fmt.Errorf("%w: recipient %s", ErrNotFound, s.To)
	}
	collector := l.accounts[l.policy.FeeCollector]
	sender, ok := l.accounts[s.From]
	if !ok {
		sender = &Account{ID: s.From, WalletAddress: WalletAddress(s.From)}
	}

	recipient.Balance = recipient.Balance.Add(s.Amount)
	collector.Balance = collector.Balance.Add(s.Fee)

	now := l.clock.Now()
	l.blockHeight++
	main := &Transaction{
		ID:             NewID("TX", now),
		Type:           TxOfflineTransfer,
		From:           s.From,
		To:             s.To,
		FromAddress:    sender.WalletAddress,
		ToAddress:      recipient.WalletAddress,
		Amount:         s.Amount,
		Fee:            s.Fee,
		Total:          s.Amount.Add(s.Fee),
		Timestamp:      s.CreatedAt.UTC(),
		BlockHeight:    l.blockHeight,
		Status:         StatusConfirmed,
		Signature:      s.Signature,
		Offline:        true,
		OfflineID:      s.ReservationID,
		ConnectionMode: s.ConnectionMode,
		ConfirmedAt:    &now,
	}
	feeTx := l.feeTransaction(sender, collector, s.Fee, main.ID, now)
	l.appendLocked(main, s.From, s.To)
	l.appendLocked(feeTx, s.From, collector.ID)
	l.settled[s.ReservationID] = main.ID
	recipient.touch(now)
	out := *main
	l.mu.Unlock()

	l.committed()
	return out, nil
}

// SettlementFor returns the transaction that settled a reservation.
func (l *Ledger) SettlementFor(reservationID string) (Transaction, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	txID, ok := l.settled[reservationID]
	if !ok {
		return Transaction{}, false
	}
	return *l.txs[txID], true
}

func (l *Ledger) Transaction(id string) (Transaction, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, ok := l.txs[id]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// TransactionsOf lists an account's transactions, newest first.
func (l *Ledger) TransactionsOf(id string) []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[id]
	if !ok {
		return nil
	}
	out := make([]Transaction, 0, len(acc.TransactionIDs))
	for i := len(acc.TransactionIDs) - 1; i >= 0; i-- {
		if tx, ok := l.txs[acc.TransactionIDs[i]]; ok {
			out = append(out, *tx)
		}
	}
	return out
}

// TransactionsSince lists every transaction at or after t, oldest first.
func (l *Ledger) TransactionsSince(t time.Time) []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transaction
	for _, id := range l.order {
		tx := l.txs[id]
		if !tx.Timestamp.Before(t) {
			out = append(out, *tx)
		}
	}
	return out
}

// HasHistory reports whether value has moved between a and b in either
// direction. Fee transactions do not count.
func (l *Ledger) HasHistory(a, b string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[a]
	if !ok {
		return false
	}
	for _, id := range acc.TransactionIDs {
		tx := l.txs[id]
		if tx == nil || tx.Type == TxFee {
			continue
		}
		if (tx.From == a && tx.To == b) || (tx.From == b && tx.To == a) {
			return true
		}
	}
	return false
}

func (l *Ledger) Profile(id string) (Profile, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p := Profile{
		ID:               acc.ID,
		WalletAddress:    acc.WalletAddress,
		Balance:          acc.Balance,
		Active:           acc.Active,
		CreatedAt:        acc.CreatedAt,
		TransactionCount: len(acc.TransactionIDs),
	}
	if acc.LastLogin != nil {
		t := *acc.LastLogin
		p.LastLogin = &t
	}
	if p.Balance.IsNegative() {
		p.Balance = decimal.Zero
	}
	return p, nil
}

// Accounts summarizes every account, sorted by id. LastActivity falls back
// to the creation time for accounts that never transacted.
func (l *Ledger) Accounts() []AccountSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AccountSummary, 0, len(l.accounts))
	for _, acc := range l.accounts {
		s := AccountSummary{
			ID:           acc.ID,
			Balance:      acc.Balance,
			Active:       acc.Active,
			System:       acc.System,
			LastActivity: acc.CreatedAt,
		}
		if acc.LastActivity != nil {
			s.LastActivity = *acc.LastActivity
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) BlockHeight() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blockHeight
}

func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Stats{
		Transactions: len(l.txs),
		BlockHeight:  l.blockHeight,
		TotalValue:   decimal.Zero,
		TotalFees:    decimal.Zero,
		FeeCollector: l.policy.FeeCollector,
	}
	for _, acc := range l.accounts {
		if !acc.System {
			s.Users++
		}
	}
	for _, tx := range l.txs {
		if tx.Type == TxFee {
			s.TotalFees = s.TotalFees.Add(tx.Amount)
		} else {
			s.TotalValue = s.TotalValue.Add(tx.Amount)
		}
	}
	return s
}
