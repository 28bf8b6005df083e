package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxType string

const (
	TxTransfer        TxType = "transfer"
	TxFee             TxType = "fee"
	TxFunding         TxType = "funding"
	TxOfflineTransfer TxType = "offline_transfer"
)

const (
	StatusConfirmed = "confirmed"

	SystemSender  = "system"
	SystemAddress = "SYSTEM_WALLET"
)

type Account struct {
	ID             string          `json:"id"`
	WalletAddress  string          `json:"wallet_address"`
	PasswordHash   string          `json:"password_hash"`
	Balance        decimal.Decimal `json:"balance"`
	Active         bool            `json:"active"`
	System         bool            `json:"system,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastLogin      *time.Time      `json:"last_login,omitempty"`
	LastActivity   *time.Time      `json:"last_activity,omitempty"`
	TransactionIDs []string        `json:"transaction_ids"`
}

func (a *Account) clone() Account {
	c := *a
	c.TransactionIDs = append([]string(nil), a.TransactionIDs...)
	if a.LastLogin != nil {
		t := *a.LastLogin
		c.LastLogin = &t
	}
	if a.LastActivity != nil {
		t := *a.LastActivity
		c.LastActivity = &t
	}
	return c
}

func (a *Account) touch(now time.Time) {
	t := now
	a.LastActivity = &t
}

// Transaction is immutable once recorded.
type Transaction struct {
	ID             string          `json:"id"`
	Type           TxType          `json:"type"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	FromAddress    string          `json:"from_address"`
	ToAddress      string          `json:"to_address"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Total          decimal.Decimal `json:"total"`
	Timestamp      time.Time       `json:"timestamp"`
	BlockHeight    int64           `json:"block_height"`
	Status         string          `json:"status"`
	Signature      string          `json:"signature"`
	RelatedTx      string          `json:"related_tx,omitempty"`
	Offline        bool            `json:"offline,omitempty"`
	OfflineID      string          `json:"offline_id,omitempty"`
	ConnectionMode string          `json:"connection_mode,omitempty"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
}

type TransferReceipt struct {
	TransactionID string          `json:"transaction_id"`
	FeeTxID       string          `json:"fee_transaction_id"`
	Recipient     string          `json:"recipient"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Total         decimal.Decimal `json:"total"`
	BlockHeight   int64           `json:"block_height"`
}

// Hold is the sender-side debit backing an offline reservation.
type Hold struct {
	From        string
	To          string
	FromAddress string
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	Total       decimal.Decimal
	HeldAt      time.Time
}

// Settlement is what the offline engine presents to credit a recipient for
// a reservation whose funds are already held.
type Settlement struct {
	ReservationID  string
	From           string
	To             string
	Amount         decimal.Decimal
	Fee            decimal.Decimal
	Signature      string
	CreatedAt      time.Time
	ConnectionMode string
}

type AccountSummary struct {
	ID           string
	Balance      decimal.Decimal
	Active       bool
	System       bool
	LastActivity time.Time
}

type Profile struct {
	ID               string          `json:"id"`
	WalletAddress    string          `json:"wallet_address"`
	Balance          decimal.Decimal `json:"balance"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	LastLogin        *time.Time      `json:"last_login,omitempty"`
	TransactionCount int             `json:"transaction_count"`
}

type Stats struct {
	Users        int             `json:"users"`
	Transactions int             `json:"transactions"`
	BlockHeight  int64           `json:"block_height"`
	TotalValue   decimal.Decimal `json:"total_value"`
	TotalFees    decimal.Decimal `json:"total_fees"`
	FeeCollector string          `json:"fee_collector"`
}
