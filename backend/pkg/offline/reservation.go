package offline

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOffline         = errors.New("settlement requires a network connection")
	ErrNotReceived     = errors.New("reservation has not been received")
	ErrAlreadyReceived = errors.New("reservation already received")
	ErrOfflineLimit    = errors.New("offline limit exceeded")
	ErrTampered        = errors.New("reservation failed integrity check")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusReceived Status = "received"
	StatusSettled  Status = "settled"
	StatusExpired  Status = "expired"
)

type Mode string

const (
	ModeOnline    Mode = "online"
	ModeBluetooth Mode = "bluetooth"
	ModeWiFi      Mode = "wifi"
	ModeOffline   Mode = "offline"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeOnline, ModeBluetooth, ModeWiFi, ModeOffline:
		return m, nil
	}
	return "", fmt.Errorf("unknown connection mode %q", s)
}

// Reservation is an offline transfer whose funds are already held from the
// sender. It moves pending -> received -> settled, or pending -> expired.
type Reservation struct {
	ID               string          `json:"id"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	FromAddress      string          `json:"from_address"`
	Amount           decimal.Decimal `json:"amount"`
	Fee              decimal.Decimal `json:"fee"`
	Total            decimal.Decimal `json:"total"`
	Signature        string          `json:"signature"`
	EncryptedPayload string          `json:"encrypted_payload"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	ConnectionMode   Mode            `json:"connection_mode"`
	ReceivedAt       *time.Time      `json:"received_at,omitempty"`
	ReceivedVia      string          `json:"received_via,omitempty"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	ReleasedAt       *time.Time      `json:"released_at,omitempty"`
}

func (r *Reservation) terminal() bool {
	return r.Status == StatusSettled || r.Status == StatusExpired
}

type Policy struct {
	Horizon    time.Duration
	PeerWindow time.Duration
	MaxAmount  decimal.Decimal
	MaxPerHour int
	HopLimit   int
	MinLatency time.Duration
	MaxLatency time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Horizon:    24 * time.Hour,
		PeerWindow: 60 * time.Second,
		MaxAmount:  decimal.NewFromInt(1000),
		MaxPerHour: 5,
		HopLimit:   3,
		MinLatency: time.Second,
		MaxLatency: 4 * time.Second,
	}
}
