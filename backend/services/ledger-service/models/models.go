package models

import (
	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/shopspring/decimal"
)

type RegisterRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token     string          `json:"token"`
	ExpiresAt int64           `json:"expires_at"`
	Role      string          `json:"role"`
	Profile   *ledger.Profile `json:"profile,omitempty"`
}

type TransferRequest struct {
	To       string          `json:"to"`
	Amount   decimal.Decimal `json:"amount"`
	Password string          `json:"password"`
}

// FundRequest credits Account, or the caller when Account is empty.
type FundRequest struct {
	Account string          `json:"account,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
}

type ModeRequest struct {
	Mode string `json:"mode"`
}

type ReleaseRequest struct {
	Account string `json:"account,omitempty"`
}

type ReleaseResponse struct {
	Account  string          `json:"account"`
	Released decimal.Decimal `json:"released"`
}

type SweepResponse struct {
	Expired  int             `json:"expired"`
	Released decimal.Decimal `json:"released"`
}

type WalletBalance struct {
	Account  string          `json:"account"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Online      bool   `json:"online"`
	BlockHeight int64  `json:"block_height"`
}
