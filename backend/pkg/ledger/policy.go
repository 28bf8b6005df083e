package ledger

import (
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// DefaultFeeCollector receives every transaction fee.
const DefaultFeeCollector = "+254846500025"

// Policy holds the ledger's fixed monetary rules.
type Policy struct {
	FeeRate         decimal.Decimal
	MinFee          decimal.Decimal
	StartingBalance decimal.Decimal
	FeeCollector    string
	BcryptCost      int
}

func DefaultPolicy() Policy {
	return Policy{
		FeeRate:         decimal.RequireFromString("0.01"),
		MinFee:          decimal.RequireFromString("0.01"),
		StartingBalance: decimal.NewFromInt(100),
		FeeCollector:    DefaultFeeCollector,
		BcryptCost:      bcrypt.DefaultCost,
	}
}

// Fee is max(amount*FeeRate, MinFee). It is not rounded.
func (p Policy) Fee(amount decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(p.FeeRate)
	if fee.LessThan(p.MinFee) {
		return p.MinFee
	}
	return fee
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.FeeRate.IsZero() {
		p.FeeRate = d.FeeRate
	}
	if p.MinFee.IsZero() {
		p.MinFee = d.MinFee
	}
	if p.FeeCollector == "" {
		p.FeeCollector = d.FeeCollector
	}
	if p.BcryptCost == 0 {
		p.BcryptCost = d.BcryptCost
	}
	return p
}
