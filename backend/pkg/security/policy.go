package security

import (
	"time"

	"github.com/shopspring/decimal"
)

type Policy struct {
	BruteForceWindow    time.Duration
	BruteForceThreshold int
	LockThreshold       int
	LockDuration        time.Duration

	LargeTransferRatio decimal.Decimal
	NewRecipientLimit  decimal.Decimal
	SuspiciousFunding  decimal.Decimal
	// RejectSuspicious blocks flagged transfers. When false they are only
	// recorded.
	RejectSuspicious bool

	RateWindow    time.Duration
	RateThreshold int
	DormantAfter  time.Duration

	MaxAnomalies int
	MaxAudit     int
}

func DefaultPolicy() Policy {
	return Policy{
		BruteForceWindow:    5 * time.Minute,
		BruteForceThreshold: 3,
		LockThreshold:       5,
		LockDuration:        30 * time.Minute,
		LargeTransferRatio:  decimal.RequireFromString("0.9"),
		NewRecipientLimit:   decimal.NewFromInt(100),
		SuspiciousFunding:   decimal.NewFromInt(1000),
		RejectSuspicious:    true,
		RateWindow:          time.Hour,
		RateThreshold:       10,
		DormantAfter:        7 * 24 * time.Hour,
		MaxAnomalies:        100,
		MaxAudit:            1000,
	}
}
