package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	phonePattern = regexp.MustCompile(`^[+\d][\d\s\-()]{10,}$`)
	nonDigits    = regexp.MustCompile(`\D`)
)

const minPasswordLength = 6

// Sign is the integrity contract for transactions and reservations: an
// order-sensitive hash over sender, recipient, amount and timestamp.
func Sign(from, to string, amount decimal.Decimal, ts time.Time) string {
	payload := strings.Join([]string{from, to, amount.String(), ts.UTC().Format(time.RFC3339Nano)}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// VerifySignature recomputes a transaction's signature.
func VerifySignature(tx Transaction) bool {
	return Sign(tx.From, tx.To, tx.Amount, tx.Timestamp) == tx.Signature
}

// WalletAddress derives the stable address of a phone-number id.
func WalletAddress(id string) string {
	sum := sha256.Sum256([]byte(nonDigits.ReplaceAllString(id, "")))
	return "PHONE_" + hex.EncodeToString(sum[:])[:40]
}

// NewID returns <prefix>_<unixmillis>_<random>.
func NewID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
}

func validID(id string) bool {
	return phonePattern.MatchString(id)
}
