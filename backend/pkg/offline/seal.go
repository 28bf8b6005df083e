package offline

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/chacha20poly1305"
)

// Payload is the relayed content of a reservation.
type Payload struct {
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sealer encrypts relay payloads with XChaCha20-Poly1305. The reservation id
// is bound as associated data, so a payload cannot be moved to another
// reservation.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the key as sha256(secret).
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("payload secret is empty")
	}
	key := sha256.Sum256(secret)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns base64(nonce || ciphertext).
func (s *Sealer) Seal(id string, p Payload) (string, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(s.aead.Seal(nonce, nonce, plain, []byte(id))), nil
}

func (s *Sealer) Open(id, sealed string) (Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: payload encoding", ErrTampered)
	}
	if len(raw) < s.aead.NonceSize() {
		return Payload{}, fmt.Errorf("%w: payload too short", ErrTampered)
	}
	nonce, ct := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, []byte(id))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: payload authentication", ErrTampered)
	}
	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: payload body", ErrTampered)
	}
	return p, nil
}
