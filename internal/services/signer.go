package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/shopspring/decimal"
)

// SignedPayload is the canonical outbound payload covered by the
// integrity signature. Field order and encoding are fixed; changing a
// single byte changes the signature.
type SignedPayload struct {
	TransactionID   string          `json:"txId"`
	UserID          string          `json:"userId"`
	SourceAccountID string          `json:"sourceAccountId"`
	TargetAccountID string          `json:"targetAccountId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	IssuedAt        int64           `json:"issuedAt"`
}

type IntegritySigner struct {
	secret []byte
}

func NewIntegritySigner(secret []byte) *IntegritySigner {
	return &IntegritySigner{secret: secret}
}

// Sign returns the hex HMAC-SHA256 over the payload's canonical bytes.
// The payload is never modified; the signing stage stamps IssuedAt before
// calling Sign.
func (s *IntegritySigner) Sign(p *SignedPayload) string {
	return hex.EncodeToString(s.mac(p))
}

// Verify recomputes the signature and compares in constant time.
func (s *IntegritySigner) Verify(p *SignedPayload, signature string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(s.mac(p), provided)
}

func (s *IntegritySigner) mac(p *SignedPayload) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(canonicalBytes(p))
	return h.Sum(nil)
}

// canonicalBytes serializes the payload with a field separator so that
// adjacent fields cannot be reassembled into a colliding byte stream.
func canonicalBytes(p *SignedPayload) []byte {
	sep := byte(0x1f)
	data := []byte{}
	for _, field := range []string{
		p.TransactionID,
		p.UserID,
		p.SourceAccountID,
		p.TargetAccountID,
		p.Amount.String(),
		p.Currency,
	} {
		data = append(data, []byte(field)...)
		data = append(data, sep)
	}
	data = append(data, int64ToBytes(p.IssuedAt)...)
	return data
}

func int64ToBytes(n int64) []byte {
	bytes := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		bytes[i] = byte(n & 0xff)
		n >>= 8
	}
	return bytes
}
