// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Escrow generates an externally visible escrow transaction id:
// "ESC-" followed by 12 uppercase hex characters.
func Escrow() string {
	return "ESC-" + upperHex(6)
}

// Transfer generates a bank transfer reference ("TRANSFER-" + 12 uppercase hex).
func Transfer() string {
	return "TRANSFER-" + upperHex(6)
}

// Topup generates a wallet top-up payment reference.
func Topup() string {
	return "TOPUP-" + upperHex(6)
}

// WalletPayment generates a reference for wallet-funded escrow payments.
func WalletPayment() string {
	return "WALLET-ESC-" + upperHex(6)
}

// WithPrefix generates a random ID with a prefix (e.g. "wtx_", "dsp_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// New generates a UUID-like random ID (32 hex chars with dashes).
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

func upperHex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return strings.ToUpper(hex.EncodeToString(b))
}
