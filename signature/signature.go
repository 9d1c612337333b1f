package signature

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"loyaltyd/token"
)

// MessageVersion is the canonical approval template version. Any change to the
// field order or formatting below invalidates previously issued signatures and
// must bump this value.
const MessageVersion = "v1"

// Approval carries every field bound into the signed message. Binding the full
// tuple means a signature cannot be replayed against a different session,
// counterparty, amount, or expiry even if a nonce were somehow reused.
type Approval struct {
	SessionID       uuid.UUID
	CustomerAddress string
	ShopID          string
	AmountWei       *big.Int
	ExpiresAt       time.Time
}

// CanonicalMessage renders the fixed multi-line template the customer signs
// with the chain's personal-message scheme.
func CanonicalMessage(a Approval) string {
	return fmt.Sprintf(
		"Loyalty Redemption Approval %s\n"+
			"Session: %s\n"+
			"Customer: %s\n"+
			"Shop: %s\n"+
			"Amount: %s %s\n"+
			"Expires: %s\n"+
			"\n"+
			"I authorize this redemption.",
		MessageVersion,
		a.SessionID,
		strings.ToLower(strings.TrimSpace(a.CustomerAddress)),
		a.ShopID,
		token.Format(a.AmountWei), token.Symbol,
		a.ExpiresAt.UTC().Format(time.RFC3339),
	)
}

// Verify recovers the signer of message from a hex-encoded personal-sign
// signature and reports whether it matches expectedAddress. Comparison is
// case-insensitive. Any malformed input or recovery failure yields false;
// verification never panics or errors past the caller's check.
func Verify(message, signatureHex, expectedAddress string) bool {
	expected := strings.ToLower(strings.TrimSpace(expectedAddress))
	if expected == "" {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signatureHex), "0x"))
	if err != nil || len(sig) != 65 {
		return false
	}
	// Wallets emit V as 27/28; SigToPub expects 0/1.
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return false
	}
	digest := accounts.TextHash([]byte(message))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	recovered := strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex())
	return recovered == expected
}

// Sign produces a hex-encoded personal-sign signature over message. Used by
// tests and operator tooling; customers sign on their own devices.
func Sign(message string, key *ecdsa.PrivateKey) (string, error) {
	digest := accounts.TextHash([]byte(message))
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// NormalizeAddress lowercases and validates a 0x-prefixed hex address.
func NormalizeAddress(addr string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) != 42 {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	if _, err := hex.DecodeString(trimmed[2:]); err != nil {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return trimmed, nil
}
