package token

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the fixed scale shared with the token contract. Ledger rows and
// sessions persist amounts as decimal strings of base units at this scale.
const Decimals = 18

// Symbol is the display symbol used in canonical approval messages.
const Symbol = "LYT"

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal token amount such as "500" or "12.5" into base
// units. Precision beyond Decimals fractional digits is rejected rather than
// truncated.
func Parse(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	negative := false
	if strings.HasPrefix(trimmed, "-") {
		negative = true
		trimmed = trimmed[1:]
	}
	whole := trimmed
	frac := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		whole = trimmed[:idx]
		frac = trimmed[idx+1:]
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", value, Decimals)
	}
	digits := whole + frac + strings.Repeat("0", Decimals-len(frac))
	parsed, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if negative {
		parsed.Neg(parsed)
	}
	return parsed, nil
}

// ParsePositive parses an amount and requires it to be strictly positive.
func ParsePositive(value string) (*big.Int, error) {
	parsed, err := Parse(value)
	if err != nil {
		return nil, err
	}
	if parsed.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return parsed, nil
}

// Format renders base units as a decimal string with trailing zeros trimmed.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Abs(amount)
	if amount.Sign() < 0 {
		sign = "-"
	}
	whole := new(big.Int)
	rem := new(big.Int)
	whole.QuoRem(abs, unit, rem)
	if rem.Sign() == 0 {
		return sign + whole.String()
	}
	frac := strings.TrimRight(fmt.Sprintf("%018s", rem.String()), "0")
	return sign + whole.String() + "." + frac
}

// MustParse parses a literal amount and panics on failure. Test helper.
func MustParse(value string) *big.Int {
	parsed, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return parsed
}

// FromStored decodes a base-unit string loaded from the database. Empty
// strings decode to zero so partially populated rows stay readable.
func FromStored(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("malformed stored amount %q", raw)
	}
	return parsed, nil
}

// ToStored encodes base units for persistence.
func ToStored(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
