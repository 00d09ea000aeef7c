// Package token provides shared token-amount parsing and formatting.
//
// Amounts are carried around the system as decimal strings and stored in
// PostgreSQL NUMERIC columns; arithmetic happens on big.Int values in the
// smallest unit. All supported tokens use 8 decimal places
// (1 token = 100,000,000 units).
package token

import (
	"math/big"
	"strings"
)

const Decimals = 8

// Parse converts a decimal string (e.g. "1.5") to its smallest-unit
// big.Int representation (150000000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 8 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 8 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// ParseSigned is Parse but permits a leading minus sign. Used for
// reconciliation deltas, which may be negative.
func ParseSigned(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "-") {
		abs, ok := Parse(s[1:])
		if !ok {
			return nil, false
		}
		return new(big.Int).Neg(abs), true
	}
	return Parse(s)
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 8 decimal places (e.g. "1.50000000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Cmp compares two decimal amount strings. Invalid inputs compare as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}

// Add returns the formatted sum of two decimal amount strings.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil || bv == nil {
		return "0.00000000"
	}
	return Format(new(big.Int).Add(av, bv))
}

// Sub returns the formatted difference a-b of two decimal amount strings.
func Sub(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil || bv == nil {
		return "0.00000000"
	}
	return Format(new(big.Int).Sub(av, bv))
}

// Mul returns the formatted product of two decimal amount strings,
// truncated to 8 decimal places. Used for trade value (amount x unit
// price).
func Mul(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil || bv == nil {
		return "0.00000000"
	}
	prod := new(big.Int).Mul(av, bv)
	// Both operands carry 8 decimals, so the product carries 16.
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	return Format(prod.Quo(prod, scale))
}

// IsPositive reports whether s parses to an amount strictly greater than zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}
