// Package usdt provides shared USDT parsing and formatting utilities.
//
// USDT uses 6 decimal places on the networks we settle on. All amounts
// are handled as big.Int in the smallest unit (1 USDT = 1,000,000 units)
// and cross the API boundary as decimal strings.
package usdt

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
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

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
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

// MulPercent multiplies a smallest-unit amount by a percentage expressed
// in basis points of a percent (feePercent 0.25% = 25). The result is
// rounded half-up to the nearest smallest unit.
//
// feeCentiBps is feePercent * 100, so 0.25% -> 25, 1% -> 100.
func MulPercent(amount *big.Int, feeCentiBps int64) *big.Int {
	// amount * feeCentiBps / 10000
	n := new(big.Int).Mul(amount, big.NewInt(feeCentiBps))
	q, r := new(big.Int).QuoRem(n, big.NewInt(10000), new(big.Int))
	// round half-up
	if r.Cmp(big.NewInt(5000)) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Clamp bounds v to [min, max]. A nil max means unbounded above.
func Clamp(v, min, max *big.Int) *big.Int {
	out := new(big.Int).Set(v)
	if min != nil && out.Cmp(min) < 0 {
		out.Set(min)
	}
	if max != nil && max.Sign() > 0 && out.Cmp(max) > 0 {
		out.Set(max)
	}
	return out
}
