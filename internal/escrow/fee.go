package escrow

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/xusdt/escrow-core/internal/usdt"
)

// FeePolicy computes the platform fee taken on settlement.
// fee = clamp(amount * percent, min, max); max may be absent (uncapped).
type FeePolicy struct {
	centiBps int64 // Percent in hundredths of a basis point per 100, 0.25% = 25
	percent  string
	min      *big.Int
	max      *big.Int
}

// NewFeePolicy builds a policy from decimal strings, e.g. ("0.25", "1.0", "").
func NewFeePolicy(percent, minFee, maxFee string) (FeePolicy, error) {
	centiBps, err := parsePercent(percent)
	if err != nil {
		return FeePolicy{}, err
	}

	min := new(big.Int)
	if minFee != "" {
		m, ok := usdt.Parse(minFee)
		if !ok {
			return FeePolicy{}, fmt.Errorf("invalid min fee %q", minFee)
		}
		min = m
	}

	var max *big.Int
	if maxFee != "" {
		m, ok := usdt.Parse(maxFee)
		if !ok {
			return FeePolicy{}, fmt.Errorf("invalid max fee %q", maxFee)
		}
		max = m
	}

	if max != nil && max.Cmp(min) < 0 {
		return FeePolicy{}, fmt.Errorf("max fee %s below min fee %s", maxFee, minFee)
	}

	return FeePolicy{centiBps: centiBps, percent: percent, min: min, max: max}, nil
}

// Fee returns the fee for an amount in base units.
func (p FeePolicy) Fee(amount *big.Int) *big.Int {
	fee := usdt.MulPercent(amount, p.centiBps)
	return usdt.Clamp(fee, p.min, p.max)
}

// PercentString returns the configured percentage, e.g. "0.25".
func (p FeePolicy) PercentString() string {
	return p.percent
}

// parsePercent converts a decimal percent string with up to two decimal
// places into hundredths of a percent ("0.25" -> 25).
func parsePercent(s string) (int64, error) {
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("fee percent %q has more than two decimal places", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("invalid fee percent %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fee percent %q", s)
	}

	centiBps := w*100 + f
	if centiBps > 10000 { // 100%
		return 0, fmt.Errorf("fee percent %q exceeds 100%%", s)
	}
	return centiBps, nil
}
