// Package balance converts raw integer ledger units to and from the
// quantities shown to a grant giver. All functions are pure.
package balance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hferg/suballoc/internal/common"
	"github.com/hferg/suballoc/internal/model"
)

// TruncationThreshold is the raw value above which displayed numbers are
// shortened by dropping the last three digits.
const TruncationThreshold = 1_000_000

const truncationMarker = "K"

// ToDisplay renders a raw ledger amount for display. When truncate is set
// and the value is at or above the truncation threshold, the value is
// floor-divided by 1000 and marked with a K suffix to keep the number short.
// The unit explanation for the wallet is appended.
func ToDisplay(raw int64, pt model.ProductType, ct model.ChargeType, unit model.ProductUnit, truncate bool) string {
	number := FormatAmount(raw, truncate)
	return fmt.Sprintf("%s %s", number, Explain(pt, ct, unit))
}

// FormatAmount renders just the numeric portion of a displayed amount.
func FormatAmount(raw int64, truncate bool) string {
	if truncate && ShouldTruncate(raw) {
		return strconv.FormatInt(raw/1000, 10) + truncationMarker
	}
	return strconv.FormatInt(raw, 10)
}

// ShouldTruncate reports whether a raw value is large enough to shorten.
func ShouldTruncate(raw int64) bool {
	return raw >= TruncationThreshold
}

// ToRaw parses a displayed amount back to raw ledger units. It is the exact
// inverse of ToDisplay for values below the truncation threshold. Trailing
// unit explanations are ignored so values can be read back from edited
// cells verbatim.
func ToRaw(display string, pt model.ProductType, ct model.ChargeType, unit model.ProductUnit) (int64, error) {
	s := strings.TrimSpace(display)
	if s == "" {
		return 0, fmt.Errorf("%w: empty value", common.ErrInvalidAmount)
	}

	// Only the leading token carries the number; anything after the first
	// space is the unit explanation.
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		s = s[:idx]
	}

	scale := int64(1)
	if strings.HasSuffix(s, truncationMarker) {
		scale = 1000
		s = strings.TrimSuffix(s, truncationMarker)
	}

	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", common.ErrInvalidAmount, display)
	}

	return value * scale, nil
}

// Explain describes what one unit of balance means for the given wallet
// shape, e.g. "DKK" for credit-priced compute or "GB" for storage quota.
func Explain(pt model.ProductType, ct model.ChargeType, unit model.ProductUnit) string {
	switch unit {
	case model.UnitCreditsPerMinute, model.UnitCreditsPerHour, model.UnitCreditsPerDay:
		return "DKK"
	case model.UnitPerUnit:
		return perUnitNoun(pt, ct)
	case model.UnitUnitsPerMinute:
		return perUnitNoun(pt, ct) + "-minutes"
	case model.UnitUnitsPerHour:
		return perUnitNoun(pt, ct) + "-hours"
	case model.UnitUnitsPerDay:
		return perUnitNoun(pt, ct) + "-days"
	}
	return "units"
}

func perUnitNoun(pt model.ProductType, ct model.ChargeType) string {
	switch pt {
	case model.ProductCompute:
		return "Core"
	case model.ProductStorage:
		if ct == model.ChargeDifferentialQuota {
			return "GB quota"
		}
		return "GB"
	case model.ProductIngress:
		return "Public links"
	case model.ProductLicense:
		return "Licenses"
	case model.ProductNetworkIP:
		return "IP addresses"
	}
	return "Units"
}
