package balance

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hferg/suballoc/internal/common"
	"github.com/hferg/suballoc/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripBelowThreshold(t *testing.T) {
	values := []int64{0, 1, 42, 999, 1000, 54321, 999_999}

	for _, raw := range values {
		t.Run(fmt.Sprintf("%d", raw), func(t *testing.T) {
			display := ToDisplay(raw, model.ProductCompute, model.ChargeAbsolute, model.UnitUnitsPerHour, true)
			back, err := ToRaw(display, model.ProductCompute, model.ChargeAbsolute, model.UnitUnitsPerHour)
			require.NoError(t, err)
			assert.Equal(t, raw, back)
		})
	}
}

func TestTruncation(t *testing.T) {
	tests := []struct {
		name     string
		raw      int64
		truncate bool
		want     string
	}{
		{name: "at threshold", raw: 1_000_000, truncate: true, want: "1000K"},
		{name: "above threshold", raw: 2_500_999, truncate: true, want: "2500K"},
		{name: "below threshold untouched", raw: 999_999, truncate: true, want: "999999"},
		{name: "truncation disabled", raw: 2_500_999, truncate: false, want: "2500999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatAmount(tt.raw, tt.truncate))
		})
	}
}

func TestTruncationKeepsDisplayShort(t *testing.T) {
	// A truncated value never shows more digits than the widest
	// non-truncated value below the threshold.
	maxDigits := len(FormatAmount(TruncationThreshold-1, true))

	for _, raw := range []int64{1_000_000, 5_000_000, 42_000_000, 999_999_999} {
		number := FormatAmount(raw, true)
		digits := len(number) - 1 // drop the K marker
		assert.LessOrEqual(t, digits, maxDigits, "raw=%d display=%s", raw, number)
	}
}

func TestToRaw(t *testing.T) {
	tests := []struct {
		name    string
		display string
		want    int64
		wantErr bool
	}{
		{name: "plain number", display: "1234", want: 1234},
		{name: "with unit explanation", display: "1234 DKK", want: 1234},
		{name: "truncated marker", display: "2500K", want: 2_500_000},
		{name: "whitespace", display: "  77 ", want: 77},
		{name: "negative passes through", display: "-5", want: -5},
		{name: "not a number", display: "abc", wantErr: true},
		{name: "empty", display: "", wantErr: true},
		{name: "bare marker", display: "K", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToRaw(tt.display, model.ProductCompute, model.ChargeAbsolute, model.UnitPerUnit)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, common.ErrInvalidAmount))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExplain(t *testing.T) {
	tests := []struct {
		pt   model.ProductType
		ct   model.ChargeType
		unit model.ProductUnit
		want string
	}{
		{model.ProductCompute, model.ChargeAbsolute, model.UnitCreditsPerHour, "DKK"},
		{model.ProductCompute, model.ChargeAbsolute, model.UnitUnitsPerHour, "Core-hours"},
		{model.ProductStorage, model.ChargeDifferentialQuota, model.UnitPerUnit, "GB quota"},
		{model.ProductStorage, model.ChargeAbsolute, model.UnitUnitsPerDay, "GB-days"},
		{model.ProductLicense, model.ChargeAbsolute, model.UnitPerUnit, "Licenses"},
		{model.ProductNetworkIP, model.ChargeAbsolute, model.UnitPerUnit, "IP addresses"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Explain(tt.pt, tt.ct, tt.unit))
	}
}
