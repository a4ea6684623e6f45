package settlement

import (
	"testing"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

func TestFees(t *testing.T) {
	fees := Fees{Rate: decimal.RequireFromString("0.029"), FixedMinor: 30}

	cases := []struct {
		subtotal int64
		fee      int64
	}{
		{subtotal: 12000, fee: 378},
		{subtotal: 0, fee: 30},
		{subtotal: 1, fee: 30},
		// 50 × 0.029 = 1.45, plus 30 = 31.45
		{subtotal: 50, fee: 31},
		// 1550 × 0.029 = 44.95, plus 30 = 74.95
		{subtotal: 1550, fee: 75},
		{subtotal: 2500, fee: 103},
	}
	for _, tc := range cases {
		check.Equal(t, tc.fee, fees.Fee(tc.subtotal))
	}

	fee, total := fees.Total(12000, true)
	check.Equal(t, int64(378), fee)
	check.Equal(t, int64(12378), total)

	fee, total = fees.Total(12000, false)
	check.Equal(t, int64(0), fee)
	check.Equal(t, int64(12000), total)
}
