package settlement

import (
	"github.com/shopspring/decimal"

	"bidledger/internal/config"
)

// Fees is the processor fee formula: subtotal × Rate + FixedMinor, rounded once to the
// minor unit (half away from zero).
type Fees struct {
	Rate       decimal.Decimal
	FixedMinor int64
}

// FeesFromConfig reads the fee formula from the settlement section.
func FeesFromConfig(cfg config.SettlementConfig) Fees {
	return Fees{Rate: cfg.FeeRate, FixedMinor: cfg.FixedFeeMinor}
}

// Fee returns the processing fee for subtotal, in minor units.
func (f Fees) Fee(subtotal int64) int64 {
	raw := decimal.NewFromInt(subtotal).Mul(f.Rate).Add(decimal.NewFromInt(f.FixedMinor))
	return raw.Round(0).IntPart()
}

// Total returns the fee and the amount due. When the payer does not cover the fee the
// fee is reported as zero and the total equals the subtotal.
func (f Fees) Total(subtotal int64, coverFee bool) (fee, total int64) {
	if !coverFee {
		return 0, subtotal
	}
	fee = f.Fee(subtotal)
	return fee, subtotal + fee
}
