package lending

import (
	"encoding/json"

	"fractallend/internal/money"
)

// Health is a position's collateralization ratio. Zero debt is defined as
// fully healthy: Infinite is set, Ratio is meaningless, and no liquidation
// threshold can trip.
type Health struct {
	Ratio    money.Amount
	Infinite bool
}

// ComputeHealth returns (collateralAmount × collateralPrice) /
// (borrowedAmount × borrowPrice). Both products are formed exactly before
// the single rounded division.
func ComputeHealth(collateralAmount, collateralPrice, borrowedAmount, borrowPrice money.Amount) Health {
	if borrowedAmount.IsZero() || borrowPrice.IsZero() {
		return Health{Infinite: true}
	}
	return Health{
		Ratio: money.ValueRatio(collateralAmount, collateralPrice, borrowedAmount, borrowPrice),
	}
}

// Below reports whether the health factor is strictly below threshold.
// Positions exactly at the threshold are not liquidatable.
func (h Health) Below(threshold money.Amount) bool {
	if h.Infinite {
		return false
	}
	return h.Ratio.Cmp(threshold) < 0
}

// MarshalJSON renders {"healthFactor":"2.5","infinite":false}; an infinite
// health factor has no numeric value.
func (h Health) MarshalJSON() ([]byte, error) {
	if h.Infinite {
		return json.Marshal(struct {
			HealthFactor *string `json:"healthFactor"`
			Infinite     bool    `json:"infinite"`
		}{nil, true})
	}
	return json.Marshal(struct {
		HealthFactor money.Amount `json:"healthFactor"`
		Infinite     bool         `json:"infinite"`
	}{h.Ratio, false})
}
