package lending

import "fractallend/internal/money"

// secondsPerYear uses a 365-day year for annualized rates.
const secondsPerYear = 365 * 24 * 3600

// AccruedInterest returns simple interest on principal at the annualized
// rate over elapsedSeconds: principal × rate × elapsed / year.
func AccruedInterest(principal, rate money.Amount, elapsedSeconds int64) money.Amount {
	if principal.IsZero() || rate.IsZero() || elapsedSeconds <= 0 {
		return money.Zero
	}
	return principal.Mul(rate).MulQuo(elapsedSeconds, secondsPerYear)
}
