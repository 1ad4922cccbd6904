package lending

import (
	"fmt"

	"github.com/google/uuid"

	"fractallend/internal/money"
)

// Pool aggregates deposits and borrows for one collateral↔lending-token
// pair. Pool-backed positions are created directly active against this
// liquidity.
type Pool struct {
	ID                uuid.UUID
	CollateralTokenID string
	LendingTokenID    string

	TotalDeposited money.Amount
	TotalBorrowed  money.Amount

	LiquidationThreshold   money.Amount
	InterestRate           money.Amount // annualized
	MinimumCollateralRatio money.Amount

	Version int64
}

// AvailableLiquidity returns deposits not currently lent out.
func (p *Pool) AvailableLiquidity() money.Amount {
	return p.TotalDeposited.Sub(p.TotalBorrowed)
}

// Borrow reserves amount from the pool's liquidity.
func (p *Pool) Borrow(amount money.Amount) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: borrow amount must be positive", ErrValidation)
	}
	if amount.Cmp(p.AvailableLiquidity()) > 0 {
		return fmt.Errorf("%w: insufficient liquidity in pool (available %s, requested %s)",
			ErrValidation, p.AvailableLiquidity(), amount)
	}
	p.TotalBorrowed = p.TotalBorrowed.Add(amount)
	return nil
}

// RepayPrincipal releases repaid principal back into the pool's liquidity.
// Interest stays with the pool as deposits. TotalBorrowed never goes
// negative even if accounting drifts.
func (p *Pool) RepayPrincipal(amount money.Amount) {
	p.TotalBorrowed = p.TotalBorrowed.Sub(amount)
	if p.TotalBorrowed.IsNegative() {
		p.TotalBorrowed = money.Zero
	}
}
