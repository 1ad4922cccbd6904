package lending

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"fractallend/internal/money"
)

// Status is the lifecycle state of a loan position.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusRepaid     Status = "repaid"
	StatusLiquidated Status = "liquidated"
	StatusClosed     Status = "closed"
)

// validTransitions is the full transition graph. Terminal states have no
// outgoing edges.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusActive},
	StatusActive:  {StatusRepaid, StatusLiquidated},
	StatusRepaid:  {StatusClosed},
}

// CanTransitionTo reports whether s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further debt mutation is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusLiquidated || s == StatusClosed
}

// Position is a single inscription-backed loan. Peer-to-peer positions are
// created pending and funded by an explicit lender; pool positions carry a
// PoolID, start active, and use the pool vault as lender.
type Position struct {
	ID       uuid.UUID
	Borrower string
	Lender   string // empty until funded

	CollateralInscriptionID string
	CollateralAmount        money.Amount

	BorrowedTokenID string
	BorrowedAmount  money.Amount
	InterestAccrued money.Amount
	InterestRate    money.Amount // annualized, e.g. 0.05
	Duration        int64        // seconds

	StartTime      *time.Time // nil until funded
	LastUpdateTime time.Time

	LiquidationThreshold money.Amount
	PoolID               *uuid.UUID

	Status  Status
	Version int64 // optimistic concurrency control
}

// Owed returns outstanding debt: principal plus accrued interest.
func (p *Position) Owed() money.Amount {
	return p.BorrowedAmount.Add(p.InterestAccrued)
}

// InvolvedWith reports whether addr is the borrower or the lender.
func (p *Position) InvolvedWith(addr string) bool {
	return p.Borrower == addr || (p.Lender != "" && p.Lender == addr)
}

// Fund moves a pending position to active: records the lender and the loan
// start. The lender must differ from the borrower; self-funding would make
// the escrow pointless.
func (p *Position) Fund(lender string, now time.Time) error {
	if p.Status != StatusPending {
		return fmt.Errorf("%w: position %s is not pending (status=%s)", ErrInvalidState, p.ID, p.Status)
	}
	if lender == "" {
		return fmt.Errorf("%w: lender address is required", ErrValidation)
	}
	if lender == p.Borrower {
		return fmt.Errorf("%w: lender must differ from borrower", ErrValidation)
	}

	p.Lender = lender
	start := now
	p.StartTime = &start
	p.LastUpdateTime = now
	p.Status = StatusActive
	return nil
}

// Accrue advances interest to now using simple annualized interest on the
// outstanding principal. Pending positions accrue nothing.
func (p *Position) Accrue(now time.Time) {
	if p.Status != StatusActive || p.StartTime == nil {
		return
	}
	from := p.LastUpdateTime
	if from.Before(*p.StartTime) {
		from = *p.StartTime
	}
	elapsed := now.Unix() - from.Unix()
	if elapsed <= 0 {
		return
	}
	p.InterestAccrued = p.InterestAccrued.Add(AccruedInterest(p.BorrowedAmount, p.InterestRate, elapsed))
	p.LastUpdateTime = now
}

// ApplyRepayment reduces debt by amount, interest first, then principal.
// amount must be positive and must not exceed Owed(); exact equality zeroes
// the debt and flips the position to repaid. Callers accrue first.
func (p *Position) ApplyRepayment(amount money.Amount, now time.Time) error {
	if p.Status != StatusActive {
		return fmt.Errorf("%w: position %s is not active (status=%s)", ErrInvalidState, p.ID, p.Status)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: repayment amount must be positive", ErrValidation)
	}
	owed := p.Owed()
	if amount.Cmp(owed) > 0 {
		return fmt.Errorf("%w: amount %s exceeds owed %s", ErrValidation, amount, owed)
	}

	if amount.Cmp(p.InterestAccrued) <= 0 {
		p.InterestAccrued = p.InterestAccrued.Sub(amount)
	} else {
		principalPart := amount.Sub(p.InterestAccrued)
		p.InterestAccrued = money.Zero
		p.BorrowedAmount = p.BorrowedAmount.Sub(principalPart)
	}
	p.LastUpdateTime = now

	if p.Owed().IsZero() {
		p.Status = StatusRepaid
	}
	return nil
}

// Release validates the repaid→closed transition guarding collateral
// return: only fully repaid positions give the inscription back.
func (p *Position) Release(now time.Time) error {
	if p.Status != StatusRepaid {
		return fmt.Errorf("%w: position %s is not repaid (status=%s)", ErrInvalidState, p.ID, p.Status)
	}
	if !p.BorrowedAmount.IsZero() {
		return fmt.Errorf("%w: loan not fully repaid", ErrValidation)
	}
	p.Status = StatusClosed
	p.LastUpdateTime = now
	return nil
}

// Liquidate flips an active position to liquidated. Health evaluation
// happens in the sweep; this only records the transition.
func (p *Position) Liquidate(now time.Time) error {
	if !p.Status.CanTransitionTo(StatusLiquidated) {
		return fmt.Errorf("%w: position %s cannot be liquidated (status=%s)", ErrInvalidState, p.ID, p.Status)
	}
	p.Status = StatusLiquidated
	p.LastUpdateTime = now
	return nil
}
