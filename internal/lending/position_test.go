package lending_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"fractallend/internal/lending"
	"fractallend/internal/money"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newPendingPosition() *lending.Position {
	return &lending.Position{
		ID:                      uuid.New(),
		Borrower:                "bc1p-borrower",
		CollateralInscriptionID: "insc-1i0",
		CollateralAmount:        money.MustParse("1"),
		BorrowedTokenID:         "cat20-usd",
		BorrowedAmount:          money.MustParse("0.5"),
		InterestAccrued:         money.Zero,
		InterestRate:            money.MustParse("0.05"),
		Duration:                30 * 24 * 3600,
		LastUpdateTime:          t0,
		LiquidationThreshold:    money.MustParse("1.2"),
		Status:                  lending.StatusPending,
	}
}

// ============================================================================
// Test: status transition graph
// ============================================================================

func TestStatus_TransitionGraph(t *testing.T) {
	all := []lending.Status{
		lending.StatusPending, lending.StatusActive, lending.StatusRepaid,
		lending.StatusLiquidated, lending.StatusClosed,
	}
	allowed := map[lending.Status]map[lending.Status]bool{
		lending.StatusPending: {lending.StatusActive: true},
		lending.StatusActive:  {lending.StatusRepaid: true, lending.StatusLiquidated: true},
		lending.StatusRepaid:  {lending.StatusClosed: true},
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[from][to]
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestFund_OnlyFromPending(t *testing.T) {
	for _, status := range []lending.Status{
		lending.StatusActive, lending.StatusRepaid,
		lending.StatusLiquidated, lending.StatusClosed,
	} {
		p := newPendingPosition()
		p.Status = status
		err := p.Fund("bc1p-lender", t0)
		if !errors.Is(err, lending.ErrInvalidState) {
			t.Errorf("fund from %s: got %v, want ErrInvalidState", status, err)
		}
	}
}

func TestFund_SetsLenderAndStart(t *testing.T) {
	p := newPendingPosition()
	if err := p.Fund("bc1p-lender", t0); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if p.Status != lending.StatusActive {
		t.Errorf("status = %s, want active", p.Status)
	}
	if p.Lender != "bc1p-lender" {
		t.Errorf("lender = %q, want bc1p-lender", p.Lender)
	}
	if p.StartTime == nil || !p.StartTime.Equal(t0) {
		t.Errorf("start time = %v, want %v", p.StartTime, t0)
	}
}

func TestFund_RejectsSelfFunding(t *testing.T) {
	p := newPendingPosition()
	err := p.Fund(p.Borrower, t0)
	if !errors.Is(err, lending.ErrValidation) {
		t.Errorf("self-fund: got %v, want ErrValidation", err)
	}
}

// ============================================================================
// Test: repayment
// ============================================================================

func TestApplyRepayment_ExceedsOwed(t *testing.T) {
	p := newPendingPosition()
	if err := p.Fund("bc1p-lender", t0); err != nil {
		t.Fatal(err)
	}
	err := p.ApplyRepayment(money.MustParse("0.6"), t0)
	if !errors.Is(err, lending.ErrValidation) {
		t.Errorf("overpay: got %v, want ErrValidation", err)
	}
	if p.BorrowedAmount != money.MustParse("0.5") {
		t.Errorf("debt mutated on rejected repayment: %s", p.BorrowedAmount)
	}
}

func TestApplyRepayment_ExactOwedZeroesDebt(t *testing.T) {
	p := newPendingPosition()
	if err := p.Fund("bc1p-lender", t0); err != nil {
		t.Fatal(err)
	}
	if err := p.ApplyRepayment(money.MustParse("0.5"), t0); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !p.Owed().IsZero() {
		t.Errorf("owed = %s, want 0", p.Owed())
	}
	if p.Status != lending.StatusRepaid {
		t.Errorf("status = %s, want repaid", p.Status)
	}
}

func TestApplyRepayment_InterestFirst(t *testing.T) {
	p := newPendingPosition()
	if err := p.Fund("bc1p-lender", t0); err != nil {
		t.Fatal(err)
	}
	p.InterestAccrued = money.MustParse("0.01")

	if err := p.ApplyRepayment(money.MustParse("0.015"), t0); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !p.InterestAccrued.IsZero() {
		t.Errorf("interest = %s, want 0", p.InterestAccrued)
	}
	if p.BorrowedAmount != money.MustParse("0.495") {
		t.Errorf("principal = %s, want 0.495", p.BorrowedAmount)
	}
	if p.Status != lending.StatusActive {
		t.Errorf("status = %s, want active", p.Status)
	}
}

func TestApplyRepayment_NotActive(t *testing.T) {
	p := newPendingPosition()
	err := p.ApplyRepayment(money.MustParse("0.1"), t0)
	if !errors.Is(err, lending.ErrInvalidState) {
		t.Errorf("repay pending: got %v, want ErrInvalidState", err)
	}
}

// ============================================================================
// Test: release
// ============================================================================

func TestRelease_RequiresRepaid(t *testing.T) {
	for _, status := range []lending.Status{
		lending.StatusPending, lending.StatusActive,
		lending.StatusLiquidated, lending.StatusClosed,
	} {
		p := newPendingPosition()
		p.Status = status
		if err := p.Release(t0); !errors.Is(err, lending.ErrInvalidState) {
			t.Errorf("release from %s: got %v, want ErrInvalidState", status, err)
		}
	}
}

func TestRelease_RequiresZeroDebt(t *testing.T) {
	p := newPendingPosition()
	p.Status = lending.StatusRepaid
	p.BorrowedAmount = money.MustParse("0.1")
	if err := p.Release(t0); !errors.Is(err, lending.ErrValidation) {
		t.Errorf("release with debt: got %v, want ErrValidation", err)
	}

	p.BorrowedAmount = money.Zero
	if err := p.Release(t0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if p.Status != lending.StatusClosed {
		t.Errorf("status = %s, want closed", p.Status)
	}
}

// ============================================================================
// Test: interest accrual
// ============================================================================

func TestAccrue_SimpleInterest(t *testing.T) {
	p := newPendingPosition()
	if err := p.Fund("bc1p-lender", t0); err != nil {
		t.Fatal(err)
	}

	// One full year at 5% on 0.5 principal.
	p.Accrue(t0.Add(365 * 24 * time.Hour))
	if p.InterestAccrued != money.MustParse("0.025") {
		t.Errorf("interest after 1y = %s, want 0.025", p.InterestAccrued)
	}

	// Accruing again at the same instant adds nothing.
	p.Accrue(t0.Add(365 * 24 * time.Hour))
	if p.InterestAccrued != money.MustParse("0.025") {
		t.Errorf("double accrual drifted: %s", p.InterestAccrued)
	}
}

func TestAccrue_PendingAccruesNothing(t *testing.T) {
	p := newPendingPosition()
	p.Accrue(t0.Add(24 * time.Hour))
	if !p.InterestAccrued.IsZero() {
		t.Errorf("pending position accrued %s", p.InterestAccrued)
	}
}

func TestAccruedInterest_ZeroCases(t *testing.T) {
	if got := lending.AccruedInterest(money.Zero, money.MustParse("0.05"), 1000); !got.IsZero() {
		t.Errorf("zero principal accrued %s", got)
	}
	if got := lending.AccruedInterest(money.MustParse("1"), money.Zero, 1000); !got.IsZero() {
		t.Errorf("zero rate accrued %s", got)
	}
	if got := lending.AccruedInterest(money.MustParse("1"), money.MustParse("0.05"), -5); !got.IsZero() {
		t.Errorf("negative elapsed accrued %s", got)
	}
}
