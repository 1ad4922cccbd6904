package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fractallend/internal/events"
	"fractallend/internal/indexer"
	"fractallend/internal/lending"
	"fractallend/internal/money"
	"fractallend/internal/observability"
)

// PositionStore is the persistence surface for loan positions.
type PositionStore interface {
	Create(ctx context.Context, p *lending.Position) error
	Update(ctx context.Context, p *lending.Position) error
	Get(ctx context.Context, id uuid.UUID) (*lending.Position, error)
	ListByAddress(ctx context.Context, address string) ([]*lending.Position, error)
	ListActive(ctx context.Context, afterID uuid.UUID, limit int) ([]*lending.Position, error)
}

// PoolStore is the persistence surface for lending pools.
type PoolStore interface {
	Create(ctx context.Context, p *lending.Pool) error
	Update(ctx context.Context, p *lending.Pool) error
	Get(ctx context.Context, id uuid.UUID) (*lending.Pool, error)
	List(ctx context.Context) ([]*lending.Pool, error)
}

// AtomicStore persists paired position and pool writes so that neither
// lands without the other. Pool liquidity counters mirror position
// principal; a half-applied pair drifts the two apart.
type AtomicStore interface {
	UpdatePositionAndPool(ctx context.Context, p *lending.Position, pool *lending.Pool) error
	CreatePositionAndUpdatePool(ctx context.Context, p *lending.Position, pool *lending.Pool) error
}

// Indexer is the upstream price feed and transaction builder.
type Indexer interface {
	GetTokenPrice(ctx context.Context, tokenID string) (*indexer.PriceData, error)
	GetInscriptionPrice(ctx context.Context, inscriptionID string) (*indexer.PriceData, error)
	VerifyOwnership(ctx context.Context, inscriptionID, address string) (bool, error)
	CreateInscriptionTransfer(ctx context.Context, inscriptionID, fromAddress, toAddress string) (*indexer.TransferDraft, error)
	CreateTokenTransfer(ctx context.Context, tokenID, fromAddress, toAddress, amount string) (*indexer.TransferDraft, error)
	Broadcast(ctx context.Context, signedTx string) (string, error)
}

// EventSink receives lifecycle events after state changes are persisted.
type EventSink interface {
	Publish(evt events.Event)
}

// Config wires the service's collaborators.
type Config struct {
	Positions PositionStore
	Pools     PoolStore
	Atomic    AtomicStore
	Indexer   Indexer
	Events    EventSink
	Metrics   *observability.Metrics

	// VaultAddress holds escrowed collateral and receives pool repayments.
	VaultAddress string

	// Now is the clock; nil means time.Now. Tests pin it.
	Now func() time.Time
}

// Service orchestrates loan position lifecycle operations. Mutations on a
// position are serialized by a per-id mutex; the store's optimistic version
// check backstops races across processes.
type Service struct {
	positions PositionStore
	pools     PoolStore
	atomic    AtomicStore
	indexer   Indexer
	events    EventSink
	metrics   *observability.Metrics
	log       zerolog.Logger

	vaultAddress string
	now          func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		positions:    cfg.Positions,
		pools:        cfg.Pools,
		atomic:       cfg.Atomic,
		indexer:      cfg.Indexer,
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		log:          observability.NewLogger("service"),
		vaultAddress: cfg.VaultAddress,
		now:          now,
		locks:        make(map[uuid.UUID]*sync.Mutex),
	}
}

// lock serializes mutations for one id. Lock entries are never removed;
// the set of ids touched by one process between restarts stays small.
func (s *Service) lock(id uuid.UUID) func() {
	s.mu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (s *Service) emit(evtType string, positionID uuid.UUID, payload interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		Type:       evtType,
		PositionID: positionID,
		Payload:    payload,
		Timestamp:  s.now(),
	})
}

// ============================================================
// Loan request (p2p)
// ============================================================

// LoanRequest are the borrower-supplied terms of a peer-to-peer loan.
type LoanRequest struct {
	Borrower                string
	CollateralInscriptionID string
	CollateralAmount        money.Amount
	BorrowedTokenID         string
	BorrowAmount            money.Amount
	InterestRate            money.Amount
	Duration                int64
	LiquidationThreshold    money.Amount
}

func (r *LoanRequest) validate() error {
	switch {
	case r.Borrower == "":
		return fmt.Errorf("%w: borrower address is required", lending.ErrValidation)
	case r.CollateralInscriptionID == "":
		return fmt.Errorf("%w: collateral inscription id is required", lending.ErrValidation)
	case r.BorrowedTokenID == "":
		return fmt.Errorf("%w: borrowed token id is required", lending.ErrValidation)
	case !r.CollateralAmount.IsPositive():
		return fmt.Errorf("%w: collateral amount must be positive", lending.ErrValidation)
	case !r.BorrowAmount.IsPositive():
		return fmt.Errorf("%w: borrow amount must be positive", lending.ErrValidation)
	case r.InterestRate.IsNegative():
		return fmt.Errorf("%w: interest rate cannot be negative", lending.ErrValidation)
	case r.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive", lending.ErrValidation)
	case !r.LiquidationThreshold.IsPositive():
		return fmt.Errorf("%w: liquidation threshold must be positive", lending.ErrValidation)
	}
	return nil
}

// CreateLoanRequest opens a pending peer-to-peer position awaiting a lender.
func (s *Service) CreateLoanRequest(ctx context.Context, req LoanRequest) (*lending.Position, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	p := &lending.Position{
		ID:                      uuid.New(),
		Borrower:                req.Borrower,
		CollateralInscriptionID: req.CollateralInscriptionID,
		CollateralAmount:        req.CollateralAmount,
		BorrowedTokenID:         req.BorrowedTokenID,
		BorrowedAmount:          req.BorrowAmount,
		InterestRate:            req.InterestRate,
		Duration:                req.Duration,
		LastUpdateTime:          now,
		LiquidationThreshold:    req.LiquidationThreshold,
		Status:                  lending.StatusPending,
	}

	if err := s.positions.Create(ctx, p); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PositionsCreated.WithLabelValues("p2p").Inc()
	}
	s.log.Info().Stringer("position_id", p.ID).Str("borrower", p.Borrower).
		Msg("loan request created")
	s.emit(events.TypePositionCreated, p.ID, p)
	return p, nil
}

// ============================================================
// Collateral escrow
// ============================================================

// DepositCollateral verifies the borrower still owns the collateral
// inscription and drafts its transfer into the vault. The position stays
// pending; activation happens when a lender funds it.
func (s *Service) DepositCollateral(ctx context.Context, id uuid.UUID, caller string) (*indexer.TransferDraft, error) {
	unlock := s.lock(id)
	defer unlock()

	p, err := s.positions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != p.Borrower {
		return nil, fmt.Errorf("%w: only the borrower can deposit collateral", lending.ErrForbidden)
	}
	if p.Status != lending.StatusPending {
		return nil, fmt.Errorf("%w: position %s is not pending (status=%s)", lending.ErrInvalidState, p.ID, p.Status)
	}

	owned, err := s.indexer.VerifyOwnership(ctx, p.CollateralInscriptionID, p.Borrower)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, fmt.Errorf("%w: borrower does not own inscription %s", lending.ErrValidation, p.CollateralInscriptionID)
	}

	draft, err := s.indexer.CreateInscriptionTransfer(ctx, p.CollateralInscriptionID, p.Borrower, s.vaultAddress)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.CollateralHeld.Inc()
	}
	s.emit(events.TypeCollateralDeposited, p.ID, nil)
	return draft, nil
}

// ============================================================
// Funding
// ============================================================

// FundLoan activates a pending position: the lender is recorded, the loan
// clock starts, and an unsigned transfer of the principal from lender to
// borrower is drafted. Nothing is persisted if drafting fails.
func (s *Service) FundLoan(ctx context.Context, id uuid.UUID, lender string) (*lending.Position, *indexer.TransferDraft, error) {
	unlock := s.lock(id)
	defer unlock()

	p, err := s.positions.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := p.Fund(lender, s.now()); err != nil {
		return nil, nil, err
	}

	draft, err := s.indexer.CreateTokenTransfer(ctx, p.BorrowedTokenID, lender, p.Borrower, p.BorrowedAmount.String())
	if err != nil {
		return nil, nil, err
	}

	if err := s.positions.Update(ctx, p); err != nil {
		return nil, nil, err
	}

	if s.metrics != nil {
		s.metrics.LoansFunded.Inc()
	}
	s.log.Info().Stringer("position_id", p.ID).Str("lender", lender).Msg("loan funded")
	s.emit(events.TypePositionFunded, p.ID, p)
	return p, draft, nil
}

// ============================================================
// Repayment
// ============================================================

// Repay accrues interest to now and applies amount against the debt,
// interest first. Full repayment flips the position to repaid. The returned
// draft moves the tokens from the borrower to the lender, or to the vault
// for pool positions, whose pool also gets its borrowed principal back.
func (s *Service) Repay(ctx context.Context, id uuid.UUID, caller string, amount money.Amount) (*lending.Position, *indexer.TransferDraft, error) {
	unlock := s.lock(id)
	defer unlock()

	p, err := s.positions.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if caller != p.Borrower {
		return nil, nil, fmt.Errorf("%w: only the borrower can repay", lending.ErrForbidden)
	}

	now := s.now()
	p.Accrue(now)

	principalBefore := p.BorrowedAmount
	if err := p.ApplyRepayment(amount, now); err != nil {
		return nil, nil, err
	}
	principalRepaid := principalBefore.Sub(p.BorrowedAmount)

	recipient := p.Lender
	if p.PoolID != nil {
		recipient = s.vaultAddress
	}
	draft, err := s.indexer.CreateTokenTransfer(ctx, p.BorrowedTokenID, p.Borrower, recipient, amount.String())
	if err != nil {
		return nil, nil, err
	}

	// Pool principal and position debt move together or not at all.
	if p.PoolID != nil && principalRepaid.IsPositive() {
		pool, err := s.pools.Get(ctx, *p.PoolID)
		if err != nil {
			return nil, nil, err
		}
		pool.RepayPrincipal(principalRepaid)
		if err := s.atomic.UpdatePositionAndPool(ctx, p, pool); err != nil {
			return nil, nil, err
		}
	} else if err := s.positions.Update(ctx, p); err != nil {
		return nil, nil, err
	}

	if s.metrics != nil {
		s.metrics.Repayments.Inc()
		if p.Status == lending.StatusRepaid {
			s.metrics.RepaymentsFull.Inc()
		}
	}
	s.emit(events.TypeRepaymentApplied, p.ID, map[string]interface{}{"amount": amount})
	if p.Status == lending.StatusRepaid {
		s.log.Info().Stringer("position_id", p.ID).Msg("loan fully repaid")
		s.emit(events.TypePositionRepaid, p.ID, nil)
	}
	return p, draft, nil
}

// ============================================================
// Collateral release
// ============================================================

// ReleaseCollateral closes a fully repaid position and drafts the
// inscription's transfer out of the vault back to the borrower.
func (s *Service) ReleaseCollateral(ctx context.Context, id uuid.UUID, caller string) (*lending.Position, *indexer.TransferDraft, error) {
	unlock := s.lock(id)
	defer unlock()

	p, err := s.positions.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if caller != p.Borrower {
		return nil, nil, fmt.Errorf("%w: only the borrower can release collateral", lending.ErrForbidden)
	}
	if err := p.Release(s.now()); err != nil {
		return nil, nil, err
	}

	draft, err := s.indexer.CreateInscriptionTransfer(ctx, p.CollateralInscriptionID, s.vaultAddress, p.Borrower)
	if err != nil {
		return nil, nil, err
	}

	if err := s.positions.Update(ctx, p); err != nil {
		return nil, nil, err
	}

	if s.metrics != nil {
		s.metrics.CollateralFreed.Inc()
	}
	s.log.Info().Stringer("position_id", p.ID).Msg("collateral released")
	s.emit(events.TypeCollateralReleased, p.ID, nil)
	return p, draft, nil
}

// ============================================================
// Reads
// ============================================================

// Position returns one position by id.
func (s *Service) Position(ctx context.Context, id uuid.UUID) (*lending.Position, error) {
	return s.positions.Get(ctx, id)
}

// PositionsByAddress returns every position the address participates in.
func (s *Service) PositionsByAddress(ctx context.Context, address string) ([]*lending.Position, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: address is required", lending.ErrValidation)
	}
	return s.positions.ListByAddress(ctx, address)
}

// HealthFactor computes the position's current collateralization using
// fresh spot prices from the indexer.
func (s *Service) HealthFactor(ctx context.Context, id uuid.UUID) (lending.Health, error) {
	p, err := s.positions.Get(ctx, id)
	if err != nil {
		return lending.Health{}, err
	}
	return s.positionHealth(ctx, p, newPriceCache())
}

func (s *Service) positionHealth(ctx context.Context, p *lending.Position, prices *priceCache) (lending.Health, error) {
	collateralPrice, err := prices.inscription(ctx, s.indexer, p.CollateralInscriptionID)
	if err != nil {
		return lending.Health{}, err
	}
	borrowPrice, err := prices.token(ctx, s.indexer, p.BorrowedTokenID)
	if err != nil {
		return lending.Health{}, err
	}

	if s.metrics != nil {
		s.metrics.HealthComputations.Inc()
	}
	// Health tracks principal only; accrued interest affects repayment,
	// not the collateralization ratio.
	return lending.ComputeHealth(p.CollateralAmount, collateralPrice, p.BorrowedAmount, borrowPrice), nil
}

// ============================================================
// Pools
// ============================================================

// ListPools returns all lending pools.
func (s *Service) ListPools(ctx context.Context) ([]*lending.Pool, error) {
	return s.pools.List(ctx)
}

// PoolBorrow are the terms of a borrow against pool liquidity.
type PoolBorrow struct {
	Borrower                string
	PoolID                  uuid.UUID
	CollateralInscriptionID string
	CollateralAmount        money.Amount
	BorrowAmount            money.Amount
}

// BorrowFromPool opens a position directly active against pool liquidity.
// The pool vault acts as lender. The opening collateral ratio must meet the
// pool's minimum at current spot prices.
func (s *Service) BorrowFromPool(ctx context.Context, req PoolBorrow) (*lending.Position, error) {
	if req.Borrower == "" {
		return nil, fmt.Errorf("%w: borrower address is required", lending.ErrValidation)
	}
	if req.CollateralInscriptionID == "" {
		return nil, fmt.Errorf("%w: collateral inscription id is required", lending.ErrValidation)
	}
	if !req.CollateralAmount.IsPositive() {
		return nil, fmt.Errorf("%w: collateral amount must be positive", lending.ErrValidation)
	}

	unlock := s.lock(req.PoolID)
	defer unlock()

	pool, err := s.pools.Get(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}

	owned, err := s.indexer.VerifyOwnership(ctx, req.CollateralInscriptionID, req.Borrower)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, fmt.Errorf("%w: borrower does not own inscription %s", lending.ErrValidation, req.CollateralInscriptionID)
	}

	prices := newPriceCache()
	collateralPrice, err := prices.inscription(ctx, s.indexer, req.CollateralInscriptionID)
	if err != nil {
		return nil, err
	}
	borrowPrice, err := prices.token(ctx, s.indexer, pool.LendingTokenID)
	if err != nil {
		return nil, err
	}

	opening := lending.ComputeHealth(req.CollateralAmount, collateralPrice, req.BorrowAmount, borrowPrice)
	if opening.Below(pool.MinimumCollateralRatio) {
		return nil, fmt.Errorf("%w: insufficient collateral ratio (have %s, need %s)",
			lending.ErrValidation, opening.Ratio, pool.MinimumCollateralRatio)
	}

	if err := pool.Borrow(req.BorrowAmount); err != nil {
		return nil, err
	}

	now := s.now()
	start := now
	poolID := pool.ID
	p := &lending.Position{
		ID:                      uuid.New(),
		Borrower:                req.Borrower,
		Lender:                  s.vaultAddress,
		CollateralInscriptionID: req.CollateralInscriptionID,
		CollateralAmount:        req.CollateralAmount,
		BorrowedTokenID:         pool.LendingTokenID,
		BorrowedAmount:          req.BorrowAmount,
		InterestRate:            pool.InterestRate,
		StartTime:               &start,
		LastUpdateTime:          now,
		LiquidationThreshold:    pool.LiquidationThreshold,
		PoolID:                  &poolID,
		Status:                  lending.StatusActive,
	}

	if err := s.atomic.CreatePositionAndUpdatePool(ctx, p, pool); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PositionsCreated.WithLabelValues("pool").Inc()
	}
	s.log.Info().Stringer("position_id", p.ID).Stringer("pool_id", pool.ID).
		Str("borrower", p.Borrower).Msg("pool borrow opened")
	s.emit(events.TypePositionCreated, p.ID, p)
	return p, nil
}

// ============================================================
// Relay
// ============================================================

// Broadcast relays a caller-signed transaction through the indexer.
func (s *Service) Broadcast(ctx context.Context, signedTx string) (string, error) {
	if signedTx == "" {
		return "", fmt.Errorf("%w: signed transaction is required", lending.ErrValidation)
	}
	return s.indexer.Broadcast(ctx, signedTx)
}

// ============================================================
// Liquidation sweep
// ============================================================

// SweepResult summarizes one liquidation pass.
type SweepResult struct {
	Checked    int `json:"checked"`
	Liquidated int `json:"liquidated"`
}

// Sweep pages through active positions, accrues interest, recomputes health
// at current spot prices, and liquidates positions strictly below their
// threshold. Positions exactly at the threshold survive. Prices are cached
// for the duration of one sweep so a large book doesn't hammer the indexer.
func (s *Service) Sweep(ctx context.Context, pageSize int) (SweepResult, error) {
	start := time.Now()
	if pageSize <= 0 {
		pageSize = 100
	}

	var result SweepResult
	prices := newPriceCache()
	cursor := uuid.Nil

	for {
		page, err := s.positions.ListActive(ctx, cursor, pageSize)
		if err != nil {
			return result, err
		}
		if len(page) == 0 {
			break
		}
		cursor = page[len(page)-1].ID

		for _, p := range page {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.Checked++
			liquidated, err := s.sweepOne(ctx, p.ID, prices)
			if err != nil {
				if s.metrics != nil {
					s.metrics.SweepErrors.Inc()
				}
				s.log.Warn().Stringer("position_id", p.ID).Err(err).Msg("sweep check failed")
				continue
			}
			if liquidated {
				result.Liquidated++
			}
		}
	}

	if s.metrics != nil {
		s.metrics.SweepRuns.Inc()
		s.metrics.SweepChecked.Add(float64(result.Checked))
		s.metrics.Liquidations.Add(float64(result.Liquidated))
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	s.log.Info().Int("checked", result.Checked).Int("liquidated", result.Liquidated).
		Msg("liquidation sweep complete")
	return result, nil
}

func (s *Service) sweepOne(ctx context.Context, id uuid.UUID, prices *priceCache) (bool, error) {
	unlock := s.lock(id)
	defer unlock()

	// Re-read under the lock; the page snapshot may be stale.
	p, err := s.positions.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if p.Status != lending.StatusActive {
		return false, nil
	}

	p.Accrue(s.now())

	health, err := s.positionHealth(ctx, p, prices)
	if err != nil {
		return false, err
	}
	if !health.Below(p.LiquidationThreshold) {
		if err := s.positions.Update(ctx, p); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := p.Liquidate(s.now()); err != nil {
		return false, err
	}
	if err := s.positions.Update(ctx, p); err != nil {
		return false, err
	}

	s.log.Info().Stringer("position_id", p.ID).Str("health", health.Ratio.String()).
		Str("threshold", p.LiquidationThreshold.String()).Msg("position liquidated")
	s.emit(events.TypePositionLiquidated, p.ID, map[string]interface{}{"health": health})
	return true, nil
}

// priceCache memoizes spot prices within one operation.
type priceCache struct {
	tokens       map[string]money.Amount
	inscriptions map[string]money.Amount
}

func newPriceCache() *priceCache {
	return &priceCache{
		tokens:       make(map[string]money.Amount),
		inscriptions: make(map[string]money.Amount),
	}
}

func (c *priceCache) token(ctx context.Context, idx Indexer, tokenID string) (money.Amount, error) {
	if price, ok := c.tokens[tokenID]; ok {
		return price, nil
	}
	data, err := idx.GetTokenPrice(ctx, tokenID)
	if err != nil {
		return money.Zero, err
	}
	c.tokens[tokenID] = data.LatestTradePrice
	return data.LatestTradePrice, nil
}

func (c *priceCache) inscription(ctx context.Context, idx Indexer, inscriptionID string) (money.Amount, error) {
	if price, ok := c.inscriptions[inscriptionID]; ok {
		return price, nil
	}
	data, err := idx.GetInscriptionPrice(ctx, inscriptionID)
	if err != nil {
		return money.Zero, err
	}
	c.inscriptions[inscriptionID] = data.LatestTradePrice
	return data.LatestTradePrice, nil
}
