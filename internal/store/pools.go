package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"fractallend/internal/lending"
	"fractallend/internal/observability"
)

// PoolStore persists lending pools. Same optimistic-version discipline
// as PositionStore.
type PoolStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewPoolStore(db *sql.DB, metrics *observability.Metrics) *PoolStore {
	return &PoolStore{db: db, metrics: metrics}
}

const poolColumns = `
	id, collateral_token_id, lending_token_id, total_deposited,
	total_borrowed, liquidation_threshold, interest_rate,
	minimum_collateral_ratio, version
`

// Create inserts a new pool at version 1.
func (s *PoolStore) Create(ctx context.Context, p *lending.Pool) error {
	p.Version = 1
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lend.lending_pools (`+poolColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		p.ID, p.CollateralTokenID, p.LendingTokenID, p.TotalDeposited,
		p.TotalBorrowed, p.LiquidationThreshold, p.InterestRate,
		p.MinimumCollateralRatio, p.Version,
	)
	if err != nil {
		return fmt.Errorf("insert pool %s: %w", p.ID, err)
	}
	return nil
}

// Update writes pool liquidity counters under the version check.
func (s *PoolStore) Update(ctx context.Context, p *lending.Pool) error {
	if err := updatePool(ctx, s.db, s.metrics, p); err != nil {
		return err
	}
	p.Version++
	return nil
}

// updatePool runs against *sql.DB or *sql.Tx and leaves the in-memory
// version bump to the caller.
func updatePool(ctx context.Context, ex execer, metrics *observability.Metrics, p *lending.Pool) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE lend.lending_pools SET
			total_deposited = $3,
			total_borrowed = $4,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, p.ID, p.Version, p.TotalDeposited, p.TotalBorrowed)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pool %s: rows affected: %w", p.ID, err)
	}
	if affected == 0 {
		if metrics != nil {
			metrics.StoreConflicts.Inc()
		}
		return fmt.Errorf("pool %s at version %d: %w", p.ID, p.Version, lending.ErrConflict)
	}
	return nil
}

// Get returns a pool by id.
func (s *PoolStore) Get(ctx context.Context, id uuid.UUID) (*lending.Pool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+poolColumns+`
		FROM lend.lending_pools
		WHERE id = $1
	`, id)

	p, err := scanPool(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pool %s: %w", id, lending.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

// List returns all pools ordered by lending token.
func (s *PoolStore) List(ctx context.Context) ([]*lending.Pool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+poolColumns+`
		FROM lend.lending_pools
		ORDER BY lending_token_id, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []*lending.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func scanPool(row scanner) (*lending.Pool, error) {
	var p lending.Pool
	if err := row.Scan(
		&p.ID, &p.CollateralTokenID, &p.LendingTokenID, &p.TotalDeposited,
		&p.TotalBorrowed, &p.LiquidationThreshold, &p.InterestRate,
		&p.MinimumCollateralRatio, &p.Version,
	); err != nil {
		return nil, err
	}
	return &p, nil
}
