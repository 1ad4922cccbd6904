package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"fractallend/internal/lending"
	"fractallend/internal/observability"
)

// PositionStore persists loan positions in PostgreSQL. Writes use
// optimistic concurrency: updates match on (id, version) and bump the
// version; a missed match is a conflict, not silence.
type PositionStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewPositionStore(db *sql.DB, metrics *observability.Metrics) *PositionStore {
	return &PositionStore{db: db, metrics: metrics}
}

const positionColumns = `
	id, borrower, lender, collateral_inscription_id, collateral_amount,
	borrowed_token_id, borrowed_amount, interest_accrued, interest_rate,
	duration, start_time, last_update_time, liquidation_threshold,
	pool_id, status, version
`

// Create inserts a new position at version 1.
func (s *PositionStore) Create(ctx context.Context, p *lending.Position) error {
	return insertPosition(ctx, s.db, p)
}

// Update writes a modified position, enforcing the optimistic version
// check. On success the in-memory version is bumped to match the row.
func (s *PositionStore) Update(ctx context.Context, p *lending.Position) error {
	if err := updatePosition(ctx, s.db, s.metrics, p); err != nil {
		return err
	}
	p.Version++
	return nil
}

// insertPosition and updatePosition take an execer so the same SQL runs
// standalone or inside a TxStore transaction. Neither bumps the in-memory
// version; the caller does that once the write is durable.
func insertPosition(ctx context.Context, ex execer, p *lending.Position) error {
	p.Version = 1
	_, err := ex.ExecContext(ctx, `
		INSERT INTO lend.loan_positions (`+positionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		p.ID, p.Borrower, nullString(p.Lender), p.CollateralInscriptionID, p.CollateralAmount,
		p.BorrowedTokenID, p.BorrowedAmount, p.InterestAccrued, p.InterestRate,
		p.Duration, p.StartTime, p.LastUpdateTime, p.LiquidationThreshold,
		p.PoolID, string(p.Status), p.Version,
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func updatePosition(ctx context.Context, ex execer, metrics *observability.Metrics, p *lending.Position) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE lend.loan_positions SET
			lender = $3,
			collateral_amount = $4,
			borrowed_amount = $5,
			interest_accrued = $6,
			start_time = $7,
			last_update_time = $8,
			status = $9,
			version = version + 1
		WHERE id = $1 AND version = $2
	`,
		p.ID, p.Version,
		nullString(p.Lender), p.CollateralAmount, p.BorrowedAmount,
		p.InterestAccrued, p.StartTime, p.LastUpdateTime, string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update position %s: rows affected: %w", p.ID, err)
	}
	if affected == 0 {
		if metrics != nil {
			metrics.StoreConflicts.Inc()
		}
		return fmt.Errorf("position %s at version %d: %w", p.ID, p.Version, lending.ErrConflict)
	}
	return nil
}

// Get returns a position by id.
func (s *PositionStore) Get(ctx context.Context, id uuid.UUID) (*lending.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+`
		FROM lend.loan_positions
		WHERE id = $1
	`, id)

	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %s: %w", id, lending.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

// ListByAddress returns every position the address participates in,
// as borrower or as lender, newest first.
func (s *PositionStore) ListByAddress(ctx context.Context, address string) ([]*lending.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM lend.loan_positions
		WHERE borrower = $1 OR lender = $1
		ORDER BY last_update_time DESC
	`, address)
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", address, err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// ListActive pages through active positions in id order for the
// liquidation sweep. Pass uuid.Nil to start from the beginning.
func (s *PositionStore) ListActive(ctx context.Context, afterID uuid.UUID, limit int) ([]*lending.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM lend.loan_positions
		WHERE status = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, string(lending.StatusActive), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row scanner) (*lending.Position, error) {
	var p lending.Position
	var lender sql.NullString
	var startTime sql.NullTime
	var status string
	if err := row.Scan(
		&p.ID, &p.Borrower, &lender, &p.CollateralInscriptionID, &p.CollateralAmount,
		&p.BorrowedTokenID, &p.BorrowedAmount, &p.InterestAccrued, &p.InterestRate,
		&p.Duration, &startTime, &p.LastUpdateTime, &p.LiquidationThreshold,
		&p.PoolID, &status, &p.Version,
	); err != nil {
		return nil, err
	}
	if lender.Valid {
		p.Lender = lender.String
	}
	if startTime.Valid {
		t := startTime.Time
		p.StartTime = &t
	}
	p.Status = lending.Status(status)
	return &p, nil
}

func collectPositions(rows *sql.Rows) ([]*lending.Position, error) {
	var positions []*lending.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
