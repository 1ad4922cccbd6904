package store

import (
	"context"
	"database/sql"
	"fmt"

	"fractallend/internal/lending"
	"fractallend/internal/observability"
)

// execer is the write surface shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TxStore couples position and pool writes that must land together: pool
// liquidity counters mirror position principal, and committing one side
// without the other oversells liquidity or strands it.
type TxStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewTxStore(db *sql.DB, metrics *observability.Metrics) *TxStore {
	return &TxStore{db: db, metrics: metrics}
}

// UpdatePositionAndPool writes both rows in one transaction under their
// optimistic version checks. A conflict on either side rolls back both.
func (s *TxStore) UpdatePositionAndPool(ctx context.Context, p *lending.Position, pool *lending.Pool) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := updatePosition(ctx, tx, s.metrics, p); err != nil {
			return err
		}
		return updatePool(ctx, tx, s.metrics, pool)
	})
	if err != nil {
		return err
	}
	p.Version++
	pool.Version++
	return nil
}

// CreatePositionAndUpdatePool inserts a new position and applies the pool
// liquidity change in one transaction.
func (s *TxStore) CreatePositionAndUpdatePool(ctx context.Context, p *lending.Position, pool *lending.Pool) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertPosition(ctx, tx, p); err != nil {
			return err
		}
		return updatePool(ctx, tx, s.metrics, pool)
	})
	if err != nil {
		return err
	}
	pool.Version++
	return nil
}

func (s *TxStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
