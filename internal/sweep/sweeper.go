package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fractallend/internal/observability"
	"fractallend/internal/service"
)

// Runner is anything that can run one liquidation pass.
type Runner interface {
	Sweep(ctx context.Context, pageSize int) (service.SweepResult, error)
}

// Sweeper periodically runs the liquidation sweep. It runs one pass
// immediately on start so a restart never leaves underwater positions
// waiting a full interval.
type Sweeper struct {
	runner   Runner
	interval time.Duration
	pageSize int
	log      zerolog.Logger
}

func NewSweeper(runner Runner, interval time.Duration, pageSize int) *Sweeper {
	return &Sweeper{
		runner:   runner,
		interval: interval,
		pageSize: pageSize,
		log:      observability.NewLogger("sweeper"),
	}
}

// Run blocks until ctx is cancelled. Sweep failures are logged and the
// next tick tries again; one bad pass must not kill the worker.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	result, err := s.runner.Sweep(ctx, s.pageSize)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error().Err(err).Msg("liquidation sweep failed")
		return
	}
	if result.Liquidated > 0 {
		s.log.Info().Int("liquidated", result.Liquidated).Msg("sweep liquidated positions")
	}
}
