package sweep_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fractallend/internal/service"
	"fractallend/internal/sweep"
)

type countingRunner struct {
	calls int64
	err   error
}

func (r *countingRunner) Sweep(_ context.Context, _ int) (service.SweepResult, error) {
	atomic.AddInt64(&r.calls, 1)
	return service.SweepResult{}, r.err
}

func TestSweeper_RunsImmediatelyAndOnTicks(t *testing.T) {
	runner := &countingRunner{}
	s := sweep.NewSweeper(runner, 10*time.Millisecond, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}

	got := atomic.LoadInt64(&runner.calls)
	if got < 2 {
		t.Errorf("sweep ran %d times, want at least 2 (immediate + ticks)", got)
	}
}

func TestSweeper_SurvivesSweepFailure(t *testing.T) {
	runner := &countingRunner{err: errors.New("db down")}
	s := sweep.NewSweeper(runner, 10*time.Millisecond, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	got := atomic.LoadInt64(&runner.calls)
	if got < 2 {
		t.Errorf("sweep ran %d times after failures, want at least 2", got)
	}
}
