package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// CycleRunner is the part of the pipeline the driver schedules.
type CycleRunner interface {
	RetryFailed(ctx context.Context) (int64, error)
	RunCycle(ctx context.Context) (CycleReport, error)
}

// Cleaner runs one retention pass.
type Cleaner interface {
	Run(ctx context.Context) (CleanupReport, error)
}

// Driver runs cycles and cleanups on fixed intervals until its context ends.
// Cycles never overlap: a tick that arrives while a cycle is still running is
// dropped by the ticker.
type Driver struct {
	Pipeline        CycleRunner
	Cleanup         Cleaner
	CycleInterval   time.Duration
	CleanupInterval time.Duration
}

// Run starts with one cycle and one cleanup, then repeats each on its own
// interval. A zero CleanupInterval (or nil Cleanup) disables cleanups. It
// returns ctx.Err() once the context is done.
func (d *Driver) Run(ctx context.Context) error {
	if d.CycleInterval <= 0 {
		return errors.New("driver: cycle interval must be positive")
	}
	d.cycle(ctx)

	var cleanupC <-chan time.Time
	if d.Cleanup != nil && d.CleanupInterval > 0 {
		d.cleanup(ctx)
		ct := time.NewTicker(d.CleanupInterval)
		defer ct.Stop()
		cleanupC = ct.C
	}

	t := time.NewTicker(d.CycleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.cycle(ctx)
		case <-cleanupC:
			d.cleanup(ctx)
		}
	}
}

func (d *Driver) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := d.Pipeline.RetryFailed(ctx); err != nil {
		log.Error().Err(err).Msg("retry failed articles")
	}
	rep, err := d.Pipeline.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	default:
		log.Error().Err(err).Str("cycle_id", rep.CycleID).Msg("cycle error")
	}
}

func (d *Driver) cleanup(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := d.Cleanup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("cleanup error")
	}
}
