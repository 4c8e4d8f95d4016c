// Package journal persists which GPUs the daemon holds in manual fan mode.
//
// A daemon that dies without restoring automatic control leaves the fans
// pinned at their last target. The journal survives that, so a later
// "gpufand restore" knows which GPUs to hand back to the firmware.
package journal

import (
	"context"

	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/gpu"
	"codeberg.org/mutker/gpufand/internal/logger"
)

// Store records manual-control ownership per GPU.
type Store interface {
	Acquire(ctx context.Context, g gpu.Info) error
	Release(ctx context.Context, index int) error
	Held(ctx context.Context) ([]gpu.Info, error)
	Close() error
}

// Open returns the sqlite store for cfg, or a no-op store when the journal
// is disabled.
func Open(cfg Config, log logger.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.New().Wrap(errors.ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Journal disabled, using no-op store")
		return noopStore{}, nil
	}

	return newRepository(cfg, log)
}

type noopStore struct{}

func (noopStore) Acquire(context.Context, gpu.Info) error  { return nil }
func (noopStore) Release(context.Context, int) error       { return nil }
func (noopStore) Held(context.Context) ([]gpu.Info, error) { return nil, nil }
func (noopStore) Close() error                             { return nil }
