package controller

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/gpu"
	"codeberg.org/mutker/gpufand/internal/logger"
)

// RestoreHeld returns every GPU the journal still lists as held to automatic
// fan control. It is meant for recovery after the daemon died without
// running Shutdown. Entries are cleared only for GPUs that were restored.
func RestoreHeld(ctx context.Context, exec gpu.Executor, j Journal, timeout time.Duration, log logger.Logger) ([]gpu.Info, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	held, err := j.Held(ctx)
	if err != nil {
		return nil, err
	}

	var restored []gpu.Info
	var failed []int
	for _, g := range held {
		index := g.Index
		if err := callErr(ctx, timeout, func(ctx context.Context) error {
			return exec.SetManualControl(ctx, index, false)
		}); err != nil {
			log.Error().Err(err).Int("gpu", index).Msg("Failed to restore automatic fan control")
			failed = append(failed, index)
			continue
		}

		if err := j.Release(ctx, index); err != nil {
			log.Warn().Err(err).Int("gpu", index).Msg("Failed to clear journal entry")
		}
		log.Info().Int("gpu", index).Str("name", g.Name).Msg("Automatic fan control restored")
		restored = append(restored, g)
	}

	if len(failed) > 0 {
		return restored, errors.New().WithData(errors.ErrRestoreFans, fmt.Sprintf("gpus %v", failed))
	}

	return restored, nil
}
