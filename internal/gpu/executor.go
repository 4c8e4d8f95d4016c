package gpu

import (
	"context"
	"fmt"

	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/logger"
)

// Options selects and configures an Executor backend.
type Options struct {
	Backend string

	// nvidia-settings backend
	Display      string
	SettingsPath string
	SMIPath      string
	Runner       CommandRunner

	// Log receives backend diagnostics. Nil discards them.
	Log logger.Logger
}

// Open returns the Executor for opts.Backend.
func Open(opts Options) (Executor, error) {
	switch opts.Backend {
	case "", BackendSettings:
		return newSettingsExecutor(opts), nil
	case BackendNVML:
		return newNVMLExecutor(opts.Log)
	default:
		return nil, errors.New().WithData(ErrUnknownBackend, opts.Backend)
	}
}

// Discover enumerates the GPUs once at startup. Any failure here is fatal to
// the daemon: no GPUs, an unreadable listing, or duplicate indices.
func Discover(ctx context.Context, exec Executor, log logger.Logger) ([]Info, error) {
	errFactory := errors.New()

	gpus, err := exec.ListGPUs(ctx)
	if err != nil {
		if errors.HasCode(err, ErrDiscoveryFailed) {
			return nil, err
		}
		return nil, errFactory.Wrap(ErrDiscoveryFailed, err)
	}

	if len(gpus) == 0 {
		return nil, errFactory.WithData(ErrDiscoveryFailed, "no GPUs found")
	}

	seen := make(map[int]bool, len(gpus))
	for _, g := range gpus {
		if seen[g.Index] {
			return nil, errFactory.WithData(ErrDiscoveryFailed, fmt.Sprintf("duplicate gpu index %d", g.Index))
		}
		seen[g.Index] = true

		log.Info().Int("gpu", g.Index).Str("name", g.Name).Msg("Detected GPU")
	}

	return gpus, nil
}
