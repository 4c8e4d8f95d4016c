package cli

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/gpufand/internal/api"
	"codeberg.org/mutker/gpufand/internal/config"
	"codeberg.org/mutker/gpufand/internal/controller"
	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/gpu"
	"codeberg.org/mutker/gpufand/internal/journal"
	"codeberg.org/mutker/gpufand/internal/logger"
	"codeberg.org/mutker/gpufand/internal/pid"
	"codeberg.org/mutker/gpufand/internal/registry"
	"codeberg.org/mutker/gpufand/internal/status"
	"github.com/shirou/gopsutil/v3/host"
)

// runDaemon runs the control loop until ctx is cancelled, then hands every
// fan back to the firmware.
func (a *app) runDaemon(ctx context.Context) error {
	errFactory := errors.New()
	cfg := a.cfg
	log := logger.Default()

	if err := pid.Write(cfg.PIDFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	logHost(ctx, log)

	exec, err := openExecutor(cfg)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	defer func() {
		if err := exec.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close GPU backend")
		}
	}()

	gpus, err := gpu.Discover(ctx, exec, log)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	reg, err := registry.New(gpus)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	store := openJournal(cfg.Journal, log)
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close journal")
		}
	}()

	if cfg.CurveErr != nil {
		var appErr errors.Error
		if errors.As(cfg.CurveErr, &appErr) {
			logger.ErrorWithCode(appErr).Msg("Fan curve rejected")
		}
	}

	loop := controller.New(exec, reg, controller.Config{
		Interval:    cfg.IntervalDuration(),
		CallTimeout: cfg.TimeoutDuration(),
		Curve:       cfg.Curve,
		Monitor:     cfg.Monitor,
	}, controller.WithLogger(log), controller.WithJournal(store))

	reporter, err := status.New(reg, status.Format(cfg.StatusFormat), cfg.StatusIntervalDuration(), a.out, log)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = reporter.Run(runCtx)
	}()

	var srv *api.Server
	if cfg.HTTP.Enabled {
		srv = api.NewServer(reg, loop, log)
		ln, err := srv.Listen(cfg.HTTP.Listen)
		if err != nil {
			log.ErrorWithCode(errFactory.Wrap(errors.ErrStatusServer, err)).Msg("Status API unavailable")
			srv = nil
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.Serve(ln); err != nil {
					log.ErrorWithCode(errFactory.Wrap(errors.ErrStatusServer, err)).Msg("Status API stopped")
				}
			}()
		}
	}

	loopErr := loop.Run(runCtx)
	logger.Info().Msg("Received termination signal")
	cancel()

	// Every GPU may need one restore call.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		cfg.TimeoutDuration()*time.Duration(reg.Len()+1))
	defer cancelShutdown()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop status API")
		}
	}

	restoreErr := loop.Shutdown(shutdownCtx)
	wg.Wait()

	if loopErr != nil {
		return errFactory.Wrap(errors.ErrMainLoop, loopErr)
	}
	if restoreErr != nil {
		return restoreErr
	}

	logger.Info().Msg("Exiting")

	return nil
}

// openJournal falls back to a no-op store: losing the journal must not stop
// fan control.
func openJournal(cfg config.JournalConfig, log logger.Logger) journal.Store {
	store, err := journal.Open(journalConfig(cfg), log)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.Path).Msg("Journal unavailable, continuing without it")
		store, _ = journal.Open(journal.Config{Enabled: false}, log)
	}
	return store
}

// journalConfig fills the journal defaults with whatever the config sets.
func journalConfig(cfg config.JournalConfig) journal.Config {
	jc := journal.DefaultConfig()
	jc.Enabled = cfg.Enabled
	if cfg.Path != "" {
		jc.Path = cfg.Path
	}
	return jc
}

func logHost(ctx context.Context, log logger.Logger) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Host info unavailable")
		return
	}

	log.Info().
		Str("hostname", info.Hostname).
		Str("platform", info.Platform).
		Str("kernel", info.KernelVersion).
		Msg("Starting gpufand")
}
