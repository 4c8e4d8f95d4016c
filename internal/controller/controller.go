// Package controller runs the fan control loop: on every tick it polls each
// GPU's telemetry, derives a target fan speed from the calibration curve and
// applies it. Failures are isolated per GPU and per operation; only the
// caller's context stops the loop.
package controller

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/gpufand/internal/curve"
	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/gpu"
	"codeberg.org/mutker/gpufand/internal/logger"
	"codeberg.org/mutker/gpufand/internal/registry"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultCallTimeout = 5 * time.Second
)

// Phase is the control state of one GPU.
type Phase int32

const (
	// PhaseIdle: the firmware controls the fan. Manual control is requested
	// on the next tick.
	PhaseIdle Phase = iota
	// PhaseManualRequested: the switch to manual mode is in flight.
	PhaseManualRequested
	// PhaseActive: the daemon controls the fan.
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseManualRequested:
		return "manual_requested"
	case PhaseActive:
		return "active"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Config tunes the loop.
type Config struct {
	Interval    time.Duration
	CallTimeout time.Duration
	Curve       curve.Curve
	// Monitor polls telemetry without ever taking control of the fans.
	Monitor bool
}

// Journal records which GPUs are held in manual fan mode, so they can be
// handed back to the firmware after an unclean exit.
type Journal interface {
	Acquire(ctx context.Context, g gpu.Info) error
	Release(ctx context.Context, index int) error
	Held(ctx context.Context) ([]gpu.Info, error)
}

type Option func(*Loop)

// WithLogger sets the loop's logger.
func WithLogger(log logger.Logger) Option {
	return func(l *Loop) {
		l.log = log
	}
}

// WithJournal records manual-control ownership in j.
func WithJournal(j Journal) Option {
	return func(l *Loop) {
		l.journal = j
	}
}

// Loop is the fixed-cadence scheduler over all registered GPUs.
type Loop struct {
	exec    gpu.Executor
	reg     *registry.Registry
	cfg     Config
	log     logger.Logger
	journal Journal

	curveEnabled bool
	phases       map[int]*atomic.Int32
	ticks        atomic.Uint64

	// serializes Tick and Shutdown
	mu sync.Mutex
}

// New prepares a loop over reg. An unusable curve disables manual control
// for the whole run instead of guessing a curve.
func New(exec gpu.Executor, reg *registry.Registry, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		exec:    exec,
		reg:     reg,
		cfg:     cfg,
		log:     logger.Nop(),
		journal: noopJournal{},
		phases:  make(map[int]*atomic.Int32, reg.Len()),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.cfg.Interval <= 0 {
		l.cfg.Interval = DefaultInterval
	}
	if l.cfg.CallTimeout <= 0 {
		l.cfg.CallTimeout = DefaultCallTimeout
	}

	for _, index := range reg.Indices() {
		l.phases[index] = new(atomic.Int32)
	}

	switch {
	case l.cfg.Monitor:
		l.log.Info().Msg("Monitor mode: fan control stays with the firmware")
	default:
		if err := l.cfg.Curve.Validate(); err != nil {
			l.logErr(l.log.Warn(), err).Msg("Calibration curve unusable, manual fan control disabled")
			break
		}
		l.curveEnabled = true
		l.log.Info().Str("curve", l.cfg.Curve.String()).Msg("Fan curve loaded")
	}

	return l
}

// Run ticks immediately and then every Interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.log.Info().
		Dur("interval", l.cfg.Interval).
		Dur("call_timeout", l.cfg.CallTimeout).
		Int("gpus", l.reg.Len()).
		Msg("Control loop started")

	l.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Uint64("ticks", l.ticks.Load()).Msg("Control loop stopped")
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one control cycle over all GPUs concurrently and returns its
// number once every GPU has finished.
func (l *Loop) Tick(ctx context.Context) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	tick := l.ticks.Add(1)

	var wg sync.WaitGroup
	for _, index := range l.reg.Indices() {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l.log.Error().Int("gpu", index).Uint64("tick", tick).
						Str("panic", fmt.Sprint(r)).Msg("GPU update aborted")
				}
			}()
			l.updateGPU(ctx, tick, index)
		}(index)
	}
	wg.Wait()

	l.log.Debug().Uint64("tick", tick).Msg("Tick complete")

	return tick
}

// updateGPU performs one tick for one GPU. Changes accumulate in a local copy
// that is committed with a single registry update, so readers never see a
// record half way through a tick and no lock is held across hardware calls.
func (l *Loop) updateGPU(ctx context.Context, tick uint64, index int) {
	st, err := l.reg.Get(index)
	if err != nil {
		l.logErr(l.log.Error(), err).Int("gpu", index).Msg("GPU missing from registry")
		return
	}
	log := l.log.With("gpu", strconv.Itoa(index))

	if l.curveEnabled && Phase(l.phases[index].Load()) == PhaseIdle {
		l.acquire(ctx, log, &st)
	}

	if watts, err := call(ctx, l.cfg.CallTimeout, func(ctx context.Context) (float64, error) {
		return l.exec.ReadPower(ctx, index)
	}); err != nil {
		l.logErr(log.Warn(), err).Msg("Power read failed")
	} else {
		st.PowerWatts = watts
	}

	if temp, err := call(ctx, l.cfg.CallTimeout, func(ctx context.Context) (int, error) {
		return l.exec.ReadTemperature(ctx, index)
	}); err != nil {
		l.logErr(log.Warn(), err).Msg("Temperature read failed")
	} else {
		st.TemperatureC = temp
	}

	if speed, err := call(ctx, l.cfg.CallTimeout, func(ctx context.Context) (int, error) {
		return l.exec.ReadFanSpeed(ctx, index)
	}); err != nil {
		l.logErr(log.Warn(), err).Msg("Fan speed read failed")
	} else {
		st.FanSpeedPercent = speed
	}

	if st.ManualControlEnabled {
		target := l.cfg.Curve.SpeedFor(st.TemperatureC)
		if err := callErr(ctx, l.cfg.CallTimeout, func(ctx context.Context) error {
			return l.exec.SetTargetFanSpeed(ctx, index, target)
		}); err != nil {
			l.logErr(log.Error(), err).Int("target", target).Msg("Fan speed write failed")
		} else {
			if target != st.TargetSpeedPercent {
				log.Debug().
					Int("temperature", st.TemperatureC).
					Int("from", st.TargetSpeedPercent).
					Int("to", target).
					Msg("Fan speed target changed")
			}
			st.TargetSpeedPercent = target
		}
	}

	st.Tick = tick
	st.UpdatedAt = time.Now()

	if err := l.reg.Update(index, func(s *registry.GPUState) { *s = st }); err != nil {
		l.logErr(log.Error(), err).Msg("Registry update failed")
	}
}

// acquire asks the hardware to hand fan control to the daemon. A failure
// leaves the GPU idle so the next tick retries.
func (l *Loop) acquire(ctx context.Context, log logger.Logger, st *registry.GPUState) {
	phase := l.phases[st.Index]
	phase.Store(int32(PhaseManualRequested))

	if err := callErr(ctx, l.cfg.CallTimeout, func(ctx context.Context) error {
		return l.exec.SetManualControl(ctx, st.Index, true)
	}); err != nil {
		phase.Store(int32(PhaseIdle))
		l.logErr(log.Error(), err).Msg("Manual fan control request failed, retrying next tick")
		return
	}

	phase.Store(int32(PhaseActive))
	st.ManualControlEnabled = true
	log.Info().Str("name", st.Name).Msg("Manual fan control enabled")

	if err := l.journal.Acquire(ctx, gpu.Info{Index: st.Index, Name: st.Name}); err != nil {
		l.logErr(log.Warn(), err).Msg("Failed to journal manual fan control")
	}
}

// Shutdown hands every GPU under manual control back to the firmware. It
// waits for an in-flight tick and keeps going past individual failures.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var failed []int
	for _, st := range l.reg.SnapshotAll() {
		// A tick that died after acquiring control may not have committed
		// the flag, so the phase counts too.
		if !st.ManualControlEnabled && l.Phase(st.Index) == PhaseIdle {
			continue
		}

		log := l.log.With("gpu", strconv.Itoa(st.Index))
		index := st.Index
		if err := callErr(ctx, l.cfg.CallTimeout, func(ctx context.Context) error {
			return l.exec.SetManualControl(ctx, index, false)
		}); err != nil {
			l.logErr(log.Error(), err).Msg("Failed to restore automatic fan control")
			failed = append(failed, index)
			continue
		}

		l.phases[index].Store(int32(PhaseIdle))
		if err := l.reg.Update(index, func(s *registry.GPUState) { s.ManualControlEnabled = false }); err != nil {
			l.logErr(log.Error(), err).Msg("Registry update failed")
		}
		if err := l.journal.Release(ctx, index); err != nil {
			l.logErr(log.Warn(), err).Msg("Failed to clear journal entry")
		}
		log.Info().Msg("Automatic fan control restored")
	}

	if len(failed) > 0 {
		return errors.New().WithData(errors.ErrRestoreFans, fmt.Sprintf("gpus %v", failed))
	}

	return nil
}

// Phase returns the control phase of the GPU at index.
func (l *Loop) Phase(index int) Phase {
	p, ok := l.phases[index]
	if !ok {
		return PhaseIdle
	}
	return Phase(p.Load())
}

// Ticks returns the number of ticks started so far.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

// CurveEnabled reports whether the loop applies the calibration curve.
func (l *Loop) CurveEnabled() bool {
	return l.curveEnabled
}

func (l *Loop) logErr(e *logger.LogEvent, err error) *logger.LogEvent {
	if code := errors.CodeOf(err); code != "" {
		e.Str("error_code", string(code))
	}
	e.Err(err)

	return e
}

type noopJournal struct{}

func (noopJournal) Acquire(context.Context, gpu.Info) error  { return nil }
func (noopJournal) Release(context.Context, int) error       { return nil }
func (noopJournal) Held(context.Context) ([]gpu.Info, error) { return nil, nil }
