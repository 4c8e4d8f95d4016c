package gpu

import (
	"context"
	"fmt"
	"sync"

	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

// nvmlExecutor talks to the driver through NVML. NVML calls cannot be
// interrupted; ctx is only checked before each call.
type nvmlExecutor struct {
	mu          sync.Mutex
	initialized bool
	devices     map[int]*nvmlDevice
	log         logger.Logger
}

// nvmlDevice caches the handle and the fan layout of one GPU.
type nvmlDevice struct {
	handle   nvml.Device
	fanCount int
	minSpeed int
	maxSpeed int
}

func newNVMLExecutor(log logger.Logger) (*nvmlExecutor, error) {
	errFactory := errors.New()
	if log == nil {
		log = logger.Nop()
	}

	ret := nvml.Init()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}

	return &nvmlExecutor{
		initialized: true,
		devices:     make(map[int]*nvmlDevice),
		log:         log.With("backend", BackendNVML),
	}, nil
}

func (e *nvmlExecutor) ListGPUs(ctx context.Context) ([]Info, error) {
	errFactory := errors.New()
	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(ErrDiscoveryFailed, err)
	}

	count, ret := nvml.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDiscoveryFailed, newNVMLError(ret))
	}

	gpus := make([]Info, 0, count)
	for i := 0; i < count; i++ {
		dev, err := e.device(i)
		if err != nil {
			return nil, errFactory.Wrap(ErrDiscoveryFailed, err)
		}

		name, ret := dev.handle.GetName()
		if !IsNVMLSuccess(ret) {
			return nil, errFactory.Wrap(ErrDiscoveryFailed, newNVMLError(ret))
		}
		gpus = append(gpus, Info{Index: i, Name: name})
	}

	return gpus, nil
}

func (e *nvmlExecutor) ReadTemperature(ctx context.Context, index int) (int, error) {
	dev, err := e.deviceFor(ctx, index)
	if err != nil {
		return 0, queryError(index, "temperature", err)
	}

	temp, ret := dev.handle.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return 0, queryError(index, "temperature", newNVMLError(ret))
	}

	return int(temp), nil
}

func (e *nvmlExecutor) ReadPower(ctx context.Context, index int) (float64, error) {
	dev, err := e.deviceFor(ctx, index)
	if err != nil {
		return 0, queryError(index, "power draw", err)
	}

	milliWatts, ret := dev.handle.GetPowerUsage()
	if !IsNVMLSuccess(ret) {
		return 0, queryError(index, "power draw", newNVMLError(ret))
	}

	return float64(milliWatts) / milliWattsToWatts, nil
}

func (e *nvmlExecutor) ReadFanSpeed(ctx context.Context, index int) (int, error) {
	dev, err := e.deviceFor(ctx, index)
	if err != nil {
		return 0, queryError(index, "fan speed", err)
	}
	if dev.fanCount == 0 {
		return 0, queryError(index, "fan speed", fmt.Errorf("gpu has no fans"))
	}

	speed, ret := dev.handle.GetFanSpeed_v2(0)
	if !IsNVMLSuccess(ret) {
		return 0, queryError(index, "fan speed", newNVMLError(ret))
	}

	return int(speed), nil
}

// SetManualControl pins every fan at its current speed when enabling, and
// hands the fans back to the firmware curve when disabling.
func (e *nvmlExecutor) SetManualControl(ctx context.Context, index int, enabled bool) error {
	dev, err := e.deviceFor(ctx, index)
	if err != nil {
		return commandError(index, "set fan control state", err)
	}

	for i := 0; i < dev.fanCount; i++ {
		if !enabled {
			if ret := nvml.DeviceSetDefaultFanSpeed_v2(dev.handle, i); !IsNVMLSuccess(ret) {
				return commandError(index, "restore default fan speed", newNVMLError(ret))
			}
			continue
		}

		current, ret := dev.handle.GetFanSpeed_v2(i)
		if !IsNVMLSuccess(ret) {
			return commandError(index, "set fan control state", newNVMLError(ret))
		}
		if ret := nvml.DeviceSetFanSpeed_v2(dev.handle, i, int(current)); !IsNVMLSuccess(ret) {
			return commandError(index, "set fan control state", newNVMLError(ret))
		}
	}

	return nil
}

// SetTargetFanSpeed applies percent to every fan, clamped to the range the
// board accepts. A clamped write is logged at debug level with the speed the
// fans actually got.
func (e *nvmlExecutor) SetTargetFanSpeed(ctx context.Context, index, percent int) error {
	if percent < 0 || percent > 100 {
		return commandError(index, "set target fan speed",
			errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("fan speed %d%% out of range", percent)))
	}

	dev, err := e.deviceFor(ctx, index)
	if err != nil {
		return commandError(index, "set target fan speed", err)
	}

	speed := boardSpeed(e.log, index, percent, dev.minSpeed, dev.maxSpeed)
	for i := 0; i < dev.fanCount; i++ {
		if ret := nvml.DeviceSetFanSpeed_v2(dev.handle, i, speed); !IsNVMLSuccess(ret) {
			return commandError(index, fmt.Sprintf("set fan %d speed", i), newNVMLError(ret))
		}
	}

	return nil
}

func (e *nvmlExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil
	}

	ret := nvml.Shutdown()
	if !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrShutdownFailed, newNVMLError(ret))
	}

	e.initialized = false
	e.devices = make(map[int]*nvmlDevice)

	return nil
}

func (e *nvmlExecutor) deviceFor(ctx context.Context, index int) (*nvmlDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.device(index)
}

func (e *nvmlExecutor) device(index int) (*nvmlDevice, error) {
	errFactory := errors.New()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return nil, errFactory.New(ErrNotInitialized)
	}
	if dev, ok := e.devices[index]; ok {
		return dev, nil
	}

	handle, ret := nvml.DeviceGetHandleByIndex(index)
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
	}

	fanCount, ret := handle.GetNumFans()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
	}

	dev := &nvmlDevice{handle: handle, fanCount: fanCount, minSpeed: 0, maxSpeed: 100}
	if minSpeed, maxSpeed, ret := handle.GetMinMaxFanSpeed(); IsNVMLSuccess(ret) {
		dev.minSpeed, dev.maxSpeed = minSpeed, maxSpeed
	}

	e.devices[index] = dev

	return dev, nil
}

func boardSpeed(log logger.Logger, index, percent, minSpeed, maxSpeed int) int {
	speed := clamp(percent, minSpeed, maxSpeed)
	if speed != percent {
		log.Debug().
			Int("gpu", index).
			Int("requested", percent).
			Int("applied", speed).
			Int("min", minSpeed).
			Int("max", maxSpeed).
			Msg("Fan speed clamped to board limits")
	}
	return speed
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}
