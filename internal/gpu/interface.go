package gpu

import "context"

// Info identifies one GPU as reported by the hardware layer.
type Info struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Executor performs reads and writes against physical GPUs. Every method is
// a single blocking hardware operation; callers bound them with ctx.
type Executor interface {
	// ListGPUs enumerates the GPUs present on the host
	ListGPUs(ctx context.Context) ([]Info, error)

	// ReadTemperature returns the core temperature in °C
	ReadTemperature(ctx context.Context, index int) (int, error)

	// ReadPower returns the current power draw in watts
	ReadPower(ctx context.Context, index int) (float64, error)

	// ReadFanSpeed returns the actual fan speed in percent
	ReadFanSpeed(ctx context.Context, index int) (int, error)

	// SetManualControl switches fan control between firmware (false) and
	// the caller (true)
	SetManualControl(ctx context.Context, index int, enabled bool) error

	// SetTargetFanSpeed commands a fan speed in percent (0-100)
	SetTargetFanSpeed(ctx context.Context, index, percent int) error

	Close() error
}

// CommandRunner runs an external tool and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// Backend names accepted by Open.
const (
	BackendSettings = "nvidia-settings"
	BackendNVML     = "nvml"
)
