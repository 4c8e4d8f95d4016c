package gpu

import (
	"strconv"

	"codeberg.org/mutker/gpufand/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	// Initialization and Lifecycle Errors
	ErrNotInitialized = errors.ErrorCode("gpu_not_initialized")
	ErrInitFailed     = errors.ErrorCode("gpu_init_failed")
	ErrShutdownFailed = errors.ErrorCode("gpu_shutdown_failed")
	ErrUnknownBackend = errors.ErrorCode("gpu_unknown_backend")

	// Device Discovery Errors
	ErrDiscoveryFailed = errors.ErrorCode("gpu_discovery_failed")
	ErrDeviceNotFound  = errors.ErrorCode("gpu_device_not_found")

	// Telemetry reads
	ErrQueryFailed = errors.ErrorCode("gpu_query_failed")

	// Fan control writes
	ErrCommandFailed = errors.ErrorCode("gpu_command_failed")
)

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

// IsNVMLSuccess checks if a Return value indicates success
func IsNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}

// queryError describes a failed telemetry read for one GPU.
func queryError(index int, attribute string, err error) errors.Error {
	return errors.New().Wrap(ErrQueryFailed, err).
		WithMessage("Failed to read " + attribute + " of gpu " + strconv.Itoa(index))
}

// commandError describes a failed write for one GPU.
func commandError(index int, action string, err error) errors.Error {
	return errors.New().Wrap(ErrCommandFailed, err).
		WithMessage("Failed to " + action + " on gpu " + strconv.Itoa(index))
}
