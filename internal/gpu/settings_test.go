package gpu_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queryGPUsOutput = `

2 GPUs on desktop:0

    [0] desktop:0[gpu:0] (NVIDIA GeForce RTX 3080)

      Has the following names:
        GPU-0
        GPU-5f4b9d3c-0000-0000-0000-000000000000

    [1] desktop:0[gpu:1] (NVIDIA GeForce GTX 1080 Ti)

      Has the following names:
        GPU-1

`

// scriptedRunner answers commands by their joined argument line.
type scriptedRunner struct {
	responses map[string]string
	failures  map[string]error
	calls     []string
	env       []string
}

func (r *scriptedRunner) Run(_ context.Context, env []string, name string, args ...string) ([]byte, error) {
	line := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, line)
	r.env = env

	if err, ok := r.failures[line]; ok {
		return nil, err
	}
	if out, ok := r.responses[line]; ok {
		return []byte(out), nil
	}
	return nil, fmt.Errorf("unexpected command %q", line)
}

func newSettings(t *testing.T, r *scriptedRunner) gpu.Executor {
	t.Helper()

	exec, err := gpu.Open(gpu.Options{Backend: gpu.BackendSettings, Display: ":1", Runner: r})
	require.NoError(t, err)

	return exec
}

func TestSettingsListGPUs(t *testing.T) {
	r := &scriptedRunner{responses: map[string]string{
		"nvidia-settings -q gpus": queryGPUsOutput,
	}}

	gpus, err := newSettings(t, r).ListGPUs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []gpu.Info{
		{Index: 0, Name: "NVIDIA GeForce RTX 3080"},
		{Index: 1, Name: "NVIDIA GeForce GTX 1080 Ti"},
	}, gpus)
	assert.Equal(t, []string{"DISPLAY=:1"}, r.env)
}

func TestSettingsListGPUsUnparsable(t *testing.T) {
	r := &scriptedRunner{responses: map[string]string{
		"nvidia-settings -q gpus": "ERROR: Unable to find display on any available system\n",
	}}

	_, err := newSettings(t, r).ListGPUs(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gpu.ErrDiscoveryFailed))
}

func TestSettingsListGPUsToolMissing(t *testing.T) {
	r := &scriptedRunner{failures: map[string]error{
		"nvidia-settings -q gpus": fmt.Errorf("exec: \"nvidia-settings\": executable file not found in $PATH"),
	}}

	_, err := newSettings(t, r).ListGPUs(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gpu.ErrDiscoveryFailed))
}

func TestSettingsReads(t *testing.T) {
	r := &scriptedRunner{responses: map[string]string{
		"nvidia-settings -t -q [gpu:1]/GPUCoreTemp":                            "67\n",
		"nvidia-settings -t -q [fan:1]/GPUCurrentFanSpeed":                     "45\n",
		"nvidia-smi --query-gpu=power.draw --format=csv,noheader,nounits -i 1": "231.57\n",
		"nvidia-smi --query-gpu=power.draw --format=csv,noheader,nounits -i 0": "[N/A]\n",
		"nvidia-settings -t -q [gpu:0]/GPUCoreTemp":                            "\n",
	}}
	exec := newSettings(t, r)
	ctx := context.Background()

	temp, err := exec.ReadTemperature(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 67, temp)

	speed, err := exec.ReadFanSpeed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 45, speed)

	power, err := exec.ReadPower(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 231.57, power, 0.001)

	_, err = exec.ReadPower(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gpu.ErrQueryFailed))

	_, err = exec.ReadTemperature(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gpu.ErrQueryFailed))
	assert.Contains(t, err.Error(), "temperature of gpu 0")
}

func TestSettingsWrites(t *testing.T) {
	r := &scriptedRunner{
		responses: map[string]string{
			"nvidia-settings -a [gpu:0]/GPUFanControlState=1": "  Attribute 'GPUFanControlState' (desktop:0[gpu:0]) assigned value 1.\n",
			"nvidia-settings -a [gpu:0]/GPUFanControlState=0": "  Attribute 'GPUFanControlState' (desktop:0[gpu:0]) assigned value 0.\n",
			"nvidia-settings -a [fan:0]/GPUTargetFanSpeed=75": "  Attribute 'GPUTargetFanSpeed' (desktop:0[fan:0]) assigned value 75.\n",
		},
		failures: map[string]error{
			"nvidia-settings -a [fan:1]/GPUTargetFanSpeed=40": fmt.Errorf("ERROR: Error assigning value 40"),
		},
	}
	exec := newSettings(t, r)
	ctx := context.Background()

	require.NoError(t, exec.SetManualControl(ctx, 0, true))
	require.NoError(t, exec.SetManualControl(ctx, 0, false))
	require.NoError(t, exec.SetTargetFanSpeed(ctx, 0, 75))

	err := exec.SetTargetFanSpeed(ctx, 1, 40)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gpu.ErrCommandFailed))

	calls := len(r.calls)
	err = exec.SetTargetFanSpeed(ctx, 0, 101)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
	assert.Len(t, r.calls, calls, "out-of-range speed must not reach the tool")
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := gpu.Open(gpu.Options{Backend: "amdgpu"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, gpu.ErrUnknownBackend))
}
