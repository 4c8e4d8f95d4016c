package gpu

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"codeberg.org/mutker/gpufand/internal/errors"
)

const (
	defaultDisplay      = ":0.0"
	defaultSettingsPath = "nvidia-settings"
	defaultSMIPath      = "nvidia-smi"
)

// gpuLinePattern matches the target lines of `nvidia-settings -q gpus`:
//
//	[0] host:0[gpu:0] (NVIDIA GeForce RTX 3080)
var gpuLinePattern = regexp.MustCompile(`^\[(\d+)\]\s+\S+\s+\((.+)\)$`)

// settingsExecutor drives the GPUs through nvidia-settings (X11 attributes)
// and nvidia-smi (power draw). Fan N is assumed to belong to GPU N.
type settingsExecutor struct {
	runner       CommandRunner
	env          []string
	settingsPath string
	smiPath      string
}

func newSettingsExecutor(opts Options) *settingsExecutor {
	runner := opts.Runner
	if runner == nil {
		runner = execRunner{}
	}

	display := opts.Display
	if display == "" {
		display = defaultDisplay
	}

	return &settingsExecutor{
		runner:       runner,
		env:          []string{"DISPLAY=" + display},
		settingsPath: orDefault(opts.SettingsPath, defaultSettingsPath),
		smiPath:      orDefault(opts.SMIPath, defaultSMIPath),
	}
}

func (e *settingsExecutor) ListGPUs(ctx context.Context) ([]Info, error) {
	errFactory := errors.New()

	out, err := e.runner.Run(ctx, e.env, e.settingsPath, "-q", "gpus")
	if err != nil {
		return nil, errFactory.Wrap(ErrDiscoveryFailed, err)
	}

	var gpus []Info
	for _, line := range strings.Split(string(out), "\n") {
		m := gpuLinePattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		gpus = append(gpus, Info{Index: index, Name: strings.TrimSpace(m[2])})
	}

	if len(gpus) == 0 {
		return nil, errFactory.WithData(ErrDiscoveryFailed, "no GPU entries in nvidia-settings output")
	}

	return gpus, nil
}

func (e *settingsExecutor) ReadTemperature(ctx context.Context, index int) (int, error) {
	v, err := e.queryInt(ctx, fmt.Sprintf("[gpu:%d]/GPUCoreTemp", index))
	if err != nil {
		return 0, queryError(index, "temperature", err)
	}
	return v, nil
}

func (e *settingsExecutor) ReadFanSpeed(ctx context.Context, index int) (int, error) {
	v, err := e.queryInt(ctx, fmt.Sprintf("[fan:%d]/GPUCurrentFanSpeed", index))
	if err != nil {
		return 0, queryError(index, "fan speed", err)
	}
	return v, nil
}

func (e *settingsExecutor) ReadPower(ctx context.Context, index int) (float64, error) {
	out, err := e.runner.Run(ctx, e.env, e.smiPath,
		"--query-gpu=power.draw", "--format=csv,noheader,nounits", "-i", strconv.Itoa(index))
	if err != nil {
		return 0, queryError(index, "power draw", err)
	}

	value := firstLine(out)
	watts, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, queryError(index, "power draw", fmt.Errorf("unexpected nvidia-smi output %q", value))
	}

	return watts, nil
}

func (e *settingsExecutor) SetManualControl(ctx context.Context, index int, enabled bool) error {
	state := 0
	if enabled {
		state = 1
	}

	if err := e.assign(ctx, fmt.Sprintf("[gpu:%d]/GPUFanControlState=%d", index, state)); err != nil {
		return commandError(index, "set fan control state", err)
	}
	return nil
}

func (e *settingsExecutor) SetTargetFanSpeed(ctx context.Context, index, percent int) error {
	if percent < 0 || percent > 100 {
		return commandError(index, "set target fan speed",
			errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("fan speed %d%% out of range", percent)))
	}

	if err := e.assign(ctx, fmt.Sprintf("[fan:%d]/GPUTargetFanSpeed=%d", index, percent)); err != nil {
		return commandError(index, "set target fan speed", err)
	}
	return nil
}

func (*settingsExecutor) Close() error {
	return nil
}

func (e *settingsExecutor) queryInt(ctx context.Context, attribute string) (int, error) {
	out, err := e.runner.Run(ctx, e.env, e.settingsPath, "-t", "-q", attribute)
	if err != nil {
		return 0, err
	}

	value := strings.TrimSuffix(firstLine(out), ".")
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("unexpected nvidia-settings output for %s: %q", attribute, value)
	}

	return v, nil
}

func (e *settingsExecutor) assign(ctx context.Context, assignment string) error {
	_, err := e.runner.Run(ctx, e.env, e.settingsPath, "-a", assignment)
	return err
}

// execRunner runs commands with os/exec. nvidia-settings may exit 0 after
// printing "ERROR:" to stderr, so stderr is checked as well.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	msg := strings.TrimSpace(stderr.String())
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	if strings.Contains(msg, "ERROR:") {
		return nil, fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}

	return stdout.Bytes(), nil
}

func firstLine(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
