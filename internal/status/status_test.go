package status_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/gpufand/internal/gpu"
	"codeberg.org/mutker/gpufand/internal/logger"
	"codeberg.org/mutker/gpufand/internal/registry"
	"codeberg.org/mutker/gpufand/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource []registry.GPUState

func (s staticSource) SnapshotAll() []registry.GPUState {
	return s
}

var states = staticSource{
	{
		Index: 0, Name: "RTX A", TemperatureC: 35, FanSpeedPercent: 29,
		PowerWatts: 120.44, ManualControlEnabled: true, TargetSpeedPercent: 30,
	},
	{
		Index: 1, Name: "RTX B", TemperatureC: 85, FanSpeedPercent: 97,
		PowerWatts: 250, TargetSpeedPercent: registry.TargetUnset,
	},
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	status.WriteTable(&buf, states, time.Date(2026, 1, 2, 13, 4, 5, 0, time.UTC))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	assert.Equal(t, []string{"TIME", "GPU", "NAME", "POWER", "TEMP", "FAN", "TARGET"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"13:04:05", "0", "RTX", "A", "120.4W", "35°C", "29%", "30%"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"13:04:05", "1", "RTX", "B", "250.0W", "85°C", "97%", "-"}, strings.Fields(lines[2]))
}

func TestWriteGPUList(t *testing.T) {
	var buf bytes.Buffer
	status.WriteGPUList(&buf, []gpu.Info{{Index: 0, Name: "A"}, {Index: 1, Name: "B"}})

	out := buf.String()
	assert.Contains(t, out, "GPU")
	assert.Contains(t, out, "NAME")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"1", "B"}, strings.Fields(lines[2]))
}

func TestLogFormat(t *testing.T) {
	var buf bytes.Buffer
	r, err := status.New(states, status.FormatLog, time.Second, nil, logger.New(&buf))
	require.NoError(t, err)

	r.Report()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "GPU status", first["message"])
	assert.Equal(t, float64(0), first["gpu"])
	assert.Equal(t, "RTX A", first["name"])
	assert.Equal(t, float64(35), first["temperature_c"])
	assert.Equal(t, "30%", first["target_percent"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "-", second["target_percent"])
}

func TestRunOffReturnsImmediately(t *testing.T) {
	r, err := status.New(states, status.FormatOff, 0, nil, logger.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, r.Run(ctx))
	assert.NoError(t, ctx.Err())
}

func TestRunReportsUntilCancelled(t *testing.T) {
	var buf bytes.Buffer
	r, err := status.New(states, status.FormatTable, 5*time.Millisecond, &buf, logger.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, r.Run(ctx))
	assert.Contains(t, buf.String(), "RTX A")
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := status.New(states, status.Format("xml"), time.Second, nil, logger.Nop())
	assert.Error(t, err)

	_, err = status.New(states, status.FormatTable, 0, nil, logger.Nop())
	assert.Error(t, err)
}
