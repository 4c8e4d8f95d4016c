// Package status periodically reports the registry to the operator.
package status

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/gpu"
	"codeberg.org/mutker/gpufand/internal/logger"
	"codeberg.org/mutker/gpufand/internal/registry"
	"github.com/olekukonko/tablewriter"
)

type Format string

const (
	FormatTable Format = "table"
	FormatLog   Format = "log"
	FormatOff   Format = "off"
)

// Source is the read side of the registry.
type Source interface {
	SnapshotAll() []registry.GPUState
}

type Reporter struct {
	src      Source
	format   Format
	interval time.Duration
	out      io.Writer
	log      logger.Logger
	now      func() time.Time
}

func New(src Source, format Format, interval time.Duration, out io.Writer, log logger.Logger) (*Reporter, error) {
	switch format {
	case FormatTable, FormatLog, FormatOff:
	default:
		return nil, errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("status format %q", format))
	}
	if interval <= 0 && format != FormatOff {
		return nil, errors.New().WithData(errors.ErrInvalidInterval, interval.String())
	}

	return &Reporter{
		src:      src,
		format:   format,
		interval: interval,
		out:      out,
		log:      log,
		now:      time.Now,
	}, nil
}

// Run reports every interval until ctx is done. It returns at once when
// reporting is off.
func (r *Reporter) Run(ctx context.Context) error {
	if r.format == FormatOff {
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report emits one report of every GPU.
func (r *Reporter) Report() {
	states := r.src.SnapshotAll()

	switch r.format {
	case FormatTable:
		WriteTable(r.out, states, r.now())
	case FormatLog:
		for _, st := range states {
			r.log.Info().
				Int("gpu", st.Index).
				Str("name", st.Name).
				Float64("power_w", st.PowerWatts).
				Int("temperature_c", st.TemperatureC).
				Int("fan_percent", st.FanSpeedPercent).
				Str("target_percent", target(st)).
				Bool("manual", st.ManualControlEnabled).
				Msg("GPU status")
		}
	}
}

// WriteTable renders states as a borderless table.
func WriteTable(w io.Writer, states []registry.GPUState, now time.Time) {
	table := tablewriter.NewWriter(w)
	setBorderlessTable(table)
	table.SetHeader([]string{"Time", "GPU", "Name", "Power", "Temp", "Fan", "Target"})

	stamp := now.Format("15:04:05")
	for _, st := range states {
		table.Append([]string{
			stamp,
			strconv.Itoa(st.Index),
			st.Name,
			fmt.Sprintf("%.1fW", st.PowerWatts),
			fmt.Sprintf("%d°C", st.TemperatureC),
			fmt.Sprintf("%d%%", st.FanSpeedPercent),
			target(st),
		})
	}

	table.Render()
}

// WriteGPUList renders discovered GPUs.
func WriteGPUList(w io.Writer, gpus []gpu.Info) {
	table := tablewriter.NewWriter(w)
	setBorderlessTable(table)
	table.SetHeader([]string{"GPU", "Name"})

	for _, g := range gpus {
		table.Append([]string{strconv.Itoa(g.Index), g.Name})
	}

	table.Render()
}

func target(st registry.GPUState) string {
	if !st.HasTarget() {
		return "-"
	}
	return fmt.Sprintf("%d%%", st.TargetSpeedPercent)
}

func setBorderlessTable(table *tablewriter.Table) {
	table.SetBorder(false)
	table.SetAutoFormatHeaders(true)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
}
