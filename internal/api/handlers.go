package api

import (
	"context"
	"time"

	"codeberg.org/mutker/gpufand/internal/errors"
	"github.com/gofiber/fiber/v2"
)

func (s *Server) getGPUs(c *fiber.Ctx) error {
	return c.JSON(s.reg.SnapshotAll())
}

func (s *Server) getGPU(c *fiber.Ctx) error {
	index, err := c.ParamsInt("index")
	if err != nil || index < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "gpu index must be a non-negative integer"})
	}

	st, err := s.reg.Get(index)
	if err != nil {
		if errors.HasCode(err, errors.ErrResourceNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(st)
}

type hostSummary struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Platform      string `json:"platform"`
	KernelVersion string `json:"kernel_version"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
}

type health struct {
	Status        string       `json:"status"`
	Timestamp     int64        `json:"timestamp"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	GPUs          int          `json:"gpus"`
	Ticks         uint64       `json:"ticks"`
	CurveEnabled  bool         `json:"curve_enabled"`
	Host          *hostSummary `json:"host,omitempty"`
}

func (s *Server) healthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	h := health{
		Status:        "ok",
		Timestamp:     time.Now().Unix(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		GPUs:          len(s.reg.SnapshotAll()),
		Ticks:         s.loop.Ticks(),
		CurveEnabled:  s.loop.CurveEnabled(),
	}

	info, err := s.hostInfo(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Host info unavailable")
	} else {
		h.Host = &hostSummary{
			Hostname:      info.Hostname,
			OS:            info.OS,
			Platform:      info.Platform,
			KernelVersion: info.KernelVersion,
			UptimeSeconds: info.Uptime,
		}
	}

	return c.JSON(h)
}
