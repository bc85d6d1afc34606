package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/guardian/internal/capture"
)

// handleMetricsDigest is GET /api/metrics/pipelines: the full digest as
// JSON.
func (c *Controller) handleMetricsDigest(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.Registry.Snapshot())
}

// handleHealth is GET /api/health.
func (c *Controller) handleHealth(ctx echo.Context) error {
	states := map[string]capture.State{}
	if c.pipelines != nil {
		states = c.pipelines.States()
	}

	status := "ok"
	summary := make(map[string]capture.Status, len(states))
	for channel, state := range states {
		summary[channel] = state.Status
		if state.Status == capture.StatusBroken {
			status = "degraded"
		}
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"status":    status,
		"uptimeSec": int64(time.Since(c.startTime).Seconds()),
		"pipelines": summary,
	})
}

// handleChannels is GET /api/channels: full supervision state per channel
// including transport and the recent stderr tail.
func (c *Controller) handleChannels(ctx echo.Context) error {
	states := map[string]capture.State{}
	if c.pipelines != nil {
		states = c.pipelines.States()
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"channels": states,
		"count":    len(states),
	})
}
