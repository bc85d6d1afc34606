package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/datastore"
	"github.com/tphakala/guardian/internal/events"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// listSummary aggregates the returned items for the dashboard header.
type listSummary struct {
	Detectors  map[string]int64 `json:"detectors"`
	Severities map[string]int64 `json:"severities"`
	Channels   map[string]int64 `json:"channels"`
	Pose       poseSummary      `json:"pose"`
}

type poseSummary struct {
	Forecasts int64            `json:"forecasts"`
	Threats   map[string]int64 `json:"threats"`
}

type listResponse struct {
	Items   []events.Event `json:"items"`
	Total   int64          `json:"total"`
	Summary listSummary    `json:"summary"`
	Metrics any            `json:"metrics"`
}

// parseFilter extracts the shared event query filter. Invalid values are
// reported as 400 errors.
func parseFilter(ctx echo.Context) (datastore.Filter, error) {
	q := ctx.QueryParams()
	filter := datastore.Filter{
		Source:       ctx.QueryParam("source"),
		Camera:       ctx.QueryParam("camera"),
		Detector:     ctx.QueryParam("detector"),
		Severity:     ctx.QueryParam("severity"),
		Search:       ctx.QueryParam("search"),
		Snapshot:     ctx.QueryParam("snapshot"),
		FaceSnapshot: ctx.QueryParam("faceSnapshot"),
		Limit:        defaultListLimit,
	}

	for _, ch := range q["channel"] {
		if ch != "" {
			filter.Channels = append(filter.Channels, ch)
		}
	}
	if csv := ctx.QueryParam("channels"); csv != "" {
		for _, ch := range strings.Split(csv, ",") {
			if trimmed := strings.TrimSpace(ch); trimmed != "" {
				filter.Channels = append(filter.Channels, trimmed)
			}
		}
	}

	if filter.Snapshot != "" && filter.Snapshot != "with" && filter.Snapshot != "without" {
		return filter, echo.NewHTTPError(http.StatusBadRequest, "snapshot must be 'with' or 'without'")
	}
	if filter.FaceSnapshot != "" && filter.FaceSnapshot != "with" && filter.FaceSnapshot != "without" {
		return filter, echo.NewHTTPError(http.StatusBadRequest, "faceSnapshot must be 'with' or 'without'")
	}

	var err error
	if filter.From, err = parseTimestamp(ctx.QueryParam("from")); err != nil {
		return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid 'from' timestamp")
	}
	if filter.To, err = parseTimestamp(ctx.QueryParam("to")); err != nil {
		return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid 'to' timestamp")
	}

	if raw := ctx.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, echo.NewHTTPError(http.StatusBadRequest, "invalid 'limit'")
		}
		if limit == 0 || limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}
	return filter, nil
}

// parseTimestamp accepts epoch milliseconds or ISO-8601 forms.
func parseTimestamp(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unparseable timestamp %q", raw)
}

// handleListEvents is GET /api/events.
func (c *Controller) handleListEvents(ctx echo.Context) error {
	filter, err := parseFilter(ctx)
	if err != nil {
		return err
	}
	return c.respondEventList(ctx, filter)
}

// handleEventSnapshots is GET /api/events/snapshots: the same query with
// snapshot=with implied.
func (c *Controller) handleEventSnapshots(ctx echo.Context) error {
	filter, err := parseFilter(ctx)
	if err != nil {
		return err
	}
	filter.Snapshot = "with"
	return c.respondEventList(ctx, filter)
}

func (c *Controller) respondEventList(ctx echo.Context, filter datastore.Filter) error {
	items, total, err := c.DS.Search(filter)
	if err != nil {
		c.logger.Error("event search failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "event query failed")
	}

	for i := range items {
		c.decorateEvent(&items[i])
	}

	resp := listResponse{
		Items:   items,
		Total:   total,
		Summary: summarize(items),
	}
	if c.Registry != nil {
		resp.Metrics = c.Registry.Snapshot()
	}
	return ctx.JSON(http.StatusOK, resp)
}

// handleGetEvent is GET /api/events/:id.
func (c *Controller) handleGetEvent(ctx echo.Context) error {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event id")
	}
	ev, err := c.DS.Get(id)
	if err != nil {
		if datastore.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "event not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "event query failed")
	}
	c.decorateEvent(&ev)
	return ctx.JSON(http.StatusOK, ev)
}

// decorateEvent attaches derived URLs and resolved channel forms to an
// event's meta without touching stored fields.
func (c *Controller) decorateEvent(ev *events.Event) {
	if ev.Meta == nil {
		ev.Meta = events.Meta{}
	}
	if ev.Meta.Snapshot() != "" {
		ev.Meta["snapshotUrl"] = fmt.Sprintf("/api/events/%d/snapshot", ev.ID)
		ev.Meta["snapshotDiffUrl"] = fmt.Sprintf("/api/events/%d/snapshot/diff", ev.ID)
	}
	if ev.Meta.FaceSnapshot() != "" {
		ev.Meta["faceSnapshotUrl"] = fmt.Sprintf("/api/events/%d/face-snapshot", ev.ID)
	}

	var resolved []string
	if ch := ev.Meta.Channel(); ch != "" {
		resolved = append(resolved, conf.NormalizeChannel(ch, ""))
	} else if ev.Source != "" {
		resolved = append(resolved, conf.NormalizeChannel(ev.Source, ""))
	}
	ev.Meta[events.MetaResolvedChannels] = resolved
}

func summarize(items []events.Event) listSummary {
	summary := listSummary{
		Detectors:  make(map[string]int64),
		Severities: make(map[string]int64),
		Channels:   make(map[string]int64),
		Pose:       poseSummary{Threats: make(map[string]int64)},
	}
	for i := range items {
		ev := &items[i]
		summary.Detectors[ev.Detector]++
		summary.Severities[ev.Severity]++
		channel := ev.Meta.Channel()
		if channel == "" {
			channel = ev.Source
		}
		if channel != "" {
			summary.Channels[conf.NormalizeChannel(channel, "")]++
		}
		if _, exists := ev.Meta[events.MetaPoseForecast]; exists {
			summary.Pose.Forecasts++
		}
		if threat, ok := ev.Meta[events.MetaPoseThreatSummary].(string); ok && threat != "" {
			summary.Pose.Threats[threat]++
		}
	}
	return summary
}
