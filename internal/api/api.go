// Package api implements the Guardian HTTP/SSE gateway: the event query
// surface, snapshot serving with allow-list enforcement, the SSE live
// stream, face registry delegation, metrics endpoints and static assets.
package api

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	gocache "github.com/patrickmn/go-cache"

	"github.com/tphakala/guardian/internal/capture"
	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/datastore"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/logging"
	"github.com/tphakala/guardian/internal/observability"
)

// statCacheTTL bounds how long a snapshot stat/ETag pair is reused before
// the file is stat'ed again.
const statCacheTTL = 5 * time.Second

// PipelineStates exposes the capture supervision state for /api/channels;
// satisfied by *capture.Manager.
type PipelineStates interface {
	States() map[string]capture.State
}

// MetricsHandler serves the Prometheus exposition route; satisfied by
// *observability.Observability.
type MetricsHandler interface {
	Handler() http.Handler
}

// Controller manages the API routes and handlers.
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	DS       datastore.Interface
	Bus      *events.Bus
	Registry *observability.Registry
	Faces    FaceRegistry

	settingsMu sync.RWMutex
	settings   *conf.Settings

	pipelines PipelineStates
	promExpo  MetricsHandler

	// Canonicalized snapshot allow-list roots. Every snapshot request is
	// re-validated against these; stored paths are never trusted.
	snapshotRoots []string

	statCache *gocache.Cache
	sse       *sseManager
	logger    *slog.Logger
	startTime time.Time
	now       func() time.Time
}

// New creates the API controller and registers all routes on e.
func New(e *echo.Echo, ds datastore.Interface, bus *events.Bus, registry *observability.Registry,
	pipelines PipelineStates, promExpo MetricsHandler, faces FaceRegistry, settings *conf.Settings) *Controller {
	c := &Controller{
		Echo:      e,
		DS:        ds,
		Bus:       bus,
		Registry:  registry,
		Faces:     faces,
		settings:  settings,
		pipelines: pipelines,
		promExpo:  promExpo,
		statCache: gocache.New(statCacheTTL, time.Minute),
		logger:    logging.ForService("api"),
		startTime: time.Now(),
		now:       time.Now,
	}
	c.snapshotRoots = canonicalRoots(settings)
	c.sse = newSSEManager(c)

	if bus != nil {
		bus.Subscribe(c.sse)
	}
	if registry != nil {
		go c.sse.watchMetrics(registry.Subscribe())
	}

	c.initRoutes()
	return c
}

// Settings returns the active configuration snapshot.
func (c *Controller) Settings() *conf.Settings {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.settings
}

// UpdateSettings swaps the configuration after a hot reload and
// recomputes the snapshot allow-list.
func (c *Controller) UpdateSettings(settings *conf.Settings) {
	roots := canonicalRoots(settings)
	c.settingsMu.Lock()
	c.settings = settings
	c.snapshotRoots = roots
	c.settingsMu.Unlock()
}

// Shutdown disconnects all SSE clients.
func (c *Controller) Shutdown() {
	c.sse.closeAll()
}

func (c *Controller) initRoutes() {
	g := c.Echo.Group("/api")
	c.Group = g

	g.GET("/events", c.handleListEvents)
	g.GET("/events/snapshots", c.handleEventSnapshots)
	g.GET("/events/stream", c.handleStream)
	g.GET("/events/:id", c.handleGetEvent)
	g.GET("/events/:id/snapshot", c.handleSnapshot)
	g.GET("/events/:id/face-snapshot", c.handleFaceSnapshot)
	g.GET("/events/:id/snapshot/diff", c.handleSnapshotDiff)

	g.GET("/metrics/pipelines", c.handleMetricsDigest)
	g.GET("/health", c.handleHealth)
	g.GET("/channels", c.handleChannels)

	g.GET("/faces", c.handleListFaces)
	g.POST("/faces/identify", c.handleIdentifyFace)
	g.POST("/faces/enroll", c.handleEnrollFace)
	g.DELETE("/faces/:id", c.handleDeleteFace)

	if c.promExpo != nil {
		c.Echo.GET("/metrics", echo.WrapHandler(c.promExpo.Handler()))
	}

	settings := c.Settings()
	if settings != nil && settings.HTTP.StaticDir != "" {
		c.registerStatic(settings.HTTP.StaticDir)
	}
}

// canonicalRoots resolves every allow-listed snapshot directory to an
// absolute path once, at configuration time.
func canonicalRoots(settings *conf.Settings) []string {
	if settings == nil {
		return nil
	}
	seen := make(map[string]bool)
	var roots []string
	add := func(dir string) {
		if dir == "" {
			return
		}
		abs, err := filepath.Abs(filepath.Clean(dir))
		if err != nil || seen[abs] {
			return
		}
		seen[abs] = true
		roots = append(roots, abs)
	}
	for _, dir := range settings.Video.SnapshotDirs {
		add(dir)
	}
	for _, dir := range settings.Events.Retention.SnapshotDirs {
		add(dir)
	}
	return roots
}

func (c *Controller) roots() []string {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.snapshotRoots
}

// pathAuthorized reports whether the canonical form of path lies under at
// least one allow-listed root.
func (c *Controller) pathAuthorized(path string) (string, bool) {
	resolved, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", false
	}
	for _, root := range c.roots() {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return resolved, true
		}
	}
	return resolved, false
}

// NewEcho builds the echo instance with the gateway's middleware stack.
func NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(slogRequestLogger())
	return e
}

// slogRequestLogger logs one line per request through the structured
// logger, skipping the SSE stream to avoid a line per long-lived
// connection close.
func slogRequestLogger() echo.MiddlewareFunc {
	logger := logging.ForService("http")
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(ctx echo.Context, v middleware.RequestLoggerValues) error {
			if strings.HasPrefix(v.URI, "/api/events/stream") {
				return nil
			}
			logger.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency)
			return nil
		},
	})
}
