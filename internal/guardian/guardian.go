// Package guardian wires the runtime together: configuration, event
// store, bus, capture pipelines, detectors, retention, and the HTTP
// gateway, with hot reload fan-out and graceful shutdown.
package guardian

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/tphakala/guardian/internal/api"
	"github.com/tphakala/guardian/internal/capture"
	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/datastore"
	"github.com/tphakala/guardian/internal/detect"
	"github.com/tphakala/guardian/internal/errors"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/logging"
	"github.com/tphakala/guardian/internal/observability"
	"github.com/tphakala/guardian/internal/retention"
)

// shutdownTimeout bounds the graceful drain of the HTTP listener.
const shutdownTimeout = 15 * time.Second

// Deps carries the pluggable detector collaborators. Nil fields fall back
// to the package defaults (PNG differ, FFT extractor); a nil
// PersonDetector leaves the person gate armed but idle.
type Deps struct {
	PersonDetector detect.PersonDetector
	Differ         detect.Differ
	AudioExtractor detect.FeatureExtractor
}

// Runtime owns every long-lived subsystem of a serving guardian process.
type Runtime struct {
	mgr       *conf.Manager
	obs       *observability.Observability
	store     *datastore.DataStore
	bus       *events.Bus
	capture   *capture.Manager
	detectors *detectorSet
	retention *retention.Engine
	api       *api.Controller
	server    *api.Server
	logger    *slog.Logger
}

// New builds the runtime from the manager's current configuration. A
// database open failure aborts construction; everything else degrades.
func New(mgr *conf.Manager, deps Deps) (*Runtime, error) {
	settings := mgr.Current()

	obs, err := observability.New()
	if err != nil {
		return nil, err
	}
	logging.SetLevelObserver(obs.Registry.IncrementLogLevel)

	store := datastore.New(settings.Database.Path)
	if err := store.Open(); err != nil {
		return nil, errors.New(err).
			Component("guardian").
			Category(errors.CategoryDatabase).
			Context("path", settings.Database.Path).
			Build()
	}

	bus := events.NewBus(store, settings.Events.Suppression.Rules, obs.Registry)

	snapshotRoot := ""
	if len(settings.Video.SnapshotDirs) > 0 {
		snapshotRoot = settings.Video.SnapshotDirs[0]
	}

	rt := &Runtime{
		mgr:    mgr,
		obs:    obs,
		store:  store,
		bus:    bus,
		logger: logging.ForService("guardian"),
	}

	rt.detectors = newDetectorSet(bus, obs.Registry, detect.NewSnapshotter(snapshotRoot), deps)
	rt.detectors.Rebuild(settings)
	if deps.PersonDetector == nil && settings.Person.Enabled {
		rt.logger.Warn("person detection enabled but no model is wired, person gate stays idle")
	}

	rt.capture = capture.NewManager(obs.Registry, capture.Hooks{
		OnFrame:           rt.detectors.HandleFrame,
		OnRecover:         rt.onRecover,
		OnFatal:           rt.onFatal,
		OnTransportChange: rt.onTransportChange,
	})

	rt.retention = retention.NewEngine(settings.Events.Retention, store, obs.Registry, bus)

	controller := api.New(api.NewEcho(), store, bus, obs.Registry,
		rt.capture, obs, api.NewMemoryFaceRegistry(), settings)
	rt.api = controller
	rt.server = api.NewServer(controller)
	return rt, nil
}

// Run starts every subsystem and blocks until ctx is cancelled or the
// HTTP listener fails, then shuts down gracefully.
func (rt *Runtime) Run(ctx context.Context) error {
	settings := rt.mgr.Current()

	rt.mgr.Subscribe(rt.capture.ApplyReload)
	rt.mgr.Subscribe(rt.detectors.ApplyReload)
	rt.mgr.Subscribe(rt.applySuppressionReload)
	rt.mgr.Subscribe(rt.retentionReload(ctx))
	rt.mgr.Subscribe(rt.applyGatewayReload)
	if err := rt.mgr.Watch(ctx); err != nil {
		rt.logger.Warn("config watch unavailable, hot reload disabled", "error", err)
	}

	if err := rt.capture.StartAll(settings); err != nil {
		rt.logger.Error("some capture pipelines failed to start", "error", err)
	}
	rt.retention.Start(ctx)

	addr := listenAddr(settings.HTTP.Port)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- rt.server.Start(addr)
	}()
	rt.logger.Info("guardian started", "addr", addr, "cameras", len(settings.Video.Cameras))

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			rt.shutdown()
			return err
		}
	}
	return rt.shutdown()
}

// shutdown stops subsystems in dependency order: no new retention work,
// no new frames, drain HTTP, then close the store.
func (rt *Runtime) shutdown() error {
	rt.logger.Info("guardian shutting down")

	rt.retention.Stop()
	rt.capture.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := rt.server.Shutdown(ctx)

	if closeErr := rt.store.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	rt.logger.Info("guardian stopped")
	return err
}

func listenAddr(port string) string {
	if port == "" {
		port = "8080"
	}
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func (rt *Runtime) applySuppressionReload(reload conf.Reload) error {
	if reflect.DeepEqual(reload.Previous.Events.Suppression, reload.Next.Events.Suppression) {
		return nil
	}
	rt.bus.ConfigureSuppression(reload.Next.Events.Suppression.Rules)
	return nil
}

// retentionReload binds the reload subscriber to the run context so a
// re-enabled engine schedules against the process lifetime.
func (rt *Runtime) retentionReload(ctx context.Context) conf.ReloadSubscriber {
	return func(reload conf.Reload) error {
		if reflect.DeepEqual(reload.Previous.Events.Retention, reload.Next.Events.Retention) {
			return nil
		}
		rt.retention.UpdateOptions(ctx, reload.Next.Events.Retention)
		return nil
	}
}

func (rt *Runtime) applyGatewayReload(reload conf.Reload) error {
	rt.api.UpdateSettings(reload.Next)
	return nil
}

func (rt *Runtime) onRecover(ev capture.RecoverEvent) {
	rt.logger.Warn("pipeline recovering",
		"kind", ev.Kind,
		"channel", ev.Channel,
		"reason", string(ev.Reason),
		"attempt", ev.Attempt,
		"delayMs", ev.DelayMs,
		"transport", ev.Transport)
}

func (rt *Runtime) onFatal(ev capture.FatalEvent) {
	rt.logger.Error("pipeline circuit breaker tripped",
		"kind", ev.Kind,
		"channel", ev.Channel,
		"attempts", ev.Attempts,
		"lastFailure", string(ev.LastFailure))
}

// onTransportChange surfaces transport rotations to SSE subscribers as a
// warning frame; the pipeline already recorded the metric.
func (rt *Runtime) onTransportChange(ev capture.TransportChangeEvent) {
	rt.bus.PublishWarning(events.Warning{
		Type: "transport-fallback",
		Transport: map[string]any{
			"channel": ev.Channel,
			"from":    ev.From,
			"to":      ev.To,
			"reason":  ev.Reason,
			"reset":   ev.Reset,
		},
	})
}
