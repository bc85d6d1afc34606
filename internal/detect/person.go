package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/logging"
	"github.com/tphakala/guardian/internal/observability"
)

// personDetectTimeout caps one model invocation.
const personDetectTimeout = 5 * time.Second

// PersonGateOptions binds a person gate to one camera channel.
type PersonGateOptions struct {
	Channel       string
	Camera        string
	Settings      conf.PersonSettings
	ScoreOverride *float64
}

// PersonGate runs the person model only in a short window after motion:
// arming on a motion event for checkEveryNFrames frames, spending at most
// maxDetections model calls, and disarming on the first hit.
type PersonGate struct {
	mu            sync.Mutex
	channel       string
	camera        string
	cfg           conf.PersonSettings
	scoreOverride *float64

	detector  PersonDetector
	publisher Publisher
	snapshots *Snapshotter
	metrics   *observability.Registry
	logger    *slog.Logger

	framesLeft int
	callsLeft  int
}

// NewPersonGate builds a disarmed gate around the given model.
func NewPersonGate(opts PersonGateOptions, detector PersonDetector, publisher Publisher, snapshots *Snapshotter, registry *observability.Registry) *PersonGate {
	if registry == nil {
		registry = observability.NewRegistry(nil)
	}
	return &PersonGate{
		channel:       opts.Channel,
		camera:        opts.Camera,
		cfg:           opts.Settings,
		scoreOverride: opts.ScoreOverride,
		detector:      detector,
		publisher:     publisher,
		snapshots:     snapshots,
		metrics:       registry,
		logger:        logging.ForService("detect").With("detector", events.DetectorPerson, "channel", opts.Channel),
	}
}

// UpdateOptions swaps the tunables and the per-camera score override.
func (g *PersonGate) UpdateOptions(settings conf.PersonSettings, scoreOverride *float64) {
	g.mu.Lock()
	g.cfg = settings
	g.scoreOverride = scoreOverride
	g.mu.Unlock()
}

// OnEvent arms the gate when a motion event fires on its channel.
// Implements events.Subscriber.
func (g *PersonGate) OnEvent(ev events.Event) {
	if ev.Detector != events.DetectorMotion {
		return
	}
	if !conf.ChannelsEqual(ev.Source, g.channel) {
		return
	}
	g.mu.Lock()
	if g.cfg.Enabled {
		g.framesLeft = max(1, g.cfg.CheckEveryNFrames)
		g.callsLeft = max(1, g.cfg.MaxDetections)
	}
	g.mu.Unlock()
}

// OnWarning implements events.Subscriber.
func (g *PersonGate) OnWarning(events.Warning) {}

// Armed reports whether the gate will examine the next frame.
func (g *PersonGate) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.framesLeft > 0 && g.callsLeft > 0
}

func (g *PersonGate) threshold() float64 {
	if g.scoreOverride != nil {
		return *g.scoreOverride
	}
	return g.cfg.Score
}

// HandleFrame invokes the person model while the gate is armed.
func (g *PersonGate) HandleFrame(frame []byte, ts time.Time) {
	g.mu.Lock()
	if !g.cfg.Enabled || g.framesLeft <= 0 || g.callsLeft <= 0 || g.detector == nil {
		g.mu.Unlock()
		return
	}
	g.framesLeft--
	g.callsLeft--
	threshold := g.threshold()
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), personDetectTimeout)
	defer cancel()

	started := time.Now()
	detections, err := g.detector.DetectPersons(ctx, frame)
	g.metrics.ObserveDetectorLatency(events.DetectorPerson, float64(time.Since(started).Microseconds())/1000)
	if err != nil {
		g.metrics.IncrementDetectorCounter(events.DetectorPerson, "errors", 1)
		g.logger.Warn("person detection failed", "error", err)
		return
	}

	best := PersonDetection{Score: -1}
	for _, det := range detections {
		if det.Score > best.Score {
			best = det
		}
	}
	if best.Score < threshold {
		g.metrics.IncrementDetectorCounter(events.DetectorPerson, "belowThreshold", 1)
		return
	}

	// A hit spends the rest of the window.
	g.mu.Lock()
	g.framesLeft = 0
	g.callsLeft = 0
	g.mu.Unlock()

	meta := events.Meta{
		events.MetaChannel: g.channel,
		events.MetaCamera:  g.camera,
		"score":            best.Score,
		"threshold":        threshold,
	}
	if best.Label != "" {
		meta["label"] = best.Label
	}
	if path, hash, err := g.snapshots.Write(g.camera, frame, ts); err != nil {
		g.logger.Warn("snapshot write failed", "error", err)
	} else if path != "" {
		meta[events.MetaSnapshot] = path
		meta[events.MetaSnapshotHash] = hash
		meta[events.MetaSnapshotTs] = ts.UnixMilli()
	}

	g.publisher.Publish(events.Event{
		Ts:       ts.UnixMilli(),
		Source:   g.channel,
		Detector: events.DetectorPerson,
		Severity: events.SeverityCritical,
		Message:  fmt.Sprintf("Person detected on %s", g.camera),
		Meta:     meta,
	})
}
