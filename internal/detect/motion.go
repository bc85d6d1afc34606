package detect

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/logging"
	"github.com/tphakala/guardian/internal/observability"
)

// filteredAlpha low-pass filters the raw mean diff before thresholding so
// single-frame compression artifacts do not trigger.
const filteredAlpha = 0.5

// MotionOptions binds a motion detector to one camera channel.
type MotionOptions struct {
	Channel  string
	Camera   string
	Settings conf.MotionSettings
}

// Motion is the per-channel motion detector: an adaptively thresholded
// frame differ behind a debounce/cooldown trigger state machine.
type Motion struct {
	mu      sync.Mutex
	channel string
	camera  string
	cfg     conf.MotionSettings

	differ    Differ
	publisher Publisher
	snapshots *Snapshotter
	metrics   *observability.Registry
	logger    *slog.Logger
	now       clock

	prev        []byte
	primed      bool
	filtered    float64
	noise       float64
	area        float64
	consecutive int
	cooldown    int
	lastEventMs int64
}

// NewMotion builds a motion detector. A nil differ defaults to the PNG
// grayscale differ.
func NewMotion(opts MotionOptions, differ Differ, publisher Publisher, snapshots *Snapshotter, registry *observability.Registry) *Motion {
	if differ == nil {
		differ = PNGDiffer{}
	}
	if registry == nil {
		registry = observability.NewRegistry(nil)
	}
	return &Motion{
		channel:   opts.Channel,
		camera:    opts.Camera,
		cfg:       opts.Settings,
		differ:    differ,
		publisher: publisher,
		snapshots: snapshots,
		metrics:   registry,
		logger:    logging.ForService("detect").With("detector", events.DetectorMotion, "channel", opts.Channel),
		now:       time.Now,
	}
}

// SetClock overrides the detector clock; test helper.
func (m *Motion) SetClock(now clock) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// UpdateOptions swaps the tunables without touching the adaptive
// baselines.
func (m *Motion) UpdateOptions(settings conf.MotionSettings) {
	m.mu.Lock()
	m.cfg = settings
	m.mu.Unlock()
}

// HandleFrame consumes one decoded frame. At most one event fires per
// minIntervalMs; a firing enters a backoffFrames cooldown.
func (m *Motion) HandleFrame(frame []byte, ts time.Time) {
	m.mu.Lock()

	if m.prev == nil {
		m.prev = frame
		m.mu.Unlock()
		return
	}

	pixelThreshold := m.cfg.DiffThreshold + m.noise
	started := time.Now()
	stats, err := m.differ.Diff(m.prev, frame, pixelThreshold)
	m.prev = frame
	if err != nil {
		m.mu.Unlock()
		m.metrics.IncrementDetectorCounter(events.DetectorMotion, "diffErrors", 1)
		m.logger.Debug("frame diff failed", "error", err)
		return
	}
	m.metrics.ObserveDetectorLatency(events.DetectorMotion, float64(time.Since(started).Microseconds())/1000)

	if !m.primed {
		m.primed = true
		m.filtered = stats.MeanDiff
		m.noise = stats.MeanDiff
		m.area = stats.ExceedFraction
	} else {
		m.filtered += filteredAlpha * (stats.MeanDiff - m.filtered)
	}

	candidate := m.isCandidateLocked(stats)

	// Baselines track the scene continuously; smoothing keeps a firing
	// burst from inflating them much.
	alpha := m.cfg.NoiseSmoothing
	if alpha <= 0 || alpha > 1 {
		alpha = 0.05
	}
	m.noise += alpha * (stats.MeanDiff - m.noise)
	m.area += alpha * (stats.ExceedFraction - m.area)

	if m.cooldown > 0 {
		m.cooldown--
		m.consecutive = 0
		m.mu.Unlock()
		return
	}

	if !candidate {
		m.consecutive = 0
		m.mu.Unlock()
		return
	}
	m.consecutive++
	if m.consecutive < m.effectiveDebounceFramesLocked() {
		m.mu.Unlock()
		return
	}

	m.consecutive = 0
	m.cooldown = m.cfg.BackoffFrames

	tsMs := ts.UnixMilli()
	if m.cfg.MinIntervalMs > 0 && m.lastEventMs != 0 && tsMs-m.lastEventMs < m.cfg.MinIntervalMs {
		m.mu.Unlock()
		m.metrics.IncrementDetectorCounter(events.DetectorMotion, "intervalSuppressed", 1)
		return
	}
	m.lastEventMs = tsMs

	ev := m.buildEventLocked(frame, stats, ts)
	m.mu.Unlock()

	m.publisher.Publish(ev)
}

func (m *Motion) isCandidateLocked(stats FrameStats) bool {
	if stats.MeanDiff < m.cfg.DiffThreshold {
		return false
	}
	if m.cfg.BaselineMultiplier > 0 && m.filtered < m.cfg.BaselineMultiplier*m.noise {
		return false
	}
	areaFloor := m.cfg.AreaThreshold
	if m.cfg.AdaptiveAreaThreshold > 0 {
		areaFloor = math.Max(areaFloor, m.cfg.AdaptiveAreaThreshold*m.area)
	}
	return stats.ExceedFraction >= areaFloor
}

func (m *Motion) effectiveDebounceFramesLocked() int {
	if m.cfg.DebounceFrames < 1 {
		return 1
	}
	return m.cfg.DebounceFrames
}

func (m *Motion) buildEventLocked(frame []byte, stats FrameStats, ts time.Time) events.Event {
	meta := events.Meta{
		events.MetaChannel: m.channel,
		events.MetaCamera:  m.camera,
		"meanDiff":         stats.MeanDiff,
		"areaFraction":     stats.ExceedFraction,
	}
	if path, hash, err := m.snapshots.Write(m.camera, frame, ts); err != nil {
		m.logger.Warn("snapshot write failed", "error", err)
	} else if path != "" {
		meta[events.MetaSnapshot] = path
		meta[events.MetaSnapshotHash] = hash
		meta[events.MetaSnapshotTs] = ts.UnixMilli()
	}
	return events.Event{
		Ts:       ts.UnixMilli(),
		Source:   m.channel,
		Detector: events.DetectorMotion,
		Severity: events.SeverityWarning,
		Message:  fmt.Sprintf("Motion detected on %s", m.camera),
		Meta:     meta,
	}
}
