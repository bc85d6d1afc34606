package detect

import (
	"encoding/binary"
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

const (
	defaultFrameSize = 1024
	defaultHopSize   = 512
)

// AudioAnomalyOptions binds the anomaly detector to the audio channel.
type AudioAnomalyOptions struct {
	Channel    string
	SampleRate int
	Settings   conf.AudioAnomalySettings
}

// AudioAnomaly detects acoustic anomalies on the PCM stream: Hann-windowed
// hops produce RMS and spectral centroid features, compared against EMA
// baselines with day/night blended thresholds. Sustained excursions past
// minTriggerDurationMs fire an event, rate-limited by minIntervalMs.
type AudioAnomaly struct {
	mu         sync.Mutex
	channel    string
	sampleRate int
	cfg        conf.AudioAnomalySettings

	extractor FeatureExtractor
	publisher Publisher
	metrics   *observability.Registry
	logger    *slog.Logger
	now       clock

	samples []float64
	taper   []float64

	primed       bool
	baseRMS      float64
	baseCentroid float64
	rmsDurMs     float64
	centDurMs    float64
	lastEventMs  int64
}

// NewAudioAnomaly builds the detector. A nil extractor defaults to the
// FFT-based SpectralExtractor.
func NewAudioAnomaly(opts AudioAnomalyOptions, extractor FeatureExtractor, publisher Publisher, registry *observability.Registry) *AudioAnomaly {
	if extractor == nil {
		extractor = SpectralExtractor{}
	}
	if registry == nil {
		registry = observability.NewRegistry(nil)
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &AudioAnomaly{
		channel:    opts.Channel,
		sampleRate: rate,
		cfg:        opts.Settings,
		extractor:  extractor,
		publisher:  publisher,
		metrics:    registry,
		logger:     logging.ForService("detect").With("detector", events.DetectorAudioAnomaly, "channel", opts.Channel),
		now:        time.Now,
	}
}

// SetClock overrides the detector clock; test helper.
func (a *AudioAnomaly) SetClock(now clock) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

func (a *AudioAnomaly) frameSize() int {
	if a.cfg.FrameSize > 0 {
		return a.cfg.FrameSize
	}
	return defaultFrameSize
}

func (a *AudioAnomaly) hopSize() int {
	if a.cfg.HopSize > 0 {
		return a.cfg.HopSize
	}
	if a.cfg.FrameSize > 0 {
		return max(1, a.cfg.FrameSize/2)
	}
	return defaultHopSize
}

// UpdateOptions swaps the tunables. Window geometry changes truncate the
// sample FIFO to the new frame size and reset the trigger accumulators;
// baselines survive.
func (a *AudioAnomaly) UpdateOptions(settings conf.AudioAnomalySettings) {
	a.mu.Lock()
	geometryChanged := settings.FrameSize != a.cfg.FrameSize || settings.HopSize != a.cfg.HopSize
	a.cfg = settings
	if geometryChanged {
		if size := a.frameSize(); len(a.samples) > size {
			a.samples = a.samples[len(a.samples)-size:]
		}
		a.taper = nil
		a.rmsDurMs = 0
		a.centDurMs = 0
	}
	a.mu.Unlock()
}

// ProcessPCM consumes one chunk of little-endian int16 mono PCM.
func (a *AudioAnomaly) ProcessPCM(chunk []byte, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i+1 < len(chunk); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(chunk[i:]))
		a.samples = append(a.samples, float64(sample)/32768)
	}

	size := a.frameSize()
	hop := a.hopSize()
	if len(a.taper) != size {
		a.taper = hanning(size)
	}

	for len(a.samples) >= size {
		windowed := make([]float64, size)
		for i := 0; i < size; i++ {
			windowed[i] = a.samples[i] * a.taper[i]
		}
		a.samples = a.samples[hop:]

		started := time.Now()
		rms, centroid := a.extractor.Extract(windowed, a.sampleRate)
		a.metrics.ObserveDetectorLatency(events.DetectorAudioAnomaly, float64(time.Since(started).Microseconds())/1000)

		a.processHopLocked(rms, centroid, hop, ts)
	}
}

func (a *AudioAnomaly) processHopLocked(rms, centroid float64, hop int, ts time.Time) {
	if !a.primed {
		a.primed = true
		a.baseRMS = rms
		a.baseCentroid = centroid
		return
	}

	profile := effectiveThresholds(ts, &a.cfg)
	hopMs := float64(hop) * 1000 / float64(a.sampleRate)

	rmsTriggered := rms-a.baseRMS >= profile.Thresholds.RMS
	centTriggered := math.Abs(centroid-a.baseCentroid) >= profile.Thresholds.CentroidJump

	if rmsTriggered {
		a.rmsDurMs += hopMs
	} else {
		a.rmsDurMs = math.Max(0, a.rmsDurMs-hopMs)
	}
	if centTriggered {
		a.centDurMs += hopMs
	} else {
		a.centDurMs = math.Max(0, a.centDurMs-hopMs)
	}

	// Baselines only learn from quiet hops so an ongoing anomaly cannot
	// absorb itself into the baseline.
	alpha := a.cfg.BaselineSmoothing
	if alpha <= 0 || alpha > 1 {
		alpha = 0.05
	}
	if !rmsTriggered {
		a.baseRMS += alpha * (rms - a.baseRMS)
	}
	if !centTriggered {
		a.baseCentroid += alpha * (centroid - a.baseCentroid)
	}

	minTrigger := float64(a.cfg.MinTriggerDurationMs)
	if a.rmsDurMs < minTrigger && a.centDurMs < minTrigger {
		return
	}

	tsMs := ts.UnixMilli()
	if a.cfg.MinIntervalMs > 0 && a.lastEventMs != 0 && tsMs-a.lastEventMs < a.cfg.MinIntervalMs {
		a.metrics.IncrementDetectorCounter(events.DetectorAudioAnomaly, "intervalSuppressed", 1)
		return
	}
	a.lastEventMs = tsMs

	trigger := "rms"
	if a.centDurMs >= minTrigger && a.centDurMs > a.rmsDurMs {
		trigger = "centroid"
	}
	ev := events.Event{
		Ts:       tsMs,
		Source:   a.channel,
		Detector: events.DetectorAudioAnomaly,
		Severity: events.SeverityWarning,
		Message:  fmt.Sprintf("Audio anomaly detected (%s)", trigger),
		Meta: events.Meta{
			events.MetaChannel: a.channel,
			events.MetaThresholds: map[string]any{
				"rms":          profile.Thresholds.RMS,
				"centroidJump": profile.Thresholds.CentroidJump,
				"profile":      profile.Profile,
				"dayWeight":    profile.DayWeight,
				"nightWeight":  profile.NightWeight,
			},
			"rms":                rms,
			"centroid":           centroid,
			"trigger":            trigger,
			"rmsDurationMs":      a.rmsDurMs,
			"centroidDurationMs": a.centDurMs,
		},
	}
	a.rmsDurMs = 0
	a.centDurMs = 0

	// Fan-out happens on the capture worker; the bus serializes itself.
	a.publisher.Publish(ev)
}
