package guardian

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/tphakala/guardian/internal/capture"
	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/detect"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/logging"
	"github.com/tphakala/guardian/internal/observability"
)

// gateEntry pairs a person gate with its bus subscription and the camera
// it serves, so reloads can recompute the per-camera score override.
type gateEntry struct {
	gate        *detect.PersonGate
	camera      string
	unsubscribe func()
}

// detectorSet routes decoded frames to the per-channel detectors: one
// motion detector and person gate per camera channel, plus a single audio
// anomaly detector on the audio channel. It is rebuilt incrementally on
// configuration reloads.
type detectorSet struct {
	mu        sync.Mutex
	bus       *events.Bus
	registry  *observability.Registry
	snapshots *detect.Snapshotter
	differ    detect.Differ
	person    detect.PersonDetector
	extractor detect.FeatureExtractor
	logger    *slog.Logger

	motions map[string]*detect.Motion
	gates   map[string]*gateEntry

	audio        *detect.AudioAnomaly
	audioChannel string
}

func newDetectorSet(bus *events.Bus, registry *observability.Registry, snapshots *detect.Snapshotter, deps Deps) *detectorSet {
	return &detectorSet{
		bus:       bus,
		registry:  registry,
		snapshots: snapshots,
		differ:    deps.Differ,
		person:    deps.PersonDetector,
		extractor: deps.AudioExtractor,
		logger:    logging.ForService("guardian"),
		motions:   make(map[string]*detect.Motion),
		gates:     make(map[string]*gateEntry),
	}
}

func channelKey(channel string) string {
	return strings.ToLower(channel)
}

// personScoreOverride resolves the per-camera score override, trying the
// camera id first and the channel second.
func personScoreOverride(settings *conf.Settings, camera *conf.CameraSettings) *float64 {
	if override, exists := settings.Video.Overrides[camera.ID]; exists && override.PersonScore != nil {
		return override.PersonScore
	}
	if override, exists := settings.Video.Overrides[camera.Channel]; exists && override.PersonScore != nil {
		return override.PersonScore
	}
	return nil
}

// Rebuild replaces the whole detector set from a settings snapshot; used
// at startup before any pipeline produces frames.
func (d *detectorSet) Rebuild(settings *conf.Settings) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key := range d.gates {
		d.removeChannelLocked(key)
	}
	d.motions = make(map[string]*detect.Motion)

	for i := range settings.Video.Cameras {
		camera := settings.Video.Cameras[i]
		if !camera.IsEnabled() {
			continue
		}
		d.addCameraLocked(settings, &camera)
	}
	d.configureAudioLocked(settings)
}

func (d *detectorSet) addCameraLocked(settings *conf.Settings, camera *conf.CameraSettings) {
	key := channelKey(camera.Channel)

	motion := detect.NewMotion(detect.MotionOptions{
		Channel:  camera.Channel,
		Camera:   camera.ID,
		Settings: settings.Motion,
	}, d.differ, d.bus, d.snapshots, d.registry)

	gate := detect.NewPersonGate(detect.PersonGateOptions{
		Channel:       camera.Channel,
		Camera:        camera.ID,
		Settings:      settings.Person,
		ScoreOverride: personScoreOverride(settings, camera),
	}, d.person, d.bus, d.snapshots, d.registry)

	entry := &gateEntry{gate: gate, camera: camera.ID}
	if d.bus != nil {
		entry.unsubscribe = d.bus.Subscribe(gate)
	}

	d.motions[key] = motion
	d.gates[key] = entry
	d.logger.Debug("detectors attached", "camera", camera.ID, "channel", camera.Channel)
}

func (d *detectorSet) removeChannelLocked(key string) {
	if entry := d.gates[key]; entry != nil && entry.unsubscribe != nil {
		entry.unsubscribe()
	}
	delete(d.gates, key)
	delete(d.motions, key)
}

func (d *detectorSet) configureAudioLocked(settings *conf.Settings) {
	if !settings.Audio.Enabled {
		d.audio = nil
		d.audioChannel = ""
		return
	}
	d.audio = detect.NewAudioAnomaly(detect.AudioAnomalyOptions{
		Channel:    settings.Audio.Channel,
		SampleRate: settings.Audio.SampleRate,
		Settings:   settings.Audio.Anomaly,
	}, d.extractor, d.bus, d.registry)
	d.audioChannel = channelKey(settings.Audio.Channel)
}

// HandleFrame dispatches one decoded frame to the detectors serving its
// channel. Invoked from the capture pipelines' frame hooks.
func (d *detectorSet) HandleFrame(frame capture.Frame) {
	key := channelKey(frame.Channel)

	d.mu.Lock()
	audio := d.audio
	audioKey := d.audioChannel
	motion := d.motions[key]
	var gate *detect.PersonGate
	if entry := d.gates[key]; entry != nil {
		gate = entry.gate
	}
	d.mu.Unlock()

	if frame.Kind == capture.KindAudio || (audioKey != "" && key == audioKey) {
		if audio != nil {
			audio.ProcessPCM(frame.Data, frame.Ts)
		}
		return
	}
	if motion != nil {
		motion.HandleFrame(frame.Data, frame.Ts)
	}
	if gate != nil {
		gate.HandleFrame(frame.Data, frame.Ts)
	}
}

// ApplyReload reconciles the detector set with a validated configuration
// change. Detector tunables are always re-applied; idempotent.
func (d *detectorSet) ApplyReload(reload conf.Reload) error {
	next := reload.Next

	nextCams := make(map[string]*conf.CameraSettings, len(next.Video.Cameras))
	for i := range next.Video.Cameras {
		nextCams[next.Video.Cameras[i].ID] = &next.Video.Cameras[i]
	}
	prevCams := make(map[string]*conf.CameraSettings, len(reload.Previous.Video.Cameras))
	for i := range reload.Previous.Video.Cameras {
		prevCams[reload.Previous.Video.Cameras[i].ID] = &reload.Previous.Video.Cameras[i]
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range reload.Diff.Cameras.Added {
		if camera := nextCams[id]; camera != nil && camera.IsEnabled() {
			d.addCameraLocked(next, camera)
		}
	}
	for _, id := range reload.Diff.Cameras.Removed {
		if camera := prevCams[id]; camera != nil {
			d.removeChannelLocked(channelKey(camera.Channel))
		}
	}
	for _, id := range reload.Diff.Cameras.Changed {
		camera := nextCams[id]
		previous := prevCams[id]
		if camera == nil || previous == nil {
			continue
		}
		switch {
		case !camera.IsEnabled():
			d.removeChannelLocked(channelKey(previous.Channel))
		case !previous.IsEnabled(), channelKey(previous.Channel) != channelKey(camera.Channel):
			d.removeChannelLocked(channelKey(previous.Channel))
			d.addCameraLocked(next, camera)
		}
	}

	for _, motion := range d.motions {
		motion.UpdateOptions(next.Motion)
	}
	for _, entry := range d.gates {
		camera := nextCams[entry.camera]
		if camera == nil {
			continue
		}
		entry.gate.UpdateOptions(next.Person, personScoreOverride(next, camera))
	}

	audioChanged := reload.Previous.Audio.Enabled != next.Audio.Enabled ||
		channelKey(reload.Previous.Audio.Channel) != channelKey(next.Audio.Channel) ||
		reload.Previous.Audio.SampleRate != next.Audio.SampleRate
	if audioChanged {
		d.configureAudioLocked(next)
	} else if d.audio != nil {
		d.audio.UpdateOptions(next.Audio.Anomaly)
	}
	return nil
}
