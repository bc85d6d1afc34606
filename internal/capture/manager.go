package capture

import (
	"log/slog"
	"maps"
	"reflect"
	"strings"
	"sync"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/errors"
	"github.com/tphakala/guardian/internal/logging"
	"github.com/tphakala/guardian/internal/observability"
)

// Manager owns all capture pipelines, keyed by normalized channel name.
// It applies configuration reloads (camera add/remove/change, live timer
// updates) and rotates the audio input through its fallback devices when
// the audio pipeline trips its circuit breaker.
type Manager struct {
	mu       sync.Mutex
	registry *observability.Registry
	logger   *slog.Logger
	hooks    Hooks

	pipelines map[string]*Pipeline
	cameras   map[string]conf.CameraSettings

	audio        *Pipeline
	audioDevices []string
	audioIndex   int
}

// NewManager builds an empty pipeline manager. hooks are shared by every
// pipeline the manager creates.
func NewManager(registry *observability.Registry, hooks Hooks) *Manager {
	return &Manager{
		registry:  registry,
		logger:    logging.ForService("capture"),
		hooks:     hooks,
		pipelines: make(map[string]*Pipeline),
		cameras:   make(map[string]conf.CameraSettings),
	}
}

func channelKey(channel string) string {
	return strings.ToLower(channel)
}

// StartAll spawns a pipeline per enabled camera plus the audio pipeline
// when audio anomaly detection is configured. Individual start failures
// are logged and joined; the remaining pipelines still start.
func (m *Manager) StartAll(settings *conf.Settings) error {
	var errs []error
	for i := range settings.Video.Cameras {
		camera := settings.Video.Cameras[i]
		if !camera.IsEnabled() {
			continue
		}
		if err := m.StartCamera(settings, &camera); err != nil {
			errs = append(errs, err)
		}
	}
	if settings.Audio.Enabled && len(settings.Audio.Devices()) > 0 {
		if err := m.StartAudio(settings); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartCamera creates and starts the pipeline for one camera, replacing
// any existing pipeline on the same channel.
func (m *Manager) StartCamera(settings *conf.Settings, camera *conf.CameraSettings) error {
	key := channelKey(camera.Channel)

	m.mu.Lock()
	previous := m.pipelines[key]
	delete(m.pipelines, key)
	m.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}

	pipeline := NewPipeline(VideoOptions(settings, camera), m.hooks, m.registry)

	m.mu.Lock()
	m.pipelines[key] = pipeline
	m.cameras[key] = *camera
	m.mu.Unlock()

	m.logger.Info("starting camera pipeline", "camera", camera.ID, "channel", camera.Channel)
	return pipeline.Start()
}

// StartAudio creates and starts the audio pipeline on the first fallback
// device.
func (m *Manager) StartAudio(settings *conf.Settings) error {
	m.mu.Lock()
	previous := m.audio
	m.audio = nil
	m.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}

	devices := settings.Audio.Devices()
	if len(devices) == 0 {
		return errors.Newf("no audio capture devices configured").
			Component("capture").
			Category(errors.CategoryConfiguration).
			Build()
	}

	hooks := m.hooks
	parentFatal := m.hooks.OnFatal
	hooks.OnFatal = func(ev FatalEvent) {
		if parentFatal != nil {
			parentFatal(ev)
		}
		m.advanceAudioDevice(settings)
	}

	pipeline := NewPipeline(AudioOptions(settings, devices[0]), hooks, m.registry)

	m.mu.Lock()
	m.audio = pipeline
	m.audioDevices = devices
	m.audioIndex = 0
	m.mu.Unlock()

	m.logger.Info("starting audio pipeline", "device", devices[0], "channel", settings.Audio.Channel)
	return pipeline.Start()
}

// advanceAudioDevice moves to the next fallback device after the audio
// pipeline gave up on the current one. With no devices left the pipeline
// stays broken until the next reload.
func (m *Manager) advanceAudioDevice(settings *conf.Settings) {
	m.mu.Lock()
	m.audioIndex++
	if m.audioIndex >= len(m.audioDevices) {
		m.mu.Unlock()
		m.logger.Error("audio capture exhausted all fallback devices")
		return
	}
	device := m.audioDevices[m.audioIndex]
	pipeline := m.audio
	m.mu.Unlock()

	m.logger.Warn("audio capture falling back to next device", "device", device)
	if pipeline == nil {
		return
	}
	pipeline.Stop()

	hooks := m.hooks
	parentFatal := m.hooks.OnFatal
	hooks.OnFatal = func(ev FatalEvent) {
		if parentFatal != nil {
			parentFatal(ev)
		}
		m.advanceAudioDevice(settings)
	}
	next := NewPipeline(AudioOptions(settings, device), hooks, m.registry)

	m.mu.Lock()
	m.audio = next
	m.mu.Unlock()

	if err := next.Start(); err != nil {
		m.logger.Error("audio fallback start failed", "device", device, "error", err)
	}
}

// StopChannel stops and removes the pipeline on one channel.
func (m *Manager) StopChannel(channel string) {
	key := channelKey(channel)
	m.mu.Lock()
	pipeline := m.pipelines[key]
	delete(m.pipelines, key)
	delete(m.cameras, key)
	m.mu.Unlock()
	if pipeline == nil {
		return
	}
	pipeline.Stop()
	m.registry.ResetPipelineChannel(KindFFmpeg, pipeline.Options().Channel)
}

// Pipeline returns the pipeline serving a channel, including the audio
// channel.
func (m *Manager) Pipeline(channel string) (*Pipeline, bool) {
	key := channelKey(channel)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, exists := m.pipelines[key]; exists {
		return p, true
	}
	if m.audio != nil && channelKey(m.audio.Options().Channel) == key {
		return m.audio, true
	}
	return nil, false
}

// States snapshots every pipeline's supervision state, keyed by channel.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	pipelines := maps.Clone(m.pipelines)
	audio := m.audio
	m.mu.Unlock()

	states := make(map[string]State, len(pipelines)+1)
	for _, p := range pipelines {
		state := p.State()
		states[state.Channel] = state
	}
	if audio != nil {
		state := audio.State()
		states[state.Channel] = state
	}
	return states
}

// ApplyReload reconciles the pipeline set with a validated configuration
// change: added cameras start, removed cameras stop, changed cameras
// respawn when the input or decoder args changed and live-update
// otherwise. Global decoder timer changes broadcast to every pipeline.
func (m *Manager) ApplyReload(reload conf.Reload) error {
	next := reload.Next
	nextCams := make(map[string]*conf.CameraSettings, len(next.Video.Cameras))
	for i := range next.Video.Cameras {
		nextCams[next.Video.Cameras[i].ID] = &next.Video.Cameras[i]
	}
	prevCams := make(map[string]*conf.CameraSettings, len(reload.Previous.Video.Cameras))
	for i := range reload.Previous.Video.Cameras {
		prevCams[reload.Previous.Video.Cameras[i].ID] = &reload.Previous.Video.Cameras[i]
	}

	var errs []error
	for _, id := range reload.Diff.Cameras.Added {
		camera := nextCams[id]
		if camera == nil || !camera.IsEnabled() {
			continue
		}
		if err := m.StartCamera(next, camera); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range reload.Diff.Cameras.Removed {
		if camera := prevCams[id]; camera != nil {
			m.StopChannel(camera.Channel)
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
			m.StopChannel(previous.Channel)
		case !previous.IsEnabled(), conf.RequiresRespawn(previous, camera):
			m.StopChannel(previous.Channel)
			if err := m.StartCamera(next, camera); err != nil {
				errs = append(errs, err)
			}
		default:
			m.updateLiveOptions(camera.Channel, next)
		}
	}

	if !ffmpegSettingsEqual(&reload.Previous.Video.FFmpeg, &next.Video.FFmpeg) {
		m.broadcastLiveOptions(next)
	}

	if !reflect.DeepEqual(reload.Previous.Audio, next.Audio) {
		if next.Audio.Enabled && len(next.Audio.Devices()) > 0 {
			if err := m.StartAudio(next); err != nil {
				errs = append(errs, err)
			}
		} else {
			m.StopAudio()
		}
	}
	return errors.Join(errs...)
}

// StopAudio stops the audio pipeline if one is running.
func (m *Manager) StopAudio() {
	m.mu.Lock()
	audio := m.audio
	m.audio = nil
	m.mu.Unlock()
	if audio != nil {
		audio.Stop()
	}
}

func ffmpegSettingsEqual(previous, next *conf.FFmpegSettings) bool {
	return previous.StartTimeoutMs == next.StartTimeoutMs &&
		previous.WatchdogTimeoutMs == next.WatchdogTimeoutMs &&
		previous.IdleTimeoutMs == next.IdleTimeoutMs &&
		previous.RestartDelayMs == next.RestartDelayMs &&
		previous.RestartMaxDelayMs == next.RestartMaxDelayMs &&
		previous.RestartJitterFactor == next.RestartJitterFactor &&
		equalStrings(previous.RTSPTransportSequence, next.RTSPTransportSequence)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func liveOptions(settings *conf.Settings) UpdateOptions {
	ff := settings.Video.FFmpeg
	return UpdateOptions{
		StartTimeoutMs:        &ff.StartTimeoutMs,
		WatchdogTimeoutMs:     &ff.WatchdogTimeoutMs,
		IdleTimeoutMs:         &ff.IdleTimeoutMs,
		RestartDelayMs:        &ff.RestartDelayMs,
		RestartMaxDelayMs:     &ff.RestartMaxDelayMs,
		RestartJitterFactor:   &ff.RestartJitterFactor,
		RTSPTransportSequence: ff.RTSPTransportSequence,
	}
}

func (m *Manager) updateLiveOptions(channel string, settings *conf.Settings) {
	if pipeline, exists := m.Pipeline(channel); exists {
		pipeline.UpdateOptions(liveOptions(settings))
	}
}

func (m *Manager) broadcastLiveOptions(settings *conf.Settings) {
	m.mu.Lock()
	pipelines := maps.Clone(m.pipelines)
	audio := m.audio
	m.mu.Unlock()

	update := liveOptions(settings)
	for _, pipeline := range pipelines {
		pipeline.UpdateOptions(update)
	}
	if audio != nil {
		audio.UpdateOptions(update)
	}
}

// Shutdown stops every pipeline concurrently and waits for all
// subprocesses to be reaped.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	pipelines := maps.Clone(m.pipelines)
	audio := m.audio
	m.pipelines = make(map[string]*Pipeline)
	m.cameras = make(map[string]conf.CameraSettings)
	m.audio = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, pipeline := range pipelines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pipeline.Stop()
		}()
	}
	if audio != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			audio.Stop()
		}()
	}
	wg.Wait()
	m.logger.Info("all capture pipelines stopped")
}
