package guardian

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/guardian/internal/capture"
	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/detect"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/observability"
)

type memSink struct {
	mu     sync.Mutex
	nextID int64
	saved  []events.Event
}

func (s *memSink) Save(ev *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ev.ID = s.nextID
	s.saved = append(s.saved, *ev)
	return nil
}

type countingDiffer struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDiffer) Diff(previous, current []byte, pixelThreshold float64) (detect.FrameStats, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return detect.FrameStats{}, nil
}

func (d *countingDiffer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type countingExtractor struct {
	mu    sync.Mutex
	calls int
}

func (e *countingExtractor) Extract(window []float64, sampleRate int) (float64, float64) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return 0, 0
}

func (e *countingExtractor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func testRuntimeSettings() *conf.Settings {
	return &conf.Settings{
		Video: conf.VideoSettings{
			Cameras: []conf.CameraSettings{
				{ID: "front", Channel: "video:front", Input: "rtsp://cam-front/stream"},
			},
		},
		Audio: conf.AudioSettings{
			Enabled:    true,
			Channel:    "audio:mic",
			SampleRate: 16000,
		},
	}
}

func newTestDetectorSet(t *testing.T, settings *conf.Settings, deps Deps) (*detectorSet, *memSink) {
	t.Helper()
	sink := &memSink{}
	bus := events.NewBus(sink, nil, observability.NewRegistry(nil))
	set := newDetectorSet(bus, observability.NewRegistry(nil), detect.NewSnapshotter(""), deps)
	set.Rebuild(settings)
	return set, sink
}

func TestHandleFrameRoutesVideoToChannelDetectors(t *testing.T) {
	t.Parallel()

	differ := &countingDiffer{}
	set, _ := newTestDetectorSet(t, testRuntimeSettings(), Deps{Differ: differ})

	ts := time.Now()
	frame := capture.Frame{Kind: capture.KindFFmpeg, Channel: "video:front", Data: []byte{1}, Ts: ts}
	set.HandleFrame(frame)
	assert.Zero(t, differ.count(), "first frame only primes the differ")
	set.HandleFrame(frame)
	assert.Equal(t, 1, differ.count())

	// Frames on unknown channels are dropped, not misrouted.
	set.HandleFrame(capture.Frame{Kind: capture.KindFFmpeg, Channel: "video:unknown", Data: []byte{1}, Ts: ts})
	assert.Equal(t, 1, differ.count())
}

func TestHandleFrameRoutesAudioToAnomalyDetector(t *testing.T) {
	t.Parallel()

	extractor := &countingExtractor{}
	set, _ := newTestDetectorSet(t, testRuntimeSettings(), Deps{AudioExtractor: extractor})

	// 2048 bytes = 1024 int16 samples, one full analysis frame.
	chunk := make([]byte, 2048)
	set.HandleFrame(capture.Frame{Kind: capture.KindAudio, Channel: "audio:mic", Data: chunk, Ts: time.Now()})
	assert.Equal(t, 1, extractor.count())
}

func TestHandleFrameAudioDisabled(t *testing.T) {
	t.Parallel()

	settings := testRuntimeSettings()
	settings.Audio.Enabled = false
	extractor := &countingExtractor{}
	set, _ := newTestDetectorSet(t, settings, Deps{AudioExtractor: extractor})

	set.HandleFrame(capture.Frame{Kind: capture.KindAudio, Channel: "audio:mic", Data: make([]byte, 2048), Ts: time.Now()})
	assert.Zero(t, extractor.count())
}

func TestApplyReloadAddsAndRemovesCameras(t *testing.T) {
	t.Parallel()

	previous := testRuntimeSettings()
	set, _ := newTestDetectorSet(t, previous, Deps{})
	require.Contains(t, set.motions, "video:front")

	next := testRuntimeSettings()
	next.Video.Cameras = []conf.CameraSettings{
		{ID: "back", Channel: "video:back", Input: "rtsp://cam-back/stream"},
	}
	reload := conf.Reload{Previous: previous, Next: next, Diff: conf.Diff(previous, next)}
	require.NoError(t, set.ApplyReload(reload))

	assert.NotContains(t, set.motions, "video:front")
	assert.Contains(t, set.motions, "video:back")
	assert.Contains(t, set.gates, "video:back")
}

func TestApplyReloadChannelRename(t *testing.T) {
	t.Parallel()

	previous := testRuntimeSettings()
	set, _ := newTestDetectorSet(t, previous, Deps{})

	next := testRuntimeSettings()
	next.Video.Cameras[0].Channel = "video:porch"
	reload := conf.Reload{Previous: previous, Next: next, Diff: conf.Diff(previous, next)}
	require.NoError(t, set.ApplyReload(reload))

	assert.NotContains(t, set.motions, "video:front")
	assert.Contains(t, set.motions, "video:porch")
}

func TestApplyReloadDisabledCameraDetaches(t *testing.T) {
	t.Parallel()

	previous := testRuntimeSettings()
	set, _ := newTestDetectorSet(t, previous, Deps{})

	disabled := false
	next := testRuntimeSettings()
	next.Video.Cameras[0].Enabled = &disabled
	reload := conf.Reload{Previous: previous, Next: next, Diff: conf.Diff(previous, next)}
	require.NoError(t, set.ApplyReload(reload))

	assert.Empty(t, set.motions)
	assert.Empty(t, set.gates)
}

func TestApplyReloadAudioChannelChangeRebuilds(t *testing.T) {
	t.Parallel()

	previous := testRuntimeSettings()
	set, _ := newTestDetectorSet(t, previous, Deps{})
	before := set.audio
	require.NotNil(t, before)

	next := testRuntimeSettings()
	next.Audio.Channel = "audio:yard"
	reload := conf.Reload{Previous: previous, Next: next, Diff: conf.Diff(previous, next)}
	require.NoError(t, set.ApplyReload(reload))

	assert.NotSame(t, before, set.audio, "channel change replaces the detector")
	assert.Equal(t, "audio:yard", set.audioChannel)
}

func TestPersonScoreOverrideResolution(t *testing.T) {
	t.Parallel()

	byID := 0.8
	byChannel := 0.4
	settings := testRuntimeSettings()
	settings.Video.Overrides = map[string]conf.Override{
		"front":       {PersonScore: &byID},
		"video:front": {PersonScore: &byChannel},
	}
	camera := &settings.Video.Cameras[0]

	override := personScoreOverride(settings, camera)
	require.NotNil(t, override)
	assert.Equal(t, byID, *override, "camera id takes precedence over channel")

	delete(settings.Video.Overrides, "front")
	override = personScoreOverride(settings, camera)
	require.NotNil(t, override)
	assert.Equal(t, byChannel, *override)

	settings.Video.Overrides = nil
	assert.Nil(t, personScoreOverride(settings, camera))
}
