package detect

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/observability"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *stubPublisher) Publish(ev events.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *stubPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

// scriptedDiffer replays a fixed sequence of frame stats.
type scriptedDiffer struct {
	stats []FrameStats
	calls int
}

func (d *scriptedDiffer) Diff(_, _ []byte, _ float64) (FrameStats, error) {
	if d.calls >= len(d.stats) {
		return FrameStats{}, nil
	}
	s := d.stats[d.calls]
	d.calls++
	return s, nil
}

func motionSettings() conf.MotionSettings {
	return conf.MotionSettings{
		DiffThreshold:  5,
		AreaThreshold:  0.1,
		MinIntervalMs:  1000,
		DebounceFrames: 2,
		BackoffFrames:  2,
		NoiseSmoothing: 0.05,
	}
}

func TestMotionDebounceAndCooldown(t *testing.T) {
	t.Parallel()

	differ := &scriptedDiffer{stats: []FrameStats{
		{MeanDiff: 1, ExceedFraction: 0},    // primes baselines
		{MeanDiff: 20, ExceedFraction: 0.5}, // candidate 1 of 2
		{MeanDiff: 20, ExceedFraction: 0.5}, // candidate 2 -> fires
		{MeanDiff: 20, ExceedFraction: 0.5}, // cooldown
		{MeanDiff: 20, ExceedFraction: 0.5}, // cooldown
		{MeanDiff: 20, ExceedFraction: 0.5}, // candidate 1 of 2
		{MeanDiff: 20, ExceedFraction: 0.5}, // candidate 2 -> min interval blocks
	}}
	pub := &stubPublisher{}
	m := NewMotion(MotionOptions{Channel: "video:front", Camera: "front", Settings: motionSettings()},
		differ, pub, NewSnapshotter(t.TempDir()), observability.NewRegistry(nil))

	base := time.UnixMilli(1_000_000)
	for i := 0; i < 8; i++ {
		m.HandleFrame([]byte{byte(i)}, base.Add(time.Duration(i)*100*time.Millisecond))
	}

	got := pub.published()
	require.Len(t, got, 1, "debounce fires once; cooldown and min interval block the rest")
	ev := got[0]
	assert.Equal(t, events.DetectorMotion, ev.Detector)
	assert.Equal(t, "video:front", ev.Source)
	assert.Equal(t, events.SeverityWarning, ev.Severity)
	assert.Equal(t, "video:front", ev.Meta.Channel())
	assert.Equal(t, "front", ev.Meta.Camera())
}

func TestMotionMinIntervalAllowsLaterEvent(t *testing.T) {
	t.Parallel()

	stats := []FrameStats{{MeanDiff: 1, ExceedFraction: 0}}
	for i := 0; i < 20; i++ {
		stats = append(stats, FrameStats{MeanDiff: 20, ExceedFraction: 0.5})
	}
	settings := motionSettings()
	settings.BackoffFrames = 0
	pub := &stubPublisher{}
	m := NewMotion(MotionOptions{Channel: "video:front", Camera: "front", Settings: settings},
		&scriptedDiffer{stats: stats}, pub, nil, observability.NewRegistry(nil))

	base := time.UnixMilli(0)
	for i := 0; i < 21; i++ {
		// 300 ms per frame: events may only fire every 1000 ms.
		m.HandleFrame([]byte{byte(i)}, base.Add(time.Duration(i)*300*time.Millisecond))
	}

	got := pub.published()
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].Ts-got[i-1].Ts, int64(1000))
	}
}

func TestMotionSnapshotWritten(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	differ := &scriptedDiffer{stats: []FrameStats{
		{MeanDiff: 1, ExceedFraction: 0},
		{MeanDiff: 20, ExceedFraction: 0.5},
		{MeanDiff: 20, ExceedFraction: 0.5},
	}}
	pub := &stubPublisher{}
	m := NewMotion(MotionOptions{Channel: "video:door", Camera: "door", Settings: motionSettings()},
		differ, pub, NewSnapshotter(dir), observability.NewRegistry(nil))

	ts := time.Date(2026, 8, 24, 13, 45, 12, 0, time.UTC)
	for i := 0; i < 4; i++ {
		m.HandleFrame([]byte("frame-bytes"), ts)
	}

	got := pub.published()
	require.Len(t, got, 1)
	path := got[0].Meta.Snapshot()
	require.NotEmpty(t, path)
	assert.Contains(t, path, "door/2026/08/24/134512-")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame-bytes"), data)
	assert.NotEmpty(t, got[0].Meta[events.MetaSnapshotHash])
}

func TestMotionBaselineSuppressesStaticNoise(t *testing.T) {
	t.Parallel()

	// A noisy but static scene: constant mean diff equal to the
	// threshold floor. With a baseline multiplier the filtered signal
	// never exceeds multiplier*noise, so nothing fires.
	stats := []FrameStats{}
	for i := 0; i < 30; i++ {
		stats = append(stats, FrameStats{MeanDiff: 6, ExceedFraction: 0.5})
	}
	settings := motionSettings()
	settings.BaselineMultiplier = 2
	pub := &stubPublisher{}
	m := NewMotion(MotionOptions{Channel: "video:yard", Camera: "yard", Settings: settings},
		&scriptedDiffer{stats: stats}, pub, nil, observability.NewRegistry(nil))

	base := time.UnixMilli(0)
	for i := 0; i < 31; i++ {
		m.HandleFrame([]byte{byte(i)}, base.Add(time.Duration(i)*100*time.Millisecond))
	}
	assert.Empty(t, pub.published())
}

func TestMotionUpdateOptions(t *testing.T) {
	t.Parallel()

	differ := &scriptedDiffer{stats: []FrameStats{
		{MeanDiff: 1, ExceedFraction: 0},
		{MeanDiff: 20, ExceedFraction: 0.5},
		{MeanDiff: 20, ExceedFraction: 0.5},
		{MeanDiff: 20, ExceedFraction: 0.5},
	}}
	settings := motionSettings()
	settings.DebounceFrames = 3
	pub := &stubPublisher{}
	m := NewMotion(MotionOptions{Channel: "video:front", Camera: "front", Settings: settings},
		differ, pub, nil, observability.NewRegistry(nil))

	base := time.UnixMilli(0)
	m.HandleFrame([]byte{0}, base)
	m.HandleFrame([]byte{1}, base.Add(100*time.Millisecond))

	// Raising the diff threshold mid-stream stops further candidates.
	settings.DiffThreshold = 100
	m.UpdateOptions(settings)
	m.HandleFrame([]byte{2}, base.Add(200*time.Millisecond))
	m.HandleFrame([]byte{3}, base.Add(300*time.Millisecond))

	assert.Empty(t, pub.published())
}
