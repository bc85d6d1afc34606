package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/observability"
)

type memorySink struct {
	mu     sync.Mutex
	nextID int64
	saved  []Event
	err    error
}

func (s *memorySink) Save(ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.nextID++
	ev.ID = s.nextID
	s.saved = append(s.saved, *ev)
	return nil
}

type capturingSubscriber struct {
	mu       sync.Mutex
	events   []Event
	warnings []Warning
}

func (c *capturingSubscriber) OnEvent(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *capturingSubscriber) OnWarning(w Warning) {
	c.mu.Lock()
	c.warnings = append(c.warnings, w)
	c.mu.Unlock()
}

func TestPublishPersistsBeforeFanOut(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	bus := NewBus(sink, nil, observability.NewRegistry(nil))
	sub := &capturingSubscriber{}
	bus.Subscribe(sub)

	accepted := bus.Publish(Event{Source: "video:front", Detector: DetectorMotion,
		Severity: SeverityWarning, Message: "Motion detected"})
	require.True(t, accepted)

	require.Len(t, sink.saved, 1)
	require.Len(t, sub.events, 1)
	assert.Equal(t, int64(1), sub.events[0].ID, "subscribers see the store-assigned id")
	assert.NotZero(t, sub.events[0].Ts, "missing timestamps are stamped at publish")
}

func TestPublishPreservesBackdatedTimestamp(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	bus := NewBus(sink, nil, observability.NewRegistry(nil))

	// Any nonzero ts, however old, passes through untouched; only the
	// zero "unset" sentinel is stamped.
	require.True(t, bus.Publish(Event{Detector: DetectorMotion, Ts: 1}))
	require.Len(t, sink.saved, 1)
	assert.Equal(t, int64(1), sink.saved[0].Ts)
}

func TestPublishSuppressedNotPersisted(t *testing.T) {
	t.Parallel()

	rules := []conf.SuppressionRule{{
		ID:            "motion-window",
		Matcher:       conf.SuppressionMatcher{Detector: DetectorMotion},
		SuppressForMs: 60_000,
	}}
	sink := &memorySink{}
	registry := observability.NewRegistry(nil)
	bus := NewBus(sink, rules, registry)
	sub := &capturingSubscriber{}
	bus.Subscribe(sub)

	ev := Event{Source: "video:front", Detector: DetectorMotion, Severity: SeverityWarning}
	require.True(t, bus.Publish(ev))
	require.False(t, bus.Publish(ev))

	assert.Len(t, sink.saved, 1)
	assert.Len(t, sub.events, 1)

	snap := registry.Snapshot()
	assert.Equal(t, int64(1), snap.Detectors[DetectorMotion].Counters["suppressed:motion-window"])
}

func TestPublishPersistFailureReturnsFalse(t *testing.T) {
	t.Parallel()

	sink := &memorySink{err: assert.AnError}
	bus := NewBus(sink, nil, observability.NewRegistry(nil))
	sub := &capturingSubscriber{}
	bus.Subscribe(sub)

	assert.False(t, bus.Publish(Event{Detector: DetectorMotion}))
	assert.Empty(t, sub.events, "unpersisted events never fan out")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := NewBus(&memorySink{}, nil, observability.NewRegistry(nil))
	sub := &capturingSubscriber{}
	unsubscribe := bus.Subscribe(sub)

	require.True(t, bus.Publish(Event{Detector: DetectorMotion}))
	unsubscribe()
	require.True(t, bus.Publish(Event{Detector: DetectorMotion}))

	assert.Len(t, sub.events, 1)
}

func TestPublishWarningFansOutWithoutPersisting(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	bus := NewBus(sink, nil, observability.NewRegistry(nil))
	sub := &capturingSubscriber{}
	bus.Subscribe(sub)

	bus.PublishWarning(Warning{Type: "retention",
		Retention: map[string]any{"path": "vacuum", "reason": "vacuum-failed"}})

	require.Len(t, sub.warnings, 1)
	assert.Empty(t, sink.saved)
	assert.NotZero(t, sub.warnings[0].At)
}

func TestConfigureSuppressionResetsWindows(t *testing.T) {
	t.Parallel()

	rules := []conf.SuppressionRule{{
		ID:            "motion-window",
		Matcher:       conf.SuppressionMatcher{Detector: DetectorMotion},
		SuppressForMs: 60_000,
	}}
	bus := NewBus(&memorySink{}, rules, observability.NewRegistry(nil))

	ev := Event{Detector: DetectorMotion, Severity: SeverityWarning}
	require.True(t, bus.Publish(ev))
	require.False(t, bus.Publish(ev))

	bus.ConfigureSuppression(rules)
	assert.True(t, bus.Publish(ev))
}

func TestNormalizeMetaCoercesMovementFlags(t *testing.T) {
	t.Parallel()

	ev := Event{Meta: Meta{
		MetaPoseForecast: map[string]any{"movementFlags": []any{1, 0, true, float64(1)}},
	}}
	ev.NormalizeMeta()

	forecast := ev.Meta[MetaPoseForecast].(map[string]any)
	assert.Equal(t, []any{true, false, true, true}, forecast["movementFlags"])
}

func TestSeverityRank(t *testing.T) {
	t.Parallel()

	assert.Greater(t, severityRank(SeverityCritical), severityRank(SeverityWarning))
	assert.Greater(t, severityRank(SeverityWarning), severityRank(SeverityInfo))
	assert.Equal(t, severityRank("unknown"), severityRank(SeverityInfo))
}
