package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/guardian/internal/events"
)

func seedEvent(t *testing.T, store *fakeEventStore, ev events.Event) events.Event {
	t.Helper()
	require.NoError(t, store.Save(&ev))
	return ev
}

func decodeList(t *testing.T, body []byte) listResponse {
	t.Helper()
	var resp listResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestListEventsNewestFirstWithDecoration(t *testing.T) {
	t.Parallel()

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Ts: 1000, Source: "video:front", Detector: "motion", Severity: "warning",
		Meta: events.Meta{"channel": "video:front", "snapshot": "/var/snap/a.png"}})
	seedEvent(t, store, events.Event{Ts: 2000, Source: "video:front", Detector: "person", Severity: "critical"})
	c := newTestController(t, store, nil)

	rec := perform(c, http.MethodGet, "/api/events")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeList(t, rec.Body.Bytes())
	require.Len(t, resp.Items, 2)
	assert.Equal(t, int64(2), resp.Total)
	assert.Equal(t, int64(2), resp.Items[0].ID, "newest first")

	first := resp.Items[1]
	assert.Equal(t, "/api/events/1/snapshot", first.Meta["snapshotUrl"])
	assert.Equal(t, "/api/events/1/snapshot/diff", first.Meta["snapshotDiffUrl"])
	assert.Equal(t, []any{"video:front"}, first.Meta["resolvedChannels"])

	second := resp.Items[0]
	_, hasURL := second.Meta["snapshotUrl"]
	assert.False(t, hasURL, "no snapshot, no derived url")
}

func TestListEventsRejectsBadParams(t *testing.T) {
	t.Parallel()
	c := newTestController(t, &fakeEventStore{}, nil)

	for _, target := range []string{
		"/api/events?limit=abc",
		"/api/events?from=not-a-time",
		"/api/events?to=yesterdayish",
		"/api/events?snapshot=maybe",
		"/api/events?faceSnapshot=perhaps",
	} {
		rec := perform(c, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestListEventsChannelFilters(t *testing.T) {
	t.Parallel()

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Source: "video:front", Detector: "motion", Meta: events.Meta{"channel": "video:front"}})
	seedEvent(t, store, events.Event{Source: "video:back", Detector: "motion", Meta: events.Meta{"channel": "video:back"}})
	seedEvent(t, store, events.Event{Source: "audio:mic", Detector: "audio-anomaly", Meta: events.Meta{"channel": "audio:mic"}})
	c := newTestController(t, store, nil)

	rec := perform(c, http.MethodGet, "/api/events?channel=video:front")
	resp := decodeList(t, rec.Body.Bytes())
	require.Len(t, resp.Items, 1)

	// Repeated channel params and the CSV form combine.
	rec = perform(c, http.MethodGet, "/api/events?channel=video:front&channels=video:back,audio:mic")
	resp = decodeList(t, rec.Body.Bytes())
	assert.Len(t, resp.Items, 3)
}

func TestListEventsTimeRange(t *testing.T) {
	t.Parallel()

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Ts: 1_000, Detector: "motion"})
	seedEvent(t, store, events.Event{Ts: 5_000, Detector: "motion"})
	seedEvent(t, store, events.Event{Ts: 9_000, Detector: "motion"})
	c := newTestController(t, store, nil)

	rec := perform(c, http.MethodGet, "/api/events?from=2000&to=8000")
	resp := decodeList(t, rec.Body.Bytes())
	require.Len(t, resp.Items, 1)
	assert.Equal(t, int64(5000), resp.Items[0].Ts)

	// ISO-8601 forms parse too.
	rec = perform(c, http.MethodGet, "/api/events?from=1970-01-01T00:00:02Z")
	resp = decodeList(t, rec.Body.Bytes())
	assert.Len(t, resp.Items, 2)
}

func TestEventSnapshotsImpliesWith(t *testing.T) {
	t.Parallel()

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Detector: "motion", Meta: events.Meta{"snapshot": "/var/snap/a.png"}})
	seedEvent(t, store, events.Event{Detector: "motion"})
	c := newTestController(t, store, nil)

	rec := perform(c, http.MethodGet, "/api/events/snapshots")
	resp := decodeList(t, rec.Body.Bytes())
	require.Len(t, resp.Items, 1)
	assert.Equal(t, int64(1), resp.Items[0].ID)
}

func TestGetEvent(t *testing.T) {
	t.Parallel()

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Detector: "motion", Meta: events.Meta{"channel": "video:front"}})
	c := newTestController(t, store, nil)

	rec := perform(c, http.MethodGet, "/api/events/1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = perform(c, http.MethodGet, "/api/events/999")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = perform(c, http.MethodGet, "/api/events/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSummaryAggregates(t *testing.T) {
	t.Parallel()

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Detector: "motion", Severity: "warning", Meta: events.Meta{"channel": "video:front"}})
	seedEvent(t, store, events.Event{Detector: "motion", Severity: "warning", Meta: events.Meta{"channel": "video:front"}})
	seedEvent(t, store, events.Event{Detector: "person", Severity: "critical", Meta: events.Meta{
		"channel":           "video:front",
		"poseForecast":      map[string]any{"movementFlags": []any{true}},
		"poseThreatSummary": "approach",
	}})
	c := newTestController(t, store, nil)

	rec := perform(c, http.MethodGet, "/api/events")
	resp := decodeList(t, rec.Body.Bytes())

	assert.Equal(t, int64(2), resp.Summary.Detectors["motion"])
	assert.Equal(t, int64(1), resp.Summary.Detectors["person"])
	assert.Equal(t, int64(1), resp.Summary.Severities["critical"])
	assert.Equal(t, int64(3), resp.Summary.Channels["video:front"])
	assert.Equal(t, int64(1), resp.Summary.Pose.Forecasts)
	assert.Equal(t, int64(1), resp.Summary.Pose.Threats["approach"])
}
