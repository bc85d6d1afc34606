package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/guardian/internal/events"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(i % 251)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestSnapshotTraversalForbidden(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Detector: "motion", Meta: events.Meta{"snapshot": "../etc/passwd"}})
	c := newTestController(t, store, testSettings(root))

	rec := perform(c, http.MethodGet, "/api/events/1/snapshot")
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "not authorized")
}

func TestSnapshotServedWithConditionalHeaders(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "front", "2026", "08", "24", "120000-abcd.png")
	writePNG(t, path, 4, 4)

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Detector: "motion", Meta: events.Meta{"snapshot": path}})
	c := newTestController(t, store, testSettings(root))

	rec := perform(c, http.MethodGet, "/api/events/1/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=60", rec.Header().Get("Cache-Control"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	lastModified := rec.Header().Get("Last-Modified")
	require.NotEmpty(t, lastModified)

	req := httptest.NewRequest(http.MethodGet, "/api/events/1/snapshot", http.NoBody)
	req.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	c.Echo.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusNotModified, rec2.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/events/1/snapshot", http.NoBody)
	req.Header.Set("If-Modified-Since", lastModified)
	rec3 := httptest.NewRecorder()
	c.Echo.ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusNotModified, rec3.Code)
}

func TestSnapshotMissingFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Detector: "motion",
		Meta: events.Meta{"snapshot": filepath.Join(root, "gone.png")}})
	c := newTestController(t, store, testSettings(root))

	rec := perform(c, http.MethodGet, "/api/events/1/snapshot")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshotEventWithoutSnapshot(t *testing.T) {
	t.Parallel()

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Detector: "motion"})
	c := newTestController(t, store, nil)

	rec := perform(c, http.MethodGet, "/api/events/1/snapshot")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFaceSnapshotServed(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "front", "face.png")
	writePNG(t, path, 2, 2)

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Detector: "person", Meta: events.Meta{"faceSnapshot": path}})
	c := newTestController(t, store, testSettings(root))

	rec := perform(c, http.MethodGet, "/api/events/1/face-snapshot")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSnapshotDiffDimensionMismatch(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	baseline := filepath.Join(root, "front", "a.png")
	current := filepath.Join(root, "front", "b.png")
	writePNG(t, baseline, 2, 2)
	writePNG(t, current, 3, 3)

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Ts: 1000, Detector: "motion",
		Meta: events.Meta{"camera": "front", "snapshot": baseline}})
	seedEvent(t, store, events.Event{Ts: 2000, Detector: "motion",
		Meta: events.Meta{"camera": "front", "snapshot": current}})
	c := newTestController(t, store, testSettings(root))

	rec := perform(c, http.MethodGet, "/api/events/2/snapshot/diff")
	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Snapshot dimensions do not match", body["error"])
}

func TestSnapshotDiffRendersPNG(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	baseline := filepath.Join(root, "front", "a.png")
	current := filepath.Join(root, "front", "b.png")
	writePNG(t, baseline, 4, 4)
	writePNG(t, current, 4, 4)

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Ts: 1000, Detector: "motion",
		Meta: events.Meta{"camera": "front", "snapshot": baseline}})
	seedEvent(t, store, events.Event{Ts: 2000, Detector: "motion",
		Meta: events.Meta{"camera": "front", "snapshot": current}})
	c := newTestController(t, store, testSettings(root))

	rec := perform(c, http.MethodGet, "/api/events/2/snapshot/diff")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())
}

func TestSnapshotDiffWithoutBaseline(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	current := filepath.Join(root, "front", "only.png")
	writePNG(t, current, 2, 2)

	store := &fakeEventStore{}
	seedEvent(t, store, events.Event{Ts: 1000, Detector: "motion",
		Meta: events.Meta{"camera": "front", "snapshot": current}})
	c := newTestController(t, store, testSettings(root))

	rec := perform(c, http.MethodGet, "/api/events/1/snapshot/diff")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
