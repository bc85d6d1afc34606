package api

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/datastore"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/observability"
)

const (
	heartbeatInterval = 15 * time.Second
	retryHintInterval = 60 * time.Second

	defaultRetryMs = 5000
	minRetryMs     = 1000
	maxRetryMs     = 60000

	defaultSnapshotPrefill = 10
	maxSnapshotPrefill     = 100

	clientFrameBuffer = 64
)

// sseFrame is one wire frame: event name, JSON payload, optional id.
type sseFrame struct {
	event string
	data  []byte
	id    string
}

func (f sseFrame) size() int64 {
	return int64(len(f.event) + len(f.data) + len(f.id) + 24)
}

// sseClient is one connected stream subscriber. Frames are queued on a
// buffered channel; the connection handler drains it. A client that
// exceeds its backlog budget or fills the queue is dropped.
type sseClient struct {
	id         string
	frames     chan sseFrame
	done       chan struct{}
	closeOnce  sync.Once
	filter     datastore.Filter
	metricsOff bool
	scopes     map[string]bool // nil means full digest
	pending    atomic.Int64
	maxBacklog int64
	wantFaces  bool
	facesQuery string
}

func (cl *sseClient) close() {
	cl.closeOnce.Do(func() { close(cl.done) })
}

// enqueue queues a frame for delivery; returns false when the client was
// dropped instead.
func (cl *sseClient) enqueue(f sseFrame) bool {
	if cl.maxBacklog > 0 && cl.pending.Add(f.size()) > cl.maxBacklog {
		cl.close()
		return false
	}
	select {
	case <-cl.done:
		return false
	case cl.frames <- f:
		return true
	default:
		cl.close()
		return false
	}
}

// sseManager tracks connected clients and bridges the event bus and the
// metrics registry into their frame queues.
type sseManager struct {
	mu         sync.Mutex
	clients    map[string]*sseClient
	controller *Controller
}

func newSSEManager(c *Controller) *sseManager {
	return &sseManager{clients: make(map[string]*sseClient), controller: c}
}

// ClientCount reports the number of connected clients.
func (m *sseManager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *sseManager) add(cl *sseClient) {
	m.mu.Lock()
	m.clients[cl.id] = cl
	m.mu.Unlock()
}

func (m *sseManager) remove(cl *sseClient) {
	cl.close()
	m.mu.Lock()
	delete(m.clients, cl.id)
	m.mu.Unlock()
}

func (m *sseManager) snapshot() []*sseClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sseClient, 0, len(m.clients))
	for _, cl := range m.clients {
		out = append(out, cl)
	}
	return out
}

func (m *sseManager) closeAll() {
	for _, cl := range m.snapshot() {
		cl.close()
	}
}

// OnEvent implements events.Subscriber: fan one accepted event out to
// every matching client.
func (m *sseManager) OnEvent(ev events.Event) {
	clients := m.snapshot()
	if len(clients) == 0 {
		return
	}
	for _, cl := range clients {
		if !matchFilter(&cl.filter, &ev) {
			continue
		}
		frame, err := m.messageFrame(ev)
		if err != nil {
			continue
		}
		cl.enqueue(frame)
		if cl.wantFaces && ev.Meta.FaceSnapshot() != "" {
			if faces, err := m.facesFrame(cl); err == nil {
				cl.enqueue(faces)
			}
		}
	}
}

// OnWarning implements events.Subscriber: warnings go to every client.
func (m *sseManager) OnWarning(w events.Warning) {
	data, err := json.Marshal(w)
	if err != nil {
		return
	}
	for _, cl := range m.snapshot() {
		cl.enqueue(sseFrame{event: "warning", data: data})
	}
}

// watchMetrics pushes a narrowed digest frame to interested clients
// whenever the registry reports a change.
func (m *sseManager) watchMetrics(changes <-chan struct{}) {
	for range changes {
		snap := m.controller.Registry.Snapshot()
		for _, cl := range m.snapshot() {
			if cl.metricsOff {
				continue
			}
			if frame, err := metricsFrame(snap, cl.scopes); err == nil {
				cl.enqueue(frame)
			}
		}
	}
}

// messageFrame serializes one event with gateway decoration applied to a
// copy of its meta.
func (m *sseManager) messageFrame(ev events.Event) (sseFrame, error) {
	if ev.Meta != nil {
		ev.Meta = maps.Clone(ev.Meta)
	}
	m.controller.decorateEvent(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return sseFrame{}, err
	}
	return sseFrame{event: "message", data: data, id: strconv.FormatInt(ev.ID, 10)}, nil
}

func (m *sseManager) facesFrame(cl *sseClient) (sseFrame, error) {
	threshold := defaultFaceThreshold
	faces, err := m.controller.Faces.List("", cl.facesQuery, threshold)
	if err != nil {
		return sseFrame{}, err
	}
	data, err := json.Marshal(map[string]any{
		"faces":     faces,
		"count":     len(faces),
		"query":     cl.facesQuery,
		"threshold": threshold,
	})
	if err != nil {
		return sseFrame{}, err
	}
	return sseFrame{event: "faces", data: data}, nil
}

func metricsFrame(snap observability.Snapshot, scopes map[string]bool) (sseFrame, error) {
	data, err := json.Marshal(narrowDigest(snap, scopes))
	if err != nil {
		return sseFrame{}, err
	}
	return sseFrame{event: "metrics", data: data}, nil
}

// narrowDigest projects the digest onto the requested scopes; a nil scope
// set means the full digest.
func narrowDigest(snap observability.Snapshot, scopes map[string]bool) any {
	if scopes == nil {
		return snap
	}
	out := make(map[string]any)
	pipelines := make(map[string]*observability.PipelineDigest)
	if scopes["pipelines"] {
		pipelines["ffmpeg"] = snap.Pipelines["ffmpeg"]
	}
	if scopes["audio"] {
		pipelines["audio"] = snap.Pipelines["audio"]
	}
	if len(pipelines) > 0 {
		out["pipelines"] = pipelines
	}
	if scopes["events"] {
		out["detectors"] = snap.Detectors
		out["latencies"] = snap.Latencies
		out["logs"] = snap.Logs
	}
	if scopes["retention"] {
		out["retention"] = snap.Retention
	}
	return out
}

// parseMetricsScopes interprets the metrics query parameter. Returns
// (off, scopes); nil scopes with off=false means everything.
func parseMetricsScopes(raw string) (bool, map[string]bool) {
	if raw == "" || raw == "all" {
		return false, nil
	}
	scopes := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "none":
			return true, nil
		case "all":
			return false, nil
		case "events", "pipelines", "audio", "retention":
			scopes[strings.TrimSpace(strings.ToLower(part))] = true
		}
	}
	if len(scopes) == 0 {
		return false, nil
	}
	return false, scopes
}

// parseRetryMs resolves the reconnect hint: retryMs in milliseconds wins,
// otherwise retry in seconds; both clamp into [1000, 60000].
func parseRetryMs(ctx echo.Context) int {
	if raw := ctx.QueryParam("retryMs"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil {
			return clampInt(ms, minRetryMs, maxRetryMs)
		}
	}
	if raw := ctx.QueryParam("retry"); raw != "" {
		if sec, err := strconv.Atoi(raw); err == nil {
			return clampInt(sec, 1, 60) * 1000
		}
	}
	return defaultRetryMs
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// handleStream is GET /api/events/stream.
func (c *Controller) handleStream(ctx echo.Context) error {
	filter, err := parseFilter(ctx)
	if err != nil {
		return err
	}
	filter.Limit = 0

	retryMs := parseRetryMs(ctx)
	metricsOff, scopes := parseMetricsScopes(ctx.QueryParam("metrics"))

	resumeID := int64(-1)
	if raw := ctx.QueryParam("lastEventId"); raw != "" && ctx.QueryParam("backlog") == "1" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid lastEventId")
		}
		resumeID = parsed
	}

	maxBacklog := int64(0)
	if settings := c.Settings(); settings != nil {
		maxBacklog = int64(settings.HTTP.SSEMaxBacklogBytes)
	}

	cl := &sseClient{
		id:         uuid.NewString(),
		frames:     make(chan sseFrame, clientFrameBuffer),
		done:       make(chan struct{}),
		filter:     filter,
		metricsOff: metricsOff,
		scopes:     scopes,
		maxBacklog: maxBacklog,
		wantFaces:  ctx.QueryParam("faces") == "1" || ctx.QueryParam("q") != "",
		facesQuery: ctx.QueryParam("q"),
	}

	resp := ctx.Response()
	h := resp.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	write := func(f sseFrame) error {
		if f.event != "" {
			if _, err := fmt.Fprintf(resp, "event: %s\n", f.event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(resp, "data: %s\n", f.data); err != nil {
			return err
		}
		if f.id != "" {
			if _, err := fmt.Fprintf(resp, "id: %s\n", f.id); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprint(resp, "\n"); err != nil {
			return err
		}
		resp.Flush()
		return nil
	}

	if _, err := fmt.Fprintf(resp, "retry: %d\n\n", retryMs); err != nil {
		return nil
	}
	status, _ := json.Marshal(map[string]any{"status": "connected", "retryMs": retryMs})
	if err := write(sseFrame{event: "stream-status", data: status}); err != nil {
		return nil
	}

	if !metricsOff && c.Registry != nil {
		if frame, err := metricsFrame(c.Registry.Snapshot(), scopes); err == nil {
			if err := write(frame); err != nil {
				return nil
			}
		}
	}
	if cl.wantFaces && c.Faces != nil {
		if frame, err := c.sse.facesFrame(cl); err == nil {
			if err := write(frame); err != nil {
				return nil
			}
		}
	}

	// Join the fan-out set before querying history so an event published
	// during the drain lands in the live queue; lastWrittenID suppresses
	// the duplicates that land in both.
	c.sse.add(cl)
	defer c.sse.remove(cl)
	lastWrittenID := int64(-1)

	// Snapshot history prefill, then backlog resume, then live.
	if ctx.QueryParam("snapshots") == "1" {
		limit := defaultSnapshotPrefill
		if raw := ctx.QueryParam("snapshotLimit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = clampInt(n, 1, maxSnapshotPrefill)
			}
		}
		recent, err := c.DS.RecentWithSnapshots(filter, limit)
		if err == nil {
			for i := range recent {
				frame, err := c.sse.messageFrame(recent[i])
				if err != nil {
					continue
				}
				if err := write(frame); err != nil {
					return nil
				}
				if recent[i].ID > lastWrittenID {
					lastWrittenID = recent[i].ID
				}
			}
		}
	}

	if resumeID >= 0 {
		backlog, err := c.DS.After(resumeID, filter, maxListLimit)
		if err == nil {
			for i := range backlog {
				frame, err := c.sse.messageFrame(backlog[i])
				if err != nil {
					continue
				}
				if err := write(frame); err != nil {
					return nil
				}
				if backlog[i].ID > lastWrittenID {
					lastWrittenID = backlog[i].ID
				}
			}
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	retryHint := time.NewTicker(retryHintInterval)
	defer retryHint.Stop()

	reqDone := ctx.Request().Context().Done()
	for {
		select {
		case <-reqDone:
			return nil
		case <-cl.done:
			return nil
		case frame := <-cl.frames:
			cl.pending.Add(-frame.size())
			if frame.id != "" {
				if id, err := strconv.ParseInt(frame.id, 10, 64); err == nil {
					if id <= lastWrittenID {
						continue
					}
					lastWrittenID = id
				}
			}
			if err := write(frame); err != nil {
				return nil
			}
		case <-heartbeat.C:
			beat, _ := json.Marshal(map[string]int64{"ts": c.now().UnixMilli()})
			if err := write(sseFrame{event: "heartbeat", data: beat}); err != nil {
				return nil
			}
		case <-retryHint.C:
			hint, _ := json.Marshal(map[string]int{
				"baseMs":        retryMs,
				"minMs":         minRetryMs,
				"maxMs":         maxRetryMs,
				"recommendedMs": retryMs,
			})
			if err := write(sseFrame{event: "retry-hint", data: hint}); err != nil {
				return nil
			}
		}
	}
}

// matchFilter is the in-memory counterpart of the store's query filter,
// applied to live events before fan-out.
func matchFilter(filter *datastore.Filter, ev *events.Event) bool {
	if filter.Source != "" && !strings.EqualFold(filter.Source, ev.Source) {
		return false
	}
	if filter.Camera != "" && !strings.EqualFold(filter.Camera, ev.Meta.Camera()) {
		return false
	}
	if len(filter.Channels) > 0 {
		channel := ev.Meta.Channel()
		if channel == "" {
			channel = ev.Source
		}
		matched := false
		for _, want := range filter.Channels {
			if conf.ChannelsEqual(want, channel) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if filter.Detector != "" && filter.Detector != ev.Detector {
		return false
	}
	if filter.Severity != "" && filter.Severity != ev.Severity {
		return false
	}
	if filter.From > 0 && ev.Ts < filter.From {
		return false
	}
	if filter.To > 0 && ev.Ts > filter.To {
		return false
	}
	switch filter.Snapshot {
	case "with":
		if ev.Meta.Snapshot() == "" {
			return false
		}
	case "without":
		if ev.Meta.Snapshot() != "" {
			return false
		}
	}
	switch filter.FaceSnapshot {
	case "with":
		if ev.Meta.FaceSnapshot() == "" {
			return false
		}
	case "without":
		if ev.Meta.FaceSnapshot() != "" {
			return false
		}
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		haystacks := []string{
			ev.Message, ev.Detector, ev.Source,
			ev.Meta.Channel(), ev.Meta.Camera(), ev.Meta.Snapshot(),
		}
		matched := false
		for _, h := range haystacks {
			if strings.Contains(strings.ToLower(h), needle) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
