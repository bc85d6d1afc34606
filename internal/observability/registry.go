// Package observability owns all Guardian counter state: an in-memory
// digest registry feeding the SSE metrics frames and JSON endpoints, with
// every record mirrored into Prometheus collectors for exposition.
package observability

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/guardian/internal/observability/metrics"
)

// Histogram bucket labels, fixed so digests are stable across restarts.
var (
	delayBucketLabels   = []string{"<25", "25-50", "50-100", "100-250", "250-500", "500-1000", ">=1000"}
	attemptBucketLabels = []string{"1", "2", "3", "4-5", "6-10", ">10"}
)

// restartHistoryLimit bounds the per-channel restart descriptor history.
const restartHistoryLimit = 20

// RestartDetail describes one pipeline restart for the digest.
type RestartDetail struct {
	Channel     string `json:"channel"`
	Reason      string `json:"reason"`
	Attempt     int    `json:"attempt"`
	DelayMs     int64  `json:"delayMs"`
	JitterMs    int64  `json:"jitterMs"`
	BaseDelayMs int64  `json:"baseDelayMs"`
	At          int64  `json:"at"`
}

// TransportFallbackDetail describes one transport rotation.
type TransportFallbackDetail struct {
	Channel               string `json:"channel"`
	From                  string `json:"from"`
	To                    string `json:"to"`
	Reason                string `json:"reason"`
	At                    int64  `json:"at"`
	ResetsBackoff         bool   `json:"resetsBackoff,omitempty"`
	ResetsCircuitBreaker  bool   `json:"resetsCircuitBreaker,omitempty"`
}

// ChannelHealth captures a degraded-channel marker.
type ChannelHealth struct {
	Severity      string `json:"severity"`
	Reason        string `json:"reason"`
	DegradedSince int64  `json:"degradedSince"`
}

// ChannelDigest is the per-channel slice of the pipeline digest.
type ChannelDigest struct {
	Restarts             int64            `json:"restarts"`
	ByReason             map[string]int64 `json:"byReason"`
	LastRestart          *RestartDetail   `json:"lastRestart,omitempty"`
	LastRestartAt        int64            `json:"lastRestartAt,omitempty"`
	WatchdogBackoffMs    int64            `json:"watchdogBackoffMs,omitempty"`
	LastWatchdogJitterMs int64            `json:"lastWatchdogJitterMs,omitempty"`
	RestartHistory       []RestartDetail  `json:"restartHistory"`
	HistoryLimit         int              `json:"historyLimit"`
	DelayHistogram       map[string]int64 `json:"delayHistogram"`
	AttemptHistogram     map[string]int64 `json:"attemptHistogram"`
	DroppedFrames        int64            `json:"droppedFrames,omitempty"`
	Health               *ChannelHealth   `json:"health,omitempty"`
}

// TransportFallbackDigest aggregates transport rotations for one pipeline
// kind.
type TransportFallbackDigest struct {
	Total     int64                                `json:"total"`
	ByChannel map[string]*TransportChannelFallback `json:"byChannel"`
	Last      *TransportFallbackDetail             `json:"last,omitempty"`
}

// TransportChannelFallback is the per-channel transport rotation slice.
type TransportChannelFallback struct {
	Total int64                    `json:"total"`
	Last  *TransportFallbackDetail `json:"last,omitempty"`
}

// PipelineDigest aggregates restart accounting for one pipeline kind
// (ffmpeg or audio).
type PipelineDigest struct {
	Restarts           int64                     `json:"restarts"`
	LastRestartAt      int64                     `json:"lastRestartAt,omitempty"`
	LastRestart        *RestartDetail            `json:"lastRestart,omitempty"`
	ByReason           map[string]int64          `json:"byReason"`
	ByChannel          map[string]*ChannelDigest `json:"byChannel"`
	TransportFallbacks TransportFallbackDigest   `json:"transportFallbacks"`
}

// LatencyDigest is a count/sum pair for latency accounting.
type LatencyDigest struct {
	Count int64   `json:"count"`
	SumMs float64 `json:"sumMs"`
}

// DetectorDigest aggregates per-detector counters and latency.
type DetectorDigest struct {
	Counters map[string]int64 `json:"counters"`
	Latency  LatencyDigest    `json:"latency"`
}

// RetentionWarningDetail describes one retention warning.
type RetentionWarningDetail struct {
	Camera string `json:"camera,omitempty"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
	At     int64  `json:"at"`
}

// RetentionTotals is the cumulative retention accounting.
type RetentionTotals struct {
	RemovedEvents     int64 `json:"removedEvents"`
	ArchivedSnapshots int64 `json:"archivedSnapshots"`
	RemovedSnapshots  int64 `json:"removedSnapshots"`
	PrunedArchives    int64 `json:"prunedArchives"`
	DiskSavingsBytes  int64 `json:"diskSavingsBytes"`
}

// RetentionRunDetail is emitted by the retention engine after each run.
type RetentionRunDetail struct {
	RemovedEvents     int64                      `json:"removedEvents"`
	ArchivedSnapshots int64                      `json:"archivedSnapshots"`
	RemovedSnapshots  int64                      `json:"removedSnapshots"`
	PrunedArchives    int64                      `json:"prunedArchives"`
	DiskSavingsBytes  int64                      `json:"diskSavingsBytes"`
	PerCamera         map[string]RetentionTotals `json:"perCamera,omitempty"`
}

// RetentionDigest aggregates retention engine activity.
type RetentionDigest struct {
	Runs            int64                      `json:"runs"`
	LastRunAt       int64                      `json:"lastRunAt,omitempty"`
	Warnings        int64                      `json:"warnings"`
	WarningsByCamera map[string]int64          `json:"warningsByCamera"`
	LastWarning     *RetentionWarningDetail    `json:"lastWarning,omitempty"`
	Totals          RetentionTotals            `json:"totals"`
	TotalsByCamera  map[string]RetentionTotals `json:"totalsByCamera"`
}

// LogDigest counts emitted log records by level.
type LogDigest struct {
	ByLevel   map[string]int64 `json:"byLevel"`
	Histogram map[string]int64 `json:"histogram"`
}

// Snapshot is the read-only digest view served over HTTP and SSE.
type Snapshot struct {
	Pipelines map[string]*PipelineDigest `json:"pipelines"`
	Logs      LogDigest                  `json:"logs"`
	Latencies map[string]LatencyDigest   `json:"latencies"`
	Detectors map[string]*DetectorDigest `json:"detectors"`
	Retention RetentionDigest            `json:"retention"`
}

// Registry is the process-wide metrics registry. All methods are safe for
// concurrent use. A nil *metrics.Guardian disables prometheus mirroring
// (used by tests).
type Registry struct {
	mu   sync.RWMutex
	prom *metrics.Guardian
	now  func() time.Time

	pipelines map[string]*PipelineDigest
	logs      LogDigest
	latencies map[string]LatencyDigest
	detectors map[string]*DetectorDigest
	retention RetentionDigest

	subscribers []chan struct{}
}

// NewRegistry creates an empty registry mirroring into prom (may be nil).
func NewRegistry(prom *metrics.Guardian) *Registry {
	r := &Registry{prom: prom, now: time.Now}
	r.resetLocked()
	return r
}

// SetClock overrides the registry clock; test helper.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *Registry) resetLocked() {
	r.pipelines = map[string]*PipelineDigest{
		"ffmpeg": newPipelineDigest(),
		"audio":  newPipelineDigest(),
	}
	r.logs = LogDigest{ByLevel: make(map[string]int64), Histogram: make(map[string]int64)}
	r.latencies = make(map[string]LatencyDigest)
	r.detectors = make(map[string]*DetectorDigest)
	r.retention = RetentionDigest{
		WarningsByCamera: make(map[string]int64),
		TotalsByCamera:   make(map[string]RetentionTotals),
	}
}

func newPipelineDigest() *PipelineDigest {
	return &PipelineDigest{
		ByReason:  make(map[string]int64),
		ByChannel: make(map[string]*ChannelDigest),
		TransportFallbacks: TransportFallbackDigest{
			ByChannel: make(map[string]*TransportChannelFallback),
		},
	}
}

// Reset clears all counter state; tests reset the registry between cases.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.resetLocked()
	r.mu.Unlock()
	r.notify()
}

// Subscribe returns a channel that receives a coalesced signal whenever the
// digest changes. The channel is never closed.
func (r *Registry) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) notify() {
	r.mu.RLock()
	subs := r.subscribers
	r.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Registry) pipeline(kind string) *PipelineDigest {
	p, exists := r.pipelines[kind]
	if !exists {
		p = newPipelineDigest()
		r.pipelines[kind] = p
	}
	return p
}

func (p *PipelineDigest) channel(name string) *ChannelDigest {
	c, exists := p.ByChannel[name]
	if !exists {
		c = &ChannelDigest{
			ByReason:         make(map[string]int64),
			DelayHistogram:   make(map[string]int64),
			AttemptHistogram: make(map[string]int64),
			HistoryLimit:     restartHistoryLimit,
		}
		p.ByChannel[name] = c
	}
	return c
}

func delayBucket(delayMs int64) string {
	switch {
	case delayMs < 25:
		return delayBucketLabels[0]
	case delayMs < 50:
		return delayBucketLabels[1]
	case delayMs < 100:
		return delayBucketLabels[2]
	case delayMs < 250:
		return delayBucketLabels[3]
	case delayMs < 500:
		return delayBucketLabels[4]
	case delayMs < 1000:
		return delayBucketLabels[5]
	default:
		return delayBucketLabels[6]
	}
}

func attemptBucket(attempt int) string {
	switch {
	case attempt <= 1:
		return attemptBucketLabels[0]
	case attempt == 2:
		return attemptBucketLabels[1]
	case attempt == 3:
		return attemptBucketLabels[2]
	case attempt <= 5:
		return attemptBucketLabels[3]
	case attempt <= 10:
		return attemptBucketLabels[4]
	default:
		return attemptBucketLabels[5]
	}
}

// IncrementLogLevel counts one emitted log record.
func (r *Registry) IncrementLogLevel(level, message string) {
	r.mu.Lock()
	r.logs.ByLevel[level]++
	r.logs.Histogram[level]++
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.IncrementLogLevel(level)
	}
	r.notify()
}

// RecordPipelineRestart records a classified restart for a pipeline kind.
func (r *Registry) RecordPipelineRestart(kind, reason string, detail RestartDetail) {
	r.mu.Lock()
	detail.Reason = reason
	if detail.At == 0 {
		detail.At = r.now().UnixMilli()
	}

	p := r.pipeline(kind)
	p.Restarts++
	p.ByReason[reason]++
	p.LastRestart = &detail
	p.LastRestartAt = detail.At

	c := p.channel(detail.Channel)
	c.Restarts++
	c.ByReason[reason]++
	c.LastRestart = &detail
	c.LastRestartAt = detail.At
	c.WatchdogBackoffMs = detail.DelayMs
	c.LastWatchdogJitterMs = detail.JitterMs
	c.DelayHistogram[delayBucket(detail.DelayMs)]++
	c.AttemptHistogram[attemptBucket(detail.Attempt)]++
	c.RestartHistory = append(c.RestartHistory, detail)
	if len(c.RestartHistory) > restartHistoryLimit {
		c.RestartHistory = c.RestartHistory[len(c.RestartHistory)-restartHistoryLimit:]
	}
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.RecordRestart(kind, reason, detail.Channel, detail.JitterMs)
	}
	r.notify()
}

// RecordTransportFallback records one RTSP transport rotation.
func (r *Registry) RecordTransportFallback(kind, reason string, detail TransportFallbackDetail) {
	r.mu.Lock()
	detail.Reason = reason
	if detail.At == 0 {
		detail.At = r.now().UnixMilli()
	}
	p := r.pipeline(kind)
	p.TransportFallbacks.Total++
	p.TransportFallbacks.Last = &detail
	tc, exists := p.TransportFallbacks.ByChannel[detail.Channel]
	if !exists {
		tc = &TransportChannelFallback{}
		p.TransportFallbacks.ByChannel[detail.Channel] = tc
	}
	tc.Total++
	tc.Last = &detail
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.RecordTransportFallback(detail.Channel, reason)
	}
	r.notify()
}

// RecordDroppedFrame counts one frame dropped by backpressure.
func (r *Registry) RecordDroppedFrame(kind, channel string) {
	r.mu.Lock()
	r.pipeline(kind).channel(channel).DroppedFrames++
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.IncrementDetectorCounter("pipeline:"+channel, "droppedFrames", 1)
	}
	r.notify()
}

// SetPipelineChannelHealth marks a channel degraded or clears the marker
// when health is nil.
func (r *Registry) SetPipelineChannelHealth(kind, channel string, health *ChannelHealth) {
	r.mu.Lock()
	r.pipeline(kind).channel(channel).Health = health
	r.mu.Unlock()
	r.notify()
}

// ResetPipelineChannel discards per-channel accounting, e.g. after a camera
// is removed from the configuration.
func (r *Registry) ResetPipelineChannel(kind, channel string) {
	r.mu.Lock()
	p := r.pipeline(kind)
	delete(p.ByChannel, channel)
	delete(p.TransportFallbacks.ByChannel, channel)
	r.mu.Unlock()
	r.notify()
}

// ObserveDetectorLatency records one detector invocation latency.
func (r *Registry) ObserveDetectorLatency(detector string, ms float64) {
	r.mu.Lock()
	d := r.detector(detector)
	d.Latency.Count++
	d.Latency.SumMs += ms
	l := r.latencies[detector]
	l.Count++
	l.SumMs += ms
	r.latencies[detector] = l
	r.mu.Unlock()
	r.notify()
}

// IncrementDetectorCounter bumps a named counter for a detector.
func (r *Registry) IncrementDetectorCounter(detector, key string, n int64) {
	r.mu.Lock()
	r.detector(detector).Counters[key] += n
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.IncrementDetectorCounter(detector, key, n)
	}
	r.notify()
}

func (r *Registry) detector(name string) *DetectorDigest {
	d, exists := r.detectors[name]
	if !exists {
		d = &DetectorDigest{Counters: make(map[string]int64)}
		r.detectors[name] = d
	}
	return d
}

// RecordRetentionRun accumulates the totals of one retention pass.
func (r *Registry) RecordRetentionRun(run RetentionRunDetail) {
	r.mu.Lock()
	r.retention.Runs++
	r.retention.LastRunAt = r.now().UnixMilli()
	r.retention.Totals.RemovedEvents += run.RemovedEvents
	r.retention.Totals.ArchivedSnapshots += run.ArchivedSnapshots
	r.retention.Totals.RemovedSnapshots += run.RemovedSnapshots
	r.retention.Totals.PrunedArchives += run.PrunedArchives
	r.retention.Totals.DiskSavingsBytes += run.DiskSavingsBytes
	for camera, totals := range run.PerCamera {
		agg := r.retention.TotalsByCamera[camera]
		agg.ArchivedSnapshots += totals.ArchivedSnapshots
		agg.RemovedSnapshots += totals.RemovedSnapshots
		agg.PrunedArchives += totals.PrunedArchives
		agg.RemovedEvents += totals.RemovedEvents
		agg.DiskSavingsBytes += totals.DiskSavingsBytes
		r.retention.TotalsByCamera[camera] = agg
	}
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.RecordRetentionRun(run.DiskSavingsBytes)
	}
	r.notify()
}

// RecordRetentionWarning records one per-file or vacuum warning.
func (r *Registry) RecordRetentionWarning(detail RetentionWarningDetail) {
	r.mu.Lock()
	if detail.At == 0 {
		detail.At = r.now().UnixMilli()
	}
	r.retention.Warnings++
	if detail.Camera != "" {
		r.retention.WarningsByCamera[detail.Camera]++
	}
	r.retention.LastWarning = &detail
	r.mu.Unlock()
	r.notify()
}

// Snapshot returns a structural deep copy of the digest.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Pipelines: make(map[string]*PipelineDigest, len(r.pipelines)),
		Logs: LogDigest{
			ByLevel:   maps.Clone(r.logs.ByLevel),
			Histogram: maps.Clone(r.logs.Histogram),
		},
		Latencies: maps.Clone(r.latencies),
		Detectors: make(map[string]*DetectorDigest, len(r.detectors)),
		Retention: RetentionDigest{
			Runs:             r.retention.Runs,
			LastRunAt:        r.retention.LastRunAt,
			Warnings:         r.retention.Warnings,
			WarningsByCamera: maps.Clone(r.retention.WarningsByCamera),
			LastWarning:      r.retention.LastWarning,
			Totals:           r.retention.Totals,
			TotalsByCamera:   maps.Clone(r.retention.TotalsByCamera),
		},
	}

	for kind, p := range r.pipelines {
		snap.Pipelines[kind] = clonePipeline(p)
	}
	for name, d := range r.detectors {
		snap.Detectors[name] = &DetectorDigest{
			Counters: maps.Clone(d.Counters),
			Latency:  d.Latency,
		}
	}
	return snap
}

func clonePipeline(p *PipelineDigest) *PipelineDigest {
	out := &PipelineDigest{
		Restarts:      p.Restarts,
		LastRestartAt: p.LastRestartAt,
		LastRestart:   p.LastRestart,
		ByReason:      maps.Clone(p.ByReason),
		ByChannel:     make(map[string]*ChannelDigest, len(p.ByChannel)),
		TransportFallbacks: TransportFallbackDigest{
			Total:     p.TransportFallbacks.Total,
			Last:      p.TransportFallbacks.Last,
			ByChannel: make(map[string]*TransportChannelFallback, len(p.TransportFallbacks.ByChannel)),
		},
	}
	for name, c := range p.ByChannel {
		out.ByChannel[name] = &ChannelDigest{
			Restarts:             c.Restarts,
			ByReason:             maps.Clone(c.ByReason),
			LastRestart:          c.LastRestart,
			LastRestartAt:        c.LastRestartAt,
			WatchdogBackoffMs:    c.WatchdogBackoffMs,
			LastWatchdogJitterMs: c.LastWatchdogJitterMs,
			RestartHistory:       slices.Clone(c.RestartHistory),
			HistoryLimit:         c.HistoryLimit,
			DelayHistogram:       maps.Clone(c.DelayHistogram),
			AttemptHistogram:     maps.Clone(c.AttemptHistogram),
			DroppedFrames:        c.DroppedFrames,
			Health:               c.Health,
		}
	}
	for name, tc := range p.TransportFallbacks.ByChannel {
		out.TransportFallbacks.ByChannel[name] = &TransportChannelFallback{Total: tc.Total, Last: tc.Last}
	}
	return out
}
