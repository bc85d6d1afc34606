// Package metrics provides the Prometheus collectors for Guardian.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Guardian contains all Prometheus metrics exposed by the process.
type Guardian struct {
	LogLevelTotal       *prometheus.CounterVec
	LogLevelState       *prometheus.GaugeVec
	LogLevelChangeTotal prometheus.Counter

	RestartTotal      *prometheus.CounterVec
	RestartJitterMs   *prometheus.HistogramVec
	TransportFallback *prometheus.CounterVec

	RetentionDiskSavingsBytes prometheus.Counter
	DetectorCounterTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewGuardian creates the collector set and registers it on registry.
func NewGuardian(registry *prometheus.Registry) (*Guardian, error) {
	g := &Guardian{registry: registry}
	g.initMetrics()
	if err := g.register(); err != nil {
		return nil, fmt.Errorf("failed to register guardian metrics: %w", err)
	}
	return g, nil
}

func (g *Guardian) initMetrics() {
	g.LogLevelTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_log_level_total",
		Help: "Total number of log records emitted, by level",
	}, []string{"level"})

	g.LogLevelState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guardian_log_level_state",
		Help: "Currently active minimum log level (1 for the active level)",
	}, []string{"level"})

	g.LogLevelChangeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardian_log_level_change_total",
		Help: "Total number of runtime log level changes",
	})

	g.RestartTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_pipeline_restart_total",
		Help: "Total number of pipeline restarts, by kind, reason and channel",
	}, []string{"kind", "reason", "channel"})

	g.RestartJitterMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardian_ffmpeg_restart_jitter_ms",
		Help:    "Applied restart jitter in milliseconds",
		Buckets: []float64{-1000, -500, -250, -100, -25, 0, 25, 100, 250, 500, 1000},
	}, []string{"channel"})

	g.TransportFallback = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_transport_fallback_total",
		Help: "Total number of RTSP transport fallbacks, by channel and reason",
	}, []string{"channel", "reason"})

	g.RetentionDiskSavingsBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardian_retention_disk_savings_bytes_total",
		Help: "Total bytes reclaimed by retention runs",
	})

	g.DetectorCounterTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_detector_counter_total",
		Help: "Detector counters, by detector and key",
	}, []string{"detector", "key"})
}

func (g *Guardian) register() error {
	collectors := []prometheus.Collector{
		g.LogLevelTotal,
		g.LogLevelState,
		g.LogLevelChangeTotal,
		g.RestartTotal,
		g.RestartJitterMs,
		g.TransportFallback,
		g.RetentionDiskSavingsBytes,
		g.DetectorCounterTotal,
	}
	for _, c := range collectors {
		if err := g.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncrementLogLevel counts an emitted log record.
func (g *Guardian) IncrementLogLevel(level string) {
	g.LogLevelTotal.WithLabelValues(level).Inc()
}

// SetActiveLogLevel marks the active minimum level and counts the change.
func (g *Guardian) SetActiveLogLevel(level string, known []string) {
	for _, l := range known {
		g.LogLevelState.WithLabelValues(l).Set(0)
	}
	g.LogLevelState.WithLabelValues(level).Set(1)
	g.LogLevelChangeTotal.Inc()
}

// RecordRestart counts one classified restart and observes its jitter.
func (g *Guardian) RecordRestart(kind, reason, channel string, jitterMs int64) {
	g.RestartTotal.WithLabelValues(kind, reason, channel).Inc()
	g.RestartJitterMs.WithLabelValues(channel).Observe(float64(jitterMs))
}

// RecordTransportFallback counts one transport rotation.
func (g *Guardian) RecordTransportFallback(channel, reason string) {
	g.TransportFallback.WithLabelValues(channel, reason).Inc()
}

// RecordRetentionRun accumulates reclaimed bytes.
func (g *Guardian) RecordRetentionRun(diskSavingsBytes int64) {
	if diskSavingsBytes > 0 {
		g.RetentionDiskSavingsBytes.Add(float64(diskSavingsBytes))
	}
}

// IncrementDetectorCounter bumps a detector counter.
func (g *Guardian) IncrementDetectorCounter(detector, key string, n int64) {
	g.DetectorCounterTotal.WithLabelValues(detector, key).Add(float64(n))
}
