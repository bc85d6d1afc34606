// Package events defines the Guardian event model and the in-process
// publish/subscribe bus with per-rule suppression.
package events

import (
	"strings"
)

// Severity levels, ordered.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// severityRank orders severities for the severityAtLeast matcher.
func severityRank(severity string) int {
	switch strings.ToLower(severity) {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Detector names used across the pipeline.
const (
	DetectorMotion       = "motion"
	DetectorPerson       = "person"
	DetectorAudioAnomaly = "audio-anomaly"
)

// Meta keys recognized by the gateway; unknown keys pass through verbatim.
const (
	MetaChannel           = "channel"
	MetaCamera            = "camera"
	MetaSnapshot          = "snapshot"
	MetaSnapshotHash      = "snapshotHash"
	MetaSnapshotTs        = "snapshotTs"
	MetaFaceSnapshot      = "faceSnapshot"
	MetaPoseForecast      = "poseForecast"
	MetaPoseThreatSummary = "poseThreatSummary"
	MetaResolvedChannels  = "resolvedChannels"
	MetaThresholds        = "thresholds"
)

// Meta is the free-form metadata map attached to an event. Recognized keys
// get typed accessors; everything else passes through serialization
// untouched.
type Meta map[string]any

// String returns the string value for key, or "".
func (m Meta) String(key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// Channel returns the producing channel id from meta.
func (m Meta) Channel() string { return m.String(MetaChannel) }

// Camera returns the camera id from meta.
func (m Meta) Camera() string { return m.String(MetaCamera) }

// Snapshot returns the snapshot path from meta.
func (m Meta) Snapshot() string { return m.String(MetaSnapshot) }

// FaceSnapshot returns the face snapshot path from meta.
func (m Meta) FaceSnapshot() string { return m.String(MetaFaceSnapshot) }

// Event is the core persisted record. ID is assigned by the store on
// persistence and strictly increases with insertion order. Ts may be
// backdated but must be nonzero: zero is the "unset" sentinel the bus
// replaces with its own clock.
type Event struct {
	ID       int64  `json:"id"`
	Ts       int64  `json:"ts"`
	Source   string `json:"source"`
	Detector string `json:"detector"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Meta     Meta   `json:"meta,omitempty"`
}

// NormalizeMeta coerces recognized meta values into their canonical wire
// forms. Today that is poseForecast.movementFlags, which arrives as 0/1
// integers and is serialized as booleans.
func (e *Event) NormalizeMeta() {
	if e.Meta == nil {
		return
	}
	forecast, ok := e.Meta[MetaPoseForecast].(map[string]any)
	if !ok {
		return
	}
	flags, ok := forecast["movementFlags"].([]any)
	if !ok {
		return
	}
	coerced := make([]any, len(flags))
	for i, flag := range flags {
		coerced[i] = coerceBool(flag)
	}
	forecast["movementFlags"] = coerced
}

func coerceBool(v any) bool {
	switch value := v.(type) {
	case bool:
		return value
	case float64:
		return value != 0
	case int:
		return value != 0
	case int64:
		return value != 0
	default:
		return false
	}
}

// Warning is the out-of-band diagnostic frame surfaced to SSE subscribers
// for retention, transport-fallback, and suppression conditions.
type Warning struct {
	Type        string         `json:"type"`
	Suppression map[string]any `json:"suppression,omitempty"`
	Retention   map[string]any `json:"retention,omitempty"`
	Transport   map[string]any `json:"transport,omitempty"`
	At          int64          `json:"at"`
}
