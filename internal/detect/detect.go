// Package detect implements the frame detectors: motion with adaptive
// baselines, the motion-gated person detector, and the windowed audio
// anomaly detector with day/night threshold blending. Pixel and model
// internals are pluggable; the detectors own the triggering state
// machines around them.
package detect

import (
	"context"
	"time"

	"github.com/tphakala/guardian/internal/events"
)

// Publisher accepts detector events; satisfied by *events.Bus.
type Publisher interface {
	Publish(ev events.Event) bool
}

// FrameStats is the per-frame comparison a Differ computes between the
// previous and current frame.
type FrameStats struct {
	// MeanDiff is the mean absolute pixel difference.
	MeanDiff float64
	// ExceedFraction is the fraction of pixels whose difference exceeds
	// the threshold handed to Diff.
	ExceedFraction float64
}

// Differ compares two encoded frames. Implementations decode and diff;
// the motion detector supplies the adaptive per-pixel threshold.
type Differ interface {
	Diff(previous, current []byte, pixelThreshold float64) (FrameStats, error)
}

// PersonDetection is one detection returned by the person model.
type PersonDetection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// PersonDetector is the external person model collaborator.
type PersonDetector interface {
	DetectPersons(ctx context.Context, frame []byte) ([]PersonDetection, error)
}

// FeatureExtractor computes the two audio features per analysis window.
type FeatureExtractor interface {
	Extract(window []float64, sampleRate int) (rms, centroid float64)
}

// clock is injected for deterministic tests.
type clock func() time.Time
