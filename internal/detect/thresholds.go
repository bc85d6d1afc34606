package detect

import (
	"time"

	"github.com/tphakala/guardian/internal/conf"
)

const minutesPerDay = 24 * 60

// ThresholdProfile is the effective anomaly threshold set at a point in
// time, with the day/night mix that produced it.
type ThresholdProfile struct {
	Thresholds  conf.AnomalyThresholds
	Profile     string
	DayWeight   float64
	NightWeight float64
}

// effectiveThresholds resolves the day/night profile for t. Within
// blendMinutes/2 of a night boundary the two profiles are mixed with an
// eased weight so the transition has no step; the weights always sum to 1.
func effectiveThresholds(t time.Time, cfg *conf.AudioAnomalySettings) ThresholdProfile {
	night := isNight(t.Hour(), cfg.NightHours)
	active, other := cfg.Thresholds.Day, cfg.Thresholds.Night
	profile := "day"
	if night {
		active, other = cfg.Thresholds.Night, cfg.Thresholds.Day
		profile = "night"
	}

	half := float64(cfg.BlendMinutes) / 2
	if half <= 0 {
		return weighted(active, other, profile, night, 0)
	}
	dist := boundaryDistanceMinutes(t, cfg.NightHours)
	if dist >= half {
		return weighted(active, other, profile, night, 0)
	}

	// r is the normalized distance to the boundary; the eased ratio
	// reaches 1 at the boundary itself, where both profiles contribute
	// exactly half.
	r := dist / half
	w := 1 - r*r
	return weighted(active, other, "blend", night, w/2)
}

func weighted(active, other conf.AnomalyThresholds, profile string, night bool, otherWeight float64) ThresholdProfile {
	activeWeight := 1 - otherWeight
	eff := conf.AnomalyThresholds{
		RMS:          active.RMS*activeWeight + other.RMS*otherWeight,
		CentroidJump: active.CentroidJump*activeWeight + other.CentroidJump*otherWeight,
	}
	p := ThresholdProfile{Thresholds: eff, Profile: profile}
	if night {
		p.NightWeight, p.DayWeight = activeWeight, otherWeight
	} else {
		p.DayWeight, p.NightWeight = activeWeight, otherWeight
	}
	return p
}

// isNight tests the hour against the configured night window; Start >
// End wraps midnight.
func isNight(hour int, window conf.NightHours) bool {
	if window.Start == window.End {
		return false
	}
	if window.Start < window.End {
		return hour >= window.Start && hour < window.End
	}
	return hour >= window.Start || hour < window.End
}

// boundaryDistanceMinutes returns the circular distance in minutes from t
// to the nearest night window boundary.
func boundaryDistanceMinutes(t time.Time, window conf.NightHours) float64 {
	minute := float64(t.Hour()*60 + t.Minute())
	start := float64(window.Start * 60)
	end := float64(window.End * 60)
	return min(circularDistance(minute, start), circularDistance(minute, end))
}

func circularDistance(a, b float64) float64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > minutesPerDay/2 {
		d = minutesPerDay - d
	}
	return d
}
