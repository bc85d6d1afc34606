package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tphakala/guardian/internal/conf"
)

func blendSettings() conf.AudioAnomalySettings {
	return conf.AudioAnomalySettings{
		Thresholds: conf.DayNightThresholds{
			Day:   conf.AnomalyThresholds{RMS: 0.8, CentroidJump: 1000},
			Night: conf.AnomalyThresholds{RMS: 0.2, CentroidJump: 400},
		},
		NightHours:   conf.NightHours{Start: 22, End: 6},
		BlendMinutes: 60,
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 24, hour, minute, 0, 0, time.UTC)
}

func TestIsNightWrapsMidnight(t *testing.T) {
	t.Parallel()
	window := conf.NightHours{Start: 22, End: 6}

	assert.True(t, isNight(23, window))
	assert.True(t, isNight(0, window))
	assert.True(t, isNight(5, window))
	assert.False(t, isNight(6, window))
	assert.False(t, isNight(12, window))
	assert.True(t, isNight(22, window))

	assert.False(t, isNight(3, conf.NightHours{}), "an empty window is never night")
}

func TestEffectiveThresholdsOutsideBlend(t *testing.T) {
	t.Parallel()
	cfg := blendSettings()

	day := effectiveThresholds(at(12, 0), &cfg)
	assert.Equal(t, "day", day.Profile)
	assert.Equal(t, 0.8, day.Thresholds.RMS)
	assert.Equal(t, 1.0, day.DayWeight)
	assert.Equal(t, 0.0, day.NightWeight)

	night := effectiveThresholds(at(2, 0), &cfg)
	assert.Equal(t, "night", night.Profile)
	assert.Equal(t, 0.2, night.Thresholds.RMS)
	assert.Equal(t, 1.0, night.NightWeight)
}

func TestEffectiveThresholdsBoundaryMixesEqually(t *testing.T) {
	t.Parallel()
	cfg := blendSettings()

	// At the boundary itself the two profiles contribute exactly half.
	p := effectiveThresholds(at(22, 0), &cfg)
	assert.Equal(t, "blend", p.Profile)
	assert.InDelta(t, 0.5, p.DayWeight, 1e-9)
	assert.InDelta(t, 0.5, p.NightWeight, 1e-9)
	assert.InDelta(t, 0.5, p.Thresholds.RMS, 1e-9)
	assert.InDelta(t, 700, p.Thresholds.CentroidJump, 1e-9)
}

func TestEffectiveThresholdsBlendEasing(t *testing.T) {
	t.Parallel()
	cfg := blendSettings()

	// 15 minutes into night: r = 0.5, w = 0.75, day contributes 0.375.
	p := effectiveThresholds(at(22, 15), &cfg)
	assert.Equal(t, "blend", p.Profile)
	assert.InDelta(t, 0.625, p.NightWeight, 1e-9)
	assert.InDelta(t, 0.375, p.DayWeight, 1e-9)
	assert.InDelta(t, 1, p.DayWeight+p.NightWeight, 1e-9)
	assert.Greater(t, p.DayWeight, 0.0)

	// Just past the blend half-window the active profile is pure.
	pure := effectiveThresholds(at(22, 31), &cfg)
	assert.Equal(t, "night", pure.Profile)
	assert.Equal(t, 1.0, pure.NightWeight)
}

func TestEffectiveThresholdsWeightsAlwaysValid(t *testing.T) {
	t.Parallel()
	cfg := blendSettings()

	for hour := 0; hour < 24; hour++ {
		for _, minute := range []int{0, 15, 30, 45} {
			p := effectiveThresholds(at(hour, minute), &cfg)
			assert.InDelta(t, 1, p.DayWeight+p.NightWeight, 1e-9, "%02d:%02d", hour, minute)
			assert.GreaterOrEqual(t, p.DayWeight, 0.0)
			assert.GreaterOrEqual(t, p.NightWeight, 0.0)
		}
	}
}
