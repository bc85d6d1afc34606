package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	return &Settings{
		Video: VideoSettings{
			Cameras: []CameraSettings{
				{ID: "front", Channel: "video:front", Input: "rtsp://cam/stream"},
			},
		},
		Motion: MotionSettings{DiffThreshold: 25, AreaThreshold: 0.02},
		Person: PersonSettings{Score: 0.5},
	}
}

func TestValidateSettingsAcceptsValidConfig(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateSettings(validSettings()))
}

func TestValidateSettingsAggregatesAllViolations(t *testing.T) {
	t.Parallel()

	bad := validSettings()
	bad.Video.Cameras = append(bad.Video.Cameras,
		CameraSettings{ID: "front", Channel: "video:front"}, // duplicate id and channel
		CameraSettings{ID: "", Channel: "video:side"},
	)
	bad.Motion.AreaThreshold = 1.5
	bad.Person.Score = 2

	err := ValidateSettings(bad)
	require.Error(t, err)
	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.GreaterOrEqual(t, len(ve.Errors), 5, "one pass reports every violation: %v", ve.Errors)
}

func TestValidateCameraChannels(t *testing.T) {
	t.Parallel()

	s := validSettings()
	s.Video.Cameras = append(s.Video.Cameras,
		CameraSettings{ID: "front2", Channel: "VIDEO:Front"})
	err := ValidateSettings(s)
	require.Error(t, err)
	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 1, "channel uniqueness is case-insensitive after normalization")
}

func TestValidateChannelsMapMustReferenceCameras(t *testing.T) {
	t.Parallel()

	s := validSettings()
	s.Video.Channels = map[string]any{"video:ghost": map[string]any{}}
	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "references no configured camera")
}

func TestValidateAudioChannelCollision(t *testing.T) {
	t.Parallel()

	s := validSettings()
	s.Audio.Channel = "video:front"
	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides with video channel")
}

func TestValidateSuppressionRules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rule SuppressionRule
		ok   bool
	}{
		{"window rule", SuppressionRule{ID: "w", SuppressForMs: 1000}, true},
		{"rate rule", SuppressionRule{ID: "r", MaxEvents: 3, PerMs: 60_000}, true},
		{"missing id", SuppressionRule{SuppressForMs: 1000}, false},
		{"maxEvents without perMs", SuppressionRule{ID: "x", MaxEvents: 3}, false},
		{"negative duration", SuppressionRule{ID: "n", SuppressForMs: -1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := validSettings()
			s.Events.Suppression.Rules = []SuppressionRule{tc.rule}
			err := ValidateSettings(s)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateRetentionSettings(t *testing.T) {
	t.Parallel()

	s := validSettings()
	s.Events.Retention.Snapshot.Mode = "compress"
	s.Events.Retention.Vacuum.Run = "sometimes"
	s.Events.Retention.Vacuum.Mode = "turbo"
	s.Events.Retention.Enabled = true
	s.Events.Retention.RetentionDays = 0

	err := ValidateSettings(s)
	require.Error(t, err)
	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 4)
}

func TestValidatePersonScoreOverrideRange(t *testing.T) {
	t.Parallel()

	bad := 1.2
	s := validSettings()
	s.Video.Overrides = map[string]Override{"front": {PersonScore: &bad}}
	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "personScore must be between 0 and 1")
}
