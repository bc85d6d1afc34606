package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `{
	"video": {
		"cameras": [
			{"id": "front", "channel": "Front", "input": "rtsp://cam-front/stream"}
		]
	},
	"audio": {
		"enabled": true,
		"channel": "mic"
	}
}`

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()

	settings, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "guardian", settings.App.Name)
	assert.Equal(t, "data/guardian.db", settings.Database.Path)
	assert.Equal(t, "ffmpeg", settings.Video.FFmpeg.Binary)
	assert.Equal(t, int64(15000), settings.Video.FFmpeg.StartTimeoutMs)
	assert.Equal(t, []string{"tcp", "udp"}, settings.Video.FFmpeg.RTSPTransportSequence)
	assert.True(t, settings.Events.Retention.Enabled)
	assert.Equal(t, 30, settings.Events.Retention.RetentionDays)
	assert.Equal(t, "on-change", settings.Events.Retention.Vacuum.Run)
	assert.Equal(t, "8080", settings.HTTP.Port)
	assert.Equal(t, 1024, settings.Audio.Anomaly.FrameSize)
}

func TestParseNormalizesChannels(t *testing.T) {
	t.Parallel()

	settings, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "video:Front", settings.Video.Cameras[0].Channel)
	assert.Equal(t, "audio:mic", settings.Audio.Channel)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"video": `))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestParseRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{
		"video": {"cameras": [{"id": "", "channel": "front", "input": "rtsp://x"}]}
	}`))
	require.Error(t, err)
	var ve ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestLoadReturnsRawDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o644))

	settings, raw, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, minimalConfig, string(raw))
	assert.Len(t, settings.Video.Cameras, 1)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, _, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
