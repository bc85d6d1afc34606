// Package conf holds the Guardian configuration model: JSON schema types,
// loading via viper, validation, and the hot reload manager.
package conf

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "config/default.json"

// Settings is the root configuration document. Field names mirror the JSON
// keys; unknown keys are preserved by the reload manager through the raw
// document, not through this struct.
type Settings struct {
	App      AppSettings      `json:"app" mapstructure:"app"`
	Logging  LoggingSettings  `json:"logging" mapstructure:"logging"`
	Database DatabaseSettings `json:"database" mapstructure:"database"`
	Events   EventsSettings   `json:"events" mapstructure:"events"`
	Video    VideoSettings    `json:"video" mapstructure:"video"`
	Person   PersonSettings   `json:"person" mapstructure:"person"`
	Motion   MotionSettings   `json:"motion" mapstructure:"motion"`
	Audio    AudioSettings    `json:"audio" mapstructure:"audio"`
	HTTP     HTTPSettings     `json:"http" mapstructure:"http"`
}

// AppSettings carries identity and runtime niceties.
type AppSettings struct {
	Name                 string `json:"name" mapstructure:"name"`
	DefaultChannelPrefix string `json:"defaultChannelPrefix" mapstructure:"defaultchannelprefix"`
}

// LoggingSettings controls the structured log file and rotation.
type LoggingSettings struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"maxSizeMB" mapstructure:"maxsizemb"`
	MaxBackups int    `json:"maxBackups" mapstructure:"maxbackups"`
	MaxAgeDays int    `json:"maxAgeDays" mapstructure:"maxagedays"`
}

// DatabaseSettings locates the sqlite event store.
type DatabaseSettings struct {
	Path string `json:"path" mapstructure:"path"`
}

// EventsSettings groups event-log concerns: retention and suppression.
type EventsSettings struct {
	Retention   RetentionSettings   `json:"retention" mapstructure:"retention"`
	Suppression SuppressionSettings `json:"suppression" mapstructure:"suppression"`
}

// RetentionSettings drives the retention engine.
type RetentionSettings struct {
	Enabled       bool                      `json:"enabled" mapstructure:"enabled"`
	RetentionDays int                       `json:"retentionDays" mapstructure:"retentiondays"`
	IntervalMs    int64                     `json:"intervalMs" mapstructure:"intervalms"`
	ArchiveDir    string                    `json:"archiveDir" mapstructure:"archivedir"`
	SnapshotDirs  []string                  `json:"snapshotDirs" mapstructure:"snapshotdirs"`
	Snapshot      SnapshotRetentionSettings `json:"snapshot" mapstructure:"snapshot"`
	Vacuum        VacuumSettings            `json:"vacuum" mapstructure:"vacuum"`
}

// SnapshotRetentionSettings controls snapshot archiving or deletion.
type SnapshotRetentionSettings struct {
	Mode                 string         `json:"mode" mapstructure:"mode"` // "archive" or "delete"
	RetentionDays        int            `json:"retentionDays" mapstructure:"retentiondays"`
	MaxArchivesPerCamera int            `json:"maxArchivesPerCamera" mapstructure:"maxarchivespercamera"`
	PerCameraMax         map[string]int `json:"perCameraMax" mapstructure:"percameramax"`
}

// VacuumSettings controls database compaction after a retention pass.
type VacuumSettings struct {
	Mode     string   `json:"mode" mapstructure:"mode"` // "auto", "full", "off"
	Run      string   `json:"run" mapstructure:"run"`   // "always", "on-change", "never"
	Analyze  bool     `json:"analyze" mapstructure:"analyze"`
	Reindex  bool     `json:"reindex" mapstructure:"reindex"`
	Optimize bool     `json:"optimize" mapstructure:"optimize"`
	Pragmas  []string `json:"pragmas" mapstructure:"pragmas"`
}

// SuppressionSettings holds the ordered rule list applied by the event bus.
type SuppressionSettings struct {
	Rules []SuppressionRule `json:"rules" mapstructure:"rules"`
}

// SuppressionRule matches events and applies one drop policy; only the
// first matching rule applies per event.
type SuppressionRule struct {
	ID            string             `json:"id" mapstructure:"id"`
	Matcher       SuppressionMatcher `json:"matcher" mapstructure:"matcher"`
	SuppressForMs int64              `json:"suppressForMs" mapstructure:"suppressforms"`
	MaxEvents     int                `json:"maxEvents" mapstructure:"maxevents"`
	PerMs         int64              `json:"perMs" mapstructure:"perms"`
	TimelineTtlMs int64              `json:"timelineTtlMs" mapstructure:"timelinettlms"`
	Reason        string             `json:"reason" mapstructure:"reason"`
}

// SuppressionMatcher selects the events a rule applies to. Empty fields
// match anything.
type SuppressionMatcher struct {
	Detector        string `json:"detector" mapstructure:"detector"`
	Source          string `json:"source" mapstructure:"source"`
	Channel         string `json:"channel" mapstructure:"channel"`
	SeverityAtLeast string `json:"severityAtLeast" mapstructure:"severityatleast"`
}

// VideoSettings configures cameras and the ffmpeg decoder pipelines.
type VideoSettings struct {
	FramesPerSecond float64             `json:"framesPerSecond" mapstructure:"framespersecond"`
	Cameras         []CameraSettings    `json:"cameras" mapstructure:"cameras"`
	Channels        map[string]any      `json:"channels" mapstructure:"channels"`
	FFmpeg          FFmpegSettings      `json:"ffmpeg" mapstructure:"ffmpeg"`
	SnapshotDirs    []string            `json:"snapshotDirs" mapstructure:"snapshotdirs"`
	Overrides       map[string]Override `json:"overrides" mapstructure:"overrides"`
}

// Override carries per-camera/per-channel detector tuning.
type Override struct {
	PersonScore *float64 `json:"personScore" mapstructure:"personscore"`
}

// CameraSettings describes one supervised video source.
type CameraSettings struct {
	ID      string   `json:"id" mapstructure:"id"`
	Name    string   `json:"name" mapstructure:"name"`
	Channel string   `json:"channel" mapstructure:"channel"`
	Input   string   `json:"input" mapstructure:"input"`
	Enabled *bool    `json:"enabled" mapstructure:"enabled"`
	FFmpeg  []string `json:"ffmpegArgs" mapstructure:"ffmpegargs"`
}

// IsEnabled reports whether the camera should have a running pipeline;
// cameras default to enabled.
func (c *CameraSettings) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// FFmpegSettings carries decoder subprocess and supervision tuning shared
// by all pipelines unless a camera overrides the args.
type FFmpegSettings struct {
	Binary                  string   `json:"binary" mapstructure:"binary"`
	InputArgs               []string `json:"inputArgs" mapstructure:"inputargs"`
	StartTimeoutMs          int64    `json:"startTimeoutMs" mapstructure:"starttimeoutms"`
	WatchdogTimeoutMs       int64    `json:"watchdogTimeoutMs" mapstructure:"watchdogtimeoutms"`
	IdleTimeoutMs           int64    `json:"idleTimeoutMs" mapstructure:"idletimeoutms"`
	RestartDelayMs          int64    `json:"restartDelayMs" mapstructure:"restartdelayms"`
	RestartMaxDelayMs       int64    `json:"restartMaxDelayMs" mapstructure:"restartmaxdelayms"`
	RestartJitterFactor     float64  `json:"restartJitterFactor" mapstructure:"restartjitterfactor"`
	CircuitBreakerThreshold int      `json:"circuitBreakerThreshold" mapstructure:"circuitbreakerthreshold"`
	ForceKillTimeoutMs      int64    `json:"forceKillTimeoutMs" mapstructure:"forcekilltimeoutms"`
	MaxBufferBytes          int      `json:"maxBufferBytes" mapstructure:"maxbufferbytes"`
	RTSPTransportSequence   []string `json:"rtspTransportSequence" mapstructure:"rtsptransportsequence"`
}

// PersonSettings configures the person detector gate.
type PersonSettings struct {
	Enabled           bool    `json:"enabled" mapstructure:"enabled"`
	Score             float64 `json:"score" mapstructure:"score"`
	CheckEveryNFrames int     `json:"checkEveryNFrames" mapstructure:"checkeverynframes"`
	MaxDetections     int     `json:"maxDetections" mapstructure:"maxdetections"`
}

// MotionSettings configures the motion detector.
type MotionSettings struct {
	DiffThreshold          float64 `json:"diffThreshold" mapstructure:"diffthreshold"`
	AreaThreshold          float64 `json:"areaThreshold" mapstructure:"areathreshold"`
	MinIntervalMs          int64   `json:"minIntervalMs" mapstructure:"minintervalms"`
	DebounceFrames         int     `json:"debounceFrames" mapstructure:"debounceframes"`
	BackoffFrames          int     `json:"backoffFrames" mapstructure:"backoffframes"`
	NoiseSmoothing         float64 `json:"noiseSmoothing" mapstructure:"noisesmoothing"`
	AdaptiveAreaThreshold  float64 `json:"adaptiveAreaThreshold" mapstructure:"adaptiveareathreshold"`
	BaselineMultiplier     float64 `json:"baselineMultiplier" mapstructure:"baselinemultiplier"`
}

// AudioSettings configures audio capture and the anomaly detector.
type AudioSettings struct {
	Enabled       bool                 `json:"enabled" mapstructure:"enabled"`
	Channel       string               `json:"channel" mapstructure:"channel"`
	SampleRate    int                  `json:"sampleRate" mapstructure:"samplerate"`
	IdleTimeoutMs int64                `json:"idleTimeoutMs" mapstructure:"idletimeoutms"`
	MicFallbacks  MicFallbackSettings  `json:"micFallbacks" mapstructure:"micfallbacks"`
	Anomaly       AudioAnomalySettings `json:"anomaly" mapstructure:"anomaly"`
}

// Devices returns the capture device fallback list for the current
// platform, in priority order.
func (a *AudioSettings) Devices() []string {
	var fallbacks []MicFallback
	switch runtime.GOOS {
	case "darwin":
		fallbacks = a.MicFallbacks.Mac
	case "windows":
		fallbacks = a.MicFallbacks.Windows
	default:
		fallbacks = a.MicFallbacks.Linux
	}
	devices := make([]string, 0, len(fallbacks))
	for _, fb := range fallbacks {
		if fb.Device != "" {
			devices = append(devices, fb.Device)
		}
	}
	return devices
}

// MicFallbackSettings lists capture devices to try per platform.
type MicFallbackSettings struct {
	Linux   []MicFallback `json:"linux" mapstructure:"linux"`
	Mac     []MicFallback `json:"mac" mapstructure:"mac"`
	Windows []MicFallback `json:"windows" mapstructure:"windows"`
}

// MicFallback names one capture device.
type MicFallback struct {
	Device string `json:"device" mapstructure:"device"`
}

// AudioAnomalySettings tunes the windowed RMS/centroid anomaly detector.
type AudioAnomalySettings struct {
	FrameSize            int                    `json:"frameSize" mapstructure:"framesize"`
	HopSize              int                    `json:"hopSize" mapstructure:"hopsize"`
	MinTriggerDurationMs int64                  `json:"minTriggerDurationMs" mapstructure:"mintriggerdurationms"`
	MinIntervalMs        int64                  `json:"minIntervalMs" mapstructure:"minintervalms"`
	BaselineSmoothing    float64                `json:"baselineSmoothing" mapstructure:"baselinesmoothing"`
	Thresholds           DayNightThresholds     `json:"thresholds" mapstructure:"thresholds"`
	NightHours           NightHours             `json:"nightHours" mapstructure:"nighthours"`
	BlendMinutes         int                    `json:"blendMinutes" mapstructure:"blendminutes"`
}

// DayNightThresholds holds the two anomaly threshold profiles.
type DayNightThresholds struct {
	Day   AnomalyThresholds `json:"day" mapstructure:"day"`
	Night AnomalyThresholds `json:"night" mapstructure:"night"`
}

// AnomalyThresholds is one profile of trigger thresholds.
type AnomalyThresholds struct {
	RMS          float64 `json:"rms" mapstructure:"rms"`
	CentroidJump float64 `json:"centroidJump" mapstructure:"centroidjump"`
}

// NightHours declares the night window by hour of day; Start may be larger
// than End for windows that wrap midnight.
type NightHours struct {
	Start int `json:"start" mapstructure:"start"`
	End   int `json:"end" mapstructure:"end"`
}

// HTTPSettings configures the gateway listener.
type HTTPSettings struct {
	Port                string `json:"port" mapstructure:"port"`
	StaticDir           string `json:"staticDir" mapstructure:"staticdir"`
	SnapshotCacheMaxAge int    `json:"snapshotCacheMaxAge" mapstructure:"snapshotcachemaxage"`
	SSEMaxBacklogBytes  int    `json:"sseMaxBacklogBytes" mapstructure:"ssemaxbacklogbytes"`
}

// Load reads and parses the configuration file at path, applies defaults,
// and validates. Returns the parsed settings plus the raw document bytes
// (kept for known-good restore and unknown-key preservation).
func Load(path string) (*Settings, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	settings, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	return settings, raw, nil
}

// Parse decodes a JSON configuration document, applies defaults, and
// validates it.
func Parse(raw []byte) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	normalizeSettings(settings)
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// normalizeSettings canonicalizes channel identifiers in place so the rest
// of the system only ever sees normalized forms.
func normalizeSettings(s *Settings) {
	prefix := s.App.DefaultChannelPrefix
	for i := range s.Video.Cameras {
		s.Video.Cameras[i].Channel = NormalizeChannel(s.Video.Cameras[i].Channel, prefix)
	}
	if s.Audio.Channel != "" {
		s.Audio.Channel = NormalizeChannel(s.Audio.Channel, ChannelPrefixAudio)
	}
	if s.Database.Path != "" {
		s.Database.Path = filepath.Clean(s.Database.Path)
	}
}
