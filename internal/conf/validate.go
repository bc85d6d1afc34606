package conf

import (
	"fmt"
	"strings"
)

// ValidationError collects every violation found in one validation pass so
// operators see all problems at once.
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct. The returned error
// is a ValidationError aggregating all violations, or nil.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateVideoSettings(settings)...)
	ve.Errors = append(ve.Errors, validateMotionSettings(&settings.Motion)...)
	ve.Errors = append(ve.Errors, validatePersonSettings(settings)...)
	ve.Errors = append(ve.Errors, validateAudioSettings(settings)...)
	ve.Errors = append(ve.Errors, validateSuppressionSettings(&settings.Events.Suppression)...)
	ve.Errors = append(ve.Errors, validateRetentionSettings(&settings.Events.Retention)...)

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// validateVideoSettings checks camera identity and channel uniqueness plus
// the channels map referencing cameras.
func validateVideoSettings(settings *Settings) []string {
	var errs []string

	seenIDs := make(map[string]bool)
	seenChannels := make(map[string]bool)
	for i := range settings.Video.Cameras {
		cam := &settings.Video.Cameras[i]
		if cam.ID == "" {
			errs = append(errs, fmt.Sprintf("camera %d: id must not be empty", i))
		} else if seenIDs[cam.ID] {
			errs = append(errs, fmt.Sprintf("camera id %q is not unique", cam.ID))
		}
		seenIDs[cam.ID] = true

		channel := NormalizeChannel(cam.Channel, settings.App.DefaultChannelPrefix)
		if channel == "" {
			errs = append(errs, fmt.Sprintf("camera %q: channel must be a non-empty channel id", cam.ID))
			continue
		}
		key := strings.ToLower(channel)
		if seenChannels[key] {
			errs = append(errs, fmt.Sprintf("camera %q: channel %q is not unique", cam.ID, channel))
		}
		seenChannels[key] = true
	}

	for key := range settings.Video.Channels {
		normalized := strings.ToLower(NormalizeChannel(key, settings.App.DefaultChannelPrefix))
		if !seenChannels[normalized] {
			errs = append(errs, fmt.Sprintf("video.channels key %q references no configured camera", key))
		}
	}

	return errs
}

func validateMotionSettings(settings *MotionSettings) []string {
	var errs []string
	if settings.DiffThreshold < 0 {
		errs = append(errs, "motion.diffThreshold must be >= 0")
	}
	if settings.AreaThreshold < 0 || settings.AreaThreshold > 1 {
		errs = append(errs, "motion.areaThreshold must be between 0 and 1")
	}
	return errs
}

func validatePersonSettings(settings *Settings) []string {
	var errs []string
	if settings.Person.Score < 0 || settings.Person.Score > 1 {
		errs = append(errs, "person.score must be between 0 and 1")
	}
	for key, override := range settings.Video.Overrides {
		if override.PersonScore != nil && (*override.PersonScore < 0 || *override.PersonScore > 1) {
			errs = append(errs, fmt.Sprintf("video.overrides[%q].personScore must be between 0 and 1", key))
		}
	}
	return errs
}

func validateAudioSettings(settings *Settings) []string {
	var errs []string

	if settings.Audio.Channel != "" {
		audioChannel := NormalizeChannel(settings.Audio.Channel, ChannelPrefixAudio)
		for i := range settings.Video.Cameras {
			cam := &settings.Video.Cameras[i]
			videoChannel := NormalizeChannel(cam.Channel, settings.App.DefaultChannelPrefix)
			if strings.EqualFold(audioChannel, videoChannel) {
				errs = append(errs, fmt.Sprintf("audio.channel %q collides with video channel of camera %q", settings.Audio.Channel, cam.ID))
			}
		}
	}

	fallbacks := [][]MicFallback{
		settings.Audio.MicFallbacks.Linux,
		settings.Audio.MicFallbacks.Mac,
		settings.Audio.MicFallbacks.Windows,
	}
	for _, platform := range fallbacks {
		for i, fb := range platform {
			if strings.TrimSpace(fb.Device) == "" {
				errs = append(errs, fmt.Sprintf("audio.micFallbacks entry %d: device must not be empty", i))
			}
		}
	}

	if settings.Audio.Anomaly.FrameSize > 0 && settings.Audio.Anomaly.HopSize > settings.Audio.Anomaly.FrameSize {
		errs = append(errs, "audio.anomaly.hopSize must not exceed frameSize")
	}

	return errs
}

func validateSuppressionSettings(settings *SuppressionSettings) []string {
	var errs []string
	for i := range settings.Rules {
		rule := &settings.Rules[i]
		name := rule.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Sprintf("suppression rule %s: id must not be empty", name))
		}
		if rule.MaxEvents > 0 {
			if rule.PerMs <= 0 {
				errs = append(errs, fmt.Sprintf("suppression rule %s: maxEvents requires perMs", name))
			} else if rule.PerMs < int64(rule.MaxEvents) {
				errs = append(errs, fmt.Sprintf("suppression rule %s: perMs must be >= maxEvents", name))
			}
		}
		if rule.SuppressForMs < 0 || rule.PerMs < 0 || rule.TimelineTtlMs < 0 {
			errs = append(errs, fmt.Sprintf("suppression rule %s: durations must be non-negative", name))
		}
	}
	return errs
}

func validateRetentionSettings(settings *RetentionSettings) []string {
	var errs []string
	switch settings.Snapshot.Mode {
	case "", "archive", "delete":
	default:
		errs = append(errs, fmt.Sprintf("events.retention.snapshot.mode %q must be archive or delete", settings.Snapshot.Mode))
	}
	switch settings.Vacuum.Run {
	case "", "always", "on-change", "never":
	default:
		errs = append(errs, fmt.Sprintf("events.retention.vacuum.run %q must be always, on-change or never", settings.Vacuum.Run))
	}
	switch settings.Vacuum.Mode {
	case "", "auto", "full", "off":
	default:
		errs = append(errs, fmt.Sprintf("events.retention.vacuum.mode %q must be auto, full or off", settings.Vacuum.Mode))
	}
	if settings.Enabled && settings.RetentionDays <= 0 {
		errs = append(errs, "events.retention.retentionDays must be positive when retention is enabled")
	}
	return errs
}
