package capture

import (
	"slices"
	"strconv"

	"github.com/tphakala/guardian/internal/conf"
)

// Pipeline kinds; used as the metrics digest key.
const (
	KindFFmpeg = "ffmpeg"
	KindAudio  = "audio"
)

// Frame formats produced by the decoder subprocess.
const (
	FormatPNG = "png"
	FormatPCM = "pcm"
)

// Options configures one capture pipeline.
type Options struct {
	Kind        string
	Channel     string
	Input       string
	Binary      string
	InputArgs   []string
	FrameFormat string
	SampleRate  int

	StartTimeoutMs    int64
	WatchdogTimeoutMs int64
	IdleTimeoutMs     int64

	RestartDelayMs          int64
	RestartMaxDelayMs       int64
	RestartJitterFactor     float64
	CircuitBreakerThreshold int
	ForceKillTimeoutMs      int64
	MaxBufferBytes          int

	RTSPTransportSequence []string
}

// UpdateOptions carries the live-updatable subset of Options. Nil fields
// are left unchanged.
type UpdateOptions struct {
	StartTimeoutMs        *int64
	WatchdogTimeoutMs     *int64
	IdleTimeoutMs         *int64
	RestartDelayMs        *int64
	RestartMaxDelayMs     *int64
	RestartJitterFactor   *float64
	RTSPTransportSequence []string
}

// VideoOptions derives pipeline options for a camera from the settings
// snapshot.
func VideoOptions(settings *conf.Settings, camera *conf.CameraSettings) Options {
	ff := settings.Video.FFmpeg
	inputArgs := slices.Clone(ff.InputArgs)
	if len(camera.FFmpeg) > 0 {
		inputArgs = slices.Clone(camera.FFmpeg)
	}
	return Options{
		Kind:                    KindFFmpeg,
		Channel:                 camera.Channel,
		Input:                   camera.Input,
		Binary:                  ff.Binary,
		InputArgs:               inputArgs,
		FrameFormat:             FormatPNG,
		StartTimeoutMs:          ff.StartTimeoutMs,
		WatchdogTimeoutMs:       ff.WatchdogTimeoutMs,
		IdleTimeoutMs:           ff.IdleTimeoutMs,
		RestartDelayMs:          ff.RestartDelayMs,
		RestartMaxDelayMs:       ff.RestartMaxDelayMs,
		RestartJitterFactor:     ff.RestartJitterFactor,
		CircuitBreakerThreshold: ff.CircuitBreakerThreshold,
		ForceKillTimeoutMs:      ff.ForceKillTimeoutMs,
		MaxBufferBytes:          ff.MaxBufferBytes,
		RTSPTransportSequence:   ff.RTSPTransportSequence,
	}
}

// AudioOptions derives pipeline options for the audio capture channel.
func AudioOptions(settings *conf.Settings, device string) Options {
	ff := settings.Video.FFmpeg
	return Options{
		Kind:                    KindAudio,
		Channel:                 settings.Audio.Channel,
		Input:                   device,
		Binary:                  ff.Binary,
		InputArgs:               slices.Clone(ff.InputArgs),
		FrameFormat:             FormatPCM,
		SampleRate:              settings.Audio.SampleRate,
		StartTimeoutMs:          ff.StartTimeoutMs,
		WatchdogTimeoutMs:       ff.WatchdogTimeoutMs,
		IdleTimeoutMs:           settings.Audio.IdleTimeoutMs,
		RestartDelayMs:          ff.RestartDelayMs,
		RestartMaxDelayMs:       ff.RestartMaxDelayMs,
		RestartJitterFactor:     ff.RestartJitterFactor,
		CircuitBreakerThreshold: ff.CircuitBreakerThreshold,
		ForceKillTimeoutMs:      ff.ForceKillTimeoutMs,
		MaxBufferBytes:          ff.MaxBufferBytes,
	}
}

// buildArgs assembles the decoder command line for the current transport.
func buildArgs(opts *Options, transport string) []string {
	args := slices.Clone(opts.InputArgs)
	args = append(args, "-i", opts.Input)
	if transport != "" {
		args = append(args, "-rtsp_transport", transport)
	}
	switch opts.FrameFormat {
	case FormatPCM:
		rate := opts.SampleRate
		if rate <= 0 {
			rate = 16000
		}
		args = append(args, "-f", "s16le", "-ar", strconv.Itoa(rate), "-ac", "1", "pipe:1")
	default:
		args = append(args, "-f", "image2pipe", "-vcodec", "png", "pipe:1")
	}
	return args
}
