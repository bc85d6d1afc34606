package capture

import "strings"

// FailureReason classifies why a pipeline's subprocess needs recovery.
type FailureReason string

const (
	ReasonFFmpegMissing         FailureReason = "ffmpeg-missing"
	ReasonRTSPAuthFailure       FailureReason = "rtsp-auth-failure"
	ReasonRTSPNotFound          FailureReason = "rtsp-not-found"
	ReasonRTSPTimeout           FailureReason = "rtsp-timeout"
	ReasonRTSPConnectionFailure FailureReason = "rtsp-connection-failure"
	ReasonCorruptedFrame        FailureReason = "corrupted-frame"
	ReasonStreamError           FailureReason = "stream-error"
	ReasonFFmpegError           FailureReason = "ffmpeg-error"
	ReasonFFmpegExit            FailureReason = "ffmpeg-exit"
	ReasonForceKill             FailureReason = "force-kill"
	ReasonStartTimeout          FailureReason = "start-timeout"
	ReasonWatchdogTimeout       FailureReason = "watchdog-timeout"
	ReasonStreamIdle            FailureReason = "stream-idle"
	ReasonCircuitBreaker        FailureReason = "circuit-breaker"
)

// stderrPattern maps a substring match to its failure class. Ordered by
// priority; the first matching entry wins.
type stderrPattern struct {
	reason   FailureReason
	patterns []string
}

var stderrPatterns = []stderrPattern{
	{ReasonRTSPAuthFailure, []string{"401", "403 forbidden"}},
	{ReasonRTSPNotFound, []string{"404", "454 session not found"}},
	{ReasonRTSPTimeout, []string{"describe failed: timed out", "read timeout", "connection timed out"}},
	{ReasonRTSPConnectionFailure, []string{"connection refused", "network is unreachable"}},
}

// classifyStderrLine pattern-matches one stderr line. The highest-priority
// match wins; lines that match nothing return ok=false and do not trigger
// recovery on their own.
func classifyStderrLine(line string) (FailureReason, bool) {
	lowered := strings.ToLower(line)
	for _, entry := range stderrPatterns {
		for _, pattern := range entry.patterns {
			if strings.Contains(lowered, pattern) {
				return entry.reason, true
			}
		}
	}
	return "", false
}

// advancesTransport reports whether a failure class rotates the RTSP
// transport sequence. Auth and not-found failures never advance: a
// different transport cannot fix credentials or a missing path.
func advancesTransport(reason FailureReason) bool {
	return reason == ReasonRTSPTimeout || reason == ReasonRTSPConnectionFailure
}

// classifyTimeout resolves the failure class when supervision timers have
// expired. stream-idle is classified before watchdog-timeout when both
// expired in the same pass.
func classifyTimeout(idleExpired, watchdogExpired bool) (FailureReason, bool) {
	switch {
	case idleExpired:
		return ReasonStreamIdle, true
	case watchdogExpired:
		return ReasonWatchdogTimeout, true
	default:
		return "", false
	}
}
