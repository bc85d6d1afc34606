package conf

import (
	"regexp"
	"strings"
)

// Channel prefixes recognized during normalization. Any other prefix is
// kept verbatim.
const (
	ChannelPrefixVideo = "video"
	ChannelPrefixAudio = "audio"
)

// DefaultChannelPrefix is applied when a channel id carries no prefix.
const DefaultChannelPrefix = ChannelPrefixVideo

var channelPrefixRe = regexp.MustCompile(`^([A-Za-z0-9_-]+):(.*)$`)

// NormalizeChannel canonicalizes a channel identifier. The prefix is
// lowercased when it is a recognized media prefix, other prefixes pass
// through untouched, and bare names get defaultPrefix (or the package
// default when empty). Normalization is idempotent.
func NormalizeChannel(id, defaultPrefix string) string {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ""
	}

	if m := channelPrefixRe.FindStringSubmatch(trimmed); m != nil {
		prefix, rest := m[1], m[2]
		switch strings.ToLower(prefix) {
		case ChannelPrefixVideo, ChannelPrefixAudio:
			return strings.ToLower(prefix) + ":" + rest
		default:
			return trimmed
		}
	}

	if defaultPrefix == "" {
		defaultPrefix = DefaultChannelPrefix
	}
	return defaultPrefix + ":" + trimmed
}

// ChannelsEqual reports whether two channel ids refer to the same channel
// after normalization.
func ChannelsEqual(a, b string) bool {
	return strings.EqualFold(NormalizeChannel(a, ""), NormalizeChannel(b, ""))
}

// ChannelKind returns the prefix part of a normalized channel id, or the
// default prefix when none is present.
func ChannelKind(id string) string {
	normalized := NormalizeChannel(id, "")
	if i := strings.IndexByte(normalized, ':'); i > 0 {
		return normalized[:i]
	}
	return DefaultChannelPrefix
}
