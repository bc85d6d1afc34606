package events

import (
	"strings"

	"github.com/tphakala/guardian/internal/conf"
)

// timelineEntry is one accepted publication recorded for a rule.
type timelineEntry struct {
	key string
	ts  int64
}

// timeline is the bounded accepted-event history a rule's policy is
// evaluated against. Entries are kept in ascending ts order.
type timeline struct {
	entries []timelineEntry
}

// latest returns the newest entry ts, or 0 when empty.
func (t *timeline) latest() int64 {
	if len(t.entries) == 0 {
		return 0
	}
	return t.entries[len(t.entries)-1].ts
}

// record appends an accepted publication.
func (t *timeline) record(key string, ts int64) {
	t.entries = append(t.entries, timelineEntry{key: key, ts: ts})
}

// pruneTTL drops entries older than ttl before now; returns how many were
// removed.
func (t *timeline) pruneTTL(now, ttlMs int64) int {
	if ttlMs <= 0 {
		return 0
	}
	cutoff := now - ttlMs
	i := 0
	for i < len(t.entries) && t.entries[i].ts < cutoff {
		i++
	}
	if i > 0 {
		t.entries = t.entries[i:]
	}
	return i
}

// pruneMax keeps at most max entries, dropping the oldest.
func (t *timeline) pruneMax(max int) {
	if max > 0 && len(t.entries) > max {
		t.entries = t.entries[len(t.entries)-max:]
	}
}

// countSince counts entries with ts within the rolling window ending at
// now.
func (t *timeline) countSince(now, windowMs int64) int {
	cutoff := now - windowMs
	count := 0
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].ts <= now && t.entries[i].ts > cutoff {
			count++
		}
	}
	return count
}

// ruleMatches tests the rule matcher against an event.
func ruleMatches(rule *conf.SuppressionRule, ev *Event) bool {
	m := &rule.Matcher
	if m.Detector != "" && m.Detector != ev.Detector {
		return false
	}
	if m.Source != "" && m.Source != ev.Source {
		return false
	}
	if m.Channel != "" && !conf.ChannelsEqual(m.Channel, ev.Meta.Channel()) {
		return false
	}
	if m.SeverityAtLeast != "" && severityRank(ev.Severity) < severityRank(m.SeverityAtLeast) {
		return false
	}
	return true
}

// suppressionDecision is the outcome of evaluating the rule set against
// one event.
type suppressionDecision struct {
	accepted bool
	rule     *conf.SuppressionRule
	warning  *Warning
}

// suppressor owns the rule set and its timelines. Not safe for concurrent
// use; the bus serializes access.
type suppressor struct {
	rules     []conf.SuppressionRule
	timelines map[string]*timeline
}

func newSuppressor(rules []conf.SuppressionRule) *suppressor {
	return &suppressor{
		rules:     rules,
		timelines: make(map[string]*timeline),
	}
}

// configure atomically replaces the rule set and discards all timelines.
func (s *suppressor) configure(rules []conf.SuppressionRule) {
	s.rules = rules
	s.timelines = make(map[string]*timeline)
}

// evaluate applies the first matching rule's policy. Accepted events are
// recorded on the rule's timeline.
func (s *suppressor) evaluate(ev *Event, now int64) suppressionDecision {
	for i := range s.rules {
		rule := &s.rules[i]
		if !ruleMatches(rule, ev) {
			continue
		}

		tl, exists := s.timelines[rule.ID]
		if !exists {
			tl = &timeline{}
			s.timelines[rule.ID] = tl
		}

		var warning *Warning
		if pruned := tl.pruneTTL(now, rule.TimelineTtlMs); pruned > 0 {
			warning = &Warning{
				Type: "suppression",
				Suppression: map[string]any{
					"ruleId":          rule.ID,
					"channel":         ev.Meta.Channel(),
					"count":           pruned,
					"timelineTtlMs":   rule.TimelineTtlMs,
					"timelineExpired": true,
					"at":              now,
				},
				At: now,
			}
		}

		if rule.SuppressForMs > 0 && len(tl.entries) > 0 {
			if ev.Ts-tl.latest() < rule.SuppressForMs {
				return suppressionDecision{accepted: false, rule: rule, warning: warning}
			}
		}

		if rule.MaxEvents > 0 && rule.PerMs > 0 {
			if tl.countSince(ev.Ts, rule.PerMs) >= rule.MaxEvents {
				return suppressionDecision{accepted: false, rule: rule, warning: warning}
			}
		}

		tl.record(eventKey(ev), ev.Ts)
		if rule.MaxEvents > 0 {
			tl.pruneMax(rule.MaxEvents)
		}
		return suppressionDecision{accepted: true, rule: rule, warning: warning}
	}

	return suppressionDecision{accepted: true}
}

func eventKey(ev *Event) string {
	return strings.Join([]string{ev.Source, ev.Detector, ev.Severity}, "|")
}
