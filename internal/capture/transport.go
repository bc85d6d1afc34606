package capture

import (
	"slices"
	"strings"
)

// transportState walks the RTSP transport fallback sequence for one
// pipeline. The zero value is inert (no sequence).
type transportState struct {
	base       string
	sequence   []string
	index      int
	current    string
	lastReason string
}

func newTransportState(sequence []string) transportState {
	ts := transportState{sequence: slices.Clone(sequence)}
	if len(ts.sequence) > 0 {
		ts.base = ts.sequence[0]
		ts.current = ts.base
	}
	return ts
}

// enabled reports whether fallback applies: an rtsp:// input and at least
// two transports to rotate through.
func (t *transportState) enabled(input string) bool {
	return len(t.sequence) >= 2 && strings.HasPrefix(strings.ToLower(input), "rtsp://")
}

// advance rotates to the next transport (wrapping) and returns the
// from/to pair.
func (t *transportState) advance(reason string) (from, to string) {
	from = t.current
	t.index = (t.index + 1) % len(t.sequence)
	t.current = t.sequence[t.index]
	t.lastReason = reason
	return from, t.current
}

// reset restores the base transport and returns the from/to pair.
func (t *transportState) reset(reason string) (from, to string) {
	from = t.current
	t.index = 0
	t.current = t.base
	t.lastReason = reason
	return from, t.current
}

// updateSequence swaps the sequence, preserving the current transport when
// it is still present, otherwise resetting to the new base.
func (t *transportState) updateSequence(sequence []string) {
	t.sequence = slices.Clone(sequence)
	if len(t.sequence) == 0 {
		t.base = ""
		t.current = ""
		t.index = 0
		return
	}
	t.base = t.sequence[0]
	if i := slices.Index(t.sequence, t.current); i >= 0 {
		t.index = i
		return
	}
	t.index = 0
	t.current = t.base
}
